package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"refoss-lan/internal/device"
	"refoss-lan/internal/transport"
)

// PollState is a snapshot of a poller's health.
type PollState struct {
	ErrorCount int       `json:"error_count"`
	Degraded   bool      `json:"degraded"`
	LastError  string    `json:"last_error,omitempty"`
	LastPoll   time.Time `json:"last_poll"`
}

// Poller calls a controller's Update on a fixed interval. Timeouts count
// toward maxErrors, after which the device is degraded until a poll succeeds.
type Poller struct {
	ctrl      device.Controller
	interval  time.Duration
	maxErrors int
	events    *EventBus
	logger    *slog.Logger

	mu    sync.Mutex
	state PollState
}

func newPoller(ctrl device.Controller, interval time.Duration, maxErrors int, events *EventBus, logger *slog.Logger) *Poller {
	return &Poller{
		ctrl:      ctrl,
		interval:  interval,
		maxErrors: maxErrors,
		events:    events,
		logger:    logger.With("component", "poller", "device", ctrl.Identity().UUID),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one update and accounts for its outcome.
func (p *Poller) Poll(ctx context.Context) error {
	err := p.ctrl.Update(ctx)
	uuid := p.ctrl.Identity().UUID

	p.mu.Lock()
	p.state.LastPoll = time.Now()
	if err == nil {
		recovered := p.state.Degraded
		p.state.ErrorCount = 0
		p.state.Degraded = false
		p.state.LastError = ""
		p.mu.Unlock()
		if recovered {
			p.logger.Info("device recovered")
			p.events.Emit(deviceEvent(EventDeviceRecovered, uuid, nil))
		}
		return nil
	}

	p.state.LastError = err.Error()
	var degraded bool
	if transport.IsTimeout(err) {
		p.state.ErrorCount++
		if p.state.ErrorCount >= p.maxErrors && !p.state.Degraded {
			p.state.Degraded = true
			degraded = true
		}
	}
	count := p.state.ErrorCount
	p.mu.Unlock()

	p.logger.Debug("poll failed", "err", err, "errors", count)
	p.events.Emit(deviceEvent(EventPollFailed, uuid, map[string]any{
		"error":   err.Error(),
		"timeout": transport.IsTimeout(err),
	}))
	if degraded {
		p.logger.Warn("device degraded", "errors", count)
		p.events.Emit(deviceEvent(EventDeviceDegraded, uuid, map[string]any{"errors": count}))
	}
	return err
}

// State returns the current health snapshot.
func (p *Poller) State() PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
