// Package tsdb records device readings in InfluxDB.
//
// Writes go through the client's non-blocking write API, so a slow or
// unreachable server never stalls polling. Failed batches are logged.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/sensor"
)

const (
	connectTimeout = 10 * time.Second
	measurement    = "energy"
	switchMeasure  = "switch"
)

// ErrConnectionFailed is returned when the server cannot be reached on
// startup.
var ErrConnectionFailed = errors.New("influxdb connection failed")

// Config selects the InfluxDB bucket readings are written to.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// pointWriter is the subset of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Recorder turns device_updated events into points.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Connect creates the client, verifies the server is healthy and starts
// draining asynchronous write errors.
func Connect(cfg Config, logger *slog.Logger) (*Recorder, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(writeAPI, logger)
	r.client = client
	go r.drainErrors(writeAPI)
	return r, nil
}

func newRecorder(w pointWriter, logger *slog.Logger) *Recorder {
	return &Recorder{writer: w, logger: logger.With("component", "tsdb")}
}

func (r *Recorder) drainErrors(w api.WriteAPI) {
	for err := range w.Errors() {
		r.logger.Warn("influxdb write failed", "err", err)
	}
}

// Attach subscribes the recorder to device updates and relay changes.
func (r *Recorder) Attach(bus *coordinator.EventBus) func() {
	offUpdated := bus.On(coordinator.EventDeviceUpdated, r.onUpdated)
	offSwitch := bus.On(coordinator.EventSwitchState, r.onSwitch)
	return func() {
		offUpdated()
		offSwitch()
	}
}

func (r *Recorder) onUpdated(e coordinator.Event) {
	readings, _ := e.Data["readings"].([]sensor.Reading)
	name, _ := e.Data["name"].(string)
	model, _ := e.Data["model"].(string)

	// One point per channel, one field per sensor.
	byChannel := make(map[int]*write.Point)
	for _, rd := range readings {
		p, ok := byChannel[rd.Channel]
		if !ok {
			p = write.NewPoint(measurement, map[string]string{
				"uuid":         e.UUID(),
				"name":         name,
				"model":        model,
				"channel":      strconv.Itoa(rd.Channel),
				"channel_name": rd.ChannelName,
			}, map[string]any{}, e.Time)
			byChannel[rd.Channel] = p
		}
		p.AddField(rd.Key, rd.Value)
	}
	for _, p := range byChannel {
		r.write(p)
	}

	states, _ := e.Data["states"].(map[int]bool)
	for ch, on := range states {
		r.write(switchPoint(e.UUID(), ch, on, e.Time))
	}
}

func (r *Recorder) onSwitch(e coordinator.Event) {
	if known, _ := e.Data["known"].(bool); !known {
		return
	}
	ch, _ := e.Data["channel"].(int)
	on, _ := e.Data["on"].(bool)
	r.write(switchPoint(e.UUID(), ch, on, e.Time))
}

func switchPoint(uuid string, ch int, on bool, ts time.Time) *write.Point {
	return write.NewPoint(switchMeasure,
		map[string]string{"uuid": uuid, "channel": strconv.Itoa(ch)},
		map[string]any{"on": on},
		ts)
}

func (r *Recorder) write(p *write.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.writer.WritePoint(p)
}

// Close flushes pending points and closes the client.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
}
