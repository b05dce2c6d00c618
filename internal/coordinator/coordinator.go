package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"refoss-lan/internal/device"
	"refoss-lan/internal/store"
	"refoss-lan/internal/transport"
)

// Config holds coordinator configuration.
type Config struct {
	PollInterval  time.Duration
	MaxErrors     int
	RetryInterval time.Duration
	LANTimeout    time.Duration
	RPCTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 4
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Minute
	}
	if c.LANTimeout <= 0 {
		c.LANTimeout = 5 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	return c
}

// Dialer hands out transport clients for a device address.
type Dialer interface {
	LAN(host string) device.Executor
	RPC(host string) device.RPCCaller
}

type netDialer struct {
	key    string
	logger *slog.Logger
}

// NewDialer returns a Dialer backed by the HTTP transport clients. key signs
// legacy protocol requests.
func NewDialer(key string, logger *slog.Logger) Dialer {
	return &netDialer{key: key, logger: logger}
}

func (d *netDialer) LAN(host string) device.Executor {
	return transport.NewLANClient(host, d.key, d.logger)
}

func (d *netDialer) RPC(host string) device.RPCCaller {
	return transport.NewRPCClient(host, d.logger)
}

// Coordinator owns the configured devices and their pollers.
type Coordinator struct {
	store      store.Store
	dialer     Dialer
	classifier *device.Classifier
	events     *EventBus
	devices    *DeviceManager
	logger     *slog.Logger
	config     Config
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a new Coordinator.
func New(st store.Store, dialer Dialer, classifier *device.Classifier, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:      st,
		dialer:     dialer,
		classifier: classifier,
		events:     events,
		logger:     logger,
		config:     cfg.withDefaults(),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.devices = NewDeviceManager(c)
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start sets up every stored device and begins retrying the ones that are
// not reachable yet.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("starting coordinator", "poll_interval", c.config.PollInterval, "max_errors", c.config.MaxErrors)
	if err := c.devices.LoadAll(ctx); err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.devices.RetryPending(c.ctx)
			}
		}
	}()
	return nil
}

// Stop cancels the coordinator context and waits for pollers to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	c.devices.StopAll()
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Classifier returns the legacy device classifier.
func (c *Coordinator) Classifier() *device.Classifier {
	return c.classifier
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}
