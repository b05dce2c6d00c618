package device

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultLANTimeout = 5 * time.Second
	defaultRPCTimeout = 10 * time.Second
)

type stage func(ctx context.Context) error

// Base carries what every controller shares: identity, channels, post-update
// hooks and the time of the last completed update.
type Base struct {
	logger *slog.Logger

	mu         sync.RWMutex
	id         Identity
	hooks      []UpdateHook
	lastUpdate time.Time
}

func (b *Base) init(id Identity, logger *slog.Logger) {
	b.id = id.clone()
	b.logger = logger.With("device", id.UUID, "host", id.Host)
}

func (b *Base) Identity() Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id.clone()
}

func (b *Base) Channels() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]int(nil), b.id.Channels...)
}

func (b *Base) SetName(name string) {
	b.mu.Lock()
	b.id.Name = name
	b.mu.Unlock()
}

func (b *Base) setChannels(ch []int) {
	b.mu.Lock()
	b.id.Channels = append([]int(nil), ch...)
	b.mu.Unlock()
}

// AfterUpdate appends a hook. Hooks run in registration order.
func (b *Base) AfterUpdate(h UpdateHook) {
	b.mu.Lock()
	b.hooks = append(b.hooks, h)
	b.mu.Unlock()
}

func (b *Base) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// runUpdate runs the controller stages in order, then the registered hooks.
// The first failing stage stops the chain and hooks do not run.
func (b *Base) runUpdate(ctx context.Context, stages ...stage) error {
	for _, s := range stages {
		if err := s(ctx); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.lastUpdate = time.Now()
	hooks := append([]UpdateHook(nil), b.hooks...)
	b.mu.Unlock()

	for _, h := range hooks {
		if err := h(ctx); err != nil {
			return err
		}
	}
	return nil
}

// lanBase adds the legacy command passthrough.
type lanBase struct {
	Base
	exec    Executor
	timeout time.Duration
}

func newLANBase(id Identity, exec Executor, timeout time.Duration, logger *slog.Logger) *lanBase {
	b := &lanBase{exec: exec, timeout: timeout}
	b.init(id, logger)
	return b
}

// Execute sends a command to this device with the default timeout.
func (b *lanBase) Execute(ctx context.Context, method, namespace string, payload map[string]any) (map[string]any, error) {
	return b.exec.Execute(ctx, b.id.UUID, method, namespace, payload, b.timeout)
}

// rpcBase adds the RPC call passthrough.
type rpcBase struct {
	Base
	rpc     RPCCaller
	timeout time.Duration
}

func newRPCBase(id Identity, rpc RPCCaller, timeout time.Duration, logger *slog.Logger) *rpcBase {
	b := &rpcBase{rpc: rpc, timeout: timeout}
	b.init(id, logger)
	return b
}

// Call invokes an RPC method on this device with the default timeout.
func (b *rpcBase) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	return b.rpc.Call(ctx, method, params, b.timeout)
}
