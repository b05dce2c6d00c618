// Package device models Refoss devices: their identity, the per-channel
// status caches, and the controllers that refresh and drive them over the
// legacy LAN protocol or the RPC protocol.
package device

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupportedDevice means no recognizable ability or method set was
	// found. Setup should not be retried.
	ErrUnsupportedDevice = errors.New("unsupported device")
	// ErrInvalidMessage means the device answered ability discovery with
	// nothing usable.
	ErrInvalidMessage = errors.New("invalid message")
)

// Executor sends one legacy-protocol command.
type Executor interface {
	Execute(ctx context.Context, deviceUUID, method, namespace string, payload map[string]any, timeout time.Duration) (map[string]any, error)
}

// RPCCaller invokes one RPC method.
type RPCCaller interface {
	Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (map[string]any, error)
}

// Kind is the controller variant.
type Kind int

const (
	KindLAN Kind = iota
	KindEnergyMonitorRPC
	KindSwitchRPC
)

func (k Kind) String() string {
	switch k {
	case KindLAN:
		return "lan"
	case KindEnergyMonitorRPC:
		return "em_rpc"
	case KindSwitchRPC:
		return "switch_rpc"
	}
	return "unknown"
}

// UpdateHook runs after a controller's own update stages succeed.
type UpdateHook func(ctx context.Context) error

// Controller is implemented by every device variant.
type Controller interface {
	Identity() Identity
	Channels() []int
	Kind() Kind
	// Update refreshes the status cache. Only timeouts and failures the
	// variant does not absorb are returned.
	Update(ctx context.Context) error
	// Value returns the last polled value of field on channel.
	Value(channel int, field string) (any, bool)
	Snapshot() map[int]map[string]any
	AfterUpdate(h UpdateHook)
	LastUpdate() time.Time
	// SetName changes the display name carried by later updates.
	SetName(name string)
}

// Switch is implemented by controllers that can drive relays.
type Switch interface {
	// IsOn reports the cached relay state; known is false until the
	// channel has been observed.
	IsOn(channel int) (on, known bool)
	TurnOn(ctx context.Context, channel int) error
	TurnOff(ctx context.Context, channel int) error
	Toggle(ctx context.Context, channel int) error
}
