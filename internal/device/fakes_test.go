package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"refoss-lan/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordHandler keeps every log record at or above level.
type recordHandler struct {
	level   slog.Level
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }
func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.records = append(h.records, r.Clone())
	h.mu.Unlock()
	return nil
}
func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

// warnings returns the captured records at warn level.
func (h *recordHandler) warnings() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []slog.Record
	for _, r := range h.records {
		if r.Level == slog.LevelWarn {
			out = append(out, r)
		}
	}
	return out
}

// recordAttr returns the value of the named attribute of r.
func recordAttr(r slog.Record, key string) (slog.Value, bool) {
	var v slog.Value
	found := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == key {
			v, found = a.Value, true
			return false
		}
		return true
	})
	return v, found
}

var errTimeout = fmt.Errorf("test: %w", transport.ErrTimeout)

// fakeRPC answers RPC calls from a handler keyed by method.
type fakeRPC struct {
	mu       sync.Mutex
	handlers map[string]func(params map[string]any) (map[string]any, error)
	calls    []string
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{handlers: make(map[string]func(map[string]any) (map[string]any, error))}
}

func (f *fakeRPC) on(method string, h func(params map[string]any) (map[string]any, error)) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeRPC) reply(method string, resp map[string]any) {
	f.on(method, func(map[string]any) (map[string]any, error) { return resp, nil })
}

func (f *fakeRPC) fail(method string, err error) {
	f.on(method, func(map[string]any) (map[string]any, error) { return nil, err })
}

func (f *fakeRPC) Call(_ context.Context, method string, params map[string]any, _ time.Duration) (map[string]any, error) {
	f.mu.Lock()
	h, ok := f.handlers[method]
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	if !ok {
		return nil, &transport.ProtocolError{Op: method, Err: fmt.Errorf("http status 404")}
	}
	return h(params)
}

func (f *fakeRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// fakeExec answers legacy commands from a handler keyed by namespace.
type fakeExec struct {
	mu       sync.Mutex
	handlers map[string]func(method string, payload map[string]any) (map[string]any, error)
	sent     []map[string]any
}

func newFakeExec() *fakeExec {
	return &fakeExec{handlers: make(map[string]func(string, map[string]any) (map[string]any, error))}
}

func (f *fakeExec) on(ns string, h func(method string, payload map[string]any) (map[string]any, error)) {
	f.mu.Lock()
	f.handlers[ns] = h
	f.mu.Unlock()
}

func (f *fakeExec) reply(ns string, payload map[string]any) {
	f.on(ns, func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"payload": payload}, nil
	})
}

func (f *fakeExec) Execute(_ context.Context, _, method, namespace string, payload map[string]any, _ time.Duration) (map[string]any, error) {
	f.mu.Lock()
	h, ok := f.handlers[namespace]
	f.sent = append(f.sent, payload)
	f.mu.Unlock()
	if !ok {
		return nil, &transport.ProtocolError{Op: namespace, Err: fmt.Errorf("no handler")}
	}
	return h(method, payload)
}

func rpcIdentity(model string, channels ...int) Identity {
	return Identity{UUID: "dev-" + model, Model: model, Host: "10.0.0.9", Protocol: ProtocolRPC, Channels: channels}
}

func lanIdentity(model string, channels ...int) Identity {
	return Identity{UUID: "lan-" + model, Model: model, Hardware: "1.0.0", Firmware: "2.1.0", Host: "10.0.0.8", Protocol: ProtocolLAN, Channels: channels}
}
