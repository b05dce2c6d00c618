package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"refoss-lan/internal/device"
	"refoss-lan/internal/store"
	"refoss-lan/internal/transport"
)

// memStore is a minimal in-memory store for device manager tests.
type memStore struct {
	mu      sync.Mutex
	devices map[string]*store.Device
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]*store.Device)}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dev
	m.devices[dev.UUID] = &cp
	return nil
}
func (m *memStore) GetDevice(uuid string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[uuid]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", uuid, store.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}
func (m *memStore) DeleteDevice(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, uuid)
	return nil
}
func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		list = append(list, &cp)
	}
	return list, nil
}
func (m *memStore) UpdateDevice(uuid string, fn func(dev *store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[uuid]
	if !ok {
		return fmt.Errorf("device %s: %w", uuid, store.ErrNotFound)
	}
	cp := *d
	if err := fn(&cp); err != nil {
		return err
	}
	m.devices[uuid] = &cp
	return nil
}
func (m *memStore) Close() error { return nil }

// rpcDevice answers RPC methods from handlers.
type rpcDevice struct {
	mu       sync.Mutex
	handlers map[string]func(params map[string]any) (map[string]any, error)
}

func newRPCDevice() *rpcDevice {
	return &rpcDevice{handlers: make(map[string]func(map[string]any) (map[string]any, error))}
}

func (d *rpcDevice) on(method string, h func(params map[string]any) (map[string]any, error)) {
	d.mu.Lock()
	d.handlers[method] = h
	d.mu.Unlock()
}

func (d *rpcDevice) reply(method string, resp map[string]any) {
	d.on(method, func(map[string]any) (map[string]any, error) { return resp, nil })
}

func (d *rpcDevice) Call(_ context.Context, method string, params map[string]any, _ time.Duration) (map[string]any, error) {
	d.mu.Lock()
	h, ok := d.handlers[method]
	d.mu.Unlock()
	if !ok {
		return nil, &transport.ProtocolError{Op: method, Err: errors.New("http status 404")}
	}
	return h(params)
}

// lanDevice answers legacy commands by namespace.
type lanDevice struct {
	mu       sync.Mutex
	payloads map[string]map[string]any
	err      error
}

func (d *lanDevice) Execute(_ context.Context, _, _, namespace string, _ map[string]any, _ time.Duration) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	p, ok := d.payloads[namespace]
	if !ok {
		return nil, &transport.ProtocolError{Op: namespace, Err: errors.New("unhandled")}
	}
	return map[string]any{"payload": p}, nil
}

func (d *lanDevice) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type fakeDialer struct {
	rpc map[string]*rpcDevice
	lan map[string]*lanDevice
}

func (f *fakeDialer) RPC(host string) device.RPCCaller {
	if d, ok := f.rpc[host]; ok {
		return d
	}
	return newRPCDevice()
}

func (f *fakeDialer) LAN(host string) device.Executor {
	if d, ok := f.lan[host]; ok {
		return d
	}
	return &lanDevice{err: fmt.Errorf("dial %s: %w", host, transport.ErrConnection)}
}

func emMeter() *rpcDevice {
	d := newRPCDevice()
	d.reply(device.MethodDeviceInfoGet, map[string]any{"result": map[string]any{
		"model": "EM06P", "dev_id": "em-1", "mac": "AA:BB:CC:DD:EE:01", "name": "Panel",
	}})
	d.reply(device.MethodMethodsList, map[string]any{"result": map[string]any{"methods": []any{device.MethodEmStatusGet}}})
	d.reply(device.MethodEmStatusGet, map[string]any{"result": map[string]any{"status": []any{
		map[string]any{"id": float64(1), "power": float64(1500), "month_energy": 3.5, "power_factor": float64(990)},
		map[string]any{"id": float64(2), "power": float64(250), "month_energy": 1.0, "power_factor": float64(980)},
	}}})
	return d
}

func relay() *rpcDevice {
	d := newRPCDevice()
	d.reply(device.MethodDeviceInfoGet, map[string]any{"model": "R11", "dev_id": "sw-1"})
	d.reply(device.MethodMethodsList, map[string]any{"methods": []any{device.MethodSwitchStatusGet, device.MethodSwitchActionSet}})
	d.reply(device.MethodConfigGet, map[string]any{"switch:1": map[string]any{}})
	d.reply(device.MethodSwitchStatusGet, map[string]any{"result": map[string]any{"output": false, "power": float64(0)}})
	d.reply(device.MethodSwitchActionSet, map[string]any{"result": map[string]any{"was_on": false}})
	return d
}

type testEnv struct {
	coord  *Coordinator
	store  *memStore
	dialer *fakeDialer
	mu     sync.Mutex
	events []Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  newMemStore(),
		dialer: &fakeDialer{rpc: map[string]*rpcDevice{}, lan: map[string]*lanDevice{}},
	}
	events := NewEventBus(newTestLogger())
	events.OnAll(func(e Event) {
		env.mu.Lock()
		env.events = append(env.events, e)
		env.mu.Unlock()
	})
	classifier := device.NewClassifier(device.PolicyFirstSeen, newTestLogger())
	env.coord = New(env.store, env.dialer, classifier, events, Config{PollInterval: time.Hour, RetryInterval: time.Hour}, newTestLogger())
	t.Cleanup(env.coord.Stop)
	return env
}

func (env *testEnv) eventTypes() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make([]string, len(env.events))
	for i, e := range env.events {
		out[i] = e.Type
	}
	return out
}

func (env *testEnv) lastEvent(typ string) (Event, bool) {
	env.mu.Lock()
	defer env.mu.Unlock()
	for i := len(env.events) - 1; i >= 0; i-- {
		if env.events[i].Type == typ {
			return env.events[i], true
		}
	}
	return Event{}, false
}

func TestAddRPCMeter(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.rpc["10.0.0.5"] = emMeter()
	dm := env.coord.Devices()

	rec, err := dm.Add(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if rec.UUID != "em-1" || rec.Protocol != "rpc" || rec.Model != "em06p" {
		t.Errorf("record = %+v", rec)
	}

	saved, err := env.store.GetDevice("em-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(saved.Channels) != "[1,2]" {
		t.Errorf("stored channels = %s, want [1,2]", saved.Channels)
	}

	types := env.eventTypes()
	if !slices.Contains(types, EventDeviceAdded) || !slices.Contains(types, EventDeviceUpdated) {
		t.Errorf("events = %v", types)
	}

	info, err := dm.Get("em-1")
	if err != nil {
		t.Fatal(err)
	}
	if !info.Ready || info.Kind != "em_rpc" || info.Switch {
		t.Errorf("info = %+v", info)
	}
	var power float64
	for _, r := range info.Readings {
		if r.Channel == 1 && r.Key == "power" {
			power = r.Value
		}
	}
	if power != 1.5 {
		t.Errorf("ch1 power reading = %v, want 1.5", power)
	}

	if _, err := dm.Add(context.Background(), "10.0.0.5"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second add err = %v, want ErrAlreadyExists", err)
	}
}

func TestSetSwitch(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.rpc["10.0.0.6"] = relay()
	env.dialer.rpc["10.0.0.5"] = emMeter()
	dm := env.coord.Devices()
	ctx := context.Background()

	if _, err := dm.Add(ctx, "10.0.0.6"); err != nil {
		t.Fatal(err)
	}
	if err := dm.TurnOn(ctx, "sw-1", 1); err != nil {
		t.Fatal(err)
	}
	ev, ok := env.lastEvent(EventSwitchState)
	if !ok {
		t.Fatal("no switch_state event")
	}
	if ev.Data["on"] != true || ev.Data["channel"] != 1 {
		t.Errorf("event = %v", ev.Data)
	}
	info, _ := dm.Get("sw-1")
	if !info.States[1] {
		t.Errorf("states = %v, want ch1 on", info.States)
	}

	if err := dm.SetSwitch(ctx, "sw-1", 7, ActionOn); err == nil {
		t.Error("expected error for unknown channel")
	}
	if err := dm.SetSwitch(ctx, "sw-1", 1, "blink"); err == nil {
		t.Error("expected error for unknown action")
	}

	if _, err := dm.Add(ctx, "10.0.0.5"); err != nil {
		t.Fatal(err)
	}
	if err := dm.TurnOn(ctx, "em-1", 1); !errors.Is(err, ErrNotSwitch) {
		t.Errorf("err = %v, want ErrNotSwitch", err)
	}
	if err := dm.TurnOn(ctx, "missing", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadAllRetriesUnreachable(t *testing.T) {
	env := newTestEnv(t)
	channels, _ := json.Marshal([]int{1})
	env.store.SaveDevice(&store.Device{UUID: "em-1", Model: "em06p", Host: "10.0.0.5", Protocol: "rpc", Channels: channels})

	unreachable := newRPCDevice()
	unreachable.on(device.MethodMethodsList, func(map[string]any) (map[string]any, error) { return nil, errTimeout })
	unreachable.on(device.MethodEmStatusGet, func(map[string]any) (map[string]any, error) { return nil, errTimeout })
	env.dialer.rpc["10.0.0.5"] = unreachable

	dm := env.coord.Devices()
	if err := dm.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	info, err := dm.Get("em-1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Ready || info.SetupError == "" {
		t.Fatalf("info = %+v, want pending with error", info)
	}
	if _, err := dm.Controller("em-1"); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}

	env.dialer.rpc["10.0.0.5"] = emMeter()
	dm.RetryPending(context.Background())
	info, _ = dm.Get("em-1")
	if !info.Ready {
		t.Fatalf("device not ready after retry: %+v", info)
	}
	saved, _ := env.store.GetDevice("em-1")
	if string(saved.Channels) != "[1,2]" {
		t.Errorf("rediscovered channels not saved: %s", saved.Channels)
	}
}

func TestLoadAllUnsupportedIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.store.SaveDevice(&store.Device{UUID: "odd", Model: "x9", Host: "10.0.0.9", Protocol: "rpc"})
	odd := newRPCDevice()
	odd.reply(device.MethodMethodsList, map[string]any{"methods": []any{"Sys.Reboot"}})
	env.dialer.rpc["10.0.0.9"] = odd

	dm := env.coord.Devices()
	if err := dm.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	saved, _ := env.store.GetDevice("odd")
	if !saved.Unsupported {
		t.Error("record not marked unsupported")
	}
	ev, ok := env.lastEvent(EventSetupFailed)
	if !ok || ev.Data["fatal"] != true {
		t.Errorf("setup_failed event = %v", ev.Data)
	}

	// Fixing the device does not matter: unsupported is not retried.
	env.dialer.rpc["10.0.0.9"] = emMeter()
	dm.RetryPending(context.Background())
	if info, _ := dm.Get("odd"); info.Ready {
		t.Error("unsupported device was retried")
	}
}

func TestLoadAllLegacyRecord(t *testing.T) {
	env := newTestEnv(t)
	env.store.SaveDevice(&store.Device{
		UUID: "lan-1", Model: "em06", Hardware: "1.0.0", Firmware: "2.0.0", Host: "10.0.0.7",
		Channels: json.RawMessage(`[{"channel":1},{"channel":2}]`),
	})
	env.dialer.lan["10.0.0.7"] = &lanDevice{payloads: map[string]map[string]any{
		transport.NamespaceSystemAbility: {"ability": map[string]any{transport.NamespaceControlElectricityX: map[string]any{}}},
		transport.NamespaceControlElectricityX: {"electricity": []any{
			map[string]any{"channel": float64(1), "power": float64(2000), "mConsume": float64(-5)},
			map[string]any{"channel": float64(2), "power": float64(1000), "mConsume": float64(7)},
		}},
	}}

	dm := env.coord.Devices()
	if err := dm.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	info, err := dm.Get("lan-1")
	if err != nil {
		t.Fatal(err)
	}
	if !info.Ready || info.Protocol != "lan" {
		t.Fatalf("info = %+v", info)
	}
	if !slices.Equal(info.Channels, []int{1, 2}) {
		t.Errorf("channels = %v", info.Channels)
	}

	diag, err := dm.Diagnostics("lan-1")
	if err != nil {
		t.Fatal(err)
	}
	raw := diag["raw_data"].(map[int]map[string]any)
	if raw[1]["power"] != float64(2000) {
		t.Errorf("raw_data = %v", raw)
	}
	profile, ok := diag["profile"].(map[string]any)
	if !ok {
		t.Fatal("diagnostics lack profile")
	}
	if profile["cached_profiles"] != 1 {
		t.Errorf("cached_profiles = %v, want 1", profile["cached_profiles"])
	}
}

func TestRefreshAndDegrade(t *testing.T) {
	env := newTestEnv(t)
	env.store.SaveDevice(&store.Device{
		UUID: "lan-1", Model: "em06", Host: "10.0.0.7", Channels: json.RawMessage(`[1]`),
	})
	dev := &lanDevice{payloads: map[string]map[string]any{
		transport.NamespaceSystemAbility:       {"ability": map[string]any{transport.NamespaceControlElectricityX: map[string]any{}}},
		transport.NamespaceControlElectricityX: {"electricity": []any{map[string]any{"channel": float64(1), "power": float64(1)}}},
	}}
	env.dialer.lan["10.0.0.7"] = dev

	dm := env.coord.Devices()
	if err := dm.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	dev.setErr(errTimeout)
	for i := 0; i < 4; i++ {
		if err := dm.Refresh(context.Background(), "lan-1"); !transport.IsTimeout(err) {
			t.Fatalf("refresh err = %v", err)
		}
	}
	info, _ := dm.Get("lan-1")
	if !info.Poll.Degraded || info.Poll.ErrorCount != 4 {
		t.Errorf("poll state = %+v", info.Poll)
	}
	// Cached values stay readable while degraded.
	if len(info.Readings) == 0 {
		t.Error("readings dropped while degraded")
	}

	dev.setErr(nil)
	if err := dm.Refresh(context.Background(), "lan-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.lastEvent(EventDeviceRecovered); !ok {
		t.Error("no recovered event")
	}
	saved, _ := env.store.GetDevice("lan-1")
	if saved.LastSeen.IsZero() {
		t.Error("last_seen not stamped")
	}
}

func TestRemove(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.rpc["10.0.0.5"] = emMeter()
	dm := env.coord.Devices()
	if _, err := dm.Add(context.Background(), "10.0.0.5"); err != nil {
		t.Fatal(err)
	}

	if err := dm.Remove("em-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.GetDevice("em-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record still stored: %v", err)
	}
	if len(dm.List()) != 0 {
		t.Error("device still listed")
	}
	if _, ok := env.lastEvent(EventDeviceRemoved); !ok {
		t.Error("no device_removed event")
	}
	if err := dm.Remove("em-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second remove err = %v", err)
	}
}

func TestRename(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.rpc["10.0.0.5"] = emMeter()
	dm := env.coord.Devices()
	if _, err := dm.Add(context.Background(), "10.0.0.5"); err != nil {
		t.Fatal(err)
	}

	if err := dm.Rename("em-1", "  Main panel "); err != nil {
		t.Fatal(err)
	}
	info, _ := dm.Get("em-1")
	if info.Name != "Main panel" {
		t.Errorf("listed name = %q", info.Name)
	}
	saved, _ := env.store.GetDevice("em-1")
	if saved.Name != "Main panel" {
		t.Errorf("stored name = %q", saved.Name)
	}
	ev, ok := env.lastEvent(EventDeviceRenamed)
	if !ok || ev.Data["name"] != "Main panel" {
		t.Errorf("device_renamed event = %v", ev.Data)
	}

	// Later updates carry the new name.
	if err := dm.Refresh(context.Background(), "em-1"); err != nil {
		t.Fatal(err)
	}
	ev, _ = env.lastEvent(EventDeviceUpdated)
	if ev.Data["name"] != "Main panel" {
		t.Errorf("device_updated name = %v, want Main panel", ev.Data["name"])
	}

	// Clearing the name falls back to the model.
	if err := dm.Rename("em-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := dm.Refresh(context.Background(), "em-1"); err != nil {
		t.Fatal(err)
	}
	ev, _ = env.lastEvent(EventDeviceUpdated)
	if ev.Data["name"] != "em06p" {
		t.Errorf("device_updated name = %v, want em06p", ev.Data["name"])
	}

	if err := dm.Rename("missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRenameWhilePendingAppliesOnSetup(t *testing.T) {
	env := newTestEnv(t)
	env.store.SaveDevice(&store.Device{UUID: "em-1", Name: "Panel", Model: "em06p", Host: "10.0.0.5", Protocol: "rpc"})
	env.dialer.rpc["10.0.0.5"] = unreachableMeter()
	dm := env.coord.Devices()
	if err := dm.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := dm.Rename("em-1", "Garage"); err != nil {
		t.Fatal(err)
	}
	env.dialer.rpc["10.0.0.5"] = emMeter()
	dm.RetryPending(context.Background())

	ev, ok := env.lastEvent(EventDeviceUpdated)
	if !ok || ev.Data["name"] != "Garage" {
		t.Errorf("device_updated name = %v, want Garage", ev.Data["name"])
	}
}

func unreachableMeter() *rpcDevice {
	d := newRPCDevice()
	d.on(device.MethodMethodsList, func(map[string]any) (map[string]any, error) { return nil, errTimeout })
	d.on(device.MethodEmStatusGet, func(map[string]any) (map[string]any, error) { return nil, errTimeout })
	return d
}

func TestRemoveDuringRetryStaysRemoved(t *testing.T) {
	tests := []struct {
		name    string
		buildOK bool
	}{
		{"build succeeds", true},
		{"build fails", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.SaveDevice(&store.Device{UUID: "em-1", Model: "em06p", Host: "10.0.0.5", Protocol: "rpc"})
			env.dialer.rpc["10.0.0.5"] = unreachableMeter()
			dm := env.coord.Devices()
			if err := dm.LoadAll(context.Background()); err != nil {
				t.Fatal(err)
			}

			// The retried build blocks in its first call until released.
			dev := emMeter()
			if !tt.buildOK {
				dev = unreachableMeter()
			}
			entered := make(chan struct{}, 1)
			release := make(chan struct{})
			methods := map[string]any{"methods": []any{device.MethodEmStatusGet}}
			dev.on(device.MethodMethodsList, func(map[string]any) (map[string]any, error) {
				select {
				case entered <- struct{}{}:
				default:
				}
				<-release
				if tt.buildOK {
					return methods, nil
				}
				return nil, errTimeout
			})
			env.dialer.rpc["10.0.0.5"] = dev

			done := make(chan struct{})
			go func() {
				defer close(done)
				dm.RetryPending(context.Background())
			}()
			select {
			case <-entered:
			case <-time.After(5 * time.Second):
				t.Fatal("retry never reached the device")
			}
			if err := dm.Remove("em-1"); err != nil {
				t.Fatal(err)
			}
			close(release)
			<-done

			if _, err := dm.Get("em-1"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Get after remove err = %v, want ErrNotFound", err)
			}
			if n := len(dm.List()); n != 0 {
				t.Errorf("listed devices = %d, want 0", n)
			}
			if _, err := env.store.GetDevice("em-1"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("record reappeared: %v", err)
			}
		})
	}
}

func TestLastSeenWritesAreThrottled(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.rpc["10.0.0.5"] = emMeter()
	dm := env.coord.Devices()
	ctx := context.Background()
	if _, err := dm.Add(ctx, "10.0.0.5"); err != nil {
		t.Fatal(err)
	}
	added, _ := env.store.GetDevice("em-1")

	if err := dm.Refresh(ctx, "em-1"); err != nil {
		t.Fatal(err)
	}
	first, _ := env.store.GetDevice("em-1")
	if !first.LastSeen.After(added.LastSeen) {
		t.Fatalf("first poll did not stamp last_seen: %v <= %v", first.LastSeen, added.LastSeen)
	}

	if err := dm.Refresh(ctx, "em-1"); err != nil {
		t.Fatal(err)
	}
	second, _ := env.store.GetDevice("em-1")
	if !second.LastSeen.Equal(first.LastSeen) {
		t.Errorf("last_seen rewritten within %s", lastSeenInterval)
	}
}

func TestSeenThrottle(t *testing.T) {
	var s seenThrottle
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, tc := range []struct {
		at   time.Time
		want bool
	}{
		{t0, true},
		{t0.Add(10 * time.Second), false},
		{t0.Add(lastSeenInterval - time.Second), false},
		{t0.Add(lastSeenInterval), true},
		{t0.Add(lastSeenInterval + time.Second), false},
	} {
		if got := s.due(tc.at); got != tc.want {
			t.Errorf("step %d: due = %v, want %v", i, got, tc.want)
		}
	}
}

func TestProbeFallsBackToLAN(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.lan["10.0.0.7"] = &lanDevice{payloads: map[string]map[string]any{
		transport.NamespaceSystemAll: {"all": map[string]any{"system": map[string]any{
			"hardware": map[string]any{"uuid": "lan-9", "type": "em16", "version": "1", "macAddress": "00:11:22:33:44:55"},
			"firmware": map[string]any{"version": "3"},
		}}},
	}}
	id, err := env.coord.Devices().Probe(context.Background(), "10.0.0.7")
	if err != nil {
		t.Fatal(err)
	}
	if id.Protocol != device.ProtocolLAN || id.UUID != "lan-9" {
		t.Errorf("identity = %+v", id)
	}

	if _, err := env.coord.Devices().Probe(context.Background(), "10.0.0.99"); !errors.Is(err, transport.ErrConnection) {
		t.Errorf("err = %v, want connection error", err)
	}
}
