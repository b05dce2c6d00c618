//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/sensor"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }

func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
	subs []string
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := payload.([]byte)
	c.msgs = append(c.msgs, published{topic: topic, payload: data, retained: retained})
	return fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topic)
	return fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {}

// last returns the most recent payload published on topic.
func (c *fakeClient) last(topic string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].topic == topic {
			return c.msgs[i].payload, true
		}
	}
	return nil, false
}

type switchCall struct {
	uuid    string
	channel int
	action  string
}

type fakeSource struct {
	devices map[string]coordinator.DeviceInfo
	calls   []switchCall
}

func (s *fakeSource) List() []coordinator.DeviceInfo {
	out := make([]coordinator.DeviceInfo, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

func (s *fakeSource) Get(uuid string) (coordinator.DeviceInfo, error) {
	d, ok := s.devices[uuid]
	if !ok {
		return coordinator.DeviceInfo{}, errors.New("not found")
	}
	return d, nil
}

func (s *fakeSource) SetSwitch(_ context.Context, uuid string, channel int, action string) error {
	s.calls = append(s.calls, switchCall{uuid, channel, action})
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func relayInfo() coordinator.DeviceInfo {
	return coordinator.DeviceInfo{
		UUID:       "r1",
		Name:       "Boiler",
		Model:      "r11",
		Firmware:   "1.2.3",
		MAC:        "aa:bb:cc:dd:ee:ff",
		Ready:      true,
		Switch:     true,
		SensorType: string(sensor.TypeSwitchRPC),
		Channels:   []int{1},
	}
}

func meterInfo() coordinator.DeviceInfo {
	return coordinator.DeviceInfo{
		UUID:       "m1",
		Name:       "Panel",
		Model:      "em06p",
		Ready:      true,
		SensorType: string(sensor.TypeEMRPC),
		Channels:   []int{1, 2},
	}
}

func newTestBridge(devs ...coordinator.DeviceInfo) (*Bridge, *fakeClient, *fakeSource, *coordinator.EventBus) {
	src := &fakeSource{devices: make(map[string]coordinator.DeviceInfo)}
	for _, d := range devs {
		src.devices[d.UUID] = d
	}
	bus := coordinator.NewEventBus(newTestLogger())
	b := newBridge(src, bus, "refoss", newTestLogger())
	c := &fakeClient{}
	b.client = c
	b.Start()
	return b, c, src, bus
}

func TestDiscoverySwitchAndSensors(t *testing.T) {
	msgs := buildDiscovery(relayInfo(), "refoss")
	topics := extractTopics(msgs)

	if !topics["homeassistant/switch/refoss_r1/switch_1/config"] {
		t.Fatal("switch discovery missing")
	}
	for _, key := range []string{"power", "voltage", "current", "month_energy"} {
		if !topics["homeassistant/sensor/refoss_r1/"+key+"_1/config"] {
			t.Errorf("%s sensor discovery missing", key)
		}
	}

	for _, m := range msgs {
		if m.Topic != "homeassistant/switch/refoss_r1/switch_1/config" {
			continue
		}
		var payload haDiscovery
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.CommandTopic != "refoss/r1/1/set" {
			t.Errorf("command_topic = %q", payload.CommandTopic)
		}
		if payload.StateTopic != "refoss/r1/1" {
			t.Errorf("state_topic = %q", payload.StateTopic)
		}
		if len(payload.Availability) != 2 || payload.Availability[1].Topic != "refoss/r1/availability" {
			t.Errorf("availability = %+v", payload.Availability)
		}
		if payload.Device.SWVersion != "1.2.3" || payload.Device.Connections[0][1] != "aa:bb:cc:dd:ee:ff" {
			t.Errorf("device = %+v", payload.Device)
		}
	}
}

func TestDiscoveryMeterChannelNames(t *testing.T) {
	msgs := buildDiscovery(meterInfo(), "refoss")
	for _, m := range msgs {
		if m.Topic != "homeassistant/sensor/refoss_m1/month_energy_2/config" {
			continue
		}
		var payload haDiscovery
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.Name != "Panel B1 Month Energy" {
			t.Errorf("name = %q", payload.Name)
		}
		if payload.UnitOfMeasurement != "kWh" || payload.StateClass != "total_increasing" {
			t.Errorf("unit/state class = %q/%q", payload.UnitOfMeasurement, payload.StateClass)
		}
		if payload.ValueTemplate != "{{ value_json.month_energy }}" {
			t.Errorf("value_template = %q", payload.ValueTemplate)
		}
		return
	}
	t.Fatal("month_energy discovery for channel 2 not found")
}

func TestDiscoveryNotReady(t *testing.T) {
	dev := meterInfo()
	dev.Ready = false
	if msgs := buildDiscovery(dev, "refoss"); len(msgs) != 0 {
		t.Errorf("expected no discovery for a device that is not ready, got %d", len(msgs))
	}
}

func TestDeviceDisplayName(t *testing.T) {
	tests := []struct {
		name string
		dev  coordinator.DeviceInfo
		want string
	}{
		{"name", coordinator.DeviceInfo{Name: "Boiler", Model: "r11"}, "Boiler"},
		{"model", coordinator.DeviceInfo{Model: "r11"}, "Refoss r11"},
		{"uuid fallback", coordinator.DeviceInfo{UUID: "abc"}, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceDisplayName(tt.dev); got != tt.want {
				t.Errorf("deviceDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUpdatedPublishesDiscoveryAndState(t *testing.T) {
	_, c, _, bus := newTestBridge(relayInfo())

	bus.Emit(coordinator.Event{Type: coordinator.EventDeviceUpdated, Data: map[string]any{
		"uuid":     "r1",
		"readings": []sensor.Reading{{Channel: 1, Key: "power", Value: 12.5, Unit: "W"}},
		"states":   map[int]bool{1: true},
	}})

	if _, ok := c.last("homeassistant/switch/refoss_r1/switch_1/config"); !ok {
		t.Error("discovery not published on first update")
	}
	if p, _ := c.last("refoss/r1/availability"); string(p) != "online" {
		t.Errorf("availability = %q", p)
	}
	p, ok := c.last("refoss/r1/1")
	if !ok {
		t.Fatal("state not published")
	}
	var state map[string]any
	if err := json.Unmarshal(p, &state); err != nil {
		t.Fatal(err)
	}
	if state["power"] != 12.5 || state["state"] != "ON" {
		t.Errorf("state = %v", state)
	}

	// Relay changes merge into the accumulated state.
	bus.Emit(coordinator.Event{Type: coordinator.EventSwitchState, Data: map[string]any{"uuid": "r1", "channel": 1, "on": false, "known": true}})
	p, _ = c.last("refoss/r1/1")
	state = nil
	if err := json.Unmarshal(p, &state); err != nil {
		t.Fatal(err)
	}
	if state["power"] != 12.5 || state["state"] != "OFF" {
		t.Errorf("state after switch = %v", state)
	}
}

func TestAvailabilityFollowsDegraded(t *testing.T) {
	_, c, _, bus := newTestBridge(relayInfo())

	bus.Emit(coordinator.Event{Type: coordinator.EventDeviceDegraded, Data: map[string]any{"uuid": "r1"}})
	if p, _ := c.last("refoss/r1/availability"); string(p) != "offline" {
		t.Errorf("availability = %q, want offline", p)
	}
	bus.Emit(coordinator.Event{Type: coordinator.EventDeviceRecovered, Data: map[string]any{"uuid": "r1"}})
	if p, _ := c.last("refoss/r1/availability"); string(p) != "online" {
		t.Errorf("availability = %q, want online", p)
	}
}

func TestRemovedClearsDiscovery(t *testing.T) {
	b, c, _, bus := newTestBridge(relayInfo())
	bus.Emit(coordinator.Event{Type: coordinator.EventDeviceUpdated, Data: map[string]any{
		"uuid":   "r1",
		"states": map[int]bool{1: true},
	}})
	bus.Emit(coordinator.Event{Type: coordinator.EventDeviceRemoved, Data: map[string]any{"uuid": "r1"}})

	if p, ok := c.last("homeassistant/switch/refoss_r1/switch_1/config"); !ok || len(p) != 0 {
		t.Errorf("switch discovery not cleared: %q", p)
	}
	if p, ok := c.last("refoss/r1/1"); !ok || len(p) != 0 {
		t.Errorf("retained state not cleared: %q", p)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.announced["r1"]; ok {
		t.Error("device still tracked after removal")
	}
}

func TestRenamedRepublishesDiscovery(t *testing.T) {
	_, c, src, bus := newTestBridge(relayInfo())
	topic := "homeassistant/switch/refoss_r1/switch_1/config"

	// Not announced yet: nothing to update.
	bus.Emit(coordinator.Event{Type: coordinator.EventDeviceRenamed, Data: map[string]any{"uuid": "r1"}})
	if _, ok := c.last(topic); ok {
		t.Fatal("discovery published for an unannounced device")
	}

	bus.Emit(coordinator.Event{Type: coordinator.EventDeviceUpdated, Data: map[string]any{"uuid": "r1"}})
	renamed := relayInfo()
	renamed.Name = "Water heater"
	src.devices["r1"] = renamed
	bus.Emit(coordinator.Event{Type: coordinator.EventDeviceRenamed, Data: map[string]any{"uuid": "r1", "name": "Water heater"}})

	p, ok := c.last(topic)
	if !ok {
		t.Fatal("discovery not republished")
	}
	var cfg struct {
		Name   string `json:"name"`
		Device struct {
			Name string `json:"name"`
		} `json:"device"`
	}
	if err := json.Unmarshal(p, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "Water heater 1" || cfg.Device.Name != "Water heater" {
		t.Errorf("discovery names = %q / %q", cfg.Name, cfg.Device.Name)
	}
}

// pendingConnect never completes its connect token.
type pendingConnect struct {
	disconnects int
}

type pendingToken struct{ fakeToken }

func (pendingToken) WaitTimeout(time.Duration) bool { return false }

func (p *pendingConnect) Connect() pahomqtt.Token { return pendingToken{} }
func (p *pendingConnect) Disconnect(uint)         { p.disconnects++ }

func TestConnectTimeoutStopsRetrying(t *testing.T) {
	c := &pendingConnect{}
	if err := connect(c, time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
	if c.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", c.disconnects)
	}
}

func TestHandleCommand(t *testing.T) {
	b, _, src, _ := newTestBridge(relayInfo())

	b.handleCommand("refoss/r1/1/set", []byte("ON"))
	b.handleCommand("refoss/r1/2/set", []byte(`{"state":"toggle"}`))
	b.handleCommand("refoss/r1/1/set", []byte("BLINK"))
	b.handleCommand("refoss/r1/x/set", []byte("OFF"))
	b.handleCommand("other/r1/1/set", []byte("OFF"))

	want := []switchCall{
		{"r1", 1, coordinator.ActionOn},
		{"r1", 2, coordinator.ActionToggle},
	}
	if len(src.calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", src.calls, want)
	}
	for i := range want {
		if src.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, src.calls[i], want[i])
		}
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		payload string
		want    string
		ok      bool
	}{
		{"ON", coordinator.ActionOn, true},
		{"off", coordinator.ActionOff, true},
		{" TOGGLE ", coordinator.ActionToggle, true},
		{`{"state":"OFF"}`, coordinator.ActionOff, true},
		{`{"brightness":10}`, "", false},
		{"{broken", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, ok := parseAction([]byte(tt.payload))
			if got != tt.want || ok != tt.ok {
				t.Errorf("parseAction(%q) = %q, %v; want %q, %v", tt.payload, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestPublishAllDiscovery(t *testing.T) {
	degraded := meterInfo()
	degraded.Poll.Degraded = true
	b, c, _, _ := newTestBridge(relayInfo(), degraded)

	b.publishAllDiscovery()
	b.subscribeCommands()

	if p, _ := c.last("refoss/m1/availability"); string(p) != "offline" {
		t.Errorf("degraded meter availability = %q", p)
	}
	if p, _ := c.last("refoss/r1/availability"); string(p) != "online" {
		t.Errorf("relay availability = %q", p)
	}
	if len(c.subs) != 1 || c.subs[0] != "refoss/+/+/set" {
		t.Errorf("subscriptions = %v", c.subs)
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
