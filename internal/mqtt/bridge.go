//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/sensor"
)

const (
	commandTimeout = 10 * time.Second
	connectTimeout = 10 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// deviceSource is the part of the device manager the bridge needs.
type deviceSource interface {
	List() []coordinator.DeviceInfo
	Get(uuid string) (coordinator.DeviceInfo, error)
	SetSwitch(ctx context.Context, uuid string, channel int, action string) error
}

// client is the subset of pahomqtt.Client used by the bridge.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// connector is the part of pahomqtt.Client used to establish the session.
type connector interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes device readings to MQTT with HA autodiscovery and
// forwards relay commands back to the devices.
type Bridge struct {
	client  client
	devices deviceSource
	events  *coordinator.EventBus
	prefix  string
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc

	// Per-channel state accumulator.
	mu     sync.Mutex
	states map[string]map[int]map[string]any // uuid -> channel -> property map
	// Discovery topics published per device, cleared on removal.
	announced map[string][]string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord.Devices(), coord.Events(), cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "refoss-lan-" + uuid.NewString()[:8]
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The on-connect handler publishes through b.client.
	c := pahomqtt.NewClient(opts)
	b.client = c
	if err := connect(c, connectTimeout); err != nil {
		return nil, err
	}
	return b, nil
}

// connect waits for the first session. With connect retry enabled a timed
// out client keeps dialing in the background, so it is disconnected before
// the error is returned.
func connect(c connector, timeout time.Duration) error {
	token := c.Connect()
	if !token.WaitTimeout(timeout) {
		c.Disconnect(0)
		return fmt.Errorf("mqtt connect timeout after %s", timeout)
	}
	if err := token.Error(); err != nil {
		c.Disconnect(0)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func newBridge(devices deviceSource, events *coordinator.EventBus, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		devices:   devices,
		events:    events,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		states:    make(map[string]map[int]map[string]any),
		announced: make(map[string][]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	uuid := event.UUID()
	if uuid == "" {
		return
	}
	switch event.Type {
	case coordinator.EventDeviceUpdated:
		b.handleDeviceUpdated(uuid, event)
	case coordinator.EventSwitchState:
		if known, _ := event.Data["known"].(bool); known {
			ch, _ := event.Data["channel"].(int)
			on, _ := event.Data["on"].(bool)
			b.updateAndPublishState(uuid, ch, map[string]any{"state": onOff(on)})
		}
	case coordinator.EventDeviceDegraded:
		b.publish(availabilityTopic(b.prefix, uuid), []byte("offline"), true)
	case coordinator.EventDeviceRecovered:
		b.publish(availabilityTopic(b.prefix, uuid), []byte("online"), true)
	case coordinator.EventDeviceRemoved:
		b.handleDeviceRemoved(uuid)
	case coordinator.EventDeviceRenamed:
		b.handleDeviceRenamed(uuid)
	}
}

// handleDeviceRenamed republishes discovery of an announced device. The
// topics are unchanged so the entities are updated in place.
func (b *Bridge) handleDeviceRenamed(uuid string) {
	b.mu.Lock()
	_, known := b.announced[uuid]
	b.mu.Unlock()
	if !known {
		return
	}
	dev, err := b.devices.Get(uuid)
	if err != nil || !dev.Ready {
		return
	}
	b.publishDeviceDiscovery(dev)
}

func (b *Bridge) handleDeviceUpdated(uuid string, event coordinator.Event) {
	b.mu.Lock()
	_, known := b.announced[uuid]
	b.mu.Unlock()
	if !known {
		if dev, err := b.devices.Get(uuid); err == nil && dev.Ready {
			b.publishDeviceDiscovery(dev)
			b.publish(availabilityTopic(b.prefix, uuid), []byte("online"), true)
		}
	}

	props := make(map[int]map[string]any)
	channelProps := func(ch int) map[string]any {
		p, ok := props[ch]
		if !ok {
			p = make(map[string]any)
			props[ch] = p
		}
		return p
	}
	if readings, ok := event.Data["readings"].([]sensor.Reading); ok {
		for _, r := range readings {
			channelProps(r.Channel)[r.Key] = r.Value
		}
	}
	if states, ok := event.Data["states"].(map[int]bool); ok {
		for ch, on := range states {
			channelProps(ch)["state"] = onOff(on)
		}
	}
	for ch, p := range props {
		b.updateAndPublishState(uuid, ch, p)
	}
}

func (b *Bridge) updateAndPublishState(uuid string, channel int, props map[string]any) {
	b.mu.Lock()
	dev, ok := b.states[uuid]
	if !ok {
		dev = make(map[int]map[string]any)
		b.states[uuid] = dev
	}
	state, ok := dev[channel]
	if !ok {
		state = make(map[string]any)
		dev[channel] = state
	}
	for k, v := range props {
		state[k] = v
	}
	state["last_seen"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(stateTopic(b.prefix, uuid, channel), payload, true)
}

func (b *Bridge) handleDeviceRemoved(uuid string) {
	b.mu.Lock()
	topics := b.announced[uuid]
	channels := make([]int, 0, len(b.states[uuid]))
	for ch := range b.states[uuid] {
		channels = append(channels, ch)
	}
	delete(b.announced, uuid)
	delete(b.states, uuid)
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Clear retained state and availability.
	for _, ch := range channels {
		b.publish(stateTopic(b.prefix, uuid, ch), nil, true)
	}
	b.publish(availabilityTopic(b.prefix, uuid), nil, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for _, dev := range b.devices.List() {
		if dev.Ready {
			b.publishDeviceDiscovery(dev)
			avail := "online"
			if dev.Poll.Degraded {
				avail = "offline"
			}
			b.publish(availabilityTopic(b.prefix, dev.UUID), []byte(avail), true)
		}
	}
}

func (b *Bridge) publishDeviceDiscovery(dev coordinator.DeviceInfo) {
	msgs := buildDiscovery(dev, b.prefix)
	topics := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
		topics = append(topics, msg.Topic)
	}
	b.mu.Lock()
	b.announced[dev.UUID] = topics
	b.mu.Unlock()
	b.logger.Info("published HA discovery", "uuid", dev.UUID, "name", deviceDisplayName(dev), "entities", len(msgs))
}

// subscribeCommands listens on <prefix>/<uuid>/<channel>/set for every device.
func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	uuid, channel, ok := b.parseCommandTopic(topic)
	if !ok {
		b.logger.Warn("invalid command topic", "topic", topic)
		return
	}
	action, ok := parseAction(payload)
	if !ok {
		b.logger.Warn("invalid command payload", "uuid", uuid, "payload", string(payload))
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if err := b.devices.SetSwitch(ctx, uuid, channel, action); err != nil {
		b.logger.Warn("switch command failed", "uuid", uuid, "channel", channel, "action", action, "err", err)
	}
}

func (b *Bridge) parseCommandTopic(topic string) (string, int, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" {
		return "", 0, false
	}
	ch, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return parts[0], ch, true
}

// parseAction accepts ON, OFF or TOGGLE either bare or as {"state": ...}.
func parseAction(payload []byte) (string, bool) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var cmd map[string]any
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return "", false
		}
		s, _ = cmd["state"].(string)
	}
	switch strings.ToUpper(s) {
	case "ON":
		return coordinator.ActionOn, true
	case "OFF":
		return coordinator.ActionOff, true
	case "TOGGLE":
		return coordinator.ActionToggle, true
	}
	return "", false
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
