package coordinator

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventDeviceAdded     = "device_added"
	EventDeviceRemoved   = "device_removed"
	EventDeviceUpdated   = "device_updated"
	EventSwitchState     = "switch_state"
	EventDeviceDegraded  = "device_degraded"
	EventDeviceRecovered = "device_recovered"
	EventPollFailed      = "poll_failed"
	EventSetupFailed     = "setup_failed"
	EventDeviceRenamed   = "device_renamed"
)

// Event is one notification on the bus. Data carries at least "uuid" for
// every device-scoped event.
type Event struct {
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data"`
}

// UUID returns the device the event concerns, if any.
func (e Event) UUID() string {
	s, _ := e.Data["uuid"].(string)
	return s
}

// deviceEvent builds a device-scoped event; fields are merged after uuid.
func deviceEvent(typ, uuid string, fields map[string]any) Event {
	data := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	data["uuid"] = uuid
	return Event{Type: typ, Data: data}
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	typ     string // empty = every type
	handler EventHandler
}

// EventBus delivers events synchronously to subscribers in the order
// they subscribed.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event and returns its unsubscribe func.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(typ string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, typ: typ, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			for i, s := range eb.subs {
				if s.id == id {
					eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit stamps the event time if unset and calls every matching handler.
// A panicking handler is logged and does not stop delivery to the rest.
func (eb *EventBus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	eb.mu.RLock()
	var matched []EventHandler
	for _, s := range eb.subs {
		if s.typ == "" || s.typ == event.Type {
			matched = append(matched, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range matched {
		eb.deliver(h, event)
	}
}

func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "uuid", event.UUID(), "panic", r)
		}
	}()
	h(event)
}
