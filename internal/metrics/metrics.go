// Package metrics exports device health and readings to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/sensor"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	polls    *prometheus.CounterVec
	setups   *prometheus.CounterVec
	degraded *prometheus.GaugeVec
	readings *prometheus.GaugeVec
	switches *prometheus.GaugeVec
	lastPoll *prometheus.GaugeVec
	commands *prometheus.CounterVec
}

// New creates the collectors and registers them.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refoss_polls_total",
			Help: "Device polls by outcome (ok, timeout, error).",
		}, []string{"uuid", "result"}),
		setups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refoss_setup_failures_total",
			Help: "Failed device setups by fatality.",
		}, []string{"uuid", "fatal"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refoss_device_degraded",
			Help: "1 while a device has exceeded its timeout threshold.",
		}, []string{"uuid"}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refoss_sensor_value",
			Help: "Last normalized sensor reading.",
		}, []string{"uuid", "channel", "channel_name", "sensor", "unit"}),
		switches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refoss_switch_on",
			Help: "Relay state per channel, 1 for on.",
		}, []string{"uuid", "channel"}),
		lastPoll: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refoss_last_update_timestamp_seconds",
			Help: "Unix time of the last successful update.",
		}, []string{"uuid"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refoss_switch_commands_total",
			Help: "Relay commands applied.",
		}, []string{"uuid"}),
	}
	m.registry.MustRegister(m.polls, m.setups, m.degraded, m.readings, m.switches, m.lastPoll, m.commands)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attach subscribes to the event bus. The returned func unsubscribes.
func (m *Metrics) Attach(bus *coordinator.EventBus) func() {
	return bus.OnAll(m.observe)
}

func (m *Metrics) observe(e coordinator.Event) {
	uuid := e.UUID()
	switch e.Type {
	case coordinator.EventDeviceUpdated:
		m.polls.WithLabelValues(uuid, "ok").Inc()
		m.lastPoll.WithLabelValues(uuid).Set(float64(e.Time.Unix()))
		if rs, ok := e.Data["readings"].([]sensor.Reading); ok {
			for _, r := range rs {
				m.readings.WithLabelValues(uuid, strconv.Itoa(r.Channel), r.ChannelName, r.Key, r.Unit).Set(r.Value)
			}
		}
		if states, ok := e.Data["states"].(map[int]bool); ok {
			for ch, on := range states {
				m.switches.WithLabelValues(uuid, strconv.Itoa(ch)).Set(boolValue(on))
			}
		}
	case coordinator.EventPollFailed:
		result := "error"
		if timeout, _ := e.Data["timeout"].(bool); timeout {
			result = "timeout"
		}
		m.polls.WithLabelValues(uuid, result).Inc()
	case coordinator.EventSetupFailed:
		fatal, _ := e.Data["fatal"].(bool)
		m.setups.WithLabelValues(uuid, strconv.FormatBool(fatal)).Inc()
	case coordinator.EventDeviceDegraded:
		m.degraded.WithLabelValues(uuid).Set(1)
	case coordinator.EventDeviceRecovered:
		m.degraded.WithLabelValues(uuid).Set(0)
	case coordinator.EventSwitchState:
		m.commands.WithLabelValues(uuid).Inc()
		ch, _ := e.Data["channel"].(int)
		if known, _ := e.Data["known"].(bool); known {
			on, _ := e.Data["on"].(bool)
			m.switches.WithLabelValues(uuid, strconv.Itoa(ch)).Set(boolValue(on))
		}
	case coordinator.EventDeviceRemoved:
		m.forget(uuid)
	}
}

func (m *Metrics) forget(uuid string) {
	labels := prometheus.Labels{"uuid": uuid}
	m.polls.DeletePartialMatch(labels)
	m.setups.DeletePartialMatch(labels)
	m.degraded.DeletePartialMatch(labels)
	m.readings.DeletePartialMatch(labels)
	m.switches.DeletePartialMatch(labels)
	m.lastPoll.DeletePartialMatch(labels)
	m.commands.DeletePartialMatch(labels)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
