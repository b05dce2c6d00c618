//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/sensor"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/refoss_<uuid>/power_1/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string   `json:"identifiers"`
	Connections  [][]string `json:"connections,omitempty"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	SWVersion    string     `json:"sw_version,omitempty"`
	Name         string     `json:"name"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	StateTopic        string           `json:"state_topic"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode"`
	ValueTemplate     string           `json:"value_template,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	StateClass        string           `json:"state_class,omitempty"`
	Precision         int              `json:"suggested_display_precision,omitempty"`
	PayloadOn         string           `json:"payload_on,omitempty"`
	PayloadOff        string           `json:"payload_off,omitempty"`
	Device            haDevice         `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev coordinator.DeviceInfo) string {
	if dev.Name != "" {
		return dev.Name
	}
	if dev.Model != "" {
		return "Refoss " + dev.Model
	}
	return dev.UUID
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev coordinator.DeviceInfo) string {
	return "refoss_" + dev.UUID
}

func stateTopic(prefix, uuid string, channel int) string {
	return prefix + "/" + uuid + "/" + strconv.Itoa(channel)
}

func commandTopic(prefix, uuid string, channel int) string {
	return stateTopic(prefix, uuid, channel) + "/set"
}

func availabilityTopic(prefix, uuid string) string {
	return prefix + "/" + uuid + "/availability"
}

// sensorLabel turns a sensor key into a display suffix.
func sensorLabel(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// buildDiscovery generates HA discovery messages for a ready device: one
// sensor per channel and description, plus a switch per relay channel.
func buildDiscovery(dev coordinator.DeviceInfo, prefix string) []discoveryMsg {
	if !dev.Ready {
		return nil
	}

	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)
	avail := []haAvailability{
		{Topic: prefix + "/bridge/state"},
		{Topic: availabilityTopic(prefix, dev.UUID)},
	}
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Refoss",
		Model:        dev.Model,
		SWVersion:    dev.Firmware,
		Name:         displayName,
	}
	if dev.MAC != "" {
		haDev.Connections = [][]string{{"mac", dev.MAC}}
	}

	var msgs []discoveryMsg
	descs := sensor.Descriptions[sensor.Type(dev.SensorType)]
	for _, ch := range dev.Channels {
		chName := sensor.ChannelName(dev.Model, ch)
		state := stateTopic(prefix, dev.UUID, ch)

		if dev.Switch {
			objectID := "switch_" + strconv.Itoa(ch)
			payload := haDiscovery{
				Name:             displayName + " " + chName,
				UniqueID:         nodeID + "_" + objectID,
				StateTopic:       state,
				CommandTopic:     commandTopic(prefix, dev.UUID, ch),
				Availability:     avail,
				AvailabilityMode: "all",
				ValueTemplate:    "{{ value_json.state }}",
				PayloadOn:        "ON",
				PayloadOff:       "OFF",
				Device:           haDev,
			}
			msgs = append(msgs, discoveryMsg{
				Topic:   fmt.Sprintf("homeassistant/switch/%s/%s/config", nodeID, objectID),
				Payload: mustJSON(payload),
			})
		}

		for _, d := range descs {
			objectID := d.Key + "_" + strconv.Itoa(ch)
			payload := haDiscovery{
				Name:              displayName + " " + chName + " " + sensorLabel(d.Key),
				UniqueID:          nodeID + "_" + objectID,
				StateTopic:        state,
				Availability:      avail,
				AvailabilityMode:  "all",
				ValueTemplate:     "{{ value_json." + d.Key + " }}",
				UnitOfMeasurement: d.Unit,
				DeviceClass:       d.DeviceClass,
				StateClass:        d.StateClass,
				Precision:         d.Precision,
				Device:            haDev,
			}
			msgs = append(msgs, discoveryMsg{
				Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID),
				Payload: mustJSON(payload),
			})
		}
	}
	return msgs
}

// buildRemoveDiscovery turns previously published discovery topics into
// empty retained messages, which removes the entities from HA.
func buildRemoveDiscovery(topics []string) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(topics))
	for _, t := range topics {
		msgs = append(msgs, discoveryMsg{Topic: t})
	}
	return msgs
}
