// Package sensor turns raw controller values into typed readings.
package sensor

import (
	"encoding/json"
	"math"
	"strconv"

	"refoss-lan/internal/device"
)

// Type selects a description table.
type Type string

const (
	TypeEM        Type = "em"
	TypeEMRPC     Type = "em_rpc"
	TypeSwitchRPC Type = "switch_rpc"
)

// Description maps one cached field to a published sensor.
type Description struct {
	Key         string
	Field       string
	Unit        string
	DeviceClass string
	StateClass  string
	Precision   int
	Transform   func(float64) float64
}

func milli(x float64) float64 { return x / 1000 }

var Descriptions = map[Type][]Description{
	TypeEM: {
		{Key: "power", Field: "power", Unit: "W", DeviceClass: "power", StateClass: "measurement", Precision: 2, Transform: milli},
		{Key: "voltage", Field: "voltage", Unit: "mV", DeviceClass: "voltage", StateClass: "measurement", Precision: 2},
		{Key: "current", Field: "current", Unit: "mA", DeviceClass: "current", StateClass: "measurement", Precision: 2},
		{Key: "factor", Field: "factor", DeviceClass: "power_factor", StateClass: "measurement", Precision: 2},
		{Key: "energy", Field: "mConsume", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Precision: 2,
			Transform: func(x float64) float64 { return math.Max(0, x) }},
		{Key: "energy_returned", Field: "mConsume", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Precision: 2,
			Transform: func(x float64) float64 {
				if x < 0 {
					return -x
				}
				return 0
			}},
	},
	TypeEMRPC: {
		{Key: "power", Field: "power", Unit: "W", DeviceClass: "power", StateClass: "measurement", Precision: 2, Transform: milli},
		{Key: "voltage", Field: "voltage", Unit: "mV", DeviceClass: "voltage", StateClass: "measurement", Precision: 2},
		{Key: "current", Field: "current", Unit: "mA", DeviceClass: "current", StateClass: "measurement", Precision: 2},
		{Key: "power_factor", Field: "power_factor", DeviceClass: "power_factor", StateClass: "measurement", Precision: 3, Transform: milli},
		{Key: "month_energy", Field: "month_energy", Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Precision: 2},
	},
	TypeSwitchRPC: {
		{Key: "power", Field: "power", Unit: "W", DeviceClass: "power", StateClass: "measurement", Precision: 2, Transform: milli},
		{Key: "voltage", Field: "voltage", Unit: "mV", DeviceClass: "voltage", StateClass: "measurement", Precision: 2},
		{Key: "current", Field: "current", Unit: "mA", DeviceClass: "current", StateClass: "measurement", Precision: 2},
		{Key: "month_energy", Field: "month_energy", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Precision: 2},
	},
}

// TypeFor picks the description table for a controller. ok is false for
// controllers without sensors.
func TypeFor(c device.Controller) (Type, bool) {
	switch c.Kind() {
	case device.KindEnergyMonitorRPC:
		return TypeEMRPC, true
	case device.KindSwitchRPC:
		return TypeSwitchRPC, true
	}
	p, ok := c.(interface{ Profile() *device.Profile })
	if !ok {
		return "", false
	}
	caps := p.Profile().Capabilities
	if caps.Has(device.CapElectricityX) || caps.Has(device.CapElectricity) {
		return TypeEM, true
	}
	return "", false
}

// ValueReader is the read side of a controller.
type ValueReader interface {
	Value(channel int, field string) (any, bool)
}

// Value reads and converts one sensor. ok is false when the device has not
// reported the field.
func Value(r ValueReader, channel int, d Description) (float64, bool) {
	raw, ok := r.Value(channel, d.Field)
	if !ok {
		return 0, false
	}
	f, ok := toFloat(raw)
	if !ok {
		return 0, false
	}
	if d.Transform != nil {
		f = d.Transform(f)
	}
	return f, true
}

// Reading is one converted sensor value.
type Reading struct {
	Channel     int     `json:"channel"`
	ChannelName string  `json:"channel_name"`
	Key         string  `json:"key"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit,omitempty"`
}

// Readings collects every available sensor value of a controller.
func Readings(c device.Controller) []Reading {
	typ, ok := TypeFor(c)
	if !ok {
		return nil
	}
	model := c.Identity().Model
	var out []Reading
	for _, ch := range c.Channels() {
		for _, d := range Descriptions[typ] {
			v, ok := Value(c, ch, d)
			if !ok {
				continue
			}
			out = append(out, Reading{
				Channel:     ch,
				ChannelName: ChannelName(model, ch),
				Key:         d.Key,
				Value:       v,
				Unit:        d.Unit,
			})
		}
	}
	return out
}

var (
	threePhase6  = []string{"A1", "B1", "C1", "A2", "B2", "C2"}
	threePhase18 = []string{
		"A1", "A2", "A3", "A4", "A5", "A6",
		"B1", "B2", "B3", "B4", "B5", "B6",
		"C1", "C2", "C3", "C4", "C5", "C6",
	}
)

var channelNames = map[string][]string{
	"em06":  threePhase6,
	"em06p": threePhase6,
	"em16":  threePhase18,
	"em16p": threePhase18,
}

// ChannelName returns the label printed on the device for a channel, or the
// channel number.
func ChannelName(model string, ch int) string {
	names := channelNames[model]
	if ch >= 1 && ch <= len(names) {
		return names[ch-1]
	}
	return strconv.Itoa(ch)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
