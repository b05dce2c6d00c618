package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"refoss-lan/internal/device"
	"refoss-lan/internal/store"
)

func identityFromRecord(rec *store.Device, logger *slog.Logger) (device.Identity, error) {
	proto, err := device.ParseProtocol(rec.Protocol)
	if err != nil {
		return device.Identity{}, fmt.Errorf("device %s: %w", rec.UUID, err)
	}
	channels, err := device.ParseChannels(rec.Channels, logger)
	if err != nil {
		return device.Identity{}, fmt.Errorf("device %s: %w", rec.UUID, err)
	}
	port := rec.Port
	if port == "" {
		port = "80"
	}
	if proto == device.ProtocolRPC && len(channels) == 0 {
		channels = []int{1}
	}
	return device.Identity{
		UUID:     rec.UUID,
		Name:     displayName(rec.Name, rec.Model),
		Model:    rec.Model,
		Firmware: rec.Firmware,
		Hardware: rec.Hardware,
		Host:     rec.Host,
		Port:     port,
		MAC:      device.NormalizeMAC(rec.MAC),
		SubType:  rec.SubType,
		Protocol: proto,
		Channels: channels,
	}, nil
}

func recordFromIdentity(id device.Identity) *store.Device {
	channels, _ := json.Marshal(id.Channels)
	return &store.Device{
		UUID:     id.UUID,
		Name:     id.Name,
		Model:    id.Model,
		Firmware: id.Firmware,
		Hardware: id.Hardware,
		Host:     id.Host,
		Port:     id.Port,
		MAC:      id.MAC,
		SubType:  id.SubType,
		Channels: channels,
		Protocol: string(id.Protocol),
	}
}

// displayName is the name shown for a device, falling back to its model.
func displayName(name, model string) string {
	if name == "" {
		return model
	}
	return name
}
