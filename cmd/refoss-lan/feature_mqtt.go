//go:build !no_mqtt

package main

import (
	"log/slog"

	"refoss-lan/internal/coordinator"
	mqttbridge "refoss-lan/internal/mqtt"
)

// startMQTT connects the bridge when mqtt.enabled is set.
func startMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (stopFunc, error) {
	if !cfg.MQTT.Enabled {
		return noop, nil
	}
	bridge, err := mqttbridge.NewBridge(coord, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		return noop, err
	}
	bridge.Start()
	return bridge.Stop, nil
}
