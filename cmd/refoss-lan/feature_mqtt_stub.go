//go:build no_mqtt

package main

import (
	"log/slog"

	"refoss-lan/internal/coordinator"
)

func startMQTT(_ *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (stopFunc, error) {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt.enabled is set but this binary was built with no_mqtt")
	}
	return noop, nil
}
