//go:build no_automation

package main

import (
	"log/slog"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/web"
)

func startAutomation(_ *coordinator.Coordinator, _ *Config, _ *slog.Logger) (stopFunc, []web.ServerOption, error) {
	return noop, nil, nil
}
