//go:build !no_automation

package main

import (
	"log/slog"

	"refoss-lan/internal/automation"
	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/web"
)

// startAutomation loads the scripts in scripts_dir and runs the enabled ones.
func startAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (stopFunc, []web.ServerOption, error) {
	scripts, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		return noop, nil, err
	}
	engine := automation.NewEngine(coord, scripts, logger, automation.SystemConfig{
		ExecAllowlist: cfg.Exec.Allowlist,
		ExecTimeout:   cfg.Exec.Timeout,
	})
	engine.Start()
	return engine.Stop, []web.ServerOption{web.WithAutomation(engine, scripts)}, nil
}
