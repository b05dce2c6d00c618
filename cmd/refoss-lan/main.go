package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/device"
	"refoss-lan/internal/metrics"
	"refoss-lan/internal/store"
	"refoss-lan/internal/tsdb"
	"refoss-lan/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand loads before running.
type app struct {
	cfgPath string
	cfg     *Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "refoss-lan",
		Short: "Local-network controller for Refoss switches and energy meters",
		Long: `refoss-lan polls Refoss devices on the local network over their legacy
signed-envelope protocol or the newer RPC protocol, exposes readings and relay
control over HTTP, MQTT and Lua automations, and records energy data.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			a.cfg = cfg
			a.logger = newLogger(cfg)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("refoss-lan %s\n", version))
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "config.yaml", "Config file path")

	root.AddCommand(
		newRunCmd(a),
		newProbeCmd(a),
		newAddCmd(a),
		newListCmd(a),
		newRemoveCmd(a),
	)
	return root
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll all configured devices and serve the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

func (a *app) newCoordinator(st store.Store) (*coordinator.Coordinator, error) {
	policy, err := device.ParseCachePolicy(a.cfg.Classifier.Policy)
	if err != nil {
		return nil, err
	}
	events := coordinator.NewEventBus(a.logger)
	return coordinator.New(st,
		coordinator.NewDialer(a.cfg.LAN.Key, a.logger),
		device.NewClassifier(policy, a.logger),
		events, a.cfg.coordinatorConfig(), a.logger), nil
}

// stopFunc shuts down an optional feature. Features compiled out or left
// disabled return noop.
type stopFunc func()

func noop() {}

func (a *app) run(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("refoss-lan starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	coord, err := a.newCoordinator(db)
	if err != nil {
		return err
	}

	// Sinks subscribe before Start so the first readings are not missed.
	m := metrics.New()
	m.Attach(coord.Events())

	var recorder *tsdb.Recorder
	if cfg.InfluxDB.Enabled {
		recorder, err = tsdb.Connect(tsdb.Config{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		}, logger)
		if err != nil {
			// Readings are still served without the sink.
			logger.Error("influxdb disabled", "err", err)
		} else {
			recorder.Attach(coord.Events())
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	err = coord.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	stopAuto, autoWebOpts, err := startAutomation(coord, cfg, logger)
	if err != nil {
		logger.Error("automations disabled", "err", err)
	}

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetricsHandler(m.Handler()),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stopMQTT, err := startMQTT(coord, cfg, logger)
	if err != nil {
		logger.Error("mqtt bridge disabled", "err", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serveErr:
		logger.Error("http server", "err", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stopAuto()
	stopMQTT()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()
	if recorder != nil {
		recorder.Close()
	}

	logger.Info("goodbye")
	return runErr
}
