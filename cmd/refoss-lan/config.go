package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/device"
)

type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Poll struct {
		Interval      time.Duration `yaml:"interval"`
		MaxErrors     int           `yaml:"max_errors"`
		LANTimeout    time.Duration `yaml:"lan_timeout"`
		RPCTimeout    time.Duration `yaml:"rpc_timeout"`
		RetryInterval time.Duration `yaml:"retry_interval"`
	} `yaml:"poll"`
	Classifier struct {
		Policy string `yaml:"policy"` // "first_seen" or "revalidate"
	} `yaml:"classifier"`
	LAN struct {
		Key string `yaml:"key"`
	} `yaml:"lan"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	InfluxDB struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		Token         string        `yaml:"token"`
		Org           string        `yaml:"org"`
		Bucket        string        `yaml:"bucket"`
		BatchSize     uint          `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"influxdb"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exec struct {
		Allowlist []string      `yaml:"allowlist"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Poll.Interval < time.Second {
		return fmt.Errorf("poll.interval must be at least 1s, got %s", c.Poll.Interval)
	}
	if c.Poll.MaxErrors < 1 {
		return fmt.Errorf("poll.max_errors must be positive, got %d", c.Poll.MaxErrors)
	}
	if c.Poll.LANTimeout <= 0 || c.Poll.RPCTimeout <= 0 {
		return errors.New("poll.lan_timeout and poll.rpc_timeout must be positive")
	}
	if _, err := device.ParseCachePolicy(c.Classifier.Policy); err != nil {
		return fmt.Errorf("classifier.policy: %w", err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		return errors.New("influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}
	for _, p := range c.Exec.Allowlist {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("exec.allowlist entries must be absolute paths, got %q", p)
		}
	}
	return nil
}

// coordinatorConfig maps the poll section onto the coordinator settings.
func (c *Config) coordinatorConfig() coordinator.Config {
	return coordinator.Config{
		PollInterval:  c.Poll.Interval,
		MaxErrors:     c.Poll.MaxErrors,
		RetryInterval: c.Poll.RetryInterval,
		LANTimeout:    c.Poll.LANTimeout,
		RPCTimeout:    c.Poll.RPCTimeout,
	}
}

// loadConfig reads path and applies defaults. A missing file yields the
// defaults, so the CLI works without any configuration.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "refoss-lan.db"
	}
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 10 * time.Second
	}
	if cfg.Poll.MaxErrors == 0 {
		cfg.Poll.MaxErrors = 4
	}
	if cfg.Poll.LANTimeout == 0 {
		cfg.Poll.LANTimeout = 5 * time.Second
	}
	if cfg.Poll.RPCTimeout == 0 {
		cfg.Poll.RPCTimeout = 10 * time.Second
	}
	if cfg.Poll.RetryInterval == 0 {
		cfg.Poll.RetryInterval = time.Minute
	}
	if cfg.Classifier.Policy == "" {
		cfg.Classifier.Policy = "first_seen"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "refoss"
	}
	if cfg.InfluxDB.BatchSize == 0 {
		cfg.InfluxDB.BatchSize = 500
	}
	if cfg.InfluxDB.FlushInterval == 0 {
		cfg.InfluxDB.FlushInterval = 10 * time.Second
	}
	if cfg.Exec.Timeout == 0 {
		cfg.Exec.Timeout = 10 * time.Second
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
