package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"omnihub/internal/command"
	"omnihub/internal/device"
	"omnihub/internal/discovery"
	"omnihub/internal/journal"
	"omnihub/internal/mqtt"
	"omnihub/internal/state"
	"omnihub/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Server struct {
		Listen         string   `yaml:"listen"`
		AdvertiseIP    string   `yaml:"advertise_ip"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Device struct {
		DefaultMode int `yaml:"default_mode"`
	} `yaml:"device"`
	Discovery struct {
		Enabled       bool   `yaml:"enabled"`
		ScanInterval  string `yaml:"scan_interval"`
		AutoConfigure bool   `yaml:"auto_configure"`
		ConfigTimeout string `yaml:"config_timeout"`
	} `yaml:"discovery"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen must be host:port: %w", err)
	}
	if c.Discovery.Enabled && c.Server.AdvertiseIP == "" {
		return fmt.Errorf("server.advertise_ip is required when discovery is enabled")
	}
	if !state.ValidDeviceMode(c.Device.DefaultMode) {
		return fmt.Errorf("device.default_mode %d is not a known mode", c.Device.DefaultMode)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	for _, field := range []struct{ name, value string }{
		{"discovery.scan_interval", c.Discovery.ScanInterval},
		{"discovery.config_timeout", c.Discovery.ConfigTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("omnihub starting", "version", version)

	// The failure journal is the only persistent piece; everything else
	// is rebuilt from device re-registrations after a restart.
	var jrnl *journal.Journal
	if cfg.Journal.Path != "" {
		jrnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			logger.Error("open journal", "err", err)
			os.Exit(1)
		}
		defer jrnl.Close()
	}

	store := state.New(logger)
	queue := command.NewQueue(store, logger)
	mgr := device.NewManager(store, queue, jrnl, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go queue.Run(ctx)
	go mgr.Run(ctx)

	var engine *discovery.Engine
	if cfg.Discovery.Enabled {
		engine = discovery.NewEngine(discovery.Config{
			Enabled:       true,
			ScanInterval:  parseDuration(cfg.Discovery.ScanInterval),
			AutoConfigure: cfg.Discovery.AutoConfigure,
			ServerIP:      cfg.Server.AdvertiseIP,
			ServerPort:    listenPort(cfg.Server.Listen),
			DefaultMode:   cfg.Device.DefaultMode,
			ConfigTimeout: parseDuration(cfg.Discovery.ConfigTimeout),
		}, logger)
		go func() {
			if err := engine.Run(ctx); err != nil {
				logger.Error("discovery engine", "err", err)
			}
		}()
	}

	var webOpts []web.ServerOption
	if cfg.Server.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Server.APIKey))
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Server.AllowedOrigins))
	}
	if engine != nil {
		webOpts = append(webOpts, web.WithDiscovery(engine))
	}
	webServer := web.NewServer(mgr, store, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	var mirror *mqtt.Mirror
	if cfg.MQTT.Enabled {
		mirror, err = mqtt.NewMirror(mgr, store, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("connect mqtt", "err", err)
			os.Exit(1)
		}
		mirror.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	cancel()
	if mirror != nil {
		mirror.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "0.0.0.0:3000"
	}
	if cfg.Discovery.ScanInterval == "" {
		cfg.Discovery.ScanInterval = "30s"
	}
	if cfg.Discovery.ConfigTimeout == "" {
		cfg.Discovery.ConfigTimeout = "5s"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "omnihub"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// parseDuration returns the parsed value; validate has already rejected
// malformed strings, so errors collapse to zero and the component default.
func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// listenPort extracts the numeric port from a host:port listen address.
func listenPort(listen string) int {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
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
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
