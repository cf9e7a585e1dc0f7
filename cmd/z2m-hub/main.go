package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"z2m-hub/internal/controller"
	"z2m-hub/internal/mqtt"
	"z2m-hub/internal/store"
	"z2m-hub/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Server struct {
		ID              string `yaml:"id"`
		BaseTopic       string `yaml:"base_topic"`
		QoS             int    `yaml:"qos"`
		TopologyTimeout string `yaml:"topology_timeout"`
	} `yaml:"server"`
	MQTT struct {
		Host               string `yaml:"host"`
		Port               int    `yaml:"port"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		TLS                bool   `yaml:"tls"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		ClientID           string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Store struct {
		Path string `yaml:"path"`
		// Prune drops snapshots of server ids other than server.id.
		Prune bool `yaml:"prune"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Automation struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"automation"`
	History struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Org           string `yaml:"org"`
		Bucket        string `yaml:"bucket"`
		BatchSize     uint   `yaml:"batch_size"`
		FlushInterval string `yaml:"flush_interval"`
	} `yaml:"history"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.MQTT.Host) == "" {
		return fmt.Errorf("mqtt.host is required")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be 1-65535, got %d", c.MQTT.Port)
	}
	if c.Server.QoS < 0 || c.Server.QoS > 2 {
		return fmt.Errorf("server.qos must be 0-2, got %d", c.Server.QoS)
	}
	if strings.ContainsAny(c.Server.BaseTopic, "+#") {
		return fmt.Errorf("server.base_topic must not contain wildcards")
	}
	if _, err := c.topologyTimeout(); err != nil {
		return fmt.Errorf("server.topology_timeout: %w", err)
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Org == "" || c.History.Bucket == "") {
		return fmt.Errorf("history.url, history.org and history.bucket are required when history is enabled")
	}
	return nil
}

func (c *Config) topologyTimeout() (time.Duration, error) {
	if c.Server.TopologyTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Server.TopologyTimeout)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}

func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		ID:        c.Server.ID,
		BaseTopic: c.Server.BaseTopic,
		MQTT: mqtt.Config{
			Host:               c.MQTT.Host,
			Port:               c.MQTT.Port,
			Username:           c.MQTT.Username,
			Password:           c.MQTT.Password,
			TLS:                c.MQTT.TLS,
			InsecureSkipVerify: c.MQTT.InsecureSkipVerify,
			ClientID:           c.MQTT.ClientID,
			QoS:                byte(c.Server.QoS),
		},
	}
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
	logger.Info("z2m-hub starting", "version", version, "server", cfg.Server.ID)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Store.Prune {
		if removed, err := pruneSnapshots(db, cfg.Server.ID); err != nil {
			logger.Warn("prune store", "err", err)
		} else if len(removed) > 0 {
			logger.Info("pruned stale topology snapshots", "servers", removed)
		}
	}

	ctrlOpts := []controller.Option{controller.WithStore(db)}
	if d, _ := cfg.topologyTimeout(); d > 0 {
		ctrlOpts = append(ctrlOpts, controller.WithTopologyTimeout(d))
	}
	ctrl := controller.New(cfg.controllerConfig(), logger, ctrlOpts...)

	// A dial failure leaves the controller inert but the API still serves
	// cached topology and reports the error in /api/state.
	if err := ctrl.Start(); err != nil {
		logger.Error("start controller", "err", err)
	}

	// Both are no-ops when built with the no_automation / no_history tags.
	auto, autoWebOpts := initAutomation(ctrl, cfg, logger)
	hist := initHistory(ctrl, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(ctrl, logger, webOpts...)

	httpServer := &http.Server{
		Addr:        cfg.Web.Listen,
		Handler:     webServer,
		ReadTimeout: 15 * time.Second,
		// Long enough for networkmap?wait=true.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	hist.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	ctrl.Close()

	logger.Info("goodbye")
}

// pruneSnapshots deletes the persisted topology of every server id except
// keep and returns the ids removed.
func pruneSnapshots(st store.Store, keep string) ([]string, error) {
	servers, err := st.Servers()
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	var removed []string
	for _, id := range servers {
		if id == keep {
			continue
		}
		if err := st.DeleteServer(id); err != nil {
			return removed, fmt.Errorf("delete %s: %w", id, err)
		}
		removed = append(removed, id)
	}
	return removed, nil
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
	if cfg.Server.ID == "" {
		cfg.Server.ID = "default"
	}
	if cfg.Server.BaseTopic == "" {
		cfg.Server.BaseTopic = "zigbee2mqtt"
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
		if cfg.MQTT.TLS {
			cfg.MQTT.Port = 8883
		}
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "z2m-hub.db"
	}
	if cfg.Automation.Dir == "" {
		cfg.Automation.Dir = "scripts"
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
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
