package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Devices   DevicesConfig   `yaml:"devices"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Camera    CameraConfig    `yaml:"camera"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	// SecretKey is a hex encoded 32-byte key for sealing device access codes.
	// When empty a key is generated and kept in the settings table.
	SecretKey string `yaml:"secret_key"`
}

type SchedulerConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	ExclusiveClasses []string      `yaml:"exclusive_classes"`
}

type DevicesConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReplyTimeout   time.Duration `yaml:"reply_timeout"`
	AwaitTimeout   time.Duration `yaml:"await_timeout"`
}

type DispatchConfig struct {
	UploadsDir      string        `yaml:"uploads_dir"`
	StagingDir      string        `yaml:"staging_dir"`
	PageSize        int           `yaml:"page_size"`
	TransferPort    int           `yaml:"transfer_port"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
}

type CameraConfig struct {
	Port          int           `yaml:"port"`
	Timeout       time.Duration `yaml:"timeout"`
	Interval      time.Duration `yaml:"interval"`
	ThumbnailsDir string        `yaml:"thumbnails_dir"`
}

type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Secret     string        `yaml:"secret"`
	Workers    int           `yaml:"workers"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/printfleet.db",
		},
		Scheduler: SchedulerConfig{
			Concurrency:      5,
			MaxRetries:       10,
			RetryDelay:       time.Second,
			ExclusiveClasses: []string{"dispatch"},
		},
		Devices: DevicesConfig{
			PollInterval:   10 * time.Second,
			Port:           8883,
			ConnectTimeout: 10 * time.Second,
			ReplyTimeout:   10 * time.Second,
			AwaitTimeout:   30 * time.Second,
		},
		Dispatch: DispatchConfig{
			UploadsDir:      "./data/uploads",
			StagingDir:      "/printfleet",
			PageSize:        10,
			TransferPort:    990,
			TransferTimeout: 30 * time.Second,
		},
		Camera: CameraConfig{
			Port:          6000,
			Timeout:       5 * time.Second,
			Interval:      30 * time.Second,
			ThumbnailsDir: "./data/thumbnails",
		},
		Webhook: WebhookConfig{
			Workers:    2,
			MaxRetries: 3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

// Load reads configPath over the defaults and applies FLEET_* overrides.
// A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLEET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("FLEET_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("FLEET_SECRET_KEY"); v != "" {
		cfg.Database.SecretKey = v
	}

	if v := os.Getenv("FLEET_UPLOADS_DIR"); v != "" {
		cfg.Dispatch.UploadsDir = v
	}

	if v := os.Getenv("FLEET_THUMBNAILS_DIR"); v != "" {
		cfg.Camera.ThumbnailsDir = v
	}

	if v := os.Getenv("FLEET_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Concurrency = n
		}
	}

	if v := os.Getenv("FLEET_WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
	}

	if v := os.Getenv("FLEET_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}

	if v := os.Getenv("FLEET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	if v := os.Getenv("FLEET_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if k := c.Database.SecretKey; k != "" && len(k) != 64 {
		return fmt.Errorf("database secret key must be 64 hex characters")
	}

	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler concurrency must be at least 1")
	}

	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Scheduler.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative")
	}

	validClasses := map[string]bool{
		"update":   true,
		"dispatch": true,
		"capture":  true,
	}

	for _, class := range c.Scheduler.ExclusiveClasses {
		if !validClasses[class] {
			return fmt.Errorf("invalid exclusive class: %s (valid: update, dispatch, capture)", class)
		}
	}

	if c.Devices.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Devices.ConnectTimeout <= 0 || c.Devices.ReplyTimeout <= 0 || c.Devices.AwaitTimeout <= 0 {
		return fmt.Errorf("device timeouts must be positive")
	}

	if c.Dispatch.UploadsDir == "" {
		return fmt.Errorf("uploads directory is required")
	}

	if !strings.HasPrefix(c.Dispatch.StagingDir, "/") || c.Dispatch.StagingDir == "/" {
		return fmt.Errorf("staging directory must be an absolute path below the SD card root")
	}

	if c.Dispatch.PageSize < 1 {
		return fmt.Errorf("dispatch page size must be at least 1")
	}

	if c.Camera.Interval < 0 {
		return fmt.Errorf("camera interval must be non-negative")
	}

	if c.Camera.ThumbnailsDir == "" {
		return fmt.Errorf("thumbnails directory is required")
	}

	if c.Webhook.URL != "" && c.Webhook.Workers < 1 {
		return fmt.Errorf("webhook workers must be at least 1")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
