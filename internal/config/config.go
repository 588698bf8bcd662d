package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Metrics   MetricsConfig
	Source    SourceConfig
	Collector CollectorConfig
	Retention RetentionConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host  string
	Port  int
	Token string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	DatabaseURL string
}

type MetricsConfig struct {
	Mode string
}

// SourceConfig selects the runtime status source. Command takes precedence
// over URL when both are set.
type SourceConfig struct {
	URL         string
	Command     string
	CronCommand string
	Timeout     time.Duration
}

type CollectorConfig struct {
	DashboardURL string
	Token        string
	Interval     time.Duration
	HostMetrics  bool
	MetricsAddr  string
}

type RetentionConfig struct {
	Days     int
	Schedule string
}

type LogConfig struct {
	Level string
	File  string
}

// Addr is the listen address of the store server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Metrics: MetricsConfig{
			Mode: "latest",
		},
		Source: SourceConfig{
			URL:     "http://127.0.0.1:18789",
			Timeout: 10 * time.Second,
		},
		Collector: CollectorConfig{
			DashboardURL: "http://127.0.0.1:4100",
			Interval:     5 * time.Minute,
		},
		Retention: RetentionConfig{
			Days:     7,
			Schedule: "@hourly",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/orbit/config.json, then applies ORBIT_* environment
// variables on top. Secrets are read from the environment only.
func Load() (Config, error) {
	b, err := newFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every malformed value at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.driver postgres needs ORBIT_DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver))
	}
	if c.Metrics.Mode != "latest" && c.Metrics.Mode != "series" {
		errs = append(errs, fmt.Errorf("metrics.mode must be latest or series, got %q", c.Metrics.Mode))
	}
	if c.Source.URL == "" && c.Source.Command == "" {
		errs = append(errs, errors.New("one of source.url or source.command is required"))
	}
	if c.Source.Timeout <= 0 {
		errs = append(errs, errors.New("source.timeout must be positive"))
	}
	if c.Collector.Interval <= 0 {
		errs = append(errs, errors.New("collector.interval must be positive"))
	}
	if c.Retention.Days <= 0 {
		errs = append(errs, fmt.Errorf("retention.days must be positive, got %d", c.Retention.Days))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
