package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "ORBIT_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "ORBIT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "ORBIT_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.driver", typ: kString, env: "ORBIT_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ORBIT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.database_url", typ: kString, env: "ORBIT_DATABASE_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.DatabaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DatabaseURL },
	},
	{
		key: "metrics.mode", typ: kString, env: "ORBIT_METRICS_MODE",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Metrics.Mode },
	},
	{
		key: "source.url", typ: kString, env: "ORBIT_SOURCE_URL",
		apply:   func(cfg *Config, v any) { cfg.Source.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Source.URL },
	},
	{
		key: "source.command", typ: kString, env: "ORBIT_SOURCE_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Source.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Source.Command },
	},
	{
		key: "source.cron_command", typ: kString, env: "ORBIT_SOURCE_CRON_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Source.CronCommand = v.(string) },
		extract: func(cfg Config) any { return cfg.Source.CronCommand },
	},
	{
		key: "source.timeout", typ: kDuration, env: "ORBIT_SOURCE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Source.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Source.Timeout },
	},
	{
		key: "collector.dashboard_url", typ: kString, env: "ORBIT_DASHBOARD_URL",
		apply:   func(cfg *Config, v any) { cfg.Collector.DashboardURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Collector.DashboardURL },
	},
	{
		key: "collector.token", typ: kString, env: "ORBIT_COLLECTOR_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Collector.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Collector.Token },
	},
	{
		key: "collector.interval", typ: kDuration, env: "ORBIT_COLLECTOR_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Collector.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Collector.Interval },
	},
	{
		key: "collector.host_metrics", typ: kBool, env: "ORBIT_COLLECTOR_HOST_METRICS",
		apply:   func(cfg *Config, v any) { cfg.Collector.HostMetrics = v.(bool) },
		extract: func(cfg Config) any { return cfg.Collector.HostMetrics },
	},
	{
		key: "collector.metrics_addr", typ: kString, env: "ORBIT_COLLECTOR_METRICS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Collector.MetricsAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Collector.MetricsAddr },
	},
	{
		key: "retention.days", typ: kInt, env: "ORBIT_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Retention.Days = v.(int) },
		extract: func(cfg Config) any { return cfg.Retention.Days },
	},
	{
		key: "retention.schedule", typ: kString, env: "ORBIT_RETENTION_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Retention.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Retention.Schedule },
	},
	{
		key: "log.level", typ: kString, env: "ORBIT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "ORBIT_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

// parse converts a raw string to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("config key %s=%q: %w", s.key, raw, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("env var %s=%q: %w", s.env, raw, err)
		}
		s.apply(cfg, v)
	}
	return nil
}
