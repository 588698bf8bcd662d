package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend.
type memBackend map[string]any

func (m memBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m memBackend) SetString(key, val string) error { m[key] = val; return nil }
func (m memBackend) SetInt(key string, val int) error { m[key] = val; return nil }
func (m memBackend) Delete(key string) error          { delete(m, key); return nil }

// clearEnv unsets every ORBIT_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(memBackend{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Metrics.Mode != "latest" {
		t.Errorf("Metrics.Mode = %q, want latest", cfg.Metrics.Mode)
	}
	if cfg.Source.URL != "http://127.0.0.1:18789" || cfg.Source.Timeout != 10*time.Second {
		t.Errorf("Source = %+v", cfg.Source)
	}
	if cfg.Collector.Interval != 5*time.Minute {
		t.Errorf("Collector.Interval = %v, want 5m", cfg.Collector.Interval)
	}
	if cfg.Retention.Days != 7 || cfg.Retention.Schedule != "@hourly" {
		t.Errorf("Retention = %+v", cfg.Retention)
	}
	if cfg.Server.Addr() != "127.0.0.1:4100" {
		t.Errorf("Addr = %q", cfg.Server.Addr())
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(memBackend{
		"server.port":            4200,
		"collector.interval":     "30s",
		"collector.host_metrics": "true",
		"metrics.mode":           "series",
		"retention.days":         14,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Collector.Interval != 30*time.Second || !cfg.Collector.HostMetrics {
		t.Errorf("Collector = %+v", cfg.Collector)
	}
	if cfg.Metrics.Mode != "series" || cfg.Retention.Days != 14 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORBIT_SERVER_PORT", "9999")
	t.Setenv("ORBIT_COLLECTOR_INTERVAL", "10s")
	t.Setenv("ORBIT_SERVER_TOKEN", "s3cret")

	cfg, err := loadWith(memBackend{"server.port": 4200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Collector.Interval != 10*time.Second {
		t.Errorf("Collector.Interval = %v", cfg.Collector.Interval)
	}
	if cfg.Server.Token != "s3cret" {
		t.Errorf("Server.Token = %q", cfg.Server.Token)
	}
}

func TestSecretsIgnoredInBackend(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(memBackend{"server.token": "from-file"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Token != "" {
		t.Errorf("secret read from file: %q", cfg.Server.Token)
	}
}

func TestMalformedValues(t *testing.T) {
	tests := []struct {
		name    string
		backend memBackend
		env     map[string]string
	}{
		{"bad env int", nil, map[string]string{"ORBIT_SERVER_PORT": "abc"}},
		{"bad env duration", nil, map[string]string{"ORBIT_COLLECTOR_INTERVAL": "5 minutes"}},
		{"bad backend bool", memBackend{"collector.host_metrics": "perhaps"}, nil},
		{"port out of range", memBackend{"server.port": 70000}, nil},
		{"unknown driver", memBackend{"storage.driver": "mysql"}, nil},
		{"postgres without url", memBackend{"storage.driver": "postgres"}, nil},
		{"unknown metrics mode", memBackend{"metrics.mode": "rollup"}, nil},
		{"no source", memBackend{"source.url": ""}, nil},
		{"zero retention", memBackend{"retention.days": 0}, nil},
		{"negative interval", nil, map[string]string{"ORBIT_COLLECTOR_INTERVAL": "-1s"}},
		{"bad log level", memBackend{"log.level": "loud"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			b := tt.backend
			if b == nil {
				b = memBackend{}
			}
			if _, err := loadWith(b); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPostgresWithURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORBIT_DATABASE_URL", "postgres://localhost/orbit")
	cfg, err := loadWith(memBackend{"storage.driver": "postgres"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.DatabaseURL != "postgres://localhost/orbit" {
		t.Errorf("DatabaseURL = %q", cfg.Storage.DatabaseURL)
	}
}

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orbit", "config.json")
	b, err := newFileBackend(path)
	if err != nil {
		t.Fatalf("missing file should load empty: %v", err)
	}

	if err := setKeyWith(b, "server.port", "4300"); err != nil {
		t.Fatal(err)
	}
	if err := setKeyWith(b, "collector.interval", "1m"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := newFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 4300 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	iv, ok, _ := reloaded.GetString("collector.interval")
	if !ok || iv != "1m" {
		t.Errorf("GetString = %q, %v", iv, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSetKey_Validation(t *testing.T) {
	b := memBackend{}
	if err := setKeyWith(b, "server.token", "x"); err == nil || !strings.Contains(err.Error(), "ORBIT_SERVER_TOKEN") {
		t.Errorf("secret err = %v", err)
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected unknown key error")
	}
	if err := setKeyWith(b, "server.port", "high"); err == nil {
		t.Error("expected integer error")
	}
	if err := setKeyWith(b, "source.timeout", "soon"); err == nil {
		t.Error("expected duration error")
	}
	if len(b) != 0 {
		t.Errorf("invalid sets were written: %v", b)
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.Token = "s3cret"
	for _, k := range ShowAll(cfg) {
		if k.Key == "server.token" && k.Value != "********" {
			t.Errorf("server.token shown as %q", k.Value)
		}
		if k.Key == "collector.token" && k.Value != "(unset)" {
			t.Errorf("collector.token shown as %q", k.Value)
		}
	}
}

func TestValidKeys_ExcludesSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "server.token" || k == "collector.token" || k == "storage.database_url" {
			t.Errorf("ValidKeys contains secret %q", k)
		}
	}
}

func TestFileBackend_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"collector.dashboard_url": "https://dash.example", `), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := newFileBackend(path); err == nil || !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("newFileBackend error = %v, want parse error", err)
	}
}

func TestLoad_MalformedFileIsFatal(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if err := os.MkdirAll(filepath.Join(dir, "orbit"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "orbit", "config.json"), []byte(`{"collector.dashboard_url": "https://dash.example", `), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(); err == nil {
		t.Error("Load with a truncated config file should fail")
	}
	if err := SetKey("server.port", "4300"); err == nil {
		t.Error("SetKey with a truncated config file should fail")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Collector.DashboardURL != "http://127.0.0.1:4100" {
		t.Errorf("DashboardURL = %q", cfg.Collector.DashboardURL)
	}
}
