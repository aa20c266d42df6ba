// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/notify"
)

// isolate points CONFIG_PATH at a missing file so a config.yaml in the
// working directory cannot leak into a test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Chdir(t.TempDir())
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Escalation.IncludeAcknowledged {
		t.Error("Escalation.IncludeAcknowledged should default to false")
	}
	if cfg.NATS.Enabled {
		t.Error("NATS should be disabled by default")
	}
	if cfg.Geo.UnconfiguredSeverity != models.AnomalyMedium {
		t.Errorf("Geo.UnconfiguredSeverity = %q, want medium", cfg.Geo.UnconfiguredSeverity)
	}
	if cfg.Channels.Push.Enabled || cfg.Channels.Email.Enabled || cfg.Channels.Bot.Enabled {
		t.Error("external channels should be disabled by default")
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"HTTP_PORT", "server.port"},
		{"DUCKDB_PATH", "database.path"},
		{"NATS_URL", "nats.url"},
		{"LOG_LEVEL", "logging.level"},
		{"CORS_ORIGINS", "security.cors_origins"},
		{"SMTP_HOST", "channels.email.host"},
		{"BOT_URLS", "channels.bot.urls"},
		{"ESCALATION_INCLUDE_ACKNOWLEDGED", "escalation.include_acknowledged"},
		{"GEO_HIGH_KM", "geo.tiers.high_km"},
		{"PROMOTE_MIN_SEVERITY", "pipeline.promotion.promote_min_severity"},
		{"RETENTION_SCHEDULE", "retention.schedule"},
		{"PATH", ""},
		{"HOME", ""},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			if got := envTransformFunc(tt.env); got != tt.want {
				t.Errorf("envTransformFunc(%q) = %q, want %q", tt.env, got, tt.want)
			}
		})
	}
}

func TestEnvMappingsTargetKnownPaths(t *testing.T) {
	known := map[string]bool{}
	collectKoanfPaths(reflect.TypeOf(Config{}), "", known)
	for env, path := range envMappings {
		if !known[path] {
			t.Errorf("%s maps to unknown path %q", strings.ToUpper(env), path)
		}
	}
	for _, path := range sliceConfigPaths {
		if !known[path] {
			t.Errorf("slice path %q does not exist", path)
		}
	}
}

func collectKoanfPaths(typ reflect.Type, prefix string, out map[string]bool) {
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("koanf")
		if tag == "" {
			continue
		}
		path := tag
		if prefix != "" {
			path = prefix + "." + tag
		}
		out[path] = true
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			collectKoanfPaths(f.Type, path, out)
		}
	}
}

func TestFindConfigFile(t *testing.T) {
	t.Run("CONFIG_PATH wins", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "custom.yaml")
		if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv(ConfigPathEnvVar, path)
		if got := findConfigFile(); got != path {
			t.Errorf("findConfigFile() = %q, want %q", got, path)
		}
	})

	t.Run("falls back to working directory", func(t *testing.T) {
		isolate(t)
		if err := os.WriteFile("config.yml", []byte("{}\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if got := findConfigFile(); got != "config.yml" {
			t.Errorf("findConfigFile() = %q, want config.yml", got)
		}
	})

	t.Run("none found", func(t *testing.T) {
		isolate(t)
		if got := findConfigFile(); got != "" && !strings.HasPrefix(got, "/etc/scansentry") {
			t.Errorf("findConfigFile() = %q, want empty", got)
		}
	})
}

func TestLoadWithKoanfEnvVars(t *testing.T) {
	isolate(t)
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WORKER_COUNT", "16")
	t.Setenv("ESCALATION_INCLUDE_ACKNOWLEDGED", "true")
	t.Setenv("ESCALATION_INTERVAL", "30s")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("BOT_ENABLED", "true")
	t.Setenv("BOT_URLS", "slack://token@channel,telegram://token@telegram?chats=1")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Pool.Workers != 16 {
		t.Errorf("Pool.Workers = %d, want 16", cfg.Pool.Workers)
	}
	if !cfg.Escalation.IncludeAcknowledged {
		t.Error("Escalation.IncludeAcknowledged should be true")
	}
	if cfg.Escalation.Interval != 30*time.Second {
		t.Errorf("Escalation.Interval = %v, want 30s", cfg.Escalation.Interval)
	}
	wantOrigins := []string{"https://a.example.com", "https://b.example.com"}
	if !reflect.DeepEqual(cfg.Security.CORSOrigins, wantOrigins) {
		t.Errorf("Security.CORSOrigins = %v, want %v", cfg.Security.CORSOrigins, wantOrigins)
	}
	if len(cfg.Channels.Bot.URLs) != 2 {
		t.Errorf("Channels.Bot.URLs = %v, want 2 entries", cfg.Channels.Bot.URLs)
	}

	// Untouched values keep their defaults.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0 (default)", cfg.Server.Host)
	}
	if cfg.Escalation.MaxLevel != 3 {
		t.Errorf("Escalation.MaxLevel = %d, want 3 (default)", cfg.Escalation.MaxLevel)
	}
	if len(cfg.Escalation.LevelChannels) != 2 || cfg.Escalation.LevelChannels[0][0] != notify.ChannelPush {
		t.Errorf("Escalation.LevelChannels = %v, want defaults", cfg.Escalation.LevelChannels)
	}
}

func TestLoadWithKoanfConfigFile(t *testing.T) {
	isolate(t)
	content := `
server:
  port: 8888
  host: "127.0.0.1"
logging:
  level: warn
geo:
  tiers:
    low_km: 10
    medium_km: 100
    high_km: 500
channels:
  email:
    enabled: true
    host: smtp.example.com
    from: alerts@example.com
    addresses:
      "org:acme":
        - ops@acme.example.com
escalation:
  level_channels:
    - [push]
    - [push, email]
    - [push, email, bot]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}

	if cfg.Server.Port != 8888 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server = %s:%d, want 127.0.0.1:8888", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Geo.Tiers.LowKm != 10 || cfg.Geo.Tiers.HighKm != 500 {
		t.Errorf("Geo.Tiers = %+v", cfg.Geo.Tiers)
	}
	if !cfg.Channels.Email.Enabled || cfg.Channels.Email.Port != 587 {
		t.Errorf("Channels.Email = %+v, want enabled with default port", cfg.Channels.Email)
	}
	if got := cfg.Channels.Email.Addresses["org:acme"]; len(got) != 1 || got[0] != "ops@acme.example.com" {
		t.Errorf("Channels.Email.Addresses = %v", cfg.Channels.Email.Addresses)
	}
	if len(cfg.Escalation.LevelChannels) != 3 {
		t.Errorf("Escalation.LevelChannels = %v, want 3 levels", cfg.Escalation.LevelChannels)
	}
	if cfg.Database.Path != "/data/scansentry.duckdb" {
		t.Errorf("Database.Path = %q, want default", cfg.Database.Path)
	}
}

func TestLoadWithKoanfEnvOverridesFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8888\nlogging:\n  level: warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "7777")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 from env", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn from file", cfg.Logging.Level)
	}
}

func TestLoadWithKoanfValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad port", map[string]string{"HTTP_PORT": "70000"}, "HTTP_PORT"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad environment", map[string]string{"ENVIRONMENT": "staging"}, "ENVIRONMENT"},
		{"wildcard cors in production", map[string]string{"ENVIRONMENT": "production"}, "CORS_ORIGINS"},
		{"push without url", map[string]string{"PUSH_ENABLED": "true"}, "PUSH_URL"},
		{"bot without urls", map[string]string{"BOT_ENABLED": "true"}, "BOT_URLS"},
		{"email without host", map[string]string{"SMTP_ENABLED": "true"}, "email channel"},
		{"tiers out of order", map[string]string{"GEO_LOW_KM": "500"}, "severity tiers"},
		{"bad unconfigured severity", map[string]string{"GEO_UNCONFIGURED_SEVERITY": "extreme"}, "unconfigured_severity"},
		{"bad promotion severity", map[string]string{"PROMOTE_MIN_SEVERITY": "extreme"}, "promote_min_severity"},
		{"bad retention schedule", map[string]string{"RETENTION_SCHEDULE": "every day"}, "retention"},
		{"zero escalation level", map[string]string{"ESCALATION_MAX_LEVEL": "0"}, "escalation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadWithKoanf()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadWithKoanfProductionWithExplicitOrigins(t *testing.T) {
	isolate(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("CORS_ORIGINS", "https://console.example.com")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction() = false")
	}
}
