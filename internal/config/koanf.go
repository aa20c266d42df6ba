// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/detection"
	"github.com/tomtom215/scansentry/internal/escalation"
	"github.com/tomtom215/scansentry/internal/eventprocessor"
	"github.com/tomtom215/scansentry/internal/geo"
	"github.com/tomtom215/scansentry/internal/maintenance"
	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/notify"
	"github.com/tomtom215/scansentry/internal/orgconfig"
	"github.com/tomtom215/scansentry/internal/stats"
)

// DefaultConfigPaths lists the config file locations in priority order.
// The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/scansentry/config.yaml",
	"/etc/scansentry/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults. Config file and environment
// variables are layered on top.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			Environment:     "development",
		},
		Security: SecurityConfig{
			CORSOrigins:         []string{"*"},
			RateLimitReqs:       300,
			IngestRateLimitReqs: 6000,
			RateLimitWindow:     time.Minute,
			RateLimitDisabled:   false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Database: database.Config{
			Path:      "/data/scansentry.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // runtime.NumCPU()
		},
		NATS:      eventprocessor.DefaultNATSConfig(),
		Router:    eventprocessor.DefaultRouterConfig(),
		Pool:      eventprocessor.DefaultPoolConfig(),
		Pipeline:  eventprocessor.DefaultPipelineConfig(),
		DLQ:       eventprocessor.DefaultDLQConfig(),
		Geo:       GeoConfig{Tiers: geo.DefaultSeverityTiers(), UnconfiguredSeverity: models.AnomalyMedium},
		Detection: detection.DefaultConfig(),
		Stats:     stats.DefaultConfig(),
		OrgConfig: orgconfig.DefaultConfig(),
		Notify:    notify.DefaultConfig(),
		Channels: notify.ChannelsConfig{
			Push: notify.DefaultPushConfig(),
			Email: notify.EmailConfig{
				Enabled:  false,
				Port:     587,
				FromName: "ScanSentry",
				UseTLS:   true,
				Timeout:  30 * time.Second,
			},
			Bot: notify.BotConfig{
				Enabled:       false,
				Timeout:       10 * time.Second,
				RatePerMinute: 30,
			},
		},
		Digest:     notify.DigestConfig{Interval: time.Minute},
		Escalation: escalation.DefaultConfig(),
		Retention:  maintenance.DefaultConfig(),
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// LoadWithKoanf loads configuration with layered sources:
//  1. Defaults
//  2. Config file (optional YAML)
//  3. Environment variables
//
// Precedence is ENV > File > Defaults. The result is validated.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// HTTP_PORT -> server.port, SMTP_HOST -> channels.email.host
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed as comma-separated lists when they arrive
// as strings.
var sliceConfigPaths = []string{
	"security.cors_origins",
	"channels.bot.urls",
}

// processSliceFields converts comma-separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice when it came from YAML or the defaults.
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envMappings maps lowercased environment variable names to koanf paths.
var envMappings = map[string]string{
	// Server
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_read_timeout":     "server.read_timeout",
	"http_write_timeout":    "server.write_timeout",
	"http_idle_timeout":     "server.idle_timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"environment":           "server.environment",

	// Security
	"cors_origins":               "security.cors_origins",
	"rate_limit_requests":        "security.rate_limit_reqs",
	"ingest_rate_limit_requests": "security.ingest_rate_limit_reqs",
	"rate_limit_window":          "security.rate_limit_window",
	"disable_rate_limit":         "security.rate_limit_disabled",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	// Database
	"duckdb_path":       "database.path",
	"duckdb_max_memory": "database.max_memory",
	"duckdb_threads":    "database.threads",

	// NATS
	"nats_enabled":     "nats.enabled",
	"nats_url":         "nats.url",
	"nats_embedded":    "nats.embedded_server",
	"nats_host":        "nats.host",
	"nats_port":        "nats.port",
	"nats_store_dir":   "nats.store_dir",
	"nats_max_memory":  "nats.max_memory",
	"nats_max_store":   "nats.max_store",
	"nats_stream_name": "nats.stream_name",
	"nats_max_age":     "nats.stream_max_age",
	"nats_subscribers": "nats.subscribers_count",
	"nats_queue_group": "nats.queue_group",
	"nats_max_deliver": "nats.max_deliver",

	// Ingestion router
	"router_close_timeout": "router.close_timeout",
	"router_retry_count":   "router.retry_max_retries",
	"router_throttle":      "router.throttle_per_second",

	// Worker pool
	"worker_count":          "pool.workers",
	"worker_queue_size":     "pool.queue_size",
	"worker_event_timeout":  "pool.event_timeout",
	"worker_retry_attempts": "pool.retry_max_attempts",

	// Pipeline
	"geo_timeout":            "pipeline.geo_timeout",
	"promote_min_severity":   "pipeline.promotion.promote_min_severity",
	"anomaly_alert_cooldown": "pipeline.promotion.anomaly_alert_cooldown",

	// Dead letters
	"dlq_max_reprocess": "dlq.max_reprocess",
	"dlq_batch_size":    "dlq.batch_size",

	// Geospatial matching
	"geo_low_km":                "geo.tiers.low_km",
	"geo_medium_km":             "geo.tiers.medium_km",
	"geo_high_km":               "geo.tiers.high_km",
	"geo_unconfigured_severity": "geo.unconfigured_severity",

	// Rule evaluation
	"rule_timeout": "detection.rule_timeout",

	// Statistics
	"stats_baseline_lookback": "stats.baseline_lookback",
	"stats_top_n":             "stats.top_n",
	"stats_retention":         "stats.retention",

	// Organization config cache
	"orgconfig_cache_ttl": "orgconfig.cache_ttl",

	// Notifications
	"notify_base_url":         "notify.base_url",
	"notify_delivery_timeout": "notify.delivery_timeout",
	"digest_interval":         "digest.interval",

	// Push channel
	"push_enabled":           "channels.push.enabled",
	"push_url":               "channels.push.url",
	"push_token":             "channels.push.token",
	"push_timeout":           "channels.push.timeout",
	"push_rate_per_sec":      "channels.push.rate_per_sec",
	"push_burst":             "channels.push.burst",
	"push_failure_threshold": "channels.push.failure_threshold",
	"push_open_timeout":      "channels.push.open_timeout",

	// Email channel
	"smtp_enabled":   "channels.email.enabled",
	"smtp_host":      "channels.email.host",
	"smtp_port":      "channels.email.port",
	"smtp_username":  "channels.email.username",
	"smtp_password":  "channels.email.password",
	"smtp_from":      "channels.email.from",
	"smtp_from_name": "channels.email.from_name",
	"smtp_use_tls":   "channels.email.use_tls",
	"smtp_timeout":   "channels.email.timeout",

	// Bot channel
	"bot_enabled":         "channels.bot.enabled",
	"bot_urls":            "channels.bot.urls",
	"bot_timeout":         "channels.bot.timeout",
	"bot_rate_per_minute": "channels.bot.rate_per_minute",

	// Escalation
	"escalation_interval":             "escalation.interval",
	"escalation_include_acknowledged": "escalation.include_acknowledged",
	"escalation_max_level":            "escalation.max_level",
	"escalation_batch_size":           "escalation.batch_size",

	// Retention
	"retention_schedule":              "retention.schedule",
	"retention_cooldown_grace":        "retention.cooldown_grace",
	"retention_dead_letter_retention": "retention.dead_letter_retention",

	// Supervisor
	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",
}

// envTransformFunc maps an environment variable name to its koanf path.
// Unknown variables map to "" and are skipped.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - DUCKDB_PATH -> database.path
//   - SMTP_HOST -> channels.email.host
//   - ESCALATION_INCLUDE_ACKNOWLEDGED -> escalation.include_acknowledged
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
