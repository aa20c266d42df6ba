// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package config

import (
	"time"

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

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig                  `koanf:"server"`
	Security   SecurityConfig                `koanf:"security"`
	Logging    LoggingConfig                 `koanf:"logging"`
	Database   database.Config               `koanf:"database"`
	NATS       eventprocessor.NATSConfig     `koanf:"nats"`
	Router     eventprocessor.RouterConfig   `koanf:"router"`
	Pool       eventprocessor.PoolConfig     `koanf:"pool"`
	Pipeline   eventprocessor.PipelineConfig `koanf:"pipeline"`
	DLQ        eventprocessor.DLQConfig      `koanf:"dlq"`
	Geo        GeoConfig                     `koanf:"geo"`
	Detection  detection.Config              `koanf:"detection"`
	Stats      stats.Config                  `koanf:"stats"`
	OrgConfig  orgconfig.Config              `koanf:"orgconfig"`
	Notify     notify.Config                 `koanf:"notify"`
	Channels   notify.ChannelsConfig         `koanf:"channels"`
	Digest     notify.DigestConfig           `koanf:"digest"`
	Escalation escalation.Config             `koanf:"escalation"`
	Retention  maintenance.Config            `koanf:"retention"`
	Supervisor SupervisorConfig              `koanf:"supervisor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// Environment is development or production.
	Environment string `koanf:"environment"`
}

// SecurityConfig holds CORS and rate limiting settings for the HTTP API.
type SecurityConfig struct {
	CORSOrigins []string `koanf:"cors_origins"`
	// RateLimitReqs applies per client IP to management endpoints.
	RateLimitReqs int `koanf:"rate_limit_reqs"`
	// IngestRateLimitReqs applies per client IP to ingestion endpoints.
	IngestRateLimitReqs int           `koanf:"ingest_rate_limit_reqs"`
	RateLimitWindow     time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled   bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// GeoConfig holds geospatial matching settings.
type GeoConfig struct {
	Tiers geo.SeverityTiers `koanf:"tiers"`
	// UnconfiguredSeverity is used for out-of-region scans of products
	// whose organization has no regions at all.
	UnconfiguredSeverity models.AnomalySeverity `koanf:"unconfigured_severity"`
}

// SupervisorConfig tunes the suture supervisor tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
