// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package config

import (
	"fmt"
	"net/url"

	"github.com/tomtom215/scansentry/internal/logging"
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateProcessing(); err != nil {
		return err
	}
	if err := c.validateChannels(); err != nil {
		return err
	}
	if err := c.Escalation.Validate(); err != nil {
		return fmt.Errorf("escalation: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Server.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("ENVIRONMENT must be development or production, got %q", c.Server.Environment)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DUCKDB_PATH is required")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if !c.Security.RateLimitDisabled {
		if c.Security.RateLimitReqs < 1 || c.Security.IngestRateLimitReqs < 1 {
			return fmt.Errorf("rate limits must be at least 1 request per window")
		}
		if c.Security.RateLimitWindow <= 0 {
			return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
		}
	}
	if c.IsProduction() {
		for _, origin := range c.Security.CORSOrigins {
			if origin == "*" {
				return fmt.Errorf("CORS_ORIGINS must not contain * in production")
			}
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateProcessing() error {
	if err := c.NATS.Validate(); err != nil {
		return err
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Geo.Tiers.Validate(); err != nil {
		return fmt.Errorf("geo: %w", err)
	}
	if !c.Geo.UnconfiguredSeverity.Valid() {
		return fmt.Errorf("geo unconfigured_severity %q is not a valid severity", c.Geo.UnconfiguredSeverity)
	}
	if s := c.Pipeline.Promotion.MinSeverity; s != "" && !s.Valid() {
		return fmt.Errorf("pipeline promote_min_severity %q is not a valid severity", s)
	}
	if c.Pipeline.GeoTimeout <= 0 {
		return fmt.Errorf("pipeline geo_timeout must be positive")
	}
	if c.Detection.RuleTimeout <= 0 {
		return fmt.Errorf("detection rule_timeout must be positive")
	}
	if c.Stats.BaselineLookback <= 0 || c.Stats.Retention <= 0 {
		return fmt.Errorf("stats baseline_lookback and retention must be positive")
	}
	if c.Stats.Retention < c.Stats.BaselineLookback {
		return fmt.Errorf("stats retention (%s) must cover baseline_lookback (%s)", c.Stats.Retention, c.Stats.BaselineLookback)
	}
	return nil
}

func (c *Config) validateChannels() error {
	if c.Notify.BaseURL != "" {
		if err := validateHTTPURL(c.Notify.BaseURL); err != nil {
			return fmt.Errorf("NOTIFY_BASE_URL is invalid: %w", err)
		}
	}
	if push := c.Channels.Push; push.Enabled {
		if push.URL == "" {
			return fmt.Errorf("PUSH_URL is required when PUSH_ENABLED=true")
		}
		if err := validateHTTPURL(push.URL); err != nil {
			return fmt.Errorf("PUSH_URL is invalid: %w", err)
		}
	}
	if c.Channels.Email.Enabled {
		if err := c.Channels.Email.Validate(); err != nil {
			return fmt.Errorf("email channel: %w", err)
		}
	}
	if c.Channels.Bot.Enabled && len(c.Channels.Bot.URLs) == 0 {
		return fmt.Errorf("BOT_URLS is required when BOT_ENABLED=true")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
