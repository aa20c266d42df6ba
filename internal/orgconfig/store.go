// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package orgconfig stores the per-organization configuration the engine
// reads on every event: authorized regions, alert rules and alert
// preferences.
//
// Everything is validated when written, so the evaluation path only has to
// cope with rows that predate a validation change. Reads go through a TTL
// cache that is invalidated on every write made through this store.
package orgconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tomtom215/scansentry/internal/database"
)

var (
	// ErrNotFound is returned when a region or rule does not exist.
	ErrNotFound = errors.New("configuration not found")
	// ErrInvalid wraps every write-time validation failure.
	ErrInvalid = errors.New("invalid configuration")
)

// Config controls the read cache.
type Config struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{CacheTTL: 30 * time.Second}
}

// Store persists organization configuration in DuckDB.
type Store struct {
	db    *sql.DB
	cache *cache.Cache
	now   func() time.Time
}

// NewStore creates a configuration store. A non-positive TTL disables
// expiry-based refresh but writes still invalidate.
func NewStore(db *sql.DB, cfg Config) *Store {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Store{
		db:    db,
		cache: cache.New(ttl, 2*ttl),
		now:   time.Now,
	}
}

// InitSchema creates the configuration tables.
func (s *Store) InitSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS authorized_regions (
			organization_id VARCHAR NOT NULL,
			region_code VARCHAR NOT NULL,
			kind VARCHAR NOT NULL,
			geometry VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (organization_id, region_code)
		)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id VARCHAR PRIMARY KEY,
			organization_id VARCHAR NOT NULL,
			rule_type VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			is_enabled BOOLEAN NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			config VARCHAR,
			channels VARCHAR,
			cooldown_minutes INTEGER NOT NULL DEFAULT 0,
			escalate_after_minutes INTEGER,
			escalate_to_user_ids VARCHAR,
			severity VARCHAR,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_rules_org ON alert_rules(organization_id)`,
		`CREATE TABLE IF NOT EXISTS alert_preferences (
			organization_id VARCHAR PRIMARY KEY,
			document VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	})
}

// Invalidate drops every cached entry of the organization.
func (s *Store) Invalidate(orgID string) {
	s.cache.Delete(regionsKey(orgID))
	s.cache.Delete(rulesKey(orgID))
	s.cache.Delete(prefsKey(orgID))
}

func regionsKey(orgID string) string { return "regions:" + orgID }
func rulesKey(orgID string) string   { return "rules:" + orgID }
func prefsKey(orgID string) string   { return "prefs:" + orgID }

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
