// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package stats maintains rolling, time-bucketed scan counters per
// organization, product and batch, and answers the window and baseline
// queries the rule evaluator needs.
//
// Every counter is a row keyed by its bucket identity and incremented with an
// INSERT ... ON CONFLICT DO UPDATE upsert, so concurrent events never
// read-modify-write shared state. Events are logged by ID, which makes
// Record idempotent: a replayed event returns the snapshot of its first
// recording and increments nothing.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/models"
)

// Config holds aggregator settings.
type Config struct {
	// BaselineLookback is how far back hourly buckets are averaged for the
	// spike baseline.
	BaselineLookback time.Duration `koanf:"baseline_lookback"`
	// TopN bounds top_countries / top_cities.
	TopN int `koanf:"top_n"`
	// Retention is the history kept by the retention sweep.
	Retention time.Duration `koanf:"retention"`
}

// DefaultConfig returns a 7 day baseline, top 5 lists and 90 day retention.
func DefaultConfig() Config {
	return Config{
		BaselineLookback: 7 * 24 * time.Hour,
		TopN:             5,
		Retention:        90 * 24 * time.Hour,
	}
}

// Scope narrows statistics to a product or batch. The zero Scope is the
// whole organization. Batch scopes are keyed by batch alone.
type Scope struct {
	ProductID string
	BatchID   string
}

// OrgScope is the organization-wide scope.
var OrgScope = Scope{}

// ProductScope returns the scope for a product.
func ProductScope(productID string) Scope { return Scope{ProductID: productID} }

// BatchScope returns the scope for a batch.
func BatchScope(batchID string) Scope { return Scope{BatchID: batchID} }

// ScopesFor returns every scope an event contributes to.
func ScopesFor(e *models.ScanEvent) []Scope {
	scopes := []Scope{OrgScope}
	if p := models.StringValue(e.ProductID); p != "" {
		scopes = append(scopes, ProductScope(p))
	}
	if b := models.StringValue(e.BatchID); b != "" {
		scopes = append(scopes, BatchScope(b))
	}
	return scopes
}

// Totals is a cumulative scan count before and after one event.
type Totals struct {
	Before int64
	After  int64
}

// Snapshot is what Record observed for one event. Rules read cumulative
// totals from it; window queries go through the Store.
type Snapshot struct {
	EventID    string
	OccurredAt time.Time
	// Duplicate is true when the event had already been recorded; totals
	// are then those of the first recording.
	Duplicate bool
	Org       Totals
	Product   *Totals
	Batch     *Totals
}

// Store is the DuckDB-backed statistics aggregator.
type Store struct {
	db    *sql.DB
	cfg   Config
	locks *database.KeyLocks
	now   func() time.Time
}

// NewStore creates a statistics store over db.
func NewStore(db *sql.DB, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.BaselineLookback <= 0 {
		cfg.BaselineLookback = def.BaselineLookback
	}
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Store{db: db, cfg: cfg, locks: database.NewKeyLocks(64), now: time.Now}
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// InitSchema creates the statistics tables.
func (s *Store) InitSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS scan_event_log (
			event_id VARCHAR PRIMARY KEY,
			organization_id VARCHAR NOT NULL,
			product_id VARCHAR NOT NULL,
			batch_id VARCHAR NOT NULL,
			visitor_id VARCHAR NOT NULL,
			location_key VARCHAR NOT NULL,
			is_suspicious BOOLEAN NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			org_total_before BIGINT NOT NULL,
			product_total_before BIGINT,
			batch_total_before BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_event_log_org_time ON scan_event_log(organization_id, occurred_at)`,
		`CREATE TABLE IF NOT EXISTS scan_totals (
			organization_id VARCHAR NOT NULL,
			product_id VARCHAR NOT NULL,
			batch_id VARCHAR NOT NULL,
			total BIGINT NOT NULL,
			first_scan_at TIMESTAMP NOT NULL,
			last_scan_at TIMESTAMP NOT NULL,
			PRIMARY KEY (organization_id, product_id, batch_id)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_statistics (
			organization_id VARCHAR NOT NULL,
			product_id VARCHAR NOT NULL,
			batch_id VARCHAR NOT NULL,
			bucket_type VARCHAR NOT NULL,
			bucket_start TIMESTAMP NOT NULL,
			scan_count BIGINT NOT NULL,
			suspicious_count BIGINT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (organization_id, product_id, batch_id, bucket_type, bucket_start)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_statistics_members (
			organization_id VARCHAR NOT NULL,
			product_id VARCHAR NOT NULL,
			batch_id VARCHAR NOT NULL,
			bucket_type VARCHAR NOT NULL,
			bucket_start TIMESTAMP NOT NULL,
			kind VARCHAR NOT NULL,
			member VARCHAR NOT NULL,
			hits BIGINT NOT NULL,
			PRIMARY KEY (organization_id, product_id, batch_id, bucket_type, bucket_start, kind, member)
		)`,
	})
}

// Member kinds tracked per bucket.
const (
	memberVisitor  = "visitor"
	memberLocation = "location"
	memberCountry  = "country"
	memberCity     = "city"
)

// Record applies one scan event to every scope and bucket it belongs to and
// returns the cumulative totals around it.
func (s *Store) Record(ctx context.Context, e *models.ScanEvent) (*Snapshot, error) {
	if e.ID == "" || e.OrganizationID == "" {
		return nil, fmt.Errorf("scan event requires id and organization_id")
	}
	occurred := e.OccurredAt.UTC()
	if e.OccurredAt.IsZero() {
		occurred = s.now().UTC()
	}

	// Every event of an organization upserts the same org-scope buckets, so
	// the organization is the narrowest key that covers the transaction.
	unlock := s.locks.Lock(e.OrganizationID)
	defer unlock()

	// A concurrent first recording of the same event loses on the primary
	// key; the second pass then takes the duplicate path.
	var (
		snap *Snapshot
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		snap, err = s.record(ctx, e, occurred)
		if err == nil || !database.IsUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record scan %s: %w", e.ID, err)
	}
	return snap, nil
}

func (s *Store) record(ctx context.Context, e *models.ScanEvent, occurred time.Time) (*Snapshot, error) {
	productID := models.StringValue(e.ProductID)
	batchID := models.StringValue(e.BatchID)

	var snap *Snapshot
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := loadLoggedSnapshot(ctx, tx, e.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			snap = existing
			return nil
		}

		snap = &Snapshot{EventID: e.ID, OccurredAt: occurred}
		if snap.Org, err = bumpTotal(ctx, tx, e.OrganizationID, OrgScope, occurred); err != nil {
			return err
		}
		var productBefore, batchBefore sql.NullInt64
		if productID != "" {
			t, err := bumpTotal(ctx, tx, e.OrganizationID, ProductScope(productID), occurred)
			if err != nil {
				return err
			}
			snap.Product = &t
			productBefore = sql.NullInt64{Int64: t.Before, Valid: true}
		}
		if batchID != "" {
			t, err := bumpTotal(ctx, tx, e.OrganizationID, BatchScope(batchID), occurred)
			if err != nil {
				return err
			}
			snap.Batch = &t
			batchBefore = sql.NullInt64{Int64: t.Before, Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO scan_event_log (
				event_id, organization_id, product_id, batch_id, visitor_id, location_key,
				is_suspicious, occurred_at, recorded_at,
				org_total_before, product_total_before, batch_total_before
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.OrganizationID, productID, batchID, models.StringValue(e.VisitorID), e.LocationKey(),
			e.IsSuspicious, occurred, s.now().UTC(),
			snap.Org.Before, productBefore, batchBefore,
		)
		if err != nil {
			return fmt.Errorf("failed to log scan event: %w", err)
		}

		return s.bumpBuckets(ctx, tx, e, occurred)
	})
	return snap, err
}

func loadLoggedSnapshot(ctx context.Context, tx *sql.Tx, eventID string) (*Snapshot, error) {
	var (
		occurred              time.Time
		orgBefore             int64
		productBefore, batchB sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT occurred_at, org_total_before, product_total_before, batch_total_before
		FROM scan_event_log WHERE event_id = ?`, eventID).
		Scan(&occurred, &orgBefore, &productBefore, &batchB)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up scan event: %w", err)
	}

	snap := &Snapshot{
		EventID:    eventID,
		OccurredAt: occurred,
		Duplicate:  true,
		Org:        Totals{Before: orgBefore, After: orgBefore + 1},
	}
	if productBefore.Valid {
		snap.Product = &Totals{Before: productBefore.Int64, After: productBefore.Int64 + 1}
	}
	if batchB.Valid {
		snap.Batch = &Totals{Before: batchB.Int64, After: batchB.Int64 + 1}
	}
	return snap, nil
}

func bumpTotal(ctx context.Context, tx *sql.Tx, orgID string, scope Scope, at time.Time) (Totals, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO scan_totals (organization_id, product_id, batch_id, total, first_scan_at, last_scan_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (organization_id, product_id, batch_id) DO UPDATE SET
			total = total + 1,
			first_scan_at = LEAST(first_scan_at, EXCLUDED.first_scan_at),
			last_scan_at = GREATEST(last_scan_at, EXCLUDED.last_scan_at)`,
		orgID, scope.ProductID, scope.BatchID, at, at)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to upsert scan total: %w", err)
	}

	var after int64
	err = tx.QueryRowContext(ctx, `
		SELECT total FROM scan_totals
		WHERE organization_id = ? AND product_id = ? AND batch_id = ?`,
		orgID, scope.ProductID, scope.BatchID).Scan(&after)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to read scan total: %w", err)
	}
	return Totals{Before: after - 1, After: after}, nil
}

func (s *Store) bumpBuckets(ctx context.Context, tx *sql.Tx, e *models.ScanEvent, occurred time.Time) error {
	suspicious := 0
	if e.IsSuspicious {
		suspicious = 1
	}
	members := map[string]string{
		memberVisitor:  models.StringValue(e.VisitorID),
		memberLocation: e.LocationKey(),
		memberCountry:  strings.ToUpper(models.StringValue(e.Country)),
		memberCity:     models.StringValue(e.City),
	}
	now := s.now().UTC()

	for _, scope := range ScopesFor(e) {
		for _, bt := range models.AllBucketTypes {
			start := bt.Start(occurred)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO scan_statistics (
					organization_id, product_id, batch_id, bucket_type, bucket_start,
					scan_count, suspicious_count, updated_at
				) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
				ON CONFLICT (organization_id, product_id, batch_id, bucket_type, bucket_start) DO UPDATE SET
					scan_count = scan_count + 1,
					suspicious_count = suspicious_count + EXCLUDED.suspicious_count,
					updated_at = EXCLUDED.updated_at`,
				e.OrganizationID, scope.ProductID, scope.BatchID, string(bt), start, suspicious, now)
			if err != nil {
				return fmt.Errorf("failed to upsert %s bucket: %w", bt, err)
			}

			for kind, member := range members {
				if member == "" {
					continue
				}
				_, err := tx.ExecContext(ctx, `
					INSERT INTO scan_statistics_members (
						organization_id, product_id, batch_id, bucket_type, bucket_start, kind, member, hits
					) VALUES (?, ?, ?, ?, ?, ?, ?, 1)
					ON CONFLICT (organization_id, product_id, batch_id, bucket_type, bucket_start, kind, member)
					DO UPDATE SET hits = hits + 1`,
					e.OrganizationID, scope.ProductID, scope.BatchID, string(bt), start, kind, member)
				if err != nil {
					return fmt.Errorf("failed to upsert %s member: %w", kind, err)
				}
			}
		}
	}
	return nil
}
