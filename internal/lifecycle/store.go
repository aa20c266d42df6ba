// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package lifecycle persists geographic anomalies and alerts, applies
// cooldown suppression, and enforces the moderator state machines.
//
// Cooldown is a keyed slot row per (organization, rule, target) claimed with
// a conditional upsert; the claim and the alert insert share a transaction,
// so two concurrent candidates for one key can never both become alerts.
// Every transition is appended to record_transitions for audit and for
// later severity tuning.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist in the organization.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is wrapped by TransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrActorRequired is returned when a moderator action has no actor id.
	ErrActorRequired = errors.New("actor id is required")
)

// TransitionError describes a rejected state change. The record is unchanged.
type TransitionError struct {
	Record string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Record, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Record types in the transition log.
const (
	RecordAnomaly = "anomaly"
	RecordAlert   = "alert"
)

// Store is the DuckDB-backed lifecycle store.
type Store struct {
	db    *sql.DB
	locks *database.KeyLocks
	now   func() time.Time
}

// NewStore creates a lifecycle store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, locks: database.NewKeyLocks(64), now: time.Now}
}

// InitSchema creates the lifecycle tables.
func (s *Store) InitSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS geographic_anomalies (
			id VARCHAR PRIMARY KEY,
			organization_id VARCHAR NOT NULL,
			scan_event_id VARCHAR NOT NULL UNIQUE,
			distance_km DOUBLE,
			severity VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			investigated_by VARCHAR,
			investigated_at TIMESTAMP,
			notes VARCHAR,
			latitude DOUBLE,
			longitude DOUBLE,
			country VARCHAR,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scan_alerts (
			id VARCHAR PRIMARY KEY,
			organization_id VARCHAR NOT NULL,
			rule_id VARCHAR,
			alert_type VARCHAR NOT NULL,
			severity VARCHAR NOT NULL,
			batch_id VARCHAR,
			product_id VARCHAR,
			scan_event_id VARCHAR,
			dedup_key VARCHAR NOT NULL UNIQUE,
			rule_key VARCHAR NOT NULL,
			target_key VARCHAR NOT NULL,
			title VARCHAR NOT NULL,
			body VARCHAR NOT NULL,
			metadata VARCHAR,
			status VARCHAR NOT NULL,
			acknowledged_at TIMESTAMP,
			acknowledged_by VARCHAR,
			resolved_at TIMESTAMP,
			resolved_by VARCHAR,
			resolution_notes VARCHAR,
			is_escalated BOOLEAN NOT NULL DEFAULT false,
			escalated_at TIMESTAMP,
			escalation_level INTEGER NOT NULL DEFAULT 0,
			repeat_count INTEGER NOT NULL DEFAULT 0,
			last_seen_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_cooldowns (
			organization_id VARCHAR NOT NULL,
			rule_key VARCHAR NOT NULL,
			target_key VARCHAR NOT NULL,
			alert_id VARCHAR NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (organization_id, rule_key, target_key)
		)`,
		`CREATE SEQUENCE IF NOT EXISTS record_transitions_seq`,
		`CREATE TABLE IF NOT EXISTS record_transitions (
			id VARCHAR PRIMARY KEY,
			seq BIGINT NOT NULL DEFAULT nextval('record_transitions_seq'),
			record_type VARCHAR NOT NULL,
			record_id VARCHAR NOT NULL,
			organization_id VARCHAR NOT NULL,
			from_status VARCHAR NOT NULL,
			to_status VARCHAR NOT NULL,
			actor_id VARCHAR,
			notes VARCHAR,
			created_at TIMESTAMP NOT NULL
		)`,
	})
}

// Transition is one entry of the transition log.
type Transition struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	RecordType     string    `json:"record_type"`
	RecordID       string    `json:"record_id"`
	OrganizationID string    `json:"organization_id"`
	FromStatus     string    `json:"from_status"`
	ToStatus       string    `json:"to_status"`
	ActorID        *string   `json:"actor_id,omitempty"`
	Notes          *string   `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListTransitions returns the log for one record in the order it was
// written.
func (s *Store) ListTransitions(ctx context.Context, recordType, recordID string) ([]*Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, record_type, record_id, organization_id, from_status, to_status, actor_id, notes, created_at
		FROM record_transitions
		WHERE record_type = ? AND record_id = ?
		ORDER BY seq`, recordType, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var (
			t            Transition
			actor, notes sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Seq, &t.RecordType, &t.RecordID, &t.OrganizationID,
			&t.FromStatus, &t.ToStatus, &actor, &notes, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.ActorID = stringPtr(actor)
		t.Notes = stringPtr(notes)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func recordTransition(ctx context.Context, tx *sql.Tx, id, recordType, recordID, orgID, from, to string, actor, notes *string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO record_transitions (id, record_type, record_id, organization_id, from_status, to_status, actor_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, recordType, recordID, orgID, from, to, nullable(actor), nullable(notes), at)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func requireActor(actor string) error {
	if actor == "" {
		return ErrActorRequired
	}
	return nil
}

func optionalNotes(notes string) *string {
	return models.StringPtr(notes)
}
