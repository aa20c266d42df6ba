// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package eventprocessor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
)

// Dead letter statuses.
const (
	DLQPending     = "pending"
	DLQReprocessed = "reprocessed"
	DLQAbandoned   = "abandoned"
)

// DLQEntry is an event that exhausted its retries.
type DLQEntry struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	EventID        string     `json:"event_id"`
	OrganizationID string     `json:"organization_id"`
	Job            Job        `json:"job"`
	Category       string     `json:"category"`
	LastError      string     `json:"last_error"`
	Attempts       int        `json:"attempts"`
	ReprocessCount int        `json:"reprocess_count"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
}

// DLQConfig bounds manual reprocessing.
type DLQConfig struct {
	// MaxReprocess is how many reprocess attempts an entry gets before it
	// is abandoned.
	MaxReprocess int `koanf:"max_reprocess"`
	// BatchSize caps one Reprocess call.
	BatchSize int `koanf:"batch_size"`
}

// DefaultDLQConfig returns production defaults.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{MaxReprocess: 5, BatchSize: 100}
}

// DLQStore persists dead letters in DuckDB.
type DLQStore struct {
	db  *sql.DB
	cfg DLQConfig
	now func() time.Time
}

// NewDLQStore creates a dead letter store.
func NewDLQStore(db *sql.DB, cfg DLQConfig) *DLQStore {
	def := DefaultDLQConfig()
	if cfg.MaxReprocess <= 0 {
		cfg.MaxReprocess = def.MaxReprocess
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &DLQStore{db: db, cfg: cfg, now: time.Now}
}

// InitSchema creates the dead_letters table.
func (s *DLQStore) InitSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id VARCHAR PRIMARY KEY,
			kind VARCHAR NOT NULL,
			event_id VARCHAR NOT NULL,
			organization_id VARCHAR NOT NULL,
			payload VARCHAR NOT NULL,
			category VARCHAR NOT NULL,
			last_error VARCHAR NOT NULL,
			attempts INTEGER NOT NULL,
			reprocess_count INTEGER NOT NULL DEFAULT 0,
			status VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_attempt_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_status ON dead_letters(status, created_at)`,
	})
}

// Add stores a failed job in status pending.
func (s *DLQStore) Add(ctx context.Context, job Job, cause error, attempts int) error {
	payload, err := MarshalJob(job)
	if err != nil {
		return err
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	start := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, kind, event_id, organization_id, payload, category, last_error, attempts, reprocess_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		uuid.NewString(), job.Kind, job.EventID(), job.OrganizationID(), string(payload),
		CategorizeError(cause), msg, attempts, DLQPending, s.now().UTC())
	metrics.RecordDBQuery("insert", "dead_letters", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	metrics.DLQMessagesAdded.Inc()
	return nil
}

const dlqColumns = `id, kind, event_id, organization_id, payload, category, last_error, attempts,
	reprocess_count, status, created_at, last_attempt_at`

// List returns entries in status (all when empty), newest first.
func (s *DLQStore) List(ctx context.Context, status string, limit int) ([]*DLQEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.list(ctx, status, "DESC", limit)
}

func (s *DLQStore) list(ctx context.Context, status, order string, limit int) ([]*DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dead_letters`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ` + order + `, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]*DLQEntry, 0)
	for rows.Next() {
		var (
			e       DLQEntry
			payload string
			last    sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.EventID, &e.OrganizationID, &payload, &e.Category,
			&e.LastError, &e.Attempts, &e.ReprocessCount, &e.Status, &e.CreatedAt, &last); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		job, err := UnmarshalJob([]byte(payload))
		if err != nil {
			logging.Warn().Err(err).Str("dead_letter_id", e.ID).Msg("Undecodable dead letter payload")
		}
		e.Job = job
		e.CreatedAt = e.CreatedAt.UTC()
		if last.Valid {
			t := last.Time.UTC()
			e.LastAttemptAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ReprocessResult counts what one Reprocess call did.
type ReprocessResult struct {
	Attempted   int `json:"attempted"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Abandoned   int `json:"abandoned"`
	Undecodable int `json:"undecodable"`
}

// Reprocess replays pending entries, oldest first, through fn. A success
// marks the entry reprocessed; a failure bumps its reprocess count and
// abandons it after MaxReprocess tries.
func (s *DLQStore) Reprocess(ctx context.Context, fn func(ctx context.Context, job Job) error) (ReprocessResult, error) {
	var res ReprocessResult
	pending, err := s.list(ctx, DLQPending, "ASC", s.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	for _, e := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempted++
		if err := e.Job.Validate(); err != nil {
			res.Undecodable++
			if err := s.finish(ctx, e, DLQAbandoned, err); err != nil {
				return res, err
			}
			continue
		}

		runErr := fn(ctx, e.Job)
		switch {
		case runErr == nil:
			res.Succeeded++
			metrics.DLQRetryAttempts.WithLabelValues("success").Inc()
			err = s.finish(ctx, e, DLQReprocessed, nil)
		case e.ReprocessCount+1 >= s.cfg.MaxReprocess:
			res.Abandoned++
			metrics.DLQRetryAttempts.WithLabelValues("abandoned").Inc()
			err = s.finish(ctx, e, DLQAbandoned, runErr)
		default:
			res.Failed++
			metrics.DLQRetryAttempts.WithLabelValues("failure").Inc()
			err = s.finish(ctx, e, DLQPending, runErr)
		}
		if err != nil {
			return res, err
		}
	}
	if res.Attempted > 0 {
		logging.Info().
			Int("attempted", res.Attempted).
			Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).
			Int("abandoned", res.Abandoned).
			Msg("Dead letters reprocessed")
	}
	return res, nil
}

func (s *DLQStore) finish(ctx context.Context, e *DLQEntry, status string, cause error) error {
	lastErr := e.LastError
	category := e.Category
	if cause != nil {
		lastErr = cause.Error()
		category = CategorizeError(cause)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = ?, reprocess_count = reprocess_count + 1, last_error = ?, category = ?, last_attempt_at = ?
		WHERE id = ?`, status, lastErr, category, s.now().UTC(), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update dead letter %s: %w", e.ID, err)
	}
	return nil
}

// Count returns the number of entries in status.
func (s *DLQStore) Count(ctx context.Context, status string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// Purge deletes settled (reprocessed or abandoned) entries created before
// cutoff. Pending entries are never purged.
func (s *DLQStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE status <> ? AND created_at < ?`, DLQPending, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CategorizeError buckets an error for dead letter triage.
func CategorizeError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if database.IsConflict(err) {
		return "conflict"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline", "timed out"):
		return "timeout"
	case containsAny(msg, "connection", "refused", "reset", "network"):
		return "connection"
	case containsAny(msg, "invalid", "validation", "malformed", "parse"):
		return "validation"
	case containsAny(msg, "database", "sql", "query", "duckdb"):
		return "database"
	}
	return "unknown"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
