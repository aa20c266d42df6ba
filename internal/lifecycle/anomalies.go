// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
)

// anomalyTransitions lists the allowed moves of the anomaly state machine.
var anomalyTransitions = map[models.AnomalyStatus][]models.AnomalyStatus{
	models.AnomalyNew:           {models.AnomalyUnderReview, models.AnomalyFalsePositive},
	models.AnomalyUnderReview:   {models.AnomalyConfirmed, models.AnomalyFalsePositive},
	models.AnomalyConfirmed:     {models.AnomalyResolved},
	models.AnomalyFalsePositive: {models.AnomalyResolved},
}

// CanTransitionAnomaly reports whether from -> to is allowed.
func CanTransitionAnomaly(from, to models.AnomalyStatus) bool {
	for _, s := range anomalyTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const anomalyColumns = `id, organization_id, scan_event_id, distance_km, severity, status,
	investigated_by, investigated_at, notes, latitude, longitude, country, created_at`

func scanAnomaly(row rowScanner) (*models.GeographicAnomaly, error) {
	var (
		a                          models.GeographicAnomaly
		distance, lat, lng         sql.NullFloat64
		investigatedBy, notes, cty sql.NullString
		investigatedAt             sql.NullTime
		severity, status           string
	)
	err := row.Scan(&a.ID, &a.OrganizationID, &a.ScanEventID, &distance, &severity, &status,
		&investigatedBy, &investigatedAt, &notes, &lat, &lng, &cty, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.DistanceKm = floatPtr(distance)
	a.Severity = models.AnomalySeverity(severity)
	a.Status = models.AnomalyStatus(status)
	a.InvestigatedBy = stringPtr(investigatedBy)
	a.InvestigatedAt = timePtr(investigatedAt)
	a.Notes = stringPtr(notes)
	a.Latitude = floatPtr(lat)
	a.Longitude = floatPtr(lng)
	a.Country = stringPtr(cty)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// CreateAnomaly persists a new anomaly in status new. Anomalies are unique
// per scan event: a replayed event returns the existing record and
// created=false.
func (s *Store) CreateAnomaly(ctx context.Context, a *models.GeographicAnomaly) (*models.GeographicAnomaly, bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = models.AnomalyNew
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}

	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO geographic_anomalies (`+anomalyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?, ?, ?)
		ON CONFLICT (scan_event_id) DO NOTHING`,
		a.ID, a.OrganizationID, a.ScanEventID, nullableFloat(a.DistanceKm), string(a.Severity), string(a.Status),
		nullableFloat(a.Latitude), nullableFloat(a.Longitude), nullable(a.Country), a.CreatedAt.UTC())
	metrics.RecordDBQuery("insert", "geographic_anomalies", time.Since(start), err)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create anomaly: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		metrics.AnomaliesCreated.WithLabelValues(string(a.Severity)).Inc()
		return a, true, nil
	}

	existing, err := scanAnomaly(s.db.QueryRowContext(ctx,
		`SELECT `+anomalyColumns+` FROM geographic_anomalies WHERE scan_event_id = ?`, a.ScanEventID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing anomaly: %w", err)
	}
	return existing, false, nil
}

// GetAnomaly returns one anomaly of the organization.
func (s *Store) GetAnomaly(ctx context.Context, orgID, id string) (*models.GeographicAnomaly, error) {
	a, err := scanAnomaly(s.db.QueryRowContext(ctx,
		`SELECT `+anomalyColumns+` FROM geographic_anomalies WHERE id = ? AND organization_id = ?`, id, orgID))
	if database.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly: %w", err)
	}
	return a, nil
}

// AnomalyFilter selects anomalies. Zero fields do not filter.
type AnomalyFilter struct {
	OrganizationID string
	Statuses       []models.AnomalyStatus
	Severities     []models.AnomalySeverity
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// ListAnomalies returns a page of anomalies, newest first, and the total
// count matching the filter.
func (s *Store) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]*models.GeographicAnomaly, int, error) {
	w := newWhere("organization_id = ?", f.OrganizationID)
	w.in("status", anomalyStatusStrings(f.Statuses))
	w.in("severity", anomalySeverityStrings(f.Severities))
	w.timeRange("created_at", f.From, f.To)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM geographic_anomalies`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count anomalies: %w", err)
	}

	limit, offset := page(f.Limit, f.Offset)
	args := append(append([]interface{}{}, w.args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+anomalyColumns+` FROM geographic_anomalies`+w.sql()+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	out := make([]*models.GeographicAnomaly, 0)
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// TransitionAnomaly moves an anomaly to status `to` on behalf of actor. The
// move is a conditional update on the current status, so a concurrent
// moderator action makes this one fail with a TransitionError instead of
// overwriting it.
func (s *Store) TransitionAnomaly(ctx context.Context, orgID, id string, to models.AnomalyStatus, actor, notes string) (*models.GeographicAnomaly, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var updated *models.GeographicAnomaly
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := scanAnomaly(tx.QueryRowContext(ctx,
			`SELECT `+anomalyColumns+` FROM geographic_anomalies WHERE id = ? AND organization_id = ?`, id, orgID))
		if database.IsNoRows(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load anomaly: %w", err)
		}
		if !CanTransitionAnomaly(current.Status, to) {
			return &TransitionError{Record: RecordAnomaly, ID: id, From: string(current.Status), To: string(to)}
		}

		now := s.now().UTC()
		note := optionalNotes(notes)
		res, err := tx.ExecContext(ctx, `
			UPDATE geographic_anomalies
			SET status = ?, investigated_by = ?, investigated_at = ?, notes = COALESCE(CAST(? AS VARCHAR), notes)
			WHERE id = ? AND status = ?`,
			string(to), actor, now, nullable(note), id, string(current.Status))
		if err != nil {
			return fmt.Errorf("failed to update anomaly: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &TransitionError{Record: RecordAnomaly, ID: id, From: string(current.Status), To: string(to)}
		}
		if err := recordTransition(ctx, tx, uuid.NewString(), RecordAnomaly, id, orgID,
			string(current.Status), string(to), &actor, note, now); err != nil {
			return err
		}

		current.Status = to
		current.InvestigatedBy = &actor
		current.InvestigatedAt = &now
		if note != nil {
			current.Notes = note
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AlertTransitions.WithLabelValues(RecordAnomaly, string(to)).Inc()
	return updated, nil
}

func anomalyStatusStrings(in []models.AnomalyStatus) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func anomalySeverityStrings(in []models.AnomalySeverity) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// where accumulates AND-ed filter clauses.
type where struct {
	clauses []string
	args    []interface{}
}

func newWhere(clause string, arg interface{}) *where {
	return &where{clauses: []string{clause}, args: []interface{}{arg}}
}

func (w *where) add(clause string, args ...interface{}) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) timeRange(column string, from, to *time.Time) {
	if from != nil {
		w.add(column+" >= ?", from.UTC())
	}
	if to != nil {
		w.add(column+" < ?", to.UTC())
	}
}

func (w *where) sql() string {
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// page clamps pagination to 1..500 rows, defaulting to 50.
func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
