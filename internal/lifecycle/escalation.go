// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/models"
)

// EscalationStatuses returns the statuses eligible for escalation.
// Acknowledged alerts are included only when includeAcknowledged is set.
func EscalationStatuses(includeAcknowledged bool) []models.AlertStatus {
	if includeAcknowledged {
		return []models.AlertStatus{models.AlertNew, models.AlertAcknowledged}
	}
	return []models.AlertStatus{models.AlertNew}
}

// EscalationCandidates returns open alerts in the given statuses whose
// escalation level is below maxLevel and whose last escalation (or creation)
// is at or before notAfter, oldest first. The caller applies per-rule delays.
func (s *Store) EscalationCandidates(ctx context.Context, statuses []models.AlertStatus, maxLevel int, notAfter time.Time, limit int) ([]*models.ScanAlert, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	w := newWhere("escalation_level < ?", maxLevel)
	w.in("status", values)
	w.add("COALESCE(escalated_at, created_at) <= ?", notAfter.UTC())

	args := append(append([]interface{}{}, w.args...), limit)
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM scan_alerts`+w.sql()+
		` ORDER BY COALESCE(escalated_at, created_at), id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalation candidates: %w", err)
	}
	defer rows.Close()

	var out []*models.ScanAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Escalate advances an alert from expectedLevel to expectedLevel+1 and
// stamps escalated_at with at, the instant the caller judged it due. The
// update is conditional on the level and on the alert still being in one of
// statuses, so overlapping sweeps escalate each level exactly once:
// escalated is false when another sweep or a moderator got there first.
func (s *Store) Escalate(ctx context.Context, a *models.ScanAlert, expectedLevel int, statuses []models.AlertStatus, at time.Time) (*models.ScanAlert, bool, error) {
	if len(statuses) == 0 {
		return nil, false, nil
	}
	var (
		escalated bool
		updated   *models.ScanAlert
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		escalated = false
		now := at.UTC()

		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		w := newWhere("id = ?", a.ID)
		w.add("escalation_level = ?", expectedLevel)
		w.in("status", values)

		args := append([]interface{}{now}, w.args...)
		res, err := tx.ExecContext(ctx, `
			UPDATE scan_alerts
			SET escalation_level = escalation_level + 1, is_escalated = true, escalated_at = ?`+w.sql(), args...)
		if err != nil {
			return fmt.Errorf("failed to escalate alert: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}

		level := strconv.Itoa(expectedLevel + 1)
		if err := recordTransition(ctx, tx, uuid.NewString(), RecordAlert, a.ID, a.OrganizationID,
			string(a.Status), "escalated:"+level, nil, nil, now); err != nil {
			return err
		}

		updated, err = scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM scan_alerts WHERE id = ?`, a.ID))
		if err != nil {
			return fmt.Errorf("failed to reload alert: %w", err)
		}
		escalated = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, escalated, nil
}
