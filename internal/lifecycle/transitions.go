// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package lifecycle

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
)

// alertTransitions lists the allowed moves of the alert state machine.
// resolved and dismissed are terminal.
var alertTransitions = map[models.AlertStatus][]models.AlertStatus{
	models.AlertNew:           {models.AlertAcknowledged, models.AlertDismissed},
	models.AlertAcknowledged:  {models.AlertInvestigating, models.AlertDismissed},
	models.AlertInvestigating: {models.AlertResolved},
}

// CanTransitionAlert reports whether from -> to is allowed.
func CanTransitionAlert(from, to models.AlertStatus) bool {
	for _, s := range alertTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Acknowledge moves a new alert to acknowledged.
func (s *Store) Acknowledge(ctx context.Context, orgID, id, actor, notes string) (*models.ScanAlert, error) {
	return s.TransitionAlert(ctx, orgID, id, models.AlertAcknowledged, actor, notes)
}

// Investigate moves an acknowledged alert to investigating.
func (s *Store) Investigate(ctx context.Context, orgID, id, actor, notes string) (*models.ScanAlert, error) {
	return s.TransitionAlert(ctx, orgID, id, models.AlertInvestigating, actor, notes)
}

// Resolve closes an alert under investigation.
func (s *Store) Resolve(ctx context.Context, orgID, id, actor, notes string) (*models.ScanAlert, error) {
	return s.TransitionAlert(ctx, orgID, id, models.AlertResolved, actor, notes)
}

// Dismiss closes a new or acknowledged alert and releases its cooldown slot.
func (s *Store) Dismiss(ctx context.Context, orgID, id, actor, notes string) (*models.ScanAlert, error) {
	return s.TransitionAlert(ctx, orgID, id, models.AlertDismissed, actor, notes)
}

// TransitionAlert moves an alert to status `to` on behalf of actor. Rejected
// moves return a TransitionError and leave the alert unchanged.
func (s *Store) TransitionAlert(ctx context.Context, orgID, id string, to models.AlertStatus, actor, notes string) (*models.ScanAlert, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var updated *models.ScanAlert
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := scanAlert(tx.QueryRowContext(ctx,
			`SELECT `+alertColumns+` FROM scan_alerts WHERE id = ? AND organization_id = ?`, id, orgID))
		if database.IsNoRows(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load alert: %w", err)
		}
		if !CanTransitionAlert(current.Status, to) {
			return &TransitionError{Record: RecordAlert, ID: id, From: string(current.Status), To: string(to)}
		}

		now := s.now().UTC()
		note := optionalNotes(notes)

		var res sql.Result
		switch to {
		case models.AlertAcknowledged:
			res, err = tx.ExecContext(ctx, `
				UPDATE scan_alerts SET status = ?, acknowledged_at = ?, acknowledged_by = ?
				WHERE id = ? AND status = ?`,
				string(to), now, actor, id, string(current.Status))
			current.AcknowledgedAt, current.AcknowledgedBy = &now, &actor
		case models.AlertResolved, models.AlertDismissed:
			res, err = tx.ExecContext(ctx, `
				UPDATE scan_alerts SET status = ?, resolved_at = ?, resolved_by = ?,
					resolution_notes = COALESCE(CAST(? AS VARCHAR), resolution_notes)
				WHERE id = ? AND status = ?`,
				string(to), now, actor, nullable(note), id, string(current.Status))
			current.ResolvedAt, current.ResolvedBy = &now, &actor
			if note != nil {
				current.ResolutionNotes = note
			}
		default:
			res, err = tx.ExecContext(ctx, `
				UPDATE scan_alerts SET status = ? WHERE id = ? AND status = ?`,
				string(to), id, string(current.Status))
		}
		if err != nil {
			return fmt.Errorf("failed to update alert: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &TransitionError{Record: RecordAlert, ID: id, From: string(current.Status), To: string(to)}
		}

		if to == models.AlertDismissed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM alert_cooldowns WHERE alert_id = ?`, id); err != nil {
				return fmt.Errorf("failed to release cooldown slot: %w", err)
			}
		}
		if err := recordTransition(ctx, tx, uuid.NewString(), RecordAlert, id, orgID,
			string(current.Status), string(to), &actor, note, now); err != nil {
			return err
		}

		current.Status = to
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AlertTransitions.WithLabelValues(RecordAlert, string(to)).Inc()
	return updated, nil
}
