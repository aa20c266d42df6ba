// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
)

// Outcome is the result of offering a candidate to the store.
type Outcome string

const (
	// OutcomeCreated means a new alert was persisted.
	OutcomeCreated Outcome = "created"
	// OutcomeSuppressed means another alert holds the cooldown slot; its
	// repeat counter was bumped instead.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeDuplicate means this source event already produced the alert.
	OutcomeDuplicate Outcome = "duplicate"
)

// CreateResult reports what CreateAlert did. Alert is the new alert, the
// alert holding the cooldown slot, or the earlier alert of a replay.
type CreateResult struct {
	Outcome Outcome
	Alert   *models.ScanAlert
}

const alertColumns = `id, organization_id, rule_id, alert_type, severity, batch_id, product_id, scan_event_id,
	title, body, metadata, status, acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution_notes,
	is_escalated, escalated_at, escalation_level, repeat_count, last_seen_at, created_at`

func scanAlert(row rowScanner) (*models.ScanAlert, error) {
	var (
		a                                   models.ScanAlert
		ruleID, batchID, productID, eventID sql.NullString
		metadata, ackBy, resBy, resNotes    sql.NullString
		ackAt, resAt, escAt, lastSeen       sql.NullTime
		severity, status                    string
	)
	err := row.Scan(&a.ID, &a.OrganizationID, &ruleID, &a.AlertType, &severity, &batchID, &productID, &eventID,
		&a.Title, &a.Body, &metadata, &status, &ackAt, &ackBy, &resAt, &resBy, &resNotes,
		&a.IsEscalated, &escAt, &a.EscalationLevel, &a.RepeatCount, &lastSeen, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.RuleID = stringPtr(ruleID)
	a.BatchID = stringPtr(batchID)
	a.ProductID = stringPtr(productID)
	a.ScanEventID = stringPtr(eventID)
	a.Severity = models.AlertSeverity(severity)
	a.Status = models.AlertStatus(status)
	a.AcknowledgedAt = timePtr(ackAt)
	a.AcknowledgedBy = stringPtr(ackBy)
	a.ResolvedAt = timePtr(resAt)
	a.ResolvedBy = stringPtr(resBy)
	a.ResolutionNotes = stringPtr(resNotes)
	a.EscalatedAt = timePtr(escAt)
	a.LastSeenAt = timePtr(lastSeen)
	a.CreatedAt = a.CreatedAt.UTC()
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode alert metadata: %w", err)
		}
	}
	return &a, nil
}

// CreateAlert turns a candidate into an alert unless its cooldown slot is
// held or the same source event already produced it.
//
// With a positive cooldown the slot for (organization, rule, target) is
// claimed by an upsert that only overwrites an expired slot. Losing the
// claim suppresses the candidate and bumps the holder's repeat counter.
// Claim and insert commit together; a write-write conflict with a
// concurrent claim retries and then observes the winner's slot.
func (s *Store) CreateAlert(ctx context.Context, c *models.AlertCandidate) (*CreateResult, error) {
	if c.OrganizationID == "" || c.RuleKey == "" || c.TargetKey == "" {
		return nil, fmt.Errorf("alert candidate requires organization, rule and target keys")
	}
	unlock := s.locks.Lock(c.OrganizationID + "|" + c.RuleKey + "|" + c.TargetKey)
	defer unlock()

	var (
		res *CreateResult
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		start := time.Now()
		res, err = s.createAlert(ctx, c)
		metrics.RecordDBQuery("create", "scan_alerts", time.Since(start), err)
		if err == nil || !database.IsUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s alert: %w", c.AlertType, err)
	}

	switch res.Outcome {
	case OutcomeCreated:
		metrics.AlertsCreated.WithLabelValues(c.AlertType, string(c.Severity)).Inc()
	case OutcomeSuppressed:
		metrics.AlertsSuppressed.WithLabelValues(c.AlertType, "cooldown").Inc()
	case OutcomeDuplicate:
		metrics.AlertsSuppressed.WithLabelValues(c.AlertType, "duplicate").Inc()
	}
	return res, nil
}

func (s *Store) createAlert(ctx context.Context, c *models.AlertCandidate) (*CreateResult, error) {
	var res *CreateResult
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := scanAlert(tx.QueryRowContext(ctx,
			`SELECT `+alertColumns+` FROM scan_alerts WHERE dedup_key = ?`, c.DedupKey()))
		if err == nil {
			res = &CreateResult{Outcome: OutcomeDuplicate, Alert: existing}
			return nil
		}
		if !database.IsNoRows(err) {
			return fmt.Errorf("failed to check dedup key: %w", err)
		}

		now := s.now().UTC()
		id := uuid.NewString()

		if c.CooldownMinutes > 0 {
			holder, err := claimCooldown(ctx, tx, c, id, now)
			if err != nil {
				return err
			}
			if holder != "" {
				alert, err := bumpRepeat(ctx, tx, holder, now)
				if err != nil {
					return err
				}
				res = &CreateResult{Outcome: OutcomeSuppressed, Alert: alert}
				return nil
			}
		}

		alert := &models.ScanAlert{
			ID:             id,
			OrganizationID: c.OrganizationID,
			RuleID:         c.RuleID(),
			AlertType:      c.AlertType,
			Severity:       c.Severity,
			BatchID:        c.BatchID,
			ProductID:      c.ProductID,
			ScanEventID:    c.ScanEventID,
			Title:          c.Title,
			Body:           c.Body,
			Metadata:       c.Metadata,
			Status:         models.AlertNew,
			CreatedAt:      now,
		}
		var metadata interface{}
		if len(c.Metadata) > 0 {
			raw, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode alert metadata: %w", err)
			}
			metadata = string(raw)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scan_alerts (
				id, organization_id, rule_id, alert_type, severity, batch_id, product_id, scan_event_id,
				dedup_key, rule_key, target_key, title, body, metadata, status, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			alert.ID, alert.OrganizationID, nullable(alert.RuleID), alert.AlertType, string(alert.Severity),
			nullable(alert.BatchID), nullable(alert.ProductID), nullable(alert.ScanEventID),
			c.DedupKey(), c.RuleKey, c.TargetKey, alert.Title, alert.Body, metadata, string(alert.Status), now)
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		res = &CreateResult{Outcome: OutcomeCreated, Alert: alert}
		return nil
	})
	return res, err
}

// claimCooldown takes the slot for c's key on behalf of alertID. It returns
// "" when the claim succeeded and the holder's alert id when the slot is
// still live.
func claimCooldown(ctx context.Context, tx *sql.Tx, c *models.AlertCandidate, alertID string, now time.Time) (string, error) {
	expires := now.Add(time.Duration(c.CooldownMinutes) * time.Minute)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO alert_cooldowns (organization_id, rule_key, target_key, alert_id, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, rule_key, target_key) DO UPDATE SET
			alert_id = EXCLUDED.alert_id,
			expires_at = EXCLUDED.expires_at
		WHERE expires_at <= ?`,
		c.OrganizationID, c.RuleKey, c.TargetKey, alertID, expires, now)
	if err != nil {
		return "", fmt.Errorf("failed to claim cooldown slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return "", nil
	}

	var holder string
	err = tx.QueryRowContext(ctx, `
		SELECT alert_id FROM alert_cooldowns
		WHERE organization_id = ? AND rule_key = ? AND target_key = ?`,
		c.OrganizationID, c.RuleKey, c.TargetKey).Scan(&holder)
	if err != nil {
		return "", fmt.Errorf("failed to read cooldown holder: %w", err)
	}
	return holder, nil
}

func bumpRepeat(ctx context.Context, tx *sql.Tx, alertID string, now time.Time) (*models.ScanAlert, error) {
	_, err := tx.ExecContext(ctx, `
		UPDATE scan_alerts SET repeat_count = repeat_count + 1, last_seen_at = ?
		WHERE id = ?`, now, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to bump repeat count: %w", err)
	}
	alert, err := scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM scan_alerts WHERE id = ?`, alertID))
	if err != nil {
		return nil, fmt.Errorf("failed to load cooldown holder: %w", err)
	}
	return alert, nil
}

// GetAlert returns one alert of the organization.
func (s *Store) GetAlert(ctx context.Context, orgID, id string) (*models.ScanAlert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM scan_alerts WHERE id = ? AND organization_id = ?`, id, orgID))
	if database.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// AlertFilter selects alerts. Zero fields do not filter.
type AlertFilter struct {
	OrganizationID string
	Statuses       []models.AlertStatus
	Severities     []models.AlertSeverity
	AlertType      string
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// ListAlerts returns a page of alerts, newest first, and the total count
// matching the filter.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.ScanAlert, int, error) {
	w := newWhere("organization_id = ?", f.OrganizationID)
	statuses := make([]string, len(f.Statuses))
	for i, v := range f.Statuses {
		statuses[i] = string(v)
	}
	severities := make([]string, len(f.Severities))
	for i, v := range f.Severities {
		severities[i] = string(v)
	}
	w.in("status", statuses)
	w.in("severity", severities)
	if f.AlertType != "" {
		w.add("alert_type = ?", f.AlertType)
	}
	w.timeRange("created_at", f.From, f.To)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_alerts`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	limit, offset := page(f.Limit, f.Offset)
	args := append(append([]interface{}{}, w.args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM scan_alerts`+w.sql()+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]*models.ScanAlert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// Stats aggregates the organization's alerts created in [from, to). Nil
// bounds are open.
func (s *Store) Stats(ctx context.Context, orgID string, from, to *time.Time) (*models.ScanAlertStats, error) {
	w := newWhere("organization_id = ?", orgID)
	w.timeRange("created_at", from, to)

	st := &models.ScanAlertStats{
		ByStatus:   make(map[models.AlertStatus]int),
		BySeverity: make(map[models.AlertSeverity]int),
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, severity, COUNT(*), COUNT(*) FILTER (WHERE is_escalated)
		FROM scan_alerts`+w.sql()+`
		GROUP BY status, severity`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status, severity string
			n, escalated     int
		)
		if err := rows.Scan(&status, &severity, &n, &escalated); err != nil {
			return nil, fmt.Errorf("failed to scan alert aggregate: %w", err)
		}
		st.Total += n
		st.ByStatus[models.AlertStatus(status)] += n
		st.BySeverity[models.AlertSeverity(severity)] += n
		st.Escalated += escalated
		if models.AlertStatus(status) == models.AlertNew {
			st.Unacknowledged += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(date_diff('millisecond', created_at, resolved_at)) / 1000.0
		FROM scan_alerts`+w.sql()+` AND status = 'resolved' AND resolved_at IS NOT NULL`, w.args...).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to average resolution time: %w", err)
	}
	st.AvgResolutionTimeSeconds = floatPtr(avg)
	return st, nil
}

// SweepCooldowns deletes cooldown slots that expired before cutoff.
func (s *Store) SweepCooldowns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_cooldowns WHERE expires_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cooldown slots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
