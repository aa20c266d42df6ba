// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
)

// ErrNotFound is returned for unknown inbox notifications.
var ErrNotFound = errors.New("notification not found")

// Delivery statuses.
const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusDeferred = "deferred"
)

// Delivery is one ledger row: a hand-off to a channel, or the deferral of
// an alert into the digest queue.
type Delivery struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organization_id"`
	AlertID         *string   `json:"alert_id,omitempty"`
	DigestID        *string   `json:"digest_id,omitempty"`
	Channel         string    `json:"channel"`
	Recipient       string    `json:"recipient"`
	Status          string    `json:"status"`
	Error           *string   `json:"error,omitempty"`
	EscalationLevel int       `json:"escalation_level"`
	CreatedAt       time.Time `json:"created_at"`
}

// DigestEntry is an alert held back during quiet hours.
type DigestEntry struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organization_id"`
	AlertID        string               `json:"alert_id"`
	AlertType      string               `json:"alert_type"`
	Severity       models.AlertSeverity `json:"severity"`
	Title          string               `json:"title"`
	QueuedAt       time.Time            `json:"queued_at"`
}

// InAppNotification is an inbox row written by the in-app channel.
type InAppNotification struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	Recipient      string                 `json:"recipient"`
	AlertID        *string                `json:"alert_id,omitempty"`
	Severity       string                 `json:"severity"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Link           *string                `json:"link,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	ReadAt         *time.Time             `json:"read_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Store persists the delivery ledger, the digest queue and the in-app inbox.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a notification store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// InitSchema creates the notification tables.
func (s *Store) InitSchema(ctx context.Context) error {
	return database.ExecSchema(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS notification_deliveries (
			id VARCHAR PRIMARY KEY,
			organization_id VARCHAR NOT NULL,
			alert_id VARCHAR,
			digest_id VARCHAR,
			channel VARCHAR NOT NULL,
			recipient VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			error VARCHAR,
			escalation_level INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_alert ON notification_deliveries(alert_id)`,
		`CREATE TABLE IF NOT EXISTS digest_queue (
			id VARCHAR PRIMARY KEY,
			organization_id VARCHAR NOT NULL,
			alert_id VARCHAR NOT NULL UNIQUE,
			alert_type VARCHAR NOT NULL,
			severity VARCHAR NOT NULL,
			title VARCHAR NOT NULL,
			queued_at TIMESTAMP NOT NULL,
			sent_at TIMESTAMP,
			digest_id VARCHAR
		)`,
		`CREATE INDEX IF NOT EXISTS idx_digest_pending ON digest_queue(organization_id, sent_at)`,
		`CREATE TABLE IF NOT EXISTS in_app_notifications (
			id VARCHAR PRIMARY KEY,
			organization_id VARCHAR NOT NULL,
			recipient VARCHAR NOT NULL,
			alert_id VARCHAR,
			severity VARCHAR NOT NULL,
			title VARCHAR NOT NULL,
			message VARCHAR NOT NULL,
			link VARCHAR,
			data VARCHAR,
			read_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_in_app_recipient ON in_app_notifications(organization_id, recipient, created_at)`,
	})
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// RecordDelivery appends a ledger row.
func (s *Store) RecordDelivery(ctx context.Context, d *Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_deliveries
			(id, organization_id, alert_id, digest_id, channel, recipient, status, error, escalation_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrganizationID, nullable(d.AlertID), nullable(d.DigestID), d.Channel, d.Recipient,
		d.Status, nullable(d.Error), d.EscalationLevel, d.CreatedAt)
	metrics.RecordDBQuery("insert", "notification_deliveries", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// Deliveries returns the ledger of one alert, oldest first. Digest
// deliveries that carried the alert are included.
func (s *Store) Deliveries(ctx context.Context, orgID, alertID string) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, alert_id, digest_id, channel, recipient, status, error, escalation_level, created_at
		FROM notification_deliveries
		WHERE organization_id = ? AND (alert_id = ? OR digest_id IN (
			SELECT digest_id FROM digest_queue WHERE alert_id = ? AND digest_id IS NOT NULL))
		ORDER BY created_at, id`, orgID, alertID, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]*Delivery, 0)
	for rows.Next() {
		var (
			d                     Delivery
			alert, digest, errMsg sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.OrganizationID, &alert, &digest, &d.Channel, &d.Recipient,
			&d.Status, &errMsg, &d.EscalationLevel, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.AlertID, d.DigestID, d.Error = stringPtr(alert), stringPtr(digest), stringPtr(errMsg)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Enqueue adds an alert to the digest queue. Queueing the same alert twice
// is a no-op; queued reports whether a row was added.
func (s *Store) Enqueue(ctx context.Context, e *DigestEntry) (queued bool, err error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO digest_queue (id, organization_id, alert_id, alert_type, severity, title, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_id) DO NOTHING`,
		e.ID, e.OrganizationID, e.AlertID, e.AlertType, string(e.Severity), e.Title, e.QueuedAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue digest entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// PendingOrganizations lists organizations with unsent digest entries.
func (s *Store) PendingOrganizations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT organization_id FROM digest_queue WHERE sent_at IS NULL ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending digests: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

// PendingDigest returns unsent entries of the organization queued at or
// before cutoff, oldest first.
func (s *Store) PendingDigest(ctx context.Context, orgID string, cutoff time.Time) ([]*DigestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, alert_id, alert_type, severity, title, queued_at
		FROM digest_queue
		WHERE organization_id = ? AND sent_at IS NULL AND queued_at <= ?
		ORDER BY queued_at, id`, orgID, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load digest entries: %w", err)
	}
	defer rows.Close()

	var out []*DigestEntry
	for rows.Next() {
		var (
			e        DigestEntry
			severity string
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.AlertID, &e.AlertType, &severity, &e.Title, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan digest entry: %w", err)
		}
		e.Severity = models.AlertSeverity(severity)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkDigestSent stamps entries as sent in digest digestID.
func (s *Store) MarkDigestSent(ctx context.Context, entryIDs []string, digestID string, at time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(entryIDs)), ", ")
	args := make([]interface{}, 0, len(entryIDs)+2)
	args = append(args, at.UTC(), digestID)
	for _, id := range entryIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE digest_queue SET sent_at = ?, digest_id = ?
		WHERE sent_at IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark digest sent: %w", err)
	}
	return nil
}

// CreateNotification stores an inbox row.
func (s *Store) CreateNotification(ctx context.Context, n *InAppNotification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	var data interface{}
	if len(n.Data) > 0 {
		raw, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("failed to encode notification data: %w", err)
		}
		data = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO in_app_notifications
			(id, organization_id, recipient, alert_id, severity, title, message, link, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.OrganizationID, n.Recipient, nullable(n.AlertID), n.Severity, n.Title, n.Message,
		nullable(n.Link), data, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store in-app notification: %w", err)
	}
	return nil
}

// ListNotifications returns a recipient's inbox, newest first.
func (s *Store) ListNotifications(ctx context.Context, orgID, recipient string, unreadOnly bool, limit int) ([]*InAppNotification, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT id, organization_id, recipient, alert_id, severity, title, message, link, data, read_at, created_at
		FROM in_app_notifications
		WHERE organization_id = ? AND recipient = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, orgID, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]*InAppNotification, 0)
	for rows.Next() {
		var (
			n                 InAppNotification
			alert, link, data sql.NullString
			readAt            sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.OrganizationID, &n.Recipient, &alert, &n.Severity, &n.Title,
			&n.Message, &link, &data, &readAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.AlertID, n.Link = stringPtr(alert), stringPtr(link)
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &n.Data); err != nil {
				return nil, fmt.Errorf("failed to decode notification data: %w", err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkRead marks one inbox row read. Marking twice keeps the first time.
func (s *Store) MarkRead(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE in_app_notifications SET read_at = COALESCE(read_at, ?)
		WHERE id = ? AND organization_id = ?`, s.now().UTC(), id, orgID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
