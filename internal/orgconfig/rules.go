// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package orgconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/detection"
	"github.com/tomtom215/scansentry/internal/models"
)

const ruleColumns = `id, organization_id, rule_type, name, is_enabled, priority, config, channels,
	cooldown_minutes, escalate_after_minutes, escalate_to_user_ids, severity, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.ScanAlertRule, error) {
	var (
		r                           models.ScanAlertRule
		ruleType                    string
		config, channels, escalates sql.NullString
		severity                    sql.NullString
		escalateAfter               sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.OrganizationID, &ruleType, &r.Name, &r.IsEnabled, &r.Priority, &config, &channels,
		&r.CooldownMinutes, &escalateAfter, &escalates, &severity, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.RuleType = models.RuleType(ruleType)
	if config.Valid && config.String != "" {
		r.Config = json.RawMessage(config.String)
	}
	if err := decodeList(channels, &r.Channels); err != nil {
		return nil, fmt.Errorf("rule %s channels: %w", r.ID, err)
	}
	if err := decodeList(escalates, &r.EscalateToUserIDs); err != nil {
		return nil, fmt.Errorf("rule %s escalation targets: %w", r.ID, err)
	}
	if escalateAfter.Valid {
		v := int(escalateAfter.Int64)
		r.EscalateAfterMinutes = &v
	}
	if severity.Valid && severity.String != "" {
		sev := models.AlertSeverity(severity.String)
		r.Severity = &sev
	}
	return &r, nil
}

func decodeList(ns sql.NullString, dst *[]string) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func encodeList(v []string) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Rules returns every rule of the organization, enabled or not, in
// evaluation order.
func (s *Store) Rules(ctx context.Context, orgID string) ([]*models.ScanAlertRule, error) {
	if cached, ok := s.cache.Get(rulesKey(orgID)); ok {
		return cached.([]*models.ScanAlertRule), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE organization_id = ?`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	out := make([]*models.ScanAlertRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out = detection.SortRules(out)
	s.cache.SetDefault(rulesKey(orgID), out)
	return out, nil
}

// EnabledRules returns the enabled rules in evaluation order.
func (s *Store) EnabledRules(ctx context.Context, orgID string) ([]*models.ScanAlertRule, error) {
	all, err := s.Rules(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ScanAlertRule, 0, len(all))
	for _, r := range all {
		if r.IsEnabled {
			out = append(out, r)
		}
	}
	return out, nil
}

// Rule returns one rule.
func (s *Store) Rule(ctx context.Context, orgID, id string) (*models.ScanAlertRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = ? AND organization_id = ?`, id, orgID))
	if database.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

func validateRule(r *models.ScanAlertRule) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.OrganizationID == "" {
		return invalid("rule requires an organization")
	}
	if r.Name == "" {
		return invalid("rule requires a name")
	}
	if err := detection.ValidateRule(r); err != nil {
		if errors.Is(err, detection.ErrInvalidConfig) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return err
	}
	return nil
}

// CreateRule validates and inserts a rule, assigning an id when empty.
func (s *Store) CreateRule(ctx context.Context, r *models.ScanAlertRule) (*models.ScanAlertRule, error) {
	if err := validateRule(r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if err := s.writeRule(ctx, r, true); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, invalid("rule %s already exists", r.ID)
		}
		return nil, err
	}
	return r, nil
}

// UpdateRule replaces an existing rule.
func (s *Store) UpdateRule(ctx context.Context, r *models.ScanAlertRule) (*models.ScanAlertRule, error) {
	existing, err := s.Rule(ctx, r.OrganizationID, r.ID)
	if err != nil {
		return nil, err
	}
	if err := validateRule(r); err != nil {
		return nil, err
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.now().UTC()
	if err := s.writeRule(ctx, r, false); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) writeRule(ctx context.Context, r *models.ScanAlertRule, insert bool) error {
	channels, err := encodeList(r.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}
	escalates, err := encodeList(r.EscalateToUserIDs)
	if err != nil {
		return fmt.Errorf("failed to encode escalation targets: %w", err)
	}
	var config, severity, escalateAfter interface{}
	if len(r.Config) > 0 {
		config = string(r.Config)
	}
	if r.Severity != nil {
		severity = string(*r.Severity)
	}
	if r.EscalateAfterMinutes != nil {
		escalateAfter = *r.EscalateAfterMinutes
	}

	if insert {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO alert_rules (`+ruleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.OrganizationID, string(r.RuleType), r.Name, r.IsEnabled, r.Priority, config, channels,
			r.CooldownMinutes, escalateAfter, escalates, severity, r.CreatedAt, r.UpdatedAt)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE alert_rules SET rule_type = ?, name = ?, is_enabled = ?, priority = ?, config = ?,
				channels = ?, cooldown_minutes = ?, escalate_after_minutes = ?, escalate_to_user_ids = ?,
				severity = ?, updated_at = ?
			WHERE id = ? AND organization_id = ?`,
			string(r.RuleType), r.Name, r.IsEnabled, r.Priority, config, channels, r.CooldownMinutes,
			escalateAfter, escalates, severity, r.UpdatedAt, r.ID, r.OrganizationID)
	}
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	s.cache.Delete(rulesKey(r.OrganizationID))
	return nil
}

// DeleteRule removes a rule. Alerts it produced keep their rule_id.
func (s *Store) DeleteRule(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ? AND organization_id = ?`, id, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	s.cache.Delete(rulesKey(orgID))
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
