// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package orgconfig

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/validation"
)

// preferenceFields carries the validation tags for the preference fields
// that have a format.
type preferenceFields struct {
	QuietHoursStart        *string  `json:"quiet_hours_start" validate:"omitempty,hhmm"`
	QuietHoursEnd          *string  `json:"quiet_hours_end" validate:"omitempty,hhmm"`
	QuietHoursTimezone     *string  `json:"quiet_hours_timezone" validate:"omitempty,timezone"`
	DigestTime             *string  `json:"digest_time" validate:"omitempty,hhmm"`
	DefaultChannels        []string `json:"default_channels" validate:"dive,channel"`
	EscalationDelayMinutes int      `json:"escalation_delay_minutes" validate:"gte=0"`
	ScanSpikeThreshold     float64  `json:"scan_spike_threshold" validate:"gte=0"`
	ScanSpikeWindowMinutes int      `json:"scan_spike_window_minutes" validate:"gte=0,lte=10080"`
}

func validatePreferences(p *models.OrganizationAlertPreferences) error {
	if p.OrganizationID == "" {
		return invalid("preferences require an organization")
	}
	if (p.QuietHoursStart == nil) != (p.QuietHoursEnd == nil) {
		return invalid("quiet_hours_start and quiet_hours_end must be set together")
	}
	err := validation.Validate(&preferenceFields{
		QuietHoursStart:        p.QuietHoursStart,
		QuietHoursEnd:          p.QuietHoursEnd,
		QuietHoursTimezone:     p.QuietHoursTimezone,
		DigestTime:             p.DigestTime,
		DefaultChannels:        p.DefaultChannels,
		EscalationDelayMinutes: p.EscalationDelayMinutes,
		ScanSpikeThreshold:     p.ScanSpikeThreshold,
		ScanSpikeWindowMinutes: p.ScanSpikeWindowMinutes,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Preferences returns the organization's preferences, or the defaults when
// none were saved.
func (s *Store) Preferences(ctx context.Context, orgID string) (*models.OrganizationAlertPreferences, error) {
	if cached, ok := s.cache.Get(prefsKey(orgID)); ok {
		return cached.(*models.OrganizationAlertPreferences), nil
	}

	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM alert_preferences WHERE organization_id = ?`, orgID).Scan(&doc)
	var p *models.OrganizationAlertPreferences
	switch {
	case database.IsNoRows(err):
		p = models.DefaultPreferences(orgID)
	case err != nil:
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	default:
		p = models.DefaultPreferences(orgID)
		if err := json.Unmarshal([]byte(doc), p); err != nil {
			return nil, fmt.Errorf("failed to decode preferences: %w", err)
		}
		p.OrganizationID = orgID
	}
	s.cache.SetDefault(prefsKey(orgID), p)
	return p, nil
}

// PutPreferences validates and stores the organization's preferences.
func (s *Store) PutPreferences(ctx context.Context, p *models.OrganizationAlertPreferences) (*models.OrganizationAlertPreferences, error) {
	if err := validatePreferences(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = s.now().UTC()
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_preferences (organization_id, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		p.OrganizationID, string(raw), p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save preferences: %w", err)
	}
	s.cache.Delete(prefsKey(p.OrganizationID))
	return p, nil
}
