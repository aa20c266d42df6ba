// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package escalation periodically re-notifies alerts that nobody picked up.
//
// Each sweep lists open alerts, applies the rule's escalate_after_minutes
// (or the organization's critical auto-escalation delay) measured from the
// last escalation, and advances the level with a conditional update. Two
// overlapping sweeps therefore escalate a given level once. Escalations are
// dispatched immediately, ignoring quiet hours.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tomtom215/scansentry/internal/lifecycle"
	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/notify"
	"github.com/tomtom215/scansentry/internal/orgconfig"
)

// Config controls the escalation policy.
type Config struct {
	Interval time.Duration `koanf:"interval"`
	// IncludeAcknowledged keeps escalating acknowledged alerts until they
	// are investigated or closed.
	IncludeAcknowledged bool `koanf:"include_acknowledged"`
	// MaxLevel caps the number of escalations per alert.
	MaxLevel int `koanf:"max_level"`
	// LevelChannels[i] is added to the rule's channels at level i+1; the
	// last entry applies to all higher levels.
	LevelChannels [][]string `koanf:"level_channels"`
	BatchSize     int        `koanf:"batch_size"`
}

// DefaultConfig returns the default policy: only new alerts escalate, up
// to three times, widening from push to push plus email.
func DefaultConfig() Config {
	return Config{
		Interval:      2 * time.Minute,
		MaxLevel:      3,
		LevelChannels: [][]string{{notify.ChannelPush}, {notify.ChannelPush, notify.ChannelEmail}},
		BatchSize:     500,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("escalation interval must be positive")
	}
	if c.MaxLevel < 1 {
		return fmt.Errorf("escalation max_level must be at least 1")
	}
	return nil
}

// AlertStore is the lifecycle surface the scheduler needs.
type AlertStore interface {
	EscalationCandidates(ctx context.Context, statuses []models.AlertStatus, maxLevel int, notAfter time.Time, limit int) ([]*models.ScanAlert, error)
	Escalate(ctx context.Context, a *models.ScanAlert, expectedLevel int, statuses []models.AlertStatus, at time.Time) (*models.ScanAlert, bool, error)
}

// ConfigSource supplies rules and preferences.
type ConfigSource interface {
	Rule(ctx context.Context, orgID, id string) (*models.ScanAlertRule, error)
	Preferences(ctx context.Context, orgID string) (*models.OrganizationAlertPreferences, error)
}

// Notifier dispatches escalations.
type Notifier interface {
	DispatchEscalation(ctx context.Context, alert *models.ScanAlert, rule *models.ScanAlertRule, prefs *models.OrganizationAlertPreferences, level int, channels []string) (*notify.Report, error)
}

// Scheduler runs escalation sweeps.
type Scheduler struct {
	cfg      Config
	alerts   AlertStore
	config   ConfigSource
	notifier Notifier
	now      func() time.Time
}

// NewScheduler creates a scheduler. Zero config fields take defaults.
func NewScheduler(cfg Config, alerts AlertStore, config ConfigSource, notifier Notifier) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = def.MaxLevel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Scheduler{cfg: cfg, alerts: alerts, config: config, notifier: notifier, now: time.Now}
}

// RunWithContext sweeps on every tick until ctx is canceled.
func (s *Scheduler) RunWithContext(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.cfg.Interval).
		Bool("include_acknowledged", s.cfg.IncludeAcknowledged).
		Int("max_level", s.cfg.MaxLevel).
		Msg("Starting escalation scheduler")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("Escalation sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweepState caches configuration reads for one sweep.
type sweepState struct {
	rules map[string]*models.ScanAlertRule
	prefs map[string]*models.OrganizationAlertPreferences
}

// Sweep escalates every due alert once and returns how many escalated.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.EscalationSweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now().UTC()
	statuses := lifecycle.EscalationStatuses(s.cfg.IncludeAcknowledged)
	// escalate_after_minutes is at least one minute, so younger alerts are
	// never due.
	candidates, err := s.alerts.EscalationCandidates(ctx, statuses, s.cfg.MaxLevel, now.Add(-time.Minute), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	st := &sweepState{
		rules: make(map[string]*models.ScanAlertRule),
		prefs: make(map[string]*models.OrganizationAlertPreferences),
	}
	escalated := 0
	for _, alert := range candidates {
		if ctx.Err() != nil {
			return escalated, ctx.Err()
		}
		ok, err := s.escalateOne(ctx, st, alert, statuses, now)
		if err != nil {
			logging.Error().Err(err).Str("alert_id", alert.ID).Msg("Escalation failed")
			continue
		}
		if ok {
			escalated++
		}
	}
	if escalated > 0 {
		logging.Info().Int("escalated", escalated).Int("candidates", len(candidates)).Msg("Escalation sweep complete")
	}
	return escalated, nil
}

func (s *Scheduler) escalateOne(ctx context.Context, st *sweepState, alert *models.ScanAlert, statuses []models.AlertStatus, now time.Time) (bool, error) {
	prefs, err := s.preferences(ctx, st, alert.OrganizationID)
	if err != nil {
		return false, err
	}
	rule, err := s.rule(ctx, st, alert)
	if err != nil {
		return false, err
	}

	delay, ok := Delay(alert, rule, prefs)
	if !ok {
		return false, nil
	}
	base := alert.CreatedAt
	if alert.EscalatedAt != nil {
		base = *alert.EscalatedAt
	}
	if now.Sub(base) < delay {
		return false, nil
	}

	// The same instant that made the alert due becomes escalated_at, so the
	// next level is measured on one clock.
	updated, ok, err := s.alerts.Escalate(ctx, alert, alert.EscalationLevel, statuses, now)
	if err != nil || !ok {
		return false, err
	}
	level := updated.EscalationLevel
	metrics.Escalations.WithLabelValues(strconv.Itoa(level)).Inc()

	channels := s.channelsFor(level, rule, prefs)
	report, err := s.notifier.DispatchEscalation(ctx, updated, rule, prefs, level, channels)
	if err != nil {
		// The level advanced; the next level retries notification.
		logging.Warn().Err(err).Str("alert_id", alert.ID).Int("level", level).Msg("Escalation dispatch failed")
		return true, nil
	}
	logging.Info().
		Str("alert_id", alert.ID).
		Str("organization_id", alert.OrganizationID).
		Int("level", level).
		Int("deliveries", len(report.Deliveries)).
		Int("failed", len(report.Failed())).
		Msg("Alert escalated")
	return true, nil
}

// Delay returns how long after creation (or the previous escalation) the
// alert escalates. ok is false when neither the rule nor the organization's
// critical auto-escalation applies.
func Delay(alert *models.ScanAlert, rule *models.ScanAlertRule, prefs *models.OrganizationAlertPreferences) (time.Duration, bool) {
	if rule != nil && rule.EscalateAfterMinutes != nil && *rule.EscalateAfterMinutes > 0 {
		return time.Duration(*rule.EscalateAfterMinutes) * time.Minute, true
	}
	if prefs != nil && prefs.AutoEscalateCritical && alert.Severity == models.SeverityCritical && prefs.EscalationDelayMinutes > 0 {
		return time.Duration(prefs.EscalationDelayMinutes) * time.Minute, true
	}
	return 0, false
}

func (s *Scheduler) channelsFor(level int, rule *models.ScanAlertRule, prefs *models.OrganizationAlertPreferences) []string {
	base := notify.ResolveChannels(rule, prefs)
	if len(s.cfg.LevelChannels) == 0 || level < 1 {
		return base
	}
	idx := level - 1
	if idx >= len(s.cfg.LevelChannels) {
		idx = len(s.cfg.LevelChannels) - 1
	}
	out := append([]string(nil), base...)
	for _, ch := range s.cfg.LevelChannels[idx] {
		dup := false
		for _, have := range out {
			if have == ch {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ch)
		}
	}
	return out
}

func (s *Scheduler) preferences(ctx context.Context, st *sweepState, orgID string) (*models.OrganizationAlertPreferences, error) {
	if p, ok := st.prefs[orgID]; ok {
		return p, nil
	}
	p, err := s.config.Preferences(ctx, orgID)
	if err != nil {
		return nil, err
	}
	st.prefs[orgID] = p
	return p, nil
}

func (s *Scheduler) rule(ctx context.Context, st *sweepState, alert *models.ScanAlert) (*models.ScanAlertRule, error) {
	if alert.RuleID == nil {
		return nil, nil
	}
	key := alert.OrganizationID + "|" + *alert.RuleID
	if r, ok := st.rules[key]; ok {
		return r, nil
	}
	r, err := s.config.Rule(ctx, alert.OrganizationID, *alert.RuleID)
	if errors.Is(err, orgconfig.ErrNotFound) {
		r, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.rules[key] = r
	return r, nil
}
