// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
)

// PreferenceSource supplies organization preferences.
type PreferenceSource interface {
	Preferences(ctx context.Context, orgID string) (*models.OrganizationAlertPreferences, error)
}

// DigestConfig configures the sweeper.
type DigestConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// DigestSweeper periodically sends the deferred alerts of each
// organization as a single digest.
//
// With send_daily_digest and digest_time set, entries queued before the
// latest digest time are sent, once per day. Otherwise the queue is
// flushed at the first sweep outside quiet hours.
type DigestSweeper struct {
	dispatcher *Dispatcher
	prefs      PreferenceSource
	interval   time.Duration
	now        func() time.Time
}

// NewDigestSweeper creates a sweeper.
func NewDigestSweeper(d *Dispatcher, prefs PreferenceSource, cfg DigestConfig) *DigestSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &DigestSweeper{dispatcher: d, prefs: prefs, interval: cfg.Interval, now: time.Now}
}

// RunWithContext sweeps on every tick until ctx is canceled.
func (s *DigestSweeper) RunWithContext(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("Digest sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep sends every due digest and returns how many were sent.
func (s *DigestSweeper) Sweep(ctx context.Context) (int, error) {
	orgs, err := s.dispatcher.store.PendingOrganizations(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	sent := 0
	for _, org := range orgs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.sweepOrg(ctx, org, now)
		if err != nil {
			logging.Error().Err(err).Str("organization_id", org).Msg("Digest failed")
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *DigestSweeper) sweepOrg(ctx context.Context, orgID string, now time.Time) (bool, error) {
	prefs, err := s.prefs.Preferences(ctx, orgID)
	if err != nil {
		return false, err
	}
	cutoff, due := digestCutoff(prefs, now)
	if !due {
		return false, nil
	}
	entries, err := s.dispatcher.store.PendingDigest(ctx, orgID, cutoff)
	if err != nil || len(entries) == 0 {
		return false, err
	}

	digestID := uuid.NewString()
	payload, err := s.dispatcher.renderer.RenderDigest(orgID, entries)
	if err != nil {
		return false, err
	}
	payload.Metadata["digest_id"] = digestID

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	// Marked before sending: a digest goes out at most once.
	if err := s.dispatcher.store.MarkDigestSent(ctx, ids, digestID, now); err != nil {
		return false, err
	}
	if prefs.AlertsEnabled {
		s.dispatcher.deliver(ctx, payload, ResolveChannels(nil, prefs), []string{OrgRecipient(orgID)})
	}
	metrics.DigestsSent.Inc()
	logging.Info().Str("organization_id", orgID).Int("alerts", len(entries)).Msg("Digest sent")
	return true, nil
}

// digestCutoff decides whether the organization's digest is due at now and
// which queued entries it covers.
func digestCutoff(p *models.OrganizationAlertPreferences, now time.Time) (time.Time, bool) {
	if p.SendDailyDigest && p.DigestTime != nil {
		if clock, err := ParseClock(*p.DigestTime); err == nil {
			return latestDigestInstant(clock, p.Location(), now), true
		}
	}
	quiet, _ := QuietHoursFor(p)
	if quiet.Contains(now) {
		return time.Time{}, false
	}
	return now, true
}
