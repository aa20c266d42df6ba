// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package detection

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tomtom215/scansentry/internal/models"
)

// ScanSpikeDetector compares the scan count of the trailing window with the
// hourly baseline scaled to the window length.
type ScanSpikeDetector struct {
	stats StatsReader
}

// NewScanSpikeDetector creates a spike detector reading from st.
func NewScanSpikeDetector(st StatsReader) *ScanSpikeDetector {
	return &ScanSpikeDetector{stats: st}
}

// Type returns the rule type.
func (d *ScanSpikeDetector) Type() models.RuleType { return models.RuleScanSpike }

// Check fires when count >= min_scans and count >= multiplier x expected.
// Both comparisons are inclusive.
func (d *ScanSpikeDetector) Check(ctx context.Context, in *ScanInput, rule *models.ScanAlertRule, cfg RuleConfig) ([]*models.AlertCandidate, error) {
	c := cfg.(*ScanSpikeConfig)
	t, ok := resolveTarget(in.Event, c.Scope, ScopeBatch, ScopeProduct)
	if !ok {
		return nil, nil
	}

	multiplier, windowMinutes := c.ThresholdMultiplier, c.WindowMinutes
	if multiplier <= 0 {
		multiplier = in.Prefs.ScanSpikeThreshold
	}
	if windowMinutes <= 0 {
		windowMinutes = in.Prefs.ScanSpikeWindowMinutes
	}
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	window := time.Duration(windowMinutes) * time.Minute
	at := in.Event.OccurredAt

	count, err := d.stats.WindowCount(ctx, in.Event.OrganizationID, t.statsScope(), at, window)
	if err != nil {
		return nil, err
	}
	if count < c.MinScans {
		return nil, nil
	}

	baseline, err := d.stats.BaselinePerHour(ctx, in.Event.OrganizationID, t.statsScope(), at.Add(-window))
	if err != nil {
		return nil, err
	}
	expected := baseline * window.Hours()
	threshold := multiplier * expected
	if float64(count) < threshold {
		return nil, nil
	}

	cand := newCandidate(in, rule, t)
	cand.Title = fmt.Sprintf("Scan spike on %s", t.label())
	if expected > 0 {
		cand.Body = fmt.Sprintf("%d scans in the last %d minutes, %.1fx the expected %.1f.",
			count, windowMinutes, float64(count)/expected, expected)
	} else {
		cand.Body = fmt.Sprintf("%d scans in the last %d minutes with no prior baseline.", count, windowMinutes)
	}
	cand.Metadata["window_count"] = count
	cand.Metadata["window_minutes"] = windowMinutes
	cand.Metadata["baseline_per_hour"] = math.Round(baseline*100) / 100
	cand.Metadata["threshold"] = threshold
	return []*models.AlertCandidate{cand}, nil
}
