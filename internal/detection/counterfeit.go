// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package detection

import (
	"context"
	"fmt"

	"github.com/tomtom215/scansentry/internal/models"
)

// CounterfeitPatternDetector flags a batch scanned too often from too many
// places within one hour, the fingerprint of a cloned code.
type CounterfeitPatternDetector struct {
	stats StatsReader
}

// NewCounterfeitPatternDetector creates the detector reading from st.
func NewCounterfeitPatternDetector(st StatsReader) *CounterfeitPatternDetector {
	return &CounterfeitPatternDetector{stats: st}
}

// Type returns the rule type.
func (d *CounterfeitPatternDetector) Type() models.RuleType { return models.RuleCounterfeitPattern }

// Check requires scans > max_scans_per_hour and distinct locations >=
// geographic_spread_threshold in the hour ending at the scan. Scans without
// a batch are skipped.
func (d *CounterfeitPatternDetector) Check(ctx context.Context, in *ScanInput, rule *models.ScanAlertRule, cfg RuleConfig) ([]*models.AlertCandidate, error) {
	c := cfg.(*CounterfeitPatternConfig)
	batch := models.StringValue(in.Event.BatchID)
	if batch == "" {
		return nil, nil
	}

	activity, err := d.stats.BatchHourActivity(ctx, in.Event.OrganizationID, batch, in.Event.OccurredAt)
	if err != nil {
		return nil, err
	}
	if activity.Scans <= c.MaxScansPerHour || activity.DistinctLocations < c.GeographicSpreadThreshold {
		return nil, nil
	}

	t := target{ScopeBatch, batch}
	cand := newCandidate(in, rule, t)
	cand.Title = fmt.Sprintf("Possible counterfeit: batch %s", batch)
	cand.Body = fmt.Sprintf("Batch %s was scanned %d times from %d distinct locations in the last hour.",
		batch, activity.Scans, activity.DistinctLocations)
	cand.Metadata["scans_last_hour"] = activity.Scans
	cand.Metadata["distinct_locations"] = activity.DistinctLocations
	cand.Metadata["max_scans_per_hour"] = c.MaxScansPerHour
	cand.Metadata["geographic_spread_threshold"] = c.GeographicSpreadThreshold
	return []*models.AlertCandidate{cand}, nil
}
