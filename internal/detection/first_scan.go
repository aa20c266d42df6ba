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

// FirstScanDetector fires on the first scan ever recorded for a batch, or
// for a product when notify_for_each_batch is off.
type FirstScanDetector struct{}

// Type returns the rule type.
func (FirstScanDetector) Type() models.RuleType { return models.RuleFirstScan }

// Check evaluates the cumulative totals captured before this scan.
func (FirstScanDetector) Check(_ context.Context, in *ScanInput, rule *models.ScanAlertRule, cfg RuleConfig) ([]*models.AlertCandidate, error) {
	c := cfg.(*FirstScanConfig)

	var t target
	if c.NotifyForEachBatch {
		batch := models.StringValue(in.Event.BatchID)
		if batch == "" {
			return nil, nil
		}
		t = target{ScopeBatch, batch}
	} else {
		t, _ = resolveTarget(in.Event, "", ScopeProduct)
	}

	totals := totalsFor(in.Snapshot, t.kind)
	if totals == nil || totals.Before != 0 {
		return nil, nil
	}

	cand := newCandidate(in, rule, t)
	cand.Title = fmt.Sprintf("First scan of %s", t.label())
	cand.Body = fmt.Sprintf("The first scan of %s was recorded at %s.", t.label(), in.Event.OccurredAt.UTC().Format("2006-01-02 15:04 MST"))
	return []*models.AlertCandidate{cand}, nil
}
