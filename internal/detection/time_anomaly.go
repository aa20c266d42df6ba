// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/scansentry/internal/models"
)

// TimeAnomalyDetector fires when a scan's local hour is outside the expected
// window.
type TimeAnomalyDetector struct{}

// Type returns the rule type.
func (TimeAnomalyDetector) Type() models.RuleType { return models.RuleTimeAnomaly }

// Check evaluates the scan hour in the rule timezone, falling back to the
// organization timezone and then UTC.
func (TimeAnomalyDetector) Check(_ context.Context, in *ScanInput, rule *models.ScanAlertRule, cfg RuleConfig) ([]*models.AlertCandidate, error) {
	c := cfg.(*TimeAnomalyConfig)

	loc := in.Prefs.Location()
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidConfig, c.Timezone)
		}
		loc = l
	}

	local := in.Event.OccurredAt.In(loc)
	if c.expected(local.Hour()) {
		return nil, nil
	}
	t, ok := resolveTarget(in.Event, c.Scope, ScopeProduct, ScopeBatch)
	if !ok {
		return nil, nil
	}

	cand := newCandidate(in, rule, t)
	cand.Title = fmt.Sprintf("Scan outside expected hours on %s", t.label())
	cand.Body = fmt.Sprintf("Scanned at %s, outside %02d:00-%02d:59 %s.",
		local.Format("15:04"), c.ExpectedHoursStart, c.ExpectedHoursEnd, loc.String())
	cand.Metadata["local_hour"] = local.Hour()
	cand.Metadata["timezone"] = loc.String()
	return []*models.AlertCandidate{cand}, nil
}
