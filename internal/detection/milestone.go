// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package detection

import (
	"context"
	"fmt"
	"sort"

	"github.com/tomtom215/scansentry/internal/models"
)

// MilestoneDetector fires once for every configured milestone the cumulative
// count crosses with this scan.
type MilestoneDetector struct{}

// Type returns the rule type.
func (MilestoneDetector) Type() models.RuleType { return models.RuleMilestone }

// Check fires for each milestone m with before < m <= after. Each milestone
// is its own cooldown target.
func (MilestoneDetector) Check(_ context.Context, in *ScanInput, rule *models.ScanAlertRule, cfg RuleConfig) ([]*models.AlertCandidate, error) {
	c := cfg.(*MilestoneConfig)
	t, ok := resolveTarget(in.Event, c.Scope, ScopeProduct, ScopeBatch)
	if !ok {
		return nil, nil
	}
	totals := totalsFor(in.Snapshot, t.kind)
	if totals == nil {
		return nil, nil
	}

	milestones := append([]int64(nil), c.Milestones...)
	sort.Slice(milestones, func(i, j int) bool { return milestones[i] < milestones[j] })

	var out []*models.AlertCandidate
	var last int64
	for _, m := range milestones {
		if m == last || m <= totals.Before || m > totals.After {
			continue
		}
		last = m
		cand := newCandidate(in, rule, t)
		cand.TargetKey = fmt.Sprintf("%s:m%d", t.key(), m)
		cand.Title = fmt.Sprintf("%s reached %d scans", t.label(), m)
		cand.Body = fmt.Sprintf("%s has now been scanned %d times.", t.label(), totals.After)
		cand.Metadata["milestone"] = m
		cand.Metadata["total_scans"] = totals.After
		out = append(out, cand)
	}
	return out, nil
}
