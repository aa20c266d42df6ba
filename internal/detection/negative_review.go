// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package detection

import (
	"fmt"

	"github.com/tomtom215/scansentry/internal/models"
)

// CheckNegativeReview evaluates a negative_review rule against a review.
// Reviews arrive on their own stream, so this is not a ScanDetector.
func CheckNegativeReview(r *models.ReviewEvent, rule *models.ScanAlertRule, cfg *NegativeReviewConfig) *models.AlertCandidate {
	if r.Rating > cfg.MinRatingThreshold {
		return nil
	}
	if !r.HasText && !cfg.IncludeNoText {
		return nil
	}

	t := target{kind: ScopeOrganization}
	if p := models.StringValue(r.ProductID); p != "" {
		t = target{ScopeProduct, p}
	} else if b := models.StringValue(r.BatchID); b != "" {
		t = target{ScopeBatch, b}
	}

	severity := DefaultSeverity(rule.RuleType)
	if rule.Severity != nil {
		severity = *rule.Severity
	}
	return &models.AlertCandidate{
		OrganizationID:  r.OrganizationID,
		Rule:            rule,
		RuleKey:         rule.ID,
		TargetKey:       t.key(),
		SourceEventID:   "review:" + r.ID,
		AlertType:       string(rule.RuleType),
		Severity:        severity,
		BatchID:         r.BatchID,
		ProductID:       r.ProductID,
		CooldownMinutes: rule.CooldownMinutes,
		Title:           fmt.Sprintf("Negative review on %s", t.label()),
		Body:            fmt.Sprintf("A %d-star review was posted for %s.", r.Rating, t.label()),
		Metadata: map[string]interface{}{
			"rule_id":     rule.ID,
			"rule_name":   rule.Name,
			"review_id":   r.ID,
			"rating":      r.Rating,
			"has_text":    r.HasText,
			"occurred_at": r.OccurredAt.UTC(),
		},
	}
}
