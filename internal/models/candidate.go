// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package models

// AlertCandidate is a fired rule condition awaiting cooldown dedup. It
// becomes a ScanAlert only if it wins the cooldown slot for
// (OrganizationID, RuleKey, TargetKey).
type AlertCandidate struct {
	OrganizationID string
	// Rule is nil for alerts promoted from geographic anomalies.
	Rule *ScanAlertRule
	// RuleKey is the rule ID, or the alert type when there is no rule.
	RuleKey string
	// TargetKey names the batch, product or organization the alert is about.
	TargetKey string
	// SourceEventID is the scan or review that produced the candidate.
	SourceEventID string

	AlertType       string
	Severity        AlertSeverity
	BatchID         *string
	ProductID       *string
	ScanEventID     *string
	Title           string
	Body            string
	Metadata        map[string]interface{}
	CooldownMinutes int
}

// DedupKey identifies the candidate across retries of the same source event.
func (c *AlertCandidate) DedupKey() string {
	return c.SourceEventID + "|" + c.RuleKey + "|" + c.TargetKey
}

// RuleID returns the rule ID or nil.
func (c *AlertCandidate) RuleID() *string {
	if c.Rule == nil {
		return nil
	}
	return StringPtr(c.Rule.ID)
}
