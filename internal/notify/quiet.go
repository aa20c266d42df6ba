// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"fmt"
	"time"

	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/validation"
)

// QuietHours is a daily window in the organization's timezone. A window
// whose start is after its end spans midnight.
type QuietHours struct {
	start, end int
	loc        *time.Location
}

// ParseClock converts "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	if !validation.IsHHMM(s) {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return int(s[0]-'0')*600 + int(s[1]-'0')*60 + int(s[3]-'0')*10 + int(s[4]-'0'), nil
}

// QuietHoursFor returns the configured window, or nil when quiet hours are
// unset or empty (start equal to end).
func QuietHoursFor(p *models.OrganizationAlertPreferences) (*QuietHours, error) {
	if p == nil || p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return nil, nil
	}
	start, err := ParseClock(*p.QuietHoursStart)
	if err != nil {
		return nil, err
	}
	end, err := ParseClock(*p.QuietHoursEnd)
	if err != nil {
		return nil, err
	}
	if start == end {
		return nil, nil
	}
	return &QuietHours{start: start, end: end, loc: p.Location()}, nil
}

// Contains reports whether t falls inside the window. The start minute is
// inside, the end minute is not.
func (q *QuietHours) Contains(t time.Time) bool {
	if q == nil {
		return false
	}
	local := t.In(q.loc)
	m := local.Hour()*60 + local.Minute()
	if q.start < q.end {
		return m >= q.start && m < q.end
	}
	return m >= q.start || m < q.end
}

// latestDigestInstant returns the most recent occurrence of the daily
// digest time at or before now.
func latestDigestInstant(clock int, loc *time.Location, now time.Time) time.Time {
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), clock/60, clock%60, 0, 0, loc)
	if at.After(local) {
		at = time.Date(local.Year(), local.Month(), local.Day()-1, clock/60, clock%60, 0, 0, loc)
	}
	return at.UTC()
}
