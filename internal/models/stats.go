// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package models

import "time"

// BucketType is the width of a statistics bucket.
type BucketType string

const (
	BucketHour BucketType = "hour"
	BucketDay  BucketType = "day"
	BucketWeek BucketType = "week"
)

// AllBucketTypes lists every maintained bucket width.
var AllBucketTypes = []BucketType{BucketHour, BucketDay, BucketWeek}

// Valid reports whether b is a maintained bucket width.
func (b BucketType) Valid() bool {
	return b == BucketHour || b == BucketDay || b == BucketWeek
}

// Duration returns the bucket width.
func (b BucketType) Duration() time.Duration {
	switch b {
	case BucketDay:
		return 24 * time.Hour
	case BucketWeek:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Start truncates t (in UTC) to the start of its bucket. Weeks start on Monday.
func (b BucketType) Start(t time.Time) time.Time {
	t = t.UTC()
	switch b {
	case BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case BucketWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return t.Truncate(time.Hour)
	}
}

// CountEntry is one row of a top-N list.
type CountEntry struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// ScanStatistics is one aggregated bucket for an organization, optionally
// narrowed to a product or batch. Empty ProductID/BatchID mean "all".
type ScanStatistics struct {
	OrganizationID      string       `json:"organization_id"`
	ProductID           *string      `json:"product_id,omitempty"`
	BatchID             *string      `json:"batch_id,omitempty"`
	BucketType          BucketType   `json:"bucket_type"`
	BucketStart         time.Time    `json:"bucket_start"`
	ScanCount           int64        `json:"scan_count"`
	UniqueUsers         int64        `json:"unique_users"`
	UniqueLocations     int64        `json:"unique_locations"`
	SuspiciousCount     int64        `json:"suspicious_count"`
	TopCountries        []CountEntry `json:"top_countries"`
	TopCities           []CountEntry `json:"top_cities"`
	AvgScansPerHour     *float64     `json:"avg_scans_per_hour,omitempty"`
	DeviationFromNormal *float64     `json:"deviation_from_normal,omitempty"`
}
