// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package geo

import (
	"context"
	"fmt"
	"math"

	"github.com/tomtom215/scansentry/internal/models"
)

// SeverityTiers are the upper bounds (exclusive) of the low, medium and high
// anomaly buckets. Anything at or beyond HighKm is critical.
type SeverityTiers struct {
	LowKm    float64 `koanf:"low_km"`
	MediumKm float64 `koanf:"medium_km"`
	HighKm   float64 `koanf:"high_km"`
}

// DefaultSeverityTiers returns the 50 / 200 / 1000 km tiers.
func DefaultSeverityTiers() SeverityTiers {
	return SeverityTiers{LowKm: 50, MediumKm: 200, HighKm: 1000}
}

// Validate checks the tiers are positive and strictly increasing.
func (t SeverityTiers) Validate() error {
	if t.LowKm <= 0 || t.MediumKm <= t.LowKm || t.HighKm <= t.MediumKm {
		return fmt.Errorf("severity tiers must satisfy 0 < low (%.1f) < medium (%.1f) < high (%.1f)",
			t.LowKm, t.MediumKm, t.HighKm)
	}
	return nil
}

// Severity maps a distance outside the nearest region to a bucket.
func (t SeverityTiers) Severity(distanceKm float64) models.AnomalySeverity {
	switch {
	case distanceKm < t.LowKm:
		return models.AnomalyLow
	case distanceKm < t.MediumKm:
		return models.AnomalyMedium
	case distanceKm < t.HighKm:
		return models.AnomalyHigh
	default:
		return models.AnomalyCritical
	}
}

// Verdict is the outcome of matching one point against a region set.
type Verdict struct {
	// Matched is true when some region contains the point.
	Matched bool
	// NearestDistanceKm is the distance to the nearest region boundary
	// (0 when matched); nil when no region could be evaluated.
	NearestDistanceKm *float64
	// RegionCode is the containing region, or the nearest one when unmatched.
	RegionCode string
}

// Match tests p against regions. With no regions the verdict is unmatched
// with a nil distance; callers decide what that means.
func Match(p Point, regions []Region) Verdict {
	var (
		v       Verdict
		nearest = math.Inf(1)
	)
	for _, r := range regions {
		if r.Contains(p) {
			zero := 0.0
			return Verdict{Matched: true, NearestDistanceKm: &zero, RegionCode: r.Code()}
		}
		if d := r.DistanceKm(p); d < nearest {
			nearest = d
			v.RegionCode = r.Code()
		}
	}
	if !math.IsInf(nearest, 1) {
		v.NearestDistanceKm = &nearest
	}
	return v
}

// Assessment is the matcher's decision for one scan.
type Assessment struct {
	Verdict Verdict
	// Anomalous is true when a GeographicAnomaly must be recorded.
	Anomalous bool
	Severity  models.AnomalySeverity
	// UnknownLocation is set for scans without usable coordinates.
	UnknownLocation bool
	// NoRegions is set when the organization has no usable regions.
	NoRegions bool
	// Skipped lists regions that failed to compile.
	Skipped []error
}

// Matcher applies the severity policy on top of Match.
type Matcher struct {
	tiers                SeverityTiers
	unconfiguredSeverity models.AnomalySeverity
}

// NewMatcher creates a matcher. unconfigured is the severity used when an
// organization requires regions but has none.
func NewMatcher(tiers SeverityTiers, unconfigured models.AnomalySeverity) *Matcher {
	if tiers.Validate() != nil {
		tiers = DefaultSeverityTiers()
	}
	if !unconfigured.Valid() {
		unconfigured = models.AnomalyMedium
	}
	return &Matcher{tiers: tiers, unconfiguredSeverity: unconfigured}
}

// Tiers returns the active severity tiers.
func (m *Matcher) Tiers() SeverityTiers { return m.tiers }

// Assess evaluates a scan against stored regions.
//
// Policy:
//   - unknown location never yields an anomaly
//   - no regions yields no anomaly unless requireRegions is set
//   - malformed regions are skipped and reported in Skipped; if every
//     region was malformed the result is indeterminate (no anomaly)
func (m *Matcher) Assess(ctx context.Context, event *models.ScanEvent, stored []models.AuthorizedRegion, requireRegions bool) (Assessment, error) {
	var a Assessment
	if !event.HasLocation() {
		a.UnknownLocation = true
		return a, nil
	}

	regions := make([]Region, 0, len(stored))
	for i := range stored {
		if err := ctx.Err(); err != nil {
			return a, err
		}
		r, err := NewRegion(&stored[i])
		if err != nil {
			a.Skipped = append(a.Skipped, err)
			continue
		}
		regions = append(regions, r)
	}

	if len(regions) == 0 {
		a.NoRegions = true
		if len(stored) == 0 && requireRegions {
			a.Anomalous = true
			a.Severity = m.unconfiguredSeverity
		}
		return a, nil
	}

	if err := ctx.Err(); err != nil {
		return a, err
	}
	a.Verdict = Match(Point{Lat: *event.Latitude, Lng: *event.Longitude}, regions)
	if !a.Verdict.Matched && a.Verdict.NearestDistanceKm != nil {
		a.Anomalous = true
		a.Severity = m.tiers.Severity(*a.Verdict.NearestDistanceKm)
	}
	return a, nil
}
