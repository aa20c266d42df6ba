// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package stats

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/models"
)

// scopeFilter returns the WHERE fragment and args narrowing a query on the
// event log to scope.
func scopeFilter(scope Scope) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if scope.ProductID != "" {
		clauses = append(clauses, "product_id = ?")
		args = append(args, scope.ProductID)
	}
	if scope.BatchID != "" {
		clauses = append(clauses, "batch_id = ?")
		args = append(args, scope.BatchID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// WindowCount returns the number of scans in scope with occurred_at in
// (to-window, to].
func (s *Store) WindowCount(ctx context.Context, orgID string, scope Scope, to time.Time, window time.Duration) (int64, error) {
	filter, fargs := scopeFilter(scope)
	args := append([]interface{}{orgID, to.Add(-window).UTC(), to.UTC()}, fargs...)

	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scan_event_log
		WHERE organization_id = ? AND occurred_at > ? AND occurred_at <= ?`+filter, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count scan window: %w", err)
	}
	return n, nil
}

// BaselinePerHour returns the average hourly scan rate in scope over the
// configured lookback ending at before. Hours before the scope's first scan
// are not counted, so a young batch is not diluted by empty history.
// Returns 0 when there is no history.
func (s *Store) BaselinePerHour(ctx context.Context, orgID string, scope Scope, before time.Time) (float64, error) {
	end := before.UTC().Truncate(time.Hour)
	start := end.Add(-s.cfg.BaselineLookback)

	var firstScan sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT first_scan_at FROM scan_totals
		WHERE organization_id = ? AND product_id = ? AND batch_id = ?`,
		orgID, scope.ProductID, scope.BatchID).Scan(&firstScan)
	if database.IsNoRows(err) || (err == nil && !firstScan.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read first scan: %w", err)
	}

	from := start
	if first := firstScan.Time.UTC().Truncate(time.Hour); first.After(from) {
		from = first
	}
	if !end.After(from) {
		return 0, nil
	}

	var sum sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT SUM(scan_count) FROM scan_statistics
		WHERE organization_id = ? AND product_id = ? AND batch_id = ?
		  AND bucket_type = 'hour' AND bucket_start >= ? AND bucket_start < ?`,
		orgID, scope.ProductID, scope.BatchID, from, end).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum baseline buckets: %w", err)
	}

	hours := math.Max(1, end.Sub(from).Hours())
	return float64(sum.Int64) / hours, nil
}

// HourActivity is a batch's scan count and distinct locations over one hour.
type HourActivity struct {
	Scans             int64
	DistinctLocations int64
}

// BatchHourActivity returns activity for a batch in (at-1h, at].
func (s *Store) BatchHourActivity(ctx context.Context, orgID, batchID string, at time.Time) (HourActivity, error) {
	var a HourActivity
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT location_key) FILTER (WHERE location_key <> '')
		FROM scan_event_log
		WHERE organization_id = ? AND batch_id = ? AND occurred_at > ? AND occurred_at <= ?`,
		orgID, batchID, at.Add(-time.Hour).UTC(), at.UTC()).Scan(&a.Scans, &a.DistinctLocations)
	if err != nil {
		return HourActivity{}, fmt.Errorf("failed to read batch activity: %w", err)
	}
	return a, nil
}

// Query selects statistics buckets.
type Query struct {
	OrganizationID string
	Scope          Scope
	BucketType     models.BucketType
	From           time.Time
	To             time.Time
}

// GetStatistics returns buckets in [From, To) ordered by bucket_start, with
// member-derived fields and derived rates filled in.
func (s *Store) GetStatistics(ctx context.Context, q Query) ([]*models.ScanStatistics, error) {
	if !q.BucketType.Valid() {
		return nil, fmt.Errorf("invalid bucket type %q", q.BucketType)
	}
	if q.To.IsZero() {
		q.To = s.now()
	}
	if q.From.IsZero() {
		q.From = q.To.Add(-24 * q.BucketType.Duration())
	}
	from := q.BucketType.Start(q.From)
	to := q.To.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_start, scan_count, suspicious_count
		FROM scan_statistics
		WHERE organization_id = ? AND product_id = ? AND batch_id = ? AND bucket_type = ?
		  AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start`,
		q.OrganizationID, q.Scope.ProductID, q.Scope.BatchID, string(q.BucketType), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var out []*models.ScanStatistics
	index := make(map[time.Time]*models.ScanStatistics)
	for rows.Next() {
		st := &models.ScanStatistics{
			OrganizationID: q.OrganizationID,
			ProductID:      models.StringPtr(q.Scope.ProductID),
			BatchID:        models.StringPtr(q.Scope.BatchID),
			BucketType:     q.BucketType,
			TopCountries:   []models.CountEntry{},
			TopCities:      []models.CountEntry{},
		}
		if err := rows.Scan(&st.BucketStart, &st.ScanCount, &st.SuspiciousCount); err != nil {
			return nil, fmt.Errorf("failed to scan statistics row: %w", err)
		}
		st.BucketStart = st.BucketStart.UTC()
		out = append(out, st)
		index[st.BucketStart] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate statistics: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	if err := s.fillMembers(ctx, q, from, to, index); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	baseline, err := s.BaselinePerHour(ctx, q.OrganizationID, q.Scope, now)
	if err != nil {
		return nil, err
	}
	for _, st := range out {
		fillRates(st, now, baseline)
	}
	return out, nil
}

func (s *Store) fillMembers(ctx context.Context, q Query, from, to time.Time, index map[time.Time]*models.ScanStatistics) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_start, kind, COUNT(*) AS members
		FROM scan_statistics_members
		WHERE organization_id = ? AND product_id = ? AND batch_id = ? AND bucket_type = ?
		  AND bucket_start >= ? AND bucket_start < ? AND kind IN ('visitor', 'location')
		GROUP BY bucket_start, kind`,
		q.OrganizationID, q.Scope.ProductID, q.Scope.BatchID, string(q.BucketType), from, to)
	if err != nil {
		return fmt.Errorf("failed to count bucket members: %w", err)
	}
	for rows.Next() {
		var (
			start time.Time
			kind  string
			n     int64
		)
		if err := rows.Scan(&start, &kind, &n); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan member count: %w", err)
		}
		st, ok := index[start.UTC()]
		if !ok {
			continue
		}
		switch kind {
		case memberVisitor:
			st.UniqueUsers = n
		case memberLocation:
			st.UniqueLocations = n
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate member counts: %w", err)
	}
	rows.Close()

	top, err := s.db.QueryContext(ctx, `
		SELECT bucket_start, kind, member, hits FROM (
			SELECT bucket_start, kind, member, hits,
				ROW_NUMBER() OVER (PARTITION BY bucket_start, kind ORDER BY hits DESC, member) AS rn
			FROM scan_statistics_members
			WHERE organization_id = ? AND product_id = ? AND batch_id = ? AND bucket_type = ?
			  AND bucket_start >= ? AND bucket_start < ? AND kind IN ('country', 'city')
		) WHERE rn <= ?
		ORDER BY bucket_start, kind, rn`,
		q.OrganizationID, q.Scope.ProductID, q.Scope.BatchID, string(q.BucketType), from, to, s.cfg.TopN)
	if err != nil {
		return fmt.Errorf("failed to query top members: %w", err)
	}
	defer top.Close()
	for top.Next() {
		var (
			start        time.Time
			kind, member string
			hits         int64
		)
		if err := top.Scan(&start, &kind, &member, &hits); err != nil {
			return fmt.Errorf("failed to scan top member: %w", err)
		}
		st, ok := index[start.UTC()]
		if !ok {
			continue
		}
		entry := models.CountEntry{Value: member, Count: hits}
		if kind == memberCountry {
			st.TopCountries = append(st.TopCountries, entry)
		} else {
			st.TopCities = append(st.TopCities, entry)
		}
	}
	return top.Err()
}

// fillRates derives avg_scans_per_hour from the bucket's elapsed hours and
// deviation_from_normal against baseline. Deviation is left nil without a
// baseline.
func fillRates(st *models.ScanStatistics, now time.Time, baseline float64) {
	hours := st.BucketType.Duration().Hours()
	if end := st.BucketStart.Add(st.BucketType.Duration()); now.Before(end) {
		hours = math.Max(1, now.Sub(st.BucketStart).Hours())
	}
	avg := float64(st.ScanCount) / hours
	st.AvgScansPerHour = &avg
	if baseline > 0 {
		dev := avg/baseline - 1
		st.DeviationFromNormal = &dev
	}
}
