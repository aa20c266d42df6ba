// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package stats

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/models"
)

var testNow = time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, DefaultConfig())
	s.now = func() time.Time { return testNow }
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return s
}

func scan(id string, at time.Time, opts ...func(*models.ScanEvent)) *models.ScanEvent {
	e := &models.ScanEvent{ID: id, OrganizationID: "org-1", OccurredAt: at}
	for _, o := range opts {
		o(e)
	}
	return e
}

func withBatch(b string) func(*models.ScanEvent) {
	return func(e *models.ScanEvent) { e.BatchID = models.StringPtr(b) }
}

func withProduct(p string) func(*models.ScanEvent) {
	return func(e *models.ScanEvent) { e.ProductID = models.StringPtr(p) }
}

func withPlace(country, city string) func(*models.ScanEvent) {
	return func(e *models.ScanEvent) {
		e.Country = models.StringPtr(country)
		e.City = models.StringPtr(city)
	}
}

func withVisitor(v string) func(*models.ScanEvent) {
	return func(e *models.ScanEvent) { e.VisitorID = models.StringPtr(v) }
}

func TestRecordTotalsAndIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Record(ctx, scan("e1", testNow, withBatch("b1"), withProduct("p1")))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if first.Duplicate {
		t.Error("first recording reported as duplicate")
	}
	if first.Org != (Totals{Before: 0, After: 1}) {
		t.Errorf("org totals = %+v", first.Org)
	}
	if first.Batch == nil || first.Batch.Before != 0 || first.Product == nil || first.Product.After != 1 {
		t.Errorf("scope totals = batch %+v product %+v", first.Batch, first.Product)
	}

	second, err := s.Record(ctx, scan("e2", testNow, withBatch("b1")))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if second.Batch.Before != 1 || second.Batch.After != 2 || second.Product != nil {
		t.Errorf("second totals = batch %+v product %+v", second.Batch, second.Product)
	}

	replay, err := s.Record(ctx, scan("e1", testNow, withBatch("b1"), withProduct("p1")))
	if err != nil {
		t.Fatalf("Record replay: %v", err)
	}
	if !replay.Duplicate {
		t.Error("replay not reported as duplicate")
	}
	if replay.Org != first.Org || *replay.Batch != *first.Batch {
		t.Errorf("replay totals = %+v, want first recording %+v", replay.Org, first.Org)
	}

	n, err := s.WindowCount(ctx, "org-1", OrgScope, testNow, time.Hour)
	if err != nil {
		t.Fatalf("WindowCount: %v", err)
	}
	if n != 2 {
		t.Errorf("window count = %d, want 2 after replay", n)
	}
}

func TestRecordRequiresIdentity(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Record(context.Background(), &models.ScanEvent{OrganizationID: "org-1"}); err == nil {
		t.Error("expected error for event without id")
	}
}

func TestRecordConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Record(ctx, scan(fmt.Sprintf("c%d", i), testNow, withBatch("b1")))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Record: %v", err)
		}
	}

	got, err := s.GetStatistics(ctx, Query{
		OrganizationID: "org-1",
		Scope:          BatchScope("b1"),
		BucketType:     models.BucketHour,
		From:           testNow.Add(-time.Hour),
		To:             testNow.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if len(got) != 1 || got[0].ScanCount != n {
		t.Fatalf("statistics = %+v, want one bucket with %d scans", got, n)
	}
}

func TestWindowCountScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []*models.ScanEvent{
		scan("a", testNow.Add(-10*time.Minute), withProduct("p1")),
		scan("b", testNow.Add(-50*time.Minute), withProduct("p1"), withBatch("b1")),
		scan("c", testNow.Add(-61*time.Minute), withProduct("p1")),
		scan("d", testNow.Add(-5*time.Minute), withProduct("p2")),
	}
	for _, e := range events {
		if _, err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s): %v", e.ID, err)
		}
	}

	tests := []struct {
		name  string
		scope Scope
		want  int64
	}{
		{"org", OrgScope, 3},
		{"product", ProductScope("p1"), 2},
		{"batch", BatchScope("b1"), 1},
		{"unknown batch", BatchScope("zz"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.WindowCount(ctx, "org-1", tt.scope, testNow, time.Hour)
			if err != nil {
				t.Fatalf("WindowCount: %v", err)
			}
			if got != tt.want {
				t.Errorf("WindowCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBaselinePerHour(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Four full hours of history at 20, 20, 10, 30 scans starting 4h before
	// the current hour.
	current := testNow.Truncate(time.Hour)
	perHour := []int{20, 20, 10, 30}
	id := 0
	for i, count := range perHour {
		hourStart := current.Add(time.Duration(i-len(perHour)) * time.Hour)
		for j := 0; j < count; j++ {
			id++
			if _, err := s.Record(ctx, scan(fmt.Sprintf("h%d", id), hourStart.Add(time.Duration(j)*time.Second))); err != nil {
				t.Fatalf("Record: %v", err)
			}
		}
	}

	got, err := s.BaselinePerHour(ctx, "org-1", OrgScope, testNow)
	if err != nil {
		t.Fatalf("BaselinePerHour: %v", err)
	}
	if math.Abs(got-20) > 1e-9 {
		t.Errorf("baseline = %v, want 20", got)
	}

	none, err := s.BaselinePerHour(ctx, "org-2", OrgScope, testNow)
	if err != nil {
		t.Fatalf("BaselinePerHour: %v", err)
	}
	if none != 0 {
		t.Errorf("baseline without history = %v, want 0", none)
	}
}

func TestBatchHourActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	places := []struct{ country, city string }{
		{"US", "Austin"}, {"US", "Austin"}, {"DE", "Berlin"}, {"FR", "Paris"},
	}
	for i, p := range places {
		e := scan(fmt.Sprintf("p%d", i), testNow.Add(-time.Duration(i)*time.Minute), withBatch("b1"), withPlace(p.country, p.city))
		if _, err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if _, err := s.Record(ctx, scan("old", testNow.Add(-2*time.Hour), withBatch("b1"), withPlace("JP", "Tokyo"))); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.BatchHourActivity(ctx, "org-1", "b1", testNow)
	if err != nil {
		t.Fatalf("BatchHourActivity: %v", err)
	}
	if got.Scans != 4 || got.DistinctLocations != 3 {
		t.Errorf("activity = %+v, want 4 scans across 3 locations", got)
	}
}

func TestGetStatisticsMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := testNow.Add(-20 * time.Minute)
	events := []*models.ScanEvent{
		scan("1", at, withPlace("us", "Austin"), withVisitor("v1")),
		scan("2", at, withPlace("US", "Dallas"), withVisitor("v1")),
		scan("3", at, withPlace("DE", "Berlin"), withVisitor("v2")),
		scan("4", at, withVisitor("v3")),
	}
	events[3].IsSuspicious = true
	for _, e := range events {
		if _, err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.GetStatistics(ctx, Query{
		OrganizationID: "org-1",
		BucketType:     models.BucketHour,
		From:           testNow.Add(-time.Hour),
		To:             testNow.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d buckets, want 1", len(got))
	}
	b := got[0]
	if b.ScanCount != 4 || b.SuspiciousCount != 1 {
		t.Errorf("counts = %d/%d, want 4/1", b.ScanCount, b.SuspiciousCount)
	}
	if b.UniqueUsers != 3 {
		t.Errorf("unique users = %d, want 3", b.UniqueUsers)
	}
	if b.UniqueLocations != 3 {
		t.Errorf("unique locations = %d, want 3", b.UniqueLocations)
	}
	if len(b.TopCountries) != 2 || b.TopCountries[0] != (models.CountEntry{Value: "US", Count: 2}) {
		t.Errorf("top countries = %+v", b.TopCountries)
	}
	if len(b.TopCities) != 3 {
		t.Errorf("top cities = %+v", b.TopCities)
	}
	// Open bucket: 30 minutes elapsed, clamped to one hour.
	if b.AvgScansPerHour == nil || *b.AvgScansPerHour != 4 {
		t.Errorf("avg per hour = %v, want 4", b.AvgScansPerHour)
	}
	if b.DeviationFromNormal != nil {
		t.Errorf("deviation = %v, want nil without baseline", *b.DeviationFromNormal)
	}
}

func TestGetStatisticsRejectsBucketType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetStatistics(context.Background(), Query{OrganizationID: "org-1", BucketType: "month"})
	if err == nil {
		t.Error("expected error for invalid bucket type")
	}
}

func TestFillRates(t *testing.T) {
	start := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	st := &models.ScanStatistics{BucketType: models.BucketDay, BucketStart: start, ScanCount: 48}
	fillRates(st, testNow, 1)
	if *st.AvgScansPerHour != 2 {
		t.Errorf("avg = %v, want 2", *st.AvgScansPerHour)
	}
	if *st.DeviationFromNormal != 1 {
		t.Errorf("deviation = %v, want 1", *st.DeviationFromNormal)
	}
}

func TestSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Record(ctx, scan("old", testNow.Add(-100*24*time.Hour), withBatch("b1"), withPlace("US", "Austin"))); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := s.Record(ctx, scan("new", testNow, withBatch("b1"))); err != nil {
		t.Fatalf("Record: %v", err)
	}

	res, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if res.EventLog != 1 {
		t.Errorf("event log rows removed = %d, want 1", res.EventLog)
	}
	if res.Buckets == 0 || res.Members == 0 {
		t.Errorf("sweep result = %+v, want buckets and members removed", res)
	}

	snap, err := s.Record(ctx, scan("later", testNow, withBatch("b1")))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if snap.Batch.Before != 2 {
		t.Errorf("batch total before = %d, want 2 (totals survive retention)", snap.Batch.Before)
	}
}
