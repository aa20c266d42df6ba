// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/models"
)

// scriptedProcessor fails each event a configured number of times.
type scriptedProcessor struct {
	mu        sync.Mutex
	failures  map[string]int
	failWith  error
	panicOn   string
	calls     map[string]int
	processed atomic.Int64
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{failures: map[string]int{}, calls: map[string]int{}}
}

func (p *scriptedProcessor) run(id string) error {
	p.mu.Lock()
	p.calls[id]++
	remaining := p.failures[id]
	if remaining > 0 {
		p.failures[id] = remaining - 1
	}
	p.mu.Unlock()

	if id == p.panicOn {
		panic("boom")
	}
	if remaining > 0 {
		return p.failWith
	}
	p.processed.Add(1)
	return nil
}

func (p *scriptedProcessor) ProcessScan(_ context.Context, e *models.ScanEvent) (*ScanResult, error) {
	return &ScanResult{EventID: e.ID}, p.run(e.ID)
}

func (p *scriptedProcessor) ProcessReview(_ context.Context, r *models.ReviewEvent) (*ReviewResult, error) {
	return &ReviewResult{EventID: r.ID}, p.run(r.ID)
}

func (p *scriptedProcessor) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type memoryDLQ struct {
	mu      sync.Mutex
	entries []Job
	causes  []error
	tries   []int
}

func (m *memoryDLQ) Add(_ context.Context, job Job, cause error, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, job)
	m.causes = append(m.causes, cause)
	m.tries = append(m.tries, attempts)
	return nil
}

func (m *memoryDLQ) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:              4,
		QueueSize:            16,
		EventTimeout:         time.Second,
		RetryMaxAttempts:     3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

func startPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.RunWithContext(ctx) }()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func scanJob(id string) Job {
	return ScanJob(&models.ScanEvent{ID: id, OrganizationID: "org-1"})
}

func TestPool_ProcessesAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	proc := newScriptedProcessor()
	pool := NewPool(testPoolConfig(), proc, &memoryDLQ{})
	stop := startPool(t, pool)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := pool.Do(ctx, scanJob(fmt.Sprintf("e%d", i))); err != nil {
				t.Errorf("Do: %v", err)
			}
		}(i)
	}
	wg.Wait()
	stop()

	if got := proc.processed.Load(); got != 12 {
		t.Errorf("processed = %d, want 12", got)
	}
}

func TestPool_RetriesTransientThenSucceeds(t *testing.T) {
	proc := newScriptedProcessor()
	proc.failWith = &TransientStoreError{Op: "record statistics", Err: errors.New("conflict")}
	proc.failures["e1"] = 2
	dlq := &memoryDLQ{}
	pool := NewPool(testPoolConfig(), proc, dlq)
	stop := startPool(t, pool)
	defer stop()

	if err := pool.Do(context.Background(), scanJob("e1")); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := proc.callCount("e1"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if dlq.len() != 0 {
		t.Errorf("dead letters = %d, want 0", dlq.len())
	}
}

func TestPool_DeadLettersAfterRetries(t *testing.T) {
	proc := newScriptedProcessor()
	proc.failWith = &TransientStoreError{Op: "create alert", Err: errors.New("database is locked")}
	proc.failures["e1"] = 100
	dlq := &memoryDLQ{}
	pool := NewPool(testPoolConfig(), proc, dlq)
	stop := startPool(t, pool)
	defer stop()

	if err := pool.Do(context.Background(), scanJob("e1")); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := proc.callCount("e1"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if dlq.len() != 1 || dlq.tries[0] != 3 || dlq.entries[0].EventID() != "e1" {
		t.Fatalf("dead letters = %+v tries %v", dlq.entries, dlq.tries)
	}
}

func TestPool_PermanentErrorsAreNotRetried(t *testing.T) {
	proc := newScriptedProcessor()
	proc.failWith = errors.New("unexpected state")
	proc.failures["e1"] = 1
	proc.panicOn = "e2"
	dlq := &memoryDLQ{}
	pool := NewPool(testPoolConfig(), proc, dlq)
	stop := startPool(t, pool)
	defer stop()

	ctx := context.Background()
	_ = pool.Do(ctx, scanJob("e1"))
	_ = pool.Do(ctx, scanJob("e2"))
	if proc.callCount("e1") != 1 || proc.callCount("e2") != 1 {
		t.Errorf("calls = %d/%d, want 1/1", proc.callCount("e1"), proc.callCount("e2"))
	}
	if dlq.len() != 2 {
		t.Fatalf("dead letters = %d, want 2", dlq.len())
	}
}

func TestPool_RejectsInvalidJob(t *testing.T) {
	pool := NewPool(testPoolConfig(), newScriptedProcessor(), &memoryDLQ{})
	if err := pool.Submit(Job{Kind: KindScan}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Submit = %v, want ErrInvalidEvent", err)
	}
	if err := pool.Submit(Job{Kind: "click"}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Submit unknown kind = %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	proc := newScriptedProcessor()
	cfg := testPoolConfig()
	cfg.QueueSize = 2
	pool := NewPool(cfg, proc, &memoryDLQ{})

	// Not running: the queue fills and further submissions are refused.
	for i := 0; i < 2; i++ {
		if err := pool.Submit(scanJob(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := pool.Submit(scanJob("e2")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit = %v, want ErrQueueFull", err)
	}
	if err := pool.Do(context.Background(), scanJob("e3")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Do = %v, want ErrQueueFull", err)
	}

	// Queued jobs run once the pool starts.
	stop := startPool(t, pool)
	defer stop()
	deadline := time.Now().Add(2 * time.Second)
	for proc.processed.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if proc.processed.Load() != 2 {
		t.Errorf("processed = %d, want 2", proc.processed.Load())
	}
}

func TestPool_RunTwiceConcurrentlyFails(t *testing.T) {
	pool := NewPool(testPoolConfig(), newScriptedProcessor(), nil)
	stop := startPool(t, pool)
	defer stop()

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := pool.RunWithContext(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second RunWithContext = %v, want already running", err)
	}
}

func TestDLQStore_AddListReprocess(t *testing.T) {
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	store := NewDLQStore(db, DLQConfig{MaxReprocess: 2})
	if err := store.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}

	if err := store.Add(ctx, scanJob("ok"), &TransientStoreError{Op: "x", Err: context.DeadlineExceeded}, 5); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(ctx, ReviewJob(&models.ReviewEvent{ID: "bad", OrganizationID: "org-1", Rating: 1}),
		errors.New("database is locked"), 5); err != nil {
		t.Fatal(err)
	}

	entries, err := store.List(ctx, DLQPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	byEvent := map[string]*DLQEntry{}
	for _, e := range entries {
		byEvent[e.EventID] = e
	}
	if byEvent["ok"].Category != "timeout" || byEvent["bad"].Category != "database" {
		t.Errorf("categories = %s / %s", byEvent["ok"].Category, byEvent["bad"].Category)
	}
	if byEvent["bad"].Job.Review == nil || byEvent["bad"].Job.Review.Rating != 1 {
		t.Errorf("review payload lost: %+v", byEvent["bad"].Job)
	}

	replay := func(_ context.Context, job Job) error {
		if job.EventID() == "bad" {
			return errors.New("still failing")
		}
		return nil
	}
	res, err := store.Reprocess(ctx, replay)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Errorf("first reprocess = %+v", res)
	}
	res, _ = store.Reprocess(ctx, replay)
	if res.Attempted != 1 || res.Abandoned != 1 {
		t.Errorf("second reprocess = %+v, want the failing entry abandoned", res)
	}

	if n, _ := store.Count(ctx, DLQPending); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if n, _ := store.Count(ctx, DLQReprocessed); n != 1 {
		t.Errorf("reprocessed = %d, want 1", n)
	}

	purged, err := store.Purge(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want both settled entries", purged)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"store error", &TransientStoreError{Op: "x", Err: errors.New("y")}, true},
		{"wrapped store error", fmt.Errorf("outer: %w", &TransientStoreError{Op: "x", Err: errors.New("y")}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"invalid event", ErrInvalidEvent, false},
		{"configuration", &ConfigurationError{Subject: "rule", ID: "r1", Err: errors.New("bad")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
