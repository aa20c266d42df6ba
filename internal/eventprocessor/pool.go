// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
)

// PoolConfig sizes the worker pool and its retry policy.
type PoolConfig struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
	// EventTimeout bounds one processing attempt.
	EventTimeout time.Duration `koanf:"event_timeout"`
	// RetryMaxAttempts counts the first attempt.
	RetryMaxAttempts     int           `koanf:"retry_max_attempts"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`
}

// DefaultPoolConfig returns production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:              8,
		QueueSize:            1024,
		EventTimeout:         10 * time.Second,
		RetryMaxAttempts:     5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
	}
}

// Validate checks the pool configuration.
func (c PoolConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("pipeline workers must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("pipeline queue_size must be at least 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("pipeline retry_max_attempts must be at least 1")
	}
	return nil
}

// Processor runs one event through the pipeline.
type Processor interface {
	ProcessScan(ctx context.Context, e *models.ScanEvent) (*ScanResult, error)
	ProcessReview(ctx context.Context, r *models.ReviewEvent) (*ReviewResult, error)
}

// DeadLetterSink stores events that exhausted their retries.
type DeadLetterSink interface {
	Add(ctx context.Context, job Job, cause error, attempts int) error
}

type task struct {
	job  Job
	done chan error
}

// Pool processes events on a fixed number of workers. The queue is
// bounded; Submit never blocks.
type Pool struct {
	cfg   PoolConfig
	proc  Processor
	dlq   DeadLetterSink
	queue chan task

	runMu sync.Mutex
}

// NewPool creates a pool. Zero config fields take defaults. dlq may be nil,
// in which case exhausted events are only logged.
func NewPool(cfg PoolConfig, proc Processor, dlq DeadLetterSink) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = def.EventTimeout
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = def.RetryMaxInterval
	}
	return &Pool{
		cfg:   cfg,
		proc:  proc,
		dlq:   dlq,
		queue: make(chan task, cfg.QueueSize),
	}
}

// Submit queues a job without waiting for it.
func (p *Pool) Submit(job Job) error {
	_, err := p.enqueue(job, nil)
	return err
}

// Do queues a job and waits until it was processed or dead-lettered. The
// returned error is nil when the job succeeded, was rejected as invalid or
// was dead-lettered; callers acknowledge their message in those cases.
func (p *Pool) Do(ctx context.Context, job Job) error {
	done, err := p.enqueue(job, make(chan error, 1))
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(job Job, done chan error) (chan error, error) {
	if err := job.Validate(); err != nil {
		metrics.EventsProcessed.WithLabelValues(job.Kind, "rejected").Inc()
		return nil, err
	}
	select {
	case p.queue <- task{job: job, done: done}:
		metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
		return done, nil
	default:
		metrics.PipelineQueueRejections.Inc()
		return nil, ErrQueueFull
	}
}

// RunWithContext runs the workers until ctx is canceled. Jobs still queued
// stay queued for the next run.
func (p *Pool) RunWithContext(ctx context.Context) error {
	if !p.runMu.TryLock() {
		return fmt.Errorf("pipeline pool is already running")
	}
	defer p.runMu.Unlock()

	logging.Info().Int("workers", p.cfg.Workers).Int("queue_size", p.cfg.QueueSize).Msg("Starting pipeline pool")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	logging.Info().Int("queued", len(p.queue)).Msg("Pipeline pool stopped")
	return ctx.Err()
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
			err := p.handle(ctx, t.job)
			if t.done != nil {
				t.done <- err
			}
		}
	}
}

// handle retries transient failures with exponential backoff and
// dead-letters the job once the attempts run out.
func (p *Pool) handle(ctx context.Context, job Job) error {
	start := time.Now()
	attempts := 0
	operation := func() error {
		attempts++
		err := p.Process(ctx, job)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitialInterval
	b.MaxInterval = p.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.RetryMaxAttempts-1)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		metrics.EventsProcessed.WithLabelValues(job.Kind, "retried").Inc()
		logging.Warn().Err(err).
			Str("event_id", job.EventID()).
			Int("attempt", attempts).
			Dur("retry_in", wait).
			Msg("Transient failure processing event")
	})

	switch {
	case err == nil:
		metrics.RecordEvent(job.Kind, "ok", time.Since(start))
		return nil
	case errors.Is(err, ErrInvalidEvent):
		metrics.RecordEvent(job.Kind, "rejected", time.Since(start))
		logging.Warn().Err(err).Str("event_id", job.EventID()).Msg("Rejected invalid event")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}

	metrics.RecordEvent(job.Kind, "dead_lettered", time.Since(start))
	logging.Error().Err(err).
		Str("event_id", job.EventID()).
		Str("organization_id", job.OrganizationID()).
		Int("attempts", attempts).
		Msg("Event exhausted retries; dead-lettering")
	if p.dlq == nil {
		return nil
	}
	if dlqErr := p.dlq.Add(ctx, job, err, attempts); dlqErr != nil {
		return fmt.Errorf("dead-letter event %s: %w", job.EventID(), dlqErr)
	}
	return nil
}

// Process runs one attempt for job without retries. Panics become errors.
func (p *Pool) Process(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Bytes("stack", debug.Stack()).
				Str("event_id", job.EventID()).Msg("Pipeline panic")
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.EventTimeout)
	defer cancel()
	switch job.Kind {
	case KindScan:
		_, err = p.proc.ProcessScan(attemptCtx, job.Scan)
	case KindReview:
		_, err = p.proc.ProcessReview(attemptCtx, job.Review)
	default:
		err = job.Validate()
	}
	return err
}
