// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package maintenance runs scheduled housekeeping: statistics retention,
// expired cooldown slots, settled dead letters and DuckDB checkpoints.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/stats"
)

// Config controls the retention job.
type Config struct {
	// Schedule is a standard five-field cron expression, evaluated in UTC.
	Schedule string `koanf:"schedule"`
	// CooldownGrace keeps expired cooldown slots this long before deletion.
	CooldownGrace time.Duration `koanf:"cooldown_grace"`
	// DeadLetterRetention is how long settled dead letters are kept.
	DeadLetterRetention time.Duration `koanf:"dead_letter_retention"`
	// StopTimeout bounds waiting for a running job on shutdown.
	StopTimeout time.Duration `koanf:"stop_timeout"`
}

// DefaultConfig runs nightly at 03:00 UTC.
func DefaultConfig() Config {
	return Config{
		Schedule:            "0 3 * * *",
		CooldownGrace:       24 * time.Hour,
		DeadLetterRetention: 30 * 24 * time.Hour,
		StopTimeout:         30 * time.Second,
	}
}

// Validate checks the schedule expression and durations.
func (c Config) Validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", c.Schedule, err)
	}
	if c.CooldownGrace < 0 || c.DeadLetterRetention < 0 {
		return fmt.Errorf("retention durations must not be negative")
	}
	return nil
}

// StatsSweeper removes expired statistics rows.
type StatsSweeper interface {
	SweepExpired(ctx context.Context) (stats.SweepResult, error)
}

// CooldownSweeper removes expired alert cooldown slots.
type CooldownSweeper interface {
	SweepCooldowns(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetterPurger removes settled dead letters.
type DeadLetterPurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report counts what one run removed.
type Report struct {
	EventLog    int64
	Buckets     int64
	Members     int64
	Cooldowns   int64
	DeadLetters int64
}

// Retention runs the housekeeping job on a cron schedule.
type Retention struct {
	cfg        Config
	stats      StatsSweeper
	cooldowns  CooldownSweeper
	dlq        DeadLetterPurger
	checkpoint func(ctx context.Context) error
	now        func() time.Time

	// running serializes manual and scheduled runs.
	running sync.Mutex
}

// NewRetention creates the job. dlq and checkpoint may be nil.
func NewRetention(cfg Config, st StatsSweeper, cooldowns CooldownSweeper, dlq DeadLetterPurger, checkpoint func(ctx context.Context) error) (*Retention, error) {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil || cooldowns == nil {
		return nil, fmt.Errorf("retention requires statistics and cooldown stores")
	}
	return &Retention{
		cfg:        cfg,
		stats:      st,
		cooldowns:  cooldowns,
		dlq:        dlq,
		checkpoint: checkpoint,
		now:        time.Now,
	}, nil
}

// RunWithContext schedules the job and blocks until ctx is cancelled,
// then waits up to StopTimeout for a running job to finish.
func (r *Retention) RunWithContext(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	entryID, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("Retention run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}

	c.Start()
	logging.Info().
		Str("schedule", r.cfg.Schedule).
		Time("next_run", c.Entry(entryID).Next).
		Msg("Retention job scheduled")

	<-ctx.Done()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(r.cfg.StopTimeout):
		logging.Warn().Dur("timeout", r.cfg.StopTimeout).Msg("Retention job still running at shutdown")
	}
	return ctx.Err()
}

// RunOnce performs one housekeeping pass. A failing step is logged and the
// remaining steps still run; the first error is returned.
func (r *Retention) RunOnce(ctx context.Context) (Report, error) {
	r.running.Lock()
	defer r.running.Unlock()

	var (
		report   Report
		firstErr error
	)
	fail := func(step string, err error) {
		logging.Error().Err(err).Str("step", step).Msg("Retention step failed")
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", step, err)
		}
	}
	now := r.now()
	start := time.Now()

	if res, err := r.stats.SweepExpired(ctx); err != nil {
		fail("statistics", err)
	} else {
		report.EventLog, report.Buckets, report.Members = res.EventLog, res.Buckets, res.Members
	}

	if n, err := r.cooldowns.SweepCooldowns(ctx, now.Add(-r.cfg.CooldownGrace)); err != nil {
		fail("cooldowns", err)
	} else {
		report.Cooldowns = n
	}

	if r.dlq != nil && r.cfg.DeadLetterRetention > 0 {
		if n, err := r.dlq.Purge(ctx, now.Add(-r.cfg.DeadLetterRetention)); err != nil {
			fail("dead_letters", err)
		} else {
			report.DeadLetters = n
		}
	}

	if r.checkpoint != nil {
		if err := r.checkpoint(ctx); err != nil {
			fail("checkpoint", err)
		}
	}

	metrics.RetentionRowsDeleted.WithLabelValues("scan_event_log").Add(float64(report.EventLog))
	metrics.RetentionRowsDeleted.WithLabelValues("scan_statistics").Add(float64(report.Buckets))
	metrics.RetentionRowsDeleted.WithLabelValues("scan_statistics_members").Add(float64(report.Members))
	metrics.RetentionRowsDeleted.WithLabelValues("alert_cooldowns").Add(float64(report.Cooldowns))
	metrics.RetentionRowsDeleted.WithLabelValues("dead_letters").Add(float64(report.DeadLetters))

	logging.Info().
		Int64("event_log", report.EventLog).
		Int64("buckets", report.Buckets).
		Int64("members", report.Members).
		Int64("cooldowns", report.Cooldowns).
		Int64("dead_letters", report.DeadLetters).
		Dur("duration", time.Since(start)).
		Msg("Retention run complete")
	return report, firstErr
}
