// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomtom215/scansentry/internal/database"
)

// SweepResult counts rows removed by a retention sweep.
type SweepResult struct {
	EventLog int64
	Buckets  int64
	Members  int64
}

// Total returns the number of rows removed.
func (r SweepResult) Total() int64 { return r.EventLog + r.Buckets + r.Members }

// Sweep deletes event log rows and buckets older than cutoff. Cumulative
// totals are kept so milestones never refire.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	cutoff = cutoff.UTC()
	var res SweepResult
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res = SweepResult{}
		var err error
		if res.EventLog, err = execCount(ctx, tx,
			`DELETE FROM scan_event_log WHERE occurred_at < ?`, cutoff); err != nil {
			return err
		}
		if res.Members, err = execCount(ctx, tx,
			`DELETE FROM scan_statistics_members WHERE bucket_start < ?`, cutoff); err != nil {
			return err
		}
		if res.Buckets, err = execCount(ctx, tx,
			`DELETE FROM scan_statistics WHERE bucket_start < ?`, cutoff); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("statistics retention sweep failed: %w", err)
	}
	return res, nil
}

// SweepExpired applies the configured retention relative to now.
func (s *Store) SweepExpired(ctx context.Context) (SweepResult, error) {
	return s.Sweep(ctx, s.now().Add(-s.cfg.Retention))
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute %q: %w", query, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
