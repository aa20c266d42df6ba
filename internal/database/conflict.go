// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsConflict reports whether err is a DuckDB optimistic-concurrency conflict.
// Conflicts are expected when concurrent transactions upsert the same row and
// are safe to retry.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "Conflict on tuple deletion") ||
		strings.Contains(msg, "write-write conflict")
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate key") ||
		strings.Contains(msg, "violates primary key constraint") ||
		strings.Contains(msg, "violates unique constraint")
}

// conflictAttempts bounds in-store retries; callers add their own retry on top.
const conflictAttempts = 5

// WithTx runs fn in a transaction and commits it. Write-write conflicts
// roll back and re-run fn with a short exponential backoff; any other error
// is returned as is.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0

	op := func() error {
		err := runTx(ctx, db, fn)
		if err == nil || IsConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, conflictAttempts-1), ctx))
	if err != nil && IsConflict(err) {
		return fmt.Errorf("transaction conflict persisted after %d attempts: %w", conflictAttempts, err)
	}
	return err
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// KeyLocks is a fixed set of mutexes selected by key hash. DuckDB can raise
// internal errors when two connections upsert the same key at the same
// instant, so callers hold the stripe for the one transaction that writes
// the key. A stripe is never held across events, and it only orders writers
// inside one process; correctness still rests on the conditional upserts.
type KeyLocks struct {
	stripes []sync.Mutex
}

// NewKeyLocks creates n stripes (minimum 1).
func NewKeyLocks(n int) *KeyLocks {
	if n < 1 {
		n = 1
	}
	return &KeyLocks{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its unlock function.
func (k *KeyLocks) Lock(key string) func() {
	m := &k.stripes[k.stripe(key)]
	m.Lock()
	return m.Unlock
}

func (k *KeyLocks) stripe(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.stripes)))
}

// ErrNoRows is re-exported so stores can compare without importing database/sql.
var ErrNoRows = sql.ErrNoRows

// IsNoRows reports whether err wraps sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
