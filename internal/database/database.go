// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package database opens the DuckDB database shared by every ScanSentry store
// and provides the write-conflict retry used by row-level upserts.
//
// Stores own their tables: each exposes InitSchema and is handed the *sql.DB
// returned here. Cross-event coordination happens through ON CONFLICT upserts
// and conditional updates, never through long-held process locks.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/scansentry/internal/logging"
)

// Config holds DuckDB settings.
type Config struct {
	// Path is the database file; empty or ":memory:" opens an in-memory database.
	Path string `koanf:"path"`
	// MaxMemory is a DuckDB memory limit such as "1GB".
	MaxMemory string `koanf:"max_memory"`
	// Threads defaults to runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// Open opens (creating if necessary) the DuckDB database described by cfg.
func Open(cfg Config) (*sql.DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	path := cfg.Path
	if path == ":memory:" {
		path = ""
	}
	if path != "" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	dsn := fmt.Sprintf("%s?threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, threads, maxMemory)
	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(threads)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.Info().
		Str("path", displayPath(path)).
		Int("threads", threads).
		Str("max_memory", maxMemory).
		Msg("DuckDB opened")
	return conn, nil
}

// OpenInMemory opens a private in-memory database. Used by tests.
func OpenInMemory() (*sql.DB, error) {
	return Open(Config{Path: ":memory:", Threads: 2, MaxMemory: "256MB"})
}

// Checkpoint flushes the WAL into the database file.
func Checkpoint(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("failed to checkpoint: %w", err)
	}
	return nil
}

// ExecSchema runs DDL statements in order.
func ExecSchema(ctx context.Context, db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func displayPath(path string) string {
	if path == "" {
		return ":memory:"
	}
	return path
}
