// Package sqlite is the SQLite-backed implementation of the
// internal/store interfaces, following the teacher's connection and
// retry conventions: a single-writer connection pool, WAL-friendly
// pragmas, and exponential backoff on SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Config is the subset of internal/config's storage configuration this
// driver needs.
type Config struct {
	Path            string
	CacheSizeMB     int
	BusyTimeoutMS   int
	WALMode         bool
	ResetOnStartup  bool
	Environment     string
}

// DB wraps the SQLite connection plus the fixed schema this package
// owns: jobs, artifacts, evaluations, job_events, and a schema_version
// guard row checked at open time so an incompatible database file
// fails startup rather than silently misbehaving.
type DB struct {
	conn   *sql.DB
	logger arbor.ILogger
	cfg    Config
}

// Open creates (or reuses) the SQLite database at cfg.Path, applies
// pragmas, ensures the schema exists, and verifies schema_version.
func Open(cfg Config, logger arbor.ILogger) (*DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: failed to create database directory: %w", err)
		}
	}

	if cfg.ResetOnStartup {
		if cfg.Environment != "development" {
			logger.Warn().Str("environment", cfg.Environment).Msg("reset_on_startup is enabled but environment is not 'development' - ignoring for safety")
		} else if err := resetDatabase(logger, cfg.Path); err != nil {
			return nil, fmt.Errorf("store: failed to reset database: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	// modernc.org/sqlite has no internal connection pool; SQLite itself
	// serializes writers, so a single connection avoids SQLITE_BUSY
	// storms under concurrent requests.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn, logger: logger, cfg: cfg}

	if err := db.configure(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: failed to configure database: %w", err)
	}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	if err := db.checkSchemaVersion(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info().Str("path", cfg.Path).Msg("sqlite store initialized")
	return db, nil
}

func (d *DB) configure() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = -%d", d.cfg.CacheSizeMB*1024),
		fmt.Sprintf("PRAGMA busy_timeout = %d", d.cfg.BusyTimeoutMS),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if d.cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := d.conn.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

func (d *DB) checkSchemaVersion() error {
	var version int
	err := d.conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err != nil {
		return fmt.Errorf("store: failed to read schema_version guard row: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("store: database schema_version %d does not match expected %d; refusing to start against an incompatible database", version, schemaVersion)
	}
	return nil
}

// Conn exposes the raw connection for the store implementations in
// this package.
func (d *DB) Conn() *sql.DB { return d.conn }

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func resetDatabase(logger arbor.ILogger, path string) error {
	logger.Warn().Str("path", path).Msg("resetting database (deleting all data)")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		p := path + suffix
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}
	return nil
}

// nullableString turns an extracted-but-possibly-absent document field
// into a NULL column value rather than storing an empty string,
// matching the optional extracted columns (started_at, terminal_at,
// failure_mode, and similar) that are only set once a job reaches the
// relevant state.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// retryWithBackoff retries operation on SQLITE_BUSY / "database is
// locked" errors with exponential backoff, matching the teacher's
// retryWithExponentialBackoff. Any other error returns immediately.
func retryWithBackoff(ctx context.Context, logger arbor.ILogger, operation func() error) error {
	const maxAttempts = 5
	delay := 20 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		msg := lastErr.Error()
		if !strings.Contains(msg, "database is locked") && !strings.Contains(msg, "SQLITE_BUSY") {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		logger.Warn().Int("attempt", attempt).Str("delay", delay.String()).Str("error", msg).Msg("database locked, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	logger.Error().Int("max_attempts", maxAttempts).Err(lastErr).Msg("all retry attempts exhausted")
	return lastErr
}
