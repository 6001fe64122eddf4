package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"database/sql"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		system_prompt TEXT,
		pool_size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS container_definitions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		image TEXT NOT NULL,
		hostname TEXT,
		env_template TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_container_defs_project ON container_definitions(project_id);

	CREATE TABLE IF NOT EXISTS container_ports (
		container_id TEXT NOT NULL REFERENCES container_definitions(id) ON DELETE CASCADE,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL DEFAULT 'tcp',
		PRIMARY KEY (container_id, port)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title TEXT,
		status TEXT NOT NULL,
		agent_session_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project_status ON sessions(project_id, status);

	CREATE TABLE IF NOT EXISTS session_containers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		container_id TEXT NOT NULL,
		runtime_id TEXT,
		status TEXT NOT NULL,
		hostname TEXT NOT NULL,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (session_id, container_id)
	);
	CREATE INDEX IF NOT EXISTS idx_session_containers_runtime ON session_containers(runtime_id);

	CREATE TABLE IF NOT EXISTS port_reservations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		port INTEGER NOT NULL,
		kind TEXT NOT NULL,
		reserved_at INTEGER NOT NULL,
		expires_at INTEGER,
		UNIQUE (port, kind)
	);

	CREATE TABLE IF NOT EXISTS volumes (
		name TEXT PRIMARY KEY,
		session_id TEXT,
		kind TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_events (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL,
		event_data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS browser_sessions (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		desired TEXT NOT NULL,
		actual TEXT NOT NULL,
		stream_port INTEGER,
		last_url TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		last_heartbeat_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS orchestration_requests (
		id TEXT PRIMARY KEY,
		channel_id TEXT,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		resolved_project_id TEXT,
		resolved_session_id TEXT,
		model_id TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS github_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		username TEXT,
		token TEXT,
		repo TEXT,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isBusy reports whether err is a transient SQLITE_BUSY/locked error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// withBusyRetry runs fn with exponential backoff on SQLITE_BUSY errors.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
