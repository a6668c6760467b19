// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, applies pragmas and creates the audit schema

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is created if it doesn't exist and parent directories are
// created as needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == MemoryPath {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			request_id   TEXT NOT NULL,
			status       TEXT NOT NULL,
			error_kind   TEXT NOT NULL,
			error        TEXT,
			duration_ms  INTEGER NOT NULL,
			created_at   TEXT NOT NULL,

			CHECK (status IN ('ok', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);
		CREATE INDEX IF NOT EXISTS idx_executions_request ON executions(request_id);

		CREATE TABLE IF NOT EXISTS daemon_events (
			event_id   TEXT PRIMARY KEY,
			daemon_id  TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			reason     TEXT,
			ts         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_daemon_events_daemon_ts ON daemon_events(daemon_id, ts);

		CREATE TABLE IF NOT EXISTS captures (
			capture_id  TEXT PRIMARY KEY,
			daemon_id   TEXT NOT NULL,
			path        TEXT NOT NULL UNIQUE,
			format      TEXT NOT NULL,
			size_bytes  INTEGER NOT NULL,
			captured_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_captures_daemon ON captures(daemon_id, captured_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced use cases
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

var _ Store = (*SQLiteStore)(nil)
