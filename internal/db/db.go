// Package db provides the SQLite connection and schema for heatd.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema. ":memory:" opens a private
// in-memory database, used by tests.
func Open(dbPath string) (*DB, error) {
	dsn := dbPath + "?_journal_mode=WAL"
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		dsn = dbPath
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Resource state - generic JSON state store keyed by (kind, id)
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resource_state (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			version INTEGER DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS idx_resource_state_kind ON resource_state(kind);
	`)
	if err != nil {
		return fmt.Errorf("failed to create resource_state table: %w", err)
	}

	// Overrides - at most one per room, absolute targets only
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS overrides (
			room TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			target REAL NOT NULL,
			ends_at INTEGER NOT NULL,
			paused INTEGER NOT NULL DEFAULT 0,
			remaining_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_overrides_ends_at ON overrides(ends_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create overrides table: %w", err)
	}

	// Journal - append-only record of commands and heat source transitions
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_type TEXT NOT NULL,
			room TEXT NOT NULL DEFAULT '',
			payload TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_journal_created_at ON journal(created_at);
		CREATE INDEX IF NOT EXISTS idx_journal_room ON journal(room, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}

	return nil
}

// Reset removes all persisted runtime state.
func (db *DB) Reset() error {
	if _, err := db.Exec(`DELETE FROM resource_state; DELETE FROM overrides; DELETE FROM journal;`); err != nil {
		return fmt.Errorf("failed to reset state: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
