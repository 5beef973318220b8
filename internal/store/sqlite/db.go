package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// One writer at a time; the cache is written from a single session.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate creates the client cache schema. It is idempotent.
func Migrate(db *sql.DB) error {
	stmts := []string{
		// Conversation list snapshot, one row per conversation
		`CREATE TABLE IF NOT EXISTS cached_conversations (
			viewer_id       TEXT    NOT NULL,
			conversation_id TEXT    NOT NULL,
			payload         TEXT    NOT NULL,
			fetched_at      INTEGER NOT NULL,
			PRIMARY KEY (viewer_id, conversation_id)
		);`,
		// Message pages keyed by the cursor window they were fetched for
		`CREATE TABLE IF NOT EXISTS cached_pages (
			viewer_id       TEXT    NOT NULL,
			conversation_id TEXT    NOT NULL,
			window_key      TEXT    NOT NULL,
			payload         TEXT    NOT NULL,
			fetched_at      INTEGER NOT NULL,
			PRIMARY KEY (viewer_id, conversation_id, window_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cached_pages_conv ON cached_pages(viewer_id, conversation_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}
