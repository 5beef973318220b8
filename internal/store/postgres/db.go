package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the chatsync schema on PostgreSQL.
// Statuses are stored as smallint: 1 sent, 2 delivered, 3 read.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT         PRIMARY KEY,
			name       VARCHAR(100),
			is_group   BOOLEAN      NOT NULL DEFAULT FALSE,
			created_by TEXT         NOT NULL,
			direct_key TEXT         UNIQUE,
			created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT         NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT         NOT NULL,
			joined_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			last_read_at    TIMESTAMPTZ,
			PRIMARY KEY (conversation_id, user_id)
		)`,

		// recipient_id is set for 1:1 conversations, whose status lives on the row.
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT         PRIMARY KEY,
			conversation_id TEXT         NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT         NOT NULL,
			recipient_id    TEXT,
			client_ref      TEXT,
			content         TEXT         NOT NULL,
			kind            VARCHAR(10)  NOT NULL DEFAULT 'text',
			status          SMALLINT     NOT NULL DEFAULT 1,
			created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			UNIQUE (sender_id, client_ref)
		)`,

		// Per-member status of group messages.
		`CREATE TABLE IF NOT EXISTS message_status (
			message_id      TEXT         NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			conversation_id TEXT         NOT NULL,
			user_id         TEXT         NOT NULL,
			status          SMALLINT     NOT NULL DEFAULT 1,
			updated_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			PRIMARY KEY (message_id, user_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conversation_members_user ON conversation_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timeline ON messages(conversation_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id) WHERE recipient_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_message_status_member ON message_status(conversation_id, user_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
