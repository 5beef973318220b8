package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, COALESCE(client_ref, ''), conversation_id, sender_id, COALESCE(recipient_id, ''),
	content, kind, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, m *domain.MessageRow) error {
	var (
		kind   string
		status int16
	)
	if err := row.Scan(&m.ID, &m.ClientRef, &m.ConversationID, &m.SenderID, &m.RecipientID,
		&m.Content, &kind, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return err
	}
	m.Kind = domain.Kind(kind)
	m.Status = domain.Status(status)
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Insert stores m, with a sent receipt for every other member of a group
// conversation. Inserting a client reference the sender already used loads
// the stored row into m instead.
func (r *MessageRepo) Insert(ctx context.Context, m *domain.MessageRow, memberIDs []string) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.UpdatedAt = m.CreatedAt
	m.Status = domain.StatusSent

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, sender_id, recipient_id, client_ref, content, kind, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (sender_id, client_ref) DO NOTHING
		RETURNING id
	`, m.ID, m.ConversationID, m.SenderID, nullable(m.RecipientID), nullable(m.ClientRef),
		m.Content, string(m.Kind), int16(m.Status), m.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing := tx.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages WHERE sender_id = $1 AND client_ref = $2
		`, m.SenderID, m.ClientRef)
		if err := scanMessage(existing, m); err != nil {
			return false, fmt.Errorf("load existing message: %w", err)
		}
		return false, tx.Commit()
	}
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	if m.RecipientID == "" {
		for _, uid := range memberIDs {
			if uid == m.SenderID {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_status (message_id, conversation_id, user_id, status, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT DO NOTHING
			`, m.ID, m.ConversationID, uid, int16(domain.StatusSent), m.CreatedAt); err != nil {
				return false, fmt.Errorf("insert receipt for %s: %w", uid, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1
	`, m.ConversationID, m.CreatedAt); err != nil {
		return false, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit message: %w", err)
	}
	return true, nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.MessageRow, error) {
	m := &domain.MessageRow{}
	err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id), m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListBefore returns up to limit messages older than before, newest first.
// The status of each row is the one relevant to viewerID: their own receipt
// for messages of others, the slowest member for their own group messages.
func (r *MessageRepo) ListBefore(ctx context.Context, conversationID, viewerID string, before domain.Cursor, limit int) ([]*domain.MessageRow, error) {
	var at sql.NullTime
	if !before.IsZero() {
		at = sql.NullTime{Time: before.CreatedAt, Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, COALESCE(m.client_ref, ''), m.conversation_id, m.sender_id, COALESCE(m.recipient_id, ''),
		       m.content, m.kind,
		       CASE
		           WHEN m.recipient_id IS NOT NULL THEN m.status
		           WHEN m.sender_id = $2 THEN COALESCE(
		               (SELECT MIN(ms.status) FROM message_status ms WHERE ms.message_id = m.id), m.status)
		           ELSE COALESCE(
		               (SELECT ms.status FROM message_status ms WHERE ms.message_id = m.id AND ms.user_id = $2), m.status)
		       END,
		       m.created_at, m.updated_at
		FROM messages m
		WHERE m.conversation_id = $1
		  AND ($3::timestamptz IS NULL OR (m.created_at, m.id) < ($3, $4))
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $5
	`, conversationID, viewerID, at, before.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []*domain.MessageRow
	for rows.Next() {
		m := &domain.MessageRow{}
		if err := scanMessage(rows, m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// AdvanceStatus moves the status of m for userID forward. Only a strictly
// greater status is written, so duplicates and regressions report applied false.
func (r *MessageRepo) AdvanceStatus(ctx context.Context, m *domain.MessageRow, userID string, status domain.Status) (domain.StatusChange, bool, error) {
	if !status.Valid() {
		return domain.StatusChange{}, false, fmt.Errorf("status %d: %w", status, domain.ErrInvalidArgument)
	}

	if m.RecipientID != "" {
		row := &domain.MessageRow{}
		err := scanMessage(r.db.QueryRowContext(ctx, `
			UPDATE messages SET status = $3, updated_at = NOW()
			WHERE id = $1 AND recipient_id = $2 AND status < $3
			RETURNING `+messageColumns,
			m.ID, userID, int16(status)), row)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StatusChange{}, false, nil
		}
		if err != nil {
			return domain.StatusChange{}, false, fmt.Errorf("advance message status: %w", err)
		}
		return domain.StatusChange{Direct: row}, true, nil
	}

	rec := &domain.StatusRow{}
	var st int16
	err := r.db.QueryRowContext(ctx, `
		UPDATE message_status SET status = $3, updated_at = NOW()
		WHERE message_id = $1 AND user_id = $2 AND status < $3
		RETURNING message_id, conversation_id, user_id, status, updated_at
	`, m.ID, userID, int16(status)).Scan(&rec.MessageID, &rec.ConversationID, &rec.UserID, &st, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StatusChange{}, false, nil
	}
	if err != nil {
		return domain.StatusChange{}, false, fmt.Errorf("advance receipt: %w", err)
	}
	rec.Status = domain.Status(st)
	return domain.StatusChange{Receipt: rec}, true, nil
}

// MarkReadUpTo marks every message of others created up to at as read by
// userID and moves the member's watermark forward to at.
func (r *MessageRepo) MarkReadUpTo(ctx context.Context, conversationID, userID string, at time.Time) (*domain.MemberRow, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	read := int16(domain.StatusRead)
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = $4, updated_at = NOW()
		WHERE conversation_id = $1 AND recipient_id = $2 AND status < $4 AND created_at <= $3
	`, conversationID, userID, at, read); err != nil {
		return nil, false, fmt.Errorf("mark direct messages read: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE message_status ms SET status = $4, updated_at = NOW()
		FROM messages m
		WHERE ms.message_id = m.id
		  AND ms.conversation_id = $1 AND ms.user_id = $2 AND ms.status < $4
		  AND m.created_at <= $3
	`, conversationID, userID, at, read); err != nil {
		return nil, false, fmt.Errorf("mark receipts read: %w", err)
	}

	member := &domain.MemberRow{}
	var last sql.NullTime
	advanced := true
	err = tx.QueryRowContext(ctx, `
		UPDATE conversation_members SET last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2 AND (last_read_at IS NULL OR last_read_at < $3)
		RETURNING conversation_id, user_id, joined_at, last_read_at
	`, conversationID, userID, at).Scan(&member.ConversationID, &member.UserID, &member.JoinedAt, &last)
	if errors.Is(err, sql.ErrNoRows) {
		advanced = false
		err = tx.QueryRowContext(ctx, `
			SELECT conversation_id, user_id, joined_at, last_read_at
			FROM conversation_members WHERE conversation_id = $1 AND user_id = $2
		`, conversationID, userID).Scan(&member.ConversationID, &member.UserID, &member.JoinedAt, &last)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("member %s of %s: %w", userID, conversationID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("advance watermark: %w", err)
	}
	if last.Valid {
		t := last.Time
		member.LastReadAt = &t
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit read: %w", err)
	}
	return member, advanced, nil
}
