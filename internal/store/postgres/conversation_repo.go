package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"chatsync/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

// directKey identifies the 1:1 conversation of two users regardless of order.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Create inserts c with its members. A second 1:1 conversation for the same
// pair fails with ErrConflict.
func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation, memberIDs []string) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var key sql.NullString
	if !c.IsGroup {
		if len(memberIDs) != 2 {
			return fmt.Errorf("direct conversation with %d members: %w", len(memberIDs), domain.ErrInvalidArgument)
		}
		key = sql.NullString{String: directKey(memberIDs[0], memberIDs[1]), Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, name, is_group, created_by, direct_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.IsGroup, c.CreatedBy, key).Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert conversation: %w", domain.ErrConflict)
		}
		return fmt.Errorf("insert conversation: %w", err)
	}

	c.Members = c.Members[:0]
	for _, uid := range memberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, joined_at)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, c.ID, uid, c.CreatedAt); err != nil {
			return fmt.Errorf("insert member %s: %w", uid, err)
		}
		c.Members = append(c.Members, domain.Member{UserID: uid, JoinedAt: c.CreatedAt})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	var name sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, is_group, created_by, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &name, &c.IsGroup, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if name.Valid {
		c.Name = &name.String
	}
	if err := r.loadMembers(ctx, []*domain.Conversation{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// ListForUser returns the conversations of userID, most recent activity first,
// each with its last message and the unread count of userID.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string, offset, limit int) ([]*domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.is_group, c.created_by, c.created_at, c.updated_at,
		       lm.id, lm.sender_id, lm.content, lm.kind, lm.created_at,
		       (SELECT COUNT(*) FROM messages m
		          LEFT JOIN message_status ms ON ms.message_id = m.id AND ms.user_id = $1
		         WHERE m.conversation_id = c.id
		           AND m.sender_id <> $1
		           AND COALESCE(ms.status, m.status) < 3) AS unread
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id AND cm.user_id = $1
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, kind, created_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id
		OFFSET $2 LIMIT $3
	`, userID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var res []*domain.Conversation
	for rows.Next() {
		c := &domain.Conversation{}
		var (
			name                        sql.NullString
			lastID, lastSender, content sql.NullString
			kind                        sql.NullString
			lastAt                      sql.NullTime
		)
		if err := rows.Scan(&c.ID, &name, &c.IsGroup, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
			&lastID, &lastSender, &content, &kind, &lastAt, &c.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if name.Valid {
			c.Name = &name.String
		}
		if lastID.Valid {
			c.LastMessage = &domain.Preview{
				MessageID: lastID.String,
				SenderID:  lastSender.String,
				Content:   content.String,
				Kind:      domain.Kind(kind.String),
				CreatedAt: lastAt.Time,
			}
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if err := r.loadMembers(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *ConversationRepo) loadMembers(ctx context.Context, convs []*domain.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]string, len(convs))
	byID := make(map[string]*domain.Conversation, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
		byID[c.ID] = c
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, joined_at, last_read_at
		FROM conversation_members
		WHERE conversation_id = ANY($1::text[])
	`, ids)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			convID string
			m      domain.Member
			read   sql.NullTime
		)
		if err := rows.Scan(&convID, &m.UserID, &m.JoinedAt, &read); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		if read.Valid {
			t := read.Time
			m.LastReadAt = &t
		}
		if c, ok := byID[convID]; ok {
			c.Members = append(c.Members, m)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	for _, c := range convs {
		domain.SortMembers(c.Members)
	}
	return nil
}

// FindExistingDirect finds the 1:1 conversation between a and b.
func (r *ConversationRepo) FindExistingDirect(ctx context.Context, a, b string) (*domain.Conversation, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE direct_key = $1
	`, directKey(a, b)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("direct conversation of %s and %s: %w", a, b, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find existing direct: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *ConversationRepo) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_members WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list member ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, rows.Err()
}

func (r *ConversationRepo) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check member: %w", err)
	}
	return exists, nil
}
