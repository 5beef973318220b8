package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/domain"
)

// Cache is the persisted client state of sync sessions.
type Cache struct {
	db *sql.DB
}

func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

var _ domain.Cache = (*Cache)(nil)

// SaveConversations replaces the viewer's conversation snapshot.
func (c *Cache) SaveConversations(ctx context.Context, viewerID string, convs []domain.Conversation, fetchedAt time.Time) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save conversations: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_conversations WHERE viewer_id = ?`, viewerID); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cached_conversations (viewer_id, conversation_id, payload, fetched_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert conversation: %w", err)
	}
	defer stmt.Close()

	for _, conv := range convs {
		payload, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, viewerID, conv.ID, string(payload), fetchedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert conversation %s: %w", conv.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save conversations: %w", err)
	}
	return nil
}

// LoadConversations returns the viewer's conversation snapshot.
func (c *Cache) LoadConversations(ctx context.Context, viewerID string) (domain.CachedConversations, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT payload, fetched_at
		FROM cached_conversations
		WHERE viewer_id = ?
		ORDER BY conversation_id
	`, viewerID)
	if err != nil {
		return domain.CachedConversations{}, fmt.Errorf("load conversations: %w", err)
	}
	defer rows.Close()

	var res domain.CachedConversations
	var oldest int64
	for rows.Next() {
		var payload string
		var fetched int64
		if err := rows.Scan(&payload, &fetched); err != nil {
			return domain.CachedConversations{}, fmt.Errorf("scan conversation: %w", err)
		}
		var conv domain.Conversation
		if err := json.Unmarshal([]byte(payload), &conv); err != nil {
			return domain.CachedConversations{}, fmt.Errorf("decode conversation: %w", err)
		}
		res.Conversations = append(res.Conversations, conv)
		if oldest == 0 || fetched < oldest {
			oldest = fetched
		}
	}
	if err := rows.Err(); err != nil {
		return domain.CachedConversations{}, fmt.Errorf("iterate conversations: %w", err)
	}
	if len(res.Conversations) == 0 {
		return domain.CachedConversations{}, fmt.Errorf("conversation snapshot of %s: %w", viewerID, domain.ErrNotFound)
	}
	res.FetchedAt = time.UnixMilli(oldest).UTC()
	return res, nil
}

// Purge drops everything cached for the viewer.
func (c *Cache) Purge(ctx context.Context, viewerID string) error {
	for _, q := range []string{
		`DELETE FROM cached_conversations WHERE viewer_id = ?`,
		`DELETE FROM cached_pages WHERE viewer_id = ?`,
	} {
		if _, err := c.db.ExecContext(ctx, q, viewerID); err != nil {
			return fmt.Errorf("purge cache: %w", err)
		}
	}
	return nil
}
