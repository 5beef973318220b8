package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatsync/internal/domain"
)

// windowKey identifies the page fetched before a cursor. The newest page has the empty key.
func windowKey(before domain.Cursor) string {
	if before.IsZero() {
		return ""
	}
	return strconv.FormatInt(before.CreatedAt.UnixNano(), 10) + "/" + before.ID
}

// SavePage stores a message page fetched before the given cursor.
func (c *Cache) SavePage(ctx context.Context, viewerID, conversationID string, before domain.Cursor, page domain.MessagePage, fetchedAt time.Time) error {
	payload, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}
	query := `
		INSERT INTO cached_pages (viewer_id, conversation_id, window_key, payload, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (viewer_id, conversation_id, window_key)
		DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at
	`
	if _, err := c.db.ExecContext(ctx, query, viewerID, conversationID, windowKey(before), string(payload), fetchedAt.UnixMilli()); err != nil {
		return fmt.Errorf("save page: %w", err)
	}
	return nil
}

// LoadPage returns the page stored for the cursor window.
func (c *Cache) LoadPage(ctx context.Context, viewerID, conversationID string, before domain.Cursor) (domain.CachedPage, error) {
	query := `
		SELECT payload, fetched_at
		FROM cached_pages
		WHERE viewer_id = ? AND conversation_id = ? AND window_key = ?
	`
	var payload string
	var fetched int64
	err := c.db.QueryRowContext(ctx, query, viewerID, conversationID, windowKey(before)).Scan(&payload, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CachedPage{}, fmt.Errorf("page of %s: %w", conversationID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CachedPage{}, fmt.Errorf("load page: %w", err)
	}

	var page domain.MessagePage
	if err := json.Unmarshal([]byte(payload), &page); err != nil {
		return domain.CachedPage{}, fmt.Errorf("decode page: %w", err)
	}
	return domain.CachedPage{Page: page, FetchedAt: time.UnixMilli(fetched).UTC()}, nil
}
