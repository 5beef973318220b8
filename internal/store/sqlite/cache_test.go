package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/store/sqlite"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newCache(t *testing.T) *sqlite.Cache {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))
	// Migrations are idempotent.
	require.NoError(t, sqlite.Migrate(db))
	return sqlite.NewCache(db)
}

func TestConversationSnapshot(t *testing.T) {
	cache := newCache(t)
	ctx := context.Background()

	_, err := cache.LoadConversations(ctx, "me")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	name := "team"
	read := t0.Add(-time.Hour)
	preview := &domain.Preview{MessageID: "m1", SenderID: "bob", Content: "hi", Kind: domain.KindText, CreatedAt: t0}
	convs := []domain.Conversation{
		{ID: "c1", Members: []domain.Member{{UserID: "me", JoinedAt: t0, LastReadAt: &read}, {UserID: "bob", JoinedAt: t0}}, LastMessage: preview, UnreadCount: 2},
		{ID: "g1", Name: &name, IsGroup: true, CreatedAt: t0},
	}
	require.NoError(t, cache.SaveConversations(ctx, "me", convs, t0))

	snap, err := cache.LoadConversations(ctx, "me")
	require.NoError(t, err)
	require.Len(t, snap.Conversations, 2)
	assert.True(t, snap.FetchedAt.Equal(t0))
	assert.Equal(t, 2, snap.Conversations[0].UnreadCount)
	assert.Equal(t, "m1", snap.Conversations[0].LastMessage.MessageID)
	require.NotNil(t, snap.Conversations[0].Members[0].LastReadAt)
	assert.True(t, snap.Conversations[0].Members[0].LastReadAt.Equal(read))
	assert.Equal(t, "team", *snap.Conversations[1].Name)

	// Saving again replaces the snapshot.
	require.NoError(t, cache.SaveConversations(ctx, "me", convs[1:], t0.Add(time.Minute)))
	snap, err = cache.LoadConversations(ctx, "me")
	require.NoError(t, err)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "g1", snap.Conversations[0].ID)

	// Other viewers are isolated.
	_, err = cache.LoadConversations(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPages(t *testing.T) {
	cache := newCache(t)
	ctx := context.Background()

	newest := domain.MessagePage{Messages: []domain.MessageRow{{ID: "m2", ConversationID: "c1", Status: domain.StatusRead, CreatedAt: t0}}, HasMore: true}
	older := domain.MessagePage{Messages: []domain.MessageRow{{ID: "m1", ConversationID: "c1", Status: domain.StatusSent, CreatedAt: t0.Add(-time.Minute)}}}
	cursor := domain.Cursor{CreatedAt: t0, ID: "m2"}

	require.NoError(t, cache.SavePage(ctx, "me", "c1", domain.Cursor{}, newest, t0))
	require.NoError(t, cache.SavePage(ctx, "me", "c1", cursor, older, t0))

	got, err := cache.LoadPage(ctx, "me", "c1", domain.Cursor{})
	require.NoError(t, err)
	assert.True(t, got.Page.HasMore)
	assert.Equal(t, domain.StatusRead, got.Page.Messages[0].Status)

	got, err = cache.LoadPage(ctx, "me", "c1", cursor)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.Page.Messages[0].ID)

	// Upsert refreshes the fetch time.
	require.NoError(t, cache.SavePage(ctx, "me", "c1", domain.Cursor{}, newest, t0.Add(time.Hour)))
	got, err = cache.LoadPage(ctx, "me", "c1", domain.Cursor{})
	require.NoError(t, err)
	assert.True(t, got.FetchedAt.Equal(t0.Add(time.Hour)))

	_, err = cache.LoadPage(ctx, "me", "c2", domain.Cursor{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPurge(t *testing.T) {
	cache := newCache(t)
	ctx := context.Background()
	require.NoError(t, cache.SaveConversations(ctx, "me", []domain.Conversation{{ID: "c1"}}, t0))
	require.NoError(t, cache.SavePage(ctx, "me", "c1", domain.Cursor{}, domain.MessagePage{}, t0))
	require.NoError(t, cache.SaveConversations(ctx, "bob", []domain.Conversation{{ID: "c1"}}, t0))

	require.NoError(t, cache.Purge(ctx, "me"))

	_, err := cache.LoadConversations(ctx, "me")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = cache.LoadPage(ctx, "me", "c1", domain.Cursor{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = cache.LoadConversations(ctx, "bob")
	assert.NoError(t, err)
}

func TestFresh(t *testing.T) {
	assert.True(t, domain.Fresh(t0, time.Hour, t0.Add(30*time.Minute)))
	assert.False(t, domain.Fresh(t0, time.Hour, t0.Add(2*time.Hour)))
	assert.True(t, domain.Fresh(t0, 0, t0.Add(1000*time.Hour)))
	assert.False(t, domain.Fresh(time.Time{}, time.Hour, t0))
}
