package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/store/postgres"
)

// openTestDB connects to the database named by CHATSYNC_TEST_POSTGRES_DSN.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CHATSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATSYNC_TEST_POSTGRES_DSN not set")
	}
	db, err := postgres.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, postgres.Migrate(db))
	require.NoError(t, postgres.Migrate(db), "migrations must be idempotent")
	return db
}

// users returns fresh user ids so tests do not see each other's rows.
func users(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "u-" + uuid.NewString()
	}
	return ids
}

func TestDirectConversationIsUniquePerPair(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := postgres.NewConversationRepo(db)
	u := users(2)

	c := &domain.Conversation{CreatedBy: u[0]}
	require.NoError(t, repo.Create(ctx, c, []string{u[0], u[1]}))
	assert.Len(t, c.Members, 2)

	err := repo.Create(ctx, &domain.Conversation{CreatedBy: u[1]}, []string{u[1], u[0]})
	assert.ErrorIs(t, err, domain.ErrConflict)

	found, err := repo.FindExistingDirect(ctx, u[1], u[0])
	require.NoError(t, err)
	assert.Equal(t, c.ID, found.ID)

	ok, err := repo.IsMember(ctx, c.ID, u[1])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMessageLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	convs := postgres.NewConversationRepo(db)
	msgs := postgres.NewMessageRepo(db)
	u := users(2)
	me, bob := u[0], u[1]

	c := &domain.Conversation{CreatedBy: me}
	require.NoError(t, convs.Create(ctx, c, []string{me, bob}))

	at := time.Now().UTC().Truncate(time.Millisecond)
	m := &domain.MessageRow{ConversationID: c.ID, SenderID: me, RecipientID: bob, ClientRef: "l1",
		Content: "hi", Kind: domain.KindText, CreatedAt: at}
	created, err := msgs.Insert(ctx, m, []string{me, bob})
	require.NoError(t, err)
	assert.True(t, created)

	replay := &domain.MessageRow{ConversationID: c.ID, SenderID: me, RecipientID: bob, ClientRef: "l1",
		Content: "hi", Kind: domain.KindText, CreatedAt: at.Add(time.Second)}
	created, err = msgs.Insert(ctx, replay, []string{me, bob})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, m.ID, replay.ID)

	list, err := convs.ListForUser(ctx, bob, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, m.ID, list[0].LastMessage.MessageID)

	change, applied, err := msgs.AdvanceStatus(ctx, m, bob, domain.StatusDelivered)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, domain.StatusDelivered, change.Direct.Status)

	_, applied, err = msgs.AdvanceStatus(ctx, m, bob, domain.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, applied, "duplicate transition")

	member, advanced, err := msgs.MarkReadUpTo(ctx, c.ID, bob, at)
	require.NoError(t, err)
	assert.True(t, advanced)
	require.NotNil(t, member.LastReadAt)

	_, advanced, err = msgs.MarkReadUpTo(ctx, c.ID, bob, at.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, advanced, "watermark never moves back")

	page, err := msgs.ListBefore(ctx, c.ID, me, domain.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.StatusRead, page[0].Status)

	_, _, err = msgs.MarkReadUpTo(ctx, c.ID, "stranger", at)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGroupReceipts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	convs := postgres.NewConversationRepo(db)
	msgs := postgres.NewMessageRepo(db)
	u := users(3)
	me, bob, ann := u[0], u[1], u[2]

	c := &domain.Conversation{CreatedBy: me, IsGroup: true}
	require.NoError(t, convs.Create(ctx, c, u))

	m := &domain.MessageRow{ConversationID: c.ID, SenderID: me, ClientRef: "g1", Content: "all", Kind: domain.KindText}
	_, err := msgs.Insert(ctx, m, u)
	require.NoError(t, err)

	_, applied, err := msgs.AdvanceStatus(ctx, m, bob, domain.StatusRead)
	require.NoError(t, err)
	require.True(t, applied)

	// The sender sees the slowest member, each member their own receipt.
	mine, err := msgs.ListBefore(ctx, c.ID, me, domain.Cursor{}, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, mine[0].Status)

	bobs, err := msgs.ListBefore(ctx, c.ID, bob, domain.Cursor{}, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, bobs[0].Status)

	_, applied, err = msgs.AdvanceStatus(ctx, m, ann, domain.StatusRead)
	require.NoError(t, err)
	require.True(t, applied)

	mine, err = msgs.ListBefore(ctx, c.ID, me, domain.Cursor{}, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, mine[0].Status)
}
