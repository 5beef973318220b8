package aggregate_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/aggregate"
	"chatsync/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, at time.Duration) domain.Message {
	return domain.Message{
		ID:        domain.ConfirmedID(id),
		SenderID:  "bob",
		Content:   id,
		Kind:      domain.KindText,
		CreatedAt: t0.Add(at),
	}
}

func TestOnAppendKeepsNewestPreview(t *testing.T) {
	a := aggregate.New(nil)

	a.OnAppend(aggregate.AppendUpdate{ConversationID: "c1", Message: msg("m2", 2*time.Second), UnreadDelta: 1})
	a.OnAppend(aggregate.AppendUpdate{ConversationID: "c1", Message: msg("m1", time.Second), UnreadDelta: 1})

	c, ok := a.Get("c1")
	require.True(t, ok)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m2", c.LastMessage.MessageID)
	assert.Equal(t, 2, c.UnreadCount)
}

func TestOnAppendReplacesProvisionalPreview(t *testing.T) {
	a := aggregate.New(nil)
	local := domain.Message{
		ID: domain.ProvisionalID("l1"), SenderID: "me", Content: "hi", Kind: domain.KindText,
		CreatedAt: t0.Add(5 * time.Second),
	}
	a.OnAppend(aggregate.AppendUpdate{ConversationID: "c1", Message: local})

	// Server time is earlier than the local clock.
	ack := msg("srv-1", 3*time.Second)
	a.OnAppend(aggregate.AppendUpdate{ConversationID: "c1", Message: ack, ReplacesID: "l1"})

	c, _ := a.Get("c1")
	assert.Equal(t, "srv-1", c.LastMessage.MessageID)
}

func TestUnreadIsClamped(t *testing.T) {
	a := aggregate.New(nil)
	a.OnStatus("c1", -1)
	a.OnStatus("c1", -1)
	c, _ := a.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)

	a.OnStatus("c1", 1)
	c, _ = a.Get("c1")
	assert.Equal(t, 1, c.UnreadCount)
}

func TestSeedKeepsNewerPreview(t *testing.T) {
	a := aggregate.New(nil)
	a.OnAppend(aggregate.AppendUpdate{ConversationID: "c1", Message: msg("live", 10*time.Second), UnreadDelta: 1})

	stale := domain.PreviewOf(msg("old", time.Second))
	a.Seed([]domain.Conversation{
		{ID: "c1", LastMessage: &stale, UnreadCount: 4},
		{ID: "c2", CreatedAt: t0},
	})

	c, ok := a.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "live", c.LastMessage.MessageID)
	assert.Equal(t, 4, c.UnreadCount)
	assert.Len(t, a.List(), 2)
}

func TestReconcile(t *testing.T) {
	a := aggregate.New(nil)
	a.OnStatus("c1", 1)
	a.OnStatus("c1", 1)

	latest := msg("m9", 9*time.Second)
	a.Reconcile("c1", 0, &latest)
	c, _ := a.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, "m9", c.LastMessage.MessageID)

	a.Reconcile("c1", 3, nil)
	c, _ = a.Get("c1")
	assert.Equal(t, 3, c.UnreadCount)
	assert.Equal(t, "m9", c.LastMessage.MessageID)
}

func TestListOrder(t *testing.T) {
	a := aggregate.New(nil)
	p1 := domain.PreviewOf(msg("m1", time.Second))
	p3 := domain.PreviewOf(msg("m3", 3*time.Second))
	a.Seed([]domain.Conversation{
		{ID: "b", LastMessage: &p1},
		{ID: "a", LastMessage: &p1},
		{ID: "c", LastMessage: &p3},
		{ID: "empty", CreatedAt: t0.Add(2 * time.Second)},
	})

	var ids []string
	for _, c := range a.List() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c", "empty", "a", "b"}, ids)
}

func TestListReturnsCopies(t *testing.T) {
	a := aggregate.New(nil)
	name := "team"
	a.Upsert(domain.Conversation{ID: "c1", Name: &name, Members: []domain.Member{{UserID: "me"}}})

	list := a.List()
	*list[0].Name = "changed"
	list[0].Members[0].UserID = "x"

	c, _ := a.Get("c1")
	assert.Equal(t, "team", *c.Name)
	assert.Equal(t, "me", c.Members[0].UserID)
}

func TestUpsertKeepsDerivedFields(t *testing.T) {
	a := aggregate.New(nil)
	a.OnAppend(aggregate.AppendUpdate{ConversationID: "c1", Message: msg("m1", time.Second), UnreadDelta: 1})
	a.Upsert(domain.Conversation{ID: "c1", IsGroup: true})

	c, _ := a.Get("c1")
	assert.True(t, c.IsGroup)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "m1", c.LastMessage.MessageID)
}

func TestOnWatermarkIsForwardOnly(t *testing.T) {
	a := aggregate.New(nil)
	a.Upsert(domain.Conversation{ID: "c1", Members: []domain.Member{{UserID: "me"}, {UserID: "bob"}}})

	a.OnWatermark("c1", "bob", t0.Add(time.Minute))
	a.OnWatermark("c1", "bob", t0)

	c, _ := a.Get("c1")
	m, ok := c.Member("bob")
	require.True(t, ok)
	require.NotNil(t, m.LastReadAt)
	assert.True(t, m.LastReadAt.Equal(t0.Add(time.Minute)))
}

func TestNotifications(t *testing.T) {
	var mu sync.Mutex
	var got []string
	a := aggregate.New(func(id string) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
	})

	a.OnStatus("c1", 0) // no effect, no notification
	a.OnStatus("c1", 1)
	a.Seed(nil)
	a.Reset()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1", "", ""}, got)
}

func TestReconcileNeverRewindsPreview(t *testing.T) {
	a := aggregate.New(nil)
	newest := msg("m9", 9*time.Second)
	a.Seed([]domain.Conversation{{ID: "c1", LastMessage: &domain.Preview{MessageID: "m9", CreatedAt: newest.CreatedAt}, UnreadCount: 2}})

	stale := msg("m1", time.Second)
	a.Reconcile("c1", 0, &stale)
	c, _ := a.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, "m9", c.LastMessage.MessageID)

	// A provisional preview is replaced by its confirmation even when the
	// server placed it earlier.
	a.OnAppend(aggregate.AppendUpdate{ConversationID: "c2", Message: domain.Message{
		ID: domain.ProvisionalID("l1"), SenderID: "me", Content: "hi", Kind: domain.KindText, CreatedAt: t0.Add(5 * time.Second),
	}})
	ack := msg("s1", 4*time.Second)
	ack.ClientRef = "l1"
	a.Reconcile("c2", 0, &ack)
	c, _ = a.Get("c2")
	assert.Equal(t, "s1", c.LastMessage.MessageID)
}
