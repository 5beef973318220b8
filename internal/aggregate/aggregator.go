// Package aggregate maintains the derived per-conversation state shown in a
// conversation list: the last message preview and the viewer's unread count.
package aggregate

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/domain"
)

// AppendUpdate is the effect of a message append on its conversation.
type AppendUpdate struct {
	ConversationID string
	Message        domain.Message
	// ReplacesID is the provisional id the message confirmed, if any. A preview
	// showing that id is replaced regardless of timestamps.
	ReplacesID  string
	UnreadDelta int
}

// Updater is the write side of the aggregator. Only the delivery state machine
// and the coordinator hold it.
type Updater interface {
	OnAppend(u AppendUpdate)
	OnStatus(conversationID string, unreadDelta int)
	Reconcile(conversationID string, unread int, latest *domain.Message)
	Seed(conversations []domain.Conversation)
	Upsert(c domain.Conversation)
	OnWatermark(conversationID, userID string, at time.Time)
	Reset()
}

// Reader is the read side handed to consumers.
type Reader interface {
	List() []domain.Conversation
	Get(conversationID string) (domain.Conversation, bool)
}

var (
	_ Updater = (*Aggregator)(nil)
	_ Reader  = (*Aggregator)(nil)
)

// Aggregator owns the conversation list of one session.
type Aggregator struct {
	mu    sync.RWMutex
	convs map[string]*domain.Conversation

	onChange func(conversationID string)
}

// New returns an empty aggregator. onChange, if not nil, is called after every
// change with the affected conversation id, or "" when the whole list changed.
// It is called without the aggregator lock held.
func New(onChange func(conversationID string)) *Aggregator {
	return &Aggregator{
		convs:    make(map[string]*domain.Conversation),
		onChange: onChange,
	}
}

func (a *Aggregator) notify(conversationID string) {
	if a.onChange != nil {
		a.onChange(conversationID)
	}
}

func (a *Aggregator) conv(id string) *domain.Conversation {
	c, ok := a.convs[id]
	if !ok {
		c = &domain.Conversation{ID: id}
		a.convs[id] = c
	}
	return c
}

// OnAppend folds an appended message into its conversation.
func (a *Aggregator) OnAppend(u AppendUpdate) {
	if u.ConversationID == "" {
		return
	}
	a.mu.Lock()
	c := a.conv(u.ConversationID)
	changed := applyPreview(c, u.Message, u.ReplacesID)
	if u.UnreadDelta != 0 {
		c.UnreadCount = clamp(c.UnreadCount + u.UnreadDelta)
		changed = true
	}
	a.mu.Unlock()

	if changed {
		a.notify(u.ConversationID)
	}
}

func applyPreview(c *domain.Conversation, m domain.Message, replacesID string) bool {
	if m.ID.IsZero() {
		return false
	}
	p := c.LastMessage
	switch {
	case p == nil:
	case replacesID != "" && p.MessageID == replacesID:
	case p.MessageID == m.ID.Value:
	case m.CreatedAt.After(p.CreatedAt):
	default:
		return false
	}
	preview := domain.PreviewOf(m)
	c.LastMessage = &preview
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	return true
}

// OnStatus applies the unread effect of a status transition.
func (a *Aggregator) OnStatus(conversationID string, unreadDelta int) {
	if conversationID == "" || unreadDelta == 0 {
		return
	}
	a.mu.Lock()
	c := a.conv(conversationID)
	c.UnreadCount = clamp(c.UnreadCount + unreadDelta)
	a.mu.Unlock()

	a.notify(conversationID)
}

// Reconcile overwrites the unread count of a conversation with the result of
// a full recount. The preview moves to latest unless it already shows a newer
// message. A nil latest leaves the preview untouched.
func (a *Aggregator) Reconcile(conversationID string, unread int, latest *domain.Message) {
	if conversationID == "" {
		return
	}
	a.mu.Lock()
	c := a.conv(conversationID)
	c.UnreadCount = clamp(unread)
	if latest != nil {
		applyPreview(c, *latest, latest.ClientRef)
	}
	a.mu.Unlock()

	a.notify(conversationID)
}

// Seed replaces the conversation list with a snapshot. A preview already
// known to be newer than the snapshot's survives.
func (a *Aggregator) Seed(conversations []domain.Conversation) {
	a.mu.Lock()
	next := make(map[string]*domain.Conversation, len(conversations))
	for _, in := range conversations {
		if in.ID == "" {
			continue
		}
		c := clone(in)
		c.UnreadCount = clamp(c.UnreadCount)
		if old, ok := a.convs[in.ID]; ok && old.LastMessage != nil {
			if c.LastMessage == nil || old.LastMessage.CreatedAt.After(c.LastMessage.CreatedAt) {
				p := *old.LastMessage
				c.LastMessage = &p
			}
		}
		next[in.ID] = &c
	}
	a.convs = next
	a.mu.Unlock()

	a.notify("")
}

// Upsert adds a single conversation, or refreshes its metadata while keeping
// the derived fields already held.
func (a *Aggregator) Upsert(in domain.Conversation) {
	if in.ID == "" {
		return
	}
	a.mu.Lock()
	c := clone(in)
	if old, ok := a.convs[in.ID]; ok {
		c.UnreadCount = old.UnreadCount
		if old.LastMessage != nil {
			p := *old.LastMessage
			c.LastMessage = &p
		}
		if old.UpdatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = old.UpdatedAt
		}
	}
	a.convs[in.ID] = &c
	a.mu.Unlock()

	a.notify(in.ID)
}

// OnWatermark advances the last_read_at of a member. It never moves backwards.
func (a *Aggregator) OnWatermark(conversationID, userID string, at time.Time) {
	if conversationID == "" || userID == "" || at.IsZero() {
		return
	}
	a.mu.Lock()
	c, ok := a.convs[conversationID]
	changed := false
	if ok {
		for i := range c.Members {
			m := &c.Members[i]
			if m.UserID != userID {
				continue
			}
			if m.LastReadAt == nil || at.After(*m.LastReadAt) {
				at := at
				m.LastReadAt = &at
				changed = true
			}
		}
	}
	a.mu.Unlock()

	if changed {
		a.notify(conversationID)
	}
}

// Reset drops every conversation.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.convs = make(map[string]*domain.Conversation)
	a.mu.Unlock()

	a.notify("")
}

// Get returns a copy of one conversation.
func (a *Aggregator) Get(conversationID string) (domain.Conversation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.convs[conversationID]
	if !ok {
		return domain.Conversation{}, false
	}
	return clone(*c), true
}

// List returns copies of all conversations, most recently active first.
// Conversations without messages are placed by creation time; ties break on id.
func (a *Aggregator) List() []domain.Conversation {
	a.mu.RLock()
	out := make([]domain.Conversation, 0, len(a.convs))
	for _, c := range a.convs {
		out = append(out, clone(*c))
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := activity(out[i]), activity(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func activity(c domain.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

func clone(c domain.Conversation) domain.Conversation {
	out := c
	if c.Name != nil {
		name := *c.Name
		out.Name = &name
	}
	if c.LastMessage != nil {
		p := *c.LastMessage
		out.LastMessage = &p
	}
	out.Members = make([]domain.Member, len(c.Members))
	for i, m := range c.Members {
		out.Members[i] = m
		if m.LastReadAt != nil {
			at := *m.LastReadAt
			out.Members[i].LastReadAt = &at
		}
	}
	return out
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
