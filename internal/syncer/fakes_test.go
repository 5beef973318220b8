package syncer_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/realtime"
)

// fakeRemote is an in-memory remote store seen by one viewer. Derived
// conversation fields are computed from the rows on every list, like the
// server does.
type fakeRemote struct {
	mu           sync.Mutex
	viewer       string
	convs        map[string]*domain.Conversation
	rows         map[string][]domain.MessageRow
	seq          int
	offline      bool
	unauthorized bool
	// loseResponses makes the next inserts succeed on the server but fail for the caller.
	loseResponses int
	insertCalls   int
	acks          []string
	reads         map[string]time.Time
	listHook      func(ctx context.Context, conversationID string) error
	// convsHook runs before the conversation list is read.
	convsHook func(ctx context.Context) error
}

func newFakeRemote(viewer string) *fakeRemote {
	return &fakeRemote{
		viewer: viewer,
		convs:  make(map[string]*domain.Conversation),
		rows:   make(map[string][]domain.MessageRow),
		reads:  make(map[string]time.Time),
	}
}

func (r *fakeRemote) addConversation(id string, memberIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &domain.Conversation{ID: id, IsGroup: len(memberIDs) > 2, CreatedBy: memberIDs[0], CreatedAt: t0, UpdatedAt: t0}
	for _, m := range memberIDs {
		c.Members = append(c.Members, domain.Member{UserID: m, JoinedAt: t0})
	}
	r.convs[id] = c
}

func (r *fakeRemote) addMessage(row domain.MessageRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.ConversationID] = append(r.rows[row.ConversationID], row)
	sort.Slice(r.rows[row.ConversationID], func(i, j int) bool {
		a, b := r.rows[row.ConversationID][i], r.rows[row.ConversationID][j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (r *fakeRemote) setStatus(messageID string, st domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conv, rows := range r.rows {
		for i := range rows {
			if rows[i].ID == messageID && rows[i].Status < st {
				r.rows[conv][i].Status = st
			}
		}
	}
}

func (r *fakeRemote) setOffline(v bool) {
	r.mu.Lock()
	r.offline = v
	r.mu.Unlock()
}

func (r *fakeRemote) setUnauthorized(v bool) {
	r.mu.Lock()
	r.unauthorized = v
	r.mu.Unlock()
}

func (r *fakeRemote) fail() error {
	switch {
	case r.unauthorized:
		return fmt.Errorf("remote: %w", domain.ErrUnauthorized)
	case r.offline:
		return fmt.Errorf("dial remote: %w", domain.ErrTransient)
	}
	return nil
}

func (r *fakeRemote) withRef(ref string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rows := range r.rows {
		for _, row := range rows {
			if row.ClientRef == ref {
				n++
			}
		}
	}
	return n
}

func (r *fakeRemote) acked(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.acks {
		if id == messageID {
			return true
		}
	}
	return false
}

func (r *fakeRemote) readAt(conversationID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads[conversationID]
}

func (r *fakeRemote) ListConversations(ctx context.Context, _ string, _ int) (domain.ConversationPage, error) {
	r.mu.Lock()
	hook := r.convsHook
	r.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return domain.ConversationPage{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return domain.ConversationPage{}, err
	}
	var page domain.ConversationPage
	for id, c := range r.convs {
		out := *c
		out.Members = append([]domain.Member(nil), c.Members...)
		rows := r.rows[id]
		if len(rows) > 0 {
			p := domain.PreviewOf(rows[len(rows)-1].Message())
			out.LastMessage = &p
		}
		for _, row := range rows {
			if row.SenderID != r.viewer && row.Status != domain.StatusRead {
				out.UnreadCount++
			}
		}
		page.Conversations = append(page.Conversations, out)
	}
	return page, nil
}

func (r *fakeRemote) ListMessages(ctx context.Context, conversationID string, before domain.Cursor, limit int) (domain.MessagePage, error) {
	r.mu.Lock()
	hook := r.listHook
	r.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, conversationID); err != nil {
			return domain.MessagePage{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return domain.MessagePage{}, err
	}
	var page domain.MessagePage
	rows := r.rows[conversationID]
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if !before.IsZero() && !(row.CreatedAt.Before(before.CreatedAt) ||
			(row.CreatedAt.Equal(before.CreatedAt) && row.ID < before.ID)) {
			continue
		}
		if len(page.Messages) == limit {
			page.HasMore = true
			break
		}
		page.Messages = append(page.Messages, row)
	}
	return page, nil
}

func (r *fakeRemote) InsertMessage(ctx context.Context, in domain.NewMessage) (domain.MessageRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertCalls++
	if err := r.fail(); err != nil {
		return domain.MessageRow{}, err
	}
	for _, row := range r.rows[in.ConversationID] {
		if row.SenderID == r.viewer && row.ClientRef == in.ClientRef {
			return row, nil
		}
	}
	c, ok := r.convs[in.ConversationID]
	if !ok {
		return domain.MessageRow{}, fmt.Errorf("conversation %s: %w", in.ConversationID, domain.ErrNotFound)
	}
	r.seq++
	row := domain.MessageRow{
		ID:             fmt.Sprintf("srv-%d", r.seq),
		ClientRef:      in.ClientRef,
		ConversationID: in.ConversationID,
		SenderID:       r.viewer,
		RecipientID:    c.Peer(r.viewer),
		Content:        in.Content,
		Kind:           in.Kind,
		Status:         domain.StatusSent,
		// The server clock is slightly ahead of the client's.
		CreatedAt: in.CreatedAt.Add(2 * time.Second),
		UpdatedAt: in.CreatedAt.Add(2 * time.Second),
	}
	r.rows[in.ConversationID] = append(r.rows[in.ConversationID], row)
	if r.loseResponses > 0 {
		r.loseResponses--
		return domain.MessageRow{}, fmt.Errorf("read response: %w", domain.ErrTransient)
	}
	return row, nil
}

func (r *fakeRemote) UpdateStatus(ctx context.Context, conversationID, messageID string, status domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.acks = append(r.acks, messageID)
	for i, row := range r.rows[conversationID] {
		if row.ID == messageID && row.Status < status {
			r.rows[conversationID][i].Status = status
		}
	}
	return nil
}

func (r *fakeRemote) MarkRead(ctx context.Context, conversationID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.reads[conversationID] = at
	for i, row := range r.rows[conversationID] {
		if row.SenderID != r.viewer && !row.CreatedAt.After(at) {
			r.rows[conversationID][i].Status = domain.StatusRead
		}
	}
	if c, ok := r.convs[conversationID]; ok {
		for i := range c.Members {
			if c.Members[i].UserID == r.viewer {
				at := at
				c.Members[i].LastReadAt = &at
			}
		}
	}
	return nil
}

func (r *fakeRemote) CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error) {
	r.mu.Lock()
	r.seq++
	id := fmt.Sprintf("conv-%d", r.seq)
	r.mu.Unlock()
	r.addConversation(id, append([]string{r.viewer}, in.MemberIDs...)...)

	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.convs[id]
	c.Name = in.Name
	return c, nil
}

// fakeStream is an event stream driven by the test.
type fakeStream struct {
	updates chan realtime.Update
}

func newFakeStream() *fakeStream {
	return &fakeStream{updates: make(chan realtime.Update, 64)}
}

func (s *fakeStream) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeStream) Updates() <-chan realtime.Update {
	return s.updates
}

func (s *fakeStream) send(u realtime.Update) {
	s.updates <- u
}

type fakeUploader struct {
	url string
}

func (u fakeUploader) Upload(_ context.Context, kind domain.Kind, localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("upload: %w", domain.ErrInvalidArgument)
	}
	return u.url, nil
}
