package httpserver_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/domain"
)

// memStore is an in-memory ConversationRepository and MessageRepository
// with the semantics of the postgres store.
type memStore struct {
	mu       sync.Mutex
	seq      int
	convs    map[string]*domain.Conversation
	msgs     []*domain.MessageRow
	receipts map[string]map[string]domain.Status
}

func newMemStore() *memStore {
	return &memStore{
		convs:    map[string]*domain.Conversation{},
		receipts: map[string]map[string]domain.Status{},
	}
}

type convRepo struct{ *memStore }

type msgRepo struct{ *memStore }

var (
	_ domain.ConversationRepository = convRepo{}
	_ domain.MessageRepository      = msgRepo{}
)

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%d", prefix, s.seq)
}

func clone(c *domain.Conversation) *domain.Conversation {
	cp := *c
	cp.Members = append([]domain.Member(nil), c.Members...)
	return &cp
}

func (r convRepo) Create(_ context.Context, c *domain.Conversation, memberIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !c.IsGroup {
		for _, other := range r.convs {
			if !other.IsGroup && sameMembers(other, memberIDs) {
				return domain.ErrConflict
			}
		}
	}
	c.ID = r.nextID("c")
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	c.Members = nil
	for _, id := range memberIDs {
		c.Members = append(c.Members, domain.Member{UserID: id, JoinedAt: c.CreatedAt})
	}
	r.convs[c.ID] = clone(c)
	return nil
}

func sameMembers(c *domain.Conversation, ids []string) bool {
	if len(c.Members) != len(ids) {
		return false
	}
	for _, id := range ids {
		if _, ok := c.Member(id); !ok {
			return false
		}
	}
	return true
}

func (r convRepo) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(c), nil
}

func (r convRepo) ListForUser(_ context.Context, userID string, offset, limit int) ([]*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*domain.Conversation
	for _, c := range r.convs {
		if _, ok := c.Member(userID); !ok {
			continue
		}
		cp := clone(c)
		for _, m := range r.msgs {
			if m.ConversationID != c.ID {
				continue
			}
			if cp.LastMessage == nil || m.CreatedAt.After(cp.LastMessage.CreatedAt) {
				cp.LastMessage = &domain.Preview{MessageID: m.ID, SenderID: m.SenderID,
					Content: m.Content, Kind: m.Kind, CreatedAt: m.CreatedAt}
			}
			if m.SenderID != userID && r.statusFor(m, userID) < domain.StatusRead {
				cp.UnreadCount++
			}
		}
		res = append(res, cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	if offset >= len(res) {
		return nil, nil
	}
	res = res[offset:]
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (r convRepo) FindExistingDirect(_ context.Context, a, b string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.convs {
		if !c.IsGroup && sameMembers(c, []string{a, b}) {
			return clone(c), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r convRepo) MemberIDs(_ context.Context, id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	if c, ok := r.convs[id]; ok {
		for _, m := range c.Members {
			ids = append(ids, m.UserID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r convRepo) IsMember(_ context.Context, conv, user string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conv]
	if !ok {
		return false, nil
	}
	_, member := c.Member(user)
	return member, nil
}

func (s *memStore) statusFor(m *domain.MessageRow, userID string) domain.Status {
	if m.RecipientID != "" {
		return m.Status
	}
	if st, ok := s.receipts[m.ID][userID]; ok {
		return st
	}
	return m.Status
}

func (r msgRepo) Insert(_ context.Context, m *domain.MessageRow, memberIDs []string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.msgs {
		if m.ClientRef != "" && existing.SenderID == m.SenderID && existing.ClientRef == m.ClientRef {
			*m = *existing
			return false, nil
		}
	}
	m.ID = r.nextID("s")
	m.Status = domain.StatusSent
	m.UpdatedAt = m.CreatedAt
	cp := *m
	r.msgs = append(r.msgs, &cp)
	if m.RecipientID == "" {
		r.receipts[m.ID] = map[string]domain.Status{}
		for _, id := range memberIDs {
			if id != m.SenderID {
				r.receipts[m.ID][id] = domain.StatusSent
			}
		}
	}
	return true, nil
}

func (r msgRepo) GetByID(_ context.Context, id string) (*domain.MessageRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r msgRepo) ListBefore(_ context.Context, conv, viewer string, before domain.Cursor, limit int) ([]*domain.MessageRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*domain.MessageRow
	for i := len(r.msgs) - 1; i >= 0 && len(res) < limit; i-- {
		m := r.msgs[i]
		if m.ConversationID != conv {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before.CreatedAt) {
			continue
		}
		cp := *m
		if m.SenderID != viewer {
			cp.Status = r.statusFor(m, viewer)
		}
		res = append(res, &cp)
	}
	return res, nil
}

func (r msgRepo) AdvanceStatus(_ context.Context, m *domain.MessageRow, userID string, status domain.Status) (domain.StatusChange, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stored := range r.msgs {
		if stored.ID != m.ID {
			continue
		}
		if stored.RecipientID != "" {
			if !stored.Status.Advances(status) {
				return domain.StatusChange{}, false, nil
			}
			stored.Status = status
			cp := *stored
			return domain.StatusChange{Direct: &cp}, true, nil
		}
		if !r.receipts[m.ID][userID].Advances(status) {
			return domain.StatusChange{}, false, nil
		}
		r.receipts[m.ID][userID] = status
		return domain.StatusChange{Receipt: &domain.StatusRow{MessageID: m.ID,
			ConversationID: m.ConversationID, UserID: userID, Status: status}}, true, nil
	}
	return domain.StatusChange{}, false, domain.ErrNotFound
}

func (r msgRepo) MarkReadUpTo(_ context.Context, conv, userID string, at time.Time) (*domain.MemberRow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conv]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	for _, m := range r.msgs {
		if m.ConversationID != conv || m.SenderID == userID || m.CreatedAt.After(at) {
			continue
		}
		if m.RecipientID == userID {
			m.Status = domain.StatusRead
		} else if m.RecipientID == "" {
			r.receipts[m.ID][userID] = domain.StatusRead
		}
	}
	for i := range c.Members {
		mem := &c.Members[i]
		if mem.UserID != userID {
			continue
		}
		row := &domain.MemberRow{ConversationID: conv, UserID: userID, JoinedAt: mem.JoinedAt}
		if mem.LastReadAt != nil && !mem.LastReadAt.Before(at) {
			row.LastReadAt = mem.LastReadAt
			return row, false, nil
		}
		t := at
		mem.LastReadAt = &t
		row.LastReadAt = &t
		return row, true, nil
	}
	return nil, false, domain.ErrNotFound
}
