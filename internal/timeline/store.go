// Package timeline holds the canonical per-conversation message log of a sync
// session together with the delivery status of every (message, recipient) pair.
package timeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/domain"
)

// AppendResult describes the effect of an Append.
type AppendResult struct {
	Inserted bool
	Message  domain.Message
	// Replaced is the provisional identity a confirmed message took over, if any.
	Replaced domain.Identity
	// UnreadDelta is the change of the viewer's unread count (-1, 0 or +1).
	UnreadDelta int
}

// StatusResult describes the effect of an UpdateStatus.
type StatusResult struct {
	Applied     bool
	Message     domain.Message
	UnreadDelta int
}

// BatchResult describes the effect of a watermark advance.
type BatchResult struct {
	Changed     []domain.Message
	UnreadDelta int
}

type entry struct {
	msg      domain.Message
	receipts map[string]domain.Status
}

type conversationLog struct {
	mu      sync.RWMutex
	entries []*entry // oldest first
	byKey   map[string]*entry
	byRef   map[string]*entry
	loaded  bool
}

func newConversationLog() *conversationLog {
	return &conversationLog{
		byKey: make(map[string]*entry),
		byRef: make(map[string]*entry),
	}
}

// Store is the message store of one viewer. It is safe for concurrent use;
// every conversation has its own lock so readers of one conversation never
// observe a partially applied mutation.
type Store struct {
	viewer string

	mu    sync.RWMutex
	convs map[string]*conversationLog
	index map[string]string // confirmed message id -> conversation id
}

func NewStore(viewerID string) *Store {
	return &Store{
		viewer: viewerID,
		convs:  make(map[string]*conversationLog),
		index:  make(map[string]string),
	}
}

// Viewer returns the user the store computes unread state for.
func (s *Store) Viewer() string {
	return s.viewer
}

func (s *Store) log(conversationID string, create bool) *conversationLog {
	s.mu.RLock()
	l, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.convs[conversationID]; ok {
		return l
	}
	l = newConversationLog()
	s.convs[conversationID] = l
	return l
}

func (s *Store) indexMessage(conversationID, messageID string) {
	s.mu.Lock()
	s.index[messageID] = conversationID
	s.mu.Unlock()
}

// Append inserts msg in creation-timestamp order. Appending an identity that is
// already stored merges the two non-destructively. A confirmed message also
// merges into the provisional entry it confirms, matched by client reference
// or, without one, by sender, content, kind and timestamp.
func (s *Store) Append(conversationID string, msg domain.Message) (AppendResult, error) {
	if conversationID == "" {
		return AppendResult{}, fmt.Errorf("append: empty conversation id: %w", domain.ErrInvalidArgument)
	}
	if !msg.ID.Valid() {
		return AppendResult{}, fmt.Errorf("append: malformed message identity %s: %w", msg.ID, domain.ErrInvalidArgument)
	}
	if msg.SenderID == "" {
		return AppendResult{}, fmt.Errorf("append %s: empty sender: %w", msg.ID, domain.ErrInvalidArgument)
	}
	if msg.ConversationID != "" && msg.ConversationID != conversationID {
		return AppendResult{}, fmt.Errorf("append %s: belongs to conversation %s: %w", msg.ID, msg.ConversationID, domain.ErrInvalidArgument)
	}
	msg.ConversationID = conversationID
	if msg.ID.IsProvisional() && msg.ClientRef == "" {
		msg.ClientRef = msg.ID.Value
	}
	if msg.CreatedAt.IsZero() {
		return AppendResult{}, fmt.Errorf("append %s: missing creation time: %w", msg.ID, domain.ErrInvalidArgument)
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	l := s.log(conversationID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.find(msg)
	if e == nil {
		e = &entry{msg: msg, receipts: make(map[string]domain.Status)}
		e.msg.Receipts = nil
		for k, st := range msg.Receipts {
			if st.Valid() {
				e.receipts[k] = st
			}
		}
		if msg.Status.Valid() {
			k := s.receiptKey(e.msg)
			e.receipts[k] = domain.MaxStatus(e.receipts[k], msg.Status)
		}
		l.insert(e)
		if e.msg.ID.IsConfirmed() {
			s.indexMessage(conversationID, e.msg.ID.Value)
		}
		res := AppendResult{Inserted: true, Message: s.view(e)}
		if s.unread(e) {
			res.UnreadDelta = 1
		}
		return res, nil
	}

	before := s.unread(e)
	replaced := s.merge(l, e, msg)
	if replaced.Valid() {
		s.indexMessage(conversationID, e.msg.ID.Value)
	}
	res := AppendResult{Message: s.view(e), Replaced: replaced}
	res.UnreadDelta = delta(before, s.unread(e))
	return res, nil
}

func (l *conversationLog) find(msg domain.Message) *entry {
	if e, ok := l.byKey[msg.ID.Key()]; ok {
		return e
	}
	if msg.ClientRef != "" {
		if e, ok := l.byRef[msg.ClientRef]; ok {
			return e
		}
	}
	if !msg.ID.IsConfirmed() {
		return nil
	}
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !e.msg.ID.IsProvisional() {
			continue
		}
		if e.msg.SenderID == msg.SenderID && e.msg.Content == msg.Content &&
			e.msg.Kind == msg.Kind && e.msg.CreatedAt.Equal(msg.CreatedAt) {
			return e
		}
	}
	return nil
}

// merge folds incoming into e and returns the provisional identity e was
// confirmed from, if this merge confirmed it.
func (s *Store) merge(l *conversationLog, e *entry, incoming domain.Message) domain.Identity {
	var replaced domain.Identity

	if incoming.ID.IsConfirmed() && e.msg.ID.IsProvisional() {
		replaced = e.msg.ID
		// The identity is part of the sort key, so the entry moves even at
		// an unchanged timestamp.
		l.remove(e)
		delete(l.byKey, e.msg.ID.Key())
		e.msg.ID = incoming.ID
		e.msg.CreatedAt = incoming.CreatedAt
		if e.msg.ClientRef == "" {
			e.msg.ClientRef = incoming.ClientRef
		}
		if e.msg.RecipientID == "" {
			e.msg.RecipientID = incoming.RecipientID
		}
		l.insert(e)
	}

	switch {
	case e.msg.ID.IsConfirmed():
		e.msg.SendState = domain.SendConfirmed
	case incoming.SendState != domain.SendConfirmed:
		e.msg.SendState = incoming.SendState
	}

	if incoming.UpdatedAt.After(e.msg.UpdatedAt) {
		e.msg.UpdatedAt = incoming.UpdatedAt
	}
	for k, st := range incoming.Receipts {
		if st.Valid() {
			e.receipts[k] = domain.MaxStatus(e.receipts[k], st)
		}
	}
	if incoming.Status.Valid() {
		k := s.receiptKey(e.msg)
		e.receipts[k] = domain.MaxStatus(e.receipts[k], incoming.Status)
	}
	return replaced
}

// UpdateStatus advances the status of (messageID, recipientID). It applies only
// when status is strictly further than the stored one; anything else is a
// silent no-op. An unknown message yields ErrNotFound so callers can buffer.
func (s *Store) UpdateStatus(conversationID, messageID, recipientID string, status domain.Status) (StatusResult, error) {
	if conversationID == "" || messageID == "" || recipientID == "" {
		return StatusResult{}, fmt.Errorf("update status: empty identity: %w", domain.ErrInvalidArgument)
	}
	if !status.Valid() {
		return StatusResult{}, fmt.Errorf("update status of %s: %w", messageID, domain.ErrInvalidArgument)
	}

	l := s.log(conversationID, false)
	if l == nil {
		return StatusResult{}, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[domain.ConfirmedID(messageID).Key()]
	if !ok {
		return StatusResult{}, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	if recipientID == e.msg.SenderID || !e.receipts[recipientID].Advances(status) {
		return StatusResult{Message: s.view(e)}, nil
	}

	before := s.unread(e)
	e.receipts[recipientID] = status
	return StatusResult{
		Applied:     true,
		Message:     s.view(e),
		UnreadDelta: delta(before, s.unread(e)),
	}, nil
}

// MarkReadUpTo moves every message recipientID can read, created at or before
// at, to read for that recipient. A zero at covers the whole timeline.
func (s *Store) MarkReadUpTo(conversationID, recipientID string, at time.Time) (BatchResult, error) {
	if conversationID == "" || recipientID == "" {
		return BatchResult{}, fmt.Errorf("mark read: empty identity: %w", domain.ErrInvalidArgument)
	}
	l := s.log(conversationID, false)
	if l == nil {
		return BatchResult{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var res BatchResult
	for _, e := range l.entries {
		if !at.IsZero() && e.msg.CreatedAt.After(at) {
			break
		}
		if e.msg.SenderID == recipientID || !e.msg.ID.IsConfirmed() {
			continue
		}
		if e.msg.RecipientID != "" && e.msg.RecipientID != recipientID {
			continue
		}
		if !e.receipts[recipientID].Advances(domain.StatusRead) {
			continue
		}
		before := s.unread(e)
		e.receipts[recipientID] = domain.StatusRead
		res.UnreadDelta += delta(before, s.unread(e))
		res.Changed = append(res.Changed, s.view(e))
	}
	return res, nil
}

// MarkFailed flags the provisional message localID as failed to send.
func (s *Store) MarkFailed(conversationID, localID string) (domain.Message, error) {
	return s.setSendState(conversationID, localID, domain.SendFailed)
}

// MarkPending flags the provisional message localID as being sent again.
func (s *Store) MarkPending(conversationID, localID string) (domain.Message, error) {
	return s.setSendState(conversationID, localID, domain.SendPending)
}

func (s *Store) setSendState(conversationID, localID string, state domain.SendState) (domain.Message, error) {
	if conversationID == "" || localID == "" {
		return domain.Message{}, fmt.Errorf("send state: empty identity: %w", domain.ErrInvalidArgument)
	}
	l := s.log(conversationID, false)
	if l == nil {
		return domain.Message{}, fmt.Errorf("provisional message %s: %w", localID, domain.ErrNotFound)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byRef[localID]
	if !ok {
		return domain.Message{}, fmt.Errorf("provisional message %s: %w", localID, domain.ErrNotFound)
	}
	// A confirmed message never goes back to pending or failed.
	if e.msg.ID.IsProvisional() {
		e.msg.SendState = state
	}
	return s.view(e), nil
}

// Get returns the message with the given identity, or the confirmation of a
// provisional identity.
func (s *Store) Get(conversationID string, id domain.Identity) (domain.Message, bool) {
	l := s.log(conversationID, false)
	if l == nil {
		return domain.Message{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if e, ok := l.byKey[id.Key()]; ok {
		return s.view(e), true
	}
	if id.IsProvisional() {
		if e, ok := l.byRef[id.Value]; ok {
			return s.view(e), true
		}
	}
	return domain.Message{}, false
}

// Locate returns the conversation holding the confirmed message messageID.
func (s *Store) Locate(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.index[messageID]
	return conv, ok
}

// Latest returns the message with the greatest creation timestamp.
func (s *Store) Latest(conversationID string) (domain.Message, bool) {
	l := s.log(conversationID, false)
	if l == nil {
		return domain.Message{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return domain.Message{}, false
	}
	return s.view(l.entries[len(l.entries)-1]), true
}

// UnreadCount recounts the viewer's unread messages from scratch.
func (s *Store) UnreadCount(conversationID string) int {
	l := s.log(conversationID, false)
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		if s.unread(e) {
			n++
		}
	}
	return n
}

// Len returns the number of stored messages of a conversation.
func (s *Store) Len(conversationID string) int {
	l := s.log(conversationID, false)
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// SetLoaded records that a snapshot page of the conversation has been merged,
// which makes a local recount meaningful.
func (s *Store) SetLoaded(conversationID string) {
	l := s.log(conversationID, true)
	l.mu.Lock()
	l.loaded = true
	l.mu.Unlock()
}

// ClearLoaded records that the timeline may be missing messages newer than
// what it holds, until the next snapshot page is merged.
func (s *Store) ClearLoaded(conversationID string) {
	l := s.log(conversationID, false)
	if l == nil {
		return
	}
	l.mu.Lock()
	l.loaded = false
	l.mu.Unlock()
}

func (s *Store) Loaded(conversationID string) bool {
	l := s.log(conversationID, false)
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// Reset drops every conversation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = make(map[string]*conversationLog)
	s.index = make(map[string]string)
}

func (s *Store) receiptKey(m domain.Message) string {
	if m.SenderID != s.viewer {
		return s.viewer
	}
	if m.RecipientID != "" {
		return m.RecipientID
	}
	return domain.AnyRecipient
}

func (s *Store) unread(e *entry) bool {
	return e.msg.SenderID != s.viewer && e.receipts[s.viewer] != domain.StatusRead
}

// viewStatus is the status shown to the viewer for a message.
func (s *Store) viewStatus(e *entry) domain.Status {
	if e.msg.SenderID != s.viewer {
		return e.receipts[s.viewer]
	}
	if e.msg.RecipientID != "" {
		return e.receipts[e.msg.RecipientID]
	}
	// Own group message: the slowest member, never below the aggregate.
	slowest, seen := domain.StatusUnknown, false
	for k, st := range e.receipts {
		if k == domain.AnyRecipient {
			continue
		}
		if !seen || st < slowest {
			slowest, seen = st, true
		}
	}
	return domain.MaxStatus(slowest, e.receipts[domain.AnyRecipient])
}

func (s *Store) view(e *entry) domain.Message {
	m := e.msg
	m.Status = s.viewStatus(e)
	m.Receipts = make(map[string]domain.Status, len(e.receipts))
	for k, st := range e.receipts {
		m.Receipts[k] = st
	}
	return m
}

func (l *conversationLog) insert(e *entry) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return less(e.msg, l.entries[i].msg)
	})
	l.entries = append(l.entries, nil)
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	l.byKey[e.msg.ID.Key()] = e
	if e.msg.ClientRef != "" {
		l.byRef[e.msg.ClientRef] = e
	}
}

func (l *conversationLog) remove(e *entry) {
	for i, cur := range l.entries {
		if cur == e {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// less orders messages by creation time, then identity.
func less(a, b domain.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.Value < b.ID.Value
}

func delta(before, after bool) int {
	switch {
	case before && !after:
		return -1
	case !before && after:
		return 1
	}
	return 0
}
