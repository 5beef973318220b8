// Package delivery turns realtime change events and local actions into
// forward-only mutations of the message store, keeping the conversation
// aggregates in step.
package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/aggregate"
	"chatsync/internal/domain"
	"chatsync/internal/timeline"
)

// Aggregates is the part of the aggregator the machine drives. Get is used to
// tell known conversations from new ones.
type Aggregates interface {
	aggregate.Updater
	Get(conversationID string) (domain.Conversation, bool)
}

// Ack asks the coordinator to acknowledge delivery of a message to the server.
type Ack struct {
	ConversationID string
	MessageID      string
}

// Effect is what the coordinator has to do after an event was applied.
type Effect struct {
	// ConversationID is the conversation whose timeline changed, if any.
	ConversationID string
	// RefreshConversations is set when the conversation list must be reloaded.
	RefreshConversations bool
	Acks                 []Ack
}

// Machine is the delivery state machine of one session.
type Machine struct {
	store   *timeline.Store
	agg     Aggregates
	locks   *keyedMutex
	pending *pendingBuffer
	log     zerolog.Logger
}

type Option func(*Machine)

// WithPendingLimit bounds the early events buffered per conversation.
func WithPendingLimit(n int) Option {
	return func(m *Machine) { m.pending = newPendingBuffer(n) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

func New(store *timeline.Store, agg Aggregates, opts ...Option) *Machine {
	m := &Machine{
		store:   store,
		agg:     agg,
		locks:   newKeyedMutex(),
		pending: newPendingBuffer(DefaultPendingLimit),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "delivery").Logger()
	return m
}

func (m *Machine) viewer() string {
	return m.store.Viewer()
}

// Apply applies one change event. Malformed events return ErrInvalidArgument
// and leave all state untouched.
func (m *Machine) Apply(ev domain.ChangeEvent) (Effect, error) {
	switch ev.Table {
	case domain.TableMessages:
		return m.applyMessage(ev)
	case domain.TableMessageStatus:
		return m.applyReceipt(ev)
	case domain.TableMembers:
		return m.applyMember(ev)
	}
	m.log.Debug().Str("table", ev.Table).Msg("ignoring event for unknown table")
	return Effect{}, nil
}

func (m *Machine) applyMessage(ev domain.ChangeEvent) (Effect, error) {
	if ev.Operation == domain.OpDelete {
		return Effect{}, nil
	}
	var row domain.MessageRow
	if err := ev.DecodeRow(&row); err != nil {
		return Effect{}, err
	}
	if row.ID == "" || row.ConversationID == "" {
		return Effect{}, fmt.Errorf("message event without identity: %w", domain.ErrInvalidArgument)
	}

	conv := row.ConversationID
	unlock := m.locks.lock(conv)
	defer unlock()

	// An update for a message outside the loaded window only carries status.
	if ev.Operation == domain.OpUpdate {
		if _, ok := m.store.Get(conv, domain.ConfirmedID(row.ID)); !ok {
			if row.Status.Valid() {
				m.buffer(conv, pendingStatus{
					MessageID:   row.ID,
					RecipientID: m.receiptKey(row),
					Status:      row.Status,
				})
			}
			return Effect{}, nil
		}
	}

	snapshot, known := m.agg.Get(conv)
	res, err := m.appendLocked(conv, row.Message(), known && m.coveredBySnapshot(conv, snapshot, row))
	if err != nil {
		return Effect{}, err
	}

	eff := Effect{ConversationID: conv, RefreshConversations: !known}
	if ev.Operation == domain.OpInsert && row.SenderID != m.viewer() &&
		res.Message.Receipts[m.viewer()] < domain.StatusDelivered {
		eff.Acks = append(eff.Acks, Ack{ConversationID: conv, MessageID: row.ID})
	}
	return eff, nil
}

// coveredBySnapshot reports whether a message that is new to the store is
// already reflected in the server snapshot the aggregates were seeded from:
// the timeline is not loaded and the message is not newer than the server's
// last message.
func (m *Machine) coveredBySnapshot(conv string, snapshot domain.Conversation, row domain.MessageRow) bool {
	if m.store.Loaded(conv) || snapshot.LastMessage == nil {
		return false
	}
	p := snapshot.LastMessage
	if local, ok := m.store.Get(conv, domain.ProvisionalID(p.MessageID)); ok && local.ID.IsProvisional() {
		// The preview is an unsent local message, not server state.
		return false
	}
	return !row.CreatedAt.After(p.CreatedAt)
}

func (m *Machine) applyReceipt(ev domain.ChangeEvent) (Effect, error) {
	if ev.Operation == domain.OpDelete {
		return Effect{}, nil
	}
	var row domain.StatusRow
	if err := ev.DecodeRow(&row); err != nil {
		return Effect{}, err
	}
	if row.MessageID == "" || row.UserID == "" || !row.Status.Valid() {
		return Effect{}, fmt.Errorf("status event for %q: %w", row.MessageID, domain.ErrInvalidArgument)
	}

	conv := row.ConversationID
	if conv == "" {
		if located, ok := m.store.Locate(row.MessageID); ok {
			conv = located
		}
	}
	p := pendingStatus{MessageID: row.MessageID, RecipientID: row.UserID, Status: row.Status}
	if conv == "" {
		m.buffer("", p)
		return Effect{}, nil
	}

	unlock := m.locks.lock(conv)
	defer unlock()
	applied, err := m.transitionLocked(conv, p)
	if err != nil {
		return Effect{}, err
	}
	if !applied {
		return Effect{}, nil
	}
	return Effect{ConversationID: conv}, nil
}

func (m *Machine) applyMember(ev domain.ChangeEvent) (Effect, error) {
	var row domain.MemberRow
	if err := ev.DecodeRow(&row); err != nil {
		return Effect{}, err
	}
	if row.ConversationID == "" || row.UserID == "" {
		return Effect{}, fmt.Errorf("membership event without identity: %w", domain.ErrInvalidArgument)
	}

	conv := row.ConversationID
	known, isKnown := m.agg.Get(conv)

	switch ev.Operation {
	case domain.OpInsert, domain.OpDelete:
		if !isKnown {
			return Effect{RefreshConversations: true}, nil
		}
		_, member := known.Member(row.UserID)
		if member == (ev.Operation == domain.OpInsert) {
			return Effect{}, nil
		}
		return Effect{RefreshConversations: true}, nil
	}

	if row.LastReadAt == nil || row.LastReadAt.IsZero() {
		return Effect{}, nil
	}
	if !isKnown {
		return Effect{RefreshConversations: true}, nil
	}

	at := *row.LastReadAt
	unlock := m.locks.lock(conv)
	defer unlock()

	batch, err := m.store.MarkReadUpTo(conv, row.UserID, at)
	if err != nil {
		return Effect{}, err
	}
	m.agg.OnWatermark(conv, row.UserID, at)
	eff := Effect{ConversationID: conv}
	if row.UserID != m.viewer() {
		return eff, nil
	}

	// Another device of the viewer read the conversation.
	m.agg.OnStatus(conv, batch.UnreadDelta)
	if !m.store.Loaded(conv) {
		// Only a partial timeline is held, so the server count cannot be
		// corrected locally unless everything known is covered.
		if known.LastMessage != nil && !known.LastMessage.CreatedAt.After(at) {
			m.agg.Reconcile(conv, m.store.UnreadCount(conv), nil)
		} else {
			eff.RefreshConversations = true
		}
	}
	return eff, nil
}

// Ingest merges the newest page of a conversation fetched from the remote
// store and recounts the conversation from its now loaded timeline.
func (m *Machine) Ingest(conversationID string, rows []domain.MessageRow) (int, error) {
	return m.merge(conversationID, rows, true, nil)
}

// IngestIf is Ingest for a load that may have been superseded. current is
// checked under the conversation lock; when it reports false nothing is
// merged and ErrSuperseded is returned.
func (m *Machine) IngestIf(conversationID string, rows []domain.MessageRow, current func() bool) (int, error) {
	return m.merge(conversationID, rows, true, current)
}

// Backfill merges an older page. It does not by itself make the conversation
// count as loaded.
func (m *Machine) Backfill(conversationID string, rows []domain.MessageRow) (int, error) {
	return m.merge(conversationID, rows, false, nil)
}

// BackfillIf is Backfill guarded like IngestIf.
func (m *Machine) BackfillIf(conversationID string, rows []domain.MessageRow, current func() bool) (int, error) {
	return m.merge(conversationID, rows, false, current)
}

func (m *Machine) merge(conversationID string, rows []domain.MessageRow, newest bool, current func() bool) (int, error) {
	if conversationID == "" {
		return 0, fmt.Errorf("ingest: empty conversation id: %w", domain.ErrInvalidArgument)
	}
	unlock := m.locks.lock(conversationID)
	defer unlock()
	if current != nil && !current() {
		return 0, fmt.Errorf("ingest %s: %w", conversationID, domain.ErrSuperseded)
	}

	inserted := 0
	for _, row := range rows {
		if row.ID == "" {
			m.log.Warn().Str("conversation_id", conversationID).Msg("skipping message row without id")
			continue
		}
		if row.ConversationID == "" {
			row.ConversationID = conversationID
		}
		// Rows of a snapshot are already part of the server's unread count.
		res, err := m.appendLocked(conversationID, row.Message(), !newest)
		if err != nil {
			m.log.Warn().Err(err).Str("message_id", row.ID).Msg("skipping malformed message row")
			continue
		}
		if res.Inserted {
			inserted++
		}
	}
	if newest {
		m.store.SetLoaded(conversationID)
	}
	if m.store.Loaded(conversationID) {
		m.reconcileLocked(conversationID)
	}
	return inserted, nil
}

// Append stores a message created or confirmed locally.
func (m *Machine) Append(conversationID string, msg domain.Message) (timeline.AppendResult, error) {
	unlock := m.locks.lock(conversationID)
	defer unlock()
	return m.appendLocked(conversationID, msg, false)
}

// appendLocked stores msg and updates the aggregates. counted means the
// conversation's unread count already includes msg.
func (m *Machine) appendLocked(conv string, msg domain.Message, counted bool) (timeline.AppendResult, error) {
	res, err := m.store.Append(conv, msg)
	if err != nil {
		return res, err
	}

	update := aggregate.AppendUpdate{ConversationID: conv, Message: res.Message, UnreadDelta: res.UnreadDelta}
	if counted && res.Inserted {
		update.UnreadDelta = 0
	}
	if res.Replaced.Valid() {
		// The confirmed timestamp may have moved the message behind another one.
		if latest, ok := m.store.Latest(conv); ok {
			update.Message = latest
		}
		update.ReplacesID = res.Replaced.Value
	}
	m.agg.OnAppend(update)

	if res.Message.ID.IsConfirmed() {
		id := res.Message.ID.Value
		replay := append(m.pending.take(conv, id), m.pending.take("", id)...)
		for _, p := range replay {
			if _, err := m.transitionLocked(conv, p); err != nil {
				m.log.Warn().Err(err).Str("message_id", id).Msg("dropping buffered status event")
			}
		}
		if len(replay) > 0 {
			res.Message, _ = m.store.Get(conv, res.Message.ID)
		}
	}
	return res, nil
}

// Transition applies a status transition observed or requested locally.
// Unknown messages are buffered.
func (m *Machine) Transition(conversationID, messageID, recipientID string, status domain.Status) (bool, error) {
	unlock := m.locks.lock(conversationID)
	defer unlock()
	return m.transitionLocked(conversationID, pendingStatus{MessageID: messageID, RecipientID: recipientID, Status: status})
}

func (m *Machine) transitionLocked(conv string, p pendingStatus) (bool, error) {
	res, err := m.store.UpdateStatus(conv, p.MessageID, p.RecipientID, p.Status)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		m.buffer(conv, p)
		return false, nil
	case err != nil:
		return false, err
	}
	m.agg.OnStatus(conv, res.UnreadDelta)
	return res.Applied, nil
}

func (m *Machine) buffer(conv string, p pendingStatus) {
	if m.pending.add(conv, p) {
		m.log.Debug().Str("conversation_id", conv).Msg("pending status buffer full, dropped oldest event")
	}
}

// MarkRead marks every message of others in the conversation as read by the
// viewer and advances the viewer's watermark to at.
func (m *Machine) MarkRead(conversationID string, at time.Time) (timeline.BatchResult, error) {
	unlock := m.locks.lock(conversationID)
	defer unlock()

	res, err := m.store.MarkReadUpTo(conversationID, m.viewer(), time.Time{})
	if err != nil {
		return res, err
	}
	m.agg.OnStatus(conversationID, res.UnreadDelta)
	m.agg.OnWatermark(conversationID, m.viewer(), at)
	if m.store.Loaded(conversationID) {
		m.agg.Reconcile(conversationID, m.store.UnreadCount(conversationID), nil)
	}
	return res, nil
}

// MarkFailed flags a provisional message as failed to send.
func (m *Machine) MarkFailed(conversationID, localID string) (domain.Message, error) {
	unlock := m.locks.lock(conversationID)
	defer unlock()
	return m.store.MarkFailed(conversationID, localID)
}

// MarkPending flags a provisional message as being sent again.
func (m *Machine) MarkPending(conversationID, localID string) (domain.Message, error) {
	unlock := m.locks.lock(conversationID)
	defer unlock()
	return m.store.MarkPending(conversationID, localID)
}

// Recount recomputes the aggregates of a loaded conversation from the store.
// It reports false, and changes nothing, for conversations without a loaded
// timeline.
func (m *Machine) Recount(conversationID string) bool {
	unlock := m.locks.lock(conversationID)
	defer unlock()

	if !m.store.Loaded(conversationID) {
		return false
	}
	m.reconcileLocked(conversationID)
	return true
}

// Resync lines the timeline up with a fresh conversation snapshot the
// aggregates were just seeded from. A loaded timeline that holds the
// snapshot's last message is recounted. One that is behind the snapshot keeps
// the snapshot's figures and stops counting as loaded, since messages missed
// while disconnected are not in it. Resync reports whether it recounted.
func (m *Machine) Resync(snapshot domain.Conversation) bool {
	conv := snapshot.ID
	unlock := m.locks.lock(conv)
	defer unlock()

	if !m.store.Loaded(conv) {
		return false
	}
	if p := snapshot.LastMessage; p != nil {
		_, held := m.store.Get(conv, domain.ConfirmedID(p.MessageID))
		latest, ok := m.store.Latest(conv)
		if !held && (!ok || !latest.CreatedAt.After(p.CreatedAt)) {
			m.store.ClearLoaded(conv)
			return false
		}
	}
	m.reconcileLocked(conv)
	return true
}

func (m *Machine) reconcileLocked(conv string) {
	var latest *domain.Message
	if msg, ok := m.store.Latest(conv); ok {
		latest = &msg
	}
	m.agg.Reconcile(conv, m.store.UnreadCount(conv), latest)
}

// Pending returns the number of buffered early events of a conversation.
func (m *Machine) Pending(conversationID string) int {
	return m.pending.len(conversationID)
}

// Reset drops the timeline, the aggregates and every buffered event.
func (m *Machine) Reset() {
	m.store.Reset()
	m.agg.Reset()
	m.pending.reset()
}

// receiptKey is the recipient whose status a message row's status field describes.
func (m *Machine) receiptKey(row domain.MessageRow) string {
	if row.SenderID != m.viewer() {
		return m.viewer()
	}
	if row.RecipientID != "" {
		return row.RecipientID
	}
	return domain.AnyRecipient
}
