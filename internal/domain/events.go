package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of change carried by a realtime event.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Tables that produce change events.
const (
	TableMessages      = "messages"
	TableMessageStatus = "message_status"
	TableMembers       = "conversation_members"
)

// ChangeEvent is one row-level change pushed by the realtime channel.
type ChangeEvent struct {
	Table     string          `json:"table"`
	Operation Operation       `json:"operation"`
	Row       json.RawMessage `json:"row"`
}

// NewChangeEvent encodes row into a change event.
func NewChangeEvent(table string, op Operation, row any) (ChangeEvent, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("encode %s row: %w", table, err)
	}
	return ChangeEvent{Table: table, Operation: op, Row: raw}, nil
}

// MessageRow is the wire and storage shape of a message.
type MessageRow struct {
	ID             string    `json:"id"`
	ClientRef      string    `json:"client_ref,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id,omitempty"`
	Content        string    `json:"content"`
	Kind           Kind      `json:"kind"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message converts a row received from the remote store into a confirmed message.
func (r MessageRow) Message() Message {
	return Message{
		ID:             ConfirmedID(r.ID),
		ClientRef:      r.ClientRef,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		RecipientID:    r.RecipientID,
		Content:        r.Content,
		Kind:           r.Kind,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		SendState:      SendConfirmed,
	}
}

// StatusRow is the per-member status of a group message.
type StatusRow struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MemberRow is a conversation membership row.
type MemberRow struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

// DecodeRow decodes the row of ev into dst.
func (ev ChangeEvent) DecodeRow(dst any) error {
	if len(ev.Row) == 0 {
		return fmt.Errorf("%s %s event without row: %w", ev.Table, ev.Operation, ErrInvalidArgument)
	}
	if err := json.Unmarshal(ev.Row, dst); err != nil {
		return fmt.Errorf("decode %s row: %v: %w", ev.Table, err, ErrInvalidArgument)
	}
	return nil
}

// UserChannel is the pub/sub channel carrying the change events of one user.
func UserChannel(userID string) string {
	return "changes:user:" + userID
}
