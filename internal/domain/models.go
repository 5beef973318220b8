package domain

import (
	"sort"
	"time"
)

// Kind is the content kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio:
		return true
	}
	return false
}

// IsMedia reports whether the content of a message of this kind is a media reference.
func (k Kind) IsMedia() bool {
	return k.Valid() && k != KindText
}

// SendState is the local send lifecycle of a message. Messages received from
// the remote store are always confirmed.
type SendState string

const (
	SendConfirmed SendState = ""
	SendPending   SendState = "pending"
	SendFailed    SendState = "failed"
)

// AnyRecipient is the receipt key used for the aggregate status of one's own
// group message when per-member receipts are not known.
const AnyRecipient = "*"

// Message is one entry of a conversation timeline.
type Message struct {
	ID             Identity
	ClientRef      string
	ConversationID string
	SenderID       string
	RecipientID    string // set for 1:1 conversations only
	Content        string
	Kind           Kind
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SendState      SendState

	// Status is the status relevant to the viewer: their own receipt for
	// messages from others, the recipients' progress for their own messages.
	Status Status
	// Receipts holds the status per recipient. Copies handed out are owned by the caller.
	Receipts map[string]Status
}

// Direct reports whether the message belongs to a 1:1 conversation.
func (m Message) Direct() bool {
	return m.RecipientID != ""
}

// Row converts the message back to its wire representation.
func (m Message) Row() MessageRow {
	row := MessageRow{
		ClientRef:      m.ClientRef,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Content:        m.Content,
		Kind:           m.Kind,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.ID.IsConfirmed() {
		row.ID = m.ID.Value
	}
	return row
}

// Member is the membership of a user in a conversation.
type Member struct {
	UserID     string     `json:"user_id"`
	JoinedAt   time.Time  `json:"joined_at"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
}

// Preview is the denormalized last message of a conversation.
type Preview struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// PreviewOf builds the preview of a message.
func PreviewOf(m Message) Preview {
	return Preview{
		MessageID: m.ID.Value,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Kind:      m.Kind,
		CreatedAt: m.CreatedAt,
	}
}

// Conversation is a 1:1 or group messaging context, with the fields derived for the viewer.
type Conversation struct {
	ID          string    `json:"id"`
	Name        *string   `json:"name,omitempty"`
	IsGroup     bool      `json:"is_group"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Members     []Member  `json:"members"`
	LastMessage *Preview  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
}

// Member returns the membership of userID, if any.
func (c Conversation) Member(userID string) (Member, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// Peer returns the other member of a 1:1 conversation.
func (c Conversation) Peer(viewerID string) string {
	if c.IsGroup {
		return ""
	}
	for _, m := range c.Members {
		if m.UserID != viewerID {
			return m.UserID
		}
	}
	return ""
}

// SortMembers orders members by join time, then user id.
func SortMembers(members []Member) {
	sort.SliceStable(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].UserID < members[j].UserID
	})
}

// Cursor addresses a position in a timeline. The zero cursor means "newest".
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero()
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID.Value}
}

// Session is the authenticated identity a sync session runs for.
type Session struct {
	UserID string
	Token  string
}

func (s Session) Valid() bool {
	return s.UserID != "" && s.Token != ""
}
