package timeline

import (
	"fmt"

	"chatsync/internal/domain"
)

// MaxPageSize bounds the size of a single page.
const MaxPageSize = 200

// Page is a finite snapshot of a slice of a timeline, newest first.
type Page struct {
	Messages []domain.Message
	// Next is the cursor to pass to PageBefore for the following older page.
	Next    domain.Cursor
	HasMore bool
}

// Oldest returns the oldest message of the page.
func (p Page) Oldest() (domain.Message, bool) {
	if len(p.Messages) == 0 {
		return domain.Message{}, false
	}
	return p.Messages[len(p.Messages)-1], true
}

// PageBefore returns up to limit messages strictly older than cursor, newest
// first. A zero cursor starts from the newest message. The page is a copy and
// does not observe later mutations.
func (s *Store) PageBefore(conversationID string, cursor domain.Cursor, limit int) (Page, error) {
	if conversationID == "" {
		return Page{}, fmt.Errorf("page: empty conversation id: %w", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		return Page{}, fmt.Errorf("page: limit %d: %w", limit, domain.ErrInvalidArgument)
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	l := s.log(conversationID, false)
	if l == nil {
		return Page{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	end := len(l.entries)
	if !cursor.IsZero() {
		at := domain.Message{CreatedAt: cursor.CreatedAt, ID: domain.ConfirmedID(cursor.ID)}
		end = 0
		for end < len(l.entries) && less(l.entries[end].msg, at) {
			end++
		}
	}

	page := Page{Messages: make([]domain.Message, 0, min(limit, end))}
	i := end - 1
	for ; i >= 0 && len(page.Messages) < limit; i-- {
		page.Messages = append(page.Messages, s.view(l.entries[i]))
	}
	page.HasMore = i >= 0
	if oldest, ok := page.Oldest(); ok {
		page.Next = domain.CursorOf(oldest)
	}
	return page, nil
}
