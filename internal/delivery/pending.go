package delivery

import (
	"sync"

	"chatsync/internal/domain"
)

// DefaultPendingLimit bounds the early status events held per conversation.
const DefaultPendingLimit = 256

// pendingStatus is a status transition for a message the store does not hold yet.
type pendingStatus struct {
	MessageID   string
	RecipientID string
	Status      domain.Status
}

// pendingBuffer holds early status events per conversation. When a bucket is
// full the oldest event is dropped.
type pendingBuffer struct {
	mu      sync.Mutex
	limit   int
	buckets map[string][]pendingStatus
}

func newPendingBuffer(limit int) *pendingBuffer {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return &pendingBuffer{limit: limit, buckets: make(map[string][]pendingStatus)}
}

// add buffers p for conversationID and reports whether an older event was dropped.
func (b *pendingBuffer) add(conversationID string, p pendingStatus) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket := b.buckets[conversationID]
	if len(bucket) >= b.limit {
		bucket = bucket[1:]
		dropped = true
	}
	b.buckets[conversationID] = append(bucket, p)
	return dropped
}

// take removes and returns the events buffered for messageID, in arrival order.
func (b *pendingBuffer) take(conversationID, messageID string) []pendingStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.buckets[conversationID]
	if !ok {
		return nil
	}
	var out []pendingStatus
	kept := bucket[:0]
	for _, p := range bucket {
		if p.MessageID == messageID {
			out = append(out, p)
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		delete(b.buckets, conversationID)
	} else {
		b.buckets[conversationID] = kept
	}
	return out
}

func (b *pendingBuffer) len(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets[conversationID])
}

func (b *pendingBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets = make(map[string][]pendingStatus)
}
