package syncer

import (
	"context"
	"fmt"
	"sync"
)

// State is the connection state of a sync session.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// UpdateKind tells consumers which part of the session state to re-read.
type UpdateKind uint8

const (
	UpdateConversations UpdateKind = iota + 1
	UpdateMessages
	UpdateState
	// UpdateReset means everything was dropped, usually after a session error.
	UpdateReset
)

// Update is a change notification. Updates carry no data; consumers read the
// current state from the coordinator.
type Update struct {
	Kind           UpdateKind
	ConversationID string
}

// notifier coalesces identical pending updates while the consumer is busy.
type notifier struct {
	mu      sync.Mutex
	pending []Update
	queued  map[Update]struct{}
	signal  chan struct{}
	out     chan Update
}

func newNotifier() *notifier {
	return &notifier{
		queued: make(map[Update]struct{}),
		signal: make(chan struct{}, 1),
		out:    make(chan Update),
	}
}

func (n *notifier) push(u Update) {
	n.mu.Lock()
	if _, ok := n.queued[u]; !ok {
		n.queued[u] = struct{}{}
		n.pending = append(n.pending, u)
	}
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) run(ctx context.Context) {
	defer close(n.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.signal:
		}
		for {
			n.mu.Lock()
			if len(n.pending) == 0 {
				n.mu.Unlock()
				break
			}
			u := n.pending[0]
			n.pending = n.pending[1:]
			delete(n.queued, u)
			n.mu.Unlock()

			select {
			case n.out <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}
