package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chatsync/internal/domain"
)

// ErrNotMember is returned when the caller is not a member of the conversation.
// It wraps ErrNotFound so that clients cannot tell the two apart.
var ErrNotMember = fmt.Errorf("not a member of this conversation: %w", domain.ErrNotFound)

// notifier pushes committed changes to the realtime channels of the members.
// A failed publish never fails the request: clients recover missed events
// with a resnapshot on reconnect.
type notifier struct {
	pub domain.Publisher
	log zerolog.Logger
}

func (n notifier) publish(ctx context.Context, userIDs []string, table string, op domain.Operation, row any) {
	if n.pub == nil || len(userIDs) == 0 {
		return
	}
	ev, err := domain.NewChangeEvent(table, op, row)
	if err != nil {
		n.log.Error().Err(err).Str("table", table).Msg("encode change event")
		return
	}
	if err := n.pub.Publish(ctx, userIDs, ev); err != nil && !errors.Is(err, context.Canceled) {
		n.log.Warn().Err(err).Str("table", table).Str("operation", string(op)).
			Int("recipients", len(userIDs)).Msg("publish change event")
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
