package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatsync/internal/domain"
)

// LocalBroker delivers change events to the clients connected to this instance.
type LocalBroker struct {
	hub *Hub
}

var _ domain.Publisher = (*LocalBroker)(nil)

func NewLocalBroker(hub *Hub) *LocalBroker {
	return &LocalBroker{hub: hub}
}

func (b *LocalBroker) Publish(_ context.Context, userIDs []string, ev domain.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	b.hub.Deliver(userIDs, payload)
	return nil
}

const userChannelPattern = "changes:user:*"

// RedisBroker publishes change events to the per-user Redis channels and
// relays every user channel to the clients connected to this instance, so
// that any number of server instances fan out the same events.
type RedisBroker struct {
	client redis.UniversalClient
	hub    *Hub
	log    zerolog.Logger
}

var _ domain.Publisher = (*RedisBroker)(nil)

func NewRedisBroker(client redis.UniversalClient, hub *Hub, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		hub:    hub,
		log:    log.With().Str("component", "redis-broker").Logger(),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, userIDs []string, ev domain.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	pipe := b.client.Pipeline()
	for _, uid := range userIDs {
		pipe.Publish(ctx, domain.UserChannel(uid), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %d users: %v: %w", len(userIDs), err, domain.ErrTransient)
	}
	return nil
}

// Run relays published events to local clients until ctx is done.
func (b *RedisBroker) Run(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, userChannelPattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", userChannelPattern, err)
	}
	b.log.Info().Str("pattern", userChannelPattern).Msg("relaying change events")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed: %w", domain.ErrTransient)
			}
			userID := strings.TrimPrefix(msg.Channel, domain.UserChannel(""))
			if userID == "" {
				continue
			}
			b.hub.Deliver([]string{userID}, []byte(msg.Payload))
		}
	}
}
