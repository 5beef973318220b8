package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"chatsync/internal/domain"
)

// RedisTransport reads the per-user change channel directly from the Redis
// instance the relay servers publish to. It trusts the session's user id and
// is meant for services running next to the relay, not for end-user devices.
type RedisTransport struct {
	Client redis.UniversalClient
}

var _ Transport = (*RedisTransport)(nil)

func NewRedisTransport(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{Client: client}
}

func (t *RedisTransport) Subscribe(ctx context.Context, session domain.Session) (Subscription, error) {
	if session.UserID == "" {
		return nil, fmt.Errorf("subscribe: empty user: %w", domain.ErrUnauthorized)
	}
	channel := domain.UserChannel(session.UserID)
	ps := t.Client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish is missed afterwards.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %v: %w", channel, err, domain.ErrTransient)
	}
	return &redisSubscription{ps: ps, ch: ps.Channel()}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (s *redisSubscription) Next(ctx context.Context) (domain.ChangeEvent, error) {
	select {
	case <-ctx.Done():
		return domain.ChangeEvent{}, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return domain.ChangeEvent{}, fmt.Errorf("redis subscription closed: %w", domain.ErrTransient)
		}
		var ev domain.ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			return domain.ChangeEvent{}, fmt.Errorf("decode change event: %v: %w", err, domain.ErrInvalidArgument)
		}
		return ev, nil
	}
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
