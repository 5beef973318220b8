// Package realtime subscribes to the change stream of a user and keeps the
// subscription alive across transport failures.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"chatsync/internal/domain"
)

// Subscription is one live connection to the change stream.
type Subscription interface {
	// Next blocks until the next event arrives. A frame that cannot be decoded
	// is reported with ErrInvalidArgument and the subscription stays usable.
	Next(ctx context.Context) (domain.ChangeEvent, error)
	Close() error
}

// Transport opens subscriptions scoped to the session's user.
type Transport interface {
	Subscribe(ctx context.Context, session domain.Session) (Subscription, error)
}

// Kind tells the items of a client's stream apart.
type Kind uint8

const (
	KindEvent Kind = iota + 1
	KindConnected
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Update is one item of the stream: an event or a connection signal, in the
// order they happened.
type Update struct {
	Kind  Kind
	Event domain.ChangeEvent
	// Resumed is set on KindConnected after the first successful subscription.
	Resumed bool
	// Err is the cause of a KindDisconnected.
	Err error
}

type Option func(*Client)

// WithBackOff replaces the resubscribe schedule. The factory is called once per Run.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithBuffer sets the capacity of the update channel.
func WithBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// Client is the event stream client of one session.
type Client struct {
	transport  Transport
	session    domain.Session
	newBackOff func() backoff.BackOff
	buffer     int
	log        zerolog.Logger

	updates chan Update
}

func NewClient(t Transport, session domain.Session, opts ...Option) *Client {
	c := &Client{
		transport:  t,
		session:    session,
		newBackOff: defaultBackOff,
		buffer:     256,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "realtime").Logger()
	c.updates = make(chan Update, c.buffer)
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Updates returns the stream of events and connection signals. It is closed
// when Run returns.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Run keeps a subscription open until ctx is done or the transport rejects the
// session. Failed subscriptions are retried with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.updates)

	b := c.newBackOff()
	resumed := false
	for {
		sub, err := c.transport.Subscribe(ctx, c.session)
		if err == nil {
			b.Reset()
			if !c.emit(ctx, Update{Kind: KindConnected, Resumed: resumed}) {
				sub.Close()
				return ctx.Err()
			}
			c.log.Info().Bool("resumed", resumed).Msg("subscribed to change stream")
			resumed = true
			err = c.pump(ctx, sub)
			sub.Close()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			c.emit(ctx, Update{Kind: KindDisconnected, Err: err})
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.emit(ctx, Update{Kind: KindDisconnected, Err: err})
			return fmt.Errorf("resubscribe: giving up: %w", err)
		}
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("change stream interrupted")
		if !c.emit(ctx, Update{Kind: KindDisconnected, Err: err}) {
			return ctx.Err()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) pump(ctx context.Context, sub Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		switch {
		case errors.Is(err, domain.ErrInvalidArgument):
			c.log.Warn().Err(err).Msg("skipping undecodable frame")
			continue
		case err != nil:
			return err
		}
		if !c.emit(ctx, Update{Kind: KindEvent, Event: ev}) {
			return ctx.Err()
		}
	}
}

func (c *Client) emit(ctx context.Context, u Update) bool {
	select {
	case c.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
