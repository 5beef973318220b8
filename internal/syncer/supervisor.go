package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"chatsync/internal/domain"
)

// Factory builds the coordinator of a session.
type Factory func(session domain.Session) (*Coordinator, error)

// Supervisor runs one coordinator per session. A session change tears the
// running coordinator down, with all its state, before the next one starts.
type Supervisor struct {
	provider domain.SessionProvider
	factory  Factory
	log      zerolog.Logger

	changed chan struct{}

	mu      sync.Mutex
	current *Coordinator
	stop    context.CancelFunc
	done    chan struct{}
}

func NewSupervisor(provider domain.SessionProvider, factory Factory, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		provider: provider,
		factory:  factory,
		log:      log.With().Str("component", "supervisor").Logger(),
		changed:  make(chan struct{}, 1),
	}
}

// Changed signals that the current coordinator was replaced or torn down.
// Signals coalesce; re-read Current after each one.
func (s *Supervisor) Changed() <-chan struct{} {
	return s.changed
}

func (s *Supervisor) signal() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Current returns the coordinator of the current session.
func (s *Supervisor) Current() (*Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

// Run follows session changes until ctx is done or the provider closes its
// change channel.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.teardown()

	if session, ok := s.provider.Current(); ok {
		if err := s.start(ctx, session); err != nil {
			return err
		}
	}
	changes := s.provider.Changes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case session, ok := <-changes:
			if !ok {
				return nil
			}
			s.teardown()
			if !session.Valid() {
				s.log.Info().Msg("signed out")
				continue
			}
			if err := s.start(ctx, session); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) start(ctx context.Context, session domain.Session) error {
	c, err := s.factory(session)
	if err != nil {
		return fmt.Errorf("start session of %s: %w", session.UserID, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := c.Run(runCtx)
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			s.log.Warn().Str("user_id", session.UserID).Msg("session rejected, waiting for a new one")
		case err != nil:
			s.log.Error().Err(err).Str("user_id", session.UserID).Msg("sync session stopped")
		}
	}()

	s.mu.Lock()
	s.current, s.stop, s.done = c, cancel, done
	s.mu.Unlock()
	s.signal()
	s.log.Info().Str("user_id", session.UserID).Msg("sync session started")
	return nil
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.current, s.stop, s.done = nil, nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
	s.signal()
}
