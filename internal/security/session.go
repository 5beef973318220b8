package security

import (
	"sync"

	"chatsync/internal/domain"
)

// StaticProvider is a session provider fed with bearer tokens by its owner,
// for instance a CLI flag or a login flow outside of the sync engine.
type StaticProvider struct {
	mu      sync.Mutex
	current domain.Session
	changes chan domain.Session
}

var _ domain.SessionProvider = (*StaticProvider)(nil)

// NewStaticProvider starts with the session of token. An empty token starts signed out.
func NewStaticProvider(token string) (*StaticProvider, error) {
	p := &StaticProvider{changes: make(chan domain.Session, 1)}
	if token == "" {
		return p, nil
	}
	s, err := sessionOf(token)
	if err != nil {
		return nil, err
	}
	p.current = s
	return p, nil
}

func sessionOf(token string) (domain.Session, error) {
	userID, err := UnverifiedUserID(token)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{UserID: userID, Token: token}, nil
}

func (p *StaticProvider) Current() (domain.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.current.Valid()
}

func (p *StaticProvider) Changes() <-chan domain.Session {
	return p.changes
}

// Replace switches to the session of token. Replacing a session with itself
// is a no-op.
func (p *StaticProvider) Replace(token string) error {
	s, err := sessionOf(token)
	if err != nil {
		return err
	}
	p.set(s)
	return nil
}

func (p *StaticProvider) SignOut() {
	p.set(domain.Session{})
}

func (p *StaticProvider) set(s domain.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == p.current {
		return
	}
	p.current = s
	// Only the latest session matters to a slow reader.
	select {
	case <-p.changes:
	default:
	}
	p.changes <- s
}
