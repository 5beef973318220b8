package syncer

import (
	"context"
	"sync"
)

// supersede implements last-requested-wins per key: starting a request
// cancels the one in flight for the same key.
type supersede struct {
	mu      sync.Mutex
	gen     map[string]uint64
	cancels map[string]context.CancelFunc
}

func newSupersede() *supersede {
	return &supersede{
		gen:     make(map[string]uint64),
		cancels: make(map[string]context.CancelFunc),
	}
}

// begin starts a request for key. The returned release must be called when the
// request is over.
func (s *supersede) begin(parent context.Context, key string) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	if prev, ok := s.cancels[key]; ok {
		prev()
	}
	s.gen[key]++
	gen := s.gen[key]
	s.cancels[key] = cancel
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.gen[key] == gen {
			delete(s.cancels, key)
		}
		s.mu.Unlock()
		cancel()
	}
	return ctx, gen, release
}

// current reports whether gen is still the latest request for key.
func (s *supersede) current(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen[key] == gen
}

// cancelAll cancels every request in flight.
func (s *supersede) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cancel := range s.cancels {
		cancel()
		delete(s.cancels, key)
		s.gen[key]++
	}
}
