// Package serializer provides per-conversation mutual exclusion inside one
// process: two triggers for the same agent+conversation never interleave.
// Cross-process exclusion for queue items comes from the task claim, not
// from this lock.
package serializer

import (
	"context"
	"sync"
)

// Serializer is a keyed run lock. Entries are created on first acquire and
// removed on release, so an idle serializer holds no state.
type Serializer struct {
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func New() *Serializer {
	return &Serializer{inflight: make(map[string]chan struct{})}
}

func key(agentID, conversationID string) string {
	return agentID + ":" + conversationID
}

// Run executes fn once any in-flight run for the same agent+conversation has
// finished. A waiter never observes the earlier run's error; it only waits
// for completion. Returns fn's error, or the context error if the wait is
// canceled before fn starts.
func (s *Serializer) Run(ctx context.Context, agentID, conversationID string, fn func(context.Context) error) error {
	k := key(agentID, conversationID)

	var done chan struct{}
	for {
		s.mu.Lock()
		current, busy := s.inflight[k]
		if !busy {
			done = make(chan struct{})
			s.inflight[k] = done
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		select {
		case <-current:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	defer func() {
		s.mu.Lock()
		delete(s.inflight, k)
		s.mu.Unlock()
		close(done)
	}()
	return fn(ctx)
}

// InFlight reports the number of conversations currently holding the lock.
func (s *Serializer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
