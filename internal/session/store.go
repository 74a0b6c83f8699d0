// ABOUTME: Store owns the mutable session state and exposes atomic read/update
// ABOUTME: Updates apply to a working copy and commit all-or-nothing under one lock

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Persister receives committed state for write-through persistence.
// Implementations must be safe for concurrent use. A nil persister is valid.
type Persister interface {
	SaveState(ctx context.Context, sessionID string, state State, version uint64) error
}

// Store is the only holder of mutable session state. Readers get deep-copied
// snapshots; writers go through Update, which applies a mutation function to
// a working copy and commits it atomically. No torn write is ever visible.
type Store struct {
	mu        sync.Mutex
	sessionID string
	state     State
	version   uint64
	persister Persister
	logger    *slog.Logger
}

// NewStore creates a store holding the initial state for one session.
// Pass nil persister to keep the session purely in memory.
func NewStore(sessionID string, persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessionID: sessionID,
		state:     NewState(),
		persister: persister,
		logger:    logger.With("component", "session", "session_id", sessionID),
	}
}

// seed replaces the store contents without bumping the version or writing
// through. Used when rehydrating persisted sessions at startup.
func (s *Store) seed(state State, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
	s.version = version
}

// SessionID returns the identifier this store was created with.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Snapshot returns an immutable deep copy of the current state,
// safe to inspect without holding any lock.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Version returns the commit counter. It increments on every committed
// Update or Reset, letting callers detect whether a dispatch changed state.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Update applies fn to a working copy of the state under exclusive access.
// If fn returns an error, or ctx is already cancelled at commit time, the
// working copy is discarded and the state is unchanged. On success the copy
// becomes the new state and the committed snapshot is returned.
//
// The ctx check is what makes timed-out handlers harmless: the router
// cancels the dispatch context on timeout, so any commit the abandoned
// handler attempts afterwards is rejected here. The check is re-run as the
// final step before the copy is installed, which narrows the race to the
// instant between that check and the assignment; a cancellation landing in
// that instant still commits. Closing it entirely would require the
// response path to block on the handler, defeating the timeout.
func (s *Store) Update(ctx context.Context, fn func(*State) error) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return State{}, fmt.Errorf("update rejected: %w", err)
	}

	working := s.state.Clone()
	if err := fn(&working); err != nil {
		return State{}, err
	}

	if err := ctx.Err(); err != nil {
		return State{}, fmt.Errorf("commit rejected: %w", err)
	}

	s.state = working
	s.version++
	s.persist()

	return s.state.Clone(), nil
}

// Reset restores all fields to their initial values and clears the
// transcript and logs. Resetting an already-fresh session is a no-op
// apart from the version bump, so reset is idempotent in effect.
func (s *Store) Reset() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = NewState()
	s.version++
	s.persist()
	s.logger.Info("session reset")

	return s.state.Clone()
}

// persist writes the committed state through to storage. Called with s.mu
// held; persistence failures are logged, never surfaced — the in-memory
// state is authoritative.
func (s *Store) persist() {
	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.persister.SaveState(ctx, s.sessionID, s.state.Clone(), s.version); err != nil {
		s.logger.Warn("state persistence failed", "error", err)
	}
}
