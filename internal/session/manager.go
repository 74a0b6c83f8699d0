// ABOUTME: Manager tracks live sessions and their per-session dispatch locks
// ABOUTME: Sessions are independent; no state or ordering is shared across them

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// StateLoader can enumerate and load persisted sessions. SQLitePersister
// implements it; the interface exists so tests can restore from fakes.
type StateLoader interface {
	ListSessions(ctx context.Context) ([]string, error)
	LoadState(ctx context.Context, sessionID string) (State, uint64, error)
}

// DefaultSessionID is used when a request payload carries no session_id.
const DefaultSessionID = "default"

// Session pairs a state store with the mutex the router holds while a
// state-mutating handler runs. The lock scope is one session, so a slow
// handler never blocks other sessions.
type Session struct {
	ID    string
	Store *Store

	// DispatchMu serializes handler execution for this session.
	// Acquired by the router, never by handlers directly.
	DispatchMu sync.Mutex
}

// Manager owns the set of live sessions.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	persister Persister
	logger    *slog.Logger
}

// NewManager creates an empty session manager. Pass nil persister for
// in-memory-only sessions.
func NewManager(persister Persister, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		persister: persister,
		logger:    logger.With("component", "sessions"),
	}
}

// GetOrCreate returns the session with the given ID, creating it on first
// use. An empty ID maps to the default session.
func (m *Manager) GetOrCreate(id string) *Session {
	if id == "" {
		id = DefaultSessionID
	}

	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		return sess
	}

	sess = &Session{
		ID:    id,
		Store: NewStore(id, m.persister, m.logger),
	}
	m.sessions[id] = sess
	m.logger.Info("session created", "session_id", id)
	return sess
}

// Get returns the session with the given ID, or false if it does not exist.
func (m *Manager) Get(id string) (*Session, bool) {
	if id == "" {
		id = DefaultSessionID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// NewSession creates a session with a fresh unique ID.
func (m *Manager) NewSession() *Session {
	return m.GetOrCreate(uuid.New().String())
}

// Restore recreates sessions from persisted state. Call once at startup,
// before the manager serves requests. A session that fails to load is
// skipped with a warning rather than blocking the rest.
func (m *Manager) Restore(ctx context.Context, loader StateLoader) error {
	ids, err := loader.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing persisted sessions: %w", err)
	}

	for _, id := range ids {
		state, version, err := loader.LoadState(ctx, id)
		if err != nil {
			m.logger.Warn("skipping unloadable session", "session_id", id, "error", err)
			continue
		}
		m.GetOrCreate(id).Store.seed(state, version)
		m.logger.Info("session restored", "session_id", id, "version", version)
	}
	return nil
}

// List returns the IDs of all live sessions in stable order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
