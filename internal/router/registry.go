// ABOUTME: Registry mapping (agent, action) pairs to handler functions
// ABOUTME: Registration happens once at startup; lookups are read-mostly

package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/2389/curator/internal/session"
)

// Handler is the contract every agent action implements. It receives the
// request payload and the session handle, and returns a result map or an
// error. Handlers must route all state mutation through the workflow
// manager's atomic operations so a cancelled ctx can never leave a partial
// commit behind.
type Handler func(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error)

// Registry holds the dispatch table. Agents never reference each other
// directly; every inter-agent interaction resolves through here.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func key(agent, action string) string {
	return agent + "." + action
}

// Register adds a handler for the given agent action.
// Duplicate registrations are a startup bug and return an error.
func (r *Registry) Register(agent, action string, h Handler) error {
	if agent == "" || action == "" {
		return fmt.Errorf("agent and action are required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s.%s is nil", agent, action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(agent, action)
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("handler %s already registered", k)
	}
	r.handlers[k] = h
	return nil
}

// Resolve looks up the handler for an agent action.
func (r *Registry) Resolve(agent, action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key(agent, action)]
	return h, ok
}

// Actions returns all registered agent.action names in stable order.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Agents returns the distinct agent names with at least one handler.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for k := range r.handlers {
		agent, _, _ := strings.Cut(k, ".")
		seen[agent] = true
	}
	names := make([]string, 0, len(seen))
	for a := range seen {
		names = append(names, a)
	}
	sort.Strings(names)
	return names
}
