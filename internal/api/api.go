// ABOUTME: HTTP JSON API for dispatching requests and observing session state
// ABOUTME: Status reads are lock-free snapshots; live events stream via SSE

package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/curator/internal/agents"
	"github.com/2389/curator/internal/events"
	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/router"
)

// DispatchRequest is the JSON request body for POST /api/dispatch.
type DispatchRequest struct {
	TargetAgent string         `json:"target_agent"`
	Action      string         `json:"action"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// SessionListResponse is the JSON response for GET /api/sessions.
type SessionListResponse struct {
	Sessions []string `json:"sessions"`
}

// ActionsResponse is the JSON response for GET /api/actions.
type ActionsResponse struct {
	Actions []string `json:"actions"`
}

// errorBody is the JSON error envelope for non-dispatch failures.
type errorBody struct {
	Error string `json:"error"`
}

// Server exposes the coordinator over HTTP for operator tools and
// progress displays. It is a convenience surface: the coordination
// contract itself is the router's dispatch API.
type Server struct {
	router      *router.Router
	registry    *router.Registry
	broadcaster *events.Broadcaster
	logger      *slog.Logger
}

// NewServer creates the API server.
func NewServer(rt *router.Router, reg *router.Registry, b *events.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router:      rt,
		registry:    reg,
		broadcaster: b,
		logger:      logger.With("component", "api"),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /api/actions", s.handleActions)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionStatus)
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.handleSessionReset)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	return mux
}

// handleDispatch feeds a request envelope into the router and returns the
// response envelope verbatim. Handler-level failures still return 200: the
// envelope's success field is the contract, HTTP status covers transport.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if req.TargetAgent == "" || req.Action == "" {
		s.sendJSONError(w, http.StatusBadRequest, "target_agent and action are required")
		return
	}

	resp := s.router.Dispatch(r.Context(),
		message.NewRequest(req.TargetAgent, req.Action, req.Payload))

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ActionsResponse{Actions: s.registry.Actions()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, SessionListResponse{Sessions: s.router.Sessions().List()})
}

// handleSessionStatus returns the full session snapshot. Snapshots are deep
// copies, so polling observers never contend with running handlers.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.router.Sessions().Get(id)
	if !ok {
		s.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("no session %q", id))
		return
	}
	s.writeJSON(w, http.StatusOK, agents.StateMap(sess.ID, sess.Store.Snapshot()))
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := s.router.Dispatch(r.Context(), message.NewRequest(
		agents.AgentSession, "reset", map[string]any{"session_id": id}))
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSessionEvents streams broadcast events for one session as SSE until
// the client disconnects.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")
	ch, subID := s.broadcaster.Subscribe(r.Context(), id)
	defer s.broadcaster.Unsubscribe(id, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.writeSSEEvent(w, "subscribed", map[string]string{"session_id": id})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			s.writeSSEEvent(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one SSE frame. Marshal failures are logged and the
// frame is skipped; the stream itself stays up.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("marshaling SSE event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg})
}
