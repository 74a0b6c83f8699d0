// ABOUTME: Central dispatcher executing agent handlers under per-session mutual exclusion
// ABOUTME: Handles timeouts, panic recovery, and best-effort state-change broadcasts

package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/2389/curator/internal/events"
	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/session"
)

// DefaultRequestTimeout accommodates a language-model round trip.
const DefaultRequestTimeout = 5 * time.Minute

// lockTokenKey marks a context as already holding a session's dispatch lock,
// so handlers that dispatch follow-up requests to the same session don't
// deadlock on re-entry.
type lockTokenKey struct{}

func lockHeld(ctx context.Context, sessionID string) bool {
	held, _ := ctx.Value(lockTokenKey{}).(string)
	return held == sessionID
}

// Router resolves requests to handlers and executes them one at a time per
// session. Mutual exclusion is scoped per session: a slow handler in one
// session never blocks another session's requests.
type Router struct {
	registry    *Registry
	sessions    *session.Manager
	broadcaster *events.Broadcaster
	timeout     time.Duration
	logger      *slog.Logger
}

// NewRouter creates a router with the given default request timeout.
// A non-positive timeout falls back to DefaultRequestTimeout.
func NewRouter(registry *Registry, sessions *session.Manager, broadcaster *events.Broadcaster, timeout time.Duration, logger *slog.Logger) *Router {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:    registry,
		sessions:    sessions,
		broadcaster: broadcaster,
		timeout:     timeout,
		logger:      logger.With("component", "router"),
	}
}

// Sessions exposes the session manager for status queries.
func (r *Router) Sessions() *session.Manager { return r.sessions }

// Dispatch routes a request to its handler with the default timeout.
func (r *Router) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	return r.DispatchTimeout(ctx, req, r.timeout)
}

// DispatchTimeout routes a request with a caller-supplied timeout.
//
// The handler runs under the session's dispatch lock; requests for one
// session are processed to completion in the order their dispatches acquire
// it. If the handler exceeds the timeout the router returns a TIMEOUT
// response and releases the lock — the abandoned handler keeps running but
// its dispatch context is cancelled, so the session store rejects any late
// commit and state stays exactly as it was before the call.
func (r *Router) DispatchTimeout(ctx context.Context, req *message.Request, timeout time.Duration) *message.Response {
	if err := ctx.Err(); err != nil {
		return message.ErrorResponse(req.ID, message.NewError(message.CodeTimeout,
			"request context cancelled before dispatch", nil))
	}

	handler, ok := r.registry.Resolve(req.TargetAgent, req.Action)
	if !ok {
		r.logger.Warn("no handler for request",
			"target_agent", req.TargetAgent,
			"action", req.Action)
		return message.ErrorResponse(req.ID, message.NewError(message.CodeUnknownHandler,
			fmt.Sprintf("no handler for %s.%s", req.TargetAgent, req.Action),
			map[string]any{"target_agent": req.TargetAgent, "action": req.Action}))
	}

	sess := r.sessions.GetOrCreate(req.SessionID())

	hctx := ctx
	if !lockHeld(ctx, sess.ID) {
		sess.DispatchMu.Lock()
		defer sess.DispatchMu.Unlock()
		hctx = context.WithValue(ctx, lockTokenKey{}, sess.ID)
	}

	before := sess.Store.Version()
	resp := r.invoke(hctx, sess, handler, req, timeout)
	if sess.Store.Version() != before {
		r.publishStateChange(sess, req)
	}
	return resp
}

// invoke runs the handler in its own goroutine so the router can stop
// waiting at the timeout even if the handler never returns.
func (r *Router) invoke(ctx context.Context, sess *session.Session, handler Handler, req *message.Request, timeout time.Duration) *message.Response {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("handler panicked",
					"target_agent", req.TargetAgent,
					"action", req.Action,
					"panic", rec,
					"stack", string(debug.Stack()))
				done <- outcome{err: message.NewError(message.CodeHandlerFailure,
					fmt.Sprintf("handler panicked: %v", rec),
					map[string]any{"target_agent": req.TargetAgent, "action": req.Action})}
			}
		}()
		result, err := handler(hctx, sess, req.Payload)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			structured := message.AsError(out.err)
			r.logger.Warn("handler returned error",
				"target_agent", req.TargetAgent,
				"action", req.Action,
				"code", structured.Code,
				"error", structured.Message)
			return message.ErrorResponse(req.ID, structured)
		}
		return message.SuccessResponse(req.ID, out.result)

	case <-hctx.Done():
		r.logger.Warn("handler timed out",
			"target_agent", req.TargetAgent,
			"action", req.Action,
			"timeout", timeout)
		return message.ErrorResponse(req.ID, message.NewError(message.CodeTimeout,
			fmt.Sprintf("%s.%s did not complete within %s", req.TargetAgent, req.Action, timeout),
			map[string]any{"timeout": timeout.String()}))
	}
}

// publishStateChange emits a best-effort broadcast describing the session
// after a dispatch that committed state. Never blocks the response path.
func (r *Router) publishStateChange(sess *session.Session, req *message.Request) {
	if r.broadcaster == nil {
		return
	}
	snap := sess.Store.Snapshot()
	r.broadcaster.Publish(sess.ID, events.New(events.TypeStateChanged, map[string]any{
		"session_id":         sess.ID,
		"target_agent":       req.TargetAgent,
		"action":             req.Action,
		"workflow_status":    string(snap.WorkflowStatus),
		"validation_outcome": string(snap.ValidationOutcome),
		"conversation_phase": string(snap.ConversationPhase),
		"metadata_policy":    string(snap.MetadataPolicy),
		"correction_attempt": snap.CorrectionAttempt,
	}))
}
