// ABOUTME: Session agent: status snapshots and full resets
// ABOUTME: Status reads are lock-free snapshots for polling observers

package agents

import (
	"context"
	"log/slog"

	"github.com/2389/curator/internal/events"
	"github.com/2389/curator/internal/router"
	"github.com/2389/curator/internal/session"
)

type sessionAgent struct {
	deps   Deps
	logger *slog.Logger
}

func registerSession(reg *router.Registry, deps Deps) error {
	a := &sessionAgent{
		deps:   deps,
		logger: deps.Logger.With("agent", AgentSession),
	}
	for action, h := range map[string]router.Handler{
		"status": a.Status,
		"reset":  a.Reset,
	} {
		if err := reg.Register(AgentSession, action, h); err != nil {
			return err
		}
	}
	return nil
}

// Status returns a full read-only snapshot of the session state.
func (a *sessionAgent) Status(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	return StateMap(sess.ID, sess.Store.Snapshot()), nil
}

// Reset restores the session to its initial state, re-arming the ask-once
// metadata policy and the retry counter.
func (a *sessionAgent) Reset(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	snap := sess.Store.Reset()
	if a.deps.Broadcaster != nil {
		a.deps.Broadcaster.Publish(sess.ID, events.New(events.TypeSessionReset,
			map[string]any{"session_id": sess.ID}))
	}
	a.logger.Info("session reset", "session_id", sess.ID)
	return StateMap(sess.ID, snap), nil
}

// StateMap flattens a snapshot into the map shape used by status responses
// and the HTTP API.
func StateMap(sessionID string, s session.State) map[string]any {
	history := make([]map[string]any, len(s.ConversationHistory))
	for i, turn := range s.ConversationHistory {
		history[i] = map[string]any{
			"role":      turn.Role,
			"text":      turn.Text,
			"timestamp": turn.Timestamp,
		}
	}
	logs := make([]map[string]any, len(s.Logs))
	for i, entry := range s.Logs {
		logs[i] = map[string]any{
			"level":     entry.Level,
			"message":   entry.Message,
			"context":   entry.Context,
			"timestamp": entry.Timestamp,
		}
	}
	return map[string]any{
		"session_id":           sessionID,
		"workflow_status":      string(s.WorkflowStatus),
		"validation_outcome":   string(s.ValidationOutcome),
		"conversation_phase":   string(s.ConversationPhase),
		"metadata_policy":      string(s.MetadataPolicy),
		"metadata":             s.Metadata,
		"conversation_history": history,
		"correction_attempt":   s.CorrectionAttempt,
		"input_ref":            s.InputRef,
		"output_ref":           s.OutputRef,
		"logs":                 logs,
	}
}
