// ABOUTME: Conversation-stage agent: operator dialogue, metadata intake, decisions
// ABOUTME: Translates operator input into policy transitions and follow-up dispatches

package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/router"
	"github.com/2389/curator/internal/session"
)

type conversationAgent struct {
	deps   Deps
	logger *slog.Logger
}

func registerConversation(reg *router.Registry, deps Deps) error {
	a := &conversationAgent{
		deps:   deps,
		logger: deps.Logger.With("agent", AgentConversation),
	}
	for action, h := range map[string]router.Handler{
		"start_conversion":   a.StartConversion,
		"user_message":       a.UserMessage,
		"provide_metadata":   a.ProvideMetadata,
		"decline_metadata":   a.DeclineMetadata,
		"approve_retry":      a.ApproveRetry,
		"decline_retry":      a.DeclineRetry,
		"decide_improvement": a.DecideImprovement,
	} {
		if err := reg.Register(AgentConversation, action, h); err != nil {
			return err
		}
	}
	return nil
}

// StartConversion is the external trigger for a conversion run. It drives
// the conversion agent through the router; a missing-metadata rejection is
// turned into conversational guidance rather than surfaced as a failure.
func (a *conversationAgent) StartConversion(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	resp := a.deps.Router.Dispatch(ctx, message.NewRequest(
		AgentConversion, "start_processing", forwardPayload(sess, payload)))
	if resp.Success {
		return resp.Result, nil
	}

	if resp.Err.Code == message.CodeMissingRequiredMetadata {
		snap := sess.Store.Snapshot()
		prompt := ""
		if n := len(snap.ConversationHistory); n > 0 {
			prompt = snap.ConversationHistory[n-1].Text
		}
		return map[string]any{
			"needs_metadata":  true,
			"missing_fields":  resp.Err.Context["missing_fields"],
			"prompt":          prompt,
			"metadata_policy": string(snap.MetadataPolicy),
		}, nil
	}
	return nil, resp.Err
}

// UserMessage handles free text from the operator. The text is recorded in
// the transcript, run through the metadata extractor, and any recognized
// fields are merged under the ask-once policy. When the extractor reports
// readiness, processing is started in the same dispatch.
func (a *conversationAgent) UserMessage(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	text := stringPayload(payload, "text")
	if text == "" {
		return nil, message.NewError(message.CodeInvalidState, "text is required", nil)
	}

	if _, err := sess.Store.Update(ctx, func(s *session.State) error {
		s.AppendTurn("user", text)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := pingCollaborator(ctx, "extractor", a.deps.ConnectTimeout, a.deps.Extractor.Ping); err != nil {
		return nil, err
	}

	extracted, err := a.deps.Extractor.Extract(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("metadata extraction: %w", err)
	}

	if len(extracted.Fields) > 0 {
		if _, err := a.deps.Workflow.Policy().RecordProvided(ctx, sess.Store, extracted.Fields); err != nil {
			// Policy past the point of accepting fields; keep the turn, report the rest
			var structured *message.Error
			if !errors.As(err, &structured) {
				return nil, err
			}
			a.logger.Debug("extracted fields not merged",
				"session_id", sess.ID, "reason", structured.Message)
		}
	}

	result := map[string]any{
		"fields":           extracted.Fields,
		"confidence":       extracted.Confidence,
		"needs_more_info":  extracted.NeedsMoreInfo,
		"ready_to_proceed": extracted.ReadyToProceed,
	}

	if extracted.ReadyToProceed {
		resp := a.deps.Router.Dispatch(ctx, message.NewRequest(
			AgentConversion, "start_processing", forwardPayload(sess, nil)))
		result["processing_started"] = resp.Success
		if !resp.Success {
			result["processing_error"] = resp.Err.Code
		}
	}
	return result, nil
}

// ProvideMetadata merges explicitly structured fields from the operator.
func (a *conversationAgent) ProvideMetadata(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	fields := fieldsPayload(payload, "fields")
	if len(fields) == 0 {
		return nil, message.NewError(message.CodeInvalidState,
			"fields is required and must be a string map", nil)
	}

	snap, err := a.deps.Workflow.Policy().RecordProvided(ctx, sess.Store, fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"metadata":        snap.Metadata,
		"metadata_policy": string(snap.MetadataPolicy),
		"missing_fields":  a.deps.Workflow.MissingMetadata(snap),
	}, nil
}

// DeclineMetadata records the operator's refusal to supply fields.
func (a *conversationAgent) DeclineMetadata(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	snap, err := a.deps.Workflow.Policy().RecordDeclined(ctx, sess.Store)
	if err != nil {
		return nil, err
	}
	return map[string]any{"metadata_policy": string(snap.MetadataPolicy)}, nil
}

// ApproveRetry consumes one correction attempt and re-runs the pipeline.
func (a *conversationAgent) ApproveRetry(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	if _, err := a.deps.Workflow.ApproveRetry(ctx, sess.Store); err != nil {
		return nil, err
	}
	resp := a.deps.Router.Dispatch(ctx, message.NewRequest(
		AgentConversion, "process", forwardPayload(sess, nil)))
	if !resp.Success {
		return nil, resp.Err
	}
	return resp.Result, nil
}

// DeclineRetry ends the session after a failed validation.
func (a *conversationAgent) DeclineRetry(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	snap, err := a.deps.Workflow.DeclineRetry(ctx, sess.Store)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workflow_status": string(snap.WorkflowStatus)}, nil
}

// DecideImprovement resolves a PASSED_WITH_ISSUES outcome. decision is
// "improve" or "accept"; improving re-runs the pipeline.
func (a *conversationAgent) DecideImprovement(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	decision := stringPayload(payload, "decision")
	if decision != "improve" && decision != "accept" {
		return nil, message.NewError(message.CodeInvalidState,
			`decision must be "improve" or "accept"`,
			map[string]any{"decision": decision})
	}

	snap, err := a.deps.Workflow.ResolveImprovementDecision(ctx, sess.Store, decision == "improve")
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"workflow_status":    string(snap.WorkflowStatus),
		"correction_attempt": snap.CorrectionAttempt,
	}
	if snap.WorkflowStatus == session.StatusProcessing {
		resp := a.deps.Router.Dispatch(ctx, message.NewRequest(
			AgentConversion, "process", forwardPayload(sess, nil)))
		if !resp.Success {
			return nil, resp.Err
		}
		for k, v := range resp.Result {
			result[k] = v
		}
	}
	return result, nil
}

// forwardPayload builds the payload for a follow-up dispatch to the same
// session, carrying over caller-supplied options.
func forwardPayload(sess *session.Session, payload map[string]any) map[string]any {
	out := map[string]any{"session_id": sess.ID}
	for k, v := range payload {
		if k != "session_id" {
			out[k] = v
		}
	}
	return out
}
