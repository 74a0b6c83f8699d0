// ABOUTME: Conversion-stage agent: accepts uploads, detects formats, runs processing
// ABOUTME: Dispatches validation through the router once an output is produced

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

type conversionAgent struct {
	deps   Deps
	logger *slog.Logger
}

func registerConversion(reg *router.Registry, deps Deps) error {
	a := &conversionAgent{
		deps:   deps,
		logger: deps.Logger.With("agent", AgentConversion),
	}
	for action, h := range map[string]router.Handler{
		"upload":           a.Upload,
		"start_processing": a.StartProcessing,
		"process":          a.Process,
	} {
		if err := reg.Register(AgentConversion, action, h); err != nil {
			return err
		}
	}
	return nil
}

// Upload accepts an input artifact and runs format detection.
// State walks UPLOADING -> DETECTING -> IDLE (format known) or
// AWAITING_INPUT (unrecognized).
func (a *conversionAgent) Upload(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	inputRef := stringPayload(payload, "input_ref")
	if inputRef == "" {
		return nil, message.NewError(message.CodeInvalidState,
			"input_ref is required", nil)
	}

	wm := a.deps.Workflow
	if _, err := wm.BeginUpload(ctx, sess.Store, inputRef); err != nil {
		return nil, err
	}
	if _, err := wm.BeginDetection(ctx, sess.Store); err != nil {
		return nil, err
	}

	if err := pingCollaborator(ctx, "detector", a.deps.ConnectTimeout, a.deps.Detector.Ping); err != nil {
		_, _ = wm.CompleteDetection(ctx, sess.Store, "", false)
		return nil, err
	}

	result, err := a.deps.Detector.Detect(ctx, inputRef)
	if err != nil {
		if _, serr := wm.CompleteDetection(ctx, sess.Store, "", false); serr != nil {
			return nil, serr
		}
		if errors.Is(err, ErrUnrecognizedFormat) {
			return map[string]any{
				"recognized":      false,
				"workflow_status": string(session.StatusAwaitingInput),
			}, nil
		}
		return nil, fmt.Errorf("format detection: %w", err)
	}

	snap, err := wm.CompleteDetection(ctx, sess.Store, result.FormatID, true)
	if err != nil {
		return nil, err
	}

	a.logger.Info("format detected",
		"session_id", sess.ID,
		"format_id", result.FormatID,
		"confidence", result.Confidence)

	return map[string]any{
		"recognized":      true,
		"format_id":       result.FormatID,
		"confidence":      result.Confidence,
		"workflow_status": string(snap.WorkflowStatus),
	}, nil
}

// StartProcessing guards and kicks off the conversion. When required
// metadata is missing and the operator has never been asked, the ask-once
// request is issued as part of the same failing dispatch: the caller gets
// MISSING_REQUIRED_METADATA and the policy moves NOT_ASKED -> ASKED_ONCE.
// A proceed_minimal payload flag converts a spent ask into
// PROCEEDING_MINIMAL and goes ahead with whatever fields are present.
func (a *conversionAgent) StartProcessing(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	wm := a.deps.Workflow

	if boolPayload(payload, "proceed_minimal") {
		snap := sess.Store.Snapshot()
		if len(wm.MissingMetadata(snap)) > 0 &&
			snap.MetadataPolicy != session.PolicyProceedingMinimal {
			if _, err := wm.Policy().ProceedMinimal(ctx, sess.Store); err != nil {
				return nil, err
			}
		}
	}

	if _, err := wm.BeginProcessing(ctx, sess.Store); err != nil {
		var structured *message.Error
		if errors.As(err, &structured) && structured.Code == message.CodeMissingRequiredMetadata {
			if wm.ShouldRequestMetadata(sess.Store.Snapshot()) {
				missing := wm.MissingMetadata(sess.Store.Snapshot())
				if _, perr := wm.Policy().MarkRequested(ctx, sess.Store, missing); perr != nil {
					return nil, perr
				}
			}
		}
		return nil, err
	}

	return a.runPipeline(ctx, sess, payload)
}

// Process re-runs the converter for a session already in PROCESSING —
// retry approvals and improvement decisions land here via the router.
func (a *conversionAgent) Process(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	if sess.Store.Snapshot().WorkflowStatus != session.StatusProcessing {
		return nil, message.NewError(message.CodeInvalidState,
			"session is not processing",
			map[string]any{"workflow_status": string(sess.Store.Snapshot().WorkflowStatus)})
	}
	return a.runPipeline(ctx, sess, payload)
}

// runPipeline converts the input and hands the output to the evaluation
// agent through the router. Requires status PROCESSING.
func (a *conversionAgent) runPipeline(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	wm := a.deps.Workflow
	snap := sess.Store.Snapshot()

	if err := pingCollaborator(ctx, "converter", a.deps.ConnectTimeout, a.deps.Converter.Ping); err != nil {
		return nil, a.failPipeline(ctx, sess, err)
	}

	result, err := a.deps.Converter.Process(ctx, snap.InputRef, snap.Metadata)
	if err != nil {
		return nil, a.failPipeline(ctx, sess, fmt.Errorf("conversion: %w", err))
	}

	if _, err := wm.CompleteProcessing(ctx, sess.Store, result.OutputRef); err != nil {
		return nil, err
	}

	resp := a.deps.Router.Dispatch(ctx, message.NewRequest(
		AgentEvaluation, "validate", map[string]any{"session_id": sess.ID}))
	if !resp.Success {
		return nil, resp.Err
	}

	out := map[string]any{"output_ref": result.OutputRef}
	for k, v := range resp.Result {
		out[k] = v
	}
	return out, nil
}

// failPipeline marks the session failed after a collaborator fault and
// returns the original error for the response envelope.
func (a *conversionAgent) failPipeline(ctx context.Context, sess *session.Session, cause error) error {
	if _, err := a.deps.Workflow.FailSession(ctx, sess.Store, cause.Error()); err != nil {
		a.logger.Warn("could not record pipeline failure",
			"session_id", sess.ID, "error", err)
	}
	return cause
}
