// ABOUTME: Evaluation-stage agent: validates produced output and routes the outcome
// ABOUTME: Failure routing honors the retry ceiling; issues park for an operator decision

package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/router"
	"github.com/2389/curator/internal/session"
)

type evaluationAgent struct {
	deps   Deps
	logger *slog.Logger
}

func registerEvaluation(reg *router.Registry, deps Deps) error {
	a := &evaluationAgent{
		deps:   deps,
		logger: deps.Logger.With("agent", AgentEvaluation),
	}
	return reg.Register(AgentEvaluation, "validate", a.Validate)
}

// Validate runs the validation collaborator against the session's output
// and commits outcome, status, and phase in one atomic transition:
//
//   - PASSED completes the session
//   - PASSED_WITH_ISSUES parks in AWAITING_INPUT for an improvement decision
//   - FAILED goes to AWAITING_RETRY_APPROVAL, or FAILED once retries are spent
func (a *evaluationAgent) Validate(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	wm := a.deps.Workflow
	snap := sess.Store.Snapshot()

	if snap.WorkflowStatus != session.StatusValidating {
		return nil, message.NewError(message.CodeInvalidState,
			"no output awaiting validation",
			map[string]any{"workflow_status": string(snap.WorkflowStatus)})
	}

	if err := pingCollaborator(ctx, "validator", a.deps.ConnectTimeout, a.deps.Validator.Ping); err != nil {
		return nil, err
	}

	report, err := a.deps.Validator.Validate(ctx, snap.OutputRef)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	var committed session.State
	switch report.Outcome {
	case session.OutcomePassed:
		committed, err = wm.SetValidationResult(ctx, sess.Store,
			session.OutcomePassed, false, session.PhaseIdle)
	case session.OutcomePassedWithIssues:
		committed, err = wm.SetValidationResult(ctx, sess.Store,
			session.OutcomePassedWithIssues, true, session.PhaseImprovementDecision)
	case session.OutcomeFailed:
		committed, err = wm.HandleValidationFailure(ctx, sess.Store)
	default:
		return nil, fmt.Errorf("validator returned unknown outcome %q", report.Outcome)
	}
	if err != nil {
		return nil, err
	}

	a.logger.Info("validation complete",
		"session_id", sess.ID,
		"outcome", string(report.Outcome),
		"issues", len(report.Issues),
		"workflow_status", string(committed.WorkflowStatus))

	issues := make([]map[string]any, len(report.Issues))
	for i, issue := range report.Issues {
		issues[i] = map[string]any{"severity": issue.Severity, "message": issue.Message}
	}

	return map[string]any{
		"outcome":            string(report.Outcome),
		"issues":             issues,
		"workflow_status":    string(committed.WorkflowStatus),
		"conversation_phase": string(committed.ConversationPhase),
		"correction_attempt": committed.CorrectionAttempt,
	}, nil
}
