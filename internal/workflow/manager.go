// ABOUTME: Workflow state manager: guard predicates and compound atomic transitions
// ABOUTME: All multi-field state changes go through here so no torn state is observable

package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/schema"
	"github.com/2389/curator/internal/session"
)

// Manager layers pipeline decision logic over the session store. Guards are
// pure functions of a snapshot; transitions are atomic updates through the
// store. The store itself encodes no business rules.
type Manager struct {
	schema *schema.Schema
	retry  *RetryController
	policy *PolicyEngine
	logger *slog.Logger
}

// NewManager creates a workflow manager with the given metadata schema and
// retry ceiling.
func NewManager(s *schema.Schema, maxRetries int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if s == nil {
		s = schema.Default()
	}
	return &Manager{
		schema: s,
		retry:  NewRetryController(maxRetries),
		policy: NewPolicyEngine(logger),
		logger: logger.With("component", "workflow"),
	}
}

// Retry exposes the retry controller.
func (m *Manager) Retry() *RetryController { return m.retry }

// Policy exposes the conversation policy engine.
func (m *Manager) Policy() *PolicyEngine { return m.policy }

// Schema exposes the metadata field schema.
func (m *Manager) Schema() *schema.Schema { return m.schema }

// CanAcceptUpload reports whether a new upload may be accepted now.
// Uploads are rejected while the pipeline is busy with a previous artifact.
func (m *Manager) CanAcceptUpload(s session.State) bool {
	return !s.WorkflowStatus.Busy()
}

// CanStartProcessing reports whether conversion may start: an input must be
// present and no upload/detection/processing/validation may be in flight.
func (m *Manager) CanStartProcessing(s session.State) bool {
	if s.InputRef == "" {
		return false
	}
	switch s.WorkflowStatus {
	case session.StatusUploading, session.StatusDetecting,
		session.StatusProcessing, session.StatusValidating:
		return false
	}
	return true
}

// IsInActiveConversation reports whether the operator is mid-exchange.
func (m *Manager) IsInActiveConversation(s session.State) bool {
	if s.WorkflowStatus != session.StatusAwaitingInput {
		return false
	}
	return len(s.ConversationHistory) > 0 || s.ConversationPhase == session.PhaseMetadataCollection
}

// ShouldRequestMetadata reports whether the operator should be asked for
// missing fields: required fields are absent, the ask-once policy has not
// been spent, and no conversation is already in progress.
func (m *Manager) ShouldRequestMetadata(s session.State) bool {
	if len(m.schema.Missing(s.Metadata)) == 0 {
		return false
	}
	if s.MetadataPolicy != session.PolicyNotAsked {
		return false
	}
	return !m.IsInActiveConversation(s)
}

// MissingMetadata returns the required fields absent from the snapshot.
func (m *Manager) MissingMetadata(s session.State) []string {
	return m.schema.Missing(s.Metadata)
}

// BeginUpload accepts a new input artifact and moves to UPLOADING.
// Starting a new upload from a terminal state implicitly begins a new
// attempt: the previous outcome fields are cleared.
func (m *Manager) BeginUpload(ctx context.Context, st *session.Store, inputRef string) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		if !m.CanAcceptUpload(*s) {
			return message.NewError(message.CodeInvalidState,
				fmt.Sprintf("cannot accept upload while %s", s.WorkflowStatus),
				map[string]any{"workflow_status": string(s.WorkflowStatus)})
		}
		if s.WorkflowStatus.Terminal() {
			*s = session.NewState()
		}
		s.WorkflowStatus = session.StatusUploading
		s.InputRef = inputRef
		s.AppendLog("info", "upload accepted", map[string]any{"input_ref": inputRef})
		return nil
	})
}

// BeginDetection moves UPLOADING -> DETECTING.
func (m *Manager) BeginDetection(ctx context.Context, st *session.Store) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		if s.WorkflowStatus != session.StatusUploading {
			return message.NewError(message.CodeInvalidState,
				fmt.Sprintf("cannot start detection from %s", s.WorkflowStatus),
				map[string]any{"workflow_status": string(s.WorkflowStatus)})
		}
		s.WorkflowStatus = session.StatusDetecting
		return nil
	})
}

// CompleteDetection records the detection result. A recognized format
// returns the session to IDLE, ready for processing; an unrecognized one
// parks it in AWAITING_INPUT so the operator can intervene.
func (m *Manager) CompleteDetection(ctx context.Context, st *session.Store, formatID string, recognized bool) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		if s.WorkflowStatus != session.StatusDetecting {
			return message.NewError(message.CodeInvalidState,
				fmt.Sprintf("cannot complete detection from %s", s.WorkflowStatus),
				map[string]any{"workflow_status": string(s.WorkflowStatus)})
		}
		if recognized {
			s.WorkflowStatus = session.StatusIdle
			s.AppendLog("info", "format detected", map[string]any{"format_id": formatID})
		} else {
			s.WorkflowStatus = session.StatusAwaitingInput
			s.AppendLog("warn", "format not recognized", map[string]any{"input_ref": s.InputRef})
		}
		return nil
	})
}

// BeginProcessing guards and moves to PROCESSING. The metadata requirement
// is enforced here: if required fields are missing and the policy has not
// reached PROCEEDING_MINIMAL, the transition fails with a structured error
// listing the missing fields.
func (m *Manager) BeginProcessing(ctx context.Context, st *session.Store) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		if !m.CanStartProcessing(*s) {
			ctx := map[string]any{"workflow_status": string(s.WorkflowStatus)}
			if s.InputRef == "" {
				ctx["reason"] = "no input uploaded"
			}
			return message.NewError(message.CodeInvalidState,
				"cannot start processing now", ctx)
		}
		if missing := m.schema.Missing(s.Metadata); len(missing) > 0 &&
			s.MetadataPolicy != session.PolicyProceedingMinimal {
			return message.NewError(message.CodeMissingRequiredMetadata,
				"required metadata is missing",
				map[string]any{"missing_fields": missing})
		}
		s.WorkflowStatus = session.StatusProcessing
		s.ConversationPhase = session.PhaseIdle
		s.AppendLog("info", "processing started", map[string]any{"input_ref": s.InputRef})
		return nil
	})
}

// CompleteProcessing records the converter's output and moves to VALIDATING.
func (m *Manager) CompleteProcessing(ctx context.Context, st *session.Store, outputRef string) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		if s.WorkflowStatus != session.StatusProcessing {
			return message.NewError(message.CodeInvalidState,
				fmt.Sprintf("cannot record processing result from %s", s.WorkflowStatus),
				map[string]any{"workflow_status": string(s.WorkflowStatus)})
		}
		s.WorkflowStatus = session.StatusValidating
		s.OutputRef = outputRef
		s.AppendLog("info", "processing complete", map[string]any{"output_ref": outputRef})
		return nil
	})
}

// SetValidationResult atomically commits a validation outcome together with
// the matching status and phase. When requiresDecision is true the session
// moves to AWAITING_INPUT in nextPhase; otherwise it completes. Observers
// can never see the outcome without the corresponding status/phase.
func (m *Manager) SetValidationResult(ctx context.Context, st *session.Store, outcome session.ValidationOutcome, requiresDecision bool, nextPhase session.ConversationPhase) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		s.ValidationOutcome = outcome
		if requiresDecision {
			s.WorkflowStatus = session.StatusAwaitingInput
			s.ConversationPhase = nextPhase
		} else {
			s.WorkflowStatus = session.StatusCompleted
			s.ConversationPhase = session.PhaseIdle
		}
		s.AppendLog("info", "validation result recorded", map[string]any{
			"outcome":           string(outcome),
			"requires_decision": requiresDecision,
		})
		return nil
	})
}

// HandleValidationFailure routes a failed validation. With retries left the
// session parks in AWAITING_RETRY_APPROVAL; with the ceiling reached it goes
// to FAILED. Retry exhaustion is a state transition, not an error.
func (m *Manager) HandleValidationFailure(ctx context.Context, st *session.Store) (session.State, error) {
	snap, err := st.Update(ctx, func(s *session.State) error {
		if s.WorkflowStatus != session.StatusValidating {
			return message.NewError(message.CodeInvalidState,
				fmt.Sprintf("no validation in flight in %s", s.WorkflowStatus),
				map[string]any{"workflow_status": string(s.WorkflowStatus)})
		}
		s.ValidationOutcome = session.OutcomeFailed
		if m.retry.CanRetry(*s) {
			s.WorkflowStatus = session.StatusAwaitingRetryApproval
			s.ConversationPhase = session.PhaseResultAnalysis
			s.AppendLog("warn", "validation failed, awaiting retry approval", map[string]any{
				"correction_attempt": s.CorrectionAttempt,
			})
		} else {
			s.WorkflowStatus = session.StatusFailed
			s.ConversationPhase = session.PhaseIdle
			s.AppendLog("error", "validation failed with no retries remaining", map[string]any{
				"correction_attempt": s.CorrectionAttempt,
			})
		}
		return nil
	})
	if err == nil {
		m.logger.Warn("validation failed",
			"session_id", st.SessionID(),
			"workflow_status", string(snap.WorkflowStatus),
			"correction_attempt", snap.CorrectionAttempt)
	}
	return snap, err
}

// ApproveRetry consumes one correction attempt and returns to PROCESSING.
func (m *Manager) ApproveRetry(ctx context.Context, st *session.Store) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		if s.WorkflowStatus != session.StatusAwaitingRetryApproval {
			return message.NewError(message.CodeInvalidState,
				fmt.Sprintf("no retry pending in %s", s.WorkflowStatus),
				map[string]any{"workflow_status": string(s.WorkflowStatus)})
		}
		if err := m.retry.recordAttempt(s); err != nil {
			return err
		}
		s.WorkflowStatus = session.StatusProcessing
		s.ConversationPhase = session.PhaseIdle
		s.AppendLog("info", "retry approved", map[string]any{
			"correction_attempt": s.CorrectionAttempt,
		})
		return nil
	})
}

// DeclineRetry moves AWAITING_RETRY_APPROVAL -> FAILED.
func (m *Manager) DeclineRetry(ctx context.Context, st *session.Store) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		if s.WorkflowStatus != session.StatusAwaitingRetryApproval {
			return message.NewError(message.CodeInvalidState,
				fmt.Sprintf("no retry pending in %s", s.WorkflowStatus),
				map[string]any{"workflow_status": string(s.WorkflowStatus)})
		}
		s.WorkflowStatus = session.StatusFailed
		s.ConversationPhase = session.PhaseIdle
		s.AppendLog("info", "retry declined by operator", nil)
		return nil
	})
}

// FailSession marks the session failed after an unrecoverable fault.
func (m *Manager) FailSession(ctx context.Context, st *session.Store, reason string) (session.State, error) {
	snap, err := st.Update(ctx, func(s *session.State) error {
		s.WorkflowStatus = session.StatusFailed
		s.ConversationPhase = session.PhaseIdle
		s.AppendLog("error", "session failed", map[string]any{"reason": reason})
		return nil
	})
	if err == nil {
		m.logger.Error("session failed",
			"session_id", st.SessionID(), "reason", reason)
	}
	return snap, err
}

// ResolveImprovementDecision handles the operator's choice after a
// PASSED_WITH_ISSUES outcome: improve returns to PROCESSING (consuming a
// correction attempt), accept completes the session as-is.
func (m *Manager) ResolveImprovementDecision(ctx context.Context, st *session.Store, improve bool) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		if s.WorkflowStatus != session.StatusAwaitingInput ||
			s.ConversationPhase != session.PhaseImprovementDecision {
			return message.NewError(message.CodeInvalidState,
				"no improvement decision pending",
				map[string]any{
					"workflow_status":    string(s.WorkflowStatus),
					"conversation_phase": string(s.ConversationPhase),
				})
		}
		if improve {
			if !m.retry.CanRetry(*s) {
				s.WorkflowStatus = session.StatusCompleted
				s.ConversationPhase = session.PhaseIdle
				s.AppendLog("warn", "improvement requested but retries exhausted, accepting output", nil)
				return nil
			}
			if err := m.retry.recordAttempt(s); err != nil {
				return err
			}
			s.WorkflowStatus = session.StatusProcessing
			s.ConversationPhase = session.PhaseIdle
			s.AppendLog("info", "operator chose to improve output", map[string]any{
				"correction_attempt": s.CorrectionAttempt,
			})
		} else {
			s.WorkflowStatus = session.StatusCompleted
			s.ConversationPhase = session.PhaseIdle
			s.AppendLog("info", "operator accepted output with issues", nil)
		}
		return nil
	})
}
