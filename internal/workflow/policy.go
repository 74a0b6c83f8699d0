// ABOUTME: Conversation policy engine implementing the ask-once metadata rule
// ABOUTME: Policy transitions are monotonic within a session; only reset goes back

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/session"
)

// PolicyEngine drives the metadata_policy transitions and keeps the
// conversation phase in lock-step with them. Once the policy leaves
// PolicyNotAsked it never returns except via full session reset, so the
// operator is asked for missing information at most once per session.
type PolicyEngine struct {
	logger *slog.Logger
}

// NewPolicyEngine creates a policy engine.
func NewPolicyEngine(logger *slog.Logger) *PolicyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyEngine{logger: logger.With("component", "policy")}
}

// MarkRequested records that the operator has been asked for the given
// missing fields: NOT_ASKED -> ASKED_ONCE, conversation moves to metadata
// collection and the session parks in AWAITING_INPUT. Any other starting
// policy is rejected — that is the ask-once guarantee.
func (p *PolicyEngine) MarkRequested(ctx context.Context, st *session.Store, missing []string) (session.State, error) {
	snap, err := st.Update(ctx, func(s *session.State) error {
		if s.MetadataPolicy != session.PolicyNotAsked {
			return message.NewError(message.CodeInvalidState,
				"metadata was already requested this session",
				map[string]any{"metadata_policy": string(s.MetadataPolicy)})
		}
		s.MetadataPolicy = session.PolicyAskedOnce
		s.ConversationPhase = session.PhaseMetadataCollection
		s.WorkflowStatus = session.StatusAwaitingInput
		s.AppendTurn("assistant",
			fmt.Sprintf("Please provide the following metadata: %s", strings.Join(missing, ", ")))
		s.AppendLog("info", "metadata requested", map[string]any{"missing_fields": missing})
		return nil
	})
	if err == nil {
		p.logger.Info("metadata requested",
			"session_id", st.SessionID(), "missing_fields", missing)
	}
	return snap, err
}

// RecordProvided merges operator-supplied fields and advances the policy to
// USER_PROVIDED. Volunteered metadata (policy still NOT_ASKED) is accepted
// too; the policy stays monotonic either way.
func (p *PolicyEngine) RecordProvided(ctx context.Context, st *session.Store, fields map[string]string) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		switch s.MetadataPolicy {
		case session.PolicyNotAsked, session.PolicyAskedOnce:
			s.MetadataPolicy = session.PolicyUserProvided
		case session.PolicyUserProvided:
			// Additional fields after an earlier answer: merge only
		default:
			return message.NewError(message.CodeInvalidState,
				"metadata can no longer be provided",
				map[string]any{"metadata_policy": string(s.MetadataPolicy)})
		}
		s.MergeMetadata(fields)
		if s.ConversationPhase == session.PhaseMetadataCollection {
			s.ConversationPhase = session.PhaseIdle
		}
		if s.WorkflowStatus == session.StatusAwaitingInput {
			s.WorkflowStatus = session.StatusIdle
		}
		s.AppendLog("info", "metadata provided", map[string]any{"fields": fieldNames(fields)})
		return nil
	})
}

// RecordDeclined records that the operator declined to supply metadata:
// ASKED_ONCE -> USER_DECLINED.
func (p *PolicyEngine) RecordDeclined(ctx context.Context, st *session.Store) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		if s.MetadataPolicy != session.PolicyAskedOnce {
			return message.NewError(message.CodeInvalidState,
				"no metadata request to decline",
				map[string]any{"metadata_policy": string(s.MetadataPolicy)})
		}
		s.MetadataPolicy = session.PolicyUserDeclined
		if s.ConversationPhase == session.PhaseMetadataCollection {
			s.ConversationPhase = session.PhaseIdle
		}
		if s.WorkflowStatus == session.StatusAwaitingInput {
			s.WorkflowStatus = session.StatusIdle
		}
		s.AppendTurn("user", "declined to provide metadata")
		s.AppendLog("info", "metadata declined", nil)
		return nil
	})
}

// ProceedMinimal records the decision to process with whatever metadata is
// present: ASKED_ONCE|USER_DECLINED -> PROCEEDING_MINIMAL.
func (p *PolicyEngine) ProceedMinimal(ctx context.Context, st *session.Store) (session.State, error) {
	return st.Update(ctx, func(s *session.State) error {
		switch s.MetadataPolicy {
		case session.PolicyAskedOnce, session.PolicyUserDeclined:
			s.MetadataPolicy = session.PolicyProceedingMinimal
		case session.PolicyProceedingMinimal:
			// Already decided
		default:
			return message.NewError(message.CodeInvalidState,
				"cannot proceed with minimal metadata from current policy",
				map[string]any{"metadata_policy": string(s.MetadataPolicy)})
		}
		if s.ConversationPhase == session.PhaseMetadataCollection {
			s.ConversationPhase = session.PhaseIdle
		}
		if s.WorkflowStatus == session.StatusAwaitingInput {
			s.WorkflowStatus = session.StatusIdle
		}
		s.AppendLog("info", "proceeding with minimal metadata", nil)
		return nil
	})
}

func fieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	return names
}
