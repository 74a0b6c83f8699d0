// ABOUTME: Tests for workflow guards and compound transitions
// ABOUTME: Covers upload/processing guards, atomic validation commit, retry routing

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/session"
)

func newTestManager(t *testing.T) (*Manager, *session.Store) {
	t.Helper()
	return NewManager(nil, 5, nil), session.NewStore("s1", nil, nil)
}

// seed applies a mutation directly, bypassing guards, for test setup.
func seed(t *testing.T, st *session.Store, fn func(*session.State)) {
	t.Helper()
	_, err := st.Update(t.Context(), func(s *session.State) error {
		fn(s)
		return nil
	})
	require.NoError(t, err)
}

func TestCanAcceptUpload(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		status session.WorkflowStatus
		want   bool
	}{
		{session.StatusIdle, true},
		{session.StatusAwaitingInput, true},
		{session.StatusAwaitingRetryApproval, true},
		{session.StatusCompleted, true},
		{session.StatusFailed, true},
		{session.StatusUploading, false},
		{session.StatusDetecting, false},
		{session.StatusProcessing, false},
		{session.StatusValidating, false},
	}
	for _, tt := range tests {
		s := session.NewState()
		s.WorkflowStatus = tt.status
		assert.Equal(t, tt.want, m.CanAcceptUpload(s), "status %s", tt.status)
	}
}

func TestCanStartProcessing(t *testing.T) {
	m, _ := newTestManager(t)

	s := session.NewState()
	assert.False(t, m.CanStartProcessing(s), "no input uploaded")

	s.InputRef = "/data/in.dat"
	assert.True(t, m.CanStartProcessing(s))

	for _, status := range []session.WorkflowStatus{
		session.StatusUploading, session.StatusDetecting,
		session.StatusProcessing, session.StatusValidating,
	} {
		s.WorkflowStatus = status
		assert.False(t, m.CanStartProcessing(s), "status %s", status)
	}
}

func TestIsInActiveConversation(t *testing.T) {
	m, _ := newTestManager(t)

	s := session.NewState()
	assert.False(t, m.IsInActiveConversation(s))

	s.WorkflowStatus = session.StatusAwaitingInput
	assert.False(t, m.IsInActiveConversation(s), "no history, no metadata phase")

	s.ConversationPhase = session.PhaseMetadataCollection
	assert.True(t, m.IsInActiveConversation(s))

	s.ConversationPhase = session.PhaseIdle
	s.AppendTurn("user", "hello")
	assert.True(t, m.IsInActiveConversation(s))
}

func TestShouldRequestMetadataAskOnce(t *testing.T) {
	m, _ := newTestManager(t)

	s := session.NewState()
	assert.True(t, m.ShouldRequestMetadata(s), "fields missing, never asked")

	s.MetadataPolicy = session.PolicyAskedOnce
	assert.False(t, m.ShouldRequestMetadata(s), "already asked")

	s.MetadataPolicy = session.PolicyNotAsked
	s.Metadata["subject_id"] = "m1"
	s.Metadata["species"] = "Mus musculus"
	assert.False(t, m.ShouldRequestMetadata(s), "nothing missing")
}

func TestBeginUploadRejectsWhileBusy(t *testing.T) {
	m, st := newTestManager(t)
	seed(t, st, func(s *session.State) { s.WorkflowStatus = session.StatusProcessing })

	_, err := m.BeginUpload(t.Context(), st, "/data/in.dat")
	require.Error(t, err)
	var structured *message.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, message.CodeInvalidState, structured.Code)
	assert.Equal(t, session.StatusProcessing, st.Snapshot().WorkflowStatus)
}

func TestUploadFromTerminalStateStartsFresh(t *testing.T) {
	m, st := newTestManager(t)
	seed(t, st, func(s *session.State) {
		s.WorkflowStatus = session.StatusCompleted
		s.ValidationOutcome = session.OutcomePassed
		s.CorrectionAttempt = 3
		s.OutputRef = "/data/out.nwb"
	})

	snap, err := m.BeginUpload(t.Context(), st, "/data/second.dat")
	require.NoError(t, err)
	assert.Equal(t, session.StatusUploading, snap.WorkflowStatus)
	assert.Equal(t, session.OutcomeUnset, snap.ValidationOutcome)
	assert.Equal(t, 0, snap.CorrectionAttempt)
	assert.Equal(t, "/data/second.dat", snap.InputRef)
	assert.Empty(t, snap.OutputRef)
}

func TestDetectionFlow(t *testing.T) {
	m, st := newTestManager(t)

	_, err := m.BeginUpload(t.Context(), st, "/data/in.dat")
	require.NoError(t, err)

	snap, err := m.BeginDetection(t.Context(), st)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDetecting, snap.WorkflowStatus)

	snap, err = m.CompleteDetection(t.Context(), st, "open-ephys", true)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, snap.WorkflowStatus)
}

func TestDetectionUnrecognizedParksForInput(t *testing.T) {
	m, st := newTestManager(t)

	_, err := m.BeginUpload(t.Context(), st, "/data/in.dat")
	require.NoError(t, err)
	_, err = m.BeginDetection(t.Context(), st)
	require.NoError(t, err)

	snap, err := m.CompleteDetection(t.Context(), st, "", false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingInput, snap.WorkflowStatus)
}

func TestBeginProcessingRequiresMetadata(t *testing.T) {
	m, st := newTestManager(t)
	seed(t, st, func(s *session.State) { s.InputRef = "/data/in.dat" })

	_, err := m.BeginProcessing(t.Context(), st)
	require.Error(t, err)
	var structured *message.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, message.CodeMissingRequiredMetadata, structured.Code)
	assert.ElementsMatch(t, []string{"subject_id", "species"},
		structured.Context["missing_fields"])
}

func TestBeginProcessingWithMinimalPolicy(t *testing.T) {
	m, st := newTestManager(t)
	seed(t, st, func(s *session.State) {
		s.InputRef = "/data/in.dat"
		s.MetadataPolicy = session.PolicyProceedingMinimal
	})

	snap, err := m.BeginProcessing(t.Context(), st)
	require.NoError(t, err)
	assert.Equal(t, session.StatusProcessing, snap.WorkflowStatus)
}

func TestSetValidationResultAtomicity(t *testing.T) {
	m, st := newTestManager(t)

	snap, err := m.SetValidationResult(t.Context(), st,
		session.OutcomePassedWithIssues, true, session.PhaseImprovementDecision)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomePassedWithIssues, snap.ValidationOutcome)
	assert.Equal(t, session.StatusAwaitingInput, snap.WorkflowStatus)
	assert.Equal(t, session.PhaseImprovementDecision, snap.ConversationPhase)

	snap, err = m.SetValidationResult(t.Context(), st,
		session.OutcomePassed, false, session.PhaseIdle)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomePassed, snap.ValidationOutcome)
	assert.Equal(t, session.StatusCompleted, snap.WorkflowStatus)
	assert.Equal(t, session.PhaseIdle, snap.ConversationPhase)
}

func TestValidationFailureRoutesToRetryApproval(t *testing.T) {
	m, st := newTestManager(t)
	seed(t, st, func(s *session.State) { s.WorkflowStatus = session.StatusValidating })

	snap, err := m.HandleValidationFailure(t.Context(), st)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingRetryApproval, snap.WorkflowStatus)
	assert.Equal(t, session.OutcomeFailed, snap.ValidationOutcome)
	assert.Equal(t, session.PhaseResultAnalysis, snap.ConversationPhase)
}

func TestValidationFailureAtCeilingRoutesToFailed(t *testing.T) {
	m, st := newTestManager(t)
	seed(t, st, func(s *session.State) {
		s.WorkflowStatus = session.StatusValidating
		s.CorrectionAttempt = 5
	})

	snap, err := m.HandleValidationFailure(t.Context(), st)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, snap.WorkflowStatus)
}

func TestValidationFailureRequiresValidating(t *testing.T) {
	m, st := newTestManager(t)

	_, err := m.HandleValidationFailure(t.Context(), st)
	require.Error(t, err)
	var structured *message.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, message.CodeInvalidState, structured.Code)
	assert.Equal(t, session.StatusIdle, st.Snapshot().WorkflowStatus, "state untouched")
}

func TestRetryCycleBoundedByCeiling(t *testing.T) {
	m, st := newTestManager(t)
	ctx := t.Context()

	// Five failure/approval cycles consume all attempts
	for i := 0; i < 5; i++ {
		seed(t, st, func(s *session.State) { s.WorkflowStatus = session.StatusValidating })
		snap, err := m.HandleValidationFailure(ctx, st)
		require.NoError(t, err)
		require.Equal(t, session.StatusAwaitingRetryApproval, snap.WorkflowStatus, "cycle %d", i)

		snap, err = m.ApproveRetry(ctx, st)
		require.NoError(t, err)
		require.Equal(t, session.StatusProcessing, snap.WorkflowStatus)
		require.Equal(t, i+1, snap.CorrectionAttempt)
	}

	// The next failure is terminal regardless of operator approval
	seed(t, st, func(s *session.State) { s.WorkflowStatus = session.StatusValidating })
	snap, err := m.HandleValidationFailure(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, snap.WorkflowStatus)
	assert.Equal(t, 5, snap.CorrectionAttempt, "counter never exceeds the ceiling")

	_, err = m.ApproveRetry(ctx, st)
	assert.Error(t, err, "nothing to approve once failed")
}

func TestDeclineRetry(t *testing.T) {
	m, st := newTestManager(t)
	seed(t, st, func(s *session.State) { s.WorkflowStatus = session.StatusValidating })

	_, err := m.HandleValidationFailure(t.Context(), st)
	require.NoError(t, err)

	snap, err := m.DeclineRetry(t.Context(), st)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, snap.WorkflowStatus)
}

func TestResolveImprovementDecision(t *testing.T) {
	t.Run("improve returns to processing and counts an attempt", func(t *testing.T) {
		m, st := newTestManager(t)
		_, err := m.SetValidationResult(t.Context(), st,
			session.OutcomePassedWithIssues, true, session.PhaseImprovementDecision)
		require.NoError(t, err)

		snap, err := m.ResolveImprovementDecision(t.Context(), st, true)
		require.NoError(t, err)
		assert.Equal(t, session.StatusProcessing, snap.WorkflowStatus)
		assert.Equal(t, 1, snap.CorrectionAttempt)
	})

	t.Run("accept completes the session", func(t *testing.T) {
		m, st := newTestManager(t)
		_, err := m.SetValidationResult(t.Context(), st,
			session.OutcomePassedWithIssues, true, session.PhaseImprovementDecision)
		require.NoError(t, err)

		snap, err := m.ResolveImprovementDecision(t.Context(), st, false)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, snap.WorkflowStatus)
		assert.Equal(t, session.OutcomePassedWithIssues, snap.ValidationOutcome)
	})

	t.Run("improve with exhausted retries accepts instead", func(t *testing.T) {
		m, st := newTestManager(t)
		seed(t, st, func(s *session.State) { s.CorrectionAttempt = 5 })
		_, err := m.SetValidationResult(t.Context(), st,
			session.OutcomePassedWithIssues, true, session.PhaseImprovementDecision)
		require.NoError(t, err)

		snap, err := m.ResolveImprovementDecision(t.Context(), st, true)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, snap.WorkflowStatus)
	})

	t.Run("rejected when no decision pending", func(t *testing.T) {
		m, st := newTestManager(t)
		_, err := m.ResolveImprovementDecision(t.Context(), st, true)
		assert.Error(t, err)
	})
}
