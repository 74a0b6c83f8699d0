// ABOUTME: Tests for the ask-once metadata policy transitions
// ABOUTME: Covers monotonicity, decline, proceed-minimal, and reset recovery

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/session"
)

func TestMarkRequestedHappyPath(t *testing.T) {
	p := NewPolicyEngine(nil)
	st := session.NewStore("s1", nil, nil)

	snap, err := p.MarkRequested(t.Context(), st, []string{"subject_id", "species"})
	require.NoError(t, err)

	assert.Equal(t, session.PolicyAskedOnce, snap.MetadataPolicy)
	assert.Equal(t, session.PhaseMetadataCollection, snap.ConversationPhase)
	assert.Equal(t, session.StatusAwaitingInput, snap.WorkflowStatus)
	require.Len(t, snap.ConversationHistory, 1)
	assert.Contains(t, snap.ConversationHistory[0].Text, "subject_id")
}

func TestMarkRequestedOnlyOnce(t *testing.T) {
	p := NewPolicyEngine(nil)
	st := session.NewStore("s1", nil, nil)

	_, err := p.MarkRequested(t.Context(), st, []string{"species"})
	require.NoError(t, err)

	_, err = p.MarkRequested(t.Context(), st, []string{"species"})
	require.Error(t, err)
	var structured *message.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, message.CodeInvalidState, structured.Code)
}

func TestAskOncePolicyAcrossWholeSession(t *testing.T) {
	m := NewManager(nil, 5, nil)
	p := m.Policy()
	st := session.NewStore("s1", nil, nil)

	require.True(t, m.ShouldRequestMetadata(st.Snapshot()))

	_, err := p.MarkRequested(t.Context(), st, []string{"subject_id", "species"})
	require.NoError(t, err)
	assert.False(t, m.ShouldRequestMetadata(st.Snapshot()))

	_, err = p.RecordDeclined(t.Context(), st)
	require.NoError(t, err)
	assert.False(t, m.ShouldRequestMetadata(st.Snapshot()),
		"never re-asked after a decline")

	_, err = p.ProceedMinimal(t.Context(), st)
	require.NoError(t, err)
	assert.False(t, m.ShouldRequestMetadata(st.Snapshot()))

	// Only a full reset re-arms the policy
	st.Reset()
	assert.True(t, m.ShouldRequestMetadata(st.Snapshot()))
}

func TestRecordProvidedAfterAsk(t *testing.T) {
	p := NewPolicyEngine(nil)
	st := session.NewStore("s1", nil, nil)

	_, err := p.MarkRequested(t.Context(), st, []string{"subject_id", "species"})
	require.NoError(t, err)

	snap, err := p.RecordProvided(t.Context(), st, map[string]string{
		"subject_id": "m1",
		"species":    "Mus musculus",
	})
	require.NoError(t, err)

	assert.Equal(t, session.PolicyUserProvided, snap.MetadataPolicy)
	assert.Equal(t, session.PhaseIdle, snap.ConversationPhase)
	assert.Equal(t, session.StatusIdle, snap.WorkflowStatus)
	assert.Equal(t, "m1", snap.Metadata["subject_id"])
}

func TestRecordProvidedVolunteered(t *testing.T) {
	p := NewPolicyEngine(nil)
	st := session.NewStore("s1", nil, nil)

	snap, err := p.RecordProvided(t.Context(), st, map[string]string{"subject_id": "m1"})
	require.NoError(t, err)
	assert.Equal(t, session.PolicyUserProvided, snap.MetadataPolicy)
}

func TestRecordProvidedMergesLaterFields(t *testing.T) {
	p := NewPolicyEngine(nil)
	st := session.NewStore("s1", nil, nil)

	_, err := p.RecordProvided(t.Context(), st, map[string]string{"subject_id": "m1"})
	require.NoError(t, err)

	snap, err := p.RecordProvided(t.Context(), st, map[string]string{"species": "Mus musculus"})
	require.NoError(t, err)
	assert.Equal(t, "m1", snap.Metadata["subject_id"])
	assert.Equal(t, "Mus musculus", snap.Metadata["species"])
	assert.Equal(t, session.PolicyUserProvided, snap.MetadataPolicy)
}

func TestRecordDeclinedRequiresPendingAsk(t *testing.T) {
	p := NewPolicyEngine(nil)
	st := session.NewStore("s1", nil, nil)

	_, err := p.RecordDeclined(t.Context(), st)
	assert.Error(t, err, "nothing was asked")
}

func TestProceedMinimalTransitions(t *testing.T) {
	t.Run("from asked_once", func(t *testing.T) {
		p := NewPolicyEngine(nil)
		st := session.NewStore("s1", nil, nil)
		_, err := p.MarkRequested(t.Context(), st, []string{"species"})
		require.NoError(t, err)

		snap, err := p.ProceedMinimal(t.Context(), st)
		require.NoError(t, err)
		assert.Equal(t, session.PolicyProceedingMinimal, snap.MetadataPolicy)
	})

	t.Run("from user_declined", func(t *testing.T) {
		p := NewPolicyEngine(nil)
		st := session.NewStore("s1", nil, nil)
		_, err := p.MarkRequested(t.Context(), st, []string{"species"})
		require.NoError(t, err)
		_, err = p.RecordDeclined(t.Context(), st)
		require.NoError(t, err)

		snap, err := p.ProceedMinimal(t.Context(), st)
		require.NoError(t, err)
		assert.Equal(t, session.PolicyProceedingMinimal, snap.MetadataPolicy)
	})

	t.Run("rejected from not_asked", func(t *testing.T) {
		p := NewPolicyEngine(nil)
		st := session.NewStore("s1", nil, nil)

		_, err := p.ProceedMinimal(t.Context(), st)
		assert.Error(t, err)
	})
}
