// ABOUTME: Tests for handler registration and resolution
// ABOUTME: Covers duplicates, validation, and listing

package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/curator/internal/session"
)

func noopHandler(ctx context.Context, sess *session.Session, payload map[string]any) (map[string]any, error) {
	return nil, nil
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("conversion", "upload", noopHandler))

	h, ok := reg.Resolve("conversion", "upload")
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = reg.Resolve("conversion", "nope")
	assert.False(t, ok)
	_, ok = reg.Resolve("nope", "upload")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", "b", noopHandler))
	assert.Error(t, reg.Register("a", "b", noopHandler))
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("", "action", noopHandler))
	assert.Error(t, reg.Register("agent", "", noopHandler))
	assert.Error(t, reg.Register("agent", "action", nil))
}

func TestRegistryListings(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("conversion", "upload", noopHandler))
	require.NoError(t, reg.Register("conversion", "start_processing", noopHandler))
	require.NoError(t, reg.Register("evaluation", "validate", noopHandler))

	assert.Equal(t, []string{
		"conversion.start_processing",
		"conversion.upload",
		"evaluation.validate",
	}, reg.Actions())
	assert.Equal(t, []string{"conversion", "evaluation"}, reg.Agents())
}
