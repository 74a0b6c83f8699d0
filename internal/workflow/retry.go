// ABOUTME: Retry controller enforcing the hard ceiling on correction attempts
// ABOUTME: Attempts are counted once per retry cycle, never per validation call

package workflow

import (
	"github.com/2389/curator/internal/message"
	"github.com/2389/curator/internal/session"
)

// DefaultMaxRetryAttempts is the retry ceiling when none is configured.
const DefaultMaxRetryAttempts = 5

// RetryController bounds correction attempts per session. Retries are a
// finite resource: the ceiling bounds worst-case session duration and the
// cost of repeated collaborator invocations.
type RetryController struct {
	maxAttempts int
}

// NewRetryController creates a controller with the given ceiling.
// Non-positive values fall back to the default.
func NewRetryController(maxAttempts int) *RetryController {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetryAttempts
	}
	return &RetryController{maxAttempts: maxAttempts}
}

// MaxAttempts returns the configured ceiling.
func (r *RetryController) MaxAttempts() int { return r.maxAttempts }

// CanRetry reports whether the session may attempt another correction.
func (r *RetryController) CanRetry(s session.State) bool {
	return s.CorrectionAttempt < r.maxAttempts
}

// recordAttempt increments the counter inside an already-open update.
// Called exactly once per retry cycle by the manager's transitions.
func (r *RetryController) recordAttempt(s *session.State) error {
	if s.CorrectionAttempt >= r.maxAttempts {
		return message.NewError(message.CodeInvalidState,
			"retry ceiling reached",
			map[string]any{
				"correction_attempt": s.CorrectionAttempt,
				"max_attempts":       r.maxAttempts,
			})
	}
	s.CorrectionAttempt++
	return nil
}
