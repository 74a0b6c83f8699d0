// ABOUTME: Session state aggregate for one end-to-end conversion attempt
// ABOUTME: Defines workflow/validation/conversation/policy enums and the State struct

package session

import (
	"time"
)

// WorkflowStatus tracks where a session is in the conversion pipeline.
type WorkflowStatus string

const (
	StatusIdle                  WorkflowStatus = "idle"
	StatusUploading             WorkflowStatus = "uploading"
	StatusDetecting             WorkflowStatus = "detecting"
	StatusAwaitingInput         WorkflowStatus = "awaiting_input"
	StatusProcessing            WorkflowStatus = "processing"
	StatusValidating            WorkflowStatus = "validating"
	StatusAwaitingRetryApproval WorkflowStatus = "awaiting_retry_approval"
	StatusCompleted             WorkflowStatus = "completed"
	StatusFailed                WorkflowStatus = "failed"
)

// Busy reports whether the status blocks new uploads and conversion starts.
func (s WorkflowStatus) Busy() bool {
	switch s {
	case StatusUploading, StatusDetecting, StatusProcessing, StatusValidating:
		return true
	}
	return false
}

// Terminal reports whether the session has reached a final state.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidationOutcome is the result of the most recent validation pass.
type ValidationOutcome string

const (
	OutcomeUnset            ValidationOutcome = "unset"
	OutcomePassed           ValidationOutcome = "passed"
	OutcomePassedWithIssues ValidationOutcome = "passed_with_issues"
	OutcomeFailed           ValidationOutcome = "failed"
)

// ConversationPhase tracks what the operator is currently being asked about.
type ConversationPhase string

const (
	PhaseIdle                ConversationPhase = "idle"
	PhaseMetadataCollection  ConversationPhase = "metadata_collection"
	PhaseResultAnalysis      ConversationPhase = "result_analysis"
	PhaseImprovementDecision ConversationPhase = "improvement_decision"
)

// MetadataPolicy governs how the operator is prompted for missing fields.
// It is monotonic within a session: once it leaves PolicyNotAsked it never
// returns except via a full reset, which guarantees the operator is asked
// at most once per session.
type MetadataPolicy string

const (
	PolicyNotAsked          MetadataPolicy = "not_asked"
	PolicyAskedOnce         MetadataPolicy = "asked_once"
	PolicyUserProvided      MetadataPolicy = "user_provided"
	PolicyUserDeclined      MetadataPolicy = "user_declined"
	PolicyProceedingMinimal MetadataPolicy = "proceeding_minimal"
)

// Turn is one entry in the conversation transcript.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// LogEntry is one entry in the session's append-only activity log.
type LogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// State is the sole mutable aggregate describing one conversion session.
// It is owned by the Store; everything else sees immutable snapshots.
type State struct {
	WorkflowStatus    WorkflowStatus    `json:"workflow_status"`
	ValidationOutcome ValidationOutcome `json:"validation_outcome"`
	ConversationPhase ConversationPhase `json:"conversation_phase"`
	MetadataPolicy    MetadataPolicy    `json:"metadata_policy"`

	Metadata            map[string]string `json:"metadata"`
	ConversationHistory []Turn            `json:"conversation_history"`
	CorrectionAttempt   int               `json:"correction_attempt"`

	InputRef  string `json:"input_ref,omitempty"`
	OutputRef string `json:"output_ref,omitempty"`

	Logs []LogEntry `json:"logs"`
}

// NewState returns the initial state for a fresh session.
func NewState() State {
	return State{
		WorkflowStatus:    StatusIdle,
		ValidationOutcome: OutcomeUnset,
		ConversationPhase: PhaseIdle,
		MetadataPolicy:    PolicyNotAsked,
		Metadata:          make(map[string]string),
	}
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (s State) Clone() State {
	out := s

	out.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}

	if s.ConversationHistory != nil {
		out.ConversationHistory = make([]Turn, len(s.ConversationHistory))
		copy(out.ConversationHistory, s.ConversationHistory)
	}

	if s.Logs != nil {
		out.Logs = make([]LogEntry, len(s.Logs))
		for i, e := range s.Logs {
			clone := e
			if e.Context != nil {
				clone.Context = make(map[string]any, len(e.Context))
				for k, v := range e.Context {
					clone.Context[k] = v
				}
			}
			out.Logs[i] = clone
		}
	}

	return out
}

// MergeMetadata folds new values into the metadata map. Existing values are
// only replaced when the incoming value is non-empty, so a later vague answer
// never erases an earlier specific one.
func (s *State) MergeMetadata(fields map[string]string) {
	for k, v := range fields {
		if v == "" {
			continue
		}
		s.Metadata[k] = v
	}
}

// AppendTurn records one conversation turn in the transcript.
func (s *State) AppendTurn(role, text string) {
	s.ConversationHistory = append(s.ConversationHistory, Turn{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// AppendLog records one activity log entry.
func (s *State) AppendLog(level, msg string, ctx map[string]any) {
	s.Logs = append(s.Logs, LogEntry{
		Level:     level,
		Message:   msg,
		Context:   ctx,
		Timestamp: time.Now(),
	})
}
