// ABOUTME: Request/response envelope types shared by the router and all agents
// ABOUTME: Defines the error taxonomy for routing, guard, and handler failures

package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error codes returned in Response envelopes.
const (
	CodeUnknownHandler          = "UNKNOWN_HANDLER"
	CodeHandlerFailure          = "HANDLER_FAILURE"
	CodeTimeout                 = "TIMEOUT"
	CodeInvalidState            = "INVALID_STATE"
	CodeMissingRequiredMetadata = "MISSING_REQUIRED_METADATA"
)

// Request is an immutable envelope addressed to one agent action.
// Payload carries action arguments plus the session_id used to locate
// session state when multiple sessions are live.
type Request struct {
	ID            string         `json:"id"`
	TargetAgent   string         `json:"target_agent"`
	Action        string         `json:"action"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewRequest builds a request with a fresh unique ID.
func NewRequest(targetAgent, action string, payload map[string]any) *Request {
	return &Request{
		ID:          uuid.New().String(),
		TargetAgent: targetAgent,
		Action:      action,
		Payload:     payload,
	}
}

// SessionID extracts the session identifier from the payload, if present.
func (r *Request) SessionID() string {
	if r.Payload == nil {
		return ""
	}
	if id, ok := r.Payload["session_id"].(string); ok {
		return id
	}
	return ""
}

// Error is a structured, machine-readable failure description.
// Context carries remediation data (missing fields, blocking state)
// so a presentation layer can render guidance without inspecting internals.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a structured error with optional context.
func NewError(code, msg string, ctx map[string]any) *Error {
	return &Error{Code: code, Message: msg, Context: ctx}
}

// Response is the immutable reply envelope for one request.
// Exactly one of Result/Err is populated.
type Response struct {
	ID        string         `json:"id"`
	ReplyTo   string         `json:"reply_to"`
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Err       *Error         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SuccessResponse builds a successful reply to the given request.
func SuccessResponse(replyTo string, result map[string]any) *Response {
	return &Response{
		ID:        uuid.New().String(),
		ReplyTo:   replyTo,
		Success:   true,
		Result:    result,
		Timestamp: time.Now(),
	}
}

// ErrorResponse builds a failed reply carrying a structured error.
func ErrorResponse(replyTo string, err *Error) *Response {
	return &Response{
		ID:        uuid.New().String(),
		ReplyTo:   replyTo,
		Success:   false,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// AsError converts an arbitrary handler error into a structured Error.
// Structured errors pass through unchanged, even when wrapped; everything
// else becomes a handler failure with the original message preserved.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	return &Error{Code: CodeHandlerFailure, Message: err.Error()}
}
