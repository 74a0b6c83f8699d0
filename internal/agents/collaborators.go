// ABOUTME: Contracts for the external collaborators the pipeline stages invoke
// ABOUTME: Format detection, conversion, validation, and metadata extraction

package agents

import (
	"context"
	"errors"

	"github.com/2389/curator/internal/session"
)

// ErrUnrecognizedFormat is returned by a detector when the input matches no
// known format.
var ErrUnrecognizedFormat = errors.New("input format not recognized")

// DetectResult is the outcome of format detection.
type DetectResult struct {
	FormatID   string  `json:"format_id"`
	Confidence float64 `json:"confidence"`
}

// ProcessResult is the outcome of converting an input artifact.
type ProcessResult struct {
	OutputRef string `json:"output_ref"`
}

// Issue is one finding from validation.
type Issue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ValidationReport is the outcome of validating a produced file.
type ValidationReport struct {
	Outcome session.ValidationOutcome `json:"outcome"`
	Issues  []Issue                   `json:"issues,omitempty"`
}

// ExtractResult is the outcome of analyzing free text for metadata fields.
type ExtractResult struct {
	Fields         map[string]string `json:"fields,omitempty"`
	Confidence     float64           `json:"confidence"`
	NeedsMoreInfo  bool              `json:"needs_more_info"`
	ReadyToProceed bool              `json:"ready_to_proceed"`
}

// FormatDetector recognizes the domain-specific format of an input artifact.
// Ping is a cheap reachability check, bounded by the collaborator connect
// timeout, run before the long-running call.
type FormatDetector interface {
	Ping(ctx context.Context) error
	Detect(ctx context.Context, inputRef string) (DetectResult, error)
}

// Converter turns input bytes into the target structured file.
type Converter interface {
	Ping(ctx context.Context) error
	Process(ctx context.Context, inputRef string, metadata map[string]string) (ProcessResult, error)
}

// Validator checks a produced file against its schema.
type Validator interface {
	Ping(ctx context.Context) error
	Validate(ctx context.Context, outputRef string) (ValidationReport, error)
}

// MetadataExtractor pulls structured fields from operator free text. It may
// be language-model backed or rule based; the router treats it like any
// other handler dependency and never special-cases it.
type MetadataExtractor interface {
	Ping(ctx context.Context) error
	Extract(ctx context.Context, freeText string) (ExtractResult, error)
}
