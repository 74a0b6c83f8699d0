// ABOUTME: Deterministic in-memory collaborators for tests and local runs
// ABOUTME: Scriptable outcomes: recognized formats, validation results, extraction rules

package agents

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/2389/curator/internal/session"
)

// FakeDetector recognizes inputs by file extension.
type FakeDetector struct {
	// Formats maps extension (without dot) to format ID.
	Formats map[string]string
	// Err, when set, is returned by every call.
	Err error
}

// NewFakeDetector returns a detector recognizing a few common extensions.
func NewFakeDetector() *FakeDetector {
	return &FakeDetector{
		Formats: map[string]string{
			"dat": "open-ephys",
			"rhd": "intan",
			"ns6": "blackrock",
		},
	}
}

func (d *FakeDetector) Ping(ctx context.Context) error { return d.Err }

func (d *FakeDetector) Detect(ctx context.Context, inputRef string) (DetectResult, error) {
	if d.Err != nil {
		return DetectResult{}, d.Err
	}
	ext := strings.TrimPrefix(filepath.Ext(inputRef), ".")
	format, ok := d.Formats[ext]
	if !ok {
		return DetectResult{}, ErrUnrecognizedFormat
	}
	return DetectResult{FormatID: format, Confidence: 0.95}, nil
}

// FakeConverter produces an output ref derived from the input ref.
type FakeConverter struct {
	Err error

	mu    sync.Mutex
	calls int
}

func (c *FakeConverter) Ping(ctx context.Context) error { return c.Err }

func (c *FakeConverter) Process(ctx context.Context, inputRef string, metadata map[string]string) (ProcessResult, error) {
	if c.Err != nil {
		return ProcessResult{}, c.Err
	}
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	base := strings.TrimSuffix(inputRef, filepath.Ext(inputRef))
	return ProcessResult{OutputRef: fmt.Sprintf("%s.v%d.nwb", base, n)}, nil
}

// Calls returns how many conversions have run.
func (c *FakeConverter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// FakeValidator replays a scripted sequence of reports, then repeats the
// last one. An empty script always passes.
type FakeValidator struct {
	Script []ValidationReport
	Err    error

	mu   sync.Mutex
	next int
}

func (v *FakeValidator) Ping(ctx context.Context) error { return v.Err }

func (v *FakeValidator) Validate(ctx context.Context, outputRef string) (ValidationReport, error) {
	if v.Err != nil {
		return ValidationReport{}, v.Err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.Script) == 0 {
		return ValidationReport{Outcome: session.OutcomePassed}, nil
	}
	report := v.Script[v.next]
	if v.next < len(v.Script)-1 {
		v.next++
	}
	return report, nil
}

// FakeExtractor finds "key: value" or "key=value" pairs in free text.
// Filtering to schema-known fields is the caller's concern.
type FakeExtractor struct {
	// Ready marks the extraction as sufficient to proceed.
	Ready bool
	Err   error
}

func (e *FakeExtractor) Ping(ctx context.Context) error { return e.Err }

func (e *FakeExtractor) Extract(ctx context.Context, freeText string) (ExtractResult, error) {
	if e.Err != nil {
		return ExtractResult{}, e.Err
	}
	fields := make(map[string]string)
	for _, part := range strings.Split(freeText, ",") {
		var k, v string
		var ok bool
		if k, v, ok = strings.Cut(part, ":"); !ok {
			k, v, ok = strings.Cut(part, "=")
		}
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			fields[strings.ReplaceAll(strings.ToLower(k), " ", "_")] = v
		}
	}
	return ExtractResult{
		Fields:         fields,
		Confidence:     0.8,
		NeedsMoreInfo:  len(fields) == 0,
		ReadyToProceed: e.Ready,
	}, nil
}
