// ABOUTME: Agent wiring: registers the pipeline stage agents into the dispatch table
// ABOUTME: Agents hold the router, never each other; all interaction is dispatched

package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/curator/internal/events"
	"github.com/2389/curator/internal/router"
	"github.com/2389/curator/internal/workflow"
)

// Agent names in the dispatch table.
const (
	AgentConversation = "conversation"
	AgentConversion   = "conversion"
	AgentEvaluation   = "evaluation"
	AgentSession      = "session"
)

// DefaultConnectTimeout bounds the reachability check before a collaborator
// call.
const DefaultConnectTimeout = 10 * time.Second

// Deps carries everything the stage agents need. Agents never hold
// references to each other: follow-up work is dispatched through Router.
type Deps struct {
	Router      *router.Router
	Workflow    *workflow.Manager
	Broadcaster *events.Broadcaster

	Detector  FormatDetector
	Converter Converter
	Validator Validator
	Extractor MetadataExtractor

	// ConnectTimeout bounds collaborator reachability checks.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

func (d *Deps) validate() error {
	if d.Router == nil {
		return fmt.Errorf("router is required")
	}
	if d.Workflow == nil {
		return fmt.Errorf("workflow manager is required")
	}
	if d.Detector == nil || d.Converter == nil || d.Validator == nil || d.Extractor == nil {
		return fmt.Errorf("all collaborators are required")
	}
	return nil
}

// RegisterAll registers every stage agent's actions into the registry.
// Called once at startup.
func RegisterAll(reg *router.Registry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return fmt.Errorf("invalid agent deps: %w", err)
	}
	if deps.ConnectTimeout <= 0 {
		deps.ConnectTimeout = DefaultConnectTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	for _, register := range []func(*router.Registry, Deps) error{
		registerConversation,
		registerConversion,
		registerEvaluation,
		registerSession,
	} {
		if err := register(reg, deps); err != nil {
			return err
		}
	}
	return nil
}

// pingCollaborator runs a reachability check bounded by the connect timeout.
// Collaborator calls are long; an unreachable collaborator should fail in
// seconds, not minutes.
func pingCollaborator(ctx context.Context, name string, timeout time.Duration, ping func(context.Context) error) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ping(pctx); err != nil {
		return fmt.Errorf("%s collaborator unreachable: %w", name, err)
	}
	return nil
}

// stringPayload extracts a string field from a request payload.
func stringPayload(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, _ := payload[key].(string)
	return v
}

// boolPayload extracts a bool field from a request payload.
func boolPayload(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	v, _ := payload[key].(bool)
	return v
}

// fieldsPayload extracts a string map from a request payload. JSON-decoded
// payloads arrive as map[string]any; both shapes are accepted.
func fieldsPayload(payload map[string]any, key string) map[string]string {
	if payload == nil {
		return nil
	}
	switch raw := payload[key].(type) {
	case map[string]string:
		return raw
	case map[string]any:
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
