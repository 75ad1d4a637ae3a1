// Package tools implements the tool catalog: the store-backed registry of
// executable tools, entrypoint resolution, per-session execution policy
// (quotas, cooldowns, timeouts) and the builtin tool set.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/maruntime/maruntime/pkg/protocol"
)

// Execution result statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Result is the outcome of one tool invocation. Content is the text placed
// in the transcript; Data carries any structured payload.
type Result struct {
	Status   string         `json:"status"`
	Content  string         `json:"content"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	ToolName string         `json:"tool_name,omitempty"`
	Duration time.Duration  `json:"-"`
}

func (r *Result) Success() bool {
	return r.Status == StatusOK
}

// Text returns the transcript representation: the content on success, the
// error message otherwise.
func (r *Result) Text() string {
	if r.Status == StatusOK {
		return r.Content
	}
	if r.Error != "" {
		return fmt.Sprintf("Error: %s", r.Error)
	}
	return "Error: tool execution failed"
}

func OKResult(content string) *Result {
	return &Result{Status: StatusOK, Content: content}
}

func ErrorResult(message string) *Result {
	return &Result{Status: StatusError, Error: message}
}

// ExecContext is the session-scoped view handed to every execution. Tools
// may append sources and read counters; they never touch the store's session
// row directly.
type ExecContext struct {
	SessionID string
	Iteration int
	Stage     string
	// Sources accumulates numbered references across the run.
	Sources []Source
}

// Source is one numbered reference collected by research tools.
type Source struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Tool is one executable catalog entry.
type Tool interface {
	Name() string
	Description() string
	// Definition returns the function-tool schema exposed to the LLM.
	Definition() protocol.ToolDefinition
	Execute(ctx context.Context, ec *ExecContext, args map[string]any) (*Result, error)
}

// SchemaFor derives a JSON schema for the args struct type T, inlined the
// way the chat completions API expects function parameters.
func SchemaFor[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// DecodeArgs maps loose JSON args onto a typed args struct.
func DecodeArgs[T any](args map[string]any) (*T, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return &out, nil
}
