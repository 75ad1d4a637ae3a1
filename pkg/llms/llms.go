// Package llms contains the OpenAI-compatible chat completions client used
// by the agent loop. The provider supports streaming, function tools,
// tool_choice and parallel_tool_calls.
package llms

import (
	"context"

	"github.com/maruntime/maruntime/pkg/protocol"
)

// Request is one chat completion call.
type Request struct {
	Messages          []protocol.ChatMessage
	Tools             []protocol.ToolDefinition
	ToolChoice        *protocol.ToolChoice
	ParallelToolCalls bool
	// ResponseFormat forces a JSON-schema structured output (SGR agents).
	ResponseFormat *ResponseFormat
	Temperature    *float64
	MaxTokens      int
}

// ResponseFormat is the OpenAI json_schema response format.
type ResponseFormat struct {
	Name   string
	Schema map[string]any
	Strict bool
}

// Completion is the decoded result of one call.
type Completion struct {
	Text        string
	ToolCalls   []*protocol.ToolCall
	TotalTokens int
}

// Provider is the LLM client contract the driver depends on.
type Provider interface {
	// Generate performs a non-streaming call.
	Generate(ctx context.Context, req *Request) (*Completion, error)
	// GenerateStreaming performs a streaming call, invoking onDelta for
	// each text fragment as it arrives. Tool calls are accumulated and
	// returned on the completion.
	GenerateStreaming(ctx context.Context, req *Request, onDelta func(text string)) (*Completion, error)
	ModelName() string
}
