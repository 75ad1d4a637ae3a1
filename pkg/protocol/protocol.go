// Package protocol defines the OpenAI-compatible message and tool-call types
// shared by the LLM client, the session log, and the gateway.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Session states. Terminal states are sticky: once a session reaches
// COMPLETED or FAILED no further transition is accepted.
const (
	StateInited                 = "INITED"
	StateResearching            = "RESEARCHING"
	StateWaitingForClarification = "WAITING_FOR_CLARIFICATION"
	StateCompleted              = "COMPLETED"
	StateFailed                 = "FAILED"
)

// IsTerminalState reports whether a session state accepts no transitions.
func IsTerminalState(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// Instance statuses.
const (
	InstanceOffline  = "OFFLINE"
	InstanceStarting = "STARTING"
	InstanceIdle     = "IDLE"
	InstanceBusy     = "BUSY"
	InstanceError    = "ERROR"
	InstanceStopping = "STOPPING"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message types stored alongside session messages. Plain conversation turns
// use TypeMessage; the richer types mirror the step events on the stream.
const (
	TypeMessage    = "message"
	TypeStepStart  = "step_start"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
	TypeStepEnd    = "step_end"
	TypeThinking   = "thinking"
	TypeError      = "error"
)

// ToolCall is a decoded tool invocation request from the LLM.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// WireToolCall is the OpenAI wire representation of a tool call, with the
// arguments as a raw JSON string.
type WireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToWire converts a decoded tool call to its wire form.
func (tc *ToolCall) ToWire() WireToolCall {
	args, _ := json.Marshal(tc.Args)
	return WireToolCall{
		ID:   tc.ID,
		Type: "function",
		Function: FunctionCall{
			Name:      tc.Name,
			Arguments: string(args),
		},
	}
}

// DecodeWireToolCall parses a wire tool call into its decoded form.
func DecodeWireToolCall(wc WireToolCall) (*ToolCall, error) {
	args := map[string]any{}
	if wc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(wc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", wc.Function.Name, err)
		}
	}
	return &ToolCall{ID: wc.ID, Name: wc.Function.Name, Args: args}, nil
}

// ChatMessage is an OpenAI-compatible conversation message. Content is a
// plain string; assistant messages may carry tool calls, tool messages carry
// the tool_call_id they answer.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Text builds a plain text message.
func Text(role, content string) ChatMessage {
	return ChatMessage{Role: role, Content: content}
}

// AssistantToolCalls builds an assistant message requesting tool calls.
func AssistantToolCalls(calls []*ToolCall) ChatMessage {
	wire := make([]WireToolCall, len(calls))
	for i, tc := range calls {
		wire[i] = tc.ToWire()
	}
	return ChatMessage{Role: RoleAssistant, ToolCalls: wire}
}

// ToolResultMessage builds a tool message answering the given tool call.
func ToolResultMessage(toolCallID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// ToolDefinition describes a function tool exposed to the LLM.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolChoice selects how the LLM must use tools: "auto", "required", "none",
// or a forced function by name.
type ToolChoice struct {
	Mode     string // "auto", "required", "none", or "function"
	Function string // set when Mode == "function"
}

// ToolChoiceAuto, ToolChoiceRequired and ToolChoiceNone are the plain modes.
var (
	ToolChoiceAuto     = ToolChoice{Mode: "auto"}
	ToolChoiceRequired = ToolChoice{Mode: "required"}
	ToolChoiceNone     = ToolChoice{Mode: "none"}
)

// ForcedTool returns a tool choice that forces the named function.
func ForcedTool(name string) ToolChoice {
	return ToolChoice{Mode: "function", Function: name}
}

// MarshalJSON renders the OpenAI tool_choice value: a bare string for the
// plain modes, or {"type":"function","function":{"name":...}} when forced.
func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if c.Mode == "function" {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": c.Function},
		})
	}
	return json.Marshal(c.Mode)
}

// ToolCallID formats the runtime's tool_call_id convention. The id only has
// to be unique within the conversation; the LLM treats it as opaque.
func ToolCallID(iteration int, phase string, index int) string {
	return fmt.Sprintf("%d-%s-%d", iteration, phase, index)
}
