// Package events implements the per-session event stream: the agent loop
// driver produces typed events, the gateway encodes them into OpenAI-style
// SSE frames. A stream exists only while a worker holds the session; the
// transcript in the store is the durable record.
package events

import (
	"time"
)

// Event kinds produced by the driver.
const (
	KindStepStart  = "step_start"
	KindToolCall   = "tool_call"
	KindToolResult = "tool_result"
	KindStepEnd    = "step_end"
	KindThinking   = "thinking"
	KindError      = "error"
	KindMessage    = "message"
	KindDone       = "done"
)

const (
	maxResultChars   = 2000
	maxThinkingChars = 1000
)

// Event is one entry on a session stream. Data is the JSON-serializable
// payload encoded into the SSE data line.
type Event struct {
	Kind string
	Data map[string]any
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// Emitter builds event payloads for one session's run. It tracks the current
// step start time so tool_result and step_end can report durations.
type Emitter struct {
	model         string
	stepStartedAt time.Time
}

// NewEmitter creates an emitter; model is echoed into message chunks so
// OpenAI clients see a familiar shape (the session id serves as the model).
func NewEmitter(model string) *Emitter {
	return &Emitter{model: model}
}

func (e *Emitter) StepStart(step, maxSteps int, description string) Event {
	e.stepStartedAt = time.Now()
	return Event{Kind: KindStepStart, Data: map[string]any{
		"step":        step,
		"max_steps":   maxSteps,
		"description": description,
		"status":      "running",
		"timestamp":   nowMillis(),
	}}
}

func (e *Emitter) ToolCall(step int, toolName string, args map[string]any) Event {
	return Event{Kind: KindToolCall, Data: map[string]any{
		"step":      step,
		"tool":      toolName,
		"args":      args,
		"status":    "running",
		"timestamp": nowMillis(),
	}}
}

func (e *Emitter) ToolResult(step int, toolName, result string, success bool) Event {
	data := map[string]any{
		"step":      step,
		"tool":      toolName,
		"result":    truncate(result, maxResultChars),
		"success":   success,
		"timestamp": nowMillis(),
	}
	if !e.stepStartedAt.IsZero() {
		data["duration_ms"] = time.Since(e.stepStartedAt).Milliseconds()
	}
	return Event{Kind: KindToolResult, Data: data}
}

func (e *Emitter) StepEnd(step int, status string) Event {
	data := map[string]any{
		"step":      step,
		"status":    status,
		"timestamp": nowMillis(),
	}
	if !e.stepStartedAt.IsZero() {
		data["duration_ms"] = time.Since(e.stepStartedAt).Milliseconds()
		e.stepStartedAt = time.Time{}
	}
	return Event{Kind: KindStepEnd, Data: data}
}

func (e *Emitter) Thinking(step int, content string) Event {
	return Event{Kind: KindThinking, Data: map[string]any{
		"step":      step,
		"content":   truncate(content, maxThinkingChars),
		"timestamp": nowMillis(),
	}}
}

func (e *Emitter) Error(step int, message string) Event {
	return Event{Kind: KindError, Data: map[string]any{
		"step":      step,
		"message":   message,
		"timestamp": nowMillis(),
	}}
}

// Message wraps a text delta as an OpenAI chat.completion.chunk.
func (e *Emitter) Message(content string) Event {
	return Event{Kind: KindMessage, Data: map[string]any{
		"id":      e.model,
		"object":  "chat.completion.chunk",
		"model":   e.model,
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
	}}
}

// Done terminates a stream with the given finish reason ("stop", "length",
// "budget"). The payload carries only the finish reason.
func (e *Emitter) Done(finishReason string) Event {
	return Event{Kind: KindDone, Data: map[string]any{
		"finish_reason": finishReason,
	}}
}
