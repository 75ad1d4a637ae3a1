// Package session implements the session lifecycle: creation, clarification
// resume, and the context snapshot that lets a run survive restarts.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maruntime/maruntime/pkg/rules"
	"github.com/maruntime/maruntime/pkg/tools"
)

// Context is the serialized working memory of one session. It is written
// with every step transaction so a crashed run resumes exactly where it
// stopped.
type Context struct {
	Task               string `json:"task"`
	Iteration          int    `json:"iteration"`
	SearchesUsed       int    `json:"searches_used"`
	ClarificationsUsed int    `json:"clarifications_used"`

	// Per-tool call accounting backing the quota and cooldown checks.
	ToolCalls    map[string]int       `json:"tool_calls,omitempty"`
	ToolLastCall map[string]time.Time `json:"tool_last_call,omitempty"`

	Stage          string          `json:"stage,omitempty"`
	LastReasoning  json.RawMessage `json:"last_reasoning,omitempty"`
	RemainingSteps string          `json:"remaining_steps,omitempty"`

	Sources []tools.Source `json:"sources,omitempty"`

	// ClarificationRequested marks a durable suspension; the questions are
	// the last assistant tool result in the message log.
	ClarificationRequested bool `json:"clarification_requested,omitempty"`

	// ExecutionResult is the final answer once a FinalAnswerTool ran.
	ExecutionResult string `json:"execution_result,omitempty"`
	ResultStatus    string `json:"result_status,omitempty"`

	StartedAt time.Time `json:"started_at,omitempty"`
}

// NewContext builds the initial snapshot for a fresh session.
func NewContext(task string) *Context {
	return &Context{
		Task:         task,
		ToolCalls:    map[string]int{},
		ToolLastCall: map[string]time.Time{},
		StartedAt:    time.Now().UTC(),
	}
}

// DecodeContext parses a stored snapshot. An empty snapshot yields a zero
// context so old rows stay loadable.
func DecodeContext(raw json.RawMessage) (*Context, error) {
	c := &Context{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("corrupt context snapshot: %w", err)
		}
	}
	calls := make(map[string]int, len(c.ToolCalls))
	for name, n := range c.ToolCalls {
		calls[counterKey(name)] += n
	}
	c.ToolCalls = calls
	last := make(map[string]time.Time, len(c.ToolLastCall))
	for name, at := range c.ToolLastCall {
		key := counterKey(name)
		if at.After(last[key]) {
			last[key] = at
		}
	}
	c.ToolLastCall = last
	return c, nil
}

// counterKey folds a tool name for counter lookups. The catalog resolves
// tool names case-insensitively, so quota accounting must as well or a
// case-drifted call would execute against a fresh counter.
func counterKey(toolName string) string {
	return strings.ToLower(toolName)
}

// Encode serializes the snapshot for storage.
func (c *Context) Encode() json.RawMessage {
	data, err := json.Marshal(c)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// UsageFor returns the accumulated call history for one tool.
func (c *Context) UsageFor(toolName string) tools.Usage {
	key := counterKey(toolName)
	return tools.Usage{
		Calls:    c.ToolCalls[key],
		LastCall: c.ToolLastCall[key],
	}
}

// RecordCall counts a successful tool invocation. WebSearchTool bumps the
// searches counter the rules engine conditions on.
func (c *Context) RecordCall(toolName string, at time.Time) {
	key := counterKey(toolName)
	c.ToolCalls[key]++
	c.ToolLastCall[key] = at
	if strings.EqualFold(toolName, tools.NameWebSearch) {
		c.SearchesUsed++
	}
}

// Counters projects the snapshot into the rules engine's view.
func (c *Context) Counters(state string) rules.Counters {
	return rules.Counters{
		Iteration:          c.Iteration,
		SearchesUsed:       c.SearchesUsed,
		ClarificationsUsed: c.ClarificationsUsed,
		State:              state,
	}
}
