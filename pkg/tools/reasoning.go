package tools

import (
	"context"
	"encoding/json"

	"github.com/maruntime/maruntime/pkg/protocol"
)

// Well-known builtin tool names. The driver special-cases these.
const (
	NameReasoning     = "ReasoningTool"
	NameFinalAnswer   = "FinalAnswerTool"
	NameClarification = "ClarificationTool"
	NameEcho          = "EchoTool"
	NameWebSearch     = "WebSearchTool"
	NameChatSearch    = "ChatHistorySearchTool"
)

// ReasoningArgs is the structured rationale the LLM fills in. The call runs
// entirely locally; its purpose is to anchor the model's plan in the
// transcript.
type ReasoningArgs struct {
	ReasoningSteps   []string `json:"reasoning_steps" jsonschema:"description=Step-by-step reasoning (brief; 1 sentence each)"`
	CurrentSituation string   `json:"current_situation" jsonschema:"description=Current research situation (2-3 sentences max)"`
	PlanStatus       string   `json:"plan_status" jsonschema:"description=Status of current plan (1 sentence)"`
	EnoughData       bool     `json:"enough_data" jsonschema:"description=Sufficient data collected for a comprehensive answer?"`
	RemainingSteps   []string `json:"remaining_steps" jsonschema:"description=Remaining steps (empty when the task is finished)"`
	TaskCompleted    bool     `json:"task_completed" jsonschema:"description=Is the task finished?"`
}

type ReasoningTool struct{}

func init() {
	RegisterBuilder("pkg/tools:ReasoningTool", func(config map[string]any, deps Deps) (Tool, error) {
		return &ReasoningTool{}, nil
	})
}

func (t *ReasoningTool) Name() string { return NameReasoning }

func (t *ReasoningTool) Description() string {
	return "Determine the next reasoning step with adaptive planning. " +
		"Required tool: use this before any other tool execution. Keep all text fields concise."
}

func (t *ReasoningTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  SchemaFor[ReasoningArgs](),
	}
}

func (t *ReasoningTool) Execute(ctx context.Context, ec *ExecContext, args map[string]any) (*Result, error) {
	decoded, err := DecodeArgs[ReasoningArgs](args)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	raw, _ := json.MarshalIndent(decoded, "", "  ")
	result := OKResult(string(raw))
	result.Data = map[string]any{
		"remaining_steps": decoded.RemainingSteps,
		"task_completed":  decoded.TaskCompleted,
		"enough_data":     decoded.EnoughData,
	}
	return result, nil
}
