package tools

import (
	"context"

	"github.com/maruntime/maruntime/pkg/protocol"
)

// FinalAnswerArgs completes the run. Status "completed" or "failed" decides
// the session's terminal state.
type FinalAnswerArgs struct {
	Reasoning string `json:"reasoning" jsonschema:"description=Why the task is now complete and how the answer was verified"`
	Answer    string `json:"answer" jsonschema:"description=Comprehensive final answer with exact factual details (dates; numbers; names)"`
	Status    string `json:"status" jsonschema:"enum=completed,enum=failed,description=Task completion status"`
}

type FinalAnswerTool struct{}

func init() {
	RegisterBuilder("pkg/tools:FinalAnswerTool", func(config map[string]any, deps Deps) (Tool, error) {
		return &FinalAnswerTool{}, nil
	})
}

func (t *FinalAnswerTool) Name() string { return NameFinalAnswer }

func (t *FinalAnswerTool) Description() string {
	return "Provide the final answer and finish the task. " +
		"Call once your work is done and the answer is ready for the user."
}

func (t *FinalAnswerTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  SchemaFor[FinalAnswerArgs](),
	}
}

func (t *FinalAnswerTool) Execute(ctx context.Context, ec *ExecContext, args map[string]any) (*Result, error) {
	decoded, err := DecodeArgs[FinalAnswerArgs](args)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if decoded.Status != "completed" && decoded.Status != "failed" {
		return ErrorResult("status must be 'completed' or 'failed'"), nil
	}
	result := OKResult(decoded.Answer)
	result.Data = map[string]any{
		"status": decoded.Status,
		"answer": decoded.Answer,
	}
	return result, nil
}
