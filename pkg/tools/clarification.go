package tools

import (
	"context"
	"strings"

	"github.com/maruntime/maruntime/pkg/protocol"
)

// ClarificationArgs asks the user questions. The driver suspends the session
// durably; the next user message resumes it.
type ClarificationArgs struct {
	Reasoning    string   `json:"reasoning" jsonschema:"description=Why clarification is needed (1-2 sentences max)"`
	UnclearTerms []string `json:"unclear_terms" jsonschema:"description=Unclear terms (brief; 1-3 words each)"`
	Assumptions  []string `json:"assumptions" jsonschema:"description=Possible interpretations (short; 1 sentence each)"`
	Questions    []string `json:"questions" jsonschema:"description=Up to 3 specific clarifying questions (short and direct)"`
}

type ClarificationTool struct{}

func init() {
	RegisterBuilder("pkg/tools:ClarificationTool", func(config map[string]any, deps Deps) (Tool, error) {
		return &ClarificationTool{}, nil
	})
}

func (t *ClarificationTool) Name() string { return NameClarification }

func (t *ClarificationTool) Description() string {
	return "Ask clarifying questions when the request is ambiguous. " +
		"The session pauses until the user answers; must be the only tool call in its step."
}

func (t *ClarificationTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  SchemaFor[ClarificationArgs](),
	}
}

func (t *ClarificationTool) Execute(ctx context.Context, ec *ExecContext, args map[string]any) (*Result, error) {
	decoded, err := DecodeArgs[ClarificationArgs](args)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if len(decoded.Questions) == 0 {
		return ErrorResult("at least one question is required"), nil
	}
	result := OKResult(strings.Join(decoded.Questions, "\n"))
	result.Data = map[string]any{"questions": decoded.Questions}
	return result, nil
}
