package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/store"
)

// ChatSearchArgs searches past chat turns for relevant question/answer
// pairs.
type ChatSearchArgs struct {
	Query string `json:"query" jsonschema:"description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max results to return (1-20),default=5"`
}

// ChatHistorySearchTool matches the query against recorded chat turns in the
// store.
type ChatHistorySearchTool struct {
	store *store.Store
}

func init() {
	RegisterBuilder("pkg/tools:ChatHistorySearchTool", func(config map[string]any, deps Deps) (Tool, error) {
		if deps.Store == nil {
			return nil, fmt.Errorf("chat history search requires a store")
		}
		return &ChatHistorySearchTool{store: deps.Store}, nil
	})
}

func (t *ChatHistorySearchTool) Name() string { return NameChatSearch }

func (t *ChatHistorySearchTool) Description() string {
	return "Search through past chat history and return relevant question/answer pairs."
}

func (t *ChatHistorySearchTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  SchemaFor[ChatSearchArgs](),
	}
}

func (t *ChatHistorySearchTool) Execute(ctx context.Context, ec *ExecContext, args map[string]any) (*Result, error) {
	decoded, err := DecodeArgs[ChatSearchArgs](args)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if decoded.Query == "" {
		return ErrorResult("query is required"), nil
	}
	limit := decoded.Limit
	if limit <= 0 {
		limit = 5
	}
	if limit > 20 {
		limit = 20
	}

	turns, err := t.store.SearchChatTurns(ctx, decoded.Query, limit)
	if err != nil {
		return nil, fmt.Errorf("chat history search failed: %w", err)
	}
	if len(turns) == 0 {
		return OKResult("No matching chat history found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d matching chat turns:\n\n", len(turns))
	for i, turn := range turns {
		fmt.Fprintf(&sb, "%d. Q: %s\n   A: %s\n\n", i+1, turn.Question, turn.Answer)
	}
	result := OKResult(sb.String())
	result.Data = map[string]any{"match_count": len(turns)}
	return result, nil
}
