package tools

import (
	"context"
	"encoding/json"

	"github.com/maruntime/maruntime/pkg/protocol"
)

// EchoArgs returns the payload back to the caller. Useful for smoke-testing
// a template's tool wiring.
type EchoArgs struct {
	Message  string         `json:"message" jsonschema:"description=Message to echo back"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"description=Optional metadata to include"`
}

type EchoTool struct{}

func init() {
	RegisterBuilder("pkg/tools:EchoTool", func(config map[string]any, deps Deps) (Tool, error) {
		return &EchoTool{}, nil
	})
}

func (t *EchoTool) Name() string { return NameEcho }

func (t *EchoTool) Description() string {
	return "Return the payload back to the caller. Useful for testing."
}

func (t *EchoTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  SchemaFor[EchoArgs](),
	}
}

func (t *EchoTool) Execute(ctx context.Context, ec *ExecContext, args map[string]any) (*Result, error) {
	decoded, err := DecodeArgs[EchoArgs](args)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	raw, _ := json.MarshalIndent(decoded, "", "  ")
	return OKResult(string(raw)), nil
}
