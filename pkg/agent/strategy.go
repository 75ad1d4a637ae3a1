package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maruntime/maruntime/pkg/llms"
	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/selector"
	"github.com/maruntime/maruntime/pkg/session"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
	"github.com/maruntime/maruntime/pkg/tools"
)

// reasonOutcome is what a reasoning phase contributes to the step: chat
// messages for the LLM context, rows for the transcript, and the thinking
// text for the event stream.
type reasonOutcome struct {
	chatMessages []protocol.ChatMessage
	rows         []*store.Message
	executions   []*store.ToolExecution
	thinking     string
}

// reasoningStrategy is the per-base-class variation of the loop: the
// skeleton is shared, only the reasoning phase differs.
type reasoningStrategy interface {
	Reason(ctx context.Context, provider llms.Provider, base []protocol.ChatMessage, sel selector.Selection, step int, settings *templates.Settings, snapshot *session.Context) (*reasonOutcome, error)
}

func strategyFor(baseClass string) reasoningStrategy {
	switch baseClass {
	case templates.BaseFlexibleToolCalling:
		return &forcedReasoning{}
	case templates.BaseSGRToolCalling:
		return &structuredReasoning{}
	default:
		// SimpleAgent and ToolCallingAgent go straight to selection.
		return noReasoning{}
	}
}

type noReasoning struct{}

func (noReasoning) Reason(ctx context.Context, provider llms.Provider, base []protocol.ChatMessage, sel selector.Selection, step int, settings *templates.Settings, snapshot *session.Context) (*reasonOutcome, error) {
	return &reasonOutcome{}, nil
}

// forcedReasoning forces a ReasoningTool call, executes it locally, and
// anchors the rationale in the transcript as an assistant/tool pair.
type forcedReasoning struct{}

func (forcedReasoning) Reason(ctx context.Context, provider llms.Provider, base []protocol.ChatMessage, sel selector.Selection, step int, settings *templates.Settings, snapshot *session.Context) (*reasonOutcome, error) {
	entry, ok := findEntry(sel, tools.NameReasoning)
	if !ok {
		// The selector dropped ReasoningTool (denied or rule-filtered);
		// skip the phase rather than force an unavailable tool.
		return &reasonOutcome{}, nil
	}

	choice := protocol.ForcedTool(tools.NameReasoning)
	completion, err := provider.Generate(ctx, &llms.Request{
		Messages:    base,
		Tools:       selectionDefinitions(sel),
		ToolChoice:  &choice,
		Temperature: settings.LLM.Temperature,
		MaxTokens:   settings.LLM.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	var call *protocol.ToolCall
	for _, tc := range completion.ToolCalls {
		if strings.EqualFold(tc.Name, tools.NameReasoning) {
			call = tc
			break
		}
	}
	if call == nil {
		// Degraded but usable: treat the text as free-form thinking.
		return &reasonOutcome{thinking: completion.Text}, nil
	}
	call.ID = protocol.ToolCallID(step, "reason", 0)

	started := time.Now()
	result, err := entry.Tool.Execute(ctx, &tools.ExecContext{Iteration: step, Stage: snapshot.Stage}, call.Args)
	if err != nil {
		return nil, fmt.Errorf("reasoning tool failed: %w", err)
	}
	recordReasoning(snapshot, call.Args, result)

	argsJSON, _ := json.Marshal(call.Args)
	assistant := protocol.AssistantToolCalls([]*protocol.ToolCall{call})
	toolMsg := protocol.ToolResultMessage(call.ID, result.Text())

	return &reasonOutcome{
		chatMessages: []protocol.ChatMessage{assistant, toolMsg},
		rows: []*store.Message{
			assistantRow(step, assistant),
			toolRow(step, call.ID, result.Text()),
		},
		executions: []*store.ToolExecution{{
			ToolName:   tools.NameReasoning,
			Arguments:  argsJSON,
			Result:     marshalResult(result),
			Status:     result.Status,
			StartedAt:  started,
			FinishedAt: time.Now(),
		}},
		thinking: result.Text(),
	}, nil
}

// structuredReasoning asks for a schema-guided JSON rationale via
// response_format instead of a tool call (SGR agents).
type structuredReasoning struct{}

func (structuredReasoning) Reason(ctx context.Context, provider llms.Provider, base []protocol.ChatMessage, sel selector.Selection, step int, settings *templates.Settings, snapshot *session.Context) (*reasonOutcome, error) {
	completion, err := provider.Generate(ctx, &llms.Request{
		Messages: base,
		ResponseFormat: &llms.ResponseFormat{
			Name:   "reasoning",
			Schema: reasoningUnionSchema(sel),
			Strict: true,
		},
		Temperature: settings.LLM.Temperature,
		MaxTokens:   settings.LLM.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(completion.Text)
	var decoded tools.ReasoningArgs
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		snapshot.LastReasoning = json.RawMessage(text)
		snapshot.RemainingSteps = strings.Join(decoded.RemainingSteps, "; ")
	}

	assistant := protocol.Text(protocol.RoleAssistant, text)
	return &reasonOutcome{
		chatMessages: []protocol.ChatMessage{assistant},
		rows: []*store.Message{{
			Role:    protocol.RoleAssistant,
			Content: text,
			Type:    protocol.TypeThinking,
			Step:    step,
		}},
		thinking: text,
	}, nil
}

// reasoningUnionSchema builds the per-step discriminated union: the
// rationale fields plus a next_action constrained to the selected tools.
// Built from the live selection, never pre-computed for the catalog.
func reasoningUnionSchema(sel selector.Selection) map[string]any {
	schema := tools.SchemaFor[tools.ReasoningArgs]()

	var variants []any
	for _, def := range selectionDefinitions(sel) {
		variants = append(variants, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool":      map[string]any{"const": def.Name},
				"arguments": def.Parameters,
			},
			"required": []string{"tool"},
		})
	}
	if props, ok := schema["properties"].(map[string]any); ok && len(variants) > 0 {
		props["next_action"] = map[string]any{"anyOf": variants}
	}
	return schema
}

func recordReasoning(snapshot *session.Context, args map[string]any, result *tools.Result) {
	raw, err := json.Marshal(args)
	if err == nil {
		snapshot.LastReasoning = raw
	}
	if steps, ok := result.Data["remaining_steps"].([]string); ok {
		snapshot.RemainingSteps = strings.Join(steps, "; ")
	}
}

func findEntry(sel selector.Selection, name string) (*tools.Entry, bool) {
	for _, entry := range sel.Entries {
		if strings.EqualFold(entry.Tool.Name(), name) {
			return entry, true
		}
	}
	return nil, false
}

func selectionDefinitions(sel selector.Selection) []protocol.ToolDefinition {
	defs := make([]protocol.ToolDefinition, len(sel.Entries))
	for i, entry := range sel.Entries {
		defs[i] = entry.Tool.Definition()
	}
	return defs
}

func assistantRow(step int, msg protocol.ChatMessage) *store.Message {
	toolCalls, _ := json.Marshal(msg.ToolCalls)
	return &store.Message{
		Role:      protocol.RoleAssistant,
		Content:   msg.Content,
		ToolCalls: toolCalls,
		Type:      protocol.TypeMessage,
		Step:      step,
	}
}

func toolRow(step int, toolCallID, content string) *store.Message {
	return &store.Message{
		Role:       protocol.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Type:       protocol.TypeMessage,
		Step:       step,
	}
}

func marshalResult(result *tools.Result) json.RawMessage {
	raw, err := json.Marshal(result)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
