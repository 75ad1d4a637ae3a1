// Package templates decodes agent template settings and renders the prompt
// set an agent runs with. A template version's settings document is stored
// as opaque JSON; this package gives it shape and defaults.
package templates

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/maruntime/maruntime/pkg/rules"
	"github.com/maruntime/maruntime/pkg/tools"
)

// Agent base classes. The base class picks the reasoning strategy the loop
// driver runs with.
const (
	BaseSimple              = "SimpleAgent"
	BaseToolCalling         = "ToolCallingAgent"
	BaseFlexibleToolCalling = "FlexibleToolCallingAgent"
	BaseSGRToolCalling      = "SGRToolCallingAgent"
)

// Selection strategies for the tool selector.
const (
	SelectionStatic    = "static"
	SelectionRetrieval = "retrieval"
)

// LLMPolicy overrides the process-wide LLM defaults for one template.
type LLMPolicy struct {
	BaseURL     string   `json:"base_url,omitempty" mapstructure:"base_url"`
	APIKeyRef   string   `json:"api_key_ref,omitempty" mapstructure:"api_key_ref"`
	Model       string   `json:"model,omitempty" mapstructure:"model"`
	Temperature *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens   int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Streaming   bool     `json:"streaming,omitempty" mapstructure:"streaming"`
}

// ExecutionPolicy bounds one session run.
type ExecutionPolicy struct {
	MaxIterations     int `json:"max_iterations,omitempty" mapstructure:"max_iterations"`
	TimeBudgetSeconds int `json:"time_budget_seconds,omitempty" mapstructure:"time_budget_seconds"`
}

// ToolPolicy scopes which catalog tools a template may use and their
// per-tool quotas.
type ToolPolicy struct {
	RequiredTools     []string               `json:"required_tools,omitempty" mapstructure:"required_tools"`
	Allowlist         []string               `json:"allowlist,omitempty" mapstructure:"allowlist"`
	Denylist          []string               `json:"denylist,omitempty" mapstructure:"denylist"`
	MaxToolsInPrompt  int                    `json:"max_tools_in_prompt,omitempty" mapstructure:"max_tools_in_prompt"`
	SelectionStrategy string                 `json:"selection_strategy,omitempty" mapstructure:"selection_strategy"`
	Quotas            map[string]tools.Quota `json:"quotas,omitempty" mapstructure:"quotas"`
}

// QuotaFor returns the quota for a tool, falling back to the "_default"
// entry, then to the zero quota (unlimited calls, default timeout).
func (p *ToolPolicy) QuotaFor(toolName string) tools.Quota {
	for name, quota := range p.Quotas {
		if strings.EqualFold(name, toolName) {
			return quota
		}
	}
	if quota, ok := p.Quotas["_default"]; ok {
		return quota
	}
	return tools.Quota{}
}

// Prompts holds the template's prompt overrides. Empty fields fall back to
// the process defaults (database-seeded, then hardcoded).
type Prompts struct {
	System        string `json:"system,omitempty" mapstructure:"system"`
	InitialUser   string `json:"initial_user,omitempty" mapstructure:"initial_user"`
	Clarification string `json:"clarification,omitempty" mapstructure:"clarification"`
}

// Settings is the decoded template version settings document.
type Settings struct {
	BaseClass  string                  `json:"base_class,omitempty" mapstructure:"base_class"`
	LLM        LLMPolicy               `json:"llm,omitempty" mapstructure:"llm"`
	Execution  ExecutionPolicy         `json:"execution,omitempty" mapstructure:"execution"`
	ToolPolicy ToolPolicy              `json:"tool_policy,omitempty" mapstructure:"tool_policy"`
	Prompts    Prompts                 `json:"prompts,omitempty" mapstructure:"prompts"`
	Rules      []rules.Rule            `json:"rules,omitempty" mapstructure:"rules"`
	MCPServers []tools.MCPServerConfig `json:"mcp_servers,omitempty" mapstructure:"mcp_servers"`
}

// DecodeSettings decodes a raw settings map and applies defaults.
func DecodeSettings(raw map[string]any) (*Settings, error) {
	settings := &Settings{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           settings,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build settings decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid template settings: %w", err)
	}
	settings.applyDefaults()
	if err := settings.validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Settings) applyDefaults() {
	if s.BaseClass == "" {
		s.BaseClass = BaseSGRToolCalling
	}
	if s.LLM.Model == "" {
		s.LLM.Model = "gpt-4o-mini"
	}
	if s.Execution.MaxIterations <= 0 {
		s.Execution.MaxIterations = 15
	}
	if s.ToolPolicy.SelectionStrategy == "" {
		s.ToolPolicy.SelectionStrategy = SelectionStatic
	}
}

func (s *Settings) validate() error {
	switch s.BaseClass {
	case BaseSimple, BaseToolCalling, BaseFlexibleToolCalling, BaseSGRToolCalling:
	default:
		return fmt.Errorf("unknown base_class %q", s.BaseClass)
	}
	switch s.ToolPolicy.SelectionStrategy {
	case SelectionStatic, SelectionRetrieval:
	default:
		return fmt.Errorf("unknown selection_strategy %q", s.ToolPolicy.SelectionStrategy)
	}
	if s.ToolPolicy.MaxToolsInPrompt < 0 {
		return fmt.Errorf("max_tools_in_prompt must not be negative")
	}
	return nil
}
