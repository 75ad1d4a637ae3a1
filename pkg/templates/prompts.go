package templates

import (
	"fmt"
	"strings"
	"time"
)

// Names of the process-wide default prompts in the system_prompts table.
const (
	PromptNameSystem        = "system"
	PromptNameInitialUser   = "initial_user"
	PromptNameClarification = "clarification"
)

// Hardcoded fallbacks used when the database has no override.
const DefaultSystemPrompt = `<MAIN_TASK_GUIDELINES>
You are an expert assistant with adaptive planning and schema-guided-reasoning capabilities.
You receive tasks from users and need to understand the requirements, determine the appropriate approach, and deliver accurate results.
</MAIN_TASK_GUIDELINES>

<DATE_GUIDELINES>
Current Date: {current_date} (Year-Month-Day ISO format: YYYY-MM-DD HH:MM:SS)
PAY ATTENTION TO THE DATE when answering questions about current events or time-sensitive information.
</DATE_GUIDELINES>

<LANGUAGE_GUIDELINES>
Detect the language from user request and use this LANGUAGE for all responses and outputs.
Always respond in the SAME LANGUAGE as the user's request.
</LANGUAGE_GUIDELINES>

<CORE_PRINCIPLES>
1. Assess task complexity: For simple questions, provide direct answers. For complex tasks, create a plan and follow it.
2. Adapt your plan when new data contradicts initial assumptions.
3. Use available tools to gather information and complete tasks.
</CORE_PRINCIPLES>

<AVAILABLE_TOOLS>
{available_tools}
</AVAILABLE_TOOLS>

<TOOL_USAGE_GUIDELINES>
- Use ReasoningTool before other tools to plan your approach
- Use WebSearchTool for current information and facts
- Use ClarificationTool when the request is ambiguous
- Use FinalAnswerTool to complete the task with your findings
</TOOL_USAGE_GUIDELINES>
`

const DefaultInitialUserPrompt = `Current Date: {current_date} (Year-Month-Day ISO format: YYYY-MM-DD HH:MM:SS)

USER REQUEST:

{task}
`

const DefaultClarificationPrompt = `Current Date: {current_date} (Year-Month-Day ISO format: YYYY-MM-DD HH:MM:SS)

USER CLARIFICATION:

{clarifications}

Please continue with your task using this additional information.
`

// PromptSet is the fully resolved prompt templates for one run: template
// overrides layered over the process defaults.
type PromptSet struct {
	System        string
	InitialUser   string
	Clarification string
}

// DefaultPromptSet returns the hardcoded fallbacks.
func DefaultPromptSet() PromptSet {
	return PromptSet{
		System:        DefaultSystemPrompt,
		InitialUser:   DefaultInitialUserPrompt,
		Clarification: DefaultClarificationPrompt,
	}
}

// Merge layers non-empty template overrides over the base set.
func (p PromptSet) Merge(overrides Prompts) PromptSet {
	out := p
	if overrides.System != "" {
		out.System = overrides.System
	}
	if overrides.InitialUser != "" {
		out.InitialUser = overrides.InitialUser
	}
	if overrides.Clarification != "" {
		out.Clarification = overrides.Clarification
	}
	return out
}

// RenderSystem substitutes {available_tools} and {current_date}. Tools are
// numbered "1. Name: description" lines in the order given.
func (p PromptSet) RenderSystem(toolLines []string, now time.Time) string {
	return render(p.System, map[string]string{
		"available_tools": renderToolList(toolLines),
		"current_date":    now.Format("2006-01-02 15:04:05"),
	})
}

// RenderInitialUser substitutes {task} and {current_date}.
func (p PromptSet) RenderInitialUser(task string, now time.Time) string {
	return render(p.InitialUser, map[string]string{
		"task":         task,
		"current_date": now.Format("2006-01-02 15:04:05"),
	})
}

// RenderClarification substitutes {clarifications} and {current_date}.
func (p PromptSet) RenderClarification(clarifications string, now time.Time) string {
	return render(p.Clarification, map[string]string{
		"clarifications": clarifications,
		"current_date":   now.Format("2006-01-02 15:04:05"),
	})
}

func render(template string, values map[string]string) string {
	out := template
	for key, value := range values {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

func renderToolList(toolLines []string) string {
	if len(toolLines) == 0 {
		return "No tools configured."
	}
	var sb strings.Builder
	for i, line := range toolLines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, line)
	}
	return sb.String()
}
