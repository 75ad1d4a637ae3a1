package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maruntime/maruntime/pkg/events"
	"github.com/maruntime/maruntime/pkg/llms"
	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/selector"
	"github.com/maruntime/maruntime/pkg/session"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
	"github.com/maruntime/maruntime/pkg/tools"
)

// scriptedProvider returns canned completions in order and records every
// request it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []*llms.Completion
	requests []*llms.Request
	err      error
}

func (p *scriptedProvider) Generate(ctx context.Context, req *llms.Request) (*llms.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.script) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(p.requests))
	}
	next := p.script[0]
	p.script = p.script[1:]
	return next, nil
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, req *llms.Request, onDelta func(string)) (*llms.Completion, error) {
	completion, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if completion.Text != "" && onDelta != nil {
		onDelta(completion.Text)
	}
	return completion, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }

func callTo(name string, args map[string]any) *llms.Completion {
	return &llms.Completion{ToolCalls: []*protocol.ToolCall{{Name: name, Args: args}}}
}

func finalAnswer(answer, status string) *llms.Completion {
	return callTo(tools.NameFinalAnswer, map[string]any{
		"reasoning": "done", "answer": answer, "status": status,
	})
}

// sleepyTool sleeps for the requested time so tests can invert completion
// order against emission order.
type sleepyTool struct{}

func (sleepyTool) Name() string        { return "SleepyTool" }
func (sleepyTool) Description() string { return "sleeps then echoes" }
func (sleepyTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{Name: "SleepyTool", Parameters: map[string]any{"type": "object"}}
}

func (sleepyTool) Execute(ctx context.Context, ec *tools.ExecContext, args map[string]any) (*tools.Result, error) {
	if ms, ok := args["sleep_ms"].(float64); ok {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	label, _ := args["label"].(string)
	return tools.OKResult("slept:" + label), nil
}

func init() {
	tools.RegisterBuilder("pkg/tools:SleepyTool", func(config map[string]any, deps tools.Deps) (tools.Tool, error) {
		return sleepyTool{}, nil
	})
}

type fixture struct {
	store    *store.Store
	catalog  *tools.Catalog
	sessions *session.Service
	driver   *Driver
	provider *scriptedProvider
	resolved *templates.Resolved
}

func newDriverFixture(t *testing.T, settings map[string]any, toolNames []string) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))

	for _, name := range toolNames {
		require.NoError(t, s.UpsertTool(ctx, &store.Tool{
			Name:        name,
			Description: name + " description",
			Entrypoint:  "pkg/tools:" + name,
			IsActive:    true,
		}))
	}
	catalog, err := tools.NewCatalog(ctx, s, 0)
	require.NoError(t, err)

	tmplSvc := templates.NewService(s)
	template, err := s.CreateTemplate(ctx, "test-agent", "")
	require.NoError(t, err)
	_, err = s.CreateTemplateVersion(ctx, template.ID, settings, toolNames)
	require.NoError(t, err)
	resolved, err := tmplSvc.ResolveByName(ctx, "test-agent")
	require.NoError(t, err)

	provider := &scriptedProvider{}
	driver := NewDriver(s, catalog, selector.New(catalog, s, nil), tmplSvc, func(policy templates.LLMPolicy) (llms.Provider, error) {
		return provider, nil
	})

	return &fixture{
		store:    s,
		catalog:  catalog,
		sessions: session.NewService(s, tmplSvc),
		driver:   driver,
		provider: provider,
		resolved: resolved,
	}
}

func drain(stream *events.Stream) []events.Event {
	stream.Close()
	var out []events.Event
	for {
		ev, ok := stream.Next(context.Background())
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func kinds(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	f := newDriverFixture(t, map[string]any{"base_class": "ToolCallingAgent"}, []string{"ReasoningTool", "FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "What is 2+2?", "", nil)
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{finalAnswer("The answer is 4.", "completed")}
	stream := events.NewStream(0)

	outcome, err := f.driver.Run(ctx, sess.ID, stream)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, outcome.FinalState)
	assert.False(t, outcome.Suspended)

	loaded, messages, snapshot, err := f.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, loaded.State)
	assert.Equal(t, "The answer is 4.", snapshot.ExecutionResult)
	assert.Equal(t, 1, snapshot.Iteration)

	// system, user, assistant tool_calls, tool result
	require.Len(t, messages, 4)
	assert.Equal(t, protocol.RoleAssistant, messages[2].Role)
	assert.Equal(t, protocol.RoleTool, messages[3].Role)
	assert.Equal(t, "1-action-0", messages[3].ToolCallID)

	evs := drain(stream)
	ks := kinds(evs)
	assert.Contains(t, ks, events.KindStepStart)
	assert.Contains(t, ks, events.KindToolCall)
	assert.Contains(t, ks, events.KindToolResult)
	assert.Equal(t, events.KindDone, ks[len(ks)-1])

	// A completed session records a searchable chat turn.
	turns, err := f.store.SearchChatTurns(ctx, "2+2", 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "The answer is 4.", turns[0].Answer)
}

func TestRunClarificationSuspendsAndResumes(t *testing.T) {
	f := newDriverFixture(t, map[string]any{"base_class": "ToolCallingAgent"}, []string{"ClarificationTool", "FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "summarize it", "", nil)
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{callTo(tools.NameClarification, map[string]any{
		"reasoning": "ambiguous", "questions": []any{"Summarize what exactly?"},
	})}
	stream := events.NewStream(0)
	outcome, err := f.driver.Run(ctx, sess.ID, stream)
	require.NoError(t, err)
	assert.True(t, outcome.Suspended)
	assert.Equal(t, protocol.StateWaitingForClarification, outcome.FinalState)

	evs := drain(stream)
	assert.Equal(t, events.KindDone, evs[len(evs)-1].Kind)

	loaded, _, snapshot, err := f.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateWaitingForClarification, loaded.State)
	assert.True(t, snapshot.ClarificationRequested)

	// Resume with the user's answer and finish the run.
	_, err = f.sessions.ResumeWithClarification(ctx, sess.ID, "the attached PDF")
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{finalAnswer("Summary of the PDF.", "completed")}
	outcome, err = f.driver.Run(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, outcome.FinalState)

	_, messages, snapshot, err := f.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.ClarificationsUsed)

	// The resumed run saw the clarification in its context.
	lastReq := f.provider.requests[len(f.provider.requests)-1]
	var sawClarification bool
	for _, m := range lastReq.Messages {
		if m.Role == protocol.RoleUser && strings.Contains(m.Content, "the attached PDF") {
			sawClarification = true
		}
	}
	assert.True(t, sawClarification)

	// No assistant/tool pair is duplicated across the two runs.
	seen := map[string]int{}
	for _, m := range messages {
		if m.ToolCallID != "" {
			seen[m.ToolCallID]++
			assert.Equal(t, 1, seen[m.ToolCallID])
		}
	}
}

func TestRunRejectsClarificationMixedWithOtherCalls(t *testing.T) {
	f := newDriverFixture(t, map[string]any{"base_class": "ToolCallingAgent"}, []string{"ClarificationTool", "EchoTool", "FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "do things", "", nil)
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{{ToolCalls: []*protocol.ToolCall{
		{Name: tools.NameClarification, Args: map[string]any{"questions": []any{"which?"}}},
		{Name: tools.NameEcho, Args: map[string]any{"message": "hi"}},
	}}}
	stream := events.NewStream(0)
	outcome, err := f.driver.Run(ctx, sess.ID, stream)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateFailed, outcome.FinalState)

	ks := kinds(drain(stream))
	assert.Contains(t, ks, events.KindError)
	assert.Equal(t, events.KindDone, ks[len(ks)-1])
}

func TestRunQuotaExceededContinues(t *testing.T) {
	f := newDriverFixture(t, map[string]any{
		"base_class": "ToolCallingAgent",
		"tool_policy": map[string]any{
			"quotas": map[string]any{"EchoTool": map[string]any{"max_calls": 1}},
		},
	}, []string{"EchoTool", "FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "echo twice", "", nil)
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{
		{ToolCalls: []*protocol.ToolCall{
			{Name: tools.NameEcho, Args: map[string]any{"message": "one"}},
			{Name: tools.NameEcho, Args: map[string]any{"message": "two"}},
		}},
		finalAnswer("echoed once", "completed"),
	}
	outcome, err := f.driver.Run(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, outcome.FinalState)

	execs, err := f.store.ListToolExecutions(ctx, sess.ID)
	require.NoError(t, err)
	okEcho := 0
	quotaDenied := 0
	for _, e := range execs {
		if e.ToolName == tools.NameEcho {
			switch e.Status {
			case tools.StatusOK:
				okEcho++
			case tools.StatusError:
				quotaDenied++
			}
		}
	}
	assert.Equal(t, 1, okEcho)
	assert.Equal(t, 1, quotaDenied)
}

func TestRunParallelCallsPreserveEmissionOrder(t *testing.T) {
	f := newDriverFixture(t, map[string]any{"base_class": "ToolCallingAgent"}, []string{"SleepyTool", "FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "race", "", nil)
	require.NoError(t, err)

	// The first call sleeps longer, so it completes last but must still be
	// appended first.
	f.provider.script = []*llms.Completion{
		{ToolCalls: []*protocol.ToolCall{
			{Name: "SleepyTool", Args: map[string]any{"label": "first", "sleep_ms": float64(80)}},
			{Name: "SleepyTool", Args: map[string]any{"label": "second", "sleep_ms": float64(5)}},
		}},
		finalAnswer("raced", "completed"),
	}
	outcome, err := f.driver.Run(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, outcome.FinalState)

	_, messages, _, err := f.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	var toolContents []string
	for _, m := range messages {
		if m.Role == protocol.RoleTool && m.Step == 1 {
			toolContents = append(toolContents, m.Content)
		}
	}
	require.Len(t, toolContents, 2)
	assert.Equal(t, "slept:first", toolContents[0])
	assert.Equal(t, "slept:second", toolContents[1])
}

func TestRunIterationLimitFailsSession(t *testing.T) {
	f := newDriverFixture(t, map[string]any{
		"base_class": "ToolCallingAgent",
		"execution":  map[string]any{"max_iterations": 1},
	}, []string{"EchoTool", "FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "loop forever", "", nil)
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{callTo(tools.NameEcho, map[string]any{"message": "again"})}
	stream := events.NewStream(0)
	outcome, err := f.driver.Run(ctx, sess.ID, stream)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateFailed, outcome.FinalState)

	loaded, _, snapshot, err := f.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateFailed, loaded.State)
	assert.Contains(t, snapshot.ExecutionResult, "iteration_limit")

	evs := drain(stream)
	last := evs[len(evs)-1]
	assert.Equal(t, events.KindDone, last.Kind)
	assert.Equal(t, "length", last.Data["finish_reason"])
}

func TestRunNoToolCallsSynthesizesFailedAnswer(t *testing.T) {
	f := newDriverFixture(t, map[string]any{"base_class": "ToolCallingAgent"}, []string{"FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "hello", "", nil)
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{{Text: "I refuse to call tools."}}
	outcome, err := f.driver.Run(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateFailed, outcome.FinalState)

	_, _, snapshot, err := f.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Contains(t, snapshot.ExecutionResult, "I refuse to call tools.")
}

func TestRunForcedReasoningStrategy(t *testing.T) {
	f := newDriverFixture(t, map[string]any{"base_class": "FlexibleToolCallingAgent"}, []string{"ReasoningTool", "FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "plan then answer", "", nil)
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{
		callTo(tools.NameReasoning, map[string]any{
			"reasoning_steps":   []any{"figure it out"},
			"current_situation": "starting",
			"plan_status":       "fresh",
			"enough_data":       true,
			"remaining_steps":   []any{"answer"},
			"task_completed":    false,
		}),
		finalAnswer("planned and done", "completed"),
	}
	stream := events.NewStream(0)
	outcome, err := f.driver.Run(ctx, sess.ID, stream)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, outcome.FinalState)

	// The forced reasoning call pins the tool choice to ReasoningTool.
	first := f.provider.requests[0]
	require.NotNil(t, first.ToolChoice)
	assert.Equal(t, "function", first.ToolChoice.Mode)
	assert.Equal(t, tools.NameReasoning, first.ToolChoice.Function)

	ks := kinds(drain(stream))
	assert.Contains(t, ks, events.KindThinking)

	_, messages, _, err := f.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	var reasonPair int
	for _, m := range messages {
		if m.ToolCallID == "1-reason-0" {
			reasonPair++
		}
	}
	assert.Equal(t, 1, reasonPair)
}

func TestRunStructuredReasoningStrategy(t *testing.T) {
	f := newDriverFixture(t, map[string]any{"base_class": "SGRToolCallingAgent"}, []string{"FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "sgr", "", nil)
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{
		{Text: `{"reasoning_steps":["a"],"current_situation":"s","plan_status":"p","enough_data":true,"remaining_steps":["finish"],"task_completed":false}`},
		finalAnswer("sgr done", "completed"),
	}
	outcome, err := f.driver.Run(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, outcome.FinalState)

	// The reasoning call used a structured response format, not tools.
	first := f.provider.requests[0]
	require.NotNil(t, first.ResponseFormat)
	assert.Equal(t, "reasoning", first.ResponseFormat.Name)

	_, _, snapshot, err := f.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "finish", snapshot.RemainingSteps)
}

func TestRunQuotaEnforcedAcrossToolNameCase(t *testing.T) {
	f := newDriverFixture(t, map[string]any{
		"base_class": "ToolCallingAgent",
		"tool_policy": map[string]any{
			"quotas": map[string]any{"EchoTool": map[string]any{"max_calls": 1}},
		},
	}, []string{"EchoTool", "FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "echo loudly", "", nil)
	require.NoError(t, err)

	// The second call drifts in case; it must count against the same quota.
	f.provider.script = []*llms.Completion{
		callTo(tools.NameEcho, map[string]any{"message": "one"}),
		callTo("echotool", map[string]any{"message": "two"}),
		finalAnswer("echoed once", "completed"),
	}
	outcome, err := f.driver.Run(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, outcome.FinalState)

	execs, err := f.store.ListToolExecutions(ctx, sess.ID)
	require.NoError(t, err)
	okEcho, denied := 0, 0
	for _, e := range execs {
		if strings.EqualFold(e.ToolName, tools.NameEcho) {
			switch e.Status {
			case tools.StatusOK:
				okEcho++
			case tools.StatusError:
				denied++
			}
		}
	}
	assert.Equal(t, 1, okEcho)
	assert.Equal(t, 1, denied)
}

func TestCallContextClampsToRemainingBudget(t *testing.T) {
	ctx := context.Background()
	r := &run{}

	// No time budget: the worker context passes through unchanged.
	cctx, cancel := r.callContext(ctx)
	_, has := cctx.Deadline()
	assert.False(t, has)
	cancel()

	// Remaining budget above the floor bounds the call.
	r.deadline = time.Now().Add(5 * time.Minute)
	cctx, cancel = r.callContext(ctx)
	dl, has := cctx.Deadline()
	require.True(t, has)
	assert.InDelta(t, float64(5*time.Minute), float64(time.Until(dl)), float64(5*time.Second))
	cancel()

	// A nearly spent budget still grants the floor so the call can finish.
	r.deadline = time.Now().Add(time.Second)
	cctx, cancel = r.callContext(ctx)
	dl, has = cctx.Deadline()
	require.True(t, has)
	assert.Greater(t, time.Until(dl), 25*time.Second)
	cancel()
}

func TestRunModelDeadlineFailsSessionOnBudget(t *testing.T) {
	f := newDriverFixture(t, map[string]any{
		"base_class": "ToolCallingAgent",
		"execution":  map[string]any{"time_budget_seconds": 600},
	}, []string{"FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "slow model", "", nil)
	require.NoError(t, err)

	// The call deadline expires while the worker context is still live;
	// that fails the session on its time budget, not the worker.
	f.provider.err = context.DeadlineExceeded
	stream := events.NewStream(0)
	outcome, err := f.driver.Run(ctx, sess.ID, stream)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateFailed, outcome.FinalState)

	loaded, _, snapshot, err := f.sessions.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateFailed, loaded.State)
	assert.Contains(t, snapshot.ExecutionResult, "time_budget_exceeded")

	evs := drain(stream)
	last := evs[len(evs)-1]
	assert.Equal(t, events.KindDone, last.Kind)
	assert.Equal(t, "budget", last.Data["finish_reason"])
}

func TestRunEmitsStepEndErrorOnFailure(t *testing.T) {
	f := newDriverFixture(t, map[string]any{"base_class": "ToolCallingAgent"}, []string{"FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "fail fast", "", nil)
	require.NoError(t, err)

	// Empty script: the model call errors and the session fails.
	stream := events.NewStream(0)
	outcome, err := f.driver.Run(ctx, sess.ID, stream)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateFailed, outcome.FinalState)

	evs := drain(stream)
	var errorEnd bool
	for _, ev := range evs {
		if ev.Kind == events.KindStepEnd && ev.Data["status"] == "error" {
			errorEnd = true
		}
	}
	assert.True(t, errorEnd)
	assert.Equal(t, events.KindDone, evs[len(evs)-1].Kind)
}

func TestRunStreamingEmitsMessageDeltas(t *testing.T) {
	f := newDriverFixture(t, map[string]any{
		"base_class": "ToolCallingAgent",
		"llm":        map[string]any{"streaming": true},
	}, []string{"FinalAnswerTool"})
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, f.resolved, "stream", "", nil)
	require.NoError(t, err)

	f.provider.script = []*llms.Completion{{
		Text:      "thinking out loud",
		ToolCalls: []*protocol.ToolCall{{Name: tools.NameFinalAnswer, Args: map[string]any{"reasoning": "r", "answer": "streamed", "status": "completed"}}},
	}}
	stream := events.NewStream(0)
	_, err = f.driver.Run(ctx, sess.ID, stream)
	require.NoError(t, err)

	var deltas []string
	for _, ev := range drain(stream) {
		if ev.Kind == events.KindMessage {
			if choices, ok := ev.Data["choices"].([]any); ok && len(choices) > 0 {
				if delta, ok := choices[0].(map[string]any)["delta"].(map[string]any); ok {
					if content, ok := delta["content"].(string); ok {
						deltas = append(deltas, content)
					}
				}
			}
		}
	}
	assert.Contains(t, deltas, "thinking out loud")
}

