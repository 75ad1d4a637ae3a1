// Package agent implements the re-entrant Reason → Select → Act loop a
// worker runs against one claimed session. All session-scoped state lives
// in the context snapshot, so any worker with the pinned template version
// can pick the session up where the last one stopped.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"

	"github.com/maruntime/maruntime/pkg/events"
	"github.com/maruntime/maruntime/pkg/llms"
	"github.com/maruntime/maruntime/pkg/observability"
	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/selector"
	"github.com/maruntime/maruntime/pkg/session"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
	"github.com/maruntime/maruntime/pkg/tools"
)

// Per-step cap on concurrent tool executions.
const maxParallelTools = 4

// Floor for the per-call LLM deadline so a call started near the session
// time budget can still finish.
const minCallBudget = 30 * time.Second

// Rough transcript budget before old turns are trimmed from the LLM
// context. The stored transcript is never trimmed.
const contextTokenBudget = 100_000

// ErrStaleSession signals a lost compare-and-set; the driver aborted the
// step and the session is intact for the next claim.
var ErrStaleSession = errors.New("stale session")

// ProviderFactory builds the LLM client for one template's policy.
type ProviderFactory func(policy templates.LLMPolicy) (llms.Provider, error)

// Outcome summarizes one run for the instance release counters.
type Outcome struct {
	FinalState string
	Suspended  bool
	Messages   int
	ToolCalls  int
	Errors     int
}

// Driver executes sessions. One driver is shared by all workers of a
// process; per-run state lives on the stack.
type Driver struct {
	store     *store.Store
	catalog   *tools.Catalog
	selector  *selector.Selector
	templates *templates.Service
	providers ProviderFactory

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

func NewDriver(s *store.Store, catalog *tools.Catalog, sel *selector.Selector, tmpl *templates.Service, providers ProviderFactory) *Driver {
	return &Driver{
		store:     s,
		catalog:   catalog,
		selector:  sel,
		templates: tmpl,
		providers: providers,
	}
}

// run is the per-execution state of one claimed session.
type run struct {
	sess       *store.Session
	resolved   *templates.Resolved
	provider   llms.Provider
	strategy   reasoningStrategy
	snapshot   *session.Context
	transcript []protocol.ChatMessage
	emitter    *events.Emitter
	stream     *events.Stream
	outcome    *Outcome
	deadline   time.Time
	stepOpen   bool
}

func (r *run) emit(ev events.Event) {
	if r.stream != nil {
		r.stream.Publish(ev)
	}
}

// callContext bounds one LLM call by the session's remaining time budget,
// clamped to the floor. Without a budget the worker context passes through.
func (r *run) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.deadline.IsZero() {
		return ctx, func() {}
	}
	remaining := time.Until(r.deadline)
	if remaining < minCallBudget {
		remaining = minCallBudget
	}
	return context.WithTimeout(ctx, remaining)
}

// Run drives a claimed session to completion, durable suspension, or
// failure. The stream may be nil when no client is attached.
func (d *Driver) Run(ctx context.Context, sessionID string, stream *events.Stream) (*Outcome, error) {
	tracer := observability.GetTracer("maruntime.agent")
	ctx, span := tracer.Start(ctx, "agent.run")
	defer span.End()

	sess, rows, err := d.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snapshot, err := session.DecodeContext(sess.ContextSnapshot)
	if err != nil {
		return nil, err
	}
	resolved, err := d.templates.ResolveVersion(ctx, sess.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	provider, err := d.providers(resolved.Settings.LLM)
	if err != nil {
		return nil, err
	}

	r := &run{
		sess:       sess,
		resolved:   resolved,
		provider:   provider,
		strategy:   strategyFor(resolved.Settings.BaseClass),
		snapshot:   snapshot,
		transcript: buildTranscript(rows),
		emitter:    events.NewEmitter(sess.ID),
		stream:     stream,
		outcome:    &Outcome{},
	}
	if budget := resolved.Settings.Execution.TimeBudgetSeconds; budget > 0 {
		start := snapshot.StartedAt
		if start.IsZero() {
			start = sess.CreatedAt
		}
		r.deadline = start.Add(time.Duration(budget) * time.Second)
	}

	start := time.Now()
	outcome, err := d.loop(ctx, r)
	state := "error"
	if outcome != nil {
		state = outcome.FinalState
	}
	observability.GetGlobalMetrics().RecordSessionRun(ctx, resolved.Template.Name, time.Since(start), state)
	return outcome, err
}

func (d *Driver) loop(ctx context.Context, r *run) (*Outcome, error) {
	maxIter := r.resolved.Settings.Execution.MaxIterations

	for {
		if err := ctx.Err(); err != nil {
			// Shutdown: the step already persisted; leave RESEARCHING.
			return r.outcome, err
		}
		if r.snapshot.Iteration >= maxIter {
			return d.finalizeFailed(ctx, r, "iteration_limit", "length")
		}
		if !r.deadline.IsZero() && time.Now().After(r.deadline) {
			return d.finalizeFailed(ctx, r, "time_budget_exceeded", "budget")
		}

		r.snapshot.Iteration++
		step := r.snapshot.Iteration
		r.emit(r.emitter.StepStart(step, maxIter, "agent step"))
		r.stepOpen = true

		sel, err := d.selector.Select(ctx, r.resolved.Version, r.resolved.Settings, selector.Query{
			Task:           r.snapshot.Task,
			RemainingSteps: r.snapshot.RemainingSteps,
			Stage:          r.snapshot.Stage,
			Counters:       r.snapshot.Counters(r.sess.State),
		})
		if err != nil {
			r.emit(r.emitter.Error(step, err.Error()))
			return d.finalizeFailed(ctx, r, "tool_selection_failed", "stop")
		}
		if sel.Stage != "" {
			r.snapshot.Stage = sel.Stage
		}

		base := d.promptMessages(r, sel)

		// Reasoning phase.
		callCtx, cancel := r.callContext(ctx)
		reasoned, err := r.strategy.Reason(callCtx, r.provider, base, sel, step, r.resolved.Settings, r.snapshot)
		cancel()
		if err != nil {
			return d.failStep(ctx, r, step, err)
		}
		if reasoned.thinking != "" {
			r.emit(r.emitter.Thinking(step, reasoned.thinking))
		}
		base = append(base, reasoned.chatMessages...)

		// Selection phase.
		callCtx, cancel = r.callContext(ctx)
		completion, err := d.selectionCall(callCtx, r, base, sel)
		cancel()
		if err != nil {
			return d.failStep(ctx, r, step, err)
		}

		calls := completion.ToolCalls
		if len(calls) == 0 {
			// Malformed tool calling: synthesize a failed final answer
			// from the last text so the session terminates cleanly.
			calls = []*protocol.ToolCall{synthesizedFinalAnswer(completion.Text)}
		}
		for i, tc := range calls {
			tc.ID = protocol.ToolCallID(step, "action", i)
		}

		if hasClarification(calls) {
			if len(calls) > 1 {
				r.emit(r.emitter.Error(step, "ClarificationTool must be the only tool call in a step"))
				return d.finalizeFailed(ctx, r, "clarification_mixed_with_tool_calls", "stop")
			}
			return d.suspendForClarification(ctx, r, step, reasoned, calls[0])
		}

		done, err := d.actionPhase(ctx, r, step, reasoned, sel, calls)
		if err != nil || done {
			return r.outcome, err
		}
		r.emit(r.emitter.StepEnd(step, "completed"))
		r.stepOpen = false
	}
}

// promptMessages rebuilds the system prompt for this step's tool selection
// and prepends it to the stored transcript (minus the original system row).
func (d *Driver) promptMessages(r *run, sel selector.Selection) []protocol.ChatMessage {
	lines := make([]string, len(sel.Entries))
	for i, entry := range sel.Entries {
		lines[i] = entry.Tool.Name() + ": " + entry.Tool.Description()
	}
	system := r.resolved.Prompts.RenderSystem(lines, time.Now())

	msgs := make([]protocol.ChatMessage, 0, len(r.transcript)+1)
	msgs = append(msgs, protocol.Text(protocol.RoleSystem, system))
	msgs = append(msgs, d.trimToBudget(r.transcript)...)
	return msgs
}

// trimToBudget drops the oldest turns when the transcript exceeds the
// context token budget. Tool messages are kept with their assistant turn by
// trimming from the front only.
func (d *Driver) trimToBudget(msgs []protocol.ChatMessage) []protocol.ChatMessage {
	total := 0
	counts := make([]int, len(msgs))
	for i := range msgs {
		counts[i] = d.countTokens(msgs[i].Content)
		total += counts[i]
	}
	drop := 0
	for total > contextTokenBudget && drop < len(msgs)-2 {
		total -= counts[drop]
		drop++
	}
	// Never split an assistant/tool pair.
	for drop < len(msgs) && msgs[drop].Role == protocol.RoleTool {
		drop++
	}
	return msgs[drop:]
}

func (d *Driver) countTokens(text string) int {
	d.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("Token encoder unavailable, estimating token counts", "error", err)
			return
		}
		d.enc = enc
	})
	if d.enc == nil {
		return len(text) / 4
	}
	return len(d.enc.Encode(text, nil, nil))
}

func (d *Driver) selectionCall(ctx context.Context, r *run, base []protocol.ChatMessage, sel selector.Selection) (*llms.Completion, error) {
	choice := protocol.ToolChoiceRequired
	req := &llms.Request{
		Messages:          base,
		Tools:             selectionDefinitions(sel),
		ToolChoice:        &choice,
		ParallelToolCalls: true,
		Temperature:       r.resolved.Settings.LLM.Temperature,
		MaxTokens:         r.resolved.Settings.LLM.MaxTokens,
	}
	if r.resolved.Settings.LLM.Streaming {
		// Text deltas pass through to the client as they arrive.
		return r.provider.GenerateStreaming(ctx, req, func(text string) {
			r.emit(r.emitter.Message(text))
		})
	}
	return r.provider.Generate(ctx, req)
}

// actionPhase executes the tool calls with the parallelism cap, persists
// the step atomically, and finalizes the session when a FinalAnswerTool
// ran. Returns done=true when the run is over.
func (d *Driver) actionPhase(ctx context.Context, r *run, step int, reasoned *reasonOutcome, sel selector.Selection, calls []*protocol.ToolCall) (bool, error) {
	assistant := protocol.AssistantToolCalls(calls)

	for _, tc := range calls {
		r.emit(r.emitter.ToolCall(step, tc.Name, tc.Args))
	}

	type executed struct {
		result  *tools.Result
		sources []tools.Source
		started time.Time
		err     error
	}
	results := make([]executed, len(calls))

	// Quota accounting must see earlier calls of the same tool in this
	// batch, otherwise parallel duplicates slip past max_calls.
	usages := make([]tools.Usage, len(calls))
	prior := map[string]int{}
	for i, tc := range calls {
		key := strings.ToLower(tc.Name)
		usage := r.snapshot.UsageFor(tc.Name)
		if n := prior[key]; n > 0 {
			usage.Calls += n
			usage.LastCall = time.Now()
		}
		usages[i] = usage
		prior[key]++
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTools)
	for i, tc := range calls {
		g.Go(func() error {
			results[i].started = time.Now()
			entry, err := d.catalog.Resolve(tc.Name)
			if err != nil {
				results[i].result = tools.ErrorResult(err.Error())
				return nil
			}
			ec := &tools.ExecContext{
				SessionID: r.sess.ID,
				Iteration: step,
				Stage:     r.snapshot.Stage,
				Sources:   append([]tools.Source(nil), r.snapshot.Sources...),
			}
			quota := r.resolved.Settings.ToolPolicy.QuotaFor(tc.Name)
			result, execErr := tools.ExecuteWithPolicy(gctx, entry.Tool, ec, tc.Args, quota, usages[i])
			results[i].result = result
			results[i].err = execErr
			results[i].sources = ec.Sources[len(r.snapshot.Sources):]
			return nil
		})
	}
	_ = g.Wait()

	// Results are appended in the LLM's emission order, not completion
	// order.
	rows := append([]*store.Message{}, reasoned.rows...)
	execs := append([]*store.ToolExecution{}, reasoned.executions...)
	rows = append(rows, assistantRow(step, assistant))

	finalIdx := -1
	now := time.Now()
	for i, tc := range calls {
		res := results[i].result
		if res == nil {
			res = tools.ErrorResult("tool produced no result")
		}
		r.emit(r.emitter.ToolResult(step, tc.Name, res.Text(), res.Success()))
		rows = append(rows, toolRow(step, tc.ID, res.Text()))

		argsJSON, _ := json.Marshal(tc.Args)
		execs = append(execs, &store.ToolExecution{
			ToolName:   tc.Name,
			Arguments:  argsJSON,
			Result:     marshalResult(res),
			Status:     res.Status,
			StartedAt:  results[i].started,
			FinishedAt: now,
		})

		r.outcome.ToolCalls++
		if res.Success() {
			r.snapshot.RecordCall(tc.Name, now)
			r.snapshot.Sources = append(r.snapshot.Sources, results[i].sources...)
		}
		if results[i].err != nil {
			r.outcome.Errors++
		}
		if strings.EqualFold(tc.Name, tools.NameReasoning) {
			recordReasoning(r.snapshot, tc.Args, res)
		}
		if finalIdx < 0 && strings.EqualFold(tc.Name, tools.NameFinalAnswer) && res.Success() {
			finalIdx = i
		}
	}

	if finalIdx >= 0 {
		res := results[finalIdx].result
		answer, _ := res.Data["answer"].(string)
		status, _ := res.Data["status"].(string)
		r.snapshot.ExecutionResult = answer
		r.snapshot.ResultStatus = status
		if err := d.persistStep(ctx, r, rows, execs); err != nil {
			return true, err
		}
		return true, d.finalize(ctx, r, step, answer, status)
	}

	if err := d.persistStep(ctx, r, rows, execs); err != nil {
		return true, err
	}
	appendChat(r, rows)
	return false, nil
}

// finalize moves the session to its terminal state, records the chat turn,
// and closes out the stream.
func (d *Driver) finalize(ctx context.Context, r *run, step int, answer, status string) error {
	newState := protocol.StateCompleted
	if status != "completed" {
		newState = protocol.StateFailed
	}
	if err := d.transition(ctx, r, newState); err != nil {
		return err
	}
	if err := d.store.AppendChatTurn(ctx, r.sess.ID, r.snapshot.Task, answer); err != nil {
		slog.Warn("Failed to record chat turn", "session", r.sess.ID, "error", err)
	}

	r.emit(r.emitter.StepEnd(step, "completed"))
	r.stepOpen = false
	if answer != "" {
		r.emit(r.emitter.Message(answer))
	}
	r.emit(r.emitter.Done("stop"))
	r.outcome.FinalState = newState
	return nil
}

// finalizeFailed handles policy violations and unrecoverable step errors by
// synthesizing a failed final answer so the transcript stays well-formed.
func (d *Driver) finalizeFailed(ctx context.Context, r *run, reason, finishReason string) (*Outcome, error) {
	step := r.snapshot.Iteration
	call := synthesizedFinalAnswer("Task ended without an answer: " + reason)
	call.ID = protocol.ToolCallID(step, "final", 0)

	answer, _ := call.Args["answer"].(string)
	r.snapshot.ExecutionResult = answer
	r.snapshot.ResultStatus = "failed"

	rows := []*store.Message{
		assistantRow(step, protocol.AssistantToolCalls([]*protocol.ToolCall{call})),
		toolRow(step, call.ID, answer),
	}
	if err := d.persistStep(ctx, r, rows, nil); err != nil {
		return r.outcome, err
	}
	if err := d.transition(ctx, r, protocol.StateFailed); err != nil {
		return r.outcome, err
	}

	if r.stepOpen {
		r.emit(r.emitter.StepEnd(step, "error"))
		r.stepOpen = false
	}
	r.emit(r.emitter.Message(answer))
	r.emit(r.emitter.Done(finishReason))
	r.outcome.FinalState = protocol.StateFailed
	return r.outcome, nil
}

// failStep classifies an in-step error: worker cancellation propagates, an
// expired per-call deadline fails the session on its time budget, everything
// else fails the session with an error event.
func (d *Driver) failStep(ctx context.Context, r *run, step int, err error) (*Outcome, error) {
	if ctx.Err() != nil {
		return r.outcome, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		r.emit(r.emitter.Error(step, "time budget exceeded during model call"))
		return d.finalizeFailed(ctx, r, "time_budget_exceeded", "budget")
	}
	if errors.Is(err, context.Canceled) {
		return r.outcome, err
	}
	r.outcome.Errors++
	r.emit(r.emitter.Error(step, err.Error()))
	slog.Error("Agent step failed", "session", r.sess.ID, "step", step, "error", err)
	return d.finalizeFailed(ctx, r, "llm_error", "stop")
}

// suspendForClarification persists the sole ClarificationTool call and
// durably parks the session in WAITING_FOR_CLARIFICATION.
func (d *Driver) suspendForClarification(ctx context.Context, r *run, step int, reasoned *reasonOutcome, call *protocol.ToolCall) (*Outcome, error) {
	entry, err := d.catalog.Resolve(call.Name)
	if err != nil {
		return d.failStep(ctx, r, step, err)
	}
	started := time.Now()
	result, err := entry.Tool.Execute(ctx, &tools.ExecContext{SessionID: r.sess.ID, Iteration: step}, call.Args)
	if err != nil {
		return d.failStep(ctx, r, step, err)
	}

	r.emit(r.emitter.ToolCall(step, call.Name, call.Args))
	r.emit(r.emitter.ToolResult(step, call.Name, result.Text(), result.Success()))

	argsJSON, _ := json.Marshal(call.Args)
	rows := append([]*store.Message{}, reasoned.rows...)
	rows = append(rows,
		assistantRow(step, protocol.AssistantToolCalls([]*protocol.ToolCall{call})),
		toolRow(step, call.ID, result.Text()),
	)
	execs := append([]*store.ToolExecution{}, reasoned.executions...)
	execs = append(execs, &store.ToolExecution{
		ToolName:   call.Name,
		Arguments:  argsJSON,
		Result:     marshalResult(result),
		Status:     result.Status,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})

	r.snapshot.ClarificationRequested = true
	if err := d.persistStep(ctx, r, rows, execs); err != nil {
		return r.outcome, err
	}
	if err := d.transition(ctx, r, protocol.StateWaitingForClarification); err != nil {
		return r.outcome, err
	}

	r.emit(r.emitter.StepEnd(step, "completed"))
	r.stepOpen = false
	if result.Success() {
		r.emit(r.emitter.Message(result.Text()))
	}
	r.emit(r.emitter.Done("stop"))

	r.outcome.Suspended = true
	r.outcome.FinalState = protocol.StateWaitingForClarification
	r.outcome.ToolCalls++
	return r.outcome, nil
}

// persistStep writes the step's messages, executions, and snapshot in one
// transaction, retrying transient store errors.
func (d *Driver) persistStep(ctx context.Context, r *run, rows []*store.Message, execs []*store.ToolExecution) error {
	for _, row := range rows {
		row.SessionID = r.sess.ID
	}
	for _, exec := range execs {
		exec.SessionID = r.sess.ID
	}
	err := store.Retry(ctx, func() error {
		return d.store.AppendStep(ctx, r.sess.ID, &store.StepWrite{
			Messages:   rows,
			Executions: execs,
			Snapshot:   r.snapshot.Encode(),
		})
	})
	if err != nil {
		return err
	}
	r.outcome.Messages += len(rows)
	return nil
}

func (d *Driver) transition(ctx context.Context, r *run, newState string) error {
	err := store.Retry(ctx, func() error {
		return d.store.UpdateSessionState(ctx, r.sess.ID, r.sess.State, newState, r.snapshot.Encode())
	})
	if errors.Is(err, store.ErrStaleState) {
		return fmt.Errorf("%w: session %s left state %s", ErrStaleSession, r.sess.ID, r.sess.State)
	}
	if err != nil {
		return err
	}
	r.sess.State = newState
	return nil
}

// appendChat keeps the in-memory conversation in sync with what was just
// persisted so the next iteration sees it.
func appendChat(r *run, rows []*store.Message) {
	for _, row := range rows {
		r.transcript = append(r.transcript, rowToChat(row))
	}
}

// buildTranscript converts stored rows into LLM messages. The original
// system row is skipped; the driver re-renders it each step with the live
// tool selection.
func buildTranscript(rows []store.Message) []protocol.ChatMessage {
	var out []protocol.ChatMessage
	for i := range rows {
		row := &rows[i]
		if row.Role == protocol.RoleSystem {
			continue
		}
		if row.Type != protocol.TypeMessage && row.Type != protocol.TypeThinking {
			continue
		}
		out = append(out, rowToChat(row))
	}
	return out
}

func rowToChat(row *store.Message) protocol.ChatMessage {
	msg := protocol.ChatMessage{
		Role:       row.Role,
		Content:    row.Content,
		ToolCallID: row.ToolCallID,
	}
	if len(row.ToolCalls) > 0 {
		_ = json.Unmarshal(row.ToolCalls, &msg.ToolCalls)
	}
	return msg
}

func hasClarification(calls []*protocol.ToolCall) bool {
	for _, tc := range calls {
		if strings.EqualFold(tc.Name, tools.NameClarification) {
			return true
		}
	}
	return false
}

func synthesizedFinalAnswer(text string) *protocol.ToolCall {
	if strings.TrimSpace(text) == "" {
		text = "The model produced no usable answer."
	}
	return &protocol.ToolCall{
		Name: tools.NameFinalAnswer,
		Args: map[string]any{
			"reasoning": "synthesized fallback",
			"answer":    text,
			"status":    "failed",
		},
	}
}
