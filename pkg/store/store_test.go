package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedVersion(t *testing.T, s *Store) *TemplateVersion {
	t.Helper()
	ctx := context.Background()
	tpl, err := s.CreateTemplate(ctx, "research-agent", "test template")
	require.NoError(t, err)
	v, err := s.CreateTemplateVersion(ctx, tpl.ID, map[string]any{"base_class": "SGRToolCallingAgent"}, []string{"WebSearchTool", "FinalAnswerTool"})
	require.NoError(t, err)
	return v
}

func TestCreateAndLoadSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)

	sess, err := s.CreateSession(ctx, v.ID, "first task", "INITED", json.RawMessage(`{"iteration":0}`))
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	loaded, messages, err := s.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "INITED", loaded.State)
	assert.Equal(t, "first task", loaded.Title)
	assert.JSONEq(t, `{"iteration":0}`, string(loaded.ContextSnapshot))
	assert.Empty(t, messages)
}

func TestLoadSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.LoadSession(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessageSequenceIsGapFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)
	sess, err := s.CreateSession(ctx, v.ID, "", "INITED", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		seq, err := s.AppendMessage(ctx, &Message{SessionID: sess.ID, Role: "user", Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, i+1, seq)
	}

	messages, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for i, m := range messages {
		assert.Equal(t, i+1, m.Seq)
	}
}

func TestUpdateSessionStateCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)
	sess, err := s.CreateSession(ctx, v.ID, "", "INITED", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateSessionState(ctx, sess.ID, "INITED", "RESEARCHING", nil))

	// Second transition from the stale expectation must fail.
	err = s.UpdateSessionState(ctx, sess.ID, "INITED", "RESEARCHING", nil)
	assert.ErrorIs(t, err, ErrStaleState)

	snapshot := json.RawMessage(`{"iteration":3}`)
	require.NoError(t, s.UpdateSessionState(ctx, sess.ID, "RESEARCHING", "WAITING_FOR_CLARIFICATION", snapshot))

	loaded, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "WAITING_FOR_CLARIFICATION", loaded.State)
	assert.JSONEq(t, `{"iteration":3}`, string(loaded.ContextSnapshot))
}

func TestAppendStepCommitsTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)
	sess, err := s.CreateSession(ctx, v.ID, "", "RESEARCHING", nil)
	require.NoError(t, err)

	err = s.AppendStep(ctx, sess.ID, &StepWrite{
		Messages: []*Message{
			{Role: "assistant", ToolCalls: json.RawMessage(`[{"id":"1-action-0"}]`), Type: "tool_call", Step: 1},
			{Role: "tool", Content: `{"ok":true}`, ToolCallID: "1-action-0", Type: "tool_result", Step: 1},
		},
		Executions: []*ToolExecution{
			{ToolName: "WebSearchTool", Arguments: json.RawMessage(`{"query":"go"}`), Result: json.RawMessage(`{"ok":true}`), Status: "ok"},
		},
		Snapshot: json.RawMessage(`{"iteration":1}`),
	})
	require.NoError(t, err)

	messages, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, 1, messages[0].Seq)
	assert.Equal(t, 2, messages[1].Seq)
	assert.Equal(t, "1-action-0", messages[1].ToolCallID)

	execs, err := s.ListToolExecutions(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "WebSearchTool", execs[0].ToolName)

	loaded, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"iteration":1}`, string(loaded.ContextSnapshot))
}

func TestTemplateVersionSingleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl, err := s.CreateTemplate(ctx, "agent", "")
	require.NoError(t, err)

	v1, err := s.CreateTemplateVersion(ctx, tpl.ID, map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := s.CreateTemplateVersion(ctx, tpl.ID, map[string]any{"a": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	old, err := s.GetTemplateVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	active, err := s.GetActiveVersion(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	reloaded, err := s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, reloaded.ActiveVersionID)
}

func TestClaimAndReleaseInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)

	inst := &Instance{Name: "worker-1", TemplateID: v.TemplateID, TemplateVersionID: v.ID, Enabled: true, Priority: 5}
	require.NoError(t, s.CreateInstance(ctx, inst))
	require.NoError(t, s.UpdateInstanceStatus(ctx, inst.ID, "OFFLINE", "STARTING"))
	require.NoError(t, s.UpdateInstanceStatus(ctx, inst.ID, "STARTING", "IDLE"))

	sess, err := s.CreateSession(ctx, v.ID, "", "RESEARCHING", nil)
	require.NoError(t, err)

	require.NoError(t, s.ClaimSession(ctx, inst.ID, sess.ID))

	// A second claim against the busy instance loses the race.
	other, err := s.CreateSession(ctx, v.ID, "", "RESEARCHING", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.ClaimSession(ctx, inst.ID, other.ID), ErrNotClaimable)

	busy, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "BUSY", busy.Status)
	assert.Equal(t, sess.ID, busy.CurrentSessionID)

	bound, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, bound.InstanceID)

	require.NoError(t, s.ReleaseInstance(ctx, inst.ID, ReleaseOutcome{Sessions: 1, Messages: 4, ToolCalls: 2}))

	idle, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "IDLE", idle.Status)
	assert.Empty(t, idle.CurrentSessionID)
	assert.Equal(t, 1, idle.SessionsTotal)
	assert.Equal(t, 4, idle.MessagesTotal)
	assert.Equal(t, 2, idle.ToolCallsTotal)

	unbound, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, unbound.InstanceID)
}

func TestReleaseInstanceWithError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)

	inst := &Instance{Name: "worker-err", TemplateID: v.TemplateID, TemplateVersionID: v.ID, Enabled: true}
	require.NoError(t, s.CreateInstance(ctx, inst))
	require.NoError(t, s.UpdateInstanceStatus(ctx, inst.ID, "OFFLINE", "IDLE"))

	sess, err := s.CreateSession(ctx, v.ID, "", "RESEARCHING", nil)
	require.NoError(t, err)
	require.NoError(t, s.ClaimSession(ctx, inst.ID, sess.ID))

	require.NoError(t, s.ReleaseInstance(ctx, inst.ID, ReleaseOutcome{
		NextStatus: "ERROR",
		LastError:  "driver panic: nil map",
		Errors:     1,
	}))

	errored, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", errored.Status)
	assert.Equal(t, "driver panic: nil map", errored.LastError)
	assert.False(t, errored.LastErrorAt.IsZero())
	assert.Equal(t, 1, errored.ErrorsTotal)
}

func TestFindIdleInstancePrefersPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)

	low := &Instance{Name: "low", TemplateID: v.TemplateID, TemplateVersionID: v.ID, Enabled: true, Priority: 1}
	high := &Instance{Name: "high", TemplateID: v.TemplateID, TemplateVersionID: v.ID, Enabled: true, Priority: 10}
	disabled := &Instance{Name: "off", TemplateID: v.TemplateID, TemplateVersionID: v.ID, Enabled: false, Priority: 99}
	for _, inst := range []*Instance{low, high, disabled} {
		require.NoError(t, s.CreateInstance(ctx, inst))
		require.NoError(t, s.UpdateInstanceStatus(ctx, inst.ID, "OFFLINE", "IDLE"))
	}

	found, err := s.FindIdleInstance(ctx, v.TemplateID)
	require.NoError(t, err)
	assert.Equal(t, "high", found.Name)
}

func TestListClaimableSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)

	claimable, err := s.CreateSession(ctx, v.ID, "", "RESEARCHING", nil)
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, v.ID, "", "WAITING_FOR_CLARIFICATION", nil)
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, v.ID, "", "COMPLETED", nil)
	require.NoError(t, err)

	sessions, err := s.ListClaimableSessions(ctx, v.ID, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, claimable.ID, sessions[0].ID)
}

func TestToolUpsertAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := &Tool{
		Name:        "WebSearchTool",
		Description: "Searches the web",
		Entrypoint:  "pkg/tools:WebSearchTool",
		Category:    "research",
		IsActive:    true,
		Config:      map[string]any{"max_results": float64(5)},
	}
	require.NoError(t, s.UpsertTool(ctx, tool))

	// Name lookup is case-insensitive.
	found, err := s.GetToolByName(ctx, "websearchtool")
	require.NoError(t, err)
	assert.Equal(t, tool.ID, found.ID)
	assert.Equal(t, map[string]any{"max_results": float64(5)}, found.Config)

	tool.Description = "Searches the public web"
	require.NoError(t, s.UpsertTool(ctx, tool))

	tools, err := s.ListTools(ctx, true)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "Searches the public web", tools[0].Description)
}

func TestChatTurnSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)
	sess, err := s.CreateSession(ctx, v.ID, "", "COMPLETED", nil)
	require.NoError(t, err)

	require.NoError(t, s.AppendChatTurn(ctx, sess.ID, "What is the capital of France?", "Paris"))
	require.NoError(t, s.AppendChatTurn(ctx, sess.ID, "What is 2+2?", "4"))

	turns, err := s.SearchChatTurns(ctx, "capital", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "Paris", turns[0].Answer)
}

func TestSystemPromptRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &SystemPrompt{Name: "system", Content: "You are a research agent. Tools: {available_tools}", Placeholders: []string{"available_tools"}}
	require.NoError(t, s.UpsertSystemPrompt(ctx, p))

	p.Content = "You are a careful research agent. Tools: {available_tools}"
	require.NoError(t, s.UpsertSystemPrompt(ctx, p))

	loaded, err := s.GetSystemPrompt(ctx, "system")
	require.NoError(t, err)
	assert.Contains(t, loaded.Content, "careful")
	assert.Equal(t, []string{"available_tools"}, loaded.Placeholders)
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	s.dialect = "sqlite"
	assert.Equal(t, "SELECT ?", s.rebind("SELECT ?"))
}
