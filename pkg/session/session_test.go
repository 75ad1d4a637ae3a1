package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
	"github.com/maruntime/maruntime/pkg/tools"
)

func newFixture(t *testing.T) (*store.Store, *Service, *templates.Resolved) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	tmplSvc := templates.NewService(s)
	svc := NewService(s, tmplSvc)

	template, err := s.CreateTemplate(context.Background(), "research-agent", "")
	require.NoError(t, err)
	_, err = s.CreateTemplateVersion(context.Background(), template.ID, map[string]any{}, []string{"ReasoningTool", "FinalAnswerTool"})
	require.NoError(t, err)

	resolved, err := tmplSvc.ResolveByName(context.Background(), "research-agent")
	require.NoError(t, err)
	return s, svc, resolved
}

func TestStartCreatesResearchingSessionWithPromptMessages(t *testing.T) {
	_, svc, resolved := newFixture(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, resolved, "What is 2+2?", "", []string{"ReasoningTool: plan", "FinalAnswerTool: finish"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StateResearching, sess.State)
	assert.Equal(t, "What is 2+2?", sess.Title)

	loaded, messages, snapshot, err := svc.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateResearching, loaded.State)
	require.Len(t, messages, 2)
	assert.Equal(t, protocol.RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "1. ReasoningTool: plan")
	assert.Equal(t, protocol.RoleUser, messages[1].Role)
	assert.Contains(t, messages[1].Content, "What is 2+2?")
	assert.Equal(t, "What is 2+2?", snapshot.Task)
	assert.Zero(t, snapshot.Iteration)
}

func TestStartRejectsEmptyTask(t *testing.T) {
	_, svc, resolved := newFixture(t)
	_, err := svc.Start(context.Background(), resolved, "", "", nil)
	require.Error(t, err)
}

func TestStartTruncatesLongTitles(t *testing.T) {
	_, svc, resolved := newFixture(t)
	long := make([]rune, 200)
	for i := range long {
		long[i] = 'x'
	}
	sess, err := svc.Start(context.Background(), resolved, string(long), "", nil)
	require.NoError(t, err)
	assert.Len(t, []rune(sess.Title), maxTitleLen)
}

func TestResumeWithClarification(t *testing.T) {
	s, svc, resolved := newFixture(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, resolved, "Research the thing", "", nil)
	require.NoError(t, err)

	// The driver would move the session to WAITING_FOR_CLARIFICATION on a
	// sole ClarificationTool call.
	snapshot, err := DecodeContext(sess.ContextSnapshot)
	require.NoError(t, err)
	snapshot.ClarificationRequested = true
	require.NoError(t, s.UpdateSessionState(ctx, sess.ID, protocol.StateResearching, protocol.StateWaitingForClarification, snapshot.Encode()))

	resumed, err := svc.ResumeWithClarification(ctx, sess.ID, "I meant the blue one.")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateResearching, resumed.State)

	_, messages, snap, err := svc.Load(ctx, sess.ID)
	require.NoError(t, err)
	last := messages[len(messages)-1]
	assert.Equal(t, protocol.RoleUser, last.Role)
	assert.Contains(t, last.Content, "I meant the blue one.")
	assert.Contains(t, last.Content, "USER CLARIFICATION")
	assert.Equal(t, 1, snap.ClarificationsUsed)
	assert.False(t, snap.ClarificationRequested)
}

func TestResumeRequiresWaitingState(t *testing.T) {
	_, svc, resolved := newFixture(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, resolved, "task", "", nil)
	require.NoError(t, err)

	_, err = svc.ResumeWithClarification(ctx, sess.ID, "more info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not waiting")
}

func TestResumeRejectsTerminalSessions(t *testing.T) {
	s, svc, resolved := newFixture(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, resolved, "task", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionState(ctx, sess.ID, protocol.StateResearching, protocol.StateCompleted, nil))

	_, err = svc.ResumeWithClarification(ctx, sess.ID, "more info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no more input")
}

func TestContextRoundTripAndCounters(t *testing.T) {
	c := NewContext("find the answer")
	c.Iteration = 3
	c.RecordCall(tools.NameWebSearch, time.Now())
	c.RecordCall(tools.NameWebSearch, time.Now())
	c.RecordCall(tools.NameReasoning, time.Now())
	c.Stage = "writing"

	decoded, err := DecodeContext(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.SearchesUsed)
	assert.Equal(t, 2, decoded.UsageFor(tools.NameWebSearch).Calls)
	assert.Equal(t, "writing", decoded.Stage)

	counters := decoded.Counters(protocol.StateResearching)
	assert.Equal(t, 3, counters.Iteration)
	assert.Equal(t, 2, counters.SearchesUsed)
	assert.Equal(t, protocol.StateResearching, counters.State)

	usage := decoded.UsageFor(tools.NameWebSearch)
	assert.Equal(t, 2, usage.Calls)
	assert.False(t, usage.LastCall.IsZero())
}

func TestDecodeContextEmptySnapshot(t *testing.T) {
	c, err := DecodeContext(nil)
	require.NoError(t, err)
	assert.NotNil(t, c.ToolCalls)

	_, err = DecodeContext([]byte("{not json"))
	require.Error(t, err)
}

func TestContextCountersFoldToolNameCase(t *testing.T) {
	c := NewContext("task")
	now := time.Now().UTC()

	// The catalog resolves names case-insensitively, so both spellings
	// must hit the same counter.
	c.RecordCall(tools.NameWebSearch, now)
	c.RecordCall("websearchtool", now.Add(time.Second))

	usage := c.UsageFor("WEBSEARCHTOOL")
	assert.Equal(t, 2, usage.Calls)
	assert.Equal(t, now.Add(time.Second), usage.LastCall)
	assert.Equal(t, 2, c.SearchesUsed)

	decoded, err := DecodeContext(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.UsageFor(tools.NameWebSearch).Calls)
}

func TestDecodeContextFoldsMixedCaseCounterKeys(t *testing.T) {
	raw := json.RawMessage(`{
		"task": "t",
		"tool_calls": {"WebSearchTool": 1, "websearchtool": 2},
		"tool_last_call": {"WebSearchTool": "2026-01-02T03:04:05Z"}
	}`)
	c, err := DecodeContext(raw)
	require.NoError(t, err)
	assert.Equal(t, 3, c.UsageFor("WebSearchTool").Calls)
	assert.False(t, c.UsageFor("webSearchTool").LastCall.IsZero())
}
