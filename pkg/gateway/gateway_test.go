package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maruntime/maruntime/pkg/agent"
	"github.com/maruntime/maruntime/pkg/events"
	"github.com/maruntime/maruntime/pkg/instance"
	"github.com/maruntime/maruntime/pkg/llms"
	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/selector"
	"github.com/maruntime/maruntime/pkg/session"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
	"github.com/maruntime/maruntime/pkg/tools"
)

type scriptedProvider struct {
	mu     sync.Mutex
	script []*llms.Completion
}

func (p *scriptedProvider) next() (*llms.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted")
	}
	out := p.script[0]
	p.script = p.script[1:]
	return out, nil
}

func (p *scriptedProvider) Generate(ctx context.Context, req *llms.Request) (*llms.Completion, error) {
	return p.next()
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, req *llms.Request, onDelta func(string)) (*llms.Completion, error) {
	return p.next()
}

func (p *scriptedProvider) ModelName() string { return "scripted" }

type gatewayFixture struct {
	store    *store.Store
	server   *httptest.Server
	provider *scriptedProvider
	version  *store.TemplateVersion
	cancel   context.CancelFunc
	pool     *instance.Pool
}

// newGatewayFixture wires the full request path: gateway, store, one
// auto-start worker, and a scripted LLM.
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))

	for _, name := range []string{"EchoTool", "FinalAnswerTool", "ClarificationTool"} {
		require.NoError(t, s.UpsertTool(ctx, &store.Tool{
			Name: name, Description: name, Entrypoint: "pkg/tools:" + name, IsActive: true,
		}))
	}
	catalog, err := tools.NewCatalog(ctx, s, 0)
	require.NoError(t, err)

	template, err := s.CreateTemplate(ctx, "gw-agent", "gateway test agent")
	require.NoError(t, err)
	version, err := s.CreateTemplateVersion(ctx, template.ID, map[string]any{
		"base_class": "ToolCallingAgent",
	}, []string{"EchoTool", "ClarificationTool", "FinalAnswerTool"})
	require.NoError(t, err)

	tmplSvc := templates.NewService(s)
	sessions := session.NewService(s, tmplSvc)
	sel := selector.New(catalog, s, nil)
	provider := &scriptedProvider{}
	driver := agent.NewDriver(s, catalog, sel, tmplSvc, func(policy templates.LLMPolicy) (llms.Provider, error) {
		return provider, nil
	})

	hub := events.NewHub()
	pool := instance.NewPool(s, driver, hub, tmplSvc, sel, catalog, instance.Config{
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	inst := &store.Instance{
		Name: "gw-worker", TemplateID: template.ID, TemplateVersionID: version.ID,
		Enabled: true, AutoStart: true,
	}
	require.NoError(t, s.CreateInstance(ctx, inst))
	require.NoError(t, pool.Start(ctx))

	gw := NewServer(s, tmplSvc, sessions, sel, hub, pool)
	ts := httptest.NewServer(gw.Routes())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		pool.Wait()
	})

	return &gatewayFixture{
		store:    s,
		server:   ts,
		provider: provider,
		version:  version,
		cancel:   cancel,
		pool:     pool,
	}
}

func finalAnswer(answer, status string) *llms.Completion {
	return &llms.Completion{ToolCalls: []*protocol.ToolCall{{
		Name: tools.NameFinalAnswer,
		Args: map[string]any{"reasoning": "r", "answer": answer, "status": status},
	}}}
}

func (f *gatewayFixture) post(t *testing.T, body map[string]any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+"/v1/chat/completions", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeCompletion(t *testing.T, resp *http.Response) chatCompletionResponse {
	t.Helper()
	defer resp.Body.Close()
	var out chatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	f := newGatewayFixture(t)
	f.provider.script = []*llms.Completion{finalAnswer("4", "completed")}

	resp := f.post(t, map[string]any{
		"model":    "gw-agent",
		"messages": []map[string]string{{"role": "user", "content": "What is 2+2?"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("X-Session-Id")
	require.NotEmpty(t, sessionID)
	assert.Empty(t, resp.Header.Get("X-Session-Error"))

	out := decodeCompletion(t, resp)
	assert.Equal(t, sessionID, out.ID)
	assert.Equal(t, "chat.completion", out.Object)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "4", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)

	sess, err := f.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, sess.State)
}

func TestChatCompletionsStreaming(t *testing.T) {
	f := newGatewayFixture(t)
	f.provider.script = []*llms.Completion{finalAnswer("42", "completed")}

	resp := f.post(t, map[string]any{
		"model":    "gw-agent",
		"messages": []map[string]string{{"role": "user", "content": "the answer?"}},
		"stream":   true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	sessionID := resp.Header.Get("X-Session-Id")
	require.NotEmpty(t, sessionID)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.True(t, strings.HasPrefix(body, ": session_id="+sessionID))
	assert.Contains(t, body, "event: step_start")
	assert.Contains(t, body, "event: tool_call")
	assert.Contains(t, body, "event: done")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.post(t, map[string]any{
		"model":    "no-such-agent",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var out map[string]apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "model_not_found", out["error"].Code)
}

func TestChatCompletionsMissingUserMessage(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.post(t, map[string]any{"model": "gw-agent", "messages": []map[string]string{}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClarificationRoundTrip(t *testing.T) {
	f := newGatewayFixture(t)
	f.provider.script = []*llms.Completion{
		{ToolCalls: []*protocol.ToolCall{{
			Name: tools.NameClarification,
			Args: map[string]any{"reasoning": "ambiguous", "questions": []any{"Summarize what?"}},
		}}},
		finalAnswer("A summary of the PDF.", "completed"),
	}

	resp := f.post(t, map[string]any{
		"model":    "gw-agent",
		"messages": []map[string]string{{"role": "user", "content": "summarize it"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("X-Session-Id")
	first := decodeCompletion(t, resp)
	assert.Contains(t, first.Choices[0].Message.Content, "Summarize what?")

	sess, err := f.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, protocol.StateWaitingForClarification, sess.State)

	// Second request addressed to the session id resumes it.
	resp = f.post(t, map[string]any{
		"model":    sessionID,
		"messages": []map[string]string{{"role": "user", "content": "the attached PDF"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeCompletion(t, resp)
	assert.Equal(t, "A summary of the PDF.", second.Choices[0].Message.Content)

	sess, err = f.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCompleted, sess.State)
	snapshot, err := session.DecodeContext(sess.ContextSnapshot)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.ClarificationsUsed)
}

func TestResumeRejectedWhenNotWaiting(t *testing.T) {
	f := newGatewayFixture(t)
	f.provider.script = []*llms.Completion{finalAnswer("done", "completed")}

	resp := f.post(t, map[string]any{
		"model":    "gw-agent",
		"messages": []map[string]string{{"role": "user", "content": "quick task"}},
	})
	sessionID := resp.Header.Get("X-Session-Id")
	decodeCompletion(t, resp)

	resp = f.post(t, map[string]any{
		"model":    sessionID,
		"messages": []map[string]string{{"role": "user", "content": "more input"}},
		"chat_id":  sessionID,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListModels(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.server.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "gw-agent", out.Data[0].ID)
	assert.Equal(t, "model", out.Data[0].Object)
	assert.Equal(t, f.version.ID, out.Data[0].VersionID)
}

func TestChatsBrowsing(t *testing.T) {
	f := newGatewayFixture(t)
	f.provider.script = []*llms.Completion{finalAnswer("done", "completed")}

	resp := f.post(t, map[string]any{
		"model":    "gw-agent",
		"messages": []map[string]string{{"role": "user", "content": "browse me"}},
	})
	sessionID := resp.Header.Get("X-Session-Id")
	decodeCompletion(t, resp)

	resp, err := http.Get(f.server.URL + "/v1/chats")
	require.NoError(t, err)
	var list struct {
		Data []chatEntry `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Data, 1)
	assert.Equal(t, sessionID, list.Data[0].ID)
	assert.Equal(t, "browse me", list.Data[0].Title)

	resp, err = http.Get(f.server.URL + "/v1/chats/" + sessionID + "/messages")
	require.NoError(t, err)
	var msgs struct {
		Data []chatMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	resp.Body.Close()
	assert.NotEmpty(t, msgs.Data)
	assert.Equal(t, protocol.RoleSystem, msgs.Data[0].Role)

	// Rename.
	body, _ := json.Marshal(map[string]string{"title": "renamed"})
	req, err := http.NewRequest(http.MethodPut, f.server.URL+"/v1/chats/"+sessionID, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var renamed chatEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&renamed))
	resp.Body.Close()
	assert.Equal(t, "renamed", renamed.Title)

	// Delete.
	req, err = http.NewRequest(http.MethodDelete, f.server.URL+"/v1/chats/"+sessionID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/v1/chats/" + sessionID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newGatewayFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
