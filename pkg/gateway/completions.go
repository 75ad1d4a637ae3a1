package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/maruntime/maruntime/pkg/events"
	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/selector"
	"github.com/maruntime/maruntime/pkg/session"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
)

// chatCompletionRequest is the accepted subset of the OpenAI request body.
// model routes: a template name starts a session, a session id resumes one.
type chatCompletionRequest struct {
	Model    string                 `json:"model"`
	Messages []protocol.ChatMessage `json:"messages"`
	Stream   bool                   `json:"stream"`
	ChatID   string                 `json:"chat_id,omitempty"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int                  `json:"index"`
	Message      protocol.ChatMessage `json:"message"`
	FinishReason string               `json:"finish_reason"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "request body is not valid JSON")
		return
	}
	task := lastUserMessage(req.Messages)
	if task == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_user_message", "the request must carry at least one user message")
		return
	}

	ctx := r.Context()

	if resolved, err := s.templates.ResolveByName(ctx, req.Model); err == nil {
		s.startAndRespond(w, r, resolved, task, req)
		return
	}

	sess, err := s.store.GetSession(ctx, req.Model)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "model_not_found",
			"model "+req.Model+" is neither a template nor a session")
		return
	}
	switch {
	case sess.State == protocol.StateWaitingForClarification:
		s.resumeAndRespond(w, r, sess, task, req)
	case sess.State == protocol.StateResearching:
		// Reconnect: the run is still in flight, re-attach to its stream
		// without feeding new input.
		s.respond(w, r, sess.ID, req)
	case req.ChatID == sess.ID:
		s.resumeAndRespond(w, r, sess, task, req)
	default:
		writeError(w, http.StatusNotFound, "invalid_request_error", "model_not_found",
			"session "+sess.ID+" is not awaiting input")
	}
}

func (s *Server) startAndRespond(w http.ResponseWriter, r *http.Request, resolved *templates.Resolved, task string, req chatCompletionRequest) {
	ctx := r.Context()

	// The initial system prompt carries the first step's tool selection so
	// the transcript is self-describing even before a worker runs.
	snapshot := session.NewContext(task)
	sel, err := s.selector.Select(ctx, resolved.Version, resolved.Settings, selector.Query{
		Task:     task,
		Counters: snapshot.Counters(protocol.StateInited),
	})
	var toolLines []string
	if err != nil {
		slog.Warn("Tool selection for initial prompt failed", "template", resolved.Template.Name, "error", err)
	} else {
		for _, entry := range sel.Entries {
			toolLines = append(toolLines, entry.Tool.Name()+": "+entry.Tool.Description())
		}
	}

	sess, err := s.sessions.Start(ctx, resolved, task, "", toolLines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "session_create_failed", err.Error())
		return
	}
	// With every instance busy the session just waits in RESEARCHING; the
	// dispatch wakeup reaches whichever worker frees up first.
	if _, err := s.store.FindIdleInstance(ctx, resolved.Template.ID); errors.Is(err, store.ErrNotFound) {
		slog.Debug("No idle instance for template", "template", resolved.Template.Name, "session", sess.ID)
	}
	s.notifier.Notify(resolved.Template.ID)
	s.respond(w, r, sess.ID, req)
}

func (s *Server) resumeAndRespond(w http.ResponseWriter, r *http.Request, sess *store.Session, clarification string, req chatCompletionRequest) {
	ctx := r.Context()

	if _, err := s.sessions.ResumeWithClarification(ctx, sess.ID, clarification); err != nil {
		writeError(w, http.StatusConflict, "invalid_request_error", "session_not_resumable", err.Error())
		return
	}
	if resolved, err := s.templates.ResolveVersion(ctx, sess.TemplateVersionID); err == nil {
		s.notifier.Notify(resolved.Template.ID)
	}
	s.respond(w, r, sess.ID, req)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, sessionID string, req chatCompletionRequest) {
	if req.Stream {
		s.streamSession(w, r, sessionID)
		return
	}
	s.awaitCompletion(w, r, sessionID, req.Model)
}

// streamSession relays the session's event stream as SSE frames. Client
// disconnects detach the reader; the run continues to persistence.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)

	sw := events.NewSSEWriter(w)
	_ = sw.WriteComment("session_id=" + sessionID)

	attachCtx, cancel := context.WithTimeout(r.Context(), attachTimeout)
	stream, ok := s.hub.Attach(attachCtx, sessionID)
	cancel()
	if !ok {
		_ = sw.WriteEvent(events.Event{Kind: events.KindError, Data: map[string]any{
			"message": "no worker picked up the session; reconnect with model=" + sessionID,
		}})
		_ = sw.WriteDone()
		return
	}
	defer stream.Detach()

	for {
		ev, ok := stream.Next(r.Context())
		if !ok {
			break
		}
		if err := sw.WriteEvent(ev); err != nil {
			return
		}
		if ev.Kind == events.KindDone {
			break
		}
	}
	_ = sw.WriteDone()
}

// awaitCompletion consumes the stream server-side and answers with a
// single ChatCompletion once the run ends.
func (s *Server) awaitCompletion(w http.ResponseWriter, r *http.Request, sessionID, model string) {
	w.Header().Set("X-Session-Id", sessionID)

	attachCtx, cancel := context.WithTimeout(r.Context(), attachTimeout)
	stream, ok := s.hub.Attach(attachCtx, sessionID)
	cancel()
	if !ok {
		w.Header().Set("X-Session-Error", "no_worker")
		writeJSON(w, http.StatusOK, completionBody(sessionID, model,
			"The session was accepted but no worker picked it up; retry with model="+sessionID, "stop"))
		return
	}

	finish := "stop"
	lastMessage := ""
	for {
		ev, ok := stream.Next(r.Context())
		if !ok {
			break
		}
		switch ev.Kind {
		case events.KindMessage:
			if content, ok := messageDelta(ev); ok && content != "" {
				lastMessage = content
			}
		case events.KindDone:
			if fr, ok := ev.Data["finish_reason"].(string); ok && fr != "" {
				finish = fr
			}
		}
		if ev.Kind == events.KindDone {
			break
		}
	}
	stream.Detach()

	content, errCode := s.finalContent(r.Context(), sessionID, lastMessage)
	if errCode != "" {
		w.Header().Set("X-Session-Error", errCode)
	}
	writeJSON(w, http.StatusOK, completionBody(sessionID, model, content, finish))
}

// finalContent reads the answer back from the store so a coalesced or
// missed stream cannot change what the client sees.
func (s *Server) finalContent(ctx context.Context, sessionID, fallback string) (string, string) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fallback, "session_lost"
	}
	snapshot, err := session.DecodeContext(sess.ContextSnapshot)
	if err != nil {
		return fallback, "snapshot_corrupt"
	}

	switch sess.State {
	case protocol.StateCompleted:
		if snapshot.ExecutionResult != "" {
			return snapshot.ExecutionResult, ""
		}
	case protocol.StateFailed:
		content := snapshot.ExecutionResult
		if content == "" {
			content = fallback
		}
		return content, "session_failed"
	}
	return fallback, ""
}

func completionBody(sessionID, model, content, finishReason string) chatCompletionResponse {
	return chatCompletionResponse{
		ID:      sessionID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      protocol.Text(protocol.RoleAssistant, content),
			FinishReason: finishReason,
		}},
	}
}

func lastUserMessage(messages []protocol.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func messageDelta(ev events.Event) (string, bool) {
	choices, ok := ev.Data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := delta["content"].(string)
	return content, ok
}
