package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maruntime/maruntime/pkg/store"
)

const defaultChatListLimit = 50

type modelEntry struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Created   int64  `json:"created"`
	OwnedBy   string `json:"owned_by"`
	VersionID string `json:"version_id"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.templates.ListActiveModels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
		return
	}
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:        m.Name,
			Object:    "model",
			Created:   m.CreatedAt,
			OwnedBy:   "maruntime",
			VersionID: m.VersionID,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

type chatEntry struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	State             string    `json:"state"`
	TemplateVersionID string    `json:"template_version_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func chatFromSession(sess *store.Session) chatEntry {
	return chatEntry{
		ID:                sess.ID,
		Title:             sess.Title,
		State:             sess.State,
		TemplateVersionID: sess.TemplateVersionID,
		CreatedAt:         sess.CreatedAt,
		UpdatedAt:         sess.UpdatedAt,
	}
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit := defaultChatListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
		return
	}
	data := make([]chatEntry, len(sessions))
	for i := range sessions {
		data[i] = chatFromSession(&sessions[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadChat(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chatFromSession(sess))
}

type chatMessage struct {
	Seq        int       `json:"seq"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	Step       int       `json:"step"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadChat(w, r)
	if !ok {
		return
	}
	rows, err := s.store.ListMessages(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
		return
	}
	data := make([]chatMessage, len(rows))
	for i := range rows {
		data[i] = chatMessage{
			Seq:        rows[i].Seq,
			Role:       rows[i].Role,
			Content:    rows[i].Content,
			Type:       rows[i].Type,
			Step:       rows[i].Step,
			ToolCallID: rows[i].ToolCallID,
			CreatedAt:  rows[i].CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadChat(w, r)
	if !ok {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "a non-empty title is required")
		return
	}
	if err := s.store.RenameSession(r.Context(), sess.ID, body.Title); err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
		return
	}
	sess.Title = body.Title
	writeJSON(w, http.StatusOK, chatFromSession(sess))
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadChat(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadChat(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "invalid_request_error", "chat_not_found", "no chat with id "+id)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
		return nil, false
	}
	return sess, true
}
