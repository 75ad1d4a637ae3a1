// Package gateway exposes the runtime over an OpenAI-compatible HTTP
// surface: chat completions routed to sessions, model listing backed by
// templates, and session browsing.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maruntime/maruntime/pkg/events"
	"github.com/maruntime/maruntime/pkg/selector"
	"github.com/maruntime/maruntime/pkg/session"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
)

// attachTimeout bounds how long a request waits for a worker to pick up
// the session before the stream is abandoned to reconnection.
const attachTimeout = 10 * time.Second

// Notifier wakes the worker pool for a template after a session is
// created or resumed.
type Notifier interface {
	Notify(templateID string)
}

// Server is the gateway HTTP layer. It never enters the agent loop; it
// only creates or resumes sessions and relays their event streams.
type Server struct {
	store     *store.Store
	templates *templates.Service
	sessions  *session.Service
	selector  *selector.Selector
	hub       *events.Hub
	notifier  Notifier
}

func NewServer(s *store.Store, tmpl *templates.Service, sessions *session.Service, sel *selector.Selector, hub *events.Hub, notifier Notifier) *Server {
	return &Server{
		store:     s,
		templates: tmpl,
		sessions:  sessions,
		selector:  sel,
		hub:       hub,
		notifier:  notifier,
	}
}

// Routes builds the router. Mounted at the server root.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Get("/models", s.handleListModels)
		r.Route("/chats", func(r chi.Router) {
			r.Get("/", s.handleListChats)
			r.Get("/{id}", s.handleGetChat)
			r.Get("/{id}/messages", s.handleChatMessages)
			r.Put("/{id}", s.handleRenameChat)
			r.Delete("/{id}", s.handleDeleteChat)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the OpenAI-style error envelope.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, map[string]any{"error": apiError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}
