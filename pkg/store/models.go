package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Tool is a catalog row. Embedding is the stored description embedding used
// by the retrieval selector; nil when not yet computed.
type Tool struct {
	ID          string
	Name        string
	Description string
	Entrypoint  string // "pkg/path:TypeName" binding resolved by the loader
	Config      map[string]any
	Embedding   []float32
	Category    string // research, memory, utility
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Template is a named logical agent pointing at its active version.
type Template struct {
	ID              string
	Name            string
	Description     string
	ActiveVersionID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TemplateVersion is immutable once created. Settings is the raw JSON
// settings document; pkg/templates decodes it.
type TemplateVersion struct {
	ID         string
	TemplateID string
	Version    int
	Settings   map[string]any
	Tools      []string // ordered tool names
	IsActive   bool
	CreatedAt  time.Time
}

// Session is one conversation.
type Session struct {
	ID                string
	TemplateVersionID string
	InstanceID        string // empty unless a worker holds the session
	Title             string
	State             string
	ContextSnapshot   json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message is one row of the append-only per-session log.
type Message struct {
	ID         string
	SessionID  string
	Seq        int
	Role       string
	Content    string
	ToolCalls  json.RawMessage // wire-form tool_calls on assistant messages
	ToolCallID string
	Type       string
	Step       int
	StepData   json.RawMessage
	CreatedAt  time.Time
}

// ToolExecution records one tool invocation.
type ToolExecution struct {
	ID         string
	SessionID  string
	ToolName   string
	Arguments  json.RawMessage
	Result     json.RawMessage
	Status     string // ok, error, timeout
	StartedAt  time.Time
	FinishedAt time.Time
}

// Instance is an agent worker slot pinned to a template version.
type Instance struct {
	ID                string
	Name              string
	DisplayName       string
	TemplateID        string
	TemplateVersionID string
	Status            string
	CurrentSessionID  string
	Enabled           bool
	AutoStart         bool
	Priority          int
	HeartbeatAt       time.Time
	SessionsTotal     int
	MessagesTotal     int
	ToolCallsTotal    int
	ErrorsTotal       int
	LastError         string
	LastErrorAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SystemPrompt is a process-wide default prompt, overridable per template.
type SystemPrompt struct {
	Name         string
	Content      string
	Placeholders []string
	UpdatedAt    time.Time
}

// ChatTurn is a derived question/answer pair searchable by the chat history
// tool.
type ChatTurn struct {
	ID        string
	SessionID string
	Question  string
	Answer    string
	CreatedAt time.Time
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
