package store

import (
	"context"
	"fmt"
	"time"
)

// Schema compatible with postgres, mysql and sqlite. JSON-valued columns are
// stored as TEXT and encoded/decoded at the edge.
const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS tools (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL UNIQUE,
    description TEXT,
    entrypoint VARCHAR(512) NOT NULL,
    config TEXT,
    embedding TEXT,
    category VARCHAR(32) NOT NULL DEFAULT 'utility',
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_templates (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL UNIQUE,
    description TEXT,
    active_version_id VARCHAR(64),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS template_versions (
    id VARCHAR(64) PRIMARY KEY,
    template_id VARCHAR(64) NOT NULL,
    version INTEGER NOT NULL,
    settings TEXT NOT NULL,
    tools TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(64) PRIMARY KEY,
    template_version_id VARCHAR(64) NOT NULL,
    instance_id VARCHAR(64),
    title VARCHAR(512),
    state VARCHAR(40) NOT NULL,
    context_snapshot TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_messages (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    seq INTEGER NOT NULL,
    role VARCHAR(16) NOT NULL,
    content TEXT,
    tool_calls TEXT,
    tool_call_id VARCHAR(64),
    message_type VARCHAR(24) NOT NULL DEFAULT 'message',
    step INTEGER NOT NULL DEFAULT 0,
    step_data TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS tool_executions (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    arguments TEXT,
    result TEXT,
    status VARCHAR(16) NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_instances (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL UNIQUE,
    display_name VARCHAR(255),
    template_id VARCHAR(64) NOT NULL,
    template_version_id VARCHAR(64) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'OFFLINE',
    current_session_id VARCHAR(64),
    enabled INTEGER NOT NULL DEFAULT 1,
    auto_start INTEGER NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 0,
    heartbeat_at TIMESTAMP,
    sessions_total INTEGER NOT NULL DEFAULT 0,
    messages_total INTEGER NOT NULL DEFAULT 0,
    tool_calls_total INTEGER NOT NULL DEFAULT 0,
    errors_total INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    last_error_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS system_prompts (
    name VARCHAR(64) PRIMARY KEY,
    content TEXT NOT NULL,
    placeholders TEXT,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_turns (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    question TEXT NOT NULL,
    answer TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_versions_template ON template_versions(template_id);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_version ON sessions(template_version_id);
CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_executions_session ON tool_executions(session_id);
CREATE INDEX IF NOT EXISTS idx_instances_template ON agent_instances(template_id);
CREATE INDEX IF NOT EXISTS idx_turns_session ON chat_turns(session_id);
`

// Migrate creates all tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
