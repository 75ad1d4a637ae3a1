package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts a session in the given initial state.
func (s *Store) CreateSession(ctx context.Context, templateVersionID, title, state string, snapshot json.RawMessage) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:                uuid.NewString(),
		TemplateVersionID: templateVersionID,
		Title:             title,
		State:             state,
		ContextSnapshot:   snapshot,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, template_version_id, instance_id, title, state, context_snapshot, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TemplateVersionID, sess.Title, sess.State, string(sess.ContextSnapshot), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession loads a single session row.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.queryRow(ctx, `
		SELECT id, template_version_id, instance_id, title, state, context_snapshot, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var instanceID, title, snapshot sql.NullString
	err := row.Scan(&sess.ID, &sess.TemplateVersionID, &instanceID, &title, &sess.State, &snapshot, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.InstanceID = instanceID.String
	sess.Title = title.String
	if snapshot.String != "" {
		sess.ContextSnapshot = json.RawMessage(snapshot.String)
	}
	return &sess, nil
}

// LoadSession returns the session row together with its message log in
// sequence order.
func (s *Store) LoadSession(ctx context.Context, id string) (*Session, []Message, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sess, messages, nil
}

// ListMessages returns all messages of a session ordered by sequence.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.query(ctx, `
		SELECT id, session_id, seq, role, content, tool_calls, tool_call_id, message_type, step, step_data, created_at
		FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var content, toolCalls, toolCallID, stepData sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &content, &toolCalls, &toolCallID, &m.Type, &m.Step, &stepData, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Content = content.String
		m.ToolCallID = toolCallID.String
		if toolCalls.String != "" {
			m.ToolCalls = json.RawMessage(toolCalls.String)
		}
		if stepData.String != "" {
			m.StepData = json.RawMessage(stepData.String)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// appendMessageTx inserts a message assigning seq = max(seq)+1 within the
// supplied transaction. The UNIQUE (session_id, seq) constraint rejects
// concurrent writers, which surfaces as a transient error and is retried.
func (s *Store) appendMessageTx(ctx context.Context, tx *sql.Tx, m *Message) (int, error) {
	var maxSeq sql.NullInt64
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT MAX(seq) FROM session_messages WHERE session_id = ?`), m.SessionID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to read message sequence: %w", err)
	}
	seq := int(maxSeq.Int64) + 1

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = "message"
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO session_messages (id, session_id, seq, role, content, tool_calls, tool_call_id, message_type, step, step_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.SessionID, seq, m.Role, m.Content, string(m.ToolCalls), m.ToolCallID, m.Type, m.Step, string(m.StepData), now)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`), now, m.SessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to touch session: %w", err)
	}

	m.Seq = seq
	m.CreatedAt = now
	return seq, nil
}

// AppendMessage atomically appends one message with the next sequence number.
func (s *Store) AppendMessage(ctx context.Context, m *Message) (int, error) {
	var seq int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		seq, err = s.appendMessageTx(ctx, tx, m)
		return err
	})
	return seq, err
}

// UpdateSessionState is a compare-and-set on the session state column,
// optionally replacing the context snapshot. Returns ErrStaleState when the
// state no longer matches expectedState.
func (s *Store) UpdateSessionState(ctx context.Context, id, expectedState, newState string, snapshot json.RawMessage) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if snapshot != nil {
		res, err = s.exec(ctx, `
			UPDATE sessions SET state = ?, context_snapshot = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			newState, string(snapshot), now, id, expectedState)
	} else {
		res, err = s.exec(ctx, `
			UPDATE sessions SET state = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			newState, now, id, expectedState)
	}
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s not in state %s: %w", id, expectedState, ErrStaleState)
	}
	return nil
}

// UpdateSnapshot overwrites the context snapshot without touching state.
func (s *Store) UpdateSnapshot(ctx context.Context, id string, snapshot json.RawMessage) error {
	res, err := s.exec(ctx, `UPDATE sessions SET context_snapshot = ?, updated_at = ? WHERE id = ?`,
		string(snapshot), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StepWrite is the unit of persistence for one loop step: messages, tool
// execution rows and the refreshed snapshot commit together.
type StepWrite struct {
	Messages   []*Message
	Executions []*ToolExecution
	Snapshot   json.RawMessage
}

// AppendStep commits a step's messages, tool executions and snapshot in one
// transaction.
func (s *Store) AppendStep(ctx context.Context, sessionID string, w *StepWrite) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range w.Messages {
			m.SessionID = sessionID
			if _, err := s.appendMessageTx(ctx, tx, m); err != nil {
				return err
			}
		}
		for _, e := range w.Executions {
			e.SessionID = sessionID
			if err := s.insertExecutionTx(ctx, tx, e); err != nil {
				return err
			}
		}
		if w.Snapshot != nil {
			_, err := tx.ExecContext(ctx, s.rebind(`UPDATE sessions SET context_snapshot = ?, updated_at = ? WHERE id = ?`),
				string(w.Snapshot), time.Now().UTC(), sessionID)
			if err != nil {
				return fmt.Errorf("failed to write snapshot: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) insertExecutionTx(ctx context.Context, tx *sql.Tx, e *ToolExecution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO tool_executions (id, session_id, tool_name, arguments, result, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.SessionID, e.ToolName, string(e.Arguments), string(e.Result), e.Status, e.StartedAt, nullTime(e.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to record tool execution: %w", err)
	}
	return nil
}

// RecordToolExecution inserts one execution row outside a step transaction.
func (s *Store) RecordToolExecution(ctx context.Context, e *ToolExecution) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertExecutionTx(ctx, tx, e)
	})
}

// ListToolExecutions returns a session's executions in start order.
func (s *Store) ListToolExecutions(ctx context.Context, sessionID string) ([]ToolExecution, error) {
	rows, err := s.query(ctx, `
		SELECT id, session_id, tool_name, arguments, result, status, started_at, finished_at
		FROM tool_executions WHERE session_id = ? ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool executions: %w", err)
	}
	defer rows.Close()

	var execs []ToolExecution
	for rows.Next() {
		var e ToolExecution
		var args, result sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ToolName, &args, &result, &e.Status, &e.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan tool execution: %w", err)
		}
		e.Arguments = json.RawMessage(args.String)
		e.Result = json.RawMessage(result.String)
		e.FinishedAt = finished.Time
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ListClaimableSessions returns sessions in RESEARCHING with no holding
// instance for the given template version, oldest update first.
func (s *Store) ListClaimableSessions(ctx context.Context, templateVersionID string, limit int) ([]Session, error) {
	rows, err := s.query(ctx, `
		SELECT id, template_version_id, instance_id, title, state, context_snapshot, created_at, updated_at
		FROM sessions
		WHERE state = 'RESEARCHING' AND instance_id IS NULL AND template_version_id = ?
		ORDER BY updated_at
		LIMIT ?`, templateVersionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var instanceID, title, snapshot sql.NullString
		if err := rows.Scan(&sess.ID, &sess.TemplateVersionID, &instanceID, &title, &sess.State, &snapshot, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.InstanceID = instanceID.String
		sess.Title = title.String
		if snapshot.String != "" {
			sess.ContextSnapshot = json.RawMessage(snapshot.String)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessions returns recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT id, template_version_id, instance_id, title, state, context_snapshot, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var instanceID, title, snapshot sql.NullString
		if err := rows.Scan(&sess.ID, &sess.TemplateVersionID, &instanceID, &title, &sess.State, &snapshot, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.InstanceID = instanceID.String
		sess.Title = title.String
		if snapshot.String != "" {
			sess.ContextSnapshot = json.RawMessage(snapshot.String)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RenameSession updates the session title.
func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	res, err := s.exec(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session with its messages, executions and turns.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		for _, q := range []string{
			`DELETE FROM session_messages WHERE session_id = ?`,
			`DELETE FROM tool_executions WHERE session_id = ?`,
			`DELETE FROM chat_turns WHERE session_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(q), id); err != nil {
				return fmt.Errorf("failed to delete session data: %w", err)
			}
		}
		return nil
	})
}

// AppendChatTurn records a derived question/answer pair for history search.
func (s *Store) AppendChatTurn(ctx context.Context, sessionID, question, answer string) error {
	_, err := s.exec(ctx, `
		INSERT INTO chat_turns (id, session_id, question, answer, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, question, answer, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append chat turn: %w", err)
	}
	return nil
}

// SearchChatTurns matches question/answer text with a LIKE filter, newest
// first.
func (s *Store) SearchChatTurns(ctx context.Context, query string, limit int) ([]ChatTurn, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"
	rows, err := s.query(ctx, `
		SELECT id, session_id, question, answer, created_at
		FROM chat_turns
		WHERE question LIKE ? OR answer LIKE ?
		ORDER BY created_at DESC LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search chat turns: %w", err)
	}
	defer rows.Close()

	var turns []ChatTurn
	for rows.Next() {
		var t ChatTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Question, &t.Answer, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
