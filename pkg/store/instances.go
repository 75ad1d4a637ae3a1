package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateInstance inserts an agent instance slot in OFFLINE status.
func (s *Store) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Status == "" {
		inst.Status = "OFFLINE"
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	_, err := s.exec(ctx, `
		INSERT INTO agent_instances (id, name, display_name, template_id, template_version_id, status,
			current_session_id, enabled, auto_start, priority, heartbeat_at,
			sessions_total, messages_total, tool_calls_total, errors_total,
			last_error, last_error_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, NULL, 0, 0, 0, 0, NULL, NULL, ?, ?)`,
		inst.ID, inst.Name, inst.DisplayName, inst.TemplateID, inst.TemplateVersionID, inst.Status,
		boolInt(inst.Enabled), boolInt(inst.AutoStart), inst.Priority, now, now)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const instanceColumns = `id, name, display_name, template_id, template_version_id, status,
	current_session_id, enabled, auto_start, priority, heartbeat_at,
	sessions_total, messages_total, tool_calls_total, errors_total,
	last_error, last_error_at, created_at, updated_at`

func scanInstance(scan func(dest ...any) error) (*Instance, error) {
	var inst Instance
	var displayName, currentSession, lastError sql.NullString
	var heartbeat, lastErrorAt sql.NullTime
	var enabled, autoStart int
	err := scan(&inst.ID, &inst.Name, &displayName, &inst.TemplateID, &inst.TemplateVersionID, &inst.Status,
		&currentSession, &enabled, &autoStart, &inst.Priority, &heartbeat,
		&inst.SessionsTotal, &inst.MessagesTotal, &inst.ToolCallsTotal, &inst.ErrorsTotal,
		&lastError, &lastErrorAt, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}
	inst.DisplayName = displayName.String
	inst.CurrentSessionID = currentSession.String
	inst.Enabled = enabled != 0
	inst.AutoStart = autoStart != 0
	inst.HeartbeatAt = heartbeat.Time
	inst.LastError = lastError.String
	inst.LastErrorAt = lastErrorAt.Time
	return &inst, nil
}

// GetInstance loads one instance row.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.queryRow(ctx, `SELECT `+instanceColumns+` FROM agent_instances WHERE id = ?`, id)
	return scanInstance(row.Scan)
}

// ListInstances returns all instance rows, enabled or not.
func (s *Store) ListInstances(ctx context.Context) ([]Instance, error) {
	rows, err := s.query(ctx, `SELECT `+instanceColumns+` FROM agent_instances ORDER BY priority DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// FindIdleInstance returns the highest-priority enabled IDLE instance for a
// template, or ErrNotFound.
func (s *Store) FindIdleInstance(ctx context.Context, templateID string) (*Instance, error) {
	row := s.queryRow(ctx, `
		SELECT `+instanceColumns+` FROM agent_instances
		WHERE template_id = ? AND enabled = 1 AND status = 'IDLE'
		ORDER BY priority DESC, name LIMIT 1`, templateID)
	return scanInstance(row.Scan)
}

// UpdateInstanceStatus is a compare-and-set on the status column.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id, expectedStatus, newStatus string) error {
	res, err := s.exec(ctx, `
		UPDATE agent_instances SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		newStatus, time.Now().UTC(), id, expectedStatus)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %s not in status %s: %w", id, expectedStatus, ErrStaleState)
	}
	return nil
}

// Heartbeat refreshes the instance liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `UPDATE agent_instances SET heartbeat_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	return nil
}

// ClaimSession binds a session to an instance in one transaction: the
// instance moves IDLE/STARTING to BUSY and the session records the holder.
// First writer wins; a lost race returns ErrNotClaimable.
func (s *Store) ClaimSession(ctx context.Context, instanceID, sessionID string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE agent_instances SET status = 'BUSY', current_session_id = ?, updated_at = ?
			WHERE id = ? AND status IN ('IDLE', 'STARTING') AND current_session_id IS NULL`),
			sessionID, now, instanceID)
		if err != nil {
			return fmt.Errorf("failed to claim instance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("instance %s is not idle: %w", instanceID, ErrNotClaimable)
		}

		res, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE sessions SET instance_id = ?, updated_at = ?
			WHERE id = ? AND instance_id IS NULL AND state = 'RESEARCHING'`),
			instanceID, now, sessionID)
		if err != nil {
			return fmt.Errorf("failed to assign session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s is not claimable: %w", sessionID, ErrNotClaimable)
		}
		return nil
	})
}

// ReleaseOutcome carries the per-run bookkeeping applied on release.
type ReleaseOutcome struct {
	// NextStatus is IDLE after a clean run or ERROR after a worker fault.
	NextStatus string
	LastError  string
	Sessions   int
	Messages   int
	ToolCalls  int
	Errors     int
}

// ReleaseInstance clears the instance-session binding and folds the run's
// counters into the instance totals. The session's instance pointer is
// cleared in the same transaction so another worker can claim it.
func (s *Store) ReleaseInstance(ctx context.Context, instanceID string, outcome ReleaseOutcome) error {
	if outcome.NextStatus == "" {
		outcome.NextStatus = "IDLE"
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var sessionID sql.NullString
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT current_session_id FROM agent_instances WHERE id = ?`), instanceID).Scan(&sessionID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read instance: %w", err)
		}

		lastErrorAt := nullTime(time.Time{})
		if outcome.LastError != "" {
			lastErrorAt = nullTime(now)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE agent_instances SET
				status = ?, current_session_id = NULL,
				sessions_total = sessions_total + ?,
				messages_total = messages_total + ?,
				tool_calls_total = tool_calls_total + ?,
				errors_total = errors_total + ?,
				last_error = CASE WHEN ? <> '' THEN ? ELSE last_error END,
				last_error_at = CASE WHEN ? <> '' THEN ? ELSE last_error_at END,
				updated_at = ?
			WHERE id = ?`),
			outcome.NextStatus, outcome.Sessions, outcome.Messages, outcome.ToolCalls, outcome.Errors,
			outcome.LastError, outcome.LastError, outcome.LastError, lastErrorAt, now, instanceID)
		if err != nil {
			return fmt.Errorf("failed to release instance: %w", err)
		}

		if sessionID.Valid && sessionID.String != "" {
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE sessions SET instance_id = NULL, updated_at = ? WHERE id = ?`),
				now, sessionID.String)
			if err != nil {
				return fmt.Errorf("failed to unbind session: %w", err)
			}
		}
		return nil
	})
}

// SetInstanceEnabled toggles an instance; disabled instances never claim.
func (s *Store) SetInstanceEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.exec(ctx, `UPDATE agent_instances SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetInstance forces an instance back to OFFLINE with no bound session.
// Used on process boot to recover rows left BUSY by a crash.
func (s *Store) ResetInstance(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var sessionID sql.NullString
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT current_session_id FROM agent_instances WHERE id = ?`), id).Scan(&sessionID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read instance: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE agent_instances SET status = 'OFFLINE', current_session_id = NULL, updated_at = ? WHERE id = ?`), now, id)
		if err != nil {
			return fmt.Errorf("failed to reset instance: %w", err)
		}
		if sessionID.Valid && sessionID.String != "" {
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE sessions SET instance_id = NULL, updated_at = ? WHERE id = ?`),
				now, sessionID.String)
			if err != nil {
				return fmt.Errorf("failed to unbind session: %w", err)
			}
		}
		return nil
	})
}
