package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertTool inserts or replaces a catalog tool by name.
func (s *Store) UpsertTool(ctx context.Context, t *Tool) error {
	now := time.Now().UTC()
	existing, err := s.GetToolByName(ctx, t.Name)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil {
		t.ID = existing.ID
		_, err := s.exec(ctx, `
			UPDATE tools SET description = ?, entrypoint = ?, config = ?, embedding = ?, category = ?, is_active = ?, updated_at = ?
			WHERE id = ?`,
			t.Description, t.Entrypoint, marshalJSON(t.Config), marshalJSON(t.Embedding), t.Category, boolInt(t.IsActive), now, t.ID)
		if err != nil {
			return fmt.Errorf("failed to update tool: %w", err)
		}
		return nil
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Category == "" {
		t.Category = "utility"
	}
	_, err = s.exec(ctx, `
		INSERT INTO tools (id, name, description, entrypoint, config, embedding, category, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.Entrypoint, marshalJSON(t.Config), marshalJSON(t.Embedding), t.Category, boolInt(t.IsActive), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert tool: %w", err)
	}
	return nil
}

func scanTool(scan func(dest ...any) error) (*Tool, error) {
	var t Tool
	var description, config, embedding sql.NullString
	var active int
	err := scan(&t.ID, &t.Name, &description, &t.Entrypoint, &config, &embedding, &t.Category, &active, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tool: %w", err)
	}
	t.Description = description.String
	t.IsActive = active != 0
	if config.String != "" {
		_ = json.Unmarshal([]byte(config.String), &t.Config)
	}
	if embedding.String != "" {
		_ = json.Unmarshal([]byte(embedding.String), &t.Embedding)
	}
	return &t, nil
}

const toolColumns = `id, name, description, entrypoint, config, embedding, category, is_active, created_at, updated_at`

// GetToolByName looks up a tool by its case-insensitive logical name.
func (s *Store) GetToolByName(ctx context.Context, name string) (*Tool, error) {
	row := s.queryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE LOWER(name) = LOWER(?)`, name)
	return scanTool(row.Scan)
}

// ListTools returns the full catalog; activeOnly filters out disabled rows.
func (s *Store) ListTools(ctx context.Context, activeOnly bool) ([]Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools ORDER BY name`
	if activeOnly {
		query = `SELECT ` + toolColumns + ` FROM tools WHERE is_active = 1 ORDER BY name`
	}
	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var tools []Tool
	for rows.Next() {
		t, err := scanTool(rows.Scan)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *t)
	}
	return tools, rows.Err()
}

// SetToolEmbedding stores the description embedding used by retrieval.
func (s *Store) SetToolEmbedding(ctx context.Context, id string, embedding []float32) error {
	res, err := s.exec(ctx, `UPDATE tools SET embedding = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(embedding), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set tool embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CatalogGeneration is a cheap change marker for the catalog: the most recent
// tool update timestamp. Pollers compare it to detect admin edits.
func (s *Store) CatalogGeneration(ctx context.Context) (time.Time, error) {
	var max sql.NullTime
	err := s.queryRow(ctx, `SELECT MAX(updated_at) FROM tools`).Scan(&max)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read catalog generation: %w", err)
	}
	return max.Time, nil
}

// CreateTemplate inserts a template with no versions yet.
func (s *Store) CreateTemplate(ctx context.Context, name, description string) (*Template, error) {
	now := time.Now().UTC()
	t := &Template{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.exec(ctx, `
		INSERT INTO agent_templates (id, name, description, active_version_id, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?)`,
		t.ID, t.Name, t.Description, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	return t, nil
}

func scanTemplate(scan func(dest ...any) error) (*Template, error) {
	var t Template
	var description, activeVersion sql.NullString
	err := scan(&t.ID, &t.Name, &description, &activeVersion, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}
	t.Description = description.String
	t.ActiveVersionID = activeVersion.String
	return &t, nil
}

// GetTemplateByName looks up a template by its unique name.
func (s *Store) GetTemplateByName(ctx context.Context, name string) (*Template, error) {
	row := s.queryRow(ctx, `
		SELECT id, name, description, active_version_id, created_at, updated_at
		FROM agent_templates WHERE name = ?`, name)
	return scanTemplate(row.Scan)
}

// GetTemplate loads one template row by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*Template, error) {
	row := s.queryRow(ctx, `
		SELECT id, name, description, active_version_id, created_at, updated_at
		FROM agent_templates WHERE id = ?`, id)
	return scanTemplate(row.Scan)
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.query(ctx, `
		SELECT id, name, description, active_version_id, created_at, updated_at
		FROM agent_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

// CreateTemplateVersion appends a version and atomically makes it the single
// active one: the previous active version is deactivated and the template's
// pointer moves in the same transaction.
func (s *Store) CreateTemplateVersion(ctx context.Context, templateID string, settings map[string]any, tools []string) (*TemplateVersion, error) {
	now := time.Now().UTC()
	v := &TemplateVersion{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		Settings:   settings,
		Tools:      tools,
		IsActive:   true,
		CreatedAt:  now,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var maxVersion sql.NullInt64
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT MAX(version) FROM template_versions WHERE template_id = ?`), templateID).Scan(&maxVersion)
		if err != nil {
			return fmt.Errorf("failed to read version number: %w", err)
		}
		v.Version = int(maxVersion.Int64) + 1

		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE template_versions SET is_active = 0 WHERE template_id = ?`), templateID)
		if err != nil {
			return fmt.Errorf("failed to deactivate versions: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO template_versions (id, template_id, version, settings, tools, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)`),
			v.ID, v.TemplateID, v.Version, marshalJSON(v.Settings), marshalJSON(v.Tools), now)
		if err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE agent_templates SET active_version_id = ?, updated_at = ? WHERE id = ?`),
			v.ID, now, templateID)
		if err != nil {
			return fmt.Errorf("failed to move active version pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func scanVersion(scan func(dest ...any) error) (*TemplateVersion, error) {
	var v TemplateVersion
	var settings, tools string
	var active int
	err := scan(&v.ID, &v.TemplateID, &v.Version, &settings, &tools, &active, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan template version: %w", err)
	}
	v.IsActive = active != 0
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &v.Settings); err != nil {
			return nil, fmt.Errorf("failed to decode version settings: %w", err)
		}
	}
	if tools != "" {
		if err := json.Unmarshal([]byte(tools), &v.Tools); err != nil {
			return nil, fmt.Errorf("failed to decode version tools: %w", err)
		}
	}
	return &v, nil
}

// GetTemplateVersion loads one version by id.
func (s *Store) GetTemplateVersion(ctx context.Context, id string) (*TemplateVersion, error) {
	row := s.queryRow(ctx, `
		SELECT id, template_id, version, settings, tools, is_active, created_at
		FROM template_versions WHERE id = ?`, id)
	return scanVersion(row.Scan)
}

// GetActiveVersion returns the template's single active version.
func (s *Store) GetActiveVersion(ctx context.Context, templateID string) (*TemplateVersion, error) {
	row := s.queryRow(ctx, `
		SELECT id, template_id, version, settings, tools, is_active, created_at
		FROM template_versions WHERE template_id = ? AND is_active = 1`, templateID)
	return scanVersion(row.Scan)
}

// UpsertSystemPrompt writes a process-wide default prompt.
func (s *Store) UpsertSystemPrompt(ctx context.Context, p *SystemPrompt) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE system_prompts SET content = ?, placeholders = ?, updated_at = ? WHERE name = ?`,
		p.Content, marshalJSON(p.Placeholders), now, p.Name)
	if err != nil {
		return fmt.Errorf("failed to update system prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.exec(ctx, `INSERT INTO system_prompts (name, content, placeholders, updated_at) VALUES (?, ?, ?, ?)`,
		p.Name, p.Content, marshalJSON(p.Placeholders), now)
	if err != nil {
		return fmt.Errorf("failed to insert system prompt: %w", err)
	}
	return nil
}

// GetSystemPrompt loads a default prompt by name.
func (s *Store) GetSystemPrompt(ctx context.Context, name string) (*SystemPrompt, error) {
	var p SystemPrompt
	var placeholders sql.NullString
	row := s.queryRow(ctx, `SELECT name, content, placeholders, updated_at FROM system_prompts WHERE name = ?`, name)
	err := row.Scan(&p.Name, &p.Content, &placeholders, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load system prompt: %w", err)
	}
	if placeholders.String != "" {
		_ = json.Unmarshal([]byte(placeholders.String), &p.Placeholders)
	}
	return &p, nil
}
