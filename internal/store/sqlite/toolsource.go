package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/taskgate/taskgate/internal/store"
)

const sourceColumns = `id, workspace_id, name, type, enabled, config, created_at, updated_at`

func (d *DB) CreateToolSource(ctx context.Context, s *store.ToolSource) error {
	if s.ID == "" {
		s.ID = "src_" + uuid.NewString()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO tool_sources
			(id, workspace_id, name, type, enabled, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkspaceID, s.Name, s.Type, s.Enabled,
		normalizeJSON(s.Config, "{}"), formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	return mapConstraintError(err)
}

func (d *DB) GetToolSource(ctx context.Context, id string) (*store.ToolSource, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM tool_sources WHERE id = ?`, id)
	return scanToolSource(row)
}

func (d *DB) GetToolSourceByName(ctx context.Context, workspaceID, name string) (*store.ToolSource, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM tool_sources WHERE workspace_id = ? AND name = ?`,
		workspaceID, name)
	return scanToolSource(row)
}

func (d *DB) ListEnabledToolSources(ctx context.Context, workspaceID string) ([]store.ToolSource, error) {
	return d.listToolSources(ctx,
		`SELECT `+sourceColumns+` FROM tool_sources
		WHERE workspace_id = ? AND enabled = 1 ORDER BY id ASC`, workspaceID)
}

func (d *DB) ListToolSources(ctx context.Context, workspaceID string) ([]store.ToolSource, error) {
	return d.listToolSources(ctx,
		`SELECT `+sourceColumns+` FROM tool_sources
		WHERE workspace_id = ? ORDER BY id ASC`, workspaceID)
}

func (d *DB) listToolSources(ctx context.Context, query string, args ...any) ([]store.ToolSource, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ToolSource
	for rows.Next() {
		s, err := scanToolSourceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (d *DB) UpdateToolSource(ctx context.Context, s *store.ToolSource) error {
	s.UpdatedAt = time.Now().UTC()
	res, err := d.q.ExecContext(ctx, `
		UPDATE tool_sources
		SET name = ?, type = ?, enabled = ?, config = ?, updated_at = ?
		WHERE id = ?`,
		s.Name, s.Type, s.Enabled, normalizeJSON(s.Config, "{}"),
		formatTime(s.UpdatedAt), s.ID,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return checkRowsAffected(res)
}

func (d *DB) DeleteToolSource(ctx context.Context, id string) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM tool_sources WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func scanToolSource(row *sql.Row) (*store.ToolSource, error) {
	s, err := scanToolSourceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return s, err
}

func scanToolSourceRow(row rowScanner) (*store.ToolSource, error) {
	var s store.ToolSource
	var config, createdAt, updatedAt string
	err := row.Scan(
		&s.ID, &s.WorkspaceID, &s.Name, &s.Type, &s.Enabled, &config,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Config = []byte(config)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}
