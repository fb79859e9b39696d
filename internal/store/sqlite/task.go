package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskgate/taskgate/internal/store"
)

const taskColumns = `id, code, runtime_id, timeout_ms, metadata, workspace_id,
	actor_id, client_id, status, stdout, stderr, exit_code, error,
	created_at, started_at, completed_at`

func (d *DB) CreateTask(ctx context.Context, t *store.Task) error {
	if strings.TrimSpace(t.Code) == "" {
		return fmt.Errorf("task code must not be empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = store.TaskQueued
	}
	if t.TimeoutMs <= 0 {
		t.TimeoutMs = 300_000
	}

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO tasks
			(id, code, runtime_id, timeout_ms, metadata, workspace_id,
			 actor_id, client_id, status, stdout, stderr, exit_code, error,
			 created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Code, t.RuntimeID, t.TimeoutMs, normalizeJSON(t.Metadata, "{}"),
		t.WorkspaceID, t.ActorID, t.ClientID, t.Status, t.Stdout, t.Stderr,
		t.ExitCode, t.Error, formatTime(t.CreatedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
	)
	return mapConstraintError(err)
}

func (d *DB) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (d *DB) GetTaskInWorkspace(ctx context.Context, id, workspaceID string) (*store.Task, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND workspace_id = ?`,
		id, workspaceID)
	return scanTask(row)
}

// MarkTaskRunning promotes queued → running. The WHERE guard makes the
// transition atomic; the second worker to arrive gets (nil, nil).
func (d *DB) MarkTaskRunning(ctx context.Context, id string) (*store.Task, error) {
	now := time.Now().UTC()
	res, err := d.q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		store.TaskRunning, formatTime(now), id, store.TaskQueued,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return d.GetTask(ctx, id)
}

// MarkTaskFinished records a terminal state. Terminal states are absorbing:
// the update only fires when the row is not already terminal.
func (d *DB) MarkTaskFinished(ctx context.Context, id string, r store.TaskResult) (*store.Task, error) {
	if !r.Status.Terminal() {
		return nil, fmt.Errorf("status %q is not terminal", r.Status)
	}
	now := time.Now().UTC()
	res, err := d.q.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, stdout = ?, stderr = ?, exit_code = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		r.Status, r.Stdout, r.Stderr, r.ExitCode, r.Error, formatTime(now),
		id, store.TaskQueued, store.TaskRunning,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return d.GetTask(ctx, id)
}

func (d *DB) ListQueuedTaskIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.q.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ?
		ORDER BY created_at ASC LIMIT ?`, store.TaskQueued, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *DB) ListTasks(ctx context.Context, workspaceID string) ([]store.Task, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*store.Task, error) {
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

func scanTaskRow(row rowScanner) (*store.Task, error) {
	var t store.Task
	var metadata string
	var createdAt string
	var startedAt, completedAt *string
	err := row.Scan(
		&t.ID, &t.Code, &t.RuntimeID, &t.TimeoutMs, &metadata, &t.WorkspaceID,
		&t.ActorID, &t.ClientID, &t.Status, &t.Stdout, &t.Stderr, &t.ExitCode,
		&t.Error, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Metadata = []byte(metadata)
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}
