package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/taskgate/taskgate/internal/store"
)

const approvalColumns = `id, task_id, workspace_id, tool_path, input, status,
	reviewer_id, reason, created_at, resolved_at`

func (d *DB) CreateApproval(ctx context.Context, a *store.Approval) error {
	if a.ID == "" {
		a.ID = "approval_" + uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = store.ApprovalPending
	}

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO approvals
			(id, task_id, workspace_id, tool_path, input, status,
			 reviewer_id, reason, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.WorkspaceID, a.ToolPath, normalizeJSON(a.Input, "{}"),
		a.Status, a.ReviewerID, a.Reason, formatTime(a.CreatedAt),
		formatTimePtr(a.ResolvedAt),
	)
	return mapConstraintError(err)
}

func (d *DB) GetApproval(ctx context.Context, id string) (*store.Approval, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

func (d *DB) GetApprovalInWorkspace(ctx context.Context, id, workspaceID string) (*store.Approval, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ? AND workspace_id = ?`,
		id, workspaceID)
	return scanApproval(row)
}

// ResolveApproval transitions pending → approved|denied. ErrConflict when the
// row exists but has already been resolved.
func (d *DB) ResolveApproval(
	ctx context.Context, id string, status store.ApprovalStatus, reviewerID, reason string,
) (*store.Approval, error) {
	now := time.Now().UTC()
	res, err := d.q.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, reviewer_id = ?, reason = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		status, reviewerID, reason, formatTime(now), id, store.ApprovalPending,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := d.GetApproval(ctx, id); err != nil {
			return nil, err
		}
		return nil, store.ErrConflict
	}
	return d.GetApproval(ctx, id)
}

func (d *DB) ListPendingApprovals(ctx context.Context, workspaceID string) ([]store.Approval, error) {
	return d.ListApprovals(ctx, workspaceID, store.ApprovalPending)
}

func (d *DB) ListApprovals(
	ctx context.Context, workspaceID string, status store.ApprovalStatus,
) ([]store.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE workspace_id = ?`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Approval
	for rows.Next() {
		a, err := scanApprovalRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanApproval(row *sql.Row) (*store.Approval, error) {
	a, err := scanApprovalRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return a, err
}

func scanApprovalRow(row rowScanner) (*store.Approval, error) {
	var a store.Approval
	var input, createdAt string
	var resolvedAt *string
	err := row.Scan(
		&a.ID, &a.TaskID, &a.WorkspaceID, &a.ToolPath, &input, &a.Status,
		&a.ReviewerID, &a.Reason, &createdAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Input = []byte(input)
	a.CreatedAt = parseTime(createdAt)
	a.ResolvedAt = parseTimePtr(resolvedAt)
	return &a, nil
}
