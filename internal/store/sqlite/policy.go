package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/taskgate/taskgate/internal/store"
)

func (d *DB) CreateAccessPolicy(ctx context.Context, p *store.AccessPolicy) error {
	if p.ID == "" {
		p.ID = "policy_" + uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO access_policies
			(id, workspace_id, actor_id, client_id, pattern, decision, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.ActorID, p.ClientID, p.Pattern, p.Decision,
		p.Priority, formatTime(p.CreatedAt),
	)
	return err
}

func (d *DB) ListAccessPolicies(ctx context.Context, workspaceID string) ([]store.AccessPolicy, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, workspace_id, actor_id, client_id, pattern, decision, priority, created_at
		FROM access_policies WHERE workspace_id = ? ORDER BY created_at ASC`,
		workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AccessPolicy
	for rows.Next() {
		var p store.AccessPolicy
		var createdAt string
		if err := rows.Scan(
			&p.ID, &p.WorkspaceID, &p.ActorID, &p.ClientID, &p.Pattern,
			&p.Decision, &p.Priority, &createdAt,
		); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) DeleteAccessPolicy(ctx context.Context, id string) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM access_policies WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}
