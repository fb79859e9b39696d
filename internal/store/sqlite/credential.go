package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskgate/taskgate/internal/store"
)

const credentialColumns = `id, workspace_id, source_key, scope, actor_id,
	provider, payload, created_at, updated_at`

// PutCredential upserts on the (workspace, source_key, scope, actor) tuple.
func (d *DB) PutCredential(ctx context.Context, c *store.Credential) error {
	if c.Scope == store.CredScopeActor && c.ActorID == "" {
		return fmt.Errorf("actor-scoped credential requires actor_id")
	}
	if c.ID == "" {
		c.ID = "cred_" + uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO credentials
			(id, workspace_id, source_key, scope, actor_id, provider, payload,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, source_key, scope, actor_id)
		DO UPDATE SET provider = excluded.provider, payload = excluded.payload,
			updated_at = excluded.updated_at`,
		c.ID, c.WorkspaceID, c.SourceKey, c.Scope, c.ActorID, c.Provider,
		c.Payload, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return err
}

func (d *DB) GetCredential(
	ctx context.Context, workspaceID, sourceKey, scope, actorID string,
) (*store.Credential, error) {
	if scope != store.CredScopeActor {
		actorID = ""
	}
	row := d.q.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE workspace_id = ? AND source_key = ? AND scope = ? AND actor_id = ?`,
		workspaceID, sourceKey, scope, actorID)
	return scanCredential(row)
}

func (d *DB) ListCredentials(ctx context.Context, workspaceID string) ([]store.Credential, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		WHERE workspace_id = ? ORDER BY source_key ASC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Credential
	for rows.Next() {
		c, err := scanCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (d *DB) DeleteCredential(ctx context.Context, id string) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func scanCredential(row *sql.Row) (*store.Credential, error) {
	c, err := scanCredentialRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func scanCredentialRow(row rowScanner) (*store.Credential, error) {
	var c store.Credential
	var createdAt, updatedAt string
	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.SourceKey, &c.Scope, &c.ActorID,
		&c.Provider, &c.Payload, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
