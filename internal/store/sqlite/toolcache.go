package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskgate/taskgate/internal/store"
)

func (d *DB) GetToolCacheEntry(ctx context.Context, workspaceID string) (*store.ToolCacheEntry, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT workspace_id, signature, snapshot_blob_id, dts_blob_ids, created_at
		FROM workspace_tool_cache WHERE workspace_id = ?`, workspaceID)

	var e store.ToolCacheEntry
	var dts, createdAt string
	err := row.Scan(&e.WorkspaceID, &e.Signature, &e.SnapshotBlobID, &dts, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dts), &e.DTSBlobIDs); err != nil {
		e.DTSBlobIDs = nil
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// PutToolCacheEntry replaces the workspace's cache entry and reports the blob
// ids the write displaced so the caller can delete them best-effort.
func (d *DB) PutToolCacheEntry(ctx context.Context, e *store.ToolCacheEntry) ([]string, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	dts, err := json.Marshal(e.DTSBlobIDs)
	if err != nil {
		return nil, err
	}

	var displaced []string
	err = d.withTx(ctx, func(q queryable) error {
		row := q.QueryRowContext(ctx, `
			SELECT snapshot_blob_id, dts_blob_ids FROM workspace_tool_cache
			WHERE workspace_id = ?`, e.WorkspaceID)
		var priorSnapshot, priorDTS string
		if err := row.Scan(&priorSnapshot, &priorDTS); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		} else {
			displaced = append(displaced, priorSnapshot)
			var ids map[string]string
			if err := json.Unmarshal([]byte(priorDTS), &ids); err == nil {
				for _, id := range ids {
					displaced = append(displaced, id)
				}
			}
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO workspace_tool_cache
				(workspace_id, signature, snapshot_blob_id, dts_blob_ids, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (workspace_id)
			DO UPDATE SET signature = excluded.signature,
				snapshot_blob_id = excluded.snapshot_blob_id,
				dts_blob_ids = excluded.dts_blob_ids,
				created_at = excluded.created_at`,
			e.WorkspaceID, e.Signature, e.SnapshotBlobID, string(dts),
			formatTime(e.CreatedAt),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	keep := map[string]struct{}{e.SnapshotBlobID: {}}
	for _, id := range e.DTSBlobIDs {
		keep[id] = struct{}{}
	}
	out := displaced[:0]
	for _, id := range displaced {
		if _, ok := keep[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *DB) PutBlob(ctx context.Context, id string, data []byte) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO blobs (id, data, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		id, data, formatTime(time.Now().UTC()),
	)
	return err
}

func (d *DB) GetBlob(ctx context.Context, id string) ([]byte, error) {
	row := d.q.QueryRowContext(ctx, `SELECT data FROM blobs WHERE id = ?`, id)
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return data, err
}

func (d *DB) DeleteBlob(ctx context.Context, id string) error {
	_, err := d.q.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	return err
}
