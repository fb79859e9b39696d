package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/taskgate/taskgate/internal/store"
)

func (d *DB) GetSpecCacheEntry(
	ctx context.Context, specURL, schemaVersion string,
) (*store.SpecCacheEntry, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT spec_url, schema_version, blob_id, size_bytes, created_at
		FROM prepared_specs WHERE spec_url = ? AND schema_version = ?`,
		specURL, schemaVersion)

	var e store.SpecCacheEntry
	var createdAt string
	err := row.Scan(&e.SpecURL, &e.SchemaVersion, &e.BlobID, &e.SizeBytes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// PutSpecCacheEntry replaces any prior entry for the key. The displaced blob
// id is returned so the caller can delete it best-effort; racing writers may
// displace each other and the last write wins.
func (d *DB) PutSpecCacheEntry(ctx context.Context, e *store.SpecCacheEntry) (string, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var displaced string
	err := d.withTx(ctx, func(q queryable) error {
		row := q.QueryRowContext(ctx, `
			SELECT blob_id FROM prepared_specs
			WHERE spec_url = ? AND schema_version = ?`,
			e.SpecURL, e.SchemaVersion)
		if err := row.Scan(&displaced); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err := q.ExecContext(ctx, `
			INSERT INTO prepared_specs (spec_url, schema_version, blob_id, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (spec_url, schema_version)
			DO UPDATE SET blob_id = excluded.blob_id, size_bytes = excluded.size_bytes,
				created_at = excluded.created_at`,
			e.SpecURL, e.SchemaVersion, e.BlobID, e.SizeBytes, formatTime(e.CreatedAt),
		)
		return err
	})
	if err != nil {
		return "", err
	}
	if displaced == e.BlobID {
		displaced = ""
	}
	return displaced, nil
}

func (d *DB) PruneSpecCache(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}

	var blobIDs []string
	err := d.withTx(ctx, func(q queryable) error {
		rows, err := q.QueryContext(ctx, `
			SELECT spec_url, schema_version, blob_id FROM prepared_specs
			WHERE created_at < ? LIMIT ?`,
			formatTime(cutoff), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		type key struct{ url, ver string }
		var keys []key
		for rows.Next() {
			var k key
			var blobID string
			if err := rows.Scan(&k.url, &k.ver, &blobID); err != nil {
				return err
			}
			keys = append(keys, k)
			blobIDs = append(blobIDs, blobID)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, k := range keys {
			if _, err := q.ExecContext(ctx,
				`DELETE FROM prepared_specs WHERE spec_url = ? AND schema_version = ?`,
				k.url, k.ver,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blobIDs, nil
}
