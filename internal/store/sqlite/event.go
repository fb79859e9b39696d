package sqlite

import (
	"context"
	"time"

	"github.com/taskgate/taskgate/internal/store"
)

// AppendEvent inserts the event with the next per-task sequence number. The
// subquery and insert run as one statement, so concurrent appenders for the
// same task cannot observe the same MAX(seq).
func (d *DB) AppendEvent(ctx context.Context, e *store.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	row := d.q.QueryRowContext(ctx, `
		INSERT INTO events (task_id, seq, workspace_id, category, type, payload, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE task_id = ?), ?, ?, ?, ?, ?)
		RETURNING seq`,
		e.TaskID, e.TaskID, e.WorkspaceID, e.Category, e.Type,
		normalizeJSON(e.Payload, "{}"), formatTime(e.CreatedAt),
	)
	return row.Scan(&e.Seq)
}

func (d *DB) ListEventsByTask(ctx context.Context, taskID string) ([]store.Event, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT task_id, seq, workspace_id, category, type, payload, created_at
		FROM events WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var e store.Event
		var payload, createdAt string
		if err := rows.Scan(
			&e.TaskID, &e.Seq, &e.WorkspaceID, &e.Category, &e.Type,
			&payload, &createdAt,
		); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
