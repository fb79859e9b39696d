package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskgate/taskgate/internal/store"
)

// Log is the append-only per-task event log. Appends are write-through to the
// store; the bus sees an event only after its append has committed. Events
// are never rewritten or deleted.
type Log struct {
	store store.EventStore
	bus   *Bus // optional (nil-safe)
}

// NewLog creates an event Log.
func NewLog(s store.EventStore, bus *Bus) *Log {
	return &Log{store: s, bus: bus}
}

// Append records one event for a task, assigning the next per-task sequence.
// Storage errors propagate to the caller; nothing is buffered or retried.
func (l *Log) Append(
	ctx context.Context, taskID, workspaceID, category, typ string, payload any,
) (*store.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	e := &store.Event{
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		Category:    category,
		Type:        typ,
		Payload:     raw,
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("append event %s: %w", typ, err)
	}

	if l.bus != nil {
		l.bus.Publish(e)
	}
	return e, nil
}

// ListByTask returns all committed events for a task in sequence order.
func (l *Log) ListByTask(ctx context.Context, taskID string) ([]store.Event, error) {
	return l.store.ListEventsByTask(ctx, taskID)
}
