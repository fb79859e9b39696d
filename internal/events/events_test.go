package events

import (
	"context"
	"sync"
	"testing"

	"github.com/taskgate/taskgate/internal/store"
)

// fakeEventStore records appends and assigns sequences in memory.
type fakeEventStore struct {
	mu     sync.Mutex
	events []store.Event
}

func (f *fakeEventStore) AppendEvent(_ context.Context, e *store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := int64(1)
	for _, prior := range f.events {
		if prior.TaskID == e.TaskID {
			seq++
		}
	}
	e.Seq = seq
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeEventStore) ListEventsByTask(_ context.Context, taskID string) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Event
	for _, e := range f.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestLogAppendPublishesAfterCommit(t *testing.T) {
	fs := &fakeEventStore{}
	bus := NewBus()
	log := NewLog(fs, bus)

	ch := bus.Subscribe("default")
	defer bus.Unsubscribe(ch)

	e, err := log.Append(context.Background(), "task_1", "default",
		store.EventCategoryTask, TypeTaskQueued,
		&TaskStatusPayload{TaskID: "task_1", Status: "queued"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.Seq != 1 {
		t.Fatalf("seq = %d, want 1", e.Seq)
	}

	select {
	case got := <-ch:
		if got.Type != TypeTaskQueued || got.TaskID != "task_1" {
			t.Fatalf("unexpected event on bus: %+v", got)
		}
	default:
		t.Fatal("expected event on bus after append")
	}
}

func TestBusWorkspaceFiltering(t *testing.T) {
	bus := NewBus()

	teamA := bus.Subscribe("team-a")
	defer bus.Unsubscribe(teamA)
	all := bus.Subscribe("")
	defer bus.Unsubscribe(all)

	bus.Publish(&store.Event{TaskID: "task_1", WorkspaceID: "team-b", Type: TypeTaskCreated})

	select {
	case e := <-teamA:
		t.Fatalf("team-a subscriber got foreign event: %+v", e)
	default:
	}
	select {
	case <-all:
	default:
		t.Fatal("wildcard subscriber missed the event")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("default")
	defer bus.Unsubscribe(ch)

	// Channel capacity is 64; the overflow publish must not block.
	for i := 0; i < 70; i++ {
		bus.Publish(&store.Event{TaskID: "task_1", WorkspaceID: "default", Type: TypeTaskStdout})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained != 64 {
		t.Fatalf("drained %d events, want the buffer size", drained)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("default")
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(&store.Event{WorkspaceID: "default", Type: TypeTaskCreated})
}
