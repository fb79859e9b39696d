package events

import (
	"sync"

	"github.com/taskgate/taskgate/internal/store"
)

// Bus fans out committed events to SSE subscribers in real time. Subscribers
// are keyed by workspace; an empty workspace subscribes to everything.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan *store.Event]*subscriber
}

type subscriber struct {
	ch          chan *store.Event
	workspaceID string
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[<-chan *store.Event]*subscriber),
	}
}

// Subscribe registers a listener for one workspace's events. The caller must
// call Unsubscribe when done.
func (b *Bus) Subscribe(workspaceID string) <-chan *store.Event {
	ch := make(chan *store.Event, 64)
	b.mu.Lock()
	b.subs[ch] = &subscriber{ch: ch, workspaceID: workspaceID}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan *store.Event) {
	b.mu.Lock()
	if sub, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all matching subscribers without blocking.
// Slow consumers that can't keep up will miss events.
func (b *Bus) Publish(e *store.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.workspaceID != "" && sub.workspaceID != e.WorkspaceID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}
