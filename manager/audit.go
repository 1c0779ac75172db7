package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codepal-dev/pluginhost/plugin"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventInstalled   EventType = "installed"
	EventScanned     EventType = "scanned"
	EventApproved    EventType = "approved"
	EventRejected    EventType = "rejected"
	EventActivated   EventType = "activated"
	EventSuspended   EventType = "suspended"
	EventUninstalled EventType = "uninstalled"
	EventRevoked     EventType = "revoked"
	EventConfigured  EventType = "configured"
	EventUpgraded    EventType = "upgraded"
	EventRestored    EventType = "restored"
)

// Event is one entry of the lifecycle audit trail.
type Event struct {
	ID       string       `json:"id"`
	Type     EventType    `json:"type"`
	PluginID string       `json:"plugin_id"`
	Version  string       `json:"version,omitempty"`
	From     plugin.State `json:"from"`
	To       plugin.State `json:"to"`
	// Actor is the caller identity attached to the context, if any.
	Actor   string    `json:"actor,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// EventHandler receives lifecycle events after they are recorded.
type EventHandler func(Event)

type actorKey struct{}

// WithActor attaches the identity of the caller to ctx for audit events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the identity attached by WithActor.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func newEvent(ctx context.Context, typ EventType, id, version string, from, to plugin.State, msg string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     typ,
		PluginID: id,
		Version:  version,
		From:     from,
		To:       to,
		Actor:    ActorFrom(ctx),
		Message:  msg,
		At:       time.Now(),
	}
}

// ring is a bounded FIFO keeping the most recent items.
type ring[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
	full  bool
}

func newRing[T any](size int) *ring[T] {
	if size <= 0 {
		size = 1
	}
	return &ring[T]{items: make([]T, size)}
}

func (r *ring[T]) push(items ...T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		r.items[r.next] = it
		r.next = (r.next + 1) % len(r.items)
		if r.next == 0 {
			r.full = true
		}
	}
}

// last returns up to n items, oldest first. n <= 0 returns everything held.
func (r *ring[T]) last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.items)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, n)
	start := (r.next - n + len(r.items)) % len(r.items)
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}
