package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/openparish/parishd/internal/domain"
	"github.com/openparish/parishd/internal/metrics"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventRoleChange     EventKind = "role_change"
	EventSessionCleanup EventKind = "session_cleanup"
	EventNetworkChange  EventKind = "network_change"
	EventAuthState      EventKind = "auth_state"
)

// Event is a lifecycle notification delivered to registered observers.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// RoleChangePayload accompanies EventRoleChange.
type RoleChangePayload struct {
	UserID      string          `json:"user_id"`
	Role        domain.UserRole `json:"role"`
	IsAdmin     bool            `json:"is_admin"`
	IsSuperUser bool            `json:"is_super_user"`
}

// Registry fans lifecycle events out to observers. Delivery is synchronous
// and in subscription order; observers must not block.
type Registry struct {
	clock clockwork.Clock

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// NewRegistry creates an event registry.
func NewRegistry(clock clockwork.Clock) *Registry {
	return &Registry{clock: clock, subs: make(map[int]func(Event))}
}

// Subscribe registers an observer and returns its unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// Emit delivers the event to every observer in subscription order.
func (r *Registry) Emit(kind EventKind, payload any) {
	metrics.EventsEmitted.WithLabelValues(string(kind)).Inc()
	event := Event{ID: uuid.NewString(), Kind: kind, At: r.clock.Now(), Payload: payload}

	r.mu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, r.subs[id])
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}
