package session

import (
	"math/rand"
	"sync"

	"github.com/xtaci/dnstun/internal/bus"
)

// Registry is the strictly single-goroutine-owned mapping from session_id
// to Session state (spec.md §4.5). The mutex exists only because
// input-driver constructors may inspect it from outside the loop
// goroutine (e.g. for diagnostics) — all mutating calls are expected to
// come from the loop goroutine, per spec.md §5.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint16]*Session
	bus      *bus.Bus
}

// NewRegistry returns an empty Registry that publishes SESSION_CLOSED on
// the given Bus when sessions are closed.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{
		sessions: make(map[uint16]*Session),
		bus:      b,
	}
}

// Create allocates a fresh, locally unique session_id and returns a new
// NEW-state Session for it.
func (r *Registry) Create() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id uint16
	for {
		id = uint16(rand.Intn(1 << 16))
		if _, exists := r.sessions[id]; !exists && id != 0 {
			break
		}
	}
	s := &Session{
		ID:     id,
		State:  NEW,
		MySeq:  uint16(rand.Intn(1 << 16)),
	}
	r.sessions[id] = s
	return s
}

// Lookup returns the Session for id, or nil if none exists (a "weak
// reference" per spec.md §5 — callers must handle the miss).
func (r *Registry) Lookup(id uint16) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Close publishes SESSION_CLOSED for id (if tracked) and removes it from
// the registry. Safe to call more than once for the same id.
func (r *Registry) Close(id uint16) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.State = CLOSED
	}
	r.mu.Unlock()

	if ok {
		r.bus.Post(bus.Message{
			Kind:    bus.SESSION_CLOSED,
			Session: &bus.SessionPayload{SessionID: id},
		})

		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
	}
}

// ForEach calls fn once per tracked session, in an unspecified order. fn
// must not mutate the registry (create/close) while iterating.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		fn(s)
	}
}
