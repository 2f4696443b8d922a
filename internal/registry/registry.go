// Package registry maps user identities to their live transport connections.
// A user may be connected from several devices at once; every fan-out reaches
// all of them.
package registry

import (
	"log"
	"sync"

	"github.com/whisper/courier/internal/protocol"
)

// Conn is a live transport connection able to receive an encoded event.
// Implementations must be comparable (pointer types) since connection
// identity is the map key.
type Conn interface {
	WriteMessage(data []byte) error
}

// Registry is a goroutine-safe user -> connections index.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[Conn]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		users: make(map[string]map[Conn]struct{}),
	}
}

// Register adds c to userID's connection set. Registering the same
// connection twice is a no-op.
func (r *Registry) Register(userID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[Conn]struct{})
		r.users[userID] = conns
	}
	conns[c] = struct{}{}
}

// Unregister removes c from userID's set and deletes the user entry once it
// is empty. It reports how many connections the user still has. Removing a
// connection that is not registered is a no-op.
func (r *Registry) Unregister(userID string, c Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return 0
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.users, userID)
		return 0
	}
	return len(conns)
}

// Count returns the number of live connections for userID.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	n := len(r.users[userID])
	r.mu.RUnlock()
	return n
}

// IsConnected reports whether userID has at least one live connection.
func (r *Registry) IsConnected(userID string) bool {
	return r.Count(userID) > 0
}

// Users returns the number of users with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	n := len(r.users)
	r.mu.RUnlock()
	return n
}

// snapshot copies userID's connections so writes happen without the lock.
func (r *Registry) snapshot(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// Send writes pre-encoded data to every live connection of userID and
// reports whether at least one write succeeded. Every connection is
// attempted even after the first success.
func (r *Registry) Send(userID string, data []byte) bool {
	delivered := false
	for _, c := range r.snapshot(userID) {
		if err := c.WriteMessage(data); err != nil {
			log.Printf("[registry] write to user=%s failed: %v", userID, err)
			continue
		}
		delivered = true
	}
	return delivered
}

// FanOut encodes payload as a msgType server event and sends it to every
// live connection of userID. It returns true iff at least one connection
// accepted the event.
func (r *Registry) FanOut(userID, msgType string, payload interface{}) bool {
	if r.Count(userID) == 0 {
		return false
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[registry] encode %s for user=%s: %v", msgType, userID, err)
		return false
	}
	return r.Send(userID, data)
}

// Prune drops user entries whose connection set is empty. Unregister never
// leaves such entries behind; Prune exists so the maintenance sweep can
// assert that and repair it if a future code path does. It returns the
// number of entries removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for userID, conns := range r.users {
		if len(conns) == 0 {
			delete(r.users, userID)
			removed++
		}
	}
	return removed
}
