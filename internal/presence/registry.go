// Package presence tracks which chat identities are currently connected.
// A connection gains a presence entry when its client identifies with a
// phone number; the registry counts distinct phones, so a user with two
// open tabs is reported as one connected user.
package presence

import (
	"sort"
	"sync"
)

// Identity is a logical chat participant. Phone is the unique key; Name is
// cosmetic and follows the most recent identify for that phone.
type Identity struct {
	Name  string
	Phone string
}

// phoneRef tracks how many live connections are bound to one phone.
type phoneRef struct {
	conns int
	name  string
}

// Registry is the process-wide table of currently connected identities.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	byConn  map[string]Identity  // connection ID -> bound identity
	byPhone map[string]*phoneRef // phone -> live connection refcount
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byConn:  make(map[string]Identity),
		byPhone: make(map[string]*phoneRef),
	}
}

// Bind associates a connection with an identity. A connection holds at most
// one entry: re-identifying rebinds it (last call wins). Bind reports whether
// the registry changed, so callers know when to push a presence update.
// Identities with an empty phone must be filtered out by the caller.
func (r *Registry) Bind(connID string, id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, bound := r.byConn[connID]
	if bound && old == id {
		return false
	}
	if bound {
		r.unbindLocked(connID, old)
	}

	r.byConn[connID] = id
	ref, ok := r.byPhone[id.Phone]
	if !ok {
		ref = &phoneRef{}
		r.byPhone[id.Phone] = ref
	}
	ref.conns++
	ref.name = id.Name
	return true
}

// Remove drops the presence entry for a connection. It reports whether an
// entry existed; removing a connection that never identified is a no-op.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connID]
	if !ok {
		return false
	}
	r.unbindLocked(connID, id)
	return true
}

// unbindLocked removes one connection's binding and decrements the phone
// refcount, deleting the phone entry when its last connection goes away.
// Callers must hold r.mu.
func (r *Registry) unbindLocked(connID string, id Identity) {
	delete(r.byConn, connID)
	if ref, ok := r.byPhone[id.Phone]; ok {
		ref.conns--
		if ref.conns <= 0 {
			delete(r.byPhone, id.Phone)
		}
	}
}

// Count returns the number of distinct identities (by phone) with at least
// one live bound connection.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.byPhone)
	r.mu.Unlock()
	return n
}

// Users returns a snapshot of the connected identities, one per phone,
// ordered by phone for deterministic output.
func (r *Registry) Users() []Identity {
	r.mu.Lock()
	users := make([]Identity, 0, len(r.byPhone))
	for phone, ref := range r.byPhone {
		users = append(users, Identity{Name: ref.name, Phone: phone})
	}
	r.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i].Phone < users[j].Phone })
	return users
}

// Identity returns the identity bound to a connection, if any.
func (r *Registry) Identity(connID string) (Identity, bool) {
	r.mu.Lock()
	id, ok := r.byConn[connID]
	r.mu.Unlock()
	return id, ok
}
