// Package registry tracks the set of live chat sessions. Membership mutation
// and snapshot enumeration share one lock; snapshots are point-in-time copies
// so concurrent join/leave never corrupts an in-flight fan-out.
package registry

import (
	"sort"
	"sync"

	"github.com/parley-chat/parley/internal/protocol"
)

// Peer is the registry's view of a connected session: identity plus a
// non-blocking delivery path into its outbound queue.
type Peer interface {
	UID() string
	Username() string
	Deliver(env protocol.Envelope) error
}

// SessionRegistry keeps track of sessions connected to the relay.
type SessionRegistry interface {
	Register(p Peer) bool
	Unregister(uid string) bool
	Lookup(username string) (Peer, bool)
	Snapshot() []Peer
	Len() int
}

// InMemoryRegistry is a map-backed registry keyed by session uid.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemoryRegistry {
	return &InMemoryRegistry{
		peers: make(map[string]Peer),
	}
}

// Register adds a session to the live set. It reports false, without
// replacing the entry, if the uid is already registered.
func (r *InMemoryRegistry) Register(p Peer) bool {
	if p == nil || p.UID() == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[p.UID()]; exists {
		return false
	}
	r.peers[p.UID()] = p
	return true
}

// Unregister removes a session by uid. It is idempotent: the second call for
// the same uid reports false and changes nothing. This guards the dual
// removal paths (graceful leave vs. transport-failure cleanup).
func (r *InMemoryRegistry) Unregister(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[uid]; !ok {
		return false
	}
	delete(r.peers, uid)
	return true
}

// Lookup finds the session currently bound to a username.
func (r *InMemoryRegistry) Lookup(username string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.peers {
		if p.Username() == username {
			return p, true
		}
	}
	return nil, false
}

// Snapshot returns a point-in-time copy of the live set, ordered by uid.
// Entries may go stale before a send reaches them; callers tolerate that.
func (r *InMemoryRegistry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID() < out[j].UID() })
	return out
}

// Len reports the current number of registered sessions.
func (r *InMemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
