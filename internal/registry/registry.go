// Package registry owns the mapping from identity to live connections and the
// per-identity presence records derived from it. It holds pure in-memory
// state behind a single mutex and performs no I/O of its own; the dispatcher
// and sweeper reference connections only by the snapshots it hands out.
package registry

import (
	"sync"
	"time"
)

// Presence is the derived online/offline state for one identity. Online is
// true iff the identity has at least one live connection; it is recomputed on
// every register/unregister, never mutated independently.
type Presence struct {
	Online      bool
	LastSeen    time.Time
	Connections int
}

// Registry is a thread-safe index of live connections. It supports O(1)
// lookups by connection ID and file descriptor and snapshot reads by
// identity.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Connection            // connection_id -> Connection
	byFd       map[int]*Connection               // fd -> Connection
	byIdentity map[string]map[string]*Connection // identity -> connection_id -> Connection
	presence   map[string]Presence               // identity -> derived presence
}

// New creates an empty Registry ready for use.
func New() *Registry {
	return &Registry{
		byID:       make(map[string]*Connection),
		byFd:       make(map[int]*Connection),
		byIdentity: make(map[string]map[string]*Connection),
		presence:   make(map[string]Presence),
	}
}

// Register adds the connection under its identity and flips the identity's
// presence to online. It never fails for a well-formed connection and
// returns the connection ID.
func (r *Registry) Register(c *Connection) string {
	r.mu.Lock()
	r.byID[c.ID] = c
	if c.Fd >= 0 {
		r.byFd[c.Fd] = c
	}
	conns, ok := r.byIdentity[c.Identity]
	if !ok {
		conns = make(map[string]*Connection)
		r.byIdentity[c.Identity] = conns
	}
	conns[c.ID] = c
	r.presence[c.Identity] = Presence{
		Online:      true,
		LastSeen:    time.Now(),
		Connections: len(conns),
	}
	r.mu.Unlock()
	return c.ID
}

// Unregister removes the connection by ID and closes its transport. It is
// idempotent: unregistering an already-removed ID is a no-op. It returns the
// owning identity, whether this was the identity's last connection (presence
// flipped to offline), and whether the connection was actually present.
func (r *Registry) Unregister(connID string) (identity string, wasLast bool, ok bool) {
	r.mu.Lock()
	c, found := r.byID[connID]
	if !found {
		r.mu.Unlock()
		return "", false, false
	}
	delete(r.byID, connID)
	if c.Fd >= 0 {
		delete(r.byFd, c.Fd)
	}
	identity = c.Identity

	conns := r.byIdentity[identity]
	delete(conns, connID)
	remaining := len(conns)
	if remaining == 0 {
		delete(r.byIdentity, identity)
		wasLast = true
	}
	r.presence[identity] = Presence{
		Online:      remaining > 0,
		LastSeen:    time.Now(),
		Connections: remaining,
	}
	r.mu.Unlock()

	c.Close()
	return identity, wasLast, true
}

// TouchHeartbeat updates the heartbeat timestamp for a connection. Unknown
// IDs are a silent no-op; the connection may have just been reaped.
func (r *Registry) TouchHeartbeat(connID string) {
	r.mu.RLock()
	c := r.byID[connID]
	r.mu.RUnlock()
	if c != nil {
		c.TouchHeartbeat()
	}
}

// Get returns the connection for the given ID, or nil if not found.
func (r *Registry) Get(connID string) *Connection {
	r.mu.RLock()
	c := r.byID[connID]
	r.mu.RUnlock()
	return c
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (r *Registry) GetByFd(fd int) *Connection {
	r.mu.RLock()
	c := r.byFd[fd]
	r.mu.RUnlock()
	return c
}

// ConnectionsOf returns a snapshot of the identity's live connections. The
// slice is safe to iterate without holding any lock, but the set may change
// the moment the call returns.
func (r *Registry) ConnectionsOf(identity string) []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byIdentity[identity]))
	for _, c := range r.byIdentity[identity] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// IsOnline reports whether the identity has at least one live connection.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	_, online := r.byIdentity[identity]
	r.mu.RUnlock()
	return online
}

// Presence returns the identity's presence record. Identities never seen
// return a zero record (offline, no last-seen).
func (r *Registry) Presence(identity string) Presence {
	r.mu.RLock()
	p := r.presence[identity]
	r.mu.RUnlock()
	return p
}

// Stale returns a snapshot of connections whose last heartbeat is older than
// threshold at the given instant.
func (r *Registry) Stale(threshold time.Duration, now time.Time) []*Connection {
	r.mu.RLock()
	all := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		all = append(all, c)
	}
	r.mu.RUnlock()

	var stale []*Connection
	for _, c := range all {
		if now.Sub(c.LastHeartbeat()) > threshold {
			stale = append(stale, c)
		}
	}
	return stale
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// Counts returns the number of online identities and live connections.
func (r *Registry) Counts() (identities, connections int) {
	r.mu.RLock()
	identities = len(r.byIdentity)
	connections = len(r.byID)
	r.mu.RUnlock()
	return identities, connections
}
