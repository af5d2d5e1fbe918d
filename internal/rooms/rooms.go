// Package rooms maintains the room membership index: which identities are
// subscribed to which rooms. It is kept independent of the connection
// registry so membership survives a member going offline; only the
// dispatcher cross-references both, and only by identifier.
package rooms

import "sync"

// Index maps room IDs to member identities, with a reverse index so the
// rooms of one identity can be resolved without scanning every room.
type Index struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // room_id -> set of identities
	joined  map[string]map[string]struct{} // identity -> set of room_ids
}

// NewIndex creates an empty membership index.
func NewIndex() *Index {
	return &Index{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Join adds the identity to the room's member set. Rooms are created
// implicitly on first join. Joining a room twice is a no-op.
func (ix *Index) Join(roomID, identity string) {
	ix.mu.Lock()
	m, ok := ix.members[roomID]
	if !ok {
		m = make(map[string]struct{})
		ix.members[roomID] = m
	}
	m[identity] = struct{}{}

	j, ok := ix.joined[identity]
	if !ok {
		j = make(map[string]struct{})
		ix.joined[identity] = j
	}
	j[roomID] = struct{}{}
	ix.mu.Unlock()
}

// Leave removes the identity from the room. When the last member leaves, the
// room entry is deleted entirely rather than left as an empty set, so churn
// cannot leak empty rooms.
func (ix *Index) Leave(roomID, identity string) {
	ix.mu.Lock()
	ix.leaveLocked(roomID, identity)
	ix.mu.Unlock()
}

func (ix *Index) leaveLocked(roomID, identity string) {
	if m, ok := ix.members[roomID]; ok {
		delete(m, identity)
		if len(m) == 0 {
			delete(ix.members, roomID)
		}
	}
	if j, ok := ix.joined[identity]; ok {
		delete(j, roomID)
		if len(j) == 0 {
			delete(ix.joined, identity)
		}
	}
}

// LeaveAll removes the identity from every room it is a member of and
// returns the rooms it left.
func (ix *Index) LeaveAll(identity string) []string {
	ix.mu.Lock()
	rooms := make([]string, 0, len(ix.joined[identity]))
	for roomID := range ix.joined[identity] {
		rooms = append(rooms, roomID)
	}
	for _, roomID := range rooms {
		ix.leaveLocked(roomID, identity)
	}
	ix.mu.Unlock()
	return rooms
}

// MembersOf returns a snapshot of the room's member identities. Absent rooms
// return an empty slice.
func (ix *Index) MembersOf(roomID string) []string {
	ix.mu.RLock()
	out := make([]string, 0, len(ix.members[roomID]))
	for identity := range ix.members[roomID] {
		out = append(out, identity)
	}
	ix.mu.RUnlock()
	return out
}

// RoomsOf returns a snapshot of the rooms the identity belongs to.
func (ix *Index) RoomsOf(identity string) []string {
	ix.mu.RLock()
	out := make([]string, 0, len(ix.joined[identity]))
	for roomID := range ix.joined[identity] {
		out = append(out, roomID)
	}
	ix.mu.RUnlock()
	return out
}

// IsMember reports whether the identity belongs to the room.
func (ix *Index) IsMember(roomID, identity string) bool {
	ix.mu.RLock()
	_, ok := ix.members[roomID][identity]
	ix.mu.RUnlock()
	return ok
}

// Count returns the number of active rooms.
func (ix *Index) Count() int {
	ix.mu.RLock()
	n := len(ix.members)
	ix.mu.RUnlock()
	return n
}
