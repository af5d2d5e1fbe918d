// Package typing tracks short-lived per-room-per-identity typing signals with
// expiry timestamps. Expiry is authoritative: a signal whose expiry has
// passed is "not typing" even before it is physically swept — the sweep only
// emits the stop notification and frees memory.
package typing

import (
	"sync"
	"time"
)

// DefaultTTL is the window a typing signal stays live without a refresh.
const DefaultTTL = 5 * time.Second

// Signal identifies one expired or cleared typing entry.
type Signal struct {
	RoomID   string
	Identity string
}

// Tracker is a thread-safe store of typing expiry timestamps.
type Tracker struct {
	mu     sync.Mutex
	byRoom map[string]map[string]time.Time // room_id -> identity -> expiry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{byRoom: make(map[string]map[string]time.Time)}
}

// Set records or refreshes the typing signal with expiry = now + ttl.
func (t *Tracker) Set(roomID, identity string, ttl time.Duration) {
	t.mu.Lock()
	m, ok := t.byRoom[roomID]
	if !ok {
		m = make(map[string]time.Time)
		t.byRoom[roomID] = m
	}
	m[identity] = time.Now().Add(ttl)
	t.mu.Unlock()
}

// Clear removes the signal explicitly (stopped-typing event, new message from
// the identity, or leaving the room). It returns true if a signal was
// present, so callers know whether a stop notification is owed.
func (t *Tracker) Clear(roomID, identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byRoom[roomID]
	if !ok {
		return false
	}
	if _, present := m[identity]; !present {
		return false
	}
	delete(m, identity)
	if len(m) == 0 {
		delete(t.byRoom, roomID)
	}
	return true
}

// ClearIdentity removes every signal owned by the identity across all rooms
// and returns them. Used on disconnect so an abrupt close cannot leave a
// stuck "is typing" indicator.
func (t *Tracker) ClearIdentity(identity string) []Signal {
	t.mu.Lock()
	var cleared []Signal
	for roomID, m := range t.byRoom {
		if _, ok := m[identity]; ok {
			delete(m, identity)
			if len(m) == 0 {
				delete(t.byRoom, roomID)
			}
			cleared = append(cleared, Signal{RoomID: roomID, Identity: identity})
		}
	}
	t.mu.Unlock()
	return cleared
}

// IsTyping reports whether the identity has a live (unexpired) signal in the
// room at the given instant.
func (t *Tracker) IsTyping(roomID, identity string, now time.Time) bool {
	t.mu.Lock()
	expiry, ok := t.byRoom[roomID][identity]
	t.mu.Unlock()
	return ok && expiry.After(now)
}

// Sweep removes and returns every signal whose expiry is at or before now.
// A swept entry is gone, so the same expiry is never reported twice.
func (t *Tracker) Sweep(now time.Time) []Signal {
	t.mu.Lock()
	var expired []Signal
	for roomID, m := range t.byRoom {
		for identity, expiry := range m {
			if !expiry.After(now) {
				delete(m, identity)
				expired = append(expired, Signal{RoomID: roomID, Identity: identity})
			}
		}
		if len(m) == 0 {
			delete(t.byRoom, roomID)
		}
	}
	t.mu.Unlock()
	return expired
}

// Count returns the number of live signals, expired-but-unswept included.
func (t *Tracker) Count() int {
	t.mu.Lock()
	n := 0
	for _, m := range t.byRoom {
		n += len(m)
	}
	t.mu.Unlock()
	return n
}
