package typing

import (
	"sort"
	"testing"
	"time"
)

func TestIsTyping_ExpiryIsAuthoritative(t *testing.T) {
	tr := NewTracker()
	tr.Set("general", "alice", time.Hour)

	now := time.Now()
	if !tr.IsTyping("general", "alice", now) {
		t.Fatal("signal should be live within its TTL")
	}

	// Past the expiry the signal is dead even though it has not been swept.
	if tr.IsTyping("general", "alice", now.Add(2*time.Hour)) {
		t.Error("expired signal should read as not typing before being swept")
	}
	if tr.Count() != 1 {
		t.Error("unswept signal should still occupy memory")
	}
}

func TestSet_RefreshExtendsExpiry(t *testing.T) {
	tr := NewTracker()
	tr.Set("general", "alice", time.Millisecond)
	tr.Set("general", "alice", time.Hour)

	if !tr.IsTyping("general", "alice", time.Now().Add(time.Minute)) {
		t.Error("refresh should extend the expiry window")
	}
	if tr.Count() != 1 {
		t.Errorf("refresh should not create a second signal, count=%d", tr.Count())
	}
}

func TestClear_ReportsWhetherSignalExisted(t *testing.T) {
	tr := NewTracker()
	tr.Set("general", "alice", time.Hour)

	if !tr.Clear("general", "alice") {
		t.Error("clearing a live signal should return true")
	}
	if tr.Clear("general", "alice") {
		t.Error("clearing an absent signal should return false")
	}
	if tr.Clear("no-such-room", "alice") {
		t.Error("clearing in an absent room should return false")
	}
	if tr.Count() != 0 {
		t.Errorf("tracker should be empty, count=%d", tr.Count())
	}
}

func TestSweep_ReportsEachExpiryOnce(t *testing.T) {
	tr := NewTracker()
	tr.Set("general", "alice", -time.Second) // already expired
	tr.Set("general", "bob", time.Hour)

	now := time.Now()
	expired := tr.Sweep(now)
	if len(expired) != 1 || expired[0] != (Signal{RoomID: "general", Identity: "alice"}) {
		t.Fatalf("unexpected sweep result: %v", expired)
	}

	// The same expiry is never reported twice.
	if again := tr.Sweep(now); len(again) != 0 {
		t.Errorf("second sweep should find nothing, got %v", again)
	}
	if !tr.IsTyping("general", "bob", now) {
		t.Error("live signal should survive the sweep")
	}
}

func TestClearIdentity_AllRooms(t *testing.T) {
	tr := NewTracker()
	tr.Set("general", "alice", time.Hour)
	tr.Set("random", "alice", time.Hour)
	tr.Set("general", "bob", time.Hour)

	cleared := tr.ClearIdentity("alice")
	rooms := make([]string, 0, len(cleared))
	for _, sig := range cleared {
		if sig.Identity != "alice" {
			t.Errorf("cleared signal for wrong identity: %v", sig)
		}
		rooms = append(rooms, sig.RoomID)
	}
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "general" || rooms[1] != "random" {
		t.Fatalf("unexpected cleared rooms: %v", rooms)
	}
	if !tr.IsTyping("general", "bob", time.Now()) {
		t.Error("other identities' signals should survive")
	}
	if tr.Count() != 1 {
		t.Errorf("expected 1 remaining signal, got %d", tr.Count())
	}
}
