package registry

import (
	"testing"
	"time"
)

// fakeTransport records writes and close calls for assertions.
type fakeTransport struct {
	sent   [][]byte
	closed bool
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeTransport) WritePing() error { return nil }
func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func newConn(id, identity string, fd int) (*Connection, *fakeTransport) {
	tr := &fakeTransport{}
	return NewConnection(id, identity, fd, "test-device", tr), tr
}

func TestRegister_MultiDevice(t *testing.T) {
	r := New()
	c1, _ := newConn("c1", "alice", 10)
	c2, _ := newConn("c2", "alice", 11)

	r.Register(c1)
	r.Register(c2)

	if !r.IsOnline("alice") {
		t.Fatal("alice should be online with two connections")
	}
	p := r.Presence("alice")
	if !p.Online || p.Connections != 2 {
		t.Errorf("unexpected presence: online=%v connections=%d", p.Online, p.Connections)
	}
	identities, conns := r.Counts()
	if identities != 1 || conns != 2 {
		t.Errorf("unexpected counts: identities=%d connections=%d", identities, conns)
	}
	if len(r.ConnectionsOf("alice")) != 2 {
		t.Errorf("expected 2 connections for alice")
	}
}

func TestUnregister_LastConnectionFlipsOffline(t *testing.T) {
	r := New()
	c1, tr1 := newConn("c1", "alice", 10)
	c2, tr2 := newConn("c2", "alice", 11)
	r.Register(c1)
	r.Register(c2)

	identity, wasLast, ok := r.Unregister("c1")
	if !ok || identity != "alice" {
		t.Fatalf("unexpected unregister result: identity=%q ok=%v", identity, ok)
	}
	if wasLast {
		t.Error("first unregister should not be the last connection")
	}
	if !tr1.closed {
		t.Error("unregister should close the transport")
	}
	if !r.IsOnline("alice") {
		t.Error("alice should still be online on the second device")
	}

	_, wasLast, ok = r.Unregister("c2")
	if !ok || !wasLast {
		t.Fatalf("second unregister should report last connection: wasLast=%v ok=%v", wasLast, ok)
	}
	if !tr2.closed {
		t.Error("unregister should close the transport")
	}
	if r.IsOnline("alice") {
		t.Error("alice should be offline")
	}
	p := r.Presence("alice")
	if p.Online || p.Connections != 0 {
		t.Errorf("unexpected presence after offline: %+v", p)
	}
	if p.LastSeen.IsZero() {
		t.Error("LastSeen should be recorded on disconnect")
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	r := New()
	c, _ := newConn("c1", "alice", 10)
	r.Register(c)

	if _, _, ok := r.Unregister("c1"); !ok {
		t.Fatal("first unregister should find the connection")
	}
	if _, _, ok := r.Unregister("c1"); ok {
		t.Error("second unregister should be a no-op")
	}
	if _, _, ok := r.Unregister("never-existed"); ok {
		t.Error("unknown ID should be a no-op")
	}
}

func TestGetByFd(t *testing.T) {
	r := New()
	c, _ := newConn("c1", "alice", 42)
	r.Register(c)

	if got := r.GetByFd(42); got != c {
		t.Errorf("GetByFd(42) = %v, want the registered connection", got)
	}
	if got := r.GetByFd(99); got != nil {
		t.Errorf("GetByFd(99) should be nil, got %v", got)
	}

	r.Unregister("c1")
	if got := r.GetByFd(42); got != nil {
		t.Error("fd mapping should be removed on unregister")
	}
}

func TestStale(t *testing.T) {
	r := New()
	fresh, _ := newConn("fresh", "alice", 10)
	old, _ := newConn("old", "bob", 11)
	r.Register(fresh)
	r.Register(old)

	// Backdate the stale connection's heartbeat.
	old.mu.Lock()
	old.lastHeartbeat = time.Now().Add(-2 * time.Minute)
	old.mu.Unlock()

	stale := r.Stale(60*time.Second, time.Now())
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("expected exactly the old connection to be stale, got %d", len(stale))
	}

	// A heartbeat rescues it.
	r.TouchHeartbeat("old")
	if got := r.Stale(60*time.Second, time.Now()); len(got) != 0 {
		t.Errorf("no connection should be stale after a heartbeat, got %d", len(got))
	}
}

func TestTouchHeartbeat_UnknownID(t *testing.T) {
	r := New()
	// Must not panic: the connection may have been reaped concurrently.
	r.TouchHeartbeat("gone")
}

func TestBeginRead_Exclusive(t *testing.T) {
	c, _ := newConn("c1", "alice", 10)
	if !c.BeginRead() {
		t.Fatal("first BeginRead should succeed")
	}
	if c.BeginRead() {
		t.Error("second BeginRead should fail while held")
	}
	c.EndRead()
	if !c.BeginRead() {
		t.Error("BeginRead should succeed after EndRead")
	}
}
