package dispatch

import (
	"errors"
	"testing"

	"github.com/roomwire/presence/internal/registry"
	"github.com/roomwire/presence/internal/rooms"
)

type fakeTransport struct {
	fail bool
	sent [][]byte
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeTransport) WritePing() error { return nil }
func (f *fakeTransport) Close() error     { return nil }

type fakePublisher struct {
	published []string // room IDs
}

func (f *fakePublisher) Publish(roomID string, payload []byte) error {
	f.published = append(f.published, roomID)
	return nil
}

func register(reg *registry.Registry, id, identity string, fail bool) *fakeTransport {
	tr := &fakeTransport{fail: fail}
	reg.Register(registry.NewConnection(id, identity, -1, "test", tr))
	return tr
}

func TestSendToIdentity_DeadDevicePrunedOthersDelivered(t *testing.T) {
	reg := registry.New()
	d := New(reg, rooms.NewIndex(), nil)

	good := register(reg, "c-good", "alice", false)
	register(reg, "c-dead", "alice", true)

	if !d.SendToIdentity("alice", []byte("hello")) {
		t.Fatal("delivery should succeed on the healthy device")
	}
	if len(good.sent) != 1 {
		t.Errorf("healthy device should have received the payload, got %d", len(good.sent))
	}

	// The dead connection must be gone; the healthy one survives.
	if reg.Get("c-dead") != nil {
		t.Error("failed connection should have been unregistered")
	}
	if reg.Get("c-good") == nil {
		t.Error("healthy connection should still be registered")
	}
	if !reg.IsOnline("alice") {
		t.Error("alice should remain online on the healthy device")
	}
}

func TestSendToIdentity_NoConnections(t *testing.T) {
	d := New(registry.New(), rooms.NewIndex(), nil)
	if d.SendToIdentity("nobody", []byte("x")) {
		t.Error("delivery to an offline identity should report false")
	}
}

func TestSendToConnection(t *testing.T) {
	reg := registry.New()
	d := New(reg, rooms.NewIndex(), nil)
	tr := register(reg, "c1", "alice", false)

	if !d.SendToConnection("c1", []byte("ack")) {
		t.Fatal("direct send should succeed")
	}
	if len(tr.sent) != 1 {
		t.Errorf("connection should have received 1 payload, got %d", len(tr.sent))
	}
	if d.SendToConnection("missing", []byte("ack")) {
		t.Error("send to unknown connection should report false")
	}
}

func TestBroadcastToRoom_ExcludesIdentity(t *testing.T) {
	reg := registry.New()
	ix := rooms.NewIndex()
	d := New(reg, ix, nil)

	aliceTr := register(reg, "c-alice", "alice", false)
	bobTr := register(reg, "c-bob", "bob", false)
	ix.Join("general", "alice")
	ix.Join("general", "bob")

	delivered := d.BroadcastToRoom("general", []byte("event"), "alice")
	if delivered != 1 {
		t.Fatalf("expected 1 identity delivered, got %d", delivered)
	}
	if len(aliceTr.sent) != 0 {
		t.Error("excluded identity should not receive the broadcast")
	}
	if len(bobTr.sent) != 1 {
		t.Error("other members should receive the broadcast")
	}
}

func TestBroadcastToRoom_SkipsOfflineMembers(t *testing.T) {
	reg := registry.New()
	ix := rooms.NewIndex()
	d := New(reg, ix, nil)

	bobTr := register(reg, "c-bob", "bob", false)
	ix.Join("general", "bob")
	ix.Join("general", "carol") // member but offline

	if delivered := d.BroadcastToRoom("general", []byte("event"), ""); delivered != 1 {
		t.Errorf("offline members are skipped, expected 1 delivery, got %d", delivered)
	}
	if len(bobTr.sent) != 1 {
		t.Error("online member should receive the broadcast")
	}
}

func TestBroadcastToRoom_PublishesThroughHook(t *testing.T) {
	reg := registry.New()
	ix := rooms.NewIndex()
	hook := &fakePublisher{}
	d := New(reg, ix, hook)

	register(reg, "c-bob", "bob", false)
	ix.Join("general", "bob")

	d.BroadcastToRoom("general", []byte("event"), "")
	if len(hook.published) != 1 || hook.published[0] != "general" {
		t.Errorf("broadcast should publish to the hook once, got %v", hook.published)
	}

	// BroadcastLocal is for relayed events and must never republish.
	d.BroadcastLocal("general", []byte("event"), "")
	if len(hook.published) != 1 {
		t.Errorf("local broadcast must not publish, got %v", hook.published)
	}
}

func TestSetOnDead_InvokedForFailedSends(t *testing.T) {
	reg := registry.New()
	d := New(reg, rooms.NewIndex(), nil)
	register(reg, "c-dead", "alice", true)

	var deadIDs []string
	d.SetOnDead(func(connID string) { deadIDs = append(deadIDs, connID) })

	d.SendToIdentity("alice", []byte("x"))
	if len(deadIDs) != 1 || deadIDs[0] != "c-dead" {
		t.Errorf("onDead should receive the failed connection, got %v", deadIDs)
	}
}
