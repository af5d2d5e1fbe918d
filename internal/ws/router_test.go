package ws

import (
	"encoding/json"
	"testing"

	"github.com/roomwire/presence/internal/protocol"
	"github.com/roomwire/presence/internal/registry"
)

type fakeTransport struct {
	sent [][]byte
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeTransport) WritePing() error { return nil }
func (f *fakeTransport) Close() error     { return nil }

func (f *fakeTransport) lastEvent(t *testing.T) map[string]interface{} {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("no event was sent")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(f.sent[len(f.sent)-1], &m); err != nil {
		t.Fatalf("invalid JSON on the wire: %v", err)
	}
	return m
}

func newTestConn() (*registry.Connection, *fakeTransport) {
	tr := &fakeTransport{}
	return registry.NewConnection("c1", "alice", -1, "test", tr), tr
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	r := NewRouter()
	c, _ := newTestConn()

	var got protocol.JoinRoomEvent
	r.Register(protocol.TypeJoinRoom, func(_ *registry.Connection, msg interface{}) {
		got = msg.(protocol.JoinRoomEvent)
	})

	r.Dispatch(c, []byte(`{"type":"join_room","room_id":"general"}`))
	if got.RoomID != "general" {
		t.Errorf("handler should receive the decoded event, got %+v", got)
	}
}

func TestDispatch_ParseErrorRepliesToSenderOnly(t *testing.T) {
	r := NewRouter()
	c, tr := newTestConn()

	r.Dispatch(c, []byte(`{broken`))

	ev := tr.lastEvent(t)
	if ev["type"] != protocol.TypeError || ev["code"] != protocol.CodeParseError {
		t.Errorf("malformed payload should produce a parse_error, got %v", ev)
	}
}

func TestDispatch_UnknownTypeIsNotAParseError(t *testing.T) {
	r := NewRouter()
	c, tr := newTestConn()

	// Well-formed JSON with a type outside the client vocabulary.
	r.Dispatch(c, []byte(`{"type":"find_match"}`))

	ev := tr.lastEvent(t)
	if ev["type"] != protocol.TypeError || ev["code"] != protocol.CodeUnsupportedType {
		t.Errorf("unknown type should produce unsupported_type, got %v", ev)
	}
}

func TestDispatch_UnsupportedType(t *testing.T) {
	r := NewRouter()
	c, tr := newTestConn()

	// A valid client type with no registered handler is still unsupported.
	r.Dispatch(c, []byte(`{"type":"resync","room_id":"general"}`))

	ev := tr.lastEvent(t)
	if ev["type"] != protocol.TypeError || ev["code"] != protocol.CodeUnsupportedType {
		t.Errorf("unhandled type should produce unsupported_type, got %v", ev)
	}
}
