// Package dispatch fans payloads out to the live connections of identities
// and rooms. Sends never hold registry or room locks: the target set is
// snapshotted first, so one slow client cannot block state mutations for
// others. A failed send unregisters the dead connection instead of failing
// the delivery — one dead device must never prevent delivery to the
// identity's other devices.
package dispatch

import (
	"log"

	"github.com/roomwire/presence/internal/metrics"
	"github.com/roomwire/presence/internal/registry"
	"github.com/roomwire/presence/internal/rooms"
)

// Publisher is the optional fan-out hook. When configured, every room
// broadcast is also published so that other manager instances can relay the
// event to their own clients. A nil hook changes nothing for a single
// instance.
type Publisher interface {
	Publish(roomID string, payload []byte) error
}

// Dispatcher resolves identities and rooms to live connections and pushes
// payloads to them.
type Dispatcher struct {
	reg   *registry.Registry
	rooms *rooms.Index
	hook  Publisher

	// onDead is invoked for each connection whose send failed, after the
	// send loop finishes. The session controller installs its Disconnect
	// here so dead connections get full lifecycle cleanup, not just
	// registry removal.
	onDead func(connID string)
}

// New creates a Dispatcher over the given registry and room index. hook may
// be nil.
func New(reg *registry.Registry, ix *rooms.Index, hook Publisher) *Dispatcher {
	d := &Dispatcher{reg: reg, rooms: ix, hook: hook}
	d.onDead = func(connID string) { d.reg.Unregister(connID) }
	return d
}

// SetOnDead installs the cleanup callback for connections whose sends fail.
func (d *Dispatcher) SetOnDead(fn func(connID string)) {
	if fn != nil {
		d.onDead = fn
	}
}

// SendToIdentity pushes the payload to every live connection of the identity
// and returns true if at least one connection accepted it. Connections whose
// send fails are handed to the dead-connection callback.
func (d *Dispatcher) SendToIdentity(identity string, payload []byte) bool {
	conns := d.reg.ConnectionsOf(identity)
	if len(conns) == 0 {
		return false
	}

	var dead []string
	delivered := 0
	for _, c := range conns {
		if err := c.WriteMessage(payload); err != nil {
			log.Printf("dispatch: send failed identity=%s conn=%s: %v", identity, c.ID, err)
			dead = append(dead, c.ID)
			continue
		}
		delivered++
	}

	metrics.EventsDelivered.Add(float64(delivered))
	metrics.EventsDropped.Add(float64(len(dead)))

	for _, id := range dead {
		d.onDead(id)
	}
	return delivered > 0
}

// SendToConnection pushes the payload to a single connection, used for
// direct replies (acks, errors, resync results). A failed send triggers the
// same cleanup as any other delivery failure.
func (d *Dispatcher) SendToConnection(connID string, payload []byte) bool {
	c := d.reg.Get(connID)
	if c == nil {
		return false
	}
	if err := c.WriteMessage(payload); err != nil {
		log.Printf("dispatch: send failed conn=%s: %v", connID, err)
		metrics.EventsDropped.Inc()
		d.onDead(connID)
		return false
	}
	metrics.EventsDelivered.Inc()
	return true
}

// BroadcastToRoom delivers the payload to every member of the room except
// the excluded identity (pass "" to exclude nobody), then publishes through
// the fan-out hook when one is configured. Offline members are skipped, not
// errors. It returns the number of identities that received the payload on
// at least one connection.
func (d *Dispatcher) BroadcastToRoom(roomID string, payload []byte, exclude string) int {
	delivered := d.BroadcastLocal(roomID, payload, exclude)

	if d.hook != nil {
		if err := d.hook.Publish(roomID, payload); err != nil {
			log.Printf("dispatch: fan-out publish failed room=%s: %v", roomID, err)
		}
	}
	return delivered
}

// BroadcastLocal is BroadcastToRoom without the fan-out publish. It is the
// entry point for events received FROM the hook, so relayed broadcasts are
// never republished.
func (d *Dispatcher) BroadcastLocal(roomID string, payload []byte, exclude string) int {
	delivered := 0
	for _, identity := range d.rooms.MembersOf(roomID) {
		if exclude != "" && identity == exclude {
			continue
		}
		if d.SendToIdentity(identity, payload) {
			delivered++
		}
	}
	return delivered
}
