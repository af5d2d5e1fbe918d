// Package session orchestrates the connection lifecycle: registering
// authenticated connections, auto-joining their rooms from the durable
// store, routing inbound events, and tearing everything down again when a
// connection closes — whether the client, the liveness sweeper, or a server
// shutdown initiated it.
package session

import (
	"context"
	"log"
	"time"

	"github.com/roomwire/presence/internal/dispatch"
	"github.com/roomwire/presence/internal/metrics"
	"github.com/roomwire/presence/internal/protocol"
	"github.com/roomwire/presence/internal/ratelimit"
	"github.com/roomwire/presence/internal/registry"
	"github.com/roomwire/presence/internal/rooms"
	"github.com/roomwire/presence/internal/store"
	"github.com/roomwire/presence/internal/typing"
	"github.com/roomwire/presence/internal/ws"
)

// storeTimeout bounds each call against the durable store collaborator.
const storeTimeout = 3 * time.Second

// MessageStore is the durable-store boundary the controller consumes: room
// membership for auto-join, message persistence, receipts, and bounded
// history queries. *store.Store satisfies it; tests inject fakes.
type MessageStore interface {
	RoomsOf(ctx context.Context, identity string) ([]string, error)
	AddMember(ctx context.Context, roomID, identity string) error
	RemoveMember(ctx context.Context, roomID, identity string) error
	SaveMessage(ctx context.Context, roomID, sender, text string) (store.Message, error)
	SaveReadReceipt(ctx context.Context, roomID string, messageID int64, identity string) (time.Time, error)
	MessagesAfter(ctx context.Context, roomID string, afterID int64) ([]store.Message, error)
}

// Config holds controller tuning parameters.
type Config struct {
	TypingTTL time.Duration // expiry window for typing signals
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{TypingTTL: typing.DefaultTTL}
}

// Controller coordinates the registry, room index, typing tracker, and
// dispatcher on behalf of the transport layer. Each structure keeps its own
// lock; the controller never holds one across a send.
type Controller struct {
	config  Config
	reg     *registry.Registry
	rooms   *rooms.Index
	typing  *typing.Tracker
	disp    *dispatch.Dispatcher
	store   MessageStore       // nil runs without persistence
	limiter *ratelimit.Limiter // nil disables event throttling

	// releaseFd detaches a connection's transport from the event loop
	// before the registry closes it. Installed by the ws server.
	releaseFd func(fd int)
}

// NewController wires the controller over its collaborators. limiter may be
// nil. The dispatcher's dead-connection callback is pointed at Disconnect so
// failed sends receive full lifecycle cleanup.
func NewController(config Config, reg *registry.Registry, ix *rooms.Index, tr *typing.Tracker, d *dispatch.Dispatcher, st MessageStore, limiter *ratelimit.Limiter) *Controller {
	c := &Controller{
		config:  config,
		reg:     reg,
		rooms:   ix,
		typing:  tr,
		disp:    d,
		store:   st,
		limiter: limiter,
	}
	d.SetOnDead(c.Disconnect)
	return c
}

// SetReleaseFd installs the transport-release hook.
func (ctl *Controller) SetReleaseFd(fn func(fd int)) {
	ctl.releaseFd = fn
}

// Connect registers an authenticated connection, auto-joins the rooms the
// identity belongs to, acknowledges the connection, and broadcasts the
// presence change if the identity just came online. The transport layer has
// already verified the credential; nothing here can fail the handshake
// except a broken transport.
func (ctl *Controller) Connect(c *registry.Connection) error {
	memberRooms, err := ctl.roomsOf(c.Identity)
	if err != nil {
		// Degraded but functional: the client can still join rooms
		// explicitly.
		log.Printf("session: auto-join lookup failed identity=%s: %v", c.Identity, err)
		memberRooms = nil
	}

	ctl.reg.Register(c)
	for _, roomID := range memberRooms {
		ctl.rooms.Join(roomID, c.Identity)
	}
	ctl.syncGauges()

	accepted, err := protocol.NewServerEvent(protocol.TypeConnectionAccepted, protocol.ConnectionAcceptedEvent{
		ConnectionID: c.ID,
		Identity:     c.Identity,
		Rooms:        memberRooms,
	})
	if err == nil {
		if werr := c.WriteMessage(accepted); werr != nil {
			log.Printf("session: failed to send connection_accepted conn=%s: %v", c.ID, werr)
		}
	}

	// First connection flips the identity online.
	if ctl.reg.Presence(c.Identity).Connections == 1 {
		ctl.broadcastPresence(c.Identity)
	}

	log.Printf("session: connected identity=%s conn=%s rooms=%d", c.Identity, c.ID, len(memberRooms))
	return nil
}

// Disconnect tears a connection down. It is idempotent and race-free under
// concurrent callers (client close, sweeper timeout, server shutdown): the
// registry's unregister decides exactly one winner, and only the winner
// performs the remaining cleanup.
func (ctl *Controller) Disconnect(connID string) {
	c := ctl.reg.Get(connID)
	if c == nil {
		return
	}

	if ctl.releaseFd != nil {
		ctl.releaseFd(c.Fd)
	}

	identity, wasLast, ok := ctl.reg.Unregister(connID)
	if !ok {
		return
	}
	ctl.syncGauges()

	if !wasLast {
		log.Printf("session: disconnected identity=%s conn=%s (other devices remain)", identity, connID)
		return
	}

	// Last connection: stop any typing the identity owned, then announce
	// the presence change while the membership snapshot is still intact,
	// then release memberships. They are rebuilt from the store on the
	// next connect.
	for _, sig := range ctl.typing.ClearIdentity(identity) {
		ctl.broadcastTypingStopped(sig.RoomID, sig.Identity)
	}
	ctl.broadcastPresence(identity)
	ctl.rooms.LeaveAll(identity)
	ctl.syncGauges()

	log.Printf("session: disconnected identity=%s conn=%s (offline)", identity, connID)
}

// OnStale is the sweeper callback for connections that missed their
// heartbeat window.
func (ctl *Controller) OnStale(c *registry.Connection) {
	log.Printf("session: heartbeat timeout identity=%s conn=%s last=%s ago",
		c.Identity, c.ID, time.Since(c.LastHeartbeat()).Round(time.Second))
	metrics.StaleConnectionsReaped.Inc()
	ctl.Disconnect(c.ID)
}

// OnTypingExpired is the sweeper callback for typing signals that aged out
// without an explicit stop.
func (ctl *Controller) OnTypingExpired(sig typing.Signal) {
	ctl.broadcastTypingStopped(sig.RoomID, sig.Identity)
	ctl.syncGauges()
}

// Stats returns the synchronous observability snapshot.
func (ctl *Controller) Stats() ws.Stats {
	identities, conns := ctl.reg.Counts()
	return ws.Stats{
		OnlineIdentities: identities,
		Connections:      conns,
		Rooms:            ctl.rooms.Count(),
		TypingSignals:    ctl.typing.Count(),
	}
}

// ApplyRemote delivers a room event relayed from another manager instance to
// local connections only. Relayed events are never republished to the
// fan-out bus.
func (ctl *Controller) ApplyRemote(roomID string, payload []byte) {
	ctl.disp.BroadcastLocal(roomID, payload, "")
}

// broadcastPresence announces the identity's current presence to every room
// it is a member of, excluding the identity itself.
func (ctl *Controller) broadcastPresence(identity string) {
	p := ctl.reg.Presence(identity)
	payload, err := protocol.NewServerEvent(protocol.TypePresence, protocol.PresenceEvent{
		Identity: identity,
		Online:   p.Online,
		LastSeen: p.LastSeen.Unix(),
	})
	if err != nil {
		log.Printf("session: failed to build presence event identity=%s: %v", identity, err)
		return
	}

	for _, roomID := range ctl.rooms.RoomsOf(identity) {
		ctl.disp.BroadcastToRoom(roomID, payload, identity)
	}
}

// broadcastTypingStopped emits a synthetic stopped-typing notification.
func (ctl *Controller) broadcastTypingStopped(roomID, identity string) {
	payload, err := protocol.NewServerEvent(protocol.TypeTyping, protocol.ServerTypingEvent{
		RoomID:   roomID,
		Identity: identity,
		IsTyping: false,
	})
	if err != nil {
		log.Printf("session: failed to build typing event room=%s: %v", roomID, err)
		return
	}
	ctl.disp.BroadcastToRoom(roomID, payload, identity)
}

// syncGauges refreshes the Prometheus gauges from the authoritative counts.
func (ctl *Controller) syncGauges() {
	identities, conns := ctl.reg.Counts()
	metrics.OnlineIdentities.Set(float64(identities))
	metrics.ConnectionsTotal.Set(float64(conns))
	metrics.ActiveRooms.Set(float64(ctl.rooms.Count()))
	metrics.TypingSignals.Set(float64(ctl.typing.Count()))
}

// roomsOf resolves the identity's rooms from the durable store with a
// bounded timeout.
func (ctl *Controller) roomsOf(identity string) ([]string, error) {
	if ctl.store == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return ctl.store.RoomsOf(ctx, identity)
}
