// Package fanout implements the optional multi-instance broadcast hook over
// NATS. Each manager instance publishes its room broadcasts to
// rooms.events.<room_id> tagged with its own origin name, and applies
// relayed broadcasts from every other origin to its local connections. A
// single-instance deployment simply runs without a Bus.
package fanout

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectRoomEvents is the subject prefix for relayed room broadcasts.
const SubjectRoomEvents = "rooms.events"

// envelope wraps a relayed payload with its origin so instances can skip
// their own publications.
type envelope struct {
	Origin  string          `json:"origin"`
	RoomID  string          `json:"room_id"`
	Payload json.RawMessage `json:"payload"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // instance name, used as the origin tag
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "presence-1",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Bus is the NATS-backed fan-out hook. It satisfies the dispatcher's
// Publisher interface.
type Bus struct {
	conn   *nats.Conn
	origin string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewBus connects to NATS with the given config and returns a ready Bus. It
// returns an error if the initial connection fails.
func NewBus(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s origin=%s", nc.ConnectedUrl(), config.Name)

	return &Bus{conn: nc, origin: config.Name}, nil
}

// Publish relays a room broadcast to the other manager instances.
func (b *Bus) Publish(roomID string, payload []byte) error {
	env := envelope{Origin: b.origin, RoomID: roomID, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fanout: marshal envelope: %w", err)
	}
	return b.conn.Publish(SubjectRoomEvents+"."+roomID, data)
}

// Subscribe registers a handler for broadcasts relayed by other instances.
// Publications originating from this instance are filtered out, so applying
// the handler can never loop a broadcast back onto the bus.
func (b *Bus) Subscribe(handler func(roomID string, payload []byte)) error {
	sub, err := b.conn.Subscribe(SubjectRoomEvents+".>", func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[nats] bad fan-out envelope on %s: %v", msg.Subject, err)
			return
		}
		if env.Origin == b.origin {
			return
		}
		handler(env.RoomID, env.Payload)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s.>: %w", SubjectRoomEvents, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	b.subs = nil

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] bus closed")
}
