package sweeper

import (
	"errors"
	"testing"
	"time"

	"github.com/roomwire/presence/internal/registry"
	"github.com/roomwire/presence/internal/typing"
)

type nopTransport struct{}

func (nopTransport) WriteMessage([]byte) error { return nil }
func (nopTransport) WritePing() error          { return nil }
func (nopTransport) Close() error              { return nil }

func TestSweep_ReapsStaleConnections(t *testing.T) {
	reg := registry.New()
	tr := typing.NewTracker()

	reg.Register(registry.NewConnection("c-fresh", "alice", -1, "test", nopTransport{}))
	reg.Register(registry.NewConnection("c-stale", "bob", -1, "test", nopTransport{}))

	var reaped []string
	s := New(DefaultConfig(), reg, tr, func(c *registry.Connection) {
		reaped = append(reaped, c.ID)
		reg.Unregister(c.ID)
	}, func(typing.Signal) {})

	// Both connections are fresh right now.
	s.Sweep(time.Now())
	if len(reaped) != 0 {
		t.Fatalf("fresh connections must not be reaped, got %v", reaped)
	}

	// Beyond the threshold everything registered above is stale.
	s.Sweep(time.Now().Add(2 * DefaultConfig().StaleThreshold))
	if len(reaped) != 2 {
		t.Fatalf("expected both connections reaped, got %v", reaped)
	}

	// A repeat pass finds nothing: the callback removed them.
	s.Sweep(time.Now().Add(2 * DefaultConfig().StaleThreshold))
	if len(reaped) != 2 {
		t.Errorf("reaped connections must not be reported again, got %v", reaped)
	}
}

type deadPingTransport struct{ nopTransport }

func (deadPingTransport) WritePing() error { return errors.New("broken pipe") }

func TestSweep_FailedPingReapsConnection(t *testing.T) {
	reg := registry.New()
	tr := typing.NewTracker()

	reg.Register(registry.NewConnection("c-ok", "alice", -1, "test", nopTransport{}))
	reg.Register(registry.NewConnection("c-dead", "bob", -1, "test", deadPingTransport{}))

	var reaped []string
	s := New(DefaultConfig(), reg, tr, func(c *registry.Connection) {
		reaped = append(reaped, c.ID)
		reg.Unregister(c.ID)
	}, func(typing.Signal) {})

	// Neither connection is past the heartbeat threshold, but the ping
	// reveals the broken transport.
	s.Sweep(time.Now())
	if len(reaped) != 1 || reaped[0] != "c-dead" {
		t.Fatalf("expected only the broken transport reaped, got %v", reaped)
	}
}

func TestSweep_ReportsExpiredTyping(t *testing.T) {
	reg := registry.New()
	tr := typing.NewTracker()
	tr.Set("general", "alice", -time.Second)
	tr.Set("general", "bob", time.Hour)

	var expired []typing.Signal
	s := New(DefaultConfig(), reg, tr, func(*registry.Connection) {}, func(sig typing.Signal) {
		expired = append(expired, sig)
	})

	s.Sweep(time.Now())
	if len(expired) != 1 || expired[0].Identity != "alice" {
		t.Fatalf("unexpected expired signals: %v", expired)
	}

	// Swept signals are gone; the next pass reports nothing.
	s.Sweep(time.Now())
	if len(expired) != 1 {
		t.Errorf("expired signal must be reported exactly once, got %v", expired)
	}
}

func TestSweep_PanicInOneItemDoesNotAbortThePass(t *testing.T) {
	reg := registry.New()
	tr := typing.NewTracker()

	reg.Register(registry.NewConnection("c1", "alice", -1, "test", nopTransport{}))
	reg.Register(registry.NewConnection("c2", "bob", -1, "test", nopTransport{}))

	seen := map[string]bool{}
	s := New(DefaultConfig(), reg, tr, func(c *registry.Connection) {
		seen[c.ID] = true
		if c.ID == "c1" {
			panic("boom")
		}
	}, func(typing.Signal) {})

	s.Sweep(time.Now().Add(2 * DefaultConfig().StaleThreshold))
	if !seen["c1"] || !seen["c2"] {
		t.Errorf("every stale connection should be processed despite a panic, seen=%v", seen)
	}
}
