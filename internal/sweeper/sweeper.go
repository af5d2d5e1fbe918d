// Package sweeper runs the periodic liveness pass: connections whose
// heartbeat window expired are force-disconnected, and typing signals that
// aged out are reported so members see the composer stop.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/roomwire/presence/internal/registry"
	"github.com/roomwire/presence/internal/typing"
)

// Config holds sweeper tuning parameters.
type Config struct {
	Interval       time.Duration // time between passes
	StaleThreshold time.Duration // heartbeat age beyond which a connection is dead
}

// DefaultConfig returns production defaults: sweep every 30 seconds,
// declare a connection dead after 60 seconds of silence.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		StaleThreshold: 60 * time.Second,
	}
}

// Sweeper periodically reaps stale connections and expired typing signals.
// The actual teardown and notification work is delegated through callbacks
// so the sweeper stays free of lifecycle logic.
type Sweeper struct {
	config  Config
	reg     *registry.Registry
	typing  *typing.Tracker
	onStale func(c *registry.Connection)
	onTyped func(sig typing.Signal)
}

// New creates a Sweeper. onStale is invoked for every connection past the
// stale threshold; onTyped for every typing signal that expired without an
// explicit stop.
func New(config Config, reg *registry.Registry, tr *typing.Tracker, onStale func(*registry.Connection), onTyped func(typing.Signal)) *Sweeper {
	return &Sweeper{
		config:  config,
		reg:     reg,
		typing:  tr,
		onStale: onStale,
		onTyped: onTyped,
	}
}

// Run executes sweep passes until the context is cancelled. It blocks and is
// intended to run in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("sweeper: started interval=%s threshold=%s", s.config.Interval, s.config.StaleThreshold)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("sweeper: stopped")
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Sweep runs a single pass at the given time. A panic while processing one
// item is contained so the remaining items are still handled.
func (s *Sweeper) Sweep(now time.Time) {
	stale := s.reg.Stale(s.config.StaleThreshold, now)
	if len(stale) > 0 {
		log.Printf("sweeper: reaping %d stale connection(s)", len(stale))
	}
	staleIDs := make(map[string]struct{}, len(stale))
	for _, c := range stale {
		staleIDs[c.ID] = struct{}{}
		s.guard(func() { s.onStale(c) }, "stale connection "+c.ID)
	}

	// Ping the survivors: browsers answer protocol pings automatically, and
	// the resulting pong counts as activity on the read path. A failed ping
	// means the transport is already gone.
	for _, c := range s.reg.All() {
		if _, reaped := staleIDs[c.ID]; reaped {
			continue
		}
		c := c
		s.guard(func() {
			if err := c.WritePing(); err != nil {
				log.Printf("sweeper: ping failed conn=%s: %v", c.ID, err)
				s.onStale(c)
			}
		}, "ping "+c.ID)
	}

	for _, sig := range s.typing.Sweep(now) {
		sig := sig
		s.guard(func() { s.onTyped(sig) }, "typing signal "+sig.RoomID+"/"+sig.Identity)
	}
}

func (s *Sweeper) guard(fn func(), what string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sweeper: recovered while processing %s: %v", what, r)
		}
	}()
	fn()
}
