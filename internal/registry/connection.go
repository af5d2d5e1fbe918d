package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the write side of one live client channel. The registry never
// touches the WebSocket stack directly; the ws package injects an
// implementation when the handshake completes, and tests inject fakes.
type Transport interface {
	WriteMessage(data []byte) error
	WritePing() error
	Close() error
}

// Connection represents a single live transport channel for one identity,
// with its associated metadata. A connection ID is never reused and maps to
// exactly one identity for its lifetime.
type Connection struct {
	ID        string // connection ID (UUID)
	Identity  string // owning identity, fixed at registration
	Fd        int    // file descriptor for epoll lookups (-1 off Linux)
	Device    string // opaque device/client metadata
	CreatedAt time.Time

	tr Transport

	mu            sync.Mutex // guards the timestamps below
	lastActivity  time.Time
	lastHeartbeat time.Time

	reading int32 // atomic flag: 0 = idle, 1 = being read by the event loop
}

// NewConnection builds a Connection around a transport. Both timestamps start
// at now so a fresh connection is never considered stale.
func NewConnection(id, identity string, fd int, device string, tr Transport) *Connection {
	now := time.Now()
	return &Connection{
		ID:            id,
		Identity:      identity,
		Fd:            fd,
		Device:        device,
		CreatedAt:     now,
		tr:            tr,
		lastActivity:  now,
		lastHeartbeat: now,
	}
}

// WriteMessage sends a payload on the connection's transport.
func (c *Connection) WriteMessage(data []byte) error {
	return c.tr.WriteMessage(data)
}

// WritePing sends a transport-level ping frame.
func (c *Connection) WritePing() error {
	return c.tr.WritePing()
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.tr.Close()
}

// TouchHeartbeat records a heartbeat from the client.
func (c *Connection) TouchHeartbeat() {
	c.mu.Lock()
	now := time.Now()
	c.lastHeartbeat = now
	c.lastActivity = now
	c.mu.Unlock()
}

// TouchActivity records inbound traffic. Any frame proves the connection is
// alive, so activity also refreshes the heartbeat timestamp.
func (c *Connection) TouchActivity() {
	c.TouchHeartbeat()
}

// LastHeartbeat returns the time of the most recent heartbeat or frame.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	t := c.lastHeartbeat
	c.mu.Unlock()
	return t
}

// LastActivity returns the time of the most recent inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	t := c.lastActivity
	c.mu.Unlock()
	return t
}

// BeginRead marks the connection as being read by an event-loop worker.
// It returns false if another worker already holds it, guarding against
// duplicate dispatch from level-triggered epoll.
func (c *Connection) BeginRead() bool {
	return atomic.CompareAndSwapInt32(&c.reading, 0, 1)
}

// EndRead releases the read flag taken by BeginRead.
func (c *Connection) EndRead() {
	atomic.StoreInt32(&c.reading, 0)
}
