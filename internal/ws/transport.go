package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// transport adapts a raw upgraded net.Conn to the registry's Transport
// interface. A write mutex serializes outbound frames so concurrent
// goroutines do not interleave frame bytes.
type transport struct {
	conn         net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func newTransport(conn net.Conn, writeTimeout time.Duration) *transport {
	return &transport{conn: conn, writeTimeout: writeTimeout}
}

// WriteMessage sends a WebSocket text frame on the connection.
func (t *transport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	err := wsutil.WriteServerMessage(t.conn, ws.OpText, data)
	// Clear the deadline so it does not affect later writes.
	_ = t.conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9), which
// clients answer automatically with a pong.
func (t *transport) WritePing() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	err := ws.WriteFrame(t.conn, ws.NewPingFrame(nil))
	_ = t.conn.SetWriteDeadline(time.Time{})
	return err
}

// Close closes the underlying network connection.
func (t *transport) Close() error {
	return t.conn.Close()
}
