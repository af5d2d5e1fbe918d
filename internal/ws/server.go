// Package ws is the transport layer: it upgrades HTTP connections to
// WebSocket, authenticates them before any registry mutation, registers them
// with an epoll instance for I/O readiness notifications, and dispatches
// ready connections to a bounded worker pool for frame reading.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/roomwire/presence/internal/auth"
	"github.com/roomwire/presence/internal/metrics"
	"github.com/roomwire/presence/internal/ratelimit"
	"github.com/roomwire/presence/internal/registry"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	ConnRatePerIP  float64       // upgrade attempts allowed per second per IP
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ConnRatePerIP:  5,
	}
}

// Stats is the synchronous observability snapshot served at /stats.
type Stats struct {
	OnlineIdentities int `json:"online_identities"`
	Connections      int `json:"connections"`
	Rooms            int `json:"rooms"`
	TypingSignals    int `json:"typing_signals"`
}

// Server accepts WebSocket connections, verifies their credentials, and
// feeds inbound frames to the session layer. It owns no presence state
// itself; connections live in the registry and all lifecycle decisions are
// delegated to the callbacks installed by the session controller.
type Server struct {
	config      ServerConfig
	epoll       *Epoll
	reg         *registry.Registry
	verifier    auth.Verifier
	connLimiter *ratelimit.ConnLimiter
	workerPool  chan struct{} // semaphore limiting concurrent read workers
	httpServer  *http.Server
	done        chan struct{}
	closeOnce   sync.Once
	startedAt   time.Time

	onConnect    func(c *registry.Connection) error // called after a successful handshake
	onMessage    func(c *registry.Connection, data []byte)
	onDisconnect func(connID string) // full lifecycle cleanup for a connection
	stats        func() Stats
}

// NewServer creates a Server over the given registry and credential
// verifier. The session controller installs its callbacks before Start.
func NewServer(config ServerConfig, reg *registry.Registry, verifier auth.Verifier) *Server {
	return &Server{
		config:      config,
		reg:         reg,
		verifier:    verifier,
		connLimiter: ratelimit.NewConnLimiter(config.ConnRatePerIP),
		workerPool:  make(chan struct{}, config.WorkerPoolSize),
		done:        make(chan struct{}),
	}
}

// SetOnConnect registers the callback invoked once a connection is upgraded
// and authenticated. Returning an error closes the transport.
func (s *Server) SetOnConnect(fn func(c *registry.Connection) error) { s.onConnect = fn }

// SetOnMessage registers the callback invoked from a worker goroutine for
// every complete inbound text frame.
func (s *Server) SetOnMessage(fn func(c *registry.Connection, data []byte)) { s.onMessage = fn }

// SetOnDisconnect registers the callback invoked when the transport detects
// a closed or broken connection.
func (s *Server) SetOnDisconnect(fn func(connID string)) { s.onDisconnect = fn }

// SetStats registers the snapshot function backing the /stats endpoint.
func (s *Server) SetStats(fn func() Stats) { s.stats = fn }

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader, and hands the resulting
// connection to the session layer. Authentication failures close the
// transport before any registry mutation.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if !s.connLimiter.Allow(ip) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	if _, conns := s.reg.Counts(); conns >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Verify the credential before upgrading: a rejected client never
	// reaches the registry.
	identity, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		log.Printf("ws: rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	device := r.Header.Get("User-Agent")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := registry.NewConnection(uuid.New().String(), identity, socketFD(conn), device,
		newTransport(conn, s.config.WriteTimeout))

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			log.Printf("ws: connect rejected identity=%s: %v", identity, err)
			conn.Close()
			return
		}
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		if s.onDisconnect != nil {
			s.onDisconnect(c.ID)
		}
		return
	}

	_, total := s.reg.Counts()
	log.Printf("ws: new connection identity=%s conn=%s (total=%d)", identity, c.ID, total)
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime, for load balancer health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_, conns := s.reg.Counts()
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: conns,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// handleStats serves the synchronous observability snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	var st Stats
	if s.stats != nil {
		st = s.stats()
	}
	_ = json.NewEncoder(w).Encode(st)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is dropped.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.reg.GetByFd(socketFD(netConn))
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.BeginRead() {
		return
	}
	defer c.EndRead()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch). Don't kill the connection — the liveness sweeper
		// handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.drop(c, netConn)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.TouchActivity()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.drop(c, netConn)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.drop(c, netConn)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// drop removes the connection from epoll and hands it to the session layer
// for full lifecycle cleanup. Called on read errors and close frames.
func (s *Server) drop(c *registry.Connection, netConn net.Conn) {
	_ = s.epoll.Remove(netConn)
	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
}

// ReleaseFd removes a file descriptor from epoll without invoking the
// disconnect callback. The session controller calls it while tearing down a
// connection it is already cleaning up (sweeper timeout, failed send,
// shutdown).
func (s *Server) ReleaseFd(fd int) {
	if s.epoll != nil && fd >= 0 {
		_ = s.epoll.RemoveFd(fd)
	}
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, disconnects all active
// connections through the session layer, and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	// Disconnect every live connection through the session layer so
	// presence and typing state are cleaned up consistently.
	for _, c := range s.reg.All() {
		if s.onDisconnect != nil {
			s.onDisconnect(c.ID)
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR), which
// is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
