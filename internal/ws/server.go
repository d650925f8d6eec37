// Package ws handles WebSocket connection management: upgrading HTTP
// connections, binding each connection to its authenticated user and
// workspace, registering it with the session registry, and dispatching
// incoming frames to the appropriate handlers.
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
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/hivedesk/collab-app/internal/metrics"
	"github.com/hivedesk/collab-app/internal/protocol"
	"github.com/hivedesk/collab-app/internal/registry"
	"github.com/hivedesk/collab-app/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr    string        // address to listen on, e.g. ":8080"
	WorkerPool    int           // max concurrent read-worker goroutines
	MaxConns      int           // hard cap on total connections
	ReadTimeout   time.Duration // timeout for WebSocket read operations
	WriteTimeout  time.Duration // timeout for WebSocket write operations
	OutboundDepth int           // per-connection outbound queue depth
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:    ":8080",
		WorkerPool:    256,
		MaxConns:      100000,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		OutboundDepth: 256,
	}
}

// Server is the WebSocket transport built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with the readiness poller for I/O
// readiness notifications, and dispatches ready connections to a bounded
// worker pool for frame reading. Every accepted connection is mirrored into
// the session registry, which drives room membership and presence.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	reg          *registry.Registry
	sessionStore *session.Store                      // Redis-backed connection records
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
	shuttingDown sync.Once
}

// NewServer creates a Server with the given configuration, registry,
// session store, and message callback. The onMessage function is called
// from a worker goroutine whenever a complete WebSocket text frame is
// received from a client.
func NewServer(config ServerConfig, reg *registry.Registry, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		reg:          reg,
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPool),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}
}

// Start initializes the readiness poller, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the poll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the poll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPool, s.config.MaxConns)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. The client supplies its identity as
// user_id/workspace_id query parameters (validated upstream by the API
// gateway); a connection is rejected before upgrade if either is missing.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConns {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID := r.URL.Query().Get("user_id")
	workspaceID := r.URL.Query().Get("workspace_id")
	if userID == "" || workspaceID == "" {
		http.Error(w, "user_id and workspace_id are required", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()

	c := newConnection(connID, userID, workspaceID, conn, fd, s.config.OutboundDepth, s.config.WriteTimeout)

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}

	// Register with the session registry: this joins the workspace room and
	// drives the presence-online transition.
	if _, err := s.reg.Register(connID, userID, workspaceID); err != nil {
		log.Printf("ws: registry register failed conn=%s: %v", connID, err)
		_ = s.poller.Remove(conn)
		s.conns.Remove(connID)
		return
	}

	// Mirror the connection into Redis for cross-process visibility.
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, connID, userID, workspaceID); err != nil {
			log.Printf("ws: failed to create redis record for conn=%s: %v", connID, err)
		}
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	// Acknowledge the handshake.
	ack, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: connID,
		WorkspaceID:  workspaceID,
	})
	if err != nil {
		log.Printf("ws: failed to build connected ack conn=%s: %v", connID, err)
	} else if err := c.Enqueue(ack); err != nil {
		log.Printf("ws: failed to send connected ack conn=%s: %v", connID, err)
	}

	log.Printf("ws: new connection conn=%s user=%s workspace=%s fd=%d (total=%d)",
		connID, userID, workspaceID, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
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
// (connection closed, protocol error, etc.) the connection is removed from
// the poller and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection — the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
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

// RemoveConnection removes a connection from the poller, the connection manager,
// and the session registry, and closes the underlying network connection.
// Unregistering pulls the connection out of every room and, if it was the
// user's last one in the workspace, drives the presence-offline broadcast.
// Exported so the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	// Room membership and presence side effects happen inside Unregister,
	// after the manager removal above — no event published afterwards can
	// still target this connection.
	s.reg.Unregister(c.ID)

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis record for conn=%s: %v", c.ID, err)
		}
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Send enqueues a text frame for the connection identified by connID. A
// full outbound queue drops the connection: one slow client must never
// stall fan-out to a whole room.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	err := c.Enqueue(data)
	if err == ErrQueueFull {
		log.Printf("ws: outbound queue overflow conn=%s user=%s, dropping connection", c.ID, c.UserID)
		s.RemoveConnection(c)
	}
	return err
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// SessionStore returns the Redis session store for external access (e.g.,
// by the heartbeat, which refreshes record TTLs).
func (s *Server) SessionStore() *session.Store {
	return s.sessionStore
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, unregisters and closes all
// active connections, and cleans up the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	s.shuttingDown.Do(func() { close(s.done) })

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	// Unregister every connection (dropping room membership and presence
	// state), delete its Redis record, and close the socket.
	for _, c := range s.conns.All() {
		s.reg.Unregister(c.ID)
		if s.sessionStore != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.sessionStore.Delete(delCtx, c.ID)
			delCancel()
		}
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}

	// Close the poller.
	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
