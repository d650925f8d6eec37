package ws

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrQueueFull is returned by Enqueue when the connection's outbound queue
// is at capacity. The server responds by dropping the connection: a client
// that cannot drain its queue must not be allowed to block room fan-out.
var ErrQueueFull = errors.New("ws: outbound queue full")

// Connection represents a single WebSocket client connection with its bound
// identity and a buffered outbound queue drained by a dedicated writer
// goroutine.
type Connection struct {
	ID          string    // connection ID (UUID, transport-assigned)
	UserID      string    // authenticated user, bound at handshake
	WorkspaceID string    // workspace binding, immutable for the connection
	Conn        net.Conn  // underlying TCP connection
	Fd          int       // file descriptor for epoll lookups
	CreatedAt   time.Time // when the connection was established
	LastPing    time.Time // last activity observed from the client

	writeMu      sync.Mutex // serializes frame writes (writer goroutine + pings)
	writeTimeout time.Duration
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

// newConnection creates a Connection and starts its writer goroutine.
func newConnection(id, userID, workspaceID string, conn net.Conn, fd, queueDepth int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		WorkspaceID:  workspaceID,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		LastPing:     time.Now(),
		writeTimeout: writeTimeout,
		out:          make(chan []byte, queueDepth),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Enqueue places an outbound text frame on the connection's queue without
// blocking. It fails with ErrQueueFull when the client is too far behind.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeLoop drains the outbound queue in order. A failed write closes the
// connection; the epoll read path then observes the closure and runs the
// full removal sequence.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.writeFrame(data); err != nil {
				c.Close()
				return
			}
		}
	}
}

// writeFrame sends one WebSocket text frame. The write mutex ensures
// heartbeat pings and queued frames never interleave bytes.
func (c *Connection) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection, bypassing the outbound queue so liveness probes are not
// delayed behind application traffic.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close stops the writer goroutine and closes the underlying network
// connection. Pending queued frames are discarded — delivery is best-effort
// and the client refetches state on reconnect.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
