// Package registry tracks live connections: identity (user, workspace),
// connect time, and the per-(user,workspace) connection count that drives
// presence transitions. It is the leaf of the real-time core; room
// membership and presence react to it through injected hooks.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateConnection is returned when Register is called with a
// connection ID that is already registered. This is a programmer error:
// connection IDs are transport-assigned and unique.
var ErrDuplicateConnection = errors.New("registry: connection already registered")

// Conn is the registry's view of one live transport session. The workspace
// binding is immutable for the connection's lifetime.
type Conn struct {
	ID          string
	UserID      string
	WorkspaceID string
	ConnectedAt time.Time
}

// RoomSet is the slice of the room manager the registry drives: every
// registered connection is placed in its workspace room, and an
// unregistering connection is pulled out of every room it joined.
type RoomSet interface {
	AddWorkspace(connID, workspaceID string)
	RemoveAll(connID string)
}

type userKey struct {
	userID      string
	workspaceID string
}

// Registry is the goroutine-safe connection registry.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[userKey]map[string]*Conn
	seq    uint64 // monotonic mutation counter, stamped under mu

	rooms RoomSet

	// OnConnect fires after every successful Register. OnDisconnect fires
	// after every effective Unregister with the number of connections the
	// (user, workspace) pair still holds. Both are invoked outside the
	// registry lock, so a register and an unregister racing on worker
	// goroutines may deliver their hooks out of order; seq is assigned
	// under the lock in mutation order, letting consumers discard the
	// stale one. The presence tracker applies its own suppression on top.
	OnConnect    func(userID, workspaceID string, seq uint64)
	OnDisconnect func(userID, workspaceID string, remaining int, seq uint64, at time.Time)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		byUser: make(map[userKey]map[string]*Conn),
	}
}

// SetRooms wires the room manager. It must be called before Register; the
// split exists because the room manager needs the registry at construction
// time (same pattern as the ws dispatcher's SetServer).
func (r *Registry) SetRooms(rooms RoomSet) {
	r.rooms = rooms
}

// Register records a new connection and places it in its workspace room.
// It fails with ErrDuplicateConnection if the ID is already known.
func (r *Registry) Register(connID, userID, workspaceID string) (*Conn, error) {
	c := &Conn{
		ID:          connID,
		UserID:      userID,
		WorkspaceID: workspaceID,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.conns[connID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateConnection
	}
	r.conns[connID] = c

	key := userKey{userID, workspaceID}
	set, ok := r.byUser[key]
	if !ok {
		set = make(map[string]*Conn)
		r.byUser[key] = set
	}
	set[connID] = c
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	// Workspace room membership is established before the connect hook so
	// that a presence broadcast triggered by this register can already
	// reach the new connection. The room manager re-verifies registration
	// on insert, so an unregister completing in this window leaves no
	// ghost membership behind.
	if r.rooms != nil {
		r.rooms.AddWorkspace(connID, workspaceID)
	}
	if r.OnConnect != nil {
		r.OnConnect(userID, workspaceID, seq)
	}
	return c, nil
}

// Unregister removes a connection and pulls it out of every room. It is
// idempotent: unregistering an unknown ID is a no-op.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	key := userKey{c.UserID, c.WorkspaceID}
	remaining := 0
	if set, ok := r.byUser[key]; ok {
		delete(set, connID)
		remaining = len(set)
		if remaining == 0 {
			delete(r.byUser, key)
		}
	}
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	// Room removal happens before the disconnect hook so that the offline
	// broadcast triggered by the last unregister never targets the
	// connection being torn down. The registry entry is already gone at
	// this point, which is what lets the room manager reject membership
	// inserts racing with this teardown.
	if r.rooms != nil {
		r.rooms.RemoveAll(connID)
	}
	if r.OnDisconnect != nil {
		r.OnDisconnect(c.UserID, c.WorkspaceID, remaining, seq, time.Now())
	}
}

// Get returns the connection for the given ID, or nil if not registered.
func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	c := r.conns[connID]
	r.mu.RUnlock()
	return c
}

// ConnectionsForUser returns a snapshot of every connection the user holds
// in the workspace. Used to answer "is this user still present anywhere."
func (r *Registry) ConnectionsForUser(userID, workspaceID string) []*Conn {
	r.mu.RLock()
	set := r.byUser[userKey{userID, workspaceID}]
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}
