// Package room maintains the membership sets behind event fan-out. Rooms
// come in two scopes — workspace:{id} and channel:{id} — and membership is
// connection-scoped, not user-scoped: a user with two tabs joined to
// different channel subsets receives events correctly per tab, without
// cross-tab leakage. Rooms exist implicitly; an empty room is simply an
// absent map entry.
package room

import (
	"errors"
	"sync"

	"github.com/hivedesk/collab-app/internal/registry"
)

var (
	// ErrNotRegistered is returned for operations on a connection the
	// session registry does not know. Treated as a client protocol error;
	// the transport layer closes the offending connection.
	ErrNotRegistered = errors.New("room: connection not registered")

	// ErrForbidden is returned when the injected access check denies
	// channel membership. Surfaced to the client as a rejected join; the
	// connection stays open.
	ErrForbidden = errors.New("room: channel access denied")
)

// AccessFunc is the injected capability check backed by the external
// membership store. The room manager never decides authorization itself.
type AccessFunc func(userID, channelID string) bool

// Manager tracks room membership for all live connections.
type Manager struct {
	mu        sync.RWMutex
	members   map[string]map[string]struct{} // room key -> set of conn IDs
	byConn    map[string]map[string]struct{} // conn ID -> set of room keys
	reg       *registry.Registry
	canAccess AccessFunc
}

// NewManager creates a Manager bound to the given registry and access check.
func NewManager(reg *registry.Registry, canAccess AccessFunc) *Manager {
	return &Manager{
		members:   make(map[string]map[string]struct{}),
		byConn:    make(map[string]map[string]struct{}),
		reg:       reg,
		canAccess: canAccess,
	}
}

// JoinChannel adds the connection to the channel:{channelID} room after the
// access check passes. Joining a room twice is a no-op. The access check can
// block on the membership store, so the connection may be torn down while it
// runs; add re-verifies registration, and a connection that disappeared in
// the window is reported as ErrNotRegistered rather than inserted as a
// ghost member.
func (m *Manager) JoinChannel(connID, channelID string) error {
	c := m.reg.Get(connID)
	if c == nil {
		return ErrNotRegistered
	}
	if m.canAccess != nil && !m.canAccess(c.UserID, channelID) {
		return ErrForbidden
	}
	if !m.add(connID, channelKey(channelID)) {
		return ErrNotRegistered
	}
	return nil
}

// LeaveChannel removes the connection from the channel room. Idempotent.
func (m *Manager) LeaveChannel(connID, channelID string) {
	m.remove(connID, channelKey(channelID))
}

// AddWorkspace places a connection in its workspace room. Called by the
// session registry on register (registry.RoomSet). An unregister completing
// between the registry insert and this call makes the insert a no-op rather
// than a ghost workspace member.
func (m *Manager) AddWorkspace(connID, workspaceID string) {
	m.add(connID, workspaceKey(workspaceID))
}

// RemoveAll pulls a connection out of every room it joined. Called by the
// session registry on unregister (registry.RoomSet).
func (m *Manager) RemoveAll(connID string) {
	m.mu.Lock()
	for key := range m.byConn[connID] {
		m.dropLocked(connID, key)
	}
	delete(m.byConn, connID)
	m.mu.Unlock()
}

// MembersOf returns a snapshot of the connection IDs in the room. Unknown
// or empty rooms yield an empty slice, never an error — publishing into an
// empty room is a normal condition (members may live on other processes).
func (m *Manager) MembersOf(roomKey string) []string {
	m.mu.RLock()
	set := m.members[roomKey]
	conns := make([]string, 0, len(set))
	for id := range set {
		conns = append(conns, id)
	}
	m.mu.RUnlock()
	return conns
}

// RoomCount returns the number of non-empty rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	n := len(m.members)
	m.mu.RUnlock()
	return n
}

// add inserts the connection into the room, re-checking registration under
// m.mu. The registry deletes its entry before calling RemoveAll, and
// RemoveAll takes this same lock, so an insert racing a teardown either
// lands before RemoveAll (and is swept by it) or observes the deleted
// registry entry here and refuses. Returns false when the connection is no
// longer registered.
func (m *Manager) add(connID, roomKey string) bool {
	m.mu.Lock()
	if m.reg.Get(connID) == nil {
		m.mu.Unlock()
		return false
	}

	set, ok := m.members[roomKey]
	if !ok {
		set = make(map[string]struct{})
		m.members[roomKey] = set
	}
	set[connID] = struct{}{}

	keys, ok := m.byConn[connID]
	if !ok {
		keys = make(map[string]struct{})
		m.byConn[connID] = keys
	}
	keys[roomKey] = struct{}{}
	m.mu.Unlock()
	return true
}

func (m *Manager) remove(connID, roomKey string) {
	m.mu.Lock()
	m.dropLocked(connID, roomKey)
	if keys, ok := m.byConn[connID]; ok {
		delete(keys, roomKey)
		if len(keys) == 0 {
			delete(m.byConn, connID)
		}
	}
	m.mu.Unlock()
}

// dropLocked removes connID from a room's member set and garbage-collects
// the set when it empties. Caller holds m.mu.
func (m *Manager) dropLocked(connID, roomKey string) {
	set, ok := m.members[roomKey]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(m.members, roomKey)
	}
}

func workspaceKey(id string) string { return "workspace:" + id }
func channelKey(id string) string   { return "channel:" + id }
