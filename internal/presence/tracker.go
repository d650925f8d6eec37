// Package presence implements the per-(user, workspace) online/away/offline
// state machine. State is ephemeral: an unseen pair is offline without any
// stored record, and the whole map is reconstructable from "no connections".
package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/hivedesk/collab-app/internal/event"
)

// Status values. Initial state for an unseen pair is StatusOffline.
const (
	StatusOnline  = event.StatusOnline
	StatusAway    = event.StatusAway
	StatusOffline = event.StatusOffline
)

// ErrInvalidStatus is returned for client-requested statuses outside the
// explicit set. Offline is rejected too: it is derived solely from the last
// connection closing, never requested.
var ErrInvalidStatus = errors.New("presence: invalid status")

type pairKey struct {
	userID      string
	workspaceID string
}

type state struct {
	status   string
	lastSeen time.Time
	seq      uint64 // highest registry mutation applied to this pair
}

// Publisher is the fan-out hook presence broadcasts through. Wired to the
// fan-out engine's Publish at startup.
type Publisher func(ev event.Event)

// Tracker holds presence state for all (user, workspace) pairs seen by this
// process and emits presence_changed events to the workspace room on every
// effective transition. Transitions that would not change the status are
// suppressed, so a second tab connecting while already online stays silent.
type Tracker struct {
	mu      sync.Mutex
	states  map[pairKey]*state
	publish Publisher
}

// NewTracker creates a Tracker broadcasting through publish. A nil publish
// disables broadcasts (used by tests exercising state only).
func NewTracker(publish Publisher) *Tracker {
	return &Tracker{
		states:  make(map[pairKey]*state),
		publish: publish,
	}
}

// ConnectionAdded records that a connection registered for the pair. Wired
// to registry.OnConnect. Moves offline or away pairs to online; an already
// online pair is left untouched with no broadcast. seq is the registry's
// mutation counter: a connect hook delivered after a newer disconnect hook
// for the same pair is stale and discarded.
func (t *Tracker) ConnectionAdded(userID, workspaceID string, seq uint64) {
	t.transition(userID, workspaceID, StatusOnline, time.Time{}, seq)
}

// ConnectionRemoved records that a connection unregistered, with the number
// of connections the pair still holds. Wired to registry.OnDisconnect. Only
// the last connection closing produces the offline transition; at stamps
// the last-seen time.
func (t *Tracker) ConnectionRemoved(userID, workspaceID string, remaining int, seq uint64, at time.Time) {
	if remaining > 0 {
		return
	}
	t.transition(userID, workspaceID, StatusOffline, at, seq)
}

// SetStatus applies an explicit client-originated status update. Only
// online and away are accepted; the away transition exists exclusively on
// this path (idle-timeout policy is the caller's concern, layered on top
// via its own heartbeat timer).
func (t *Tracker) SetStatus(userID, workspaceID, status string) error {
	if status != StatusOnline && status != StatusAway {
		return ErrInvalidStatus
	}
	t.transition(userID, workspaceID, status, time.Now(), 0)
	return nil
}

// Get returns the pair's current status and last-seen time. Unseen pairs
// report offline with a zero last-seen.
func (t *Tracker) Get(userID, workspaceID string) (string, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[pairKey{userID, workspaceID}]
	if !ok {
		return StatusOffline, time.Time{}
	}
	return s.status, s.lastSeen
}

// OnlineCount returns the number of pairs currently not offline. Exposed
// for metrics.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.states {
		if s.status != StatusOffline {
			n++
		}
	}
	return n
}

// transition applies the target status, stamping lastSeen for any
// non-online result, and broadcasts exactly one presence_changed event to
// the workspace room. A transition into the current status is a no-op.
// seq orders registry-driven transitions: the registry fires its hooks
// outside its lock, so they can arrive here out of mutation order; anything
// older than the pair's last applied mutation is dropped. Explicit
// client-originated updates pass seq 0 and are always current.
func (t *Tracker) transition(userID, workspaceID, status string, at time.Time, seq uint64) {
	key := pairKey{userID, workspaceID}

	t.mu.Lock()
	s, ok := t.states[key]
	if !ok {
		s = &state{status: StatusOffline}
		t.states[key] = s
	}
	if seq != 0 {
		if seq < s.seq {
			t.mu.Unlock()
			return
		}
		s.seq = seq
	}
	if s.status == status {
		t.mu.Unlock()
		return
	}
	s.status = status
	if status != StatusOnline {
		if at.IsZero() {
			at = time.Now()
		}
		s.lastSeen = at
	}
	lastSeen := s.lastSeen
	if status == StatusOnline {
		lastSeen = time.Time{}
	}
	t.mu.Unlock()

	if t.publish != nil {
		t.publish(event.NewPresenceChanged(workspaceID, userID, status, lastSeen))
	}
}
