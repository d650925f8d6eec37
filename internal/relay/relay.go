// Package relay is the scale-out transport that makes room fan-out work
// across multiple server processes. An adapter relays already-immutable
// event payloads between processes subscribed to the same logical bus; it
// is a transport, not a policy — routing decisions stay in the fan-out
// engine. Backends: a no-op local adapter for single-process deployments,
// plus NATS- and Redis-Pub/Sub-backed adapters for multi-process ones.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/hivedesk/collab-app/internal/event"
)

// Adapter is the pluggable scale-out transport. The fan-out engine is
// written against this interface only, never against a concrete backend;
// the backend is selected once at process start.
type Adapter interface {
	// Relay sends the event to all other processes on the bus. If the bus
	// is unreachable the implementation returns an error and the event is
	// dropped — callers log, they do not queue or retry.
	Relay(roomKey string, ev event.Event) error

	// OnRelayed registers the handler invoked for events relayed by other
	// processes. The handler must go through the fan-out engine's
	// local-delivery path only; re-relaying would loop events on the bus
	// forever.
	OnRelayed(handler func(ev event.Event))

	// Close releases the bus subscription and connection.
	Close()
}

// envelope is the bus wire format. Origin identifies the publishing
// process so a subscriber can skip its own messages: both NATS and Redis
// Pub/Sub echo publishes back to subscribers on the same connection scope.
type envelope struct {
	Origin string      `json:"origin"`
	Room   string      `json:"room"`
	Event  event.Event `json:"event"`
}

func encodeEnvelope(origin, roomKey string, ev event.Event) ([]byte, error) {
	data, err := json.Marshal(envelope{Origin: origin, Room: roomKey, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("relay: encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("relay: decode envelope: %w", err)
	}
	if env.Event.Kind == "" || env.Event.Room == "" {
		return envelope{}, fmt.Errorf("relay: envelope missing event kind or room")
	}
	return env, nil
}

// Local is the single-process adapter: relays go nowhere and no relayed
// events ever arrive.
type Local struct{}

// NewLocal creates the no-op adapter.
func NewLocal() *Local { return &Local{} }

// Relay is a no-op: there are no sibling processes.
func (l *Local) Relay(roomKey string, ev event.Event) error { return nil }

// OnRelayed is a no-op: the handler can never fire.
func (l *Local) OnRelayed(handler func(ev event.Event)) {}

// Close is a no-op.
func (l *Local) Close() {}
