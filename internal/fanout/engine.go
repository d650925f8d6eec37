// Package fanout delivers typed events to every connection joined to the
// target room. Delivery is best-effort per connection: one dead socket never
// blinds the rest of a room. Each publish is forwarded to the scale-out
// relay exactly once so sibling processes can deliver to their own members.
package fanout

import (
	"log"
	"time"

	"github.com/hivedesk/collab-app/internal/event"
	"github.com/hivedesk/collab-app/internal/metrics"
	"github.com/hivedesk/collab-app/internal/protocol"
)

// MemberSource yields a snapshot of the connections currently in a room.
// Implemented by the room manager.
type MemberSource interface {
	MembersOf(roomKey string) []string
}

// Sender pushes an encoded frame to one connection's transport. Implemented
// by the WebSocket server. A send error means that single connection is
// gone or backed up; it is never propagated to the publisher.
type Sender interface {
	Send(connID string, data []byte) error
}

// Relay forwards a published event to other processes on the same logical
// bus. Implemented by the relay adapters.
type Relay interface {
	Relay(roomKey string, ev event.Event) error
}

// Engine is the event fan-out engine.
type Engine struct {
	rooms MemberSource
	send  Sender
	relay Relay
}

// NewEngine creates an Engine. relay may be nil for wirings that have no
// scale-out bus at all (tests); production single-process deployments use
// the relay package's no-op Local adapter instead.
func NewEngine(rooms MemberSource, send Sender, relay Relay) *Engine {
	return &Engine{rooms: rooms, send: send, relay: relay}
}

// Publish delivers the event to every local member of its target room and
// forwards it to the relay exactly once — also when the local membership is
// empty, since the room may have members on other processes. For a single
// publishing process, members receive events in publish-call order.
func (e *Engine) Publish(ev event.Event) {
	start := time.Now()
	metrics.EventsPublished.WithLabelValues(ev.Kind).Inc()

	e.deliver(ev)

	if e.relay != nil {
		if err := e.relay.Relay(ev.Room, ev); err != nil {
			// Bus unreachable: degrade to single-process delivery. The
			// event is dropped, not queued — durable state lives in the
			// external data store, not in this layer.
			log.Printf("fanout: relay failed room=%s kind=%s: %v", ev.Room, ev.Kind, err)
			metrics.RelayFailures.Inc()
		}
	}

	metrics.FanoutDuration.Observe(time.Since(start).Seconds())
}

// DeliverLocal delivers a relayed event to local members only. It is the
// relay adapter's OnRelayed target and never re-relays, which is what keeps
// events from circulating the bus forever.
func (e *Engine) DeliverLocal(ev event.Event) {
	metrics.EventsRelayedIn.Inc()
	e.deliver(ev)
}

func (e *Engine) deliver(ev event.Event) {
	frame, err := protocol.FromEvent(ev)
	if err != nil {
		log.Printf("fanout: encode failed room=%s kind=%s: %v", ev.Room, ev.Kind, err)
		return
	}

	// Snapshot before iterating: members may disconnect mid-fan-out, and a
	// send to a just-closed connection is a per-connection failure, not a
	// reason to stop.
	for _, connID := range e.rooms.MembersOf(ev.Room) {
		if ev.ExcludeConnID != "" && connID == ev.ExcludeConnID {
			continue
		}
		if err := e.send.Send(connID, frame); err != nil {
			log.Printf("fanout: deliver failed conn=%s room=%s kind=%s: %v", connID, ev.Room, ev.Kind, err)
			metrics.DeliveryFailures.Inc()
			continue
		}
		metrics.EventsDelivered.WithLabelValues(ev.Kind).Inc()
	}
}
