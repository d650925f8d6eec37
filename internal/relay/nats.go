package relay

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hivedesk/collab-app/internal/event"
)

// subjectPrefix scopes all relay traffic on the NATS bus. Room keys map to
// subjects by swapping the scope separator for a subject token separator:
// channel:c1 -> rooms.channel.c1.
const subjectPrefix = "rooms"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "hivedesk-rt",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NATSAdapter relays room events over NATS subjects. Every process
// subscribes to the rooms.> wildcard and filters its own publishes by
// origin ID.
type NATSAdapter struct {
	conn   *nats.Conn
	origin string
	sub    *nats.Subscription
}

// NewNATSAdapter connects to NATS with the given config. origin uniquely
// identifies this server process on the bus.
func NewNATSAdapter(config NATSConfig, origin string) (*NATSAdapter, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[relay/nats] disconnected: %v", err)
			} else {
				log.Printf("[relay/nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[relay/nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[relay/nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: nats connect: %w", err)
	}

	log.Printf("[relay/nats] connected to %s origin=%s", nc.ConnectedUrl(), origin)

	return &NATSAdapter{conn: nc, origin: origin}, nil
}

// Relay publishes the event to the room's subject.
func (a *NATSAdapter) Relay(roomKey string, ev event.Event) error {
	data, err := encodeEnvelope(a.origin, roomKey, ev)
	if err != nil {
		return err
	}
	if err := a.conn.Publish(roomSubject(roomKey), data); err != nil {
		return fmt.Errorf("relay: nats publish %s: %w", roomKey, err)
	}
	return nil
}

// OnRelayed subscribes to all room subjects and invokes handler for events
// originating from other processes. Events published by this process are
// skipped by origin ID.
func (a *NATSAdapter) OnRelayed(handler func(ev event.Event)) {
	sub, err := a.conn.Subscribe(subjectPrefix+".>", func(msg *nats.Msg) {
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			log.Printf("[relay/nats] %v", err)
			return
		}
		if env.Origin == a.origin {
			return // our own publish echoed back
		}
		handler(env.Event)
	})
	if err != nil {
		log.Printf("[relay/nats] subscribe failed: %v", err)
		return
	}
	a.sub = sub
}

// Close drains the subscription and the connection.
func (a *NATSAdapter) Close() {
	if a.sub != nil {
		if err := a.sub.Drain(); err != nil {
			log.Printf("[relay/nats] drain subscription: %v", err)
		}
	}
	if err := a.conn.Drain(); err != nil {
		log.Printf("[relay/nats] connection drain: %v", err)
	}
	log.Printf("[relay/nats] adapter closed")
}

// roomSubject maps a room key onto a NATS subject.
func roomSubject(roomKey string) string {
	return subjectPrefix + "." + strings.ReplaceAll(roomKey, ":", ".")
}
