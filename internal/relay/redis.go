package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hivedesk/collab-app/internal/event"
)

// redisChannel is the single Pub/Sub channel carrying all relayed room
// events. Room-level filtering happens in the fan-out engine (an event for
// a room with no local members delivers to nobody), so one channel keeps
// the subscription management trivial.
const redisChannel = "rt:rooms"

// publishTimeout bounds a single PUBLISH call so a stalled Redis node
// degrades to dropped relays instead of blocking publishers.
const publishTimeout = 2 * time.Second

// RedisAdapter relays room events over a Redis Pub/Sub channel. It shares
// the Redis client already used for session records and rate limiting.
type RedisAdapter struct {
	client *redis.Client
	origin string
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisAdapter creates an adapter on the given client. origin uniquely
// identifies this server process on the bus. The client is shared and is
// not closed by Close.
func NewRedisAdapter(client *redis.Client, origin string) *RedisAdapter {
	return &RedisAdapter{
		client: client,
		origin: origin,
		done:   make(chan struct{}),
	}
}

// Relay publishes the event to the shared channel.
func (a *RedisAdapter) Relay(roomKey string, ev event.Event) error {
	data, err := encodeEnvelope(a.origin, roomKey, ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.client.Publish(ctx, redisChannel, data).Err(); err != nil {
		return fmt.Errorf("relay: redis publish %s: %w", roomKey, err)
	}
	return nil
}

// OnRelayed subscribes to the shared channel and invokes handler for events
// originating from other processes. go-redis re-establishes the Pub/Sub
// subscription automatically after connection loss.
func (a *RedisAdapter) OnRelayed(handler func(ev event.Event)) {
	a.pubsub = a.client.Subscribe(context.Background(), redisChannel)

	go func() {
		ch := a.pubsub.Channel()
		for {
			select {
			case <-a.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := decodeEnvelope([]byte(msg.Payload))
				if err != nil {
					log.Printf("[relay/redis] %v", err)
					continue
				}
				if env.Origin == a.origin {
					continue // our own publish echoed back
				}
				handler(env.Event)
			}
		}
	}()
}

// Close stops the subscriber goroutine and closes the Pub/Sub subscription.
func (a *RedisAdapter) Close() {
	close(a.done)
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			log.Printf("[relay/redis] close subscription: %v", err)
		}
	}
	log.Printf("[relay/redis] adapter closed")
}
