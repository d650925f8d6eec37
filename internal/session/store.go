// Package session mirrors live connection records into Redis. The
// authoritative registry is in-process memory; these records exist for
// cross-process visibility — operators and sibling services can see which
// server instance owns a connection, for which user and workspace, and
// how recently it was active. Records expire on TTL so a crashed server
// leaks nothing permanent.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for all connection hashes.
	ConnPrefix = "conn:"

	// ConnTTL is the time-to-live for connection records. The heartbeat
	// refreshes it; a record that outlives its TTL belongs to a dead
	// server.
	ConnTTL = 5 * time.Minute
)

// Record is a connection's Redis mirror.
type Record struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	WorkspaceID string `redis:"workspace_id"`
	Server      string `redis:"server"`       // which server instance owns the connection
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new connection record with the configured TTL.
func (s *Store) Create(ctx context.Context, connID, userID, workspaceID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":           connID,
		"user_id":      userID,
		"workspace_id": workspaceID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	key := ConnPrefix + connID
	var record Record
	err := s.client.HGetAll(ctx, key).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.ID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// Touch updates the record's last-active stamp and refreshes the TTL.
// Called by the heartbeat for every live connection.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (rate limiting and the Redis relay backend share it).
func (s *Store) Client() *redis.Client {
	return s.client
}
