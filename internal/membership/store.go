// Package membership provides PostgreSQL-backed channel membership lookups.
// The real-time core never decides authorization itself; this store backs
// the injected canAccessChannel capability check with the same relational
// rows the CRUD API maintains.
package membership

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// queryTimeout bounds a single membership lookup. Access checks sit on the
// join_channel hot path and must not hang a reader worker on a slow
// database.
const queryTimeout = 3 * time.Second

// Store answers channel-access questions from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a membership store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CanAccessChannel reports whether the user is a member of the channel.
// Database errors fail closed: wrongly admitting a connection to a channel
// room leaks messages, wrongly rejecting one only delays a join until
// retry.
func (s *Store) CanAccessChannel(ctx context.Context, userID, channelID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM channel_members
			WHERE user_id = $1 AND channel_id = $2
		)`

	var member bool
	if err := s.db.QueryRowContext(ctx, query, userID, channelID).Scan(&member); err != nil {
		return false, fmt.Errorf("membership: access check user=%s channel=%s: %w", userID, channelID, err)
	}
	return member, nil
}

// ChannelMembers returns the user IDs with access to the channel. Used by
// operational tooling; fan-out itself works off live room membership, not
// this table.
func (s *Store) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	const query = `SELECT user_id FROM channel_members WHERE channel_id = $1 ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("membership: list channel=%s: %w", channelID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("membership: scan channel=%s: %w", channelID, err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("membership: iterate channel=%s: %w", channelID, err)
	}
	return users, nil
}

// AccessFunc adapts the store to the room manager's injected predicate
// shape. Each check runs under its own timeout; errors are logged and
// treated as denial.
func (s *Store) AccessFunc() func(userID, channelID string) bool {
	return func(userID, channelID string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()

		ok, err := s.CanAccessChannel(ctx, userID, channelID)
		if err != nil {
			log.Printf("[membership] %v (denying)", err)
			return false
		}
		return ok
	}
}
