// Package event defines the outbound notification payloads fanned out to
// room members and relayed between server processes. Events are immutable
// once constructed and carry their target room key explicitly, so the
// fan-out engine and the relay transport never need to re-derive routing.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds.
const (
	KindMessageReceived = "message_received"
	KindReactionAdded   = "reaction_added"
	KindReactionRemoved = "reaction_removed"
	KindUserTyping      = "user_typing"
	KindPresenceChanged = "presence_changed"
)

// Presence status values carried by PresenceChanged events.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Event is the tagged union of everything the core delivers. Only the
// fields relevant to Kind are populated; the rest stay at their zero value
// and are omitted from the JSON encoding. Room is the full target room key
// (workspace:{id} or channel:{id}).
type Event struct {
	Kind string `json:"kind"`
	Room string `json:"room"`

	// Channel events.
	ChannelID string          `json:"channel_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`  // message_received: persisted message row
	Mentions  []string        `json:"mentions,omitempty"` // message_received: names extracted from the body

	// Reaction events.
	MessageID  string          `json:"message_id,omitempty"`
	Reaction   json.RawMessage `json:"reaction,omitempty"`
	ReactionID string          `json:"reaction_id,omitempty"`

	// Typing and presence events.
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"` // user_typing: empty means stopped typing
	Status   string `json:"status,omitempty"`
	LastSeen int64  `json:"last_seen,omitempty"` // unix seconds, set on non-online transitions

	// ExcludeConnID suppresses delivery to the originating connection
	// (message_received only — the sender already holds an optimistic
	// local copy). Local-only: never serialized, never relayed.
	ExcludeConnID string `json:"-"`
}

// NewMessageReceived builds a message_received event targeting the channel
// room. excludeConnID may be empty to deliver to every member including the
// sender's own connections.
func NewMessageReceived(channelID string, message json.RawMessage, mentions []string, excludeConnID string) Event {
	return Event{
		Kind:          KindMessageReceived,
		Room:          ChannelRoom(channelID),
		ChannelID:     channelID,
		Message:       message,
		Mentions:      mentions,
		ExcludeConnID: excludeConnID,
	}
}

// NewReactionAdded builds a reaction_added event targeting the channel room.
func NewReactionAdded(channelID, messageID string, reaction json.RawMessage) Event {
	return Event{
		Kind:      KindReactionAdded,
		Room:      ChannelRoom(channelID),
		ChannelID: channelID,
		MessageID: messageID,
		Reaction:  reaction,
	}
}

// NewReactionRemoved builds a reaction_removed event targeting the channel room.
func NewReactionRemoved(channelID, messageID, reactionID string) Event {
	return Event{
		Kind:       KindReactionRemoved,
		Room:       ChannelRoom(channelID),
		ChannelID:  channelID,
		MessageID:  messageID,
		ReactionID: reactionID,
	}
}

// NewUserTyping builds a user_typing event. An empty userName signals that
// the user stopped typing.
func NewUserTyping(channelID, userID, userName string) Event {
	return Event{
		Kind:      KindUserTyping,
		Room:      ChannelRoom(channelID),
		ChannelID: channelID,
		UserID:    userID,
		UserName:  userName,
	}
}

// NewPresenceChanged builds a presence_changed event targeting the workspace
// room. lastSeen is zero for online transitions.
func NewPresenceChanged(workspaceID, userID, status string, lastSeen time.Time) Event {
	ev := Event{
		Kind:   KindPresenceChanged,
		Room:   WorkspaceRoom(workspaceID),
		UserID: userID,
		Status: status,
	}
	if !lastSeen.IsZero() {
		ev.LastSeen = lastSeen.Unix()
	}
	return ev
}

// WorkspaceRoom returns the room key for a workspace-scope room.
func WorkspaceRoom(workspaceID string) string {
	return "workspace:" + workspaceID
}

// ChannelRoom returns the room key for a channel-scope room.
func ChannelRoom(channelID string) string {
	return "channel:" + channelID
}

// Encode serializes the event for relay transport. ExcludeConnID is
// intentionally dropped: exclusion only applies on the originating process,
// where the sender's connection lives.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", e.Kind, err)
	}
	return data, nil
}

// Decode parses a relayed event payload.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("event: decode: missing kind")
	}
	if ev.Room == "" {
		return Event{}, fmt.Errorf("event: decode: missing room")
	}
	return ev, nil
}
