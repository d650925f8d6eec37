// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/hivedesk/collab-app/internal/event"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinChannel    = "join_channel"
	TypeLeaveChannel   = "leave_channel"
	TypeMessageSent    = "message_sent"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypePresenceUpdate = "presence_update"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeConnected       = "connected"
	TypeChannelJoined   = "channel_joined"
	TypeMessageReceived = "message_received"
	TypeUserTyping      = "user_typing"
	TypePresenceChange  = "presence_update"
	TypeUserOnline      = "user_online"
	TypeUserOffline     = "user_offline"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinChannelMsg is sent by the client to join a channel room and start
// receiving its real-time events.
type JoinChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// LeaveChannelMsg is sent by the client to leave a channel room.
type LeaveChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// MessageSentMsg is sent by the client after it has persisted a message via
// the CRUD API. The server treats it purely as a publish trigger; the
// message payload is the already-persisted row, passed through verbatim so
// clients receive stable final identifiers for temp-id reconciliation.
type MessageSentMsg struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channel_id"`
	Message   json.RawMessage `json:"message"`
}

// TypingStartMsg signals the client's user began typing in a channel. The
// display name is client-supplied; the user ID comes from the connection.
type TypingStartMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	UserName  string `json:"user_name"`
}

// TypingStopMsg signals the client's user stopped typing in a channel.
type TypingStopMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// PresenceUpdateMsg is an explicit client-originated status change. Only
// online and away are accepted; offline is derived from disconnects.
type PresenceUpdateMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server once the handshake completes and the
// connection is registered.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	WorkspaceID  string `json:"workspace_id"`
}

// ChannelJoinedMsg acknowledges a successful join_channel request.
type ChannelJoinedMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// MessageReceivedMsg carries channel message activity to room members.
// Reaction changes ride the same frame type, so clients must discriminate on
// the populated fields. Exactly three shapes appear on the wire:
//
//   - new message:      channel_id + message (+ mentions when present)
//   - reaction added:   channel_id + message_id + reaction
//   - reaction removed: channel_id + message_id + reaction_id + removed=true
//
// message is never set alongside message_id, and removed only ever
// accompanies reaction_id.
type MessageReceivedMsg struct {
	Type       string          `json:"type"`
	ChannelID  string          `json:"channel_id"`
	Message    json.RawMessage `json:"message,omitempty"`
	Mentions   []string        `json:"mentions,omitempty"`
	MessageID  string          `json:"message_id,omitempty"`
	Reaction   json.RawMessage `json:"reaction,omitempty"`
	ReactionID string          `json:"reaction_id,omitempty"`
	Removed    bool            `json:"removed,omitempty"`
}

// UserTypingMsg relays a typing indicator to channel room members. An empty
// user_name means the user stopped typing.
type UserTypingMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
}

// PresenceChangeMsg relays an away-status change to workspace room members.
type PresenceChangeMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// UserOnlineMsg announces a user coming online in the workspace.
type UserOnlineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// UserOfflineMsg announces a user going offline, with the last-seen stamp.
type UserOfflineMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	LastSeen int64  `json:"last_seen"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChannel:
		var m JoinChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChannel:
		var m LeaveChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSent:
		var m MessageSentMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresenceUpdate:
		var m PresenceUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the
	// "type" field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// FromEvent maps a fan-out event onto its server-to-client wire frame.
// Presence transitions split across three frame types: online and offline
// get dedicated announcements, away rides the generic presence_update.
func FromEvent(ev event.Event) ([]byte, error) {
	switch ev.Kind {
	case event.KindMessageReceived:
		return NewServerMessage(TypeMessageReceived, MessageReceivedMsg{
			ChannelID: ev.ChannelID,
			Message:   ev.Message,
			Mentions:  ev.Mentions,
		})
	case event.KindReactionAdded:
		return NewServerMessage(TypeMessageReceived, MessageReceivedMsg{
			ChannelID: ev.ChannelID,
			MessageID: ev.MessageID,
			Reaction:  ev.Reaction,
		})
	case event.KindReactionRemoved:
		return NewServerMessage(TypeMessageReceived, MessageReceivedMsg{
			ChannelID:  ev.ChannelID,
			MessageID:  ev.MessageID,
			ReactionID: ev.ReactionID,
			Removed:    true,
		})
	case event.KindUserTyping:
		return NewServerMessage(TypeUserTyping, UserTypingMsg{
			ChannelID: ev.ChannelID,
			UserID:    ev.UserID,
			UserName:  ev.UserName,
		})
	case event.KindPresenceChanged:
		switch ev.Status {
		case event.StatusOnline:
			return NewServerMessage(TypeUserOnline, UserOnlineMsg{UserID: ev.UserID})
		case event.StatusOffline:
			return NewServerMessage(TypeUserOffline, UserOfflineMsg{
				UserID:   ev.UserID,
				LastSeen: ev.LastSeen,
			})
		default:
			return NewServerMessage(TypePresenceChange, PresenceChangeMsg{
				UserID:   ev.UserID,
				Status:   ev.Status,
				LastSeen: ev.LastSeen,
			})
		}
	default:
		return nil, fmt.Errorf("protocol: no wire frame for event kind %q", ev.Kind)
	}
}
