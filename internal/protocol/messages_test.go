package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hivedesk/collab-app/internal/event"
)

func TestParseClientMessage_JoinChannel(t *testing.T) {
	data := []byte(`{"type":"join_channel","channel_id":"general"}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("ParseClientMessage failed: %v", err)
	}
	if msgType != TypeJoinChannel {
		t.Errorf("type = %q, want join_channel", msgType)
	}

	joinMsg, ok := msg.(JoinChannelMsg)
	if !ok {
		t.Fatalf("msg is %T, want JoinChannelMsg", msg)
	}
	if joinMsg.ChannelID != "general" {
		t.Errorf("channel_id = %q, want general", joinMsg.ChannelID)
	}
}

func TestParseClientMessage_MessageSentKeepsRawPayload(t *testing.T) {
	data := []byte(`{"type":"message_sent","channel_id":"general","message":{"id":"m1","content":"hi","temp_id":"t-9"}}`)

	_, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("ParseClientMessage failed: %v", err)
	}

	sentMsg, ok := msg.(MessageSentMsg)
	if !ok {
		t.Fatalf("msg is %T, want MessageSentMsg", msg)
	}

	// The payload passes through verbatim so clients can reconcile temp IDs.
	var payload map[string]string
	if err := json.Unmarshal(sentMsg.Message, &payload); err != nil {
		t.Fatalf("raw message did not decode: %v", err)
	}
	if payload["temp_id"] != "t-9" || payload["id"] != "m1" {
		t.Errorf("payload fields lost in transit: %v", payload)
	}
}

func TestParseClientMessage_PresenceUpdate(t *testing.T) {
	data := []byte(`{"type":"presence_update","status":"away"}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("ParseClientMessage failed: %v", err)
	}
	if msgType != TypePresenceUpdate {
		t.Errorf("type = %q, want presence_update", msgType)
	}
	if presMsg := msg.(PresenceUpdateMsg); presMsg.Status != "away" {
		t.Errorf("status = %q, want away", presMsg.Status)
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"channel_id":"general"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"self_destruct"}`},
		{"server-only type", `{"type":"user_online","user_id":"u1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tc.data)); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeChannelJoined, ChannelJoinedMsg{ChannelID: "general"})
	if err != nil {
		t.Fatalf("NewServerMessage failed: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output did not decode: %v", err)
	}
	if m["type"] != "channel_joined" {
		t.Errorf("type = %v, want channel_joined", m["type"])
	}
	if m["channel_id"] != "general" {
		t.Errorf("channel_id = %v, want general", m["channel_id"])
	}
}

func TestFromEvent_MessageReceived(t *testing.T) {
	ev := event.NewMessageReceived("general", json.RawMessage(`{"id":"m1"}`), []string{"bob"}, "")

	data, err := FromEvent(ev)
	if err != nil {
		t.Fatalf("FromEvent failed: %v", err)
	}

	var frame MessageReceivedMsg
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame did not decode: %v", err)
	}
	if frame.Type != TypeMessageReceived || frame.ChannelID != "general" {
		t.Errorf("frame = %+v", frame)
	}
	if len(frame.Mentions) != 1 || frame.Mentions[0] != "bob" {
		t.Errorf("mentions = %v, want [bob]", frame.Mentions)
	}
}

func TestFromEvent_ReactionsRideMessageReceived(t *testing.T) {
	added := event.NewReactionAdded("general", "m1", json.RawMessage(`{"emoji":"+1","user_id":"u2"}`))
	data, err := FromEvent(added)
	if err != nil {
		t.Fatalf("FromEvent(reaction_added) failed: %v", err)
	}
	var frame MessageReceivedMsg
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame did not decode: %v", err)
	}
	if frame.Type != TypeMessageReceived || frame.MessageID != "m1" || len(frame.Reaction) == 0 {
		t.Errorf("reaction_added frame = %+v", frame)
	}
	if frame.Removed {
		t.Error("reaction_added frame should not set removed")
	}

	removed := event.NewReactionRemoved("general", "m1", "r7")
	data, err = FromEvent(removed)
	if err != nil {
		t.Fatalf("FromEvent(reaction_removed) failed: %v", err)
	}
	frame = MessageReceivedMsg{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame did not decode: %v", err)
	}
	if frame.ReactionID != "r7" || !frame.Removed {
		t.Errorf("reaction_removed frame = %+v", frame)
	}
}

func TestFromEvent_PresenceSplitsAcrossFrameTypes(t *testing.T) {
	cases := []struct {
		status   string
		wantType string
	}{
		{event.StatusOnline, TypeUserOnline},
		{event.StatusOffline, TypeUserOffline},
		{event.StatusAway, TypePresenceChange},
	}

	for _, tc := range cases {
		ev := event.Event{
			Kind:     event.KindPresenceChanged,
			Room:     "workspace:w1",
			UserID:   "u1",
			Status:   tc.status,
			LastSeen: 1700000000,
		}
		data, err := FromEvent(ev)
		if err != nil {
			t.Fatalf("FromEvent(%s) failed: %v", tc.status, err)
		}

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("frame did not decode: %v", err)
		}
		if frame.Type != tc.wantType {
			t.Errorf("status %s -> frame type %q, want %q", tc.status, frame.Type, tc.wantType)
		}
	}
}

func TestFromEvent_OfflineCarriesLastSeen(t *testing.T) {
	ev := event.Event{
		Kind:     event.KindPresenceChanged,
		Room:     "workspace:w1",
		UserID:   "u1",
		Status:   event.StatusOffline,
		LastSeen: 1700000000,
	}
	data, err := FromEvent(ev)
	if err != nil {
		t.Fatalf("FromEvent failed: %v", err)
	}

	var frame UserOfflineMsg
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame did not decode: %v", err)
	}
	if frame.LastSeen != 1700000000 {
		t.Errorf("last_seen = %d, want 1700000000", frame.LastSeen)
	}
}

func TestFromEvent_UnknownKind(t *testing.T) {
	if _, err := FromEvent(event.Event{Kind: "mystery", Room: "channel:x"}); err == nil {
		t.Error("unknown event kind should fail to encode")
	}
}

func TestValidateMessagePayload(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid object", `{"id":"m1","content":"hello"}`, false},
		{"no content field", `{"id":"m1"}`, false},
		{"empty payload", ``, true},
		{"not an object", `[1,2,3]`, true},
		{"content not a string", `{"content":42}`, true},
		{"content at limit", `{"content":"` + strings.Repeat("a", MaxContentChars) + `"}`, false},
		{"content over limit", `{"content":"` + strings.Repeat("a", MaxContentChars+1) + `"}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessagePayload(json.RawMessage(tc.payload))
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateMessagePayload = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateMessagePayload_SizeCap(t *testing.T) {
	big := `{"content":"x","pad":"` + strings.Repeat("p", MaxMessagePayloadBytes) + `"}`
	if err := ValidateMessagePayload(json.RawMessage(big)); err == nil {
		t.Error("oversized payload should be rejected")
	}
}

func TestValidateUserName(t *testing.T) {
	if err := ValidateUserName(""); err != nil {
		t.Errorf("empty name (stopped typing) should be valid: %v", err)
	}
	if err := ValidateUserName("Alice Møller"); err != nil {
		t.Errorf("unicode name should be valid: %v", err)
	}
	if err := ValidateUserName(strings.Repeat("a", MaxUserNameChars+1)); err == nil {
		t.Error("over-length name should be rejected")
	}
}
