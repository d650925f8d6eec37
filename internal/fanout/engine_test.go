package fanout

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/hivedesk/collab-app/internal/event"
)

// fakeRooms maps room keys to fixed member snapshots.
type fakeRooms map[string][]string

func (f fakeRooms) MembersOf(roomKey string) []string {
	return f[roomKey]
}

// fakeSender records frames per connection and fails for IDs in failFor.
type fakeSender struct {
	frames  map[string][][]byte
	failFor map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][][]byte), failFor: make(map[string]bool)}
}

func (f *fakeSender) Send(connID string, data []byte) error {
	if f.failFor[connID] {
		return errors.New("connection gone")
	}
	f.frames[connID] = append(f.frames[connID], data)
	return nil
}

// fakeRelay counts relays per room and optionally fails.
type fakeRelay struct {
	relayed []string // room keys in relay order
	err     error
}

func (f *fakeRelay) Relay(roomKey string, ev event.Event) error {
	if f.err != nil {
		return f.err
	}
	f.relayed = append(f.relayed, roomKey)
	return nil
}

func msg(channelID string) event.Event {
	return event.NewMessageReceived(channelID, json.RawMessage(`{"id":"m1","content":"hi"}`), nil, "")
}

func TestPublish_DeliversToRoomMembersOnly(t *testing.T) {
	rooms := fakeRooms{
		"channel:general": {"c1", "c2"},
		"channel:random":  {"c3"},
	}
	send := newFakeSender()
	e := NewEngine(rooms, send, nil)

	e.Publish(msg("general"))

	if len(send.frames["c1"]) != 1 || len(send.frames["c2"]) != 1 {
		t.Errorf("general members should receive 1 frame each, got c1=%d c2=%d",
			len(send.frames["c1"]), len(send.frames["c2"]))
	}
	if len(send.frames["c3"]) != 0 {
		t.Errorf("member of another room received %d frames, want 0", len(send.frames["c3"]))
	}
}

func TestPublish_ExcludesOriginatingConnection(t *testing.T) {
	rooms := fakeRooms{"channel:general": {"sender-tab", "other-tab", "c2"}}
	send := newFakeSender()
	e := NewEngine(rooms, send, nil)

	ev := event.NewMessageReceived("general", json.RawMessage(`{"id":"m1"}`), nil, "sender-tab")
	e.Publish(ev)

	if len(send.frames["sender-tab"]) != 0 {
		t.Error("originating connection should be excluded from delivery")
	}
	// The sender's other tab still receives the event.
	if len(send.frames["other-tab"]) != 1 || len(send.frames["c2"]) != 1 {
		t.Errorf("other members should receive the event: other-tab=%d c2=%d",
			len(send.frames["other-tab"]), len(send.frames["c2"]))
	}
}

func TestPublish_SendFailureDoesNotStopFanout(t *testing.T) {
	rooms := fakeRooms{"channel:general": {"dead", "c2", "c3"}}
	send := newFakeSender()
	send.failFor["dead"] = true
	e := NewEngine(rooms, send, nil)

	e.Publish(msg("general"))

	if len(send.frames["c2"]) != 1 || len(send.frames["c3"]) != 1 {
		t.Errorf("healthy members should receive despite one failure: c2=%d c3=%d",
			len(send.frames["c2"]), len(send.frames["c3"]))
	}
}

func TestPublish_RelaysExactlyOnce(t *testing.T) {
	rooms := fakeRooms{"channel:general": {"c1", "c2", "c3"}}
	relay := &fakeRelay{}
	e := NewEngine(rooms, newFakeSender(), relay)

	e.Publish(msg("general"))

	if len(relay.relayed) != 1 || relay.relayed[0] != "channel:general" {
		t.Errorf("relayed = %v, want exactly one relay to channel:general", relay.relayed)
	}
}

func TestPublish_RelaysEvenWithNoLocalMembers(t *testing.T) {
	rooms := fakeRooms{} // nobody here; members may live on other processes
	relay := &fakeRelay{}
	e := NewEngine(rooms, newFakeSender(), relay)

	e.Publish(msg("general"))

	if len(relay.relayed) != 1 {
		t.Errorf("relayed %d times, want 1 even with an empty local room", len(relay.relayed))
	}
}

func TestPublish_RelayFailureStillDeliversLocally(t *testing.T) {
	rooms := fakeRooms{"channel:general": {"c1"}}
	relay := &fakeRelay{err: errors.New("bus down")}
	send := newFakeSender()
	e := NewEngine(rooms, send, relay)

	e.Publish(msg("general"))

	if len(send.frames["c1"]) != 1 {
		t.Error("local delivery should proceed when the relay is unreachable")
	}
}

func TestDeliverLocal_NeverRelays(t *testing.T) {
	rooms := fakeRooms{"channel:general": {"c1"}}
	relay := &fakeRelay{}
	send := newFakeSender()
	e := NewEngine(rooms, send, relay)

	e.DeliverLocal(msg("general"))

	if len(relay.relayed) != 0 {
		t.Errorf("DeliverLocal relayed %d times, want 0 (loop prevention)", len(relay.relayed))
	}
	if len(send.frames["c1"]) != 1 {
		t.Error("DeliverLocal should deliver to local members")
	}
}

func TestPublish_PerRoomOrderPreserved(t *testing.T) {
	rooms := fakeRooms{"channel:general": {"c1"}}
	send := newFakeSender()
	e := NewEngine(rooms, send, nil)

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		e.Publish(event.NewMessageReceived("general", payload, nil, ""))
	}

	frames := send.frames["c1"]
	if len(frames) != 5 {
		t.Fatalf("received %d frames, want 5", len(frames))
	}
	for i, frame := range frames {
		var decoded struct {
			Message struct {
				Seq int `json:"seq"`
			} `json:"message"`
		}
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("frame %d did not decode: %v", i, err)
		}
		if decoded.Message.Seq != i {
			t.Errorf("frame %d carries seq %d, want %d (order violated)", i, decoded.Message.Seq, i)
		}
	}
}

func TestPublish_MessageFlowEndToEnd(t *testing.T) {
	// Channel room with the sender's two tabs and two other members, one of
	// which has a dead socket.
	rooms := fakeRooms{"channel:design": {"alice-tab1", "alice-tab2", "bob", "carol"}}
	send := newFakeSender()
	send.failFor["carol"] = true
	relay := &fakeRelay{}
	e := NewEngine(rooms, send, relay)

	payload := json.RawMessage(`{"id":"m42","content":"ship it @bob"}`)
	e.Publish(event.NewMessageReceived("design", payload, []string{"bob"}, "alice-tab1"))

	if len(send.frames["alice-tab1"]) != 0 {
		t.Error("sender's originating tab should not receive its own message")
	}
	if len(send.frames["alice-tab2"]) != 1 {
		t.Error("sender's second tab should receive the message")
	}
	if len(send.frames["bob"]) != 1 {
		t.Error("bob should receive the message")
	}
	if len(relay.relayed) != 1 {
		t.Errorf("relayed %d times, want 1", len(relay.relayed))
	}

	var frame struct {
		Type     string   `json:"type"`
		Mentions []string `json:"mentions"`
	}
	if err := json.Unmarshal(send.frames["bob"][0], &frame); err != nil {
		t.Fatalf("frame did not decode: %v", err)
	}
	if frame.Type != "message_received" {
		t.Errorf("frame type = %q, want message_received", frame.Type)
	}
	if len(frame.Mentions) != 1 || frame.Mentions[0] != "bob" {
		t.Errorf("frame mentions = %v, want [bob]", frame.Mentions)
	}
}
