package registry

import (
	"testing"
	"time"
)

// fakeRooms records RoomSet calls for assertion.
type fakeRooms struct {
	added   []string // "connID/workspaceID"
	removed []string
}

func (f *fakeRooms) AddWorkspace(connID, workspaceID string) {
	f.added = append(f.added, connID+"/"+workspaceID)
}

func (f *fakeRooms) RemoveAll(connID string) {
	f.removed = append(f.removed, connID)
}

func TestRegister_Basic(t *testing.T) {
	r := New()

	c, err := r.Register("c1", "u1", "w1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if c.ID != "c1" || c.UserID != "u1" || c.WorkspaceID != "w1" {
		t.Errorf("unexpected conn fields: %+v", c)
	}
	if c.ConnectedAt.IsZero() {
		t.Error("ConnectedAt should be stamped")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
	if r.Get("c1") == nil {
		t.Error("Get should return the registered conn")
	}
}

func TestRegister_DuplicateID(t *testing.T) {
	r := New()

	if _, err := r.Register("c1", "u1", "w1"); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if _, err := r.Register("c1", "u2", "w1"); err != ErrDuplicateConnection {
		t.Errorf("duplicate Register error = %v, want ErrDuplicateConnection", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1 after rejected duplicate", r.Count())
	}
}

func TestRegister_JoinsWorkspaceRoom(t *testing.T) {
	r := New()
	rooms := &fakeRooms{}
	r.SetRooms(rooms)

	if _, err := r.Register("c1", "u1", "w1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(rooms.added) != 1 || rooms.added[0] != "c1/w1" {
		t.Errorf("AddWorkspace calls = %v, want [c1/w1]", rooms.added)
	}
}

func TestRegister_WorkspaceRoomBeforeConnectHook(t *testing.T) {
	r := New()
	rooms := &fakeRooms{}
	r.SetRooms(rooms)

	// The connect hook must observe the connection already in its workspace
	// room, so a presence broadcast fired from the hook reaches it.
	r.OnConnect = func(userID, workspaceID string, seq uint64) {
		if len(rooms.added) != 1 {
			t.Error("OnConnect fired before workspace room join")
		}
	}

	if _, err := r.Register("c1", "u1", "w1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	r := New()
	disconnects := 0
	r.OnDisconnect = func(userID, workspaceID string, remaining int, seq uint64, at time.Time) {
		disconnects++
	}

	if _, err := r.Register("c1", "u1", "w1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r.Unregister("c1")
	r.Unregister("c1") // second call must be a no-op
	r.Unregister("never-existed")

	if disconnects != 1 {
		t.Errorf("OnDisconnect fired %d times, want 1", disconnects)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
	if r.Get("c1") != nil {
		t.Error("Get should return nil after unregister")
	}
}

func TestUnregister_RemovesFromRoomsBeforeDisconnectHook(t *testing.T) {
	r := New()
	rooms := &fakeRooms{}
	r.SetRooms(rooms)

	r.OnDisconnect = func(userID, workspaceID string, remaining int, seq uint64, at time.Time) {
		if len(rooms.removed) != 1 {
			t.Error("OnDisconnect fired before room removal")
		}
	}

	if _, err := r.Register("c1", "u1", "w1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Unregister("c1")

	if len(rooms.removed) != 1 || rooms.removed[0] != "c1" {
		t.Errorf("RemoveAll calls = %v, want [c1]", rooms.removed)
	}
}

func TestUnregister_RemainingCount(t *testing.T) {
	r := New()
	var remainings []int
	r.OnDisconnect = func(userID, workspaceID string, remaining int, seq uint64, at time.Time) {
		remainings = append(remainings, remaining)
	}

	// Same user, same workspace, two tabs.
	if _, err := r.Register("c1", "u1", "w1"); err != nil {
		t.Fatalf("Register c1 failed: %v", err)
	}
	if _, err := r.Register("c2", "u1", "w1"); err != nil {
		t.Fatalf("Register c2 failed: %v", err)
	}

	r.Unregister("c1")
	r.Unregister("c2")

	if len(remainings) != 2 || remainings[0] != 1 || remainings[1] != 0 {
		t.Errorf("remaining counts = %v, want [1 0]", remainings)
	}
}

func TestHooks_SequencedInMutationOrder(t *testing.T) {
	r := New()
	var seqs []uint64
	r.OnConnect = func(userID, workspaceID string, seq uint64) {
		seqs = append(seqs, seq)
	}
	r.OnDisconnect = func(userID, workspaceID string, remaining int, seq uint64, at time.Time) {
		seqs = append(seqs, seq)
	}

	r.Register("c1", "u1", "w1")
	r.Register("c2", "u1", "w1")
	r.Unregister("c1")
	r.Unregister("c2")

	if len(seqs) != 4 {
		t.Fatalf("got %d hook invocations, want 4", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("hook sequence numbers not strictly increasing: %v", seqs)
		}
	}
}

func TestConnectionsForUser(t *testing.T) {
	r := New()

	r.Register("c1", "u1", "w1")
	r.Register("c2", "u1", "w1")
	r.Register("c3", "u1", "w2") // same user, different workspace
	r.Register("c4", "u2", "w1") // different user

	conns := r.ConnectionsForUser("u1", "w1")
	if len(conns) != 2 {
		t.Fatalf("ConnectionsForUser returned %d conns, want 2", len(conns))
	}
	for _, c := range conns {
		if c.UserID != "u1" || c.WorkspaceID != "w1" {
			t.Errorf("unexpected conn in result: %+v", c)
		}
	}

	if got := r.ConnectionsForUser("u9", "w1"); len(got) != 0 {
		t.Errorf("unknown user should yield empty slice, got %v", got)
	}
}
