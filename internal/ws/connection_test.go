package ws

import (
	"net"
	"testing"
	"time"
)

func newPipeConnection(queueDepth int) (*Connection, net.Conn) {
	server, client := net.Pipe()
	c := newConnection("c1", "u1", "w1", server, 0, queueDepth, time.Second)
	return c, client
}

func TestEnqueue_QueueFullWhenClientStalls(t *testing.T) {
	// The client side never reads, so the writer goroutine blocks on the
	// first frame and the queue backs up behind it.
	c, client := newPipeConnection(1)
	defer c.Close()
	defer client.Close()

	sawFull := false
	for i := 0; i < 3; i++ {
		if err := c.Enqueue([]byte("frame")); err == ErrQueueFull {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Error("expected ErrQueueFull once the queue backed up")
	}
}

func TestEnqueue_AfterClose(t *testing.T) {
	c, client := newPipeConnection(8)
	defer client.Close()

	c.Close()
	if err := c.Enqueue([]byte("frame")); err != net.ErrClosed {
		t.Errorf("Enqueue after close = %v, want net.ErrClosed", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	c, client := newPipeConnection(8)
	defer client.Close()

	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestConnectionManager_AddRemove(t *testing.T) {
	cm := NewConnectionManager()
	c, client := newPipeConnection(8)
	defer client.Close()

	cm.Add(c)
	if cm.Count() != 1 {
		t.Fatalf("Count = %d, want 1", cm.Count())
	}
	if cm.Get("c1") != c {
		t.Error("Get should return the added connection")
	}

	if !cm.Remove("c1") {
		t.Error("Remove should report the connection was present")
	}
	if cm.Remove("c1") {
		t.Error("second Remove should report the connection was gone")
	}
	if cm.Count() != 0 {
		t.Errorf("Count = %d, want 0", cm.Count())
	}
}
