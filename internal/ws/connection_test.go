package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
)

func newPipeConnection(t *testing.T, queueSize int) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := NewConnection("conn-1", server, -1, queueSize, time.Second)
	return c, client
}

func TestEnqueueDeliversTextFrame(t *testing.T) {
	c, client := newPipeConnection(t, 4)
	go c.WritePump()
	defer c.Close()

	if !c.Enqueue([]byte(`{"type":"message"}`)) {
		t.Fatal("Enqueue returned false on an open connection")
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	data, err := wsutil.ReadServerText(client)
	if err != nil {
		t.Fatalf("ReadServerText failed: %v", err)
	}
	if string(data) != `{"type":"message"}` {
		t.Errorf("got frame %q, want the enqueued payload", data)
	}
}

func TestEnqueuePreservesFrameOrder(t *testing.T) {
	c, client := newPipeConnection(t, 8)
	go c.WritePump()
	defer c.Close()

	payloads := []string{"first", "second", "third"}
	for _, p := range payloads {
		if !c.Enqueue([]byte(p)) {
			t.Fatalf("Enqueue(%q) returned false", p)
		}
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	for _, want := range payloads {
		data, err := wsutil.ReadServerText(client)
		if err != nil {
			t.Fatalf("ReadServerText failed: %v", err)
		}
		if string(data) != want {
			t.Errorf("got frame %q, want %q", data, want)
		}
	}
}

func TestEnqueueAfterCloseReturnsFalse(t *testing.T) {
	c, _ := newPipeConnection(t, 4)
	go c.WritePump()

	c.Close()

	if c.Enqueue([]byte("late")) {
		t.Error("Enqueue succeeded on a closed connection")
	}
	if c.Alive() {
		t.Error("Alive() = true after Close")
	}
}

func TestEnqueueFullQueueDropsFrame(t *testing.T) {
	// No WritePump draining, so the queue stays full.
	c, _ := newPipeConnection(t, 1)

	if !c.Enqueue([]byte("fits")) {
		t.Fatal("first Enqueue should fill the queue")
	}
	if c.Enqueue([]byte("overflow")) {
		t.Error("second Enqueue should report a drop when the queue is full")
	}
	if !c.Alive() {
		t.Error("a dropped frame must not close the connection")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := newPipeConnection(t, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close returned %v, want nil", err)
	}
}

// ----------------------------------------------------------------
// ConnectionManager
// ----------------------------------------------------------------

func TestManagerRemoveReportsExactlyOnce(t *testing.T) {
	cm := NewConnectionManager()
	c, _ := newPipeConnection(t, 1)
	cm.Add(c)

	if cm.Count() != 1 {
		t.Fatalf("Count() = %d after Add, want 1", cm.Count())
	}
	if !cm.Remove(c.ID) {
		t.Fatal("first Remove returned false")
	}
	if cm.Remove(c.ID) {
		t.Error("second Remove returned true; teardown would run twice")
	}
	if cm.Count() != 0 {
		t.Errorf("Count() = %d after Remove, want 0", cm.Count())
	}
}

func TestManagerRemoveUnknownID(t *testing.T) {
	cm := NewConnectionManager()
	if cm.Remove("no-such-conn") {
		t.Error("Remove of unknown ID returned true")
	}
}

func TestManagerGetAndAll(t *testing.T) {
	cm := NewConnectionManager()
	c, _ := newPipeConnection(t, 1)
	cm.Add(c)

	if got := cm.Get(c.ID); got != c {
		t.Errorf("Get(%q) = %v, want the added connection", c.ID, got)
	}
	if got := cm.Get("missing"); got != nil {
		t.Errorf("Get(missing) = %v, want nil", got)
	}
	if all := cm.All(); len(all) != 1 || all[0] != c {
		t.Errorf("All() = %v, want one-element snapshot", all)
	}
}
