package main

import (
	"testing"
)

func TestEnqueue_QueuedFrameReachesWriter(t *testing.T) {
	c := testConn("c1", "u1")

	if !c.enqueue([]byte(`{"event":"x"}`), false) {
		t.Fatal("Expected enqueue to succeed on an empty buffer")
	}
	select {
	case frame := <-c.send:
		if string(frame) != `{"event":"x"}` {
			t.Errorf("Unexpected frame: %s", frame)
		}
	default:
		t.Error("Expected a frame on the send channel")
	}
}

func TestEnqueue_FullBufferDropsBestEffort(t *testing.T) {
	c := testConn("c1", "u1")

	for i := 0; i < sendBuffer; i++ {
		if !c.enqueue([]byte("{}"), true) {
			t.Fatalf("Enqueue %d should fit in the buffer", i)
		}
	}

	if c.enqueue([]byte("{}"), true) {
		t.Error("Expected best-effort enqueue to fail on a full buffer")
	}
	if c.State() != stateAuthenticated {
		t.Errorf("Best-effort overflow must not change state, got %v", c.State())
	}
}

func TestEnqueue_FullBufferClosesOnMustDeliver(t *testing.T) {
	c := testConn("c1", "u1")

	for i := 0; i < sendBuffer; i++ {
		c.enqueue([]byte("{}"), true)
	}

	if c.enqueue([]byte("{}"), false) {
		t.Error("Expected must-deliver enqueue to fail on a full buffer")
	}
	if c.State() != stateClosing {
		t.Errorf("Must-deliver overflow should close the connection, got state %v", c.State())
	}
}

func TestEnqueue_AfterShutdownReturnsFalse(t *testing.T) {
	c := testConn("c1", "u1")
	c.shutdown()

	if c.enqueue([]byte("{}"), false) {
		t.Error("Expected enqueue to fail after shutdown")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	c := testConn("c1", "u1")
	c.shutdown()
	c.shutdown() // second call must not panic on the closed channel

	if c.State() != stateClosing {
		t.Errorf("Expected Closing state, got %v", c.State())
	}
}

func TestEncodeServerFrame(t *testing.T) {
	frame, err := encodeServerFrame("task:update", map[string]string{"id": "t1"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := `{"event":"task:update","data":{"id":"t1"}}`
	if string(frame) != want {
		t.Errorf("Got %s, want %s", frame, want)
	}
}
