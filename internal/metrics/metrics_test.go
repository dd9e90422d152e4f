package metrics

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

func TestCollector_Directives(t *testing.T) {
	c := New()

	c.DirectiveReceived()
	c.DirectiveReceived()
	c.CommandTruncated()

	if c.Directives() != 2 {
		t.Errorf("directives = %d, want 2", c.Directives())
	}
	if snap := c.Snapshot(); snap.Truncated != 1 {
		t.Errorf("truncated = %d, want 1", snap.Truncated)
	}
}

func TestCollector_Frames(t *testing.T) {
	c := New()

	c.FrameSent(100)
	c.FrameSent(28)

	if c.FramesSent() != 2 {
		t.Errorf("frames = %d, want 2", c.FramesSent())
	}
	if c.TotalBytesOut() != 128 {
		t.Errorf("bytes out = %d, want 128", c.TotalBytesOut())
	}
	if c.Snapshot().LastSend == "" {
		t.Error("expected last send timestamp")
	}
}

func TestCollector_Drops(t *testing.T) {
	c := New()

	c.RecordDrop(DropStalePeer, nil)
	c.RecordDrop(DropStalePeer, nil)
	c.RecordDrop(DropLock, fmt.Errorf("lock broke"))
	c.RecordDrop(Drop(99), fmt.Errorf("ignored"))

	if got := c.Drops(DropStalePeer); got != 2 {
		t.Errorf("stale drops = %d, want 2", got)
	}
	if got := c.Drops(DropLock); got != 1 {
		t.Errorf("lock drops = %d, want 1", got)
	}
	snap := c.Snapshot()
	if snap.LastErrorMessage != "lock broke" {
		t.Errorf("last error = %q", snap.LastErrorMessage)
	}
	if snap.Drops["stale_peer"] != 2 || snap.Drops["malformed"] != 0 {
		t.Errorf("unexpected drop map %v", snap.Drops)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.FrameSent(10)
			c.RecordDrop(DropWrite, fmt.Errorf("x"))
		}()
	}
	wg.Wait()

	if c.FramesSent() != 50 || c.Drops(DropWrite) != 50 {
		t.Errorf("frames=%d writes=%d, want 50/50", c.FramesSent(), c.Drops(DropWrite))
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.HeartbeatReceived()
	c.HeartbeatRejected()
	c.FrameSent(42)

	var snap Snapshot
	if err := json.Unmarshal([]byte(c.JSON()), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.Heartbeats != 1 {
		t.Errorf("JSON heartbeats = %d", snap.Heartbeats)
	}
	if snap.Rejected != 1 || c.HeartbeatsRejected() != 1 {
		t.Errorf("JSON heartbeats rejected = %d", snap.Rejected)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestDrop_String(t *testing.T) {
	if DropEncryption.String() != "encryption" {
		t.Errorf("got %q", DropEncryption.String())
	}
	if Drop(-1).String() != "unknown" {
		t.Errorf("got %q", Drop(-1).String())
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.DirectiveReceived()
	c.CommandTruncated()
	c.FrameSent(100)
	c.HeartbeatReceived()
	c.HeartbeatRejected()
	c.RecordDrop(DropWrite, fmt.Errorf("x"))

	if c.Directives() != 0 || c.FramesSent() != 0 || c.Drops(DropWrite) != 0 || c.HeartbeatsRejected() != 0 {
		t.Error("nil collector should report zeros")
	}
	if c.JSON() == "" {
		t.Error("nil collector should still render JSON")
	}
}
