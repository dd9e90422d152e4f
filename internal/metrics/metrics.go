// Package metrics provides lock-free counters for the dispatch loop and
// the transmitter.
//
// All methods are safe for concurrent use.  A nil *Collector is a valid
// no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Drop names the reason a directive or a single delivery was discarded.
type Drop int

const (
	DropMalformed Drop = iota
	DropNoTarget
	DropUnknownPeer
	DropStalePeer
	DropEncryption
	DropLock
	DropWrite
	numDrops
)

var dropNames = [numDrops]string{
	DropMalformed:   "malformed",
	DropNoTarget:    "no_target",
	DropUnknownPeer: "unknown_peer",
	DropStalePeer:   "stale_peer",
	DropEncryption:  "encryption",
	DropLock:        "lock",
	DropWrite:       "write",
}

func (d Drop) String() string {
	if d < 0 || d >= numDrops {
		return "unknown"
	}
	return dropNames[d]
}

// Collector tracks runtime counters for one daemon process.
type Collector struct {
	directives atomic.Int64
	truncated  atomic.Int64
	framesSent atomic.Int64
	bytesOut   atomic.Int64
	heartbeats atomic.Int64
	rejected   atomic.Int64
	drops      [numDrops]atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastSend     time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Directive metrics ────────────────────────────────────────────────

// DirectiveReceived counts one line pulled from the queue.
func (c *Collector) DirectiveReceived() {
	if c == nil {
		return
	}
	c.directives.Add(1)
}

// Directives returns the number of directives received.
func (c *Collector) Directives() int64 {
	if c == nil {
		return 0
	}
	return c.directives.Load()
}

// CommandTruncated counts a formatted command cut to the frame limit.
func (c *Collector) CommandTruncated() {
	if c == nil {
		return
	}
	c.truncated.Add(1)
}

// ── Delivery metrics ─────────────────────────────────────────────────

// FrameSent records one datagram of n bytes written to a peer.
func (c *Collector) FrameSent(n int) {
	if c == nil {
		return
	}
	c.framesSent.Add(1)
	c.bytesOut.Add(int64(n))
	c.mu.Lock()
	c.lastSend = time.Now()
	c.mu.Unlock()
}

// FramesSent returns the number of datagrams written.
func (c *Collector) FramesSent() int64 {
	if c == nil {
		return 0
	}
	return c.framesSent.Load()
}

// TotalBytesOut returns total bytes written to the socket.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// HeartbeatReceived counts one authenticated control message from a peer.
func (c *Collector) HeartbeatReceived() {
	if c == nil {
		return
	}
	c.heartbeats.Add(1)
}

// Heartbeats returns the number of heartbeats received.
func (c *Collector) Heartbeats() int64 {
	if c == nil {
		return 0
	}
	return c.heartbeats.Load()
}

// HeartbeatRejected counts an authenticated frame refused as a replay or
// for its source address.
func (c *Collector) HeartbeatRejected() {
	if c == nil {
		return
	}
	c.rejected.Add(1)
}

// HeartbeatsRejected returns the number of refused heartbeats.
func (c *Collector) HeartbeatsRejected() int64 {
	if c == nil {
		return 0
	}
	return c.rejected.Load()
}

// ── Failure metrics ──────────────────────────────────────────────────

// RecordDrop counts a discarded directive or delivery and remembers
// the error message.
func (c *Collector) RecordDrop(reason Drop, err error) {
	if c == nil || reason < 0 || reason >= numDrops {
		return
	}
	c.drops[reason].Add(1)
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = err.Error()
	c.mu.Unlock()
}

// Drops returns how many times reason was recorded.
func (c *Collector) Drops(reason Drop) int64 {
	if c == nil || reason < 0 || reason >= numDrops {
		return 0
	}
	return c.drops[reason].Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string           `json:"uptime"`
	Directives       int64            `json:"directives"`
	Truncated        int64            `json:"truncated"`
	FramesSent       int64            `json:"frames_sent"`
	BytesOut         int64            `json:"bytes_out"`
	Heartbeats       int64            `json:"heartbeats"`
	Rejected         int64            `json:"heartbeats_rejected"`
	Drops            map[string]int64 `json:"drops"`
	LastSend         string           `json:"last_send,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	LastErrorMessage string           `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:     time.Since(c.startTime).Truncate(time.Second).String(),
		Directives: c.directives.Load(),
		Truncated:  c.truncated.Load(),
		FramesSent: c.framesSent.Load(),
		BytesOut:   c.bytesOut.Load(),
		Heartbeats: c.heartbeats.Load(),
		Rejected:   c.rejected.Load(),
		Drops:      make(map[string]int64, numDrops),
	}
	for i := Drop(0); i < numDrops; i++ {
		s.Drops[i.String()] = c.drops[i].Load()
	}
	if !c.lastSend.IsZero() {
		s.LastSend = c.lastSend.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as a compact JSON string.
func (c *Collector) JSON() string {
	data, _ := json.Marshal(c.Snapshot())
	return string(data)
}
