package dispatch

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"

	"arforward/internal/directive"
	"arforward/internal/metrics"
	"arforward/internal/roster"
	"arforward/internal/secure"
	"arforward/util"
)

// AckMessage is the reply to an agent's control message.
const AckMessage = directive.ControlHeader + "agent ack "

// PacketReader reads datagrams from the shared socket.
type PacketReader interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadDeadline(t time.Time) error
}

// Acceptor records an authenticated frame from a peer, refusing replays
// and frames from addresses the peer may not use.
type Acceptor interface {
	Accept(id string, from *net.UDPAddr, c roster.Counter, at time.Time) (roster.Peer, error)
}

// Heartbeats listens for agent control messages on the daemon socket,
// marks the sender alive, and acknowledges through the dispatcher's
// send primitive.  It is the second producer sharing the transmitter.
type Heartbeats struct {
	Conn       PacketReader
	Open       func(frame []byte) (secure.Message, error)
	Roster     Acceptor
	Dispatcher *Dispatcher
	// OnContact runs after a heartbeat was accepted.
	OnContact func(ctx context.Context, peer roster.Peer)

	Logger  *util.Logger
	Metrics *metrics.Collector

	now        func() time.Time
	retryPause time.Duration
}

// Run reads until ctx ends or the socket is closed.
func (h *Heartbeats) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = h.Conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	for {
		n, from, err := h.Conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.Logger.Warn("heartbeat read: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(h.pause()):
			}
			continue
		}
		h.handle(ctx, buf[:n], from)
	}
}

func (h *Heartbeats) pause() time.Duration {
	if h.retryPause > 0 {
		return h.retryPause
	}
	return 100 * time.Millisecond
}

func (h *Heartbeats) handle(ctx context.Context, frame []byte, from *net.UDPAddr) {
	msg, err := h.Open(frame)
	if err != nil {
		h.Logger.Debug("drop datagram from %s: %v", from, err)
		return
	}
	peer := msg.Peer
	if !bytes.HasPrefix(msg.Body, []byte(directive.ControlHeader)) {
		h.Logger.Debug("ignore non-control message from %s", peer.Name)
		return
	}

	now := time.Now
	if h.now != nil {
		now = h.now
	}
	updated, err := h.Roster.Accept(peer.ID, from, msg.Counter, now())
	if err != nil {
		h.Metrics.HeartbeatRejected()
		h.Logger.Warn("reject heartbeat for %s from %s: %v", peer.Name, from, err)
		return
	}
	h.Metrics.HeartbeatReceived()
	h.Logger.Debug("heartbeat from %s (%s) at %s", peer.Name, peer.ID, from)
	if h.OnContact != nil {
		h.OnContact(ctx, updated)
	}
	if err := h.Dispatcher.Send(ctx, updated, []byte(AckMessage)); err != nil {
		h.Logger.Warn("ack %s: %v", peer.Name, err)
	}
}
