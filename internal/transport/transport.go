// Package transport owns the daemon's single outbound UDP socket and the
// lock that serializes every write to it.
//
// Anything that sends to an agent goes through one [Sender]: the
// dispatch loop, the heartbeat responder, and any future producer.
package transport

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/time/rate"

	ncerr "arforward/internal/errors"
)

// Datagram writes one packet to an address.  *net.UDPConn satisfies it.
type Datagram interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Sender is the shared transmission resource.
type Sender struct {
	conn    Datagram
	lock    Lock
	limiter *rate.Limiter
}

// NewSender wraps conn.  A nil lock gets a fresh [SemaphoreLock]; a nil
// limiter disables rate limiting.
func NewSender(conn Datagram, lock Lock, limiter *rate.Limiter) *Sender {
	if lock == nil {
		lock = NewLock()
	}
	return &Sender{conn: conn, lock: lock, limiter: limiter}
}

// NewLimiter returns a limiter allowing perSecond frames with a burst of
// the same size, or nil when perSecond is not positive.
func NewLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// Send writes frame to addr while holding the transmission lock.  The
// lock is released whether or not the write succeeds.  Lock failures
// match errors.ErrLockFailure; write failures are *errors.NetworkError.
func (s *Sender) Send(ctx context.Context, frame []byte, addr *net.UDPAddr) (int, error) {
	if addr == nil {
		return 0, ncerr.Wrap("write", "-", fmt.Errorf("peer has no known address"))
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, ncerr.Wrap("write", addr.String(), fmt.Errorf("rate limit: %w", err))
		}
	}

	if err := s.lock.Acquire(ctx); err != nil {
		return 0, err
	}
	n, werr := s.conn.WriteToUDP(frame, addr)
	rerr := s.lock.Release()

	switch {
	case werr != nil:
		return n, ncerr.Join(ncerr.Wrap("write", addr.String(), werr), rerr)
	case rerr != nil:
		return n, rerr
	case n != len(frame):
		return n, ncerr.Wrap("write", addr.String(),
			fmt.Errorf("short write: %d of %d bytes", n, len(frame)))
	}
	return n, nil
}
