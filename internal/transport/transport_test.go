package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ncerr "arforward/internal/errors"
)

// overlapConn counts writes that run while another write is in flight.
type overlapConn struct {
	inFlight atomic.Int32
	overlaps atomic.Int32
	writes   atomic.Int32
	err      error
	short    bool
}

func (c *overlapConn) WriteToUDP(b []byte, _ *net.UDPAddr) (int, error) {
	if c.inFlight.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	time.Sleep(100 * time.Microsecond)
	c.inFlight.Add(-1)
	c.writes.Add(1)
	if c.err != nil {
		return 0, c.err
	}
	if c.short {
		return len(b) - 1, nil
	}
	return len(b), nil
}

var peerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1514}

// ── Lock ─────────────────────────────────────────────────────────────

func TestSemaphoreLock_ReleaseUnheld(t *testing.T) {
	l := NewLock()
	if err := l.Release(); !errors.Is(err, ncerr.ErrLockFailure) {
		t.Fatalf("Release() = %v, want ErrLockFailure", err)
	}
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); !errors.Is(err, ncerr.ErrLockFailure) {
		t.Fatalf("double Release() = %v, want ErrLockFailure", err)
	}
}

func TestSemaphoreLock_AcquireCancelled(t *testing.T) {
	l := NewLock()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, ncerr.ErrLockFailure) {
		t.Fatalf("Acquire() = %v, want ErrLockFailure", err)
	}
}

// ── Sender ───────────────────────────────────────────────────────────

func TestSender_ConcurrentSendsNeverOverlap(t *testing.T) {
	conn := &overlapConn{}
	s := NewSender(conn, nil, nil)

	const workers, perWorker = 16, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.Send(context.Background(), []byte("frame"), peerAddr); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := conn.overlaps.Load(); got != 0 {
		t.Errorf("overlapping writes = %d, want 0", got)
	}
	if got := conn.writes.Load(); got != workers*perWorker {
		t.Errorf("writes = %d, want %d", got, workers*perWorker)
	}
}

func TestSender_WriteErrorReleasesLock(t *testing.T) {
	conn := &overlapConn{err: errors.New("network unreachable")}
	lock := NewLock()
	s := NewSender(conn, lock, nil)

	_, err := s.Send(context.Background(), []byte("x"), peerAddr)
	var ne *ncerr.NetworkError
	if !errors.As(err, &ne) || ne.Op != "write" {
		t.Fatalf("Send() = %v, want write NetworkError", err)
	}

	// The lock must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := lock.Acquire(ctx); err != nil {
		t.Fatalf("lock still held after failed write: %v", err)
	}
}

func TestSender_ShortWrite(t *testing.T) {
	s := NewSender(&overlapConn{short: true}, nil, nil)
	if _, err := s.Send(context.Background(), []byte("abc"), peerAddr); err == nil {
		t.Fatal("expected short write error")
	}
}

func TestSender_NoAddress(t *testing.T) {
	conn := &overlapConn{}
	s := NewSender(conn, nil, nil)
	if _, err := s.Send(context.Background(), []byte("x"), nil); err == nil {
		t.Fatal("expected error for nil address")
	}
	if conn.writes.Load() != 0 {
		t.Error("nothing should be written without an address")
	}
}

type failingLock struct{ acquireErr, releaseErr error }

func (l failingLock) Acquire(context.Context) error { return l.acquireErr }
func (l failingLock) Release() error                { return l.releaseErr }

func TestSender_LockFailures(t *testing.T) {
	lockErr := ncerr.ErrLockFailure

	conn := &overlapConn{}
	s := NewSender(conn, failingLock{acquireErr: lockErr}, nil)
	if _, err := s.Send(context.Background(), []byte("x"), peerAddr); !errors.Is(err, lockErr) {
		t.Fatalf("acquire failure: got %v", err)
	}
	if conn.writes.Load() != 0 {
		t.Error("write attempted without the lock")
	}

	s = NewSender(conn, failingLock{releaseErr: lockErr}, nil)
	if _, err := s.Send(context.Background(), []byte("x"), peerAddr); !errors.Is(err, lockErr) {
		t.Fatalf("release failure: got %v", err)
	}
}

func TestSender_RateLimit(t *testing.T) {
	conn := &overlapConn{}
	s := NewSender(conn, nil, NewLimiter(1))

	ctx := context.Background()
	if _, err := s.Send(ctx, []byte("x"), peerAddr); err != nil {
		t.Fatal(err)
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := s.Send(cctx, []byte("x"), peerAddr); err == nil {
		t.Fatal("second send inside the same second should be limited")
	}
	if NewLimiter(0) != nil {
		t.Error("NewLimiter(0) should disable limiting")
	}
}

func TestSender_RealUDP(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	out, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	s := NewSender(out, nil, nil)
	n, err := s.Send(context.Background(), []byte("hello"), ln.LocalAddr().(*net.UDPAddr))
	if err != nil || n != 5 {
		t.Fatalf("Send() = %d, %v", n, err)
	}

	buf := make([]byte, 64)
	ln.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	n, _, err = ln.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("got %q", buf[:n])
	}
}
