// Package queue receives directive lines over a local unix datagram
// socket.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	ncerr "arforward/internal/errors"
	"arforward/internal/retry"
	"arforward/util"
)

// MaxLineSize is the largest directive accepted; longer datagrams are
// cut.
const MaxLineSize = 1024

// Queue is the reading end of the directive socket.
type Queue struct {
	path string
	conn *net.UnixConn

	closeOnce sync.Once
	closed    chan struct{}
}

// Open binds a unix datagram socket at path, removing a stale socket
// left by a previous run.
func Open(path string) (*Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("queue path %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale queue socket: %w", err)
		}
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, ncerr.Wrap("listen", path, err)
	}
	return &Queue{path: path, conn: conn, closed: make(chan struct{})}, nil
}

// OpenWithRetry calls [Open] under the given backoff.  Paths that exist
// but are not sockets fail immediately.
func OpenWithRetry(ctx context.Context, path string, b *retry.Backoff) (*Queue, error) {
	var q *Queue
	err := b.Do(ctx, func(int) error {
		var err error
		q, err = Open(path)
		if err != nil && strings.Contains(err.Error(), "is not a socket") {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Path returns the socket path.
func (q *Queue) Path() string { return q.path }

// Receive blocks until a directive arrives, the queue is closed, or ctx
// ends.  Trailing newlines and NUL padding are trimmed.  Empty
// datagrams are skipped.
func (q *Queue) Receive(ctx context.Context) (string, error) {
	_ = q.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		// Wake the blocked read.
		_ = q.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	for {
		n, _, err := q.conn.ReadFromUnix(buf)
		if err != nil {
			select {
			case <-q.closed:
				return "", ncerr.ErrQueueClosed
			default:
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return "", ncerr.ErrQueueClosed
			}
			return "", ncerr.Wrap("read", q.path, err)
		}
		if n > MaxLineSize {
			n = MaxLineSize
		}
		line := strings.TrimRight(string(buf[:n]), "\r\n\x00")
		if line == "" {
			continue
		}
		return line, nil
	}
}

// Close unbinds the socket and removes its path.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		err = q.conn.Close()
		_ = os.Remove(q.path)
	})
	return err
}

// Send writes one directive to the queue socket at path.
func Send(path, line string) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return ncerr.Wrap("dial", path, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line)); err != nil {
		return ncerr.Wrap("write", path, err)
	}
	return nil
}
