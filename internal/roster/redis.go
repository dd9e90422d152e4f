package roster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"arforward/internal/retry"
)

// DefaultMirrorKey is the redis hash holding one field per peer id.
const DefaultMirrorKey = "arforward:contacts"

// RedisMirror shares peer liveness between daemons behind the same
// agents.  Each field of the hash is "<unix-millis>|<addr>".
//
// The mirror is best effort: every call goes through a circuit breaker
// so an unreachable redis costs one error per reset window.  A nil
// *RedisMirror is a valid no-op.
type RedisMirror struct {
	client  *redis.Client
	key     string
	breaker *retry.CircuitBreaker
}

// MirrorOptions configures [DialMirror].
type MirrorOptions struct {
	Addr    string
	Key     string                      // default DefaultMirrorKey
	Backoff *retry.Backoff              // connection policy; nil means one attempt
	Breaker *retry.CircuitBreakerConfig // nil selects the breaker defaults
}

// DialMirror connects to redis, retrying the initial ping with the
// given backoff.
func DialMirror(ctx context.Context, opts MirrorOptions) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ping := func(int) error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pctx).Err()
	}
	var err error
	if opts.Backoff != nil {
		err = opts.Backoff.Do(ctx, ping)
	} else {
		err = ping(1)
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}

	return newMirror(client, opts), nil
}

func newMirror(client *redis.Client, opts MirrorOptions) *RedisMirror {
	key := opts.Key
	if key == "" {
		key = DefaultMirrorKey
	}
	return &RedisMirror{
		client:  client,
		key:     key,
		breaker: retry.NewCircuitBreaker(opts.Breaker),
	}
}

// Close closes the redis client.
func (m *RedisMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Record publishes p's last contact.
func (m *RedisMirror) Record(ctx context.Context, p Peer) error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.breaker.Execute(func() error {
		return m.client.HSet(ctx, m.key, p.ID, encodeContact(p)).Err()
	})
}

// Pull applies contacts published by other daemons to ks and returns
// how many peers moved forward.
func (m *RedisMirror) Pull(ctx context.Context, ks *Keystore) (int, error) {
	if m == nil || m.client == nil {
		return 0, nil
	}
	var fields map[string]string
	err := m.breaker.Execute(func() error {
		var err error
		fields, err = m.client.HGetAll(ctx, m.key).Result()
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for id, raw := range fields {
		at, addr, ok := decodeContact(raw)
		if !ok {
			continue
		}
		if _, changed := ks.Touch(id, addr, at); changed {
			n++
		}
	}
	return n, nil
}

func encodeContact(p Peer) string {
	addr := ""
	if p.Addr != nil {
		addr = p.Addr.String()
	}
	return strconv.FormatInt(p.LastContact.UnixMilli(), 10) + "|" + addr
}

func decodeContact(raw string) (time.Time, *net.UDPAddr, bool) {
	ms, addr, _ := strings.Cut(raw, "|")
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}, nil, false
	}
	var ua *net.UDPAddr
	if addr != "" {
		ua, _ = net.ResolveUDPAddr("udp", addr)
	}
	return time.UnixMilli(millis), ua, true
}
