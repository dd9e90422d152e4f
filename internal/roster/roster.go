// Package roster holds the set of authenticated peers that may receive
// active-response traffic.
//
// The [Keystore] is loaded from a keys file and is the only writable
// copy in the process.  Lookups return copies, so callers can read a
// Peer without holding any lock.
package roster

import (
	"fmt"
	"net"
	"sync"
	"time"

	ncerr "arforward/internal/errors"
)

// Peer is one authenticated remote agent.
type Peer struct {
	ID   string
	Name string
	Key  string // shared secret from the keys file

	// Addr is the destination for frames.  Fixed peers keep the address
	// from the keys file; the others learn it from their own traffic.
	Addr    *net.UDPAddr
	Fixed   bool
	Network *net.IPNet // sources allowed to speak for a learned peer; nil is any

	LastContact time.Time // zero when never seen
	Counter     Counter   // highest frame counter accepted from the peer
}

// Stale reports whether the peer's last contact is at least threshold
// old.  A peer that has never been seen is stale.
func (p Peer) Stale(now time.Time, threshold time.Duration) bool {
	if p.LastContact.IsZero() {
		return true
	}
	return now.Sub(p.LastContact) >= threshold
}

// allows reports whether traffic from ip may come from this peer.
func (p *Peer) allows(ip net.IP) bool {
	switch {
	case p.Fixed:
		return p.Addr != nil && p.Addr.IP.Equal(ip)
	case p.Network != nil:
		return p.Network.Contains(ip)
	default:
		return true
	}
}

// Counter is the (global, local) sequence carried in every frame.
type Counter struct {
	Global uint64
	Local  uint32
}

// After reports whether c is strictly newer than o.
func (c Counter) After(o Counter) bool {
	if c.Global != o.Global {
		return c.Global > o.Global
	}
	return c.Local > o.Local
}

func (c Counter) String() string { return fmt.Sprintf("%d:%04d", c.Global, c.Local) }

// Keystore is a concurrency-safe peer roster indexed by id and name.
// Iteration follows keys-file order.
type Keystore struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]*Peer
	byName map[string]string // name -> id
}

// NewKeystore indexes peers.  Duplicate ids or names are rejected.  A
// peer given an address is pinned to it.
func NewKeystore(peers []Peer) (*Keystore, error) {
	ks := &Keystore{
		order:  make([]string, 0, len(peers)),
		byID:   make(map[string]*Peer, len(peers)),
		byName: make(map[string]string, len(peers)),
	}
	for i := range peers {
		p := peers[i]
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("peer %d: id and name are required", i)
		}
		if _, dup := ks.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate peer id %q", p.ID)
		}
		if _, dup := ks.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate peer name %q", p.Name)
		}
		p.Fixed = p.Addr != nil
		ks.byID[p.ID] = &p
		ks.byName[p.Name] = p.ID
		ks.order = append(ks.order, p.ID)
	}
	return ks, nil
}

// ByID returns the peer with the given id.
func (k *Keystore) ByID(id string) (Peer, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.byID[id]
	if !ok {
		return Peer{}, false
	}
	return clone(p), true
}

// ByName returns the peer registered under name.
func (k *Keystore) ByName(name string) (Peer, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	id, ok := k.byName[name]
	if !ok {
		return Peer{}, false
	}
	return clone(k.byID[id]), true
}

// Snapshot returns a copy of every peer in keys-file order.
func (k *Keystore) Snapshot() []Peer {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Peer, 0, len(k.order))
	for _, id := range k.order {
		out = append(out, clone(k.byID[id]))
	}
	return out
}

// Len returns the number of peers.
func (k *Keystore) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.byID)
}

// Accept records an authenticated frame from peer id.  The frame must
// come from an address the peer is allowed to use and its counter must
// be newer than any accepted before; otherwise nothing changes and the
// error matches ErrUnexpectedSource or ErrReplayedFrame.  Learned peers
// move to from; fixed peers keep their address.
func (k *Keystore) Accept(id string, from *net.UDPAddr, c Counter, at time.Time) (Peer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.byID[id]
	if !ok {
		return Peer{}, fmt.Errorf("%w: %s", ncerr.ErrUnknownPeer, id)
	}
	if from == nil || !p.allows(from.IP) {
		return clone(p), fmt.Errorf("%w: %s for %s", ncerr.ErrUnexpectedSource, from, id)
	}
	if !c.After(p.Counter) {
		return clone(p), fmt.Errorf("%w: %s for %s, last %s", ncerr.ErrReplayedFrame, c, id, p.Counter)
	}
	p.Counter = c
	if at.After(p.LastContact) {
		p.LastContact = at
	}
	if !p.Fixed {
		a := *from
		p.Addr = &a
	}
	return clone(p), nil
}

// Touch records contact from peer id at time at, from addr when non-nil.
// Older timestamps are ignored so that replayed or mirrored updates never
// move a peer backwards, and addr never moves a fixed peer or leaves a
// learned peer's range.  It returns the updated peer and whether
// anything changed.
func (k *Keystore) Touch(id string, addr *net.UDPAddr, at time.Time) (Peer, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.byID[id]
	if !ok {
		return Peer{}, false
	}
	if !at.After(p.LastContact) {
		return clone(p), false
	}
	p.LastContact = at
	if addr != nil && !p.Fixed && p.allows(addr.IP) {
		a := *addr
		p.Addr = &a
	}
	return clone(p), true
}

// Advance raises the accepted counter of peer id to c.  It reports
// whether c was newer.
func (k *Keystore) Advance(id string, c Counter) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.byID[id]
	if !ok || !c.After(p.Counter) {
		return false
	}
	p.Counter = c
	return true
}

func clone(p *Peer) Peer {
	c := *p
	if p.Addr != nil {
		a := *p.Addr
		c.Addr = &a
	}
	return c
}
