package roster

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ncerr "arforward/internal/errors"
)

func testPeers() []Peer {
	_, lan, _ := net.ParseCIDR("192.168.0.0/24")
	return []Peer{
		{ID: "002", Name: "db01", Key: "k2"},
		{ID: "001", Name: "web01", Key: "k1", Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1514}},
		{ID: "003", Name: "mail01", Key: "k3", Network: lan},
	}
}

func TestNewKeystore_Duplicates(t *testing.T) {
	_, err := NewKeystore([]Peer{{ID: "001", Name: "a"}, {ID: "001", Name: "b"}})
	assert.ErrorContains(t, err, "duplicate peer id")

	_, err = NewKeystore([]Peer{{ID: "001", Name: "a"}, {ID: "002", Name: "a"}})
	assert.ErrorContains(t, err, "duplicate peer name")

	_, err = NewKeystore([]Peer{{ID: "", Name: "a"}})
	assert.Error(t, err)
}

func TestKeystore_Lookups(t *testing.T) {
	ks, err := NewKeystore(testPeers())
	require.NoError(t, err)

	p, ok := ks.ByName("web01")
	require.True(t, ok)
	assert.Equal(t, "001", p.ID)
	assert.True(t, p.Fixed)
	assert.NotNil(t, p.Addr)

	p, ok = ks.ByID("002")
	require.True(t, ok)
	assert.Equal(t, "db01", p.Name)
	assert.False(t, p.Fixed)
	assert.Nil(t, p.Addr)

	_, ok = ks.ByID("999")
	assert.False(t, ok)
	_, ok = ks.ByName("nobody")
	assert.False(t, ok)

	assert.Equal(t, 3, ks.Len())
}

func TestKeystore_SnapshotOrderedAndDetached(t *testing.T) {
	ks, err := NewKeystore(testPeers())
	require.NoError(t, err)

	snap := ks.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"002", "001", "003"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	snap[1].Addr.Port = 9
	snap[1].Name = "changed"
	p, _ := ks.ByID("001")
	assert.Equal(t, 1514, p.Addr.Port)
	assert.Equal(t, "web01", p.Name)
}

func TestKeystore_Touch(t *testing.T) {
	ks, err := NewKeystore(testPeers())
	require.NoError(t, err)

	t0 := time.Unix(1_700_000_000, 0)
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000}

	p, changed := ks.Touch("002", addr, t0)
	require.True(t, changed)
	assert.Equal(t, t0, p.LastContact)
	assert.Equal(t, addr.String(), p.Addr.String())

	// Older update is ignored.
	_, changed = ks.Touch("002", nil, t0.Add(-time.Second))
	assert.False(t, changed)

	// Newer update without address keeps the learned one.
	p, changed = ks.Touch("002", nil, t0.Add(time.Second))
	require.True(t, changed)
	assert.Equal(t, addr.String(), p.Addr.String())

	_, changed = ks.Touch("999", addr, t0)
	assert.False(t, changed)

	// A fixed peer keeps its keys-file address.
	p, changed = ks.Touch("001", addr, t0)
	require.True(t, changed)
	assert.Equal(t, "10.0.0.1:1514", p.Addr.String())

	// A range peer ignores addresses outside its range.
	p, changed = ks.Touch("003", addr, t0)
	require.True(t, changed)
	assert.Nil(t, p.Addr)
}

func TestKeystore_Accept(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	first := Counter{Global: 0, Local: 1}
	fixedHome := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40001}
	outsider := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 4444}

	t.Run("learned peer moves to source", func(t *testing.T) {
		ks, err := NewKeystore(testPeers())
		require.NoError(t, err)

		p, err := ks.Accept("002", outsider, first, t0)
		require.NoError(t, err)
		assert.Equal(t, outsider.String(), p.Addr.String())
		assert.Equal(t, t0, p.LastContact)
		assert.Equal(t, first, p.Counter)
	})

	t.Run("replayed frame is rejected", func(t *testing.T) {
		ks, err := NewKeystore(testPeers())
		require.NoError(t, err)

		_, err = ks.Accept("002", outsider, first, t0)
		require.NoError(t, err)

		other := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 5555}
		for i := 1; i <= 3; i++ {
			_, err = ks.Accept("002", other, first, t0.Add(time.Duration(i)*time.Hour))
			assert.ErrorIs(t, err, ncerr.ErrReplayedFrame)
		}
		p, _ := ks.ByID("002")
		assert.Equal(t, outsider.String(), p.Addr.String())
		assert.Equal(t, t0, p.LastContact)

		// An older counter is a replay too.
		_, err = ks.Accept("002", outsider, Counter{Global: 1, Local: 2}, t0)
		require.NoError(t, err)
		_, err = ks.Accept("002", outsider, Counter{Global: 0, Local: 9999}, t0)
		assert.ErrorIs(t, err, ncerr.ErrReplayedFrame)
	})

	t.Run("fixed peer from wrong source", func(t *testing.T) {
		ks, err := NewKeystore(testPeers())
		require.NoError(t, err)

		_, err = ks.Accept("001", outsider, first, t0)
		assert.ErrorIs(t, err, ncerr.ErrUnexpectedSource)

		p, _ := ks.ByID("001")
		assert.Equal(t, "10.0.0.1:1514", p.Addr.String())
		assert.True(t, p.LastContact.IsZero())
		assert.Equal(t, Counter{}, p.Counter)

		// The right host on any port is accepted and the address stays.
		p, err = ks.Accept("001", fixedHome, first, t0)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1:1514", p.Addr.String())
		assert.Equal(t, t0, p.LastContact)
	})

	t.Run("range peer", func(t *testing.T) {
		ks, err := NewKeystore(testPeers())
		require.NoError(t, err)

		_, err = ks.Accept("003", outsider, first, t0)
		assert.ErrorIs(t, err, ncerr.ErrUnexpectedSource)

		inside := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 40), Port: 1514}
		p, err := ks.Accept("003", inside, first, t0)
		require.NoError(t, err)
		assert.Equal(t, inside.String(), p.Addr.String())
	})

	t.Run("unknown or sourceless", func(t *testing.T) {
		ks, err := NewKeystore(testPeers())
		require.NoError(t, err)

		_, err = ks.Accept("999", outsider, first, t0)
		assert.ErrorIs(t, err, ncerr.ErrUnknownPeer)
		_, err = ks.Accept("002", nil, first, t0)
		assert.ErrorIs(t, err, ncerr.ErrUnexpectedSource)
	})
}

func TestKeystore_Advance(t *testing.T) {
	ks, err := NewKeystore(testPeers())
	require.NoError(t, err)

	assert.True(t, ks.Advance("002", Counter{Global: 4, Local: 10}))
	assert.False(t, ks.Advance("002", Counter{Global: 4, Local: 10}))
	assert.False(t, ks.Advance("002", Counter{Global: 3, Local: 9999}))
	assert.False(t, ks.Advance("999", Counter{Global: 9}))

	_, err = ks.Accept("002", &net.UDPAddr{IP: net.IPv4(10, 9, 9, 9)}, Counter{Global: 4, Local: 10}, time.Now())
	assert.ErrorIs(t, err, ncerr.ErrReplayedFrame)
}

func TestCounter_After(t *testing.T) {
	tests := []struct {
		a, b Counter
		want bool
	}{
		{Counter{0, 2}, Counter{0, 1}, true},
		{Counter{1, 0}, Counter{0, 9999}, true},
		{Counter{0, 1}, Counter{0, 1}, false},
		{Counter{0, 9999}, Counter{1, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.a.String()+">"+tt.b.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.After(tt.b))
		})
	}
}

func TestPeer_Stale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	threshold := 20 * time.Minute

	tests := []struct {
		name string
		last time.Time
		want bool
	}{
		{"never seen", time.Time{}, true},
		{"fresh", now.Add(-time.Minute), false},
		{"just inside", now.Add(-threshold + time.Nanosecond), false},
		{"exactly at threshold", now.Add(-threshold), true},
		{"older", now.Add(-threshold - time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Peer{LastContact: tt.last}
			assert.Equal(t, tt.want, p.Stale(now, threshold))
		})
	}
}

func TestKeystore_ConcurrentAccess(t *testing.T) {
	ks, err := NewKeystore(testPeers())
	require.NoError(t, err)

	var wg sync.WaitGroup
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ks.Touch("001", nil, base.Add(time.Duration(i*100+j)*time.Millisecond))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = ks.Snapshot()
				_, _ = ks.ByName("web01")
			}
		}()
	}
	wg.Wait()

	p, _ := ks.ByID("001")
	assert.Equal(t, base.Add(799*time.Millisecond), p.LastContact)
}
