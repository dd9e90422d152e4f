package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"arforward/config"
	"arforward/internal/directive"
	"arforward/internal/dispatch"
	"arforward/internal/metrics"
	"arforward/internal/queue"
	"arforward/internal/retry"
	"arforward/internal/roster"
	"arforward/internal/secure"
	"arforward/internal/transport"
	"arforward/util"
)

// Daemon is the active-response forwarder.
type Daemon struct {
	cfg     *config.Config
	logger  *util.Logger
	metrics *metrics.Collector
	keys    *roster.Keystore
	parser  *directive.Parser

	mu        sync.Mutex
	localAddr net.Addr
	ready     chan struct{}
}

// Metrics exposes the daemon's counters.
func (d *Daemon) Metrics() *metrics.Collector { return d.metrics }

// Roster exposes the live keystore.
func (d *Daemon) Roster() *roster.Keystore { return d.keys }

// Ready is closed once every socket is open and the workers started.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// LocalAddr is the bound UDP address, nil before Ready.
func (d *Daemon) LocalAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localAddr
}

// Run opens every resource and processes directives until ctx ends.
// Only failure to open the UDP socket or the directive queue is fatal.
func (d *Daemon) Run(ctx context.Context) error {
	store := d.openStore(ctx)
	defer store.Close()
	mirror := d.dialMirror(ctx)
	defer mirror.Close()

	conn, err := util.ListenUDP(d.cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	d.mu.Lock()
	d.localAddr = conn.LocalAddr()
	d.mu.Unlock()

	b := retry.StartupBackoff()
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.logger.Warn("open directive queue (attempt %d): %v; retrying in %v", attempt, err, wait)
	}
	q, err := queue.OpenWithRetry(ctx, d.cfg.QueuePath, b)
	if err != nil {
		return fmt.Errorf("open directive queue %s: %w", d.cfg.QueuePath, err)
	}
	defer q.Close()

	sealer := d.newSealer(ctx, store)
	defer d.saveSealer(store, sealer)

	sender := transport.NewSender(conn, transport.NewLock(), transport.NewLimiter(d.cfg.MaxSendRate))
	disp, err := dispatch.New(dispatch.Options{
		Roster:         d.keys,
		Sealer:         sealer,
		Transmitter:    sender,
		Parser:         d.parser,
		NotifyInterval: d.cfg.NotifyInterval,
		DryRun:         d.cfg.DryRun,
		Logger:         d.logger,
		Metrics:        d.metrics,
	})
	if err != nil {
		return err
	}
	hb := &dispatch.Heartbeats{
		Conn:       conn,
		Open:       func(frame []byte) (secure.Message, error) { return secure.Open(frame, d.keys) },
		Roster:     d.keys,
		Dispatcher: disp,
		OnContact:  d.recordContact(store, mirror, sealer),
		Logger:     d.logger,
		Metrics:    d.metrics,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return hb.Run(gctx) })
	if mirror != nil {
		g.Go(func() error { d.pullLoop(gctx, mirror); return nil })
	}
	if d.cfg.StatsInterval > 0 {
		g.Go(func() error { d.statsLoop(gctx); return nil })
	}
	g.Go(func() error {
		// The loop ending (queue closed or ctx done) stops the workers.
		defer stop()
		return disp.Run(gctx, q)
	})

	d.logger.Info("forwarding directives from %s via %s (%d agents)",
		q.Path(), conn.LocalAddr(), d.keys.Len())
	close(d.ready)

	err = g.Wait()
	d.logger.Info("stats %s", d.metrics.JSON())
	return err
}

// ── Side channels ────────────────────────────────────────────────────

func (d *Daemon) openStore(ctx context.Context) *roster.SQLiteStore {
	if d.cfg.RosterDB == "" {
		return nil
	}
	store, err := roster.OpenSQLite(ctx, d.cfg.RosterDB)
	if err != nil {
		d.logger.Warn("roster db disabled: %v", err)
		return nil
	}
	n, err := store.Restore(ctx, d.keys)
	if err != nil {
		d.logger.Warn("restore contacts: %v", err)
	}
	d.logger.Verbose("restored %d agent contacts from %s", n, d.cfg.RosterDB)
	return store
}

// newSealer resumes the outbound counter one global step past the value
// saved by the previous run, and saves that step before any frame goes
// out so that a crash cannot reuse it.
func (d *Daemon) newSealer(ctx context.Context, store *roster.SQLiteStore) *secure.Sealer {
	last, err := store.SealerCounter(ctx)
	if err != nil {
		d.logger.Warn("%v", err)
	}
	sealer := secure.NewSealer(last + 1)
	if err := store.SaveSealerCounter(ctx, last+1); err != nil {
		d.logger.Warn("%v", err)
	}
	return sealer
}

// saveSealer runs after ctx has ended, so it gets its own deadline.
func (d *Daemon) saveSealer(store *roster.SQLiteStore, sealer *secure.Sealer) {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
	defer cancel()
	if err := store.SaveSealerCounter(ctx, sealer.Counter()); err != nil {
		d.logger.Warn("%v", err)
	}
}

func (d *Daemon) dialMirror(ctx context.Context) *roster.RedisMirror {
	if d.cfg.RedisAddr == "" {
		return nil
	}
	b := retry.StartupBackoff()
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.logger.Verbose("redis attempt %d: %v; retrying in %v", attempt, err, wait)
	}
	mirror, err := roster.DialMirror(ctx, roster.MirrorOptions{
		Addr:    d.cfg.RedisAddr,
		Key:     d.cfg.RedisKey,
		Backoff: b,
		Breaker: &retry.CircuitBreakerConfig{
			OnStateChange: func(from, to retry.State) {
				d.logger.Warn("redis mirror %s -> %s", from, to)
			},
		},
	})
	if err != nil {
		d.logger.Warn("redis mirror disabled: %v", err)
		return nil
	}
	return mirror
}

func (d *Daemon) recordContact(store *roster.SQLiteStore, mirror *roster.RedisMirror, sealer *secure.Sealer) func(context.Context, roster.Peer) {
	return func(ctx context.Context, p roster.Peer) {
		if err := store.Record(ctx, p); err != nil {
			d.logger.Warn("persist contact: %v", err)
		}
		if err := store.SaveSealerCounter(ctx, sealer.Counter()); err != nil {
			d.logger.Warn("%v", err)
		}
		if err := mirror.Record(ctx, p); err != nil {
			d.logger.Debug("mirror contact: %v", err)
		}
	}
}

func (d *Daemon) pullLoop(ctx context.Context, mirror *roster.RedisMirror) {
	t := time.NewTicker(d.cfg.MirrorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := mirror.Pull(ctx, d.keys)
			if err != nil {
				d.logger.Debug("mirror pull: %v", err)
				continue
			}
			if n > 0 {
				d.logger.Verbose("mirror refreshed %d agents", n)
			}
		}
	}
}

func (d *Daemon) statsLoop(ctx context.Context) {
	t := time.NewTicker(d.cfg.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.logger.Info("stats %s", d.metrics.JSON())
		}
	}
}
