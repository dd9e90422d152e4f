// Package dispatch runs the active-response loop: it pulls directive
// lines from a [Source], resolves each into a delivery plan, and sends
// the formatted command to every selected peer through one shared,
// lock-guarded transmitter.
//
// Failures never stop the loop.  A malformed line or an unknown peer
// drops the directive; a stale peer, an encryption error, a lock fault
// or a write error drops only that one target.  Nothing is retried.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"arforward/internal/directive"
	ncerr "arforward/internal/errors"
	"arforward/internal/metrics"
	"arforward/internal/roster"
	"arforward/util"
)

// ── Collaborators ────────────────────────────────────────────────────

// Source delivers raw directive lines.  Receive blocks until a line is
// available.
type Source interface {
	Receive(ctx context.Context) (string, error)
}

// Roster is the read-only peer lookup the dispatcher needs.
type Roster interface {
	ByName(name string) (roster.Peer, bool)
	ByID(id string) (roster.Peer, bool)
	Snapshot() []roster.Peer
}

// Sealer turns a plaintext command into an encrypted frame for peer.
type Sealer interface {
	Seal(msg []byte, peer roster.Peer) ([]byte, error)
}

// Transmitter writes one frame to addr under the transmission lock.
// *transport.Sender satisfies it.
type Transmitter interface {
	Send(ctx context.Context, frame []byte, addr *net.UDPAddr) (int, error)
}

// ── Dispatcher ───────────────────────────────────────────────────────

// Options configures [New].
type Options struct {
	Roster      Roster
	Sealer      Sealer
	Transmitter Transmitter

	// Parser defaults to one using directive.DefaultSentinels.
	Parser *directive.Parser
	// NotifyInterval is the agents' heartbeat period.  A peer is stale
	// once it has been silent for twice this long.
	NotifyInterval time.Duration
	// DryRun logs each delivery instead of writing it.
	DryRun bool

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Dispatcher executes directives.  Send is safe for concurrent use;
// Run and Handle are meant for a single loop goroutine.
type Dispatcher struct {
	roster     Roster
	sealer     Sealer
	tx         Transmitter
	parser     *directive.Parser
	staleAfter time.Duration
	dryRun     bool
	logger     *util.Logger
	metrics    *metrics.Collector

	now        func() time.Time
	newTraceID func() string
	retryPause time.Duration
}

// New validates opts and returns a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Roster == nil || opts.Sealer == nil || opts.Transmitter == nil {
		return nil, fmt.Errorf("dispatch: roster, sealer and transmitter are required")
	}
	if opts.NotifyInterval <= 0 {
		return nil, fmt.Errorf("dispatch: notify interval must be positive, got %v", opts.NotifyInterval)
	}
	parser := opts.Parser
	if parser == nil {
		var err error
		if parser, err = directive.NewParser(directive.DefaultSentinels); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger(int(util.LogQuiet))
	}
	return &Dispatcher{
		roster:     opts.Roster,
		sealer:     opts.Sealer,
		tx:         opts.Transmitter,
		parser:     parser,
		staleAfter: 2 * opts.NotifyInterval,
		dryRun:     opts.DryRun,
		logger:     logger,
		metrics:    opts.Metrics,
		now:        time.Now,
		newTraceID: uuid.NewString,
		retryPause: 100 * time.Millisecond,
	}, nil
}

// Run processes directives from src until ctx is cancelled or src is
// closed.  Processing errors are logged and never end the loop.
func (d *Dispatcher) Run(ctx context.Context, src Source) error {
	d.logger.Info("dispatching directives (stale after %v)", d.staleAfter)
	for {
		line, err := src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || ncerr.Is(err, ncerr.ErrQueueClosed) {
				d.logger.Verbose("directive source closed")
				return nil
			}
			d.logger.Error("receive directive: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.retryPause):
			}
			continue
		}
		_ = d.Handle(ctx, line)
	}
}

// Handle parses and executes one directive.  It returns the
// directive-level error (malformed, unknown peer, no target) or the
// joined per-target delivery errors; the returned error has already
// been logged.
func (d *Dispatcher) Handle(ctx context.Context, line string) error {
	d.metrics.DirectiveReceived()
	log := d.logger.With("trace", d.newTraceID())

	plan, err := d.parser.Parse(line)
	if err != nil {
		d.metrics.RecordDrop(metrics.DropMalformed, err)
		log.Warn("%v", err)
		return err
	}
	if plan.Truncated {
		d.metrics.CommandTruncated()
		log.Warn("command from %s truncated to %d bytes", plan.Origin, directive.MaxCommandSize)
	}
	log.Debug("directive origin=%s mode=%s target=%s", plan.Origin, plan.Mode, plan.Target())

	msg := []byte(plan.Command)
	switch plan.Target() {
	case directive.TargetAll:
		return d.broadcast(ctx, log, msg)

	case directive.TargetOrigin:
		peer, ok := d.roster.ByName(plan.Origin)
		if !ok {
			return d.unknown(log, fmt.Errorf("%w: name %q", ncerr.ErrUnknownPeer, plan.Origin))
		}
		return d.send(ctx, log, peer, msg)

	case directive.TargetPeer:
		peer, ok := d.roster.ByID(plan.TargetID)
		if !ok {
			return d.unknown(log, fmt.Errorf("%w: id %q", ncerr.ErrUnknownPeer, plan.TargetID))
		}
		return d.send(ctx, log, peer, msg)

	default:
		err := fmt.Errorf("%w: mode %s", ncerr.ErrNoTarget, plan.Mode)
		d.metrics.RecordDrop(metrics.DropNoTarget, err)
		log.Warn("%v", err)
		return err
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, log *util.Logger, msg []byte) error {
	peers := d.roster.Snapshot()
	var errs []error
	sent := 0
	for _, peer := range peers {
		if err := d.send(ctx, log, peer, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	log.Verbose("broadcast delivered to %d of %d peers", sent, len(peers))
	return ncerr.Join(errs...)
}

func (d *Dispatcher) unknown(log *util.Logger, err error) error {
	d.metrics.RecordDrop(metrics.DropUnknownPeer, err)
	log.Error("%v", err)
	return err
}
