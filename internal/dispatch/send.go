package dispatch

import (
	"context"
	"fmt"

	ncerr "arforward/internal/errors"
	"arforward/internal/metrics"
	"arforward/internal/roster"
	"arforward/util"
)

// Send delivers msg to one peer: liveness check, encryption, then a
// single datagram written under the transmission lock.  Every failure
// is a *errors.DeliveryError scoped to this peer.
func (d *Dispatcher) Send(ctx context.Context, peer roster.Peer, msg []byte) error {
	return d.send(ctx, d.logger, peer, msg)
}

func (d *Dispatcher) send(ctx context.Context, log *util.Logger, peer roster.Peer, msg []byte) error {
	log = log.With("peer", peer.ID)

	if peer.Stale(d.now(), d.staleAfter) {
		err := ncerr.Deliver(peer.ID, ncerr.ErrStalePeer)
		d.metrics.RecordDrop(metrics.DropStalePeer, nil)
		log.Debug("skip %s: last contact %s", peer.Name, lastSeen(peer))
		return err
	}

	frame, err := d.sealer.Seal(msg, peer)
	if err == nil && len(frame) == 0 {
		err = fmt.Errorf("empty frame")
	}
	if err != nil {
		if !ncerr.Is(err, ncerr.ErrEncryptionFailure) {
			err = fmt.Errorf("%w: %v", ncerr.ErrEncryptionFailure, err)
		}
		derr := ncerr.Deliver(peer.ID, err)
		d.metrics.RecordDrop(metrics.DropEncryption, derr)
		log.Error("%v", derr)
		return derr
	}

	if d.dryRun {
		log.Info("dry-run: would send %d bytes to %s (%s)", len(frame), peer.Name, peer.Addr)
		return nil
	}

	n, err := d.tx.Send(ctx, frame, peer.Addr)
	if err != nil {
		derr := ncerr.Deliver(peer.ID, err)
		if ncerr.Is(err, ncerr.ErrLockFailure) {
			d.metrics.RecordDrop(metrics.DropLock, derr)
			log.Error("transmission lock fault: %v", derr)
		} else {
			d.metrics.RecordDrop(metrics.DropWrite, derr)
			log.Warn("%v", derr)
		}
		return derr
	}

	d.metrics.FrameSent(n)
	log.Verbose("sent %d bytes to %s", n, peer.Name)
	return nil
}

func lastSeen(p roster.Peer) string {
	if p.LastContact.IsZero() {
		return "never"
	}
	return p.LastContact.Format("2006-01-02 15:04:05")
}
