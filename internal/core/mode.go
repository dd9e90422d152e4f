// Package core is the orchestration layer.  It turns a validated Config
// into a running daemon: the roster, the shared UDP socket and its
// transmitter, the directive queue, the dispatch loop and the
// background workers around it.
//
// Architecture layers (bottom → top):
//
//	transport, secure, roster, queue  →  dispatch  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode that owns its lifecycle until
// the context ends.
type Mode interface {
	Run(ctx context.Context) error
}

var _ Mode = (*Daemon)(nil)
