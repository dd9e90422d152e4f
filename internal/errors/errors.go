// Package errors provides domain-specific error types for arforward.
//
// These types carry structured context (directive field, peer, address)
// that lets the dispatch loop decide how far a failure reaches: one
// target, one directive, or the whole process.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrMalformedDirective = errors.New("malformed directive")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrStalePeer          = errors.New("peer is stale")
	ErrEncryptionFailure  = errors.New("encryption failure")
	ErrLockFailure        = errors.New("transmission lock failure")
	ErrNoTarget           = errors.New("directive selects no target")
	ErrQueueClosed        = errors.New("directive queue is closed")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrReplayedFrame      = errors.New("frame counter did not advance")
	ErrUnexpectedSource   = errors.New("unexpected source address")
)

// ── Structured error types ───────────────────────────────────────────

// DirectiveError reports which field of a directive line could not be
// located.  It always matches ErrMalformedDirective.
type DirectiveError struct {
	Field string // "origin", "source", "mode", "target", "payload"
	Line  string // the raw directive
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("malformed directive: missing %s: %q", e.Field, e.Line)
}

func (e *DirectiveError) Unwrap() error { return ErrMalformedDirective }

// DeliveryError represents a failed delivery to a single peer.
type DeliveryError struct {
	PeerID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.PeerID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op   string // operation: "listen", "read", "write", "dial"
	Addr string // network address involved
	Err  error  // underlying error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Malformed creates a DirectiveError for the given missing field.
func Malformed(field, line string) *DirectiveError {
	return &DirectiveError{Field: field, Line: line}
}

// Deliver wraps err with the peer it was meant for.
func Deliver(peerID string, err error) *DeliveryError {
	return &DeliveryError{PeerID: peerID, Err: err}
}

// Wrap creates a NetworkError.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use arforward/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
