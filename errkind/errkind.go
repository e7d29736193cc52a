// Package errkind defines the closed set of error kinds every component
// boundary in this repository tags its errors with, per spec.md §7. No
// error crosses a component boundary as an opaque string: every variant
// carries one of these stable tags so dashboards and tests can switch on
// it without string matching.
package errkind

import (
	goerrors "github.com/go-errors/errors"
)

// Kind classifies an error for the purposes of the retry/log/fatal policy
// spec.md §7 describes.
type Kind int

const (
	// Unknown is never produced deliberately; its presence in a log is
	// itself a bug in the component that returned it.
	Unknown Kind = iota

	// Transient marks I/O that should be retried with exponential
	// backoff by the component that owns the operation (kernel command
	// non-zero exit, socket would-block, RPC timeout).
	Transient

	// PeerCaused marks input blamed on a remote peer: a malformed
	// discovery frame, a handshake key mismatch, an invalid payment
	// signature. Logged and dropped; the offending peer is rate-limited.
	PeerCaused

	// Configuration marks bad operator input: an invalid threshold, an
	// empty port pool, a missing interface. Fatal at startup; at
	// runtime the last-known-good configuration is retained instead.
	Configuration

	// Invariant marks a broken invariant this process cannot safely
	// continue past (double-allocated port, negative Δbytes after
	// normalization, balance overflow). Always fatal, exit code 70.
	Invariant
)

// String renders the kind for log lines and test failure messages.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case PeerCaused:
		return "peer_caused"
	case Configuration:
		return "configuration"
	case Invariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is the tagged error every component-boundary function returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps cause with a stack trace (via go-errors/errors, matching the
// teacher's existing use of that package in peer.go) and tags it with
// kind and the operation name that produced it.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: goerrors.Wrap(cause, 1)}
}

// Is reports whether err is tagged with kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var tagged *Error
	for err != nil {
		if t, ok := err.(*Error); ok {
			tagged = t
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return tagged != nil && tagged.Kind == kind
}
