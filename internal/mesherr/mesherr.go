// Package mesherr implements the error-kind taxonomy of spec.md §7:
// a small set of sentinel kinds (ParseError, CryptoFailure, Timeout,
// TransportError, PolicyReject, InvariantViolation) that every
// component wraps its lower-level errors into, so callers can recover
// the kind with errors.Cause/errors.Is regardless of which package
// raised it.
package mesherr

import (
	"github.com/pkg/errors"
)

// Kind classifies an error per spec.md §7.
type Kind int

const (
	// ParseError: bad on-disk snapshot version or malformed wire data.
	ParseError Kind = iota
	// CryptoFailure: secure-channel handshake, PSK mismatch, untrusted identity.
	CryptoFailure
	// Timeout: stream read, frame feed.
	Timeout
	// TransportError: raw I/O.
	TransportError
	// PolicyReject: local-network-only filter, duplicate network id,
	// message too large, port already in use.
	PolicyReject
	// InvariantViolation: unexpected remote identity on Private join.
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case ParseError:
		return "ParseError"
	case CryptoFailure:
		return "CryptoFailure"
	case Timeout:
		return "Timeout"
	case TransportError:
		return "TransportError"
	case PolicyReject:
		return "PolicyReject"
	case InvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// meshError pairs a Kind with the wrapped cause.
type meshError struct {
	kind Kind
	err  error
}

func (e *meshError) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *meshError) Cause() error  { return e.err }
func (e *meshError) Unwrap() error { return e.err }

// New wraps msg as a new error of the given kind.
func New(kind Kind, msg string) error {
	return &meshError{kind: kind, err: errors.New(msg)}
}

// Wrap attaches kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &meshError{kind: kind, err: errors.Wrap(err, msg)}
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// meshError, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if me, ok := err.(*meshError); ok {
			return me.kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return 0, false
}

// Is reports whether err is (or wraps) a meshError of kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
