// Package errkind classifies errors into the four kinds spec.md §7 defines
// policy for, so call sites can dispatch on kind with errors.As instead of
// string matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the four error categories spec.md §7 assigns a fixed
// logging/retry policy to.
type Kind int

const (
	// Configuration: invalid or missing config. Fatal at startup; at
	// reload, leaves the prior configuration in place.
	Configuration Kind = iota
	// Host: a kernel/netlink/nftables operation failed or returned
	// unexpected output. Logged, counted, retried next cycle.
	Host
	// Transient: timeout or temporary unreachability. Feeds the Health SM
	// as an ordinary verdict, never treated as a hard failure on its own.
	Transient
	// Invariant: internal state contradiction (duplicate table_id, mark
	// exhaustion). Halts the offending operation; the daemon keeps serving
	// other uplinks.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Host:
		return "host"
	case Transient:
		return "transient"
	case Invariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Kind, so errors.As can recover
// the classification through any number of fmt.Errorf("%w", ...) layers.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf formats a message and wraps it with kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
