// Package errs implements the error taxonomy shared across the broker,
// journal and meta-service layers. Each layer wraps the underlying
// cause with a Kind so the connection layer can map it to a
// protocol-appropriate response without string matching.
package errs

import "fmt"

// Kind classifies an error for propagation-policy decisions.
type Kind string

const (
	// Protocol: malformed packet, bad version, QoS out of range.
	Protocol Kind = "protocol"
	// Auth: login failure, banned, ACL denied.
	Auth Kind = "auth"
	// NotFound: topic/shard/segment/session/user absent.
	NotFound Kind = "not_found"
	// Conflict: duplicate create that isn't idempotent.
	Conflict Kind = "conflict"
	// Consensus: not leader (with forward-addr), commit timeout, snapshot failure.
	Consensus Kind = "consensus"
	// IO: file or network failure.
	IO Kind = "io"
	// Capacity: payload too large, too many in-flight messages, pool exhausted.
	Capacity Kind = "capacity"
	// Downstream: bridge-sink failure.
	Downstream Kind = "downstream"
)

// Error is the wrapping type every layer enriches and passes upward.
type Error struct {
	Kind    Kind
	Message string
	// RedirectAddr carries "forward to" hints for Consensus errors where a
	// non-leader replica points the caller at the current leader.
	RedirectAddr string
	cause        error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds a bare *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind and message to an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// NotLeader builds the Consensus error a follower returns for a write RPC,
// carrying the address the caller should retry against.
func NotLeader(leaderAddr string) *Error {
	return &Error{
		Kind:         Consensus,
		Message:      "not leader",
		RedirectAddr: leaderAddr,
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to IO for opaque errors.
func KindOf(err error) Kind {
	var e *Error
	for {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
		if err == nil {
			break
		}
	}
	if e == nil {
		return IO
	}
	return e.Kind
}
