package collaborator

import (
	"errors"
	"fmt"
)

// Kind classifies why a collaborator call did not succeed.
type Kind string

const (
	// KindUnavailable means the collaborator process could not be reached
	// or did not produce any output.
	KindUnavailable Kind = "unavailable"
	// KindMalformed means a response was found but its shape was invalid.
	KindMalformed Kind = "malformed"
	// KindRejected means the collaborator answered with an error status.
	KindRejected Kind = "rejected"
	// KindTimeout means the overall call deadline or the settle wait expired.
	KindTimeout Kind = "timeout"
)

// Error is the failure variant of every gateway call.
type Error struct {
	Op     string
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Unavailable(op string, err error) *Error {
	return &Error{Op: op, Kind: KindUnavailable, Err: err}
}

func Malformed(op string, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindMalformed, Reason: fmt.Sprintf(format, args...)}
}

func Rejected(op string, reason string) *Error {
	return &Error{Op: op, Kind: KindRejected, Reason: reason}
}

func Timeout(op string, err error) *Error {
	return &Error{Op: op, Kind: KindTimeout, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries a collaborator error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
