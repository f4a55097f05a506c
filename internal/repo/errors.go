package repo

import (
	"errors"
	"strings"
)

// ErrInvariant is reported when the engine detected an internal inconsistency and
// dropped the batch that triggered it
var ErrInvariant = errors.New("treesync: internal invariant violated")

var (
	// ErrOverriddenBySet aborts a transaction when a set or update touches its location
	ErrOverriddenBySet = &Error{Code: "SET", Message: "SET"}

	// ErrMaxRetry aborts a transaction that kept losing the race against other writers
	ErrMaxRetry = &Error{Code: "MAXRETRY", Message: "MAXRETRY"}

	// ErrDisconnected aborts transactions still pending when the connection drops
	ErrDisconnected = &Error{Code: "DISCONNECT", Message: "DISCONNECT"}
)

// Error carries a failure reported by the server, or the reason a transaction was aborted.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// newError builds the error for a non-ok status: the code is the upper-cased status and
// the message is "CODE: reason"
func newError(status, reason string) *Error {
	if status == "" {
		status = "error"
	}
	code := strings.ToUpper(status)
	msg := code
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{Code: code, Message: msg}
}
