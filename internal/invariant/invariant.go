// Package invariant reports internal consistency violations.
//
// A violation means the local mirror can no longer be trusted to match the server, so the
// engine panics with a *Violation and the repo entry point that started the batch recovers
// it, drops the batch and reports ErrInvariant to the caller.
package invariant

import (
	"errors"
	"fmt"
)

// ErrViolation is matched by every *Violation through errors.Is
var ErrViolation = errors.New("internal invariant violated")

// Violation is the panic value raised by Check and Fail
type Violation struct {
	Msg string
}

func (v *Violation) Error() string {
	return "invariant violation: " + v.Msg
}

// Is lets errors.Is(err, ErrViolation) match any violation
func (v *Violation) Is(target error) bool {
	return target == ErrViolation
}

// Check panics with a *Violation when cond is false
func Check(cond bool, format string, args ...any) {
	if !cond {
		Fail(format, args...)
	}
}

// Fail panics with a *Violation
func Fail(format string, args ...any) {
	panic(&Violation{Msg: fmt.Sprintf(format, args...)})
}

// Recover converts a recovered panic value into an error.
// Panics that are not violations are re-raised.
func Recover(r any) error {
	if r == nil {
		return nil
	}
	if v, ok := r.(*Violation); ok {
		return v
	}
	panic(r)
}
