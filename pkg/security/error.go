package security

import (
	"fmt"
	"time"
)

type Kind int

const (
	Denied Kind = iota
	DelayActive
	LockedOut
	InvalidSeed
	NoStrategy
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Denied:
		return "denied"
	case DelayActive:
		return "delay active"
	case LockedOut:
		return "locked out"
	case InvalidSeed:
		return "invalid seed"
	case NoStrategy:
		return "no key strategy"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Error is a security access failure. Remaining is how long the caller must
// wait before the next attempt is accepted.
type Error struct {
	Kind      Kind
	Level     byte
	Remaining time.Duration
	Failures  int
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("security access level 0x%02X %s", e.Level, e.Kind)
	if e.Remaining > 0 {
		msg += fmt.Sprintf(", retry in %s", e.Remaining.Round(time.Second))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrDenied      = &Error{Kind: Denied}
	ErrDelayActive = &Error{Kind: DelayActive}
	ErrLockedOut   = &Error{Kind: LockedOut}
)
