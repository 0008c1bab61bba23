package goscan

import (
	"errors"
	"fmt"
	"time"

	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/kwp2000"
	"github.com/roffe/goscan/pkg/uds"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error so the link retry loop gives up immediately
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var u unrecoverableError
	return !errors.As(err, &u)
}

func unwrapUnrecoverable(err error) error {
	if u, ok := err.(unrecoverableError); ok {
		return u.error
	}
	return err
}

var (
	ErrNoProtocol     = errors.New("no protocol selected")
	ErrChannelClosed  = errors.New("channel is not open")
	ErrTicketReleased = errors.New("channel ticket already released")
	ErrEmptyRequest   = errors.New("empty request")
)

// TransportError is a link level failure: the channel is unavailable or a
// send/receive failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError means no correlated response arrived before the deadline. It
// is never used for negative responses.
type TimeoutError struct {
	Timeout  time.Duration
	Protocol frame.Protocol
	Service  byte
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout (%dms) for service 0x%02X", e.Protocol, e.Timeout.Milliseconds(), e.Service)
}

// NegativeResponseError is a 0x7F reply from an ECU.
type NegativeResponseError struct {
	Protocol frame.Protocol
	Source   frame.Address
	Service  byte
	Code     byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("%s negative response from %s to 0x%02X: %s (0x%02X)", uds.TranslateServiceCode(e.Service), e.Source, e.Service, e.Text(), e.Code)
}

// Text translates the response code using the table of the protocol family.
func (e *NegativeResponseError) Text() string {
	if e.Protocol.IsKLine() {
		return kwp2000.TranslateErrorCode(e.Code)
	}
	return uds.TranslateErrorCode(e.Code)
}

// StateError rejects an operation before anything is sent.
type StateError struct {
	Op     string
	State  string
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
	}
	return fmt.Sprintf("%s not allowed in state %s: %s", e.Op, e.State, e.Reason)
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsNegative returns the negative response wrapped by err, if any.
func IsNegative(err error) (*NegativeResponseError, bool) {
	var ne *NegativeResponseError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}
