package scanner

import (
	"fmt"
	"strings"

	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/kwp2000"
	"github.com/roffe/goscan/pkg/uds"
)

// State is the connection state of a session: one of Disconnected,
// Connecting, Connected or Failed.
type State interface {
	Name() string
	String() string
	isState()
}

type Disconnected struct{}

type Connecting struct {
	AdapterID string
}

type Connected struct {
	Device   string
	Protocol frame.Protocol
}

// Failed is the error state entered on an unrecoverable transport or
// protocol fault. Only Reset or Disconnect leave it.
type Failed struct {
	Message string
	Cause   error
}

func (Disconnected) isState() {}
func (Connecting) isState()   {}
func (Connected) isState()    {}
func (Failed) isState()       {}

func (Disconnected) Name() string { return "Disconnected" }
func (Connecting) Name() string   { return "Connecting" }
func (Connected) Name() string    { return "Connected" }
func (Failed) Name() string       { return "Error" }

func (Disconnected) String() string { return "Disconnected" }

func (s Connecting) String() string {
	return fmt.Sprintf("Connecting (%s)", s.AdapterID)
}

func (s Connected) String() string {
	return fmt.Sprintf("Connected (%s, %s)", s.Device, s.Protocol)
}

func (s Failed) String() string {
	if s.Cause == nil {
		return "Error: " + s.Message
	}
	return fmt.Sprintf("Error: %s: %v", s.Message, s.Cause)
}

// allowed lists the legal transitions. No transition skips a state.
func allowed(from, to State) bool {
	switch from.(type) {
	case Disconnected:
		_, ok := to.(Connecting)
		return ok
	case Connecting:
		switch to.(type) {
		case Connected, Failed, Disconnected:
			return true
		}
	case Connected:
		switch to.(type) {
		case Disconnected, Failed:
			return true
		}
	case Failed:
		_, ok := to.(Disconnected)
		return ok
	}
	return false
}

// SessionType is the diagnostic session active on the vehicle side.
type SessionType int

const (
	DefaultSession SessionType = iota
	ExtendedSession
	ProgrammingSession
)

func (t SessionType) String() string {
	switch t {
	case DefaultSession:
		return "Default"
	case ExtendedSession:
		return "Extended"
	case ProgrammingSession:
		return "Programming"
	}
	return "Unknown"
}

func ParseSessionType(s string) (SessionType, error) {
	switch strings.ToLower(s) {
	case "default", "d":
		return DefaultSession, nil
	case "extended", "e":
		return ExtendedSession, nil
	case "programming", "p":
		return ProgrammingSession, nil
	}
	return 0, fmt.Errorf("unknown session type %q", s)
}

func (t SessionType) udsSubFunction() byte {
	switch t {
	case ExtendedSession:
		return uds.ExtendedSession
	case ProgrammingSession:
		return uds.ProgrammingSession
	}
	return uds.DefaultSession
}

func (t SessionType) kwpMode() byte {
	switch t {
	case ExtendedSession:
		return kwp2000.ExtendedDiagnosticMode
	case ProgrammingSession:
		return kwp2000.ECUProgrammingSession
	}
	return kwp2000.StandardSession
}

// privileged reports whether security access may be requested in t.
func (t SessionType) privileged() bool {
	return t == ExtendedSession || t == ProgrammingSession
}
