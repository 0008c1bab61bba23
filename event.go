package goscan

import (
	"fmt"
	"time"
)

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeError:
		return "ERROR"
	case EventTypeWarning:
		return "WARN"
	case EventTypeInfo:
		return "INFO"
	case EventTypeDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

// Event is a human readable notice from the protocol core, published to
// session observers.
type Event struct {
	Type    EventType
	Time    time.Time
	Details string
}

func NewEvent(t EventType, format string, args ...any) Event {
	return Event{Type: t, Time: time.Now(), Details: fmt.Sprintf(format, args...)}
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Type.String(), e.Details)
}
