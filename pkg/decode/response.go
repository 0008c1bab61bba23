// Package decode turns correlated ECU responses into typed results.
package decode

import (
	"fmt"
	"strings"
	"time"

	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/pid"
)

// Response is one decoded ECU response. The set of implementations is
// closed: DTCList, Parameters, FreezeFrame, MonitorStatus, VehicleInfo,
// SupportedPIDs and Ack.
type Response interface {
	From() frame.Address
	isResponse()
}

type DTCList struct {
	Source frame.Address
	Codes  []dtc.DTC
}

type Parameters struct {
	Source frame.Address
	Values []pid.Value
}

// FreezeFrame is the snapshot stored when a trouble code was set. Trigger
// is nil when the module reports frame data without a code.
type FreezeFrame struct {
	Source  frame.Address
	Number  byte
	Trigger *dtc.DTC
	Values  []pid.Value
	Time    time.Time
}

type MonitorState int

const (
	NotSupported MonitorState = iota
	Incomplete
	Complete
)

func (s MonitorState) String() string {
	switch s {
	case NotSupported:
		return "not supported"
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	}
	return "unknown"
}

type Monitor struct {
	Name       string
	Continuous bool
	State      MonitorState
}

// MonitorStatus is mode 01 PID 01: lamp, code count and readiness monitors.
type MonitorStatus struct {
	Source             frame.Address
	MIL                bool
	DTCCount           int
	CompressionIgnited bool
	Monitors           []Monitor
}

// Ready reports whether every supported monitor completed.
func (m *MonitorStatus) Ready() bool {
	for _, mon := range m.Monitors {
		if mon.State == Incomplete {
			return false
		}
	}
	return true
}

// VehicleInfo is one mode 09 item. Item is the data item count on CAN and
// the message sequence number on K-Line and J1850.
type VehicleInfo struct {
	Source   frame.Address
	InfoType byte
	Item     byte
	Data     []byte
}

// Text returns the printable characters of Data.
func (v *VehicleInfo) Text() string {
	var sb strings.Builder
	for _, b := range v.Data {
		if b >= 0x20 && b <= 0x7E {
			sb.WriteByte(b)
		}
	}
	return sb.String()
}

type SupportedPIDs struct {
	Source frame.Address
	Mode   byte
	Base   byte
	PIDs   []byte
	Next   bool
}

// Ack is a positive response carrying no structured data.
type Ack struct {
	Source frame.Address
	SID    byte
	Data   []byte
}

func (r *DTCList) From() frame.Address       { return r.Source }
func (r *Parameters) From() frame.Address    { return r.Source }
func (r *FreezeFrame) From() frame.Address   { return r.Source }
func (r *MonitorStatus) From() frame.Address { return r.Source }
func (r *VehicleInfo) From() frame.Address   { return r.Source }
func (r *SupportedPIDs) From() frame.Address { return r.Source }
func (r *Ack) From() frame.Address           { return r.Source }

func (*DTCList) isResponse()       {}
func (*Parameters) isResponse()    {}
func (*FreezeFrame) isResponse()   {}
func (*MonitorStatus) isResponse() {}
func (*VehicleInfo) isResponse()   {}
func (*SupportedPIDs) isResponse() {}
func (*Ack) isResponse()           {}

type Kind int

const (
	Malformed Kind = iota
	CountMismatch
	Unsolicited
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case CountMismatch:
		return "count mismatch"
	case Unsolicited:
		return "unsolicited"
	case Unsupported:
		return "unsupported"
	}
	return "unknown"
}

// DecodeError means one response was discarded. It never affects the link.
type DecodeError struct {
	Kind   Kind
	SID    byte
	Source frame.Address
	Msg    string
	// Partial holds what was decoded before a CountMismatch.
	Partial Response
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response 0x%02X from %s: %s", e.Kind, e.SID, e.Source, e.Msg)
}

func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

var (
	ErrMalformed     = &DecodeError{Kind: Malformed}
	ErrCountMismatch = &DecodeError{Kind: CountMismatch}
	ErrUnsolicited   = &DecodeError{Kind: Unsolicited}
	ErrUnsupported   = &DecodeError{Kind: Unsupported}
)
