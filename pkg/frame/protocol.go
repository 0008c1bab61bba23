package frame

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies an OBD physical/link protocol.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	ISO15765CAN11            // ISO 15765-4 CAN, 11-bit identifiers, 500 kbit/s
	ISO15765CAN29            // ISO 15765-4 CAN, 29-bit identifiers, 500 kbit/s
	ISO14230                 // ISO 14230-4 KWP2000, fast init
	ISO9141                  // ISO 9141-2, 5-baud init
	J1850PWM                 // SAE J1850 PWM, 41.6 kbit/s
	J1850VPW                 // SAE J1850 VPW, 10.4 kbit/s
)

// DefaultPriority is the order protocols are tried in when nothing is pinned.
var DefaultPriority = []Protocol{
	ISO15765CAN11,
	ISO15765CAN29,
	ISO14230,
	ISO9141,
	J1850PWM,
	J1850VPW,
}

var protocolNames = map[Protocol]struct {
	id, name string
}{
	ISO15765CAN11: {"can11", "ISO 15765-4 (CAN 11/500)"},
	ISO15765CAN29: {"can29", "ISO 15765-4 (CAN 29/500)"},
	ISO14230:      {"kwp", "ISO 14230-4 (KWP fast)"},
	ISO9141:       {"iso9141", "ISO 9141-2 (5 baud init)"},
	J1850PWM:      {"pwm", "SAE J1850 PWM"},
	J1850VPW:      {"vpw", "SAE J1850 VPW"},
}

func (p Protocol) String() string {
	if n, ok := protocolNames[p]; ok {
		return n.name
	}
	return "Unknown protocol"
}

// ID returns the short identifier used in config files and on the command line.
func (p Protocol) ID() string {
	if n, ok := protocolNames[p]; ok {
		return n.id
	}
	return "unknown"
}

func (p Protocol) IsCAN() bool {
	return p == ISO15765CAN11 || p == ISO15765CAN29
}

// IsKLine reports protocols running on the K-Line (ISO 9141-2 / ISO 14230-4).
func (p Protocol) IsKLine() bool {
	return p == ISO14230 || p == ISO9141
}

func (p Protocol) IsJ1850() bool {
	return p == J1850PWM || p == J1850VPW
}

func (p Protocol) Valid() bool {
	_, ok := protocolNames[p]
	return ok
}

// ParseProtocol accepts the short id ("can11"), the numeric ELM327 protocol
// number ("6") or the full name.
func ParseProtocol(s string) (Protocol, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for p, n := range protocolNames {
		if norm == n.id || norm == strings.ToLower(n.name) {
			return p, nil
		}
	}
	switch norm {
	case "1":
		return J1850PWM, nil
	case "2":
		return J1850VPW, nil
	case "3":
		return ISO9141, nil
	case "4", "5", "kwp2000", "iso14230":
		return ISO14230, nil
	case "6", "can", "iso15765":
		return ISO15765CAN11, nil
	case "7":
		return ISO15765CAN29, nil
	}
	return ProtocolUnknown, fmt.Errorf("unknown protocol %q", s)
}

// Timing holds the per protocol deadlines used by the link layer.
type Timing struct {
	Init    time.Duration // handshake deadline during negotiation
	Request time.Duration // deadline for one request/response exchange
	Gap     time.Duration // how long to keep listening for more frames after the first response
	Retries uint          // automatic retransmissions on timeout
}

// Timing returns the default timing for p. K-Line protocols retry twice on
// timeout, CAN and J1850 never retry silently.
func (p Protocol) Timing() Timing {
	switch p {
	case ISO15765CAN11, ISO15765CAN29:
		return Timing{Init: 500 * time.Millisecond, Request: 150 * time.Millisecond, Gap: 20 * time.Millisecond}
	case ISO14230:
		return Timing{Init: 1500 * time.Millisecond, Request: 300 * time.Millisecond, Gap: 60 * time.Millisecond, Retries: 2}
	case ISO9141:
		return Timing{Init: 5 * time.Second, Request: 300 * time.Millisecond, Gap: 60 * time.Millisecond, Retries: 2}
	case J1850PWM, J1850VPW:
		return Timing{Init: time.Second, Request: 200 * time.Millisecond, Gap: 40 * time.Millisecond}
	}
	return Timing{Init: time.Second, Request: 250 * time.Millisecond}
}
