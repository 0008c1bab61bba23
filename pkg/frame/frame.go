package frame

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// Address is the protocol native node address of an ECU as it appears in
// responses: the response identifier on CAN (0x7E8, 0x18DAF110) or the source
// byte on K-Line and J1850 (0x10).
type Address uint32

// Broadcast selects functional (all ECUs) addressing when encoding.
const Broadcast Address = 0

// Tester is the scan tool's own address on K-Line and J1850.
const Tester = 0xF1

func (a Address) String() string {
	switch {
	case a == Broadcast:
		return "functional"
	case a > 0xFFFF:
		return fmt.Sprintf("0x%08X", uint32(a))
	case a > 0xFF:
		return fmt.Sprintf("0x%03X", uint32(a))
	default:
		return fmt.Sprintf("0x%02X", uint32(a))
	}
}

// Frame is one decoded link layer frame.
type Frame struct {
	Protocol Protocol
	Source   Address
	Target   Address
	// Data is the frame payload without header and checksum. On CAN it holds
	// the 8 data bytes including the ISO-TP protocol control information.
	Data []byte
}

// Message is a complete service level payload from one ECU, reassembled if it
// spanned several link frames.
type Message struct {
	Source  Address
	Payload []byte
}

// SID returns the service identifier byte of the message, 0 if empty.
func (m *Message) SID() byte {
	if len(m.Payload) == 0 {
		return 0
	}
	return m.Payload[0]
}

// Codec encodes and decodes the link layer framing of one protocol.
type Codec interface {
	Protocol() Protocol
	// Encode frames payload for target. More than one wire frame is returned
	// when the protocol segments (ISO-TP).
	Encode(target Address, payload []byte) ([][]byte, error)
	// Decode parses and validates one wire frame.
	Decode(raw []byte) (*Frame, error)
}

// CodecFor returns the codec of protocol p.
func CodecFor(p Protocol) (Codec, error) {
	switch p {
	case ISO15765CAN11:
		return &canCodec{extended: false}, nil
	case ISO15765CAN29:
		return &canCodec{extended: true}, nil
	case ISO14230:
		return &kwpCodec{}, nil
	case ISO9141:
		return &headerCodec{p: ISO9141, request: [2]byte{0x68, 0x6A}, response: [2]byte{0x48, 0x6B}, sum: Checksum}, nil
	case J1850PWM:
		return &headerCodec{p: J1850PWM, request: [2]byte{0x61, 0x6A}, response: [2]byte{0x41, 0x6B}, sum: CRC8}, nil
	case J1850VPW:
		return &headerCodec{p: J1850VPW, request: [2]byte{0x68, 0x6A}, response: [2]byte{0x48, 0x6B}, sum: CRC8}, nil
	}
	return nil, fmt.Errorf("no codec for %s", p)
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) String() string {
	var out strings.Builder
	out.WriteString(f.Source.String() + " -> " + f.Target.String() + " || ")
	out.WriteString(hexView(f.Data))
	out.WriteString(" || ")
	out.WriteString(printable(f.Data))
	return out.String()
}

// ColorString is String with colored fields for terminal dumps.
func (f *Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(green("%s", f.Source.String()) + " -> " + f.Target.String() + " || ")
	out.WriteString(fmt.Sprintf("%-23s", hexView(f.Data)))
	out.WriteString(" || ")
	var binView strings.Builder
	for i, b := range f.Data {
		binView.WriteString(fmt.Sprintf("%08b", b))
		if i != len(f.Data)-1 {
			binView.WriteString(" ")
		}
	}
	out.WriteString(red("%-72s", binView.String()))
	out.WriteString(" || ")
	out.WriteString(yellow("%s", printable(f.Data)))
	return out.String()
}

func (m *Message) String() string {
	return m.Source.String() + " || " + hexView(m.Payload)
}

func hexView(data []byte) string {
	var out strings.Builder
	for i, b := range data {
		out.WriteString(fmt.Sprintf("%02X", b))
		if i != len(data)-1 {
			out.WriteString(" ")
		}
	}
	return out.String()
}

func printable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteByte('.')
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
