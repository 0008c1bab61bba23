package frame

import (
	"errors"
	"fmt"
)

// KWP2000 functional target address used by OBD.
const kwpFunctional = 0x33

const (
	kwpFormatPhysical   = 0x80
	kwpFormatFunctional = 0xC0
	kwpMaxShortLen      = 0x3F
	kwpMaxLen           = 0xFF
)

// MaxHeaderPayload is the largest payload ISO 9141-2 and J1850 frames carry.
const MaxHeaderPayload = 7

var ErrChecksum = errors.New("checksum mismatch")

// kwpCodec implements ISO 14230-4 framing: format byte, target, source,
// optional length byte, data and a sum checksum.
type kwpCodec struct{}

func (*kwpCodec) Protocol() Protocol { return ISO14230 }

func (*kwpCodec) Encode(target Address, payload []byte) ([][]byte, error) {
	if len(payload) == 0 || len(payload) > kwpMaxLen {
		return nil, fmt.Errorf("kwp payload length %d out of range", len(payload))
	}
	format := byte(kwpFormatPhysical)
	tgt := byte(target)
	if target == Broadcast {
		format = kwpFormatFunctional
		tgt = kwpFunctional
	}
	var out []byte
	if len(payload) <= kwpMaxShortLen {
		out = []byte{format | byte(len(payload)), tgt, Tester}
	} else {
		out = []byte{format, tgt, Tester, byte(len(payload))}
	}
	out = append(out, payload...)
	return [][]byte{append(out, Checksum(out))}, nil
}

func (*kwpCodec) Decode(raw []byte) (*Frame, error) {
	if len(raw) < 5 {
		return nil, fmt.Errorf("kwp frame too short: %d bytes", len(raw))
	}
	format := raw[0]
	if format&0xC0 == 0 {
		return nil, fmt.Errorf("kwp frame without address information: 0x%02X", format)
	}
	hdr := 3
	length := int(format & kwpMaxShortLen)
	if length == 0 {
		length = int(raw[3])
		hdr = 4
	}
	if len(raw) != hdr+length+1 {
		return nil, fmt.Errorf("kwp frame length mismatch: header says %d, got %d", length, len(raw)-hdr-1)
	}
	if Checksum(raw[:len(raw)-1]) != raw[len(raw)-1] {
		return nil, ErrChecksum
	}
	f := &Frame{
		Protocol: ISO14230,
		Target:   Address(raw[1]),
		Source:   Address(raw[2]),
		Data:     clone(raw[hdr : hdr+length]),
	}
	if format&0xC0 == kwpFormatFunctional && raw[1] == kwpFunctional {
		f.Target = Broadcast
	}
	return f, nil
}

// headerCodec implements the three byte header framing shared by ISO 9141-2
// and SAE J1850. OBD requests on these buses are always functional.
type headerCodec struct {
	p                 Protocol
	request, response [2]byte
	sum               func([]byte) byte
}

func (h *headerCodec) Protocol() Protocol { return h.p }

func (h *headerCodec) Encode(_ Address, payload []byte) ([][]byte, error) {
	if len(payload) == 0 || len(payload) > MaxHeaderPayload {
		return nil, fmt.Errorf("%s payload length %d out of range", h.p, len(payload))
	}
	out := append([]byte{h.request[0], h.request[1], Tester}, payload...)
	return [][]byte{append(out, h.sum(out))}, nil
}

func (h *headerCodec) Decode(raw []byte) (*Frame, error) {
	if len(raw) < 5 || len(raw) > 4+MaxHeaderPayload {
		return nil, fmt.Errorf("%s frame length %d out of range", h.p, len(raw))
	}
	if h.sum(raw[:len(raw)-1]) != raw[len(raw)-1] {
		return nil, ErrChecksum
	}
	f := &Frame{Protocol: h.p, Data: clone(raw[3 : len(raw)-1])}
	switch {
	case raw[0] == h.response[0] && raw[1] == h.response[1]:
		f.Source, f.Target = Address(raw[2]), Tester
	case raw[0] == h.request[0] && raw[1] == h.request[1]:
		f.Source, f.Target = Address(raw[2]), Broadcast
	default:
		return nil, fmt.Errorf("%s unexpected header %02X %02X", h.p, raw[0], raw[1])
	}
	return f, nil
}
