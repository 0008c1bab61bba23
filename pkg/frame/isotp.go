package frame

import (
	"errors"
	"fmt"
)

// PCIType is the ISO 15765-2 protocol control information frame type.
type PCIType uint8

const (
	SingleFrame PCIType = iota
	FirstFrame
	ConsecutiveFrame
	FlowControlFrame
)

func (t PCIType) String() string {
	switch t {
	case SingleFrame:
		return "SF"
	case FirstFrame:
		return "FF"
	case ConsecutiveFrame:
		return "CF"
	case FlowControlFrame:
		return "FC"
	}
	return "??"
}

const (
	FlowContinue byte = iota
	FlowWait
	FlowOverflow
)

// MaxISOTPLength is the largest payload a 12-bit first frame length can carry.
const MaxISOTPLength = 4095

const canDataLen = 8

// Padding is the filler byte for unused CAN data bytes.
const Padding = 0x00

// Segment is one parsed ISO-TP frame.
type Segment struct {
	Type       PCIType
	Length     int // total message length (SF, FF)
	Seq        uint8
	FlowStatus byte
	BlockSize  byte
	STmin      byte
	Data       []byte
}

var ErrEmptyFrame = errors.New("empty CAN frame")

// ParseSegment decodes the PCI of one CAN data field.
func ParseSegment(data []byte) (Segment, error) {
	if len(data) == 0 {
		return Segment{}, ErrEmptyFrame
	}
	seg := Segment{Type: PCIType(data[0] >> 4)}
	switch seg.Type {
	case SingleFrame:
		seg.Length = int(data[0] & 0x0F)
		if seg.Length == 0 {
			return seg, errors.New("single frame with length 0")
		}
		if seg.Length > len(data)-1 {
			return seg, fmt.Errorf("single frame length %d exceeds payload %d", seg.Length, len(data)-1)
		}
		seg.Data = data[1 : 1+seg.Length]
	case FirstFrame:
		if len(data) < 2 {
			return seg, errors.New("first frame too short")
		}
		seg.Length = int(data[0]&0x0F)<<8 | int(data[1])
		if seg.Length <= 7 {
			return seg, fmt.Errorf("first frame length %d fits a single frame", seg.Length)
		}
		seg.Data = data[2:min(len(data), 2+seg.Length)]
	case ConsecutiveFrame:
		seg.Seq = data[0] & 0x0F
		seg.Data = data[1:]
	case FlowControlFrame:
		if len(data) < 3 {
			return seg, errors.New("flow control frame too short")
		}
		seg.FlowStatus = data[0] & 0x0F
		if seg.FlowStatus > FlowOverflow {
			return seg, fmt.Errorf("unknown flow status %d", seg.FlowStatus)
		}
		seg.BlockSize = data[1]
		seg.STmin = data[2]
	default:
		return seg, fmt.Errorf("unknown frame type %d", seg.Type)
	}
	return seg, nil
}

// Segmentize splits payload into padded 8 byte CAN data fields.
func Segmentize(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(payload) > MaxISOTPLength {
		return nil, fmt.Errorf("payload length %d exceeds %d", len(payload), MaxISOTPLength)
	}
	if len(payload) <= 7 {
		d := pad(append([]byte{byte(len(payload))}, payload...))
		return [][]byte{d}, nil
	}
	out := [][]byte{pad(append([]byte{0x10 | byte(len(payload)>>8), byte(len(payload))}, payload[:6]...))}
	var seq byte = 1
	for rest := payload[6:]; len(rest) > 0; {
		n := min(7, len(rest))
		out = append(out, pad(append([]byte{0x20 | seq}, rest[:n]...)))
		rest = rest[n:]
		seq = (seq + 1) & 0x0F
	}
	return out, nil
}

// FlowControlData is a ContinueToSend flow control frame with no block size
// limit and no separation time.
func FlowControlData() []byte {
	return pad([]byte{0x30, 0x00, 0x00})
}

func pad(b []byte) []byte {
	for len(b) < canDataLen {
		b = append(b, Padding)
	}
	return b
}

type pending struct {
	want int
	seq  uint8
	buf  []byte
}

// Reassembler joins ISO-TP segments into messages, tracking one transfer per source.
type Reassembler struct {
	inflight map[Address]*pending
}

func NewReassembler() *Reassembler {
	return &Reassembler{inflight: make(map[Address]*pending)}
}

// Push feeds one CAN frame. It returns the complete message once the last
// segment arrived. ack is true when the frame was a first frame and the
// sender expects a flow control frame.
func (r *Reassembler) Push(f *Frame) (msg *Message, ack bool, err error) {
	seg, err := ParseSegment(f.Data)
	if err != nil {
		return nil, false, err
	}
	switch seg.Type {
	case SingleFrame:
		return &Message{Source: f.Source, Payload: clone(seg.Data)}, false, nil
	case FirstFrame:
		r.inflight[f.Source] = &pending{want: seg.Length, seq: 1, buf: clone(seg.Data)}
		return nil, true, nil
	case ConsecutiveFrame:
		p, ok := r.inflight[f.Source]
		if !ok {
			return nil, false, fmt.Errorf("consecutive frame from %s without first frame", f.Source)
		}
		if seg.Seq != p.seq {
			delete(r.inflight, f.Source)
			return nil, false, fmt.Errorf("frame sequence out of order, expected 0x%X got 0x%X", p.seq, seg.Seq)
		}
		p.seq = (p.seq + 1) & 0x0F
		left := p.want - len(p.buf)
		p.buf = append(p.buf, seg.Data[:min(left, len(seg.Data))]...)
		if len(p.buf) >= p.want {
			delete(r.inflight, f.Source)
			return &Message{Source: f.Source, Payload: p.buf}, false, nil
		}
		return nil, false, nil
	case FlowControlFrame:
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("unhandled segment %s", seg.Type)
}

// Pending reports whether a multi frame transfer is in progress.
func (r *Reassembler) Pending() bool {
	return len(r.inflight) > 0
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
