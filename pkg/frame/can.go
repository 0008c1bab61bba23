package frame

import (
	"encoding/binary"
	"fmt"
)

const (
	canFunctional11 = 0x7DF
	canRequest11    = 0x7E0
	canResponse11   = 0x7E8

	canFunctional29 = 0x18DB33F1
	canPhysical29   = 0x18DA0000
)

// canCodec implements ISO 15765-4. On the channel a frame is the big endian
// identifier (2 bytes for 11-bit, 4 bytes for 29-bit) followed by the data field.
type canCodec struct {
	extended bool
}

func (c *canCodec) Protocol() Protocol {
	if c.extended {
		return ISO15765CAN29
	}
	return ISO15765CAN11
}

func (c *canCodec) idLen() int {
	if c.extended {
		return 4
	}
	return 2
}

// RequestID returns the CAN identifier used to address target.
func (c *canCodec) RequestID(target Address) uint32 {
	if c.extended {
		if target == Broadcast {
			return canFunctional29
		}
		return canPhysical29 | (uint32(target)&0xFF)<<8 | Tester
	}
	if target == Broadcast {
		return canFunctional11
	}
	return uint32(target) - (canResponse11 - canRequest11)
}

func (c *canCodec) Encode(target Address, payload []byte) ([][]byte, error) {
	if !c.extended && target != Broadcast && (target < canResponse11 || target > canResponse11+7) {
		return nil, fmt.Errorf("invalid 11-bit ECU address %s", target)
	}
	segs, err := Segmentize(payload)
	if err != nil {
		return nil, err
	}
	id := c.RequestID(target)
	out := make([][]byte, 0, len(segs))
	for _, s := range segs {
		out = append(out, c.wire(id, s))
	}
	return out, nil
}

// FlowControl builds the flow control frame sent to source after it
// transmitted a first frame.
func (c *canCodec) FlowControl(source Address) []byte {
	return c.wire(c.RequestID(source), FlowControlData())
}

func (c *canCodec) wire(id uint32, data []byte) []byte {
	out := make([]byte, c.idLen(), c.idLen()+len(data))
	if c.extended {
		binary.BigEndian.PutUint32(out, id)
	} else {
		binary.BigEndian.PutUint16(out, uint16(id))
	}
	return append(out, data...)
}

func (c *canCodec) Decode(raw []byte) (*Frame, error) {
	n := c.idLen()
	if len(raw) < n+1 || len(raw) > n+canDataLen {
		return nil, fmt.Errorf("invalid CAN frame length %d", len(raw))
	}
	var id uint32
	if c.extended {
		id = binary.BigEndian.Uint32(raw)
		if id > 0x1FFFFFFF {
			return nil, fmt.Errorf("invalid 29-bit identifier 0x%08X", id)
		}
	} else {
		id = uint32(binary.BigEndian.Uint16(raw))
		if id > 0x7FF {
			return nil, fmt.Errorf("invalid 11-bit identifier 0x%X", id)
		}
	}
	f := &Frame{Protocol: c.Protocol(), Data: clone(raw[n:])}
	f.Source, f.Target = c.addresses(id)
	return f, nil
}

func (c *canCodec) addresses(id uint32) (source, target Address) {
	if c.extended {
		switch {
		case id == canFunctional29:
			return Tester, Broadcast
		case id&0xFFFFFF00 == canPhysical29|Tester<<8:
			return Address(id), Tester
		case id&0xFFFF00FF == canPhysical29|Tester:
			return Tester, Address(canPhysical29 | Tester<<8 | (id>>8)&0xFF)
		}
		return Address(id), Tester
	}
	switch {
	case id == canFunctional11:
		return Tester, Broadcast
	case id >= canRequest11 && id < canResponse11:
		return Tester, Address(id + (canResponse11 - canRequest11))
	}
	return Address(id), Tester
}

// FlowController is implemented by codecs that need flow control frames.
type FlowController interface {
	FlowControl(source Address) []byte
}
