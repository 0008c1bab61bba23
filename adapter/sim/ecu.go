package sim

import (
	"bytes"
	"encoding/binary"

	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/uds"
)

const (
	nrcServiceNotSupported     = 0x11
	nrcSubFunctionNotSupported = 0x12
	nrcNotSupportedInSession   = 0x7F
	nrcResponsePending         = uds.ResponsePending
	udsStatusFailedConfirmed   = uds.StatusConfirmed | uds.StatusTestFailed
)

func negative(sid, code byte) []byte {
	return []byte{0x7F, sid, code}
}

func (e *ECU) codes(mode byte) *[]string {
	switch mode {
	case 0x07:
		return &e.Pending
	case 0x0A:
		return &e.Permanent
	}
	return &e.Stored
}

// handle answers one request payload. Several payloads are returned when
// the answer spans frames on non CAN buses.
func (s *Sim) handle(e *ECU, st *ecuState, req []byte) [][]byte {
	if len(req) == 0 {
		return nil
	}
	sid := req[0]
	var out [][]byte
	for i := 0; i < e.ResponsePending[sid]; i++ {
		out = append(out, negative(sid, nrcResponsePending))
	}
	resp := s.service(e, st, req)
	if resp == nil {
		return nil
	}
	return append(out, resp...)
}

func (s *Sim) service(e *ECU, st *ecuState, req []byte) [][]byte {
	sid := req[0]
	one := func(b ...byte) [][]byte { return [][]byte{b} }
	switch sid {
	case 0x01:
		return s.currentData(e, req[1:])
	case 0x02:
		return s.freezeFrame(e, req[1:])
	case 0x03, 0x07, 0x0A:
		return s.dtcs(e, sid)
	case 0x04:
		e.Stored, e.Pending, e.Freeze = nil, nil, nil
		return one(0x44)
	case 0x09:
		return s.vehicleInfo(e, req[1:])
	case 0x81:
		s.awake = true
		kb := s.vehicle.KeyBytes
		return one(0xC1, kb[0], kb[1])
	case uds.DiagnosticSessionControl:
		if len(req) < 2 || !s.validSession(req[1]) {
			return one(negative(sid, nrcSubFunctionNotSupported)...)
		}
		st.session, st.unlocked, st.seedLevel = req[1], 0, 0
		if s.bus.IsCAN() {
			return one(0x50, req[1], 0x00, 0x32, 0x01, 0xF4)
		}
		return one(0x50, req[1])
	case uds.ECUReset:
		if len(req) < 2 {
			return one(negative(sid, nrcSubFunctionNotSupported)...)
		}
		st.session, st.unlocked, st.seedLevel = 0x01, 0, 0
		return one(0x51, req[1])
	case uds.ClearDiagnosticInformation:
		e.Stored, e.Pending, e.Freeze = nil, nil, nil
		return one(0x54)
	case uds.ReadDTCInformation:
		return s.readDTCInformation(e, req)
	case uds.ReadDataByIdentifier:
		if len(req) < 3 {
			return one(negative(sid, uds.IncorrectMessageLength)...)
		}
		did := binary.BigEndian.Uint16(req[1:])
		switch {
		case did == uds.DIDManufacturingDate && len(e.ManufacturingDate) == 3:
			return one(append([]byte{0x62, req[1], req[2]}, e.ManufacturingDate...)...)
		case did == uds.DIDVIN && e.VIN != "":
			return one(append([]byte{0x62, req[1], req[2]}, e.VIN...)...)
		}
		return one(negative(sid, uds.RequestOutOfRange)...)
	case uds.SecurityAccess:
		return s.securityAccess(e, st, req)
	case uds.RoutineControl:
		if len(req) < 4 {
			return one(negative(sid, uds.IncorrectMessageLength)...)
		}
		if st.unlocked == 0 {
			return one(negative(sid, uds.SecurityAccessDenied)...)
		}
		id := binary.BigEndian.Uint16(req[2:])
		result, ok := e.Routines[id]
		if !ok {
			return one(negative(sid, uds.RequestOutOfRange)...)
		}
		return one(append([]byte{0x71, req[1], req[2], req[3]}, result...)...)
	case uds.TesterPresent:
		if len(req) > 1 && req[1]&0x80 != 0 {
			return nil
		}
		if s.bus.IsCAN() {
			return one(0x7E, 0x00)
		}
		return one(0x7E)
	}
	return one(negative(sid, nrcServiceNotSupported)...)
}

func (s *Sim) validSession(sub byte) bool {
	if s.bus.IsKLine() {
		switch sub {
		case 0x81, 0x85, 0x86, 0x87, 0x89:
			return true
		}
		return false
	}
	return sub >= 0x01 && sub <= 0x03
}

func (s *Sim) inDefaultSession(st *ecuState) bool {
	return st.session == 0x01 || st.session == 0x81
}

func (s *Sim) securityAccess(e *ECU, st *ecuState, req []byte) [][]byte {
	sid := req[0]
	one := func(b ...byte) [][]byte { return [][]byte{b} }
	if len(req) < 2 {
		return one(negative(sid, uds.IncorrectMessageLength)...)
	}
	if s.inDefaultSession(st) {
		return one(negative(sid, nrcNotSupportedInSession)...)
	}
	sub := req[1]
	if sub%2 == 1 {
		if e.MaxKeyAttempts > 0 && st.failures >= e.MaxKeyAttempts {
			return one(negative(sid, uds.RequiredTimeDelayNotExpired)...)
		}
		if st.unlocked == sub {
			return one(0x67, sub, 0x00, 0x00)
		}
		st.seedLevel = sub
		return one(append([]byte{0x67, sub}, e.Seed...)...)
	}
	level := sub - 1
	if st.seedLevel != level || e.Strategy == nil {
		return one(negative(sid, uds.RequestSequenceError)...)
	}
	st.seedLevel = 0
	want, err := e.Strategy.DeriveKey(e.Seed, level)
	if err != nil || !bytes.Equal(want, req[2:]) {
		st.failures++
		if e.MaxKeyAttempts > 0 && st.failures >= e.MaxKeyAttempts {
			return one(negative(sid, uds.ExceededNumberOfAttempts)...)
		}
		return one(negative(sid, uds.InvalidKey)...)
	}
	st.failures = 0
	st.unlocked = level
	return one(0x67, sub)
}

func (s *Sim) currentData(e *ECU, pids []byte) [][]byte {
	if len(pids) == 0 {
		return nil
	}
	if pids[0]%0x20 == 0 {
		base := pids[0]
		bitmap := e.supported(base)
		if base != 0 && binary.BigEndian.Uint32(bitmap) == 0 {
			return nil
		}
		return [][]byte{append([]byte{0x41, base}, bitmap...)}
	}
	out := []byte{0x41}
	for _, p := range pids {
		switch {
		case p == 0x01 && len(e.Monitor) == 4:
			out = append(append(out, p), e.Monitor...)
		case e.PIDs[p] != nil:
			out = append(append(out, p), e.PIDs[p]...)
		}
		if !s.bus.IsCAN() {
			break
		}
	}
	if len(out) == 1 {
		return nil
	}
	return [][]byte{out}
}

// supported builds the 32 bit bitmap of PIDs base+1..base+0x20.
func (e *ECU) supported(base byte) []byte {
	var bits uint32
	has := func(p int) bool {
		if p == 0x01 {
			return len(e.Monitor) == 4
		}
		return p <= 0xFF && e.PIDs[byte(p)] != nil
	}
	for i := 1; i <= 0x20; i++ {
		p := int(base) + i
		if has(p) {
			bits |= 1 << (32 - i)
		}
	}
	for p := int(base) + 0x21; p <= 0xFF; p++ {
		if has(p) {
			bits |= 1
			break
		}
	}
	return binary.BigEndian.AppendUint32(nil, bits)
}

func (s *Sim) freezeFrame(e *ECU, rec []byte) [][]byte {
	out := []byte{0x42}
	for len(rec) >= 2 {
		p, number := rec[0], rec[1]
		rec = rec[2:]
		if number != 0 {
			continue
		}
		switch {
		case p == 0x02:
			trigger := [2]byte{}
			if e.Freeze != nil {
				trigger, _ = dtc.Encode(e.Freeze.Trigger)
			}
			out = append(out, p, number, trigger[0], trigger[1])
		case e.Freeze != nil && e.Freeze.PIDs[p] != nil:
			out = append(append(out, p, number), e.Freeze.PIDs[p]...)
		}
		if !s.bus.IsCAN() {
			break
		}
	}
	if len(out) == 1 {
		return nil
	}
	return [][]byte{out}
}

func (s *Sim) dtcs(e *ECU, mode byte) [][]byte {
	var raw []byte
	for _, c := range *e.codes(mode) {
		b, err := dtc.Encode(c)
		if err != nil {
			continue
		}
		raw = append(raw, b[:]...)
	}
	if s.bus.IsCAN() {
		return [][]byte{append([]byte{mode + 0x40, byte(len(raw) / 2)}, raw...)}
	}
	// three codes per frame, padded with 0x0000
	var out [][]byte
	for {
		chunk := make([]byte, 6)
		copy(chunk, raw)
		out = append(out, append([]byte{mode + 0x40}, chunk...))
		if len(raw) <= 6 {
			return out
		}
		raw = raw[6:]
	}
}

func (s *Sim) readDTCInformation(e *ECU, req []byte) [][]byte {
	sid := req[0]
	if len(req) < 3 || req[1] != uds.ReportDTCByStatusMask {
		return [][]byte{negative(sid, nrcSubFunctionNotSupported)}
	}
	mask := req[2]
	out := []byte{0x59, uds.ReportDTCByStatusMask, 0xFF}
	add := func(codes []string, status byte) {
		if status&mask == 0 {
			return
		}
		for _, c := range codes {
			b, err := dtc.Encode(c)
			if err != nil {
				continue
			}
			out = append(out, b[0], b[1], 0x00, status)
		}
	}
	add(e.Stored, udsStatusFailedConfirmed)
	add(e.Pending, uds.StatusPending)
	return [][]byte{out}
}

// vehicleInfo answers mode 09. On non CAN buses the VIN goes out as five
// frames of four bytes, the first padded with zeros.
func (s *Sim) vehicleInfo(e *ECU, req []byte) [][]byte {
	if len(req) == 0 || e.VIN == "" {
		return nil
	}
	switch req[0] {
	case 0x00:
		return [][]byte{{0x49, 0x00, 0x40, 0x00, 0x00, 0x00}}
	case 0x02:
		if s.bus.IsCAN() {
			return [][]byte{append([]byte{0x49, 0x02, 0x01}, e.VIN...)}
		}
		vin := append([]byte{0, 0, 0}, e.VIN...)
		var out [][]byte
		for i := 0; i < 5; i++ {
			out = append(out, append([]byte{0x49, 0x02, byte(i + 1)}, vin[i*4:i*4+4]...))
		}
		return out
	}
	return nil
}
