package decode

import (
	"fmt"
	"time"

	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/pid"
	"github.com/roffe/goscan/pkg/uds"
)

// OBD service modes.
const (
	ModeCurrentData     = 0x01
	ModeFreezeFrame     = 0x02
	ModeStoredDTCs      = 0x03
	ModeClearDTCs       = 0x04
	ModePendingDTCs     = 0x07
	ModeVehicleInfo     = 0x09
	ModePermanentDTCs   = 0x0A
	PIDMonitorStatus    = 0x01
	PIDFreezeTrigger    = 0x02
	InfoTypeVIN         = 0x02
	InfoTypeCalibration = 0x04
)

// Context is what the decoder knows about the exchange a response belongs to.
type Context struct {
	Protocol frame.Protocol
	// Request is the payload that produced the response.
	Request []byte
}

// Frame decodes one raw single frame response.
func Frame(raw []byte, ctx Context) (Response, error) {
	codec, err := frame.CodecFor(ctx.Protocol)
	if err != nil {
		return nil, err
	}
	f, err := codec.Decode(raw)
	if err != nil {
		return nil, &DecodeError{Kind: Malformed, Msg: err.Error()}
	}
	msg := &frame.Message{Source: f.Source, Payload: f.Data}
	if ctx.Protocol.IsCAN() {
		seg, err := frame.ParseSegment(f.Data)
		if err != nil || seg.Type != frame.SingleFrame {
			return nil, &DecodeError{Kind: Malformed, Source: f.Source, Msg: "not a single frame"}
		}
		msg.Payload = seg.Data
	}
	return Decode(msg, ctx)
}

// Decode decodes a complete response message. Responses that do not
// answer ctx.Request are rejected as Unsolicited.
func Decode(msg *frame.Message, ctx Context) (Response, error) {
	if len(ctx.Request) == 0 {
		return nil, &DecodeError{Kind: Unsolicited, Source: msg.Source, Msg: "no request"}
	}
	sid := ctx.Request[0]
	p := msg.Payload
	if len(p) == 0 || p[0] != sid+0x40 {
		return nil, &DecodeError{Kind: Unsolicited, SID: sid, Source: msg.Source, Msg: fmt.Sprintf("payload % X", p)}
	}
	d := &decoder{ctx: ctx, src: msg.Source, sid: sid, p: p}
	switch sid {
	case ModeCurrentData:
		return d.currentData()
	case ModeFreezeFrame:
		return d.freezeFrame()
	case ModeStoredDTCs:
		return d.dtcs(dtc.Stored)
	case ModePendingDTCs:
		return d.dtcs(dtc.Pending)
	case ModePermanentDTCs:
		return d.dtcs(dtc.Permanent)
	case ModeVehicleInfo:
		return d.vehicleInfo()
	case uds.ReadDTCInformation:
		return d.udsDTCs()
	case ModeClearDTCs, uds.DiagnosticSessionControl, uds.ECUReset, uds.ClearDiagnosticInformation,
		uds.SecurityAccess, uds.RoutineControl, uds.TesterPresent, uds.ReadDataByIdentifier, 0x81:
		return &Ack{Source: msg.Source, SID: sid, Data: clone(p[1:])}, nil
	}
	return nil, d.fail(Unsupported, "service not handled")
}

type decoder struct {
	ctx Context
	src frame.Address
	sid byte
	p   []byte
}

func (d *decoder) fail(k Kind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: k, SID: d.sid, Source: d.src, Msg: fmt.Sprintf(format, args...)}
}

func (d *decoder) mismatch(partial Response, format string, args ...any) *DecodeError {
	e := d.fail(CountMismatch, format, args...)
	e.Partial = partial
	return e
}

func (d *decoder) requestedPID() (byte, bool) {
	if len(d.ctx.Request) < 2 {
		return 0, false
	}
	return d.ctx.Request[1], true
}

func (d *decoder) currentData() (Response, error) {
	if len(d.p) < 2 {
		return nil, d.fail(Malformed, "missing PID")
	}
	if want, ok := d.requestedPID(); ok && d.p[1] != want {
		return nil, d.fail(Unsolicited, "PID 0x%02X, requested 0x%02X", d.p[1], want)
	}
	first := d.p[1]
	switch {
	case first%0x20 == 0:
		if len(d.p) < 6 {
			return nil, d.fail(Malformed, "supported PID bitmap too short")
		}
		bitmap := d.p[2:6]
		return &SupportedPIDs{Source: d.src, Mode: ModeCurrentData, Base: first, PIDs: pid.Supported(first, bitmap), Next: pid.HasNextRange(bitmap)}, nil
	case first == PIDMonitorStatus:
		return d.monitorStatus()
	}
	values, err := d.values(d.p[1:])
	if err != nil {
		return nil, err
	}
	return &Parameters{Source: d.src, Values: values}, nil
}

// values parses consecutive PID DATA records.
func (d *decoder) values(rec []byte) ([]pid.Value, error) {
	var out []pid.Value
	for len(rec) > 0 {
		id := rec[0]
		data := rec[1:]
		n := pid.Len(id)
		if n == 0 {
			// Unknown length, pass the rest through.
			v, _ := pid.Decode(id, data)
			return append(out, v), nil
		}
		v, err := pid.Decode(id, data)
		if err != nil {
			return nil, d.fail(Malformed, "%v", err)
		}
		out = append(out, v)
		rec = data[n:]
	}
	return out, nil
}

// freezeFrame decodes 42 PID FRAME DATA records. PID 02 carries the code
// that triggered the frame.
func (d *decoder) freezeFrame() (Response, error) {
	if len(d.p) < 3 {
		return nil, d.fail(Malformed, "missing PID or frame number")
	}
	ff := &FreezeFrame{Source: d.src, Number: d.p[2], Time: time.Now()}
	if len(d.ctx.Request) >= 3 && d.ctx.Request[2] != ff.Number {
		return nil, d.fail(Unsolicited, "frame %d, requested %d", ff.Number, d.ctx.Request[2])
	}
	rec := d.p[1:]
	for len(rec) > 0 {
		if len(rec) < 2 {
			return nil, d.fail(Malformed, "truncated record % X", rec)
		}
		id, num := rec[0], rec[1]
		if num != ff.Number {
			return nil, d.fail(Malformed, "mixed frame numbers %d and %d", ff.Number, num)
		}
		if id == PIDFreezeTrigger {
			if len(rec) < 4 {
				return nil, d.fail(Malformed, "freeze frame without trigger code")
			}
			if code, err := dtc.New(rec[2:4], dtc.Stored); err == nil {
				ff.Trigger = &code
			}
			rec = rec[4:]
			continue
		}
		end := len(rec)
		if n := pid.Len(id); n > 0 {
			if len(rec) < 2+n {
				return nil, d.fail(Malformed, "PID 0x%02X needs %d bytes", id, n)
			}
			end = 2 + n
		}
		v, err := pid.Decode(id, rec[2:end])
		if err != nil {
			return nil, d.fail(Malformed, "%v", err)
		}
		ff.Values = append(ff.Values, v)
		rec = rec[end:]
	}
	return ff, nil
}

// dtcs decodes modes 03, 07 and 0A. On CAN the first byte is the number of
// codes, a 0x0000 pair before that count is reached is a count mismatch. On
// K-Line and J1850 every frame holds three pairs padded with 0x0000.
func (d *decoder) dtcs(status dtc.Status) (Response, error) {
	list := &DTCList{Source: d.src}
	body := d.p[1:]
	if d.ctx.Protocol.IsCAN() {
		if len(body) < 1 {
			return nil, d.fail(Malformed, "missing DTC count")
		}
		count := int(body[0])
		body = body[1:]
		for i := 0; i < count; i++ {
			if len(body) < 2*(i+1) {
				return nil, d.mismatch(list, "declared %d codes, payload holds %d", count, i)
			}
			code, err := dtc.New(body[2*i:2*i+2], status)
			if err != nil {
				return nil, d.mismatch(list, "declared %d codes, list ended after %d", count, i)
			}
			list.Codes = append(list.Codes, code)
		}
		for _, b := range body[min(len(body), 2*count):] {
			if b != 0 {
				return nil, d.mismatch(list, "declared %d codes, payload holds more", count)
			}
		}
		return list, nil
	}
	if len(body)%2 != 0 {
		return nil, d.fail(Malformed, "odd DTC payload length %d", len(body))
	}
	for i := 0; i+1 < len(body); i += 2 {
		code, err := dtc.New(body[i:i+2], status)
		if err != nil {
			continue
		}
		list.Codes = append(list.Codes, code)
	}
	return list, nil
}

// udsDTCs decodes 59 02 MASK [DTC_HI DTC_MID DTC_LO STATUS]...
func (d *decoder) udsDTCs() (Response, error) {
	if len(d.p) < 3 {
		return nil, d.fail(Malformed, "too short")
	}
	if d.p[1] != uds.ReportDTCByStatusMask {
		return nil, d.fail(Unsupported, "sub function 0x%02X", d.p[1])
	}
	body := d.p[3:]
	if len(body)%4 != 0 {
		return nil, d.fail(Malformed, "record length %d is not a multiple of 4", len(body))
	}
	list := &DTCList{Source: d.src}
	for i := 0; i < len(body); i += 4 {
		code, ok, err := dtc.FromUDS(body[i:i+3], body[i+3], d.src)
		if err != nil || !ok {
			continue
		}
		list.Codes = append(list.Codes, code)
	}
	return list, nil
}

func (d *decoder) vehicleInfo() (Response, error) {
	if len(d.p) < 3 {
		return nil, d.fail(Malformed, "too short")
	}
	if want, ok := d.requestedPID(); ok && d.p[1] != want {
		return nil, d.fail(Unsolicited, "info type 0x%02X, requested 0x%02X", d.p[1], want)
	}
	if d.p[1]%0x20 == 0 {
		if len(d.p) < 6 {
			return nil, d.fail(Malformed, "supported info type bitmap too short")
		}
		bitmap := d.p[2:6]
		return &SupportedPIDs{Source: d.src, Mode: ModeVehicleInfo, Base: d.p[1], PIDs: pid.Supported(d.p[1], bitmap), Next: pid.HasNextRange(bitmap)}, nil
	}
	return &VehicleInfo{Source: d.src, InfoType: d.p[1], Item: d.p[2], Data: clone(d.p[3:])}, nil
}

// monitorStatus decodes the four data bytes of mode 01 PID 01.
func (d *decoder) monitorStatus() (Response, error) {
	if len(d.p) < 6 {
		return nil, d.fail(Malformed, "monitor status needs 4 data bytes")
	}
	a, b, c, e := d.p[2], d.p[3], d.p[4], d.p[5]
	ms := &MonitorStatus{
		Source:             d.src,
		MIL:                a&0x80 != 0,
		DTCCount:           int(a & 0x7F),
		CompressionIgnited: b&0x08 != 0,
	}
	for i, name := range continuousMonitors {
		ms.Monitors = append(ms.Monitors, Monitor{
			Name:       name,
			Continuous: true,
			State:      monitorState(b&(1<<i) != 0, b&(0x10<<i) != 0),
		})
	}
	names := sparkMonitors
	if ms.CompressionIgnited {
		names = compressionMonitors
	}
	for bit := 0; bit < 8; bit++ {
		if names[bit] == "" {
			continue
		}
		ms.Monitors = append(ms.Monitors, Monitor{
			Name:  names[bit],
			State: monitorState(c&(1<<bit) != 0, e&(1<<bit) != 0),
		})
	}
	return ms, nil
}

var continuousMonitors = []string{"Misfire", "Fuel system", "Components"}

var sparkMonitors = [8]string{
	"Catalyst",
	"Heated catalyst",
	"Evaporative system",
	"Secondary air system",
	"",
	"Oxygen sensor",
	"Oxygen sensor heater",
	"EGR system",
}

var compressionMonitors = [8]string{
	"NMHC catalyst",
	"NOx/SCR monitor",
	"",
	"Boost pressure",
	"",
	"Exhaust gas sensor",
	"PM filter",
	"EGR/VVT system",
}

func monitorState(supported, incomplete bool) MonitorState {
	switch {
	case !supported:
		return NotSupported
	case incomplete:
		return Incomplete
	}
	return Complete
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
