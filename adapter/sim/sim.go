// Package sim is a simulated vehicle behind a scanner adapter. It answers
// OBD and UDS requests on one protocol and counts every frame it is sent.
package sim

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/adapter"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/security"
)

func init() {
	if err := goscan.RegisterAdapter(&goscan.AdapterInfo{
		Name:        "sim",
		Description: "Simulated vehicle",
		Capabilities: goscan.AdapterCapabilities{
			CAN:   true,
			KLine: true,
			J1850: true,
		},
		New: NewFromConfig,
	}); err != nil {
		panic(err)
	}
}

// NewFromConfig builds the default vehicle. AdditionalConfig keys:
// "protocol" (default can11), "seed" (hex engine seed) and "family"
// (key strategy of the engine ECU).
func NewFromConfig(cfg *goscan.AdapterConfig) (goscan.Channel, error) {
	p := frame.ISO15765CAN11
	if v, ok := cfg.AdditionalConfig["protocol"]; ok {
		var err error
		if p, err = frame.ParseProtocol(v); err != nil {
			return nil, err
		}
	}
	v := DefaultVehicle(p)
	if s, ok := cfg.AdditionalConfig["seed"]; ok {
		seed, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", s, err)
		}
		v.ECUs[0].Seed = seed
	}
	if f, ok := cfg.AdditionalConfig["family"]; ok {
		strategy, err := security.DefaultRegistry.Lookup(f)
		if err != nil {
			return nil, err
		}
		v.ECUs[0].Strategy = strategy
	}
	return New(v, cfg), nil
}

type ecuState struct {
	session   byte
	seedLevel byte
	unlocked  byte
	failures  int
}

// Sim implements goscan.Channel and goscan.ProtocolSelector.
type Sim struct {
	*adapter.BaseChannel

	mu      sync.Mutex
	vehicle *Vehicle
	bus     frame.Protocol
	codec   frame.Codec
	awake   bool
	wakeup  int
	state   map[frame.Address]*ecuState
	rx      map[frame.Address]*transfer
	tx      map[frame.Address][][]byte
	sent    [][]byte
	failure error

	frames atomic.Int64
	mute   atomic.Bool
}

type transfer struct {
	want int
	buf  []byte
}

func New(v *Vehicle, cfg *goscan.AdapterConfig) *Sim {
	s := &Sim{
		BaseChannel: adapter.NewBaseChannel("sim", cfg),
		vehicle:     v,
	}
	s.reset()
	s.selectBus(v.Protocol)
	return s
}

func (s *Sim) reset() {
	s.state = make(map[frame.Address]*ecuState)
	for _, e := range s.vehicle.ECUs {
		s.state[e.Address] = &ecuState{session: 0x01}
	}
	s.rx = make(map[frame.Address]*transfer)
	s.tx = make(map[frame.Address][][]byte)
}

func (s *Sim) selectBus(p frame.Protocol) {
	s.bus = p
	s.codec, _ = frame.CodecFor(p)
	s.awake = !p.IsKLine()
	s.wakeup = 0
}

func (s *Sim) Open(_ context.Context, deviceID string) error {
	s.mu.Lock()
	s.reset()
	s.awake = !s.bus.IsKLine()
	s.mu.Unlock()
	s.SetOpen()
	s.Config().OnMessage(fmt.Sprintf("simulated %s vehicle on %q", s.vehicle.Protocol, deviceID))
	return nil
}

// SelectProtocol switches the bus the adapter listens on. Only the vehicle
// protocol gets answers.
func (s *Sim) SelectProtocol(_ context.Context, p frame.Protocol) error {
	if !p.Valid() {
		return fmt.Errorf("sim: invalid protocol %d", p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectBus(p)
	return nil
}

// Frames is the number of frames sent to the simulator.
func (s *Sim) Frames() int {
	return int(s.frames.Load())
}

// SentFrames returns a copy of every frame sent since the last ResetFrames.
func (s *Sim) SentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *Sim) ResetFrames() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
	s.frames.Store(0)
}

// SetMute makes the vehicle stop answering.
func (s *Sim) SetMute(mute bool) {
	s.mute.Store(mute)
}

// SetFailure makes every Send fail with err, nil restores the link.
func (s *Sim) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Codes returns the codes an ECU currently holds for one memory.
func (s *Sim) Codes(addr frame.Address, mode byte) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.vehicle.ECUs {
		if e.Address == addr {
			return append([]string(nil), *e.codes(mode)...)
		}
	}
	return nil
}

func (s *Sim) Send(_ context.Context, data []byte) error {
	if !s.IsOpen() {
		return goscan.ErrChannelClosed
	}
	s.frames.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	if s.failure != nil {
		return s.failure
	}
	if s.mute.Load() || s.bus != s.vehicle.Protocol {
		return nil
	}
	if s.bus == frame.ISO9141 && len(data) == 1 {
		s.slowInit(data[0])
		return nil
	}
	f, err := s.codec.Decode(data)
	if err != nil {
		if s.Config().Debug {
			s.Config().OnError(fmt.Errorf("sim: %w", err))
		}
		return nil
	}
	payload := f.Data
	if s.bus.IsCAN() {
		payload = s.segment(f)
	}
	if len(payload) == 0 {
		return nil
	}
	if !s.awake {
		if s.bus != frame.ISO14230 || payload[0] != 0x81 {
			return nil
		}
	}
	for _, e := range s.vehicle.ECUs {
		if e.Silent || (f.Target != frame.Broadcast && f.Target != e.Address) {
			continue
		}
		for _, resp := range s.handle(e, s.state[e.Address], payload) {
			s.respond(e.Address, resp)
		}
	}
	return nil
}

// slowInit answers the 5 baud wakeup of ISO 9141-2.
func (s *Sim) slowInit(b byte) {
	kb := s.vehicle.KeyBytes
	switch {
	case s.wakeup == 0 && b == 0x33:
		s.wakeup = 1
		s.Deliver([]byte{0x55})
		s.Deliver([]byte{kb[0], kb[1]})
	case s.wakeup == 1 && b == ^kb[1]:
		s.wakeup = 0
		s.awake = true
		s.Deliver([]byte{0xCC})
	}
}

// segment runs the ECU side of ISO-TP for one tester frame and returns a
// complete request payload, nil while none is available.
func (s *Sim) segment(f *frame.Frame) []byte {
	seg, err := frame.ParseSegment(f.Data)
	if err != nil {
		return nil
	}
	switch seg.Type {
	case frame.SingleFrame:
		return seg.Data
	case frame.FirstFrame:
		if f.Target == frame.Broadcast {
			return nil
		}
		s.rx[f.Target] = &transfer{want: seg.Length, buf: append([]byte(nil), seg.Data...)}
		s.Deliver(s.wire(f.Target, frame.FlowControlData()))
	case frame.ConsecutiveFrame:
		t, ok := s.rx[f.Target]
		if !ok {
			return nil
		}
		t.buf = append(t.buf, seg.Data[:min(len(seg.Data), t.want-len(t.buf))]...)
		if len(t.buf) >= t.want {
			delete(s.rx, f.Target)
			return t.buf
		}
	case frame.FlowControlFrame:
		for _, cf := range s.tx[f.Target] {
			s.Deliver(cf)
		}
		delete(s.tx, f.Target)
	}
	return nil
}

func (s *Sim) respond(src frame.Address, payload []byte) {
	switch {
	case s.bus.IsCAN():
		segs, err := frame.Segmentize(payload)
		if err != nil {
			return
		}
		s.Deliver(s.wire(src, segs[0]))
		for _, cf := range segs[1:] {
			s.tx[src] = append(s.tx[src], s.wire(src, cf))
		}
	case s.bus == frame.ISO14230:
		out := append([]byte{0x80 | byte(len(payload)), frame.Tester, byte(src)}, payload...)
		s.Deliver(append(out, frame.Checksum(out)))
	default:
		hdr, sum := []byte{0x48, 0x6B}, frame.Checksum
		switch s.bus {
		case frame.J1850PWM:
			hdr, sum = []byte{0x41, 0x6B}, frame.CRC8
		case frame.J1850VPW:
			sum = frame.CRC8
		}
		out := append(append(hdr, byte(src)), payload...)
		s.Deliver(append(out, sum(out)))
	}
}

func (s *Sim) wire(id frame.Address, data []byte) []byte {
	var out []byte
	if s.bus == frame.ISO15765CAN29 {
		out = binary.BigEndian.AppendUint32(nil, uint32(id))
	} else {
		out = binary.BigEndian.AppendUint16(nil, uint16(id))
	}
	return append(out, data...)
}
