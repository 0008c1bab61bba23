package frame

import (
	"bytes"
	"testing"
)

func TestChecksum(t *testing.T) {
	if got := Checksum([]byte{0x68, 0x6A, 0xF1, 0x01, 0x00}); got != 0xC4 {
		t.Errorf("Checksum() = 0x%02X, want 0xC4", got)
	}
}

func TestCRC8DetectsCorruption(t *testing.T) {
	codec, err := CodecFor(J1850PWM)
	if err != nil {
		t.Fatal(err)
	}
	wire, err := codec.Encode(Broadcast, []byte{0x01, 0x0C})
	if err != nil {
		t.Fatal(err)
	}
	raw := wire[0]
	if raw[len(raw)-1] != CRC8(raw[:len(raw)-1]) {
		t.Fatalf("encoded frame carries wrong crc")
	}
	raw[3] ^= 0x01
	if _, err := codec.Decode(raw); err != ErrChecksum {
		t.Errorf("Decode() corrupted frame error = %v, want %v", err, ErrChecksum)
	}
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in      string
		want    Protocol
		wantErr bool
	}{
		{in: "can11", want: ISO15765CAN11},
		{in: "CAN29", want: ISO15765CAN29},
		{in: "6", want: ISO15765CAN11},
		{in: "3", want: ISO9141},
		{in: "kwp", want: ISO14230},
		{in: "SAE J1850 VPW", want: J1850VPW},
		{in: "flexray", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProtocol(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProtocol() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseProtocol() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKLineRetryPolicy(t *testing.T) {
	for _, p := range DefaultPriority {
		tm := p.Timing()
		if p.IsKLine() && tm.Retries != 2 {
			t.Errorf("%s retries = %d, want 2", p, tm.Retries)
		}
		if p.IsCAN() && tm.Retries != 0 {
			t.Errorf("%s retries = %d, want 0", p, tm.Retries)
		}
	}
	if ISO9141.Timing().Init <= ISO15765CAN11.Timing().Init {
		t.Errorf("5-baud init must allow more time than CAN")
	}
}

func TestCANAddressing(t *testing.T) {
	tests := []struct {
		name       string
		p          Protocol
		target     Address
		wantPrefix []byte
	}{
		{name: "11-bit functional", p: ISO15765CAN11, target: Broadcast, wantPrefix: []byte{0x07, 0xDF}},
		{name: "11-bit physical", p: ISO15765CAN11, target: 0x7E8, wantPrefix: []byte{0x07, 0xE0}},
		{name: "29-bit functional", p: ISO15765CAN29, target: Broadcast, wantPrefix: []byte{0x18, 0xDB, 0x33, 0xF1}},
		{name: "29-bit physical", p: ISO15765CAN29, target: 0x18DAF110, wantPrefix: []byte{0x18, 0xDA, 0x10, 0xF1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := CodecFor(tt.p)
			if err != nil {
				t.Fatal(err)
			}
			wire, err := codec.Encode(tt.target, []byte{0x01, 0x00})
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.HasPrefix(wire[0], tt.wantPrefix) {
				t.Errorf("Encode() = % X, want prefix % X", wire[0], tt.wantPrefix)
			}
			f, err := codec.Decode(wire[0])
			if err != nil {
				t.Fatal(err)
			}
			if f.Target != tt.target {
				t.Errorf("Decode() target = %s, want %s", f.Target, tt.target)
			}
		})
	}
}

func TestISOTPRoundTrip(t *testing.T) {
	codec, _ := CodecFor(ISO15765CAN11)
	payload := []byte{0x49, 0x02, 0x01, '1', 'G', '1', 'J', 'C', '5', '4', '4', '4', 'R', '7', '2', '5', '2', '3', '6', '7'}
	segs, err := Segmentize(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 3 {
		t.Fatalf("Segmentize() produced %d frames, want 3", len(segs))
	}
	r := NewReassembler()
	var msg *Message
	for i, s := range segs {
		raw := append([]byte{0x07, 0xE8}, s...)
		f, err := codec.Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		m, ack, err := r.Push(f)
		if err != nil {
			t.Fatalf("Push(%d) error: %v", i, err)
		}
		if i == 0 && !ack {
			t.Errorf("first frame must request flow control")
		}
		if m != nil {
			msg = m
		}
	}
	if msg == nil {
		t.Fatal("message not reassembled")
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Errorf("payload = % X, want % X", msg.Payload, payload)
	}
	if msg.Source != 0x7E8 {
		t.Errorf("source = %s, want 0x7E8", msg.Source)
	}
}

func TestISOTPSequenceError(t *testing.T) {
	r := NewReassembler()
	ff := &Frame{Source: 0x7E8, Data: []byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6}}
	if _, _, err := r.Push(ff); err != nil {
		t.Fatal(err)
	}
	cf := &Frame{Source: 0x7E8, Data: []byte{0x22, 7, 8, 9, 10, 0, 0, 0}}
	if _, _, err := r.Push(cf); err == nil {
		t.Error("Push() accepted out of order consecutive frame")
	}
}

func TestKWPDecode(t *testing.T) {
	codec, _ := CodecFor(ISO14230)
	raw := []byte{0x83, 0xF1, 0x10, 0xC1, 0xEF, 0x8F, 0xC3}
	f, err := codec.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.Source != 0x10 || f.Target != Tester {
		t.Errorf("addresses = %s -> %s", f.Source, f.Target)
	}
	if !bytes.Equal(f.Data, []byte{0xC1, 0xEF, 0x8F}) {
		t.Errorf("data = % X", f.Data)
	}

	wire, err := codec.Encode(Broadcast, []byte{0x81})
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0xC1, 0x33, 0xF1, 0x81, 0x66}; !bytes.Equal(wire[0], want) {
		t.Errorf("Encode(StartCommunication) = % X, want % X", wire[0], want)
	}
}

func TestHeaderCodecLimits(t *testing.T) {
	for _, p := range []Protocol{ISO9141, J1850PWM, J1850VPW} {
		codec, _ := CodecFor(p)
		if _, err := codec.Encode(Broadcast, make([]byte, MaxHeaderPayload+1)); err == nil {
			t.Errorf("%s accepted oversized payload", p)
		}
		wire, err := codec.Encode(Broadcast, []byte{0x03})
		if err != nil {
			t.Fatal(err)
		}
		f, err := codec.Decode(wire[0])
		if err != nil {
			t.Fatalf("%s Decode() error: %v", p, err)
		}
		if f.Target != Broadcast || f.Source != Tester {
			t.Errorf("%s request addresses %s -> %s", p, f.Source, f.Target)
		}
	}
}
