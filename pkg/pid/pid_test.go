package pid

import (
	"bytes"
	"testing"
)

func TestDecodeDisplay(t *testing.T) {
	tests := []struct {
		name    string
		pid     byte
		data    []byte
		want    string
		wantErr bool
	}{
		{name: "coolant", pid: 0x05, data: []byte{0x7B}, want: "83°C"},
		{name: "coolant minimum", pid: 0x05, data: []byte{0x00}, want: "-40°C"},
		{name: "rpm", pid: 0x0C, data: []byte{0x1A, 0xF8}, want: "1726 rpm"},
		{name: "speed", pid: 0x0D, data: []byte{0x32}, want: "50 km/h"},
		{name: "load", pid: 0x04, data: []byte{0xFF}, want: "100.0%"},
		{name: "trim", pid: 0x06, data: []byte{0x80}, want: "0.0%"},
		{name: "voltage", pid: 0x42, data: []byte{0x36, 0xB0}, want: "14.00 V"},
		{name: "extra bytes ignored", pid: 0x0D, data: []byte{0x10, 0xAA}, want: "16 km/h"},
		{name: "unknown pid passthrough", pid: 0xA6, data: []byte{0x01, 0x02, 0x03, 0x04}, want: "01 02 03 04"},
		{name: "rpm short", pid: 0x0C, data: []byte{0x1A}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Decode(tt.pid, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := v.Display(); got != tt.want {
				t.Errorf("Display() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnrecognized(t *testing.T) {
	v, err := Decode(0xA6, []byte{0x01})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Unrecognized {
		t.Error("unknown PID not flagged unrecognized")
	}
	if _, ok := v.Float(); ok {
		t.Error("unrecognized value has a scaled value")
	}
	if v.Key() != "A6" {
		t.Errorf("Key() = %q", v.Key())
	}
}

// Display depends on the raw bytes only.
func TestDisplayDeterministic(t *testing.T) {
	for _, def := range Definitions() {
		for a := 0; a < 256; a += 7 {
			data := make([]byte, def.Bytes)
			for i := range data {
				data[i] = byte(a + i)
			}
			v1, _ := Decode(def.PID, data)
			v2, _ := Decode(def.PID, append([]byte(nil), data...))
			if v1.Display() != v2.Display() || v1.Display() != v1.Display() {
				t.Fatalf("PID 0x%02X display not deterministic for % X", def.PID, data)
			}
			f, _ := v1.Float()
			if f < def.Min || f > def.Max {
				t.Fatalf("PID 0x%02X value %v outside [%v, %v]", def.PID, f, def.Min, def.Max)
			}
		}
	}
}

func TestSupported(t *testing.T) {
	bitmap := []byte{0xBE, 0x1F, 0xA8, 0x13}
	got := Supported(0x00, bitmap)
	want := []byte{0x01, 0x03, 0x04, 0x05, 0x06, 0x07, 0x0C, 0x0D, 0x0E, 0x0F, 0x10, 0x11, 0x13, 0x15, 0x1C, 0x1F, 0x20}
	if !bytes.Equal(got, want) {
		t.Errorf("Supported() = % X, want % X", got, want)
	}
	if !HasNextRange(bitmap) {
		t.Error("HasNextRange() = false")
	}
	got = Supported(0x20, []byte{0x80, 0x00, 0x00, 0x00})
	if !bytes.Equal(got, []byte{0x21}) {
		t.Errorf("Supported(0x20) = % X", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{in: "rpm", want: 0x0C},
		{in: "Coolant", want: 0x05},
		{in: "0x0d", want: 0x0D},
		{in: "42", want: 0x42},
		{in: "boost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse() = 0x%02X, want 0x%02X", got, tt.want)
			}
		})
	}
}
