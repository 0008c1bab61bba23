package uds

import (
	"bytes"
	"testing"
	"time"
)

func TestParseSeed(t *testing.T) {
	tests := []struct {
		name    string
		resp    []byte
		level   byte
		want    []byte
		wantErr bool
	}{
		{name: "two byte seed", resp: []byte{0x67, 0x01, 0x12, 0x34}, level: 0x01, want: []byte{0x12, 0x34}},
		{name: "zero seed", resp: []byte{0x67, 0x03, 0x00, 0x00}, level: 0x03, want: []byte{0x00, 0x00}},
		{name: "wrong level", resp: []byte{0x67, 0x03, 0x12, 0x34}, level: 0x01, wantErr: true},
		{name: "wrong service", resp: []byte{0x62, 0x01, 0x12}, level: 0x01, wantErr: true},
		{name: "short", resp: []byte{0x67, 0x01}, level: 0x01, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSeed(tt.resp, tt.level)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSeed() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ParseSeed() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestSendKeyRequest(t *testing.T) {
	got := SendKeyRequest(0x01, []byte{0xAB, 0xCD})
	if want := []byte{0x27, 0x02, 0xAB, 0xCD}; !bytes.Equal(got, want) {
		t.Errorf("SendKeyRequest() = % X, want % X", got, want)
	}
	if err := ParseKeyAccepted([]byte{0x67, 0x02}, 0x01); err != nil {
		t.Errorf("ParseKeyAccepted() error = %v", err)
	}
}

func TestParseSessionControl(t *testing.T) {
	p2, p2ext, err := ParseSessionControl([]byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}, ExtendedSession)
	if err != nil {
		t.Fatal(err)
	}
	if p2 != 50*time.Millisecond || p2ext != 5*time.Second {
		t.Errorf("timings = %v / %v", p2, p2ext)
	}
	if _, _, err := ParseSessionControl([]byte{0x50, 0x01}, ExtendedSession); err == nil {
		t.Error("accepted confirmation of another session")
	}
}

func TestRoutineControl(t *testing.T) {
	req := RoutineControlRequest(StartRoutine, 0x0203, []byte{0x01})
	if want := []byte{0x31, 0x01, 0x02, 0x03, 0x01}; !bytes.Equal(req, want) {
		t.Errorf("RoutineControlRequest() = % X", req)
	}
	status, err := ParseRoutineControl([]byte{0x71, 0x01, 0x02, 0x03, 0x10}, StartRoutine, 0x0203)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(status, []byte{0x10}) {
		t.Errorf("status = % X", status)
	}
}

func TestParseManufacturingDate(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    time.Time
		wantErr bool
	}{
		{name: "valid", data: []byte{0x19, 0x07, 0x23}, want: time.Date(2019, 7, 23, 0, 0, 0, 0, time.UTC)},
		{name: "bad month", data: []byte{0x19, 0x13, 0x01}, wantErr: true},
		{name: "short", data: []byte{0x19}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseManufacturingDate(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseManufacturingDate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseManufacturingDate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTranslateErrorCode(t *testing.T) {
	if got := TranslateErrorCode(InvalidKey); got != "Invalid key" {
		t.Errorf("TranslateErrorCode(0x35) = %q", got)
	}
	if got := TranslateErrorCode(0x01); got != "Unknown error" {
		t.Errorf("TranslateErrorCode(0x01) = %q", got)
	}
}
