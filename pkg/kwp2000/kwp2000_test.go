package kwp2000

import (
	"errors"
	"testing"
)

func TestParseStartCommunication(t *testing.T) {
	tests := []struct {
		name    string
		resp    []byte
		want    KeyBytes
		wantErr error
	}{
		{name: "fast init", resp: []byte{0xC1, 0xEF, 0x8F}, want: KeyBytes{0xEF, 0x8F}},
		{name: "bad kb2", resp: []byte{0xC1, 0xEF, 0x8E}, want: KeyBytes{0xEF, 0x8E}, wantErr: ErrInvalidKeyBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStartCommunication(tt.resp)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseStartCommunication() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseStartCommunication() = %s, want %s", got, tt.want)
			}
		})
	}
	if _, err := ParseStartCommunication([]byte{0x7F, 0x81, 0x10}); err == nil {
		t.Error("accepted negative response")
	}
}

func TestKeyBytes(t *testing.T) {
	kb := KeyBytes{KB1: 0xEF, KB2: 0x8F}
	if !kb.LengthInFormat() || !kb.LengthByte() || !kb.AddressedHeader() {
		t.Errorf("%s should support all header formats", kb)
	}
	if !kb.ExtendedTiming() {
		t.Errorf("%s should use extended timing", kb)
	}
}

func TestTranslateErrorCode(t *testing.T) {
	if got := TranslateErrorCode(0x35); got != "Invalid key" {
		t.Errorf("TranslateErrorCode(0x35) = %q", got)
	}
	if got := TranslateErrorCode(0x01); got != "Unknown error 1" {
		t.Errorf("TranslateErrorCode(0x01) = %q", got)
	}
}
