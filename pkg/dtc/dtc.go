// Package dtc models diagnostic trouble codes: the SAE J2012 two byte wire
// encoding, the ordered per session collection and the classifier.
package dtc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roffe/goscan/pkg/frame"
)

type Status int

const (
	Stored    Status = iota // confirmed, lamp on
	Pending                 // not yet confirmed
	Permanent               // cannot be cleared by a scan tool
)

func (s Status) String() string {
	switch s {
	case Stored:
		return "Stored"
	case Pending:
		return "Pending"
	case Permanent:
		return "Permanent"
	}
	return "Unknown"
}

type Category int

const (
	Powertrain Category = iota
	Chassis
	Body
	Network
)

var categoryLetters = [4]byte{'P', 'C', 'B', 'U'}

func (c Category) Letter() byte {
	return categoryLetters[c&0x03]
}

func (c Category) String() string {
	switch c {
	case Powertrain:
		return "Powertrain"
	case Chassis:
		return "Chassis"
	case Body:
		return "Body"
	case Network:
		return "Network"
	}
	return "Unknown"
}

type Kind int

const (
	Generic Kind = iota
	Manufacturer
)

func (k Kind) String() string {
	if k == Manufacturer {
		return "Manufacturer"
	}
	return "Generic"
}

var (
	ErrNoCode      = errors.New("no code (0x0000)")
	ErrInvalidCode = errors.New("invalid DTC code")
)

// DTC is one trouble code as reported by an ECU. Two DTCs are the same
// entity when Code and Status match.
type DTC struct {
	Code   string
	Status Status
	Raw    []byte
	// ECU is the reporting module, set for multi ECU (UDS) reads only.
	ECU *frame.Address
	// FailureType is the third byte of a UDS DTC.
	FailureType byte
	// StatusMask is the UDS status byte, 0 for OBD reads.
	StatusMask byte
	Time       time.Time
}

func (d DTC) String() string {
	if d.ECU != nil {
		return fmt.Sprintf("%s (%s) @ %s", d.Code, d.Status, d.ECU)
	}
	return fmt.Sprintf("%s (%s)", d.Code, d.Status)
}

func (d DTC) Same(o DTC) bool {
	return d.Code == o.Code && d.Status == o.Status
}

func (d DTC) Category() Category {
	c, _ := CategoryOf(d.Code)
	return c
}

func (d DTC) Kind() Kind {
	k, _ := KindOf(d.Code)
	return k
}

// How to read DTC codes
//
//	A7 A6    first character     P C B U
//	A5 A4    second character    0 1 2 3
//	A3..A0   third character     0..F
//	B7..B4   fourth character    0..F
//	B3..B0   fifth character     0..F
//
// E1 03 -> 11 10 0001 0000 0011 -> U2103

const hexDigits = "0123456789ABCDEF"

// Decode decodes a 2-byte DTC value into a code like "P0106". 0x0000 means
// no code and returns ErrNoCode.
func Decode(a, b byte) (string, error) {
	if a == 0 && b == 0 {
		return "", ErrNoCode
	}
	code := []byte{
		categoryLetters[a>>6],
		'0' + (a>>4)&0x03,
		hexDigits[a&0x0F],
		hexDigits[b>>4],
		hexDigits[b&0x0F],
	}
	return string(code), nil
}

// Encode is the inverse of Decode.
func Encode(code string) ([2]byte, error) {
	var out [2]byte
	if err := Validate(code); err != nil {
		return out, err
	}
	code = strings.ToUpper(code)
	cat := byte(strings.IndexByte("PCBU", code[0]))
	second := code[1] - '0'
	third := byte(strings.IndexByte(hexDigits, code[2]))
	fourth := byte(strings.IndexByte(hexDigits, code[3]))
	fifth := byte(strings.IndexByte(hexDigits, code[4]))
	out[0] = cat<<6 | second<<4 | third
	out[1] = fourth<<4 | fifth
	return out, nil
}

// Validate checks the 5 character form: category letter, 0-3, three hex digits.
func Validate(code string) error {
	if len(code) != 5 {
		return fmt.Errorf("%w %q: want 5 characters", ErrInvalidCode, code)
	}
	code = strings.ToUpper(code)
	if strings.IndexByte("PCBU", code[0]) < 0 {
		return fmt.Errorf("%w %q: category must be P, C, B or U", ErrInvalidCode, code)
	}
	if code[1] < '0' || code[1] > '3' {
		return fmt.Errorf("%w %q: second character must be 0-3", ErrInvalidCode, code)
	}
	for i := 2; i < 5; i++ {
		if strings.IndexByte(hexDigits, code[i]) < 0 {
			return fmt.Errorf("%w %q: %q is not a hex digit", ErrInvalidCode, code, code[i])
		}
	}
	if code == "P0000" {
		return fmt.Errorf("%w %q", ErrNoCode, code)
	}
	return nil
}

func CategoryOf(code string) (Category, error) {
	if code == "" {
		return 0, ErrInvalidCode
	}
	i := strings.IndexByte("PCBU", strings.ToUpper(code[:1])[0])
	if i < 0 {
		return 0, fmt.Errorf("%w %q", ErrInvalidCode, code)
	}
	return Category(i), nil
}

// KindOf tells SAE generic codes from manufacturer specific ones using the
// second character, and for P3xxx the third.
func KindOf(code string) (Kind, error) {
	if err := Validate(code); err != nil {
		return Generic, err
	}
	code = strings.ToUpper(code)
	switch code[0] {
	case 'P':
		switch code[1] {
		case '1':
			return Manufacturer, nil
		case '3':
			if code[2] <= '3' {
				return Manufacturer, nil
			}
		}
	default:
		if code[1] == '1' || code[1] == '2' {
			return Manufacturer, nil
		}
	}
	return Generic, nil
}

// New builds a DTC from its two wire bytes.
func New(raw []byte, status Status) (DTC, error) {
	if len(raw) < 2 {
		return DTC{}, fmt.Errorf("%w: need 2 bytes, got %d", ErrInvalidCode, len(raw))
	}
	code, err := Decode(raw[0], raw[1])
	if err != nil {
		return DTC{}, err
	}
	return DTC{Code: code, Status: status, Raw: []byte{raw[0], raw[1]}, Time: time.Now()}, nil
}

// FromUDS builds a DTC from a 3 byte UDS DTC and its status byte. ok is
// false when the status reports neither a confirmed nor a pending code.
func FromUDS(raw []byte, mask byte, ecu frame.Address) (d DTC, ok bool, err error) {
	if len(raw) < 3 {
		return DTC{}, false, fmt.Errorf("%w: need 3 bytes, got %d", ErrInvalidCode, len(raw))
	}
	status, ok := StatusFromUDS(mask)
	if !ok {
		return DTC{}, false, nil
	}
	d, err = New(raw[:2], status)
	if err != nil {
		return DTC{}, false, err
	}
	d.Raw = []byte{raw[0], raw[1], raw[2]}
	d.FailureType = raw[2]
	d.StatusMask = mask
	d.ECU = &ecu
	return d, true, nil
}

// StatusFromUDS maps a UDS status byte: confirmed is Stored, pending Pending.
func StatusFromUDS(mask byte) (Status, bool) {
	switch {
	case mask&0x08 != 0:
		return Stored, true
	case mask&0x04 != 0:
		return Pending, true
	}
	return 0, false
}

/*
DTC Status Byte
bit #	hex		state
0		0x01	testFailed
1		0x02	testFailedThisOperationCycle
2		0x04	pendingDTC
3		0x08	confirmedDTC
4		0x10	testNotCompletedSinceLastClear
5		0x20	testFailedSinceLastClear
6		0x40	testNotCompletedThisOperationCycle
7		0x80	warningIndicatorRequested
*/
func StatusBytetoString(status byte) string {
	var statusStrings []string
	if status&0x80 != 0 {
		statusStrings = append(statusStrings, "MIL requested")
	}
	if status&0x40 != 0 {
		statusStrings = append(statusStrings, "test not completed this operation cycle")
	}
	if status&0x20 != 0 {
		statusStrings = append(statusStrings, "test failed since last clear")
	}
	if status&0x10 != 0 {
		statusStrings = append(statusStrings, "test not completed since last clear")
	}
	if status&0x08 != 0 {
		statusStrings = append(statusStrings, "confirmed")
	}
	if status&0x04 != 0 {
		statusStrings = append(statusStrings, "pending")
	}
	if status&0x02 != 0 {
		statusStrings = append(statusStrings, "failed this operation cycle")
	}
	if status&0x01 != 0 {
		statusStrings = append(statusStrings, "test failed")
	}
	return strings.Join(statusStrings, ", ")
}
