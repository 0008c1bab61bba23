// Package uds builds and parses the ISO 14229 services used by the scanner:
// session control, ECU reset, DTC read and clear, security access, routine
// control, tester present and data identifiers.
package uds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/albenik/bcd"
)

const (
	DiagnosticSessionControl   = 0x10
	ECUReset                   = 0x11
	ClearDiagnosticInformation = 0x14
	ReadDTCInformation         = 0x19
	ReadDataByIdentifier       = 0x22
	SecurityAccess             = 0x27
	RoutineControl             = 0x31
	TesterPresent              = 0x3E
	NegativeResponse           = 0x7F
)

// Session types.
const (
	DefaultSession     = 0x01
	ProgrammingSession = 0x02
	ExtendedSession    = 0x03
)

// Reset types.
const (
	HardReset     = 0x01
	KeyOffOnReset = 0x02
	SoftReset     = 0x03
)

// Routine control types.
const (
	StartRoutine          = 0x01
	StopRoutine           = 0x02
	RequestRoutineResults = 0x03
)

// ReadDTCInformation sub functions.
const (
	ReportNumberOfDTCByStatusMask = 0x01
	ReportDTCByStatusMask         = 0x02
)

// DTC status bits.
const (
	StatusTestFailed          = 0x01
	StatusTestFailedThisCycle = 0x02
	StatusPending             = 0x04
	StatusConfirmed           = 0x08
	StatusWarningIndicator    = 0x80
)

// Data identifiers.
const (
	DIDManufacturingDate = 0xF18B
	DIDVIN               = 0xF190
)

var ErrShortResponse = errors.New("response too short")

func SessionControlRequest(session byte) []byte {
	return []byte{DiagnosticSessionControl, session}
}

// ParseSessionControl returns the P2 and P2* server timings the ECU reported.
func ParseSessionControl(resp []byte, session byte) (p2, p2ext time.Duration, err error) {
	if err := expect(resp, DiagnosticSessionControl, 2); err != nil {
		return 0, 0, err
	}
	if resp[1] != session {
		return 0, 0, fmt.Errorf("session 0x%02X confirmed, requested 0x%02X", resp[1], session)
	}
	if len(resp) >= 6 {
		p2 = time.Duration(binary.BigEndian.Uint16(resp[2:])) * time.Millisecond
		p2ext = time.Duration(binary.BigEndian.Uint16(resp[4:])) * 10 * time.Millisecond
	}
	return p2, p2ext, nil
}

func ECUResetRequest(resetType byte) []byte {
	return []byte{ECUReset, resetType}
}

// ClearDTCRequest clears the given DTC group, 0xFFFFFF for all groups.
func ClearDTCRequest(group uint32) []byte {
	return []byte{ClearDiagnosticInformation, byte(group >> 16), byte(group >> 8), byte(group)}
}

func ReadDTCByStatusMaskRequest(mask byte) []byte {
	return []byte{ReadDTCInformation, ReportDTCByStatusMask, mask}
}

// RequestSeedRequest asks for the seed of an access level. Levels are odd,
// the matching send key sub function is level+1.
func RequestSeedRequest(level byte) []byte {
	return []byte{SecurityAccess, level}
}

func SendKeyRequest(level byte, key []byte) []byte {
	return append([]byte{SecurityAccess, level + 1}, key...)
}

// ParseSeed extracts the seed from a positive RequestSeed response.
func ParseSeed(resp []byte, level byte) ([]byte, error) {
	if err := expect(resp, SecurityAccess, 3); err != nil {
		return nil, err
	}
	if resp[1] != level {
		return nil, fmt.Errorf("seed for level 0x%02X, requested 0x%02X", resp[1], level)
	}
	seed := make([]byte, len(resp)-2)
	copy(seed, resp[2:])
	return seed, nil
}

// ParseKeyAccepted validates the positive SendKey response.
func ParseKeyAccepted(resp []byte, level byte) error {
	if err := expect(resp, SecurityAccess, 2); err != nil {
		return err
	}
	if resp[1] != level+1 {
		return fmt.Errorf("key accepted for sub function 0x%02X, sent 0x%02X", resp[1], level+1)
	}
	return nil
}

func RoutineControlRequest(control byte, id uint16, params []byte) []byte {
	out := []byte{RoutineControl, control, byte(id >> 8), byte(id)}
	return append(out, params...)
}

// ParseRoutineControl returns the routine status record.
func ParseRoutineControl(resp []byte, control byte, id uint16) ([]byte, error) {
	if err := expect(resp, RoutineControl, 4); err != nil {
		return nil, err
	}
	if resp[1] != control || binary.BigEndian.Uint16(resp[2:]) != id {
		return nil, fmt.Errorf("routine response for %02X/%04X, requested %02X/%04X", resp[1], binary.BigEndian.Uint16(resp[2:]), control, id)
	}
	out := make([]byte, len(resp)-4)
	copy(out, resp[4:])
	return out, nil
}

func TesterPresentRequest() []byte {
	return []byte{TesterPresent, 0x00}
}

func ReadDataByIdentifierRequest(did uint16) []byte {
	return []byte{ReadDataByIdentifier, byte(did >> 8), byte(did)}
}

func ParseDataByIdentifier(resp []byte, did uint16) ([]byte, error) {
	if err := expect(resp, ReadDataByIdentifier, 3); err != nil {
		return nil, err
	}
	if got := binary.BigEndian.Uint16(resp[1:]); got != did {
		return nil, fmt.Errorf("data for DID 0x%04X, requested 0x%04X", got, did)
	}
	out := make([]byte, len(resp)-3)
	copy(out, resp[3:])
	return out, nil
}

// ParseManufacturingDate decodes DID 0xF18B, BCD year month day.
func ParseManufacturingDate(data []byte) (time.Time, error) {
	if len(data) < 3 {
		return time.Time{}, ErrShortResponse
	}
	year := 2000 + int(bcd.ToUint8(data[0]))
	month := int(bcd.ToUint8(data[1]))
	day := int(bcd.ToUint8(data[2]))
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid manufacturing date % X", data[:3])
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

func expect(resp []byte, sid byte, minLen int) error {
	if len(resp) < minLen {
		return ErrShortResponse
	}
	if resp[0] != sid+0x40 {
		return fmt.Errorf("unexpected response 0x%02X to service 0x%02X", resp[0], sid)
	}
	return nil
}
