// Package kwp2000 holds the ISO 14230 services the scanner uses on the K-Line.
package kwp2000

import (
	"errors"
	"fmt"
)

const (
	StartDiagnosticSession        = 0x10
	ECUReset                      = 0x11
	ClearDiagnosticInformation    = 0x14
	SecurityAccess                = 0x27
	StartRoutineByLocalIdentifier = 0x31
	TesterPresent                 = 0x3E
	StartCommunication            = 0x81
	StopCommunication             = 0x82
)

// Diagnostic modes of StartDiagnosticSession.
const (
	StandardSession        = 0x81
	ECUProgrammingSession  = 0x85
	ECUDevelopmentSession  = 0x86
	ECUAdjustmentSession   = 0x87
	ExtendedDiagnosticMode = 0x89
)

// KeyByte2 is the second key byte every ISO 14230-4 ECU reports.
const KeyByte2 = 0x8F

var ErrInvalidKeyBytes = errors.New("invalid key bytes")

// KeyBytes are the two bytes of the StartCommunication response describing
// the header format and timing supported by the ECU.
type KeyBytes struct {
	KB1, KB2 byte
}

func (k KeyBytes) String() string {
	return fmt.Sprintf("KB1: 0x%02X KB2: 0x%02X", k.KB1, k.KB2)
}

// LengthInFormat reports support for the length in the format byte.
func (k KeyBytes) LengthInFormat() bool { return k.KB1&0x01 != 0 }

// LengthByte reports support for the additional length byte.
func (k KeyBytes) LengthByte() bool { return k.KB1&0x02 != 0 }

// AddressedHeader reports support for target and source address bytes.
func (k KeyBytes) AddressedHeader() bool { return k.KB1&0x08 != 0 }

// ExtendedTiming reports the extended timing parameter set.
func (k KeyBytes) ExtendedTiming() bool { return k.KB1&0x30 == 0x20 }

func StartCommunicationRequest() []byte {
	return []byte{StartCommunication}
}

// ParseStartCommunication validates a StartCommunication positive response
// and returns the key bytes.
func ParseStartCommunication(resp []byte) (KeyBytes, error) {
	if len(resp) < 3 || resp[0] != StartCommunication+0x40 {
		return KeyBytes{}, fmt.Errorf("unexpected StartCommunication response % X", resp)
	}
	kb := KeyBytes{KB1: resp[1], KB2: resp[2]}
	if kb.KB2 != KeyByte2 {
		return kb, fmt.Errorf("%w: %s", ErrInvalidKeyBytes, kb)
	}
	return kb, nil
}

func StartDiagnosticSessionRequest(mode byte) []byte {
	return []byte{StartDiagnosticSession, mode}
}

func ParseStartDiagnosticSession(resp []byte, mode byte) error {
	if len(resp) < 2 || resp[0] != StartDiagnosticSession+0x40 {
		return fmt.Errorf("unexpected StartDiagnosticSession response % X", resp)
	}
	if resp[1] != mode {
		return fmt.Errorf("diagnostic mode 0x%02X confirmed, requested 0x%02X", resp[1], mode)
	}
	return nil
}

func TesterPresentRequest() []byte {
	return []byte{TesterPresent, 0x01}
}
