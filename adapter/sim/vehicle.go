package sim

import (
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/security"
)

// ECU is one simulated control unit.
type ECU struct {
	// Address is the response address: 0x7E8.. on 11-bit CAN, 0x18DAF1xx
	// on 29-bit CAN, the source byte on K-Line and J1850.
	Address   frame.Address
	Stored    []string
	Pending   []string
	Permanent []string
	// PIDs maps mode 01 PIDs to their data bytes.
	PIDs map[byte][]byte
	// Monitor holds the four data bytes of mode 01 PID 01.
	Monitor []byte
	Freeze  *Freeze
	VIN     string
	// ManufacturingDate is BCD YY MM DD served as UDS DID 0xF18B.
	ManufacturingDate []byte
	Seed              []byte
	Strategy          security.KeyDerivationStrategy
	// Routines maps routine identifiers to the status record they answer.
	Routines map[uint16][]byte
	// ResponsePending is the number of 0x78 answers sent before the real
	// response, per service.
	ResponsePending map[byte]int
	// MaxKeyAttempts is how many wrong keys the ECU takes before it answers
	// ExceededNumberOfAttempts.
	MaxKeyAttempts int
	Silent         bool
}

type Freeze struct {
	Trigger string
	PIDs    map[byte][]byte
}

// Vehicle is the bus the simulator answers on.
type Vehicle struct {
	Protocol frame.Protocol
	// KeyBytes reported by K-Line ECUs during init.
	KeyBytes [2]byte
	ECUs     []*ECU
}

// Addresses returns the engine and transmission addresses used on p.
func Addresses(p frame.Protocol) (engine, transmission frame.Address) {
	switch p {
	case frame.ISO15765CAN11:
		return 0x7E8, 0x7E9
	case frame.ISO15765CAN29:
		return 0x18DAF110, 0x18DAF118
	}
	return 0x10, 0x18
}

// DefaultVehicle is a warm idling car with a misfire and an aging catalyst.
func DefaultVehicle(p frame.Protocol) *Vehicle {
	engine, transmission := Addresses(p)
	kb := [2]byte{0xEF, 0x8F}
	if p == frame.ISO9141 {
		kb = [2]byte{0x08, 0x08}
	}
	return &Vehicle{
		Protocol: p,
		KeyBytes: kb,
		ECUs: []*ECU{
			{
				Address:   engine,
				Stored:    []string{"P0301", "P0420"},
				Pending:   []string{"P0171"},
				Permanent: []string{"P0420"},
				PIDs: map[byte][]byte{
					0x04: {0x80},
					0x05: {0x7B},
					0x0B: {0x21},
					0x0C: {0x1A, 0xF8},
					0x0D: {0x00},
					0x0F: {0x41},
					0x10: {0x01, 0x90},
					0x11: {0x33},
					0x2F: {0xB3},
					0x42: {0x37, 0x1E},
					0x46: {0x3C},
				},
				Monitor: []byte{0x82, 0x07, 0x65, 0x04},
				Freeze: &Freeze{
					Trigger: "P0301",
					PIDs: map[byte][]byte{
						0x04: {0x99},
						0x05: {0x5A},
						0x0C: {0x0B, 0xB8},
						0x0D: {0x32},
					},
				},
				VIN:               "WVWZZZ1JZXW000001",
				ManufacturingDate: []byte{0x21, 0x06, 0x15},
				Seed:              []byte{0x12, 0x34},
				Strategy:          security.XOR(0x5A3C),
				Routines: map[uint16][]byte{
					0x0201: {0x00},
					0x0202: {0x00},
					0xFF00: {0x00},
				},
				ResponsePending: map[byte]int{0x31: 1},
				MaxKeyAttempts:  3,
			},
			{
				Address: transmission,
				Stored:  []string{"U0100"},
				PIDs: map[byte][]byte{
					0x0D: {0x00},
				},
				Monitor:        []byte{0x01, 0x00, 0x00, 0x00},
				Seed:           []byte{0x43, 0x21},
				Strategy:       security.XOR(0x5A3C),
				MaxKeyAttempts: 3,
			},
		},
	}
}
