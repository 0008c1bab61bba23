// Package pid holds the SAE J1979 mode 01 parameter table and its scaling.
package pid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Definition describes one PID: how many data bytes it has and how they scale.
type Definition struct {
	PID      byte
	ID       string // short name used in configs and on the command line
	Name     string
	Unit     string
	Min, Max float64
	Bytes    int
	Decimals int
	Scale    func(d []byte) float64
}

func u16(d []byte) float64 { return float64(int(d[0])<<8 | int(d[1])) }

var definitions = []*Definition{
	{PID: 0x04, ID: "load", Name: "Calculated engine load", Unit: "%", Min: 0, Max: 100, Bytes: 1, Decimals: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) * 100 / 255 }},
	{PID: 0x05, ID: "coolant", Name: "Engine coolant temperature", Unit: "°C", Min: -40, Max: 215, Bytes: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) - 40 }},
	{PID: 0x06, ID: "stft1", Name: "Short term fuel trim bank 1", Unit: "%", Min: -100, Max: 99.2, Bytes: 1, Decimals: 1,
		Scale: trim},
	{PID: 0x07, ID: "ltft1", Name: "Long term fuel trim bank 1", Unit: "%", Min: -100, Max: 99.2, Bytes: 1, Decimals: 1,
		Scale: trim},
	{PID: 0x08, ID: "stft2", Name: "Short term fuel trim bank 2", Unit: "%", Min: -100, Max: 99.2, Bytes: 1, Decimals: 1,
		Scale: trim},
	{PID: 0x09, ID: "ltft2", Name: "Long term fuel trim bank 2", Unit: "%", Min: -100, Max: 99.2, Bytes: 1, Decimals: 1,
		Scale: trim},
	{PID: 0x0A, ID: "fuelpressure", Name: "Fuel pressure", Unit: "kPa", Min: 0, Max: 765, Bytes: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) * 3 }},
	{PID: 0x0B, ID: "map", Name: "Intake manifold absolute pressure", Unit: "kPa", Min: 0, Max: 255, Bytes: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) }},
	{PID: 0x0C, ID: "rpm", Name: "Engine speed", Unit: "rpm", Min: 0, Max: 16383.75, Bytes: 2,
		Scale: func(d []byte) float64 { return u16(d) / 4 }},
	{PID: 0x0D, ID: "speed", Name: "Vehicle speed", Unit: "km/h", Min: 0, Max: 255, Bytes: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) }},
	{PID: 0x0E, ID: "timing", Name: "Timing advance", Unit: "°", Min: -64, Max: 63.5, Bytes: 1, Decimals: 1,
		Scale: func(d []byte) float64 { return float64(d[0])/2 - 64 }},
	{PID: 0x0F, ID: "iat", Name: "Intake air temperature", Unit: "°C", Min: -40, Max: 215, Bytes: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) - 40 }},
	{PID: 0x10, ID: "maf", Name: "Mass air flow rate", Unit: "g/s", Min: 0, Max: 655.35, Bytes: 2, Decimals: 2,
		Scale: func(d []byte) float64 { return u16(d) / 100 }},
	{PID: 0x11, ID: "throttle", Name: "Throttle position", Unit: "%", Min: 0, Max: 100, Bytes: 1, Decimals: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) * 100 / 255 }},
	{PID: 0x1F, ID: "runtime", Name: "Run time since engine start", Unit: "s", Min: 0, Max: 65535, Bytes: 2,
		Scale: u16},
	{PID: 0x21, ID: "milDistance", Name: "Distance traveled with MIL on", Unit: "km", Min: 0, Max: 65535, Bytes: 2,
		Scale: u16},
	{PID: 0x2F, ID: "fuel", Name: "Fuel tank level", Unit: "%", Min: 0, Max: 100, Bytes: 1, Decimals: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) * 100 / 255 }},
	{PID: 0x31, ID: "clearDistance", Name: "Distance since codes cleared", Unit: "km", Min: 0, Max: 65535, Bytes: 2,
		Scale: u16},
	{PID: 0x33, ID: "baro", Name: "Barometric pressure", Unit: "kPa", Min: 0, Max: 255, Bytes: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) }},
	{PID: 0x42, ID: "voltage", Name: "Control module voltage", Unit: "V", Min: 0, Max: 65.535, Bytes: 2, Decimals: 2,
		Scale: func(d []byte) float64 { return u16(d) / 1000 }},
	{PID: 0x46, ID: "ambient", Name: "Ambient air temperature", Unit: "°C", Min: -40, Max: 215, Bytes: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) - 40 }},
	{PID: 0x5C, ID: "oil", Name: "Engine oil temperature", Unit: "°C", Min: -40, Max: 215, Bytes: 1,
		Scale: func(d []byte) float64 { return float64(d[0]) - 40 }},
	{PID: 0x5E, ID: "fuelrate", Name: "Engine fuel rate", Unit: "L/h", Min: 0, Max: 3276.75, Bytes: 2, Decimals: 2,
		Scale: func(d []byte) float64 { return u16(d) / 20 }},
}

func trim(d []byte) float64 { return (float64(d[0]) - 128) * 100 / 128 }

var (
	byPID  = make(map[byte]*Definition, len(definitions))
	byName = make(map[string]*Definition, len(definitions))
)

func init() {
	for _, d := range definitions {
		byPID[d.PID] = d
		byName[strings.ToLower(d.ID)] = d
	}
}

func Lookup(pid byte) (*Definition, bool) {
	d, ok := byPID[pid]
	return d, ok
}

// Parse accepts a short id ("rpm") or a hex PID ("0C", "0x0c").
func Parse(s string) (byte, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if d, ok := byName[norm]; ok {
		return d.PID, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(norm, "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown PID %q", s)
	}
	return byte(v), nil
}

// Definitions returns the table sorted by PID.
func Definitions() []*Definition {
	out := make([]*Definition, len(definitions))
	copy(out, definitions)
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Value is one decoded parameter. Only the raw bytes are kept, the scaled
// and display values are computed from them on demand.
type Value struct {
	PID          byte
	Raw          []byte
	Unrecognized bool
	def          *Definition
}

// Decode applies the PID's scaling to data. Unknown PIDs decode to a raw
// passthrough value flagged Unrecognized.
func Decode(pid byte, data []byte) (Value, error) {
	def, ok := byPID[pid]
	if !ok {
		return Value{PID: pid, Raw: clone(data), Unrecognized: true}, nil
	}
	if len(data) < def.Bytes {
		return Value{}, fmt.Errorf("PID 0x%02X needs %d bytes, got %d", pid, def.Bytes, len(data))
	}
	return Value{PID: pid, Raw: clone(data[:def.Bytes]), def: def}, nil
}

// Len is the number of data bytes PID pid occupies, 0 when unknown.
func Len(pid byte) int {
	if d, ok := byPID[pid]; ok {
		return d.Bytes
	}
	return 0
}

func (v Value) Definition() *Definition {
	return v.def
}

func (v Value) Name() string {
	if v.def == nil {
		return fmt.Sprintf("PID 0x%02X", v.PID)
	}
	return v.def.Name
}

// Key is the short id of known PIDs and the hex PID otherwise.
func (v Value) Key() string {
	if v.def == nil {
		return fmt.Sprintf("%02X", v.PID)
	}
	return v.def.ID
}

func (v Value) Unit() string {
	if v.def == nil {
		return ""
	}
	return v.def.Unit
}

// Float is the scaled value. ok is false for unrecognized PIDs.
func (v Value) Float() (f float64, ok bool) {
	if v.def == nil || len(v.Raw) < v.def.Bytes {
		return 0, false
	}
	return v.def.Scale(v.Raw), true
}

// Display formats the scaled value with its unit, for example "83°C".
// Unrecognized values show their raw bytes.
func (v Value) Display() string {
	f, ok := v.Float()
	if !ok {
		return fmt.Sprintf("% X", v.Raw)
	}
	num := strconv.FormatFloat(f, 'f', v.def.Decimals, 64)
	switch {
	case v.def.Unit == "":
		return num
	case strings.HasPrefix(v.def.Unit, "°"), v.def.Unit == "%":
		return num + v.def.Unit
	}
	return num + " " + v.def.Unit
}

func (v Value) String() string {
	return v.Name() + ": " + v.Display()
}

// Supported lists the PIDs flagged in a supported-PIDs bitmap. base is the
// requested PID (0x00, 0x20, 0x40...), bit 7 of the first byte is base+1.
func Supported(base byte, bitmap []byte) []byte {
	var out []byte
	for i, b := range bitmap {
		if i >= 4 {
			break
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>bit) != 0 {
				out = append(out, base+byte(i*8+bit)+1)
			}
		}
	}
	return out
}

// HasNextRange reports whether a bitmap for base announces base+0x20.
func HasNextRange(bitmap []byte) bool {
	return len(bitmap) >= 4 && bitmap[3]&0x01 != 0
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
