package scanner

import (
	"fmt"
	"sort"
	"strings"
)

type RoutineClass int

const (
	ActuatorTest RoutineClass = iota
	KeyProgramming
	ECUCoding
)

func (c RoutineClass) String() string {
	switch c {
	case ActuatorTest:
		return "actuator test"
	case KeyProgramming:
		return "key programming"
	case ECUCoding:
		return "ECU coding"
	}
	return "unknown"
}

func ParseRoutineClass(s string) (RoutineClass, error) {
	switch strings.ToLower(strings.ReplaceAll(s, " ", "")) {
	case "actuatortest", "actuator":
		return ActuatorTest, nil
	case "keyprogramming", "key":
		return KeyProgramming, nil
	case "ecucoding", "coding":
		return ECUCoding, nil
	}
	return 0, fmt.Errorf("unknown routine class %q", s)
}

// allowedIn reports whether routines of class c may run in session t.
// Actuator tests run in extended or programming sessions, key programming
// and coding only in programming.
func (c RoutineClass) allowedIn(t SessionType) bool {
	if c == ActuatorTest {
		return t.privileged()
	}
	return t == ProgrammingSession
}

type Routine struct {
	ID    uint16
	Name  string
	Class RoutineClass
	// Level is the security access level that must be granted.
	Level byte
}

func (r Routine) String() string {
	if r.Name == "" {
		return fmt.Sprintf("routine 0x%04X (%s)", r.ID, r.Class)
	}
	return fmt.Sprintf("%s 0x%04X (%s)", r.Name, r.ID, r.Class)
}

type RoutineTable struct {
	// DefaultLevel applies to routines not in the table, which are treated
	// as actuator tests.
	DefaultLevel byte
	routines     map[uint16]Routine
}

func NewRoutineTable(defaultLevel byte, routines ...Routine) *RoutineTable {
	t := &RoutineTable{DefaultLevel: defaultLevel, routines: make(map[uint16]Routine)}
	for _, r := range routines {
		t.routines[r.ID] = r
	}
	return t
}

func DefaultRoutineTable() *RoutineTable {
	return NewRoutineTable(0x01,
		Routine{ID: 0x0201, Name: "Fuel pump relay", Class: ActuatorTest, Level: 0x01},
		Routine{ID: 0x0202, Name: "Radiator fan", Class: ActuatorTest, Level: 0x01},
		Routine{ID: 0x0203, Name: "Check engine lamp", Class: ActuatorTest, Level: 0x01},
		Routine{ID: 0xFF00, Name: "Key programming", Class: KeyProgramming, Level: 0x01},
		Routine{ID: 0xFF01, Name: "Variant coding", Class: ECUCoding, Level: 0x01},
	)
}

func (t *RoutineTable) Lookup(id uint16) Routine {
	if r, ok := t.routines[id]; ok {
		return r
	}
	return Routine{ID: id, Class: ActuatorTest, Level: t.DefaultLevel}
}

func (t *RoutineTable) Routines() []Routine {
	out := make([]Routine, 0, len(t.routines))
	for _, r := range t.routines {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
