package dtc

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Severity int

const (
	Info Severity = iota
	Low
	Medium
	High
	Critical
)

var severityNames = []string{"info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < Info || s > Critical {
		return "unknown"
	}
	return severityNames[s]
}

func ParseSeverity(s string) (Severity, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for i, n := range severityNames {
		if n == norm {
			return Severity(i), nil
		}
	}
	return Info, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseSeverity(value.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Rule assigns a severity to every code starting with Prefix.
type Rule struct {
	Prefix   string   `yaml:"prefix"`
	Severity Severity `yaml:"severity"`
}

// SeverityTable is a longest prefix match table. The ranking is policy and
// meant to be overridden per manufacturer.
type SeverityTable struct {
	Default Severity `yaml:"default"`
	Rules   []Rule   `yaml:"rules"`
}

// DefaultSeverityTable ranks misfire, overheat, oil pressure and catalyst
// codes high and network codes low.
func DefaultSeverityTable() *SeverityTable {
	return &SeverityTable{
		Default: Low,
		Rules: []Rule{
			{"P0", Medium},
			{"P1", Medium},
			{"P030", Critical}, // misfire
			{"P031", High},
			{"P0217", Critical}, // engine over temperature
			{"P0218", Critical}, // transmission over temperature
			{"P052", Critical},  // oil pressure
			{"P042", High},      // catalyst efficiency
			{"P043", High},
			{"P017", Medium}, // fuel trim
			{"P044", Low},    // evaporative system
			{"P045", Low},
			{"P046", Low},
			{"P07", High}, // transmission
			{"P0A", High}, // hybrid propulsion
			{"C0", Medium},
			{"C00", High}, // brake and wheel speed
			{"B00", High}, // restraints
			{"B", Low},
			{"U", Info},
			{"U010", High}, // lost communication with engine/transmission control
		},
	}
}

// With returns a copy of t where rules replace entries with the same prefix.
func (t *SeverityTable) With(rules ...Rule) *SeverityTable {
	out := &SeverityTable{Default: t.Default, Rules: make([]Rule, 0, len(t.Rules)+len(rules))}
	over := make(map[string]Rule, len(rules))
	for _, r := range rules {
		over[strings.ToUpper(r.Prefix)] = r
	}
	for _, r := range t.Rules {
		if _, ok := over[strings.ToUpper(r.Prefix)]; !ok {
			out.Rules = append(out.Rules, r)
		}
	}
	out.Rules = append(out.Rules, rules...)
	return out
}

// Lookup returns the severity of the longest matching prefix.
func (t *SeverityTable) Lookup(code string) Severity {
	code = strings.ToUpper(code)
	best, bestLen := t.Default, -1
	for _, r := range t.Rules {
		p := strings.ToUpper(r.Prefix)
		if len(p) > bestLen && strings.HasPrefix(code, p) {
			best, bestLen = r.Severity, len(p)
		}
	}
	return best
}

func (t *SeverityTable) sorted() []Rule {
	out := make([]Rule, len(t.Rules))
	copy(out, t.Rules)
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// ReadSeverityTable decodes a YAML table.
//
//	default: low
//	rules:
//	  - prefix: P030
//	    severity: critical
func ReadSeverityTable(r io.Reader) (*SeverityTable, error) {
	t := &SeverityTable{Default: Low}
	if err := yaml.NewDecoder(r).Decode(t); err != nil {
		return nil, fmt.Errorf("failed to decode severity table: %w", err)
	}
	return t, nil
}

func LoadSeverityTable(path string) (*SeverityTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSeverityTable(f)
}

// WriteSeverityTable encodes t as YAML, rules sorted by prefix.
func WriteSeverityTable(w io.Writer, t *SeverityTable) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(&SeverityTable{Default: t.Default, Rules: t.sorted()})
}

type Classification struct {
	Category Category
	Kind     Kind
	Severity Severity
	System   string
}

type Classifier struct {
	table *SeverityTable
}

// NewClassifier uses the default table when table is nil.
func NewClassifier(table *SeverityTable) *Classifier {
	if table == nil {
		table = DefaultSeverityTable()
	}
	return &Classifier{table: table}
}

func (c *Classifier) Table() *SeverityTable {
	return c.table
}

func (c *Classifier) Classify(code string) (Classification, error) {
	if err := Validate(code); err != nil {
		return Classification{}, err
	}
	cat, _ := CategoryOf(code)
	kind, _ := KindOf(code)
	return Classification{
		Category: cat,
		Kind:     kind,
		Severity: c.table.Lookup(code),
		System:   SystemOf(code),
	}, nil
}

var defaultClassifier = NewClassifier(nil)

// Classify uses the default severity table.
func Classify(code string) (Classification, error) {
	return defaultClassifier.Classify(code)
}

var powertrainSystems = map[byte]string{
	'0': "Fuel and air metering and auxiliary emission controls",
	'1': "Fuel and air metering",
	'2': "Fuel and air metering (injector circuit)",
	'3': "Ignition system or misfire",
	'4': "Auxiliary emission controls",
	'5': "Vehicle speed controls and idle control system",
	'6': "Computer output circuit",
	'7': "Transmission",
	'8': "Transmission",
	'9': "Transmission",
	'A': "Hybrid propulsion",
	'B': "Hybrid propulsion",
	'C': "Hybrid propulsion",
}

// SystemOf describes the system a code belongs to. Powertrain codes are
// grouped by their third character.
func SystemOf(code string) string {
	if len(code) < 3 {
		return ""
	}
	code = strings.ToUpper(code)
	switch code[0] {
	case 'P':
		if s, ok := powertrainSystems[code[2]]; ok {
			return s
		}
		return "Powertrain"
	case 'C':
		return "Chassis"
	case 'B':
		return "Body"
	case 'U':
		return "Network communication"
	}
	return ""
}
