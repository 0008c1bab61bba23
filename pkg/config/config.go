// Package config is the goscan YAML configuration file.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/pid"
	"github.com/roffe/goscan/pkg/scanner"
	"github.com/roffe/goscan/pkg/security"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used by Save when the config was not loaded from a file.
const DefaultPath = "goscan.yaml"

type Config struct {
	mu sync.RWMutex

	Adapter  AdapterConfig  `yaml:"adapter" json:"adapter"`
	Protocol ProtocolConfig `yaml:"protocol" json:"protocol"`
	Live     LiveConfig     `yaml:"live" json:"live"`
	Security SecurityConfig `yaml:"security" json:"security"`
	// Severity rules replace default rules with the same prefix.
	Severity []dtc.Rule    `yaml:"severity,omitempty" json:"severity,omitempty"`
	Routines RoutineConfig `yaml:"routines" json:"routines"`
	Monitor  MonitorConfig `yaml:"monitor" json:"monitor"`

	path string
}

type AdapterConfig struct {
	Name     string            `yaml:"name" json:"name"` // "sim" or "elm327"
	Port     string            `yaml:"port" json:"port"` // e.g. /dev/ttyUSB0
	Baudrate int               `yaml:"baudrate" json:"baudrate"`
	Debug    bool              `yaml:"debug" json:"debug"`
	Options  map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

type ProtocolConfig struct {
	Pinned   string   `yaml:"pinned" json:"pinned"` // "auto" or a protocol id
	Priority []string `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Target is the physical ECU address, 0 picks the first responder.
	Target uint32 `yaml:"target" json:"target"`
	// Timing overrides the link defaults of a protocol, keyed by protocol id.
	Timing          map[string]TimingConfig `yaml:"timing,omitempty" json:"timing,omitempty"`
	ResponsePending time.Duration           `yaml:"response_pending" json:"responsePending"`
}

type TimingConfig struct {
	Init    time.Duration `yaml:"init" json:"init"`
	Request time.Duration `yaml:"request" json:"request"`
	Gap     time.Duration `yaml:"gap" json:"gap"`
	Retries uint          `yaml:"retries" json:"retries"`
}

type LiveConfig struct {
	PIDs       []string      `yaml:"pids" json:"pids"` // short ids or hex PIDs
	Interval   time.Duration `yaml:"interval" json:"interval"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	FreezePIDs []string      `yaml:"freeze_pids" json:"freezePids"`
	// FailureThreshold is the number of consecutive link failures that
	// drop the connection.
	FailureThreshold      int           `yaml:"failure_threshold" json:"failureThreshold"`
	TesterPresentInterval time.Duration `yaml:"tester_present_interval" json:"testerPresentInterval"`
}

type SecurityConfig struct {
	Family          string        `yaml:"family" json:"family"`
	MaxAttempts     int           `yaml:"max_attempts" json:"maxAttempts"`
	DenialDelay     time.Duration `yaml:"denial_delay" json:"denialDelay"`
	LockoutDuration time.Duration `yaml:"lockout_duration" json:"lockoutDuration"`
}

type RoutineConfig struct {
	DefaultLevel byte           `yaml:"default_level" json:"defaultLevel"`
	Entries      []RoutineEntry `yaml:"entries" json:"entries"`
}

type RoutineEntry struct {
	ID    uint16 `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Class string `yaml:"class" json:"class"` // actuator, key or coding
	Level byte   `yaml:"level" json:"level"`
}

type MonitorConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

func DefaultConfig() *Config {
	routines := scanner.DefaultRoutineTable()
	var entries []RoutineEntry
	for _, r := range routines.Routines() {
		entries = append(entries, RoutineEntry{ID: r.ID, Name: r.Name, Class: r.Class.String(), Level: r.Level})
	}
	return &Config{
		Adapter: AdapterConfig{
			Name:     "sim",
			Baudrate: 38400,
		},
		Protocol: ProtocolConfig{
			Pinned:          "auto",
			ResponsePending: goscan.DefaultResponsePending,
		},
		Live: LiveConfig{
			PIDs:                  pidNames(scanner.DefaultLivePIDs),
			Interval:              scanner.DefaultLiveInterval,
			TTL:                   scanner.DefaultLiveTTL,
			FreezePIDs:            pidNames(scanner.DefaultFreezePIDs),
			FailureThreshold:      scanner.DefaultFailureThreshold,
			TesterPresentInterval: scanner.DefaultTesterPresentInterval,
		},
		Security: SecurityConfig{
			Family:          scanner.DefaultSecurityFamily,
			MaxAttempts:     security.DefaultMaxAttempts,
			DenialDelay:     security.DefaultDenialDelay,
			LockoutDuration: security.DefaultLockoutDuration,
		},
		Routines: RoutineConfig{
			DefaultLevel: routines.DefaultLevel,
			Entries:      entries,
		},
		Monitor: MonitorConfig{
			ListenAddr: ":8080",
		},
	}
}

func pidNames(pids []byte) []string {
	out := make([]string, 0, len(pids))
	for _, p := range pids {
		if d, ok := pid.Lookup(p); ok {
			out = append(out, d.ID)
			continue
		}
		out = append(out, fmt.Sprintf("%02X", p))
	}
	return out
}

// Load reads path over the defaults. A missing file is not an error, a
// file that does not parse leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("no config at %s, using defaults", path)
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = DefaultConfig()
		cfg.path = path
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return DefaultPath
	}
	return c.path
}

// Save writes the config back to the file it was loaded from.
func (c *Config) Save() error {
	path := c.Path()
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) AdapterConfig() *goscan.AdapterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts := make(map[string]string, len(c.Adapter.Options))
	for k, v := range c.Adapter.Options {
		opts[k] = v
	}
	return &goscan.AdapterConfig{
		Debug:            c.Adapter.Debug,
		Port:             c.Adapter.Port,
		PortBaudrate:     c.Adapter.Baudrate,
		AdditionalConfig: opts,
	}
}

// ScannerConfig resolves the file values into a session config. Callbacks
// are left for the caller.
func (c *Config) ScannerConfig() (*scanner.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &scanner.Config{
		Target:                frame.Address(c.Protocol.Target),
		LiveInterval:          c.Live.Interval,
		LiveTTL:               c.Live.TTL,
		FailureThreshold:      c.Live.FailureThreshold,
		TesterPresentInterval: c.Live.TesterPresentInterval,
		Security: security.Config{
			MaxAttempts:     c.Security.MaxAttempts,
			DenialDelay:     c.Security.DenialDelay,
			LockoutDuration: c.Security.LockoutDuration,
		},
		Client: &goscan.ClientConfig{
			ResponsePending: c.Protocol.ResponsePending,
			Debug:           c.Adapter.Debug,
		},
	}

	if p := c.Protocol.Pinned; p != "" && !strings.EqualFold(p, "auto") {
		pinned, err := frame.ParseProtocol(p)
		if err != nil {
			return nil, err
		}
		out.Protocol = pinned
	}
	for _, id := range c.Protocol.Priority {
		p, err := frame.ParseProtocol(id)
		if err != nil {
			return nil, err
		}
		out.Priority = append(out.Priority, p)
	}
	if len(c.Protocol.Timing) > 0 {
		out.Client.Timing = make(map[frame.Protocol]frame.Timing, len(c.Protocol.Timing))
		for id, t := range c.Protocol.Timing {
			p, err := frame.ParseProtocol(id)
			if err != nil {
				return nil, fmt.Errorf("timing: %w", err)
			}
			out.Client.Timing[p] = t.merge(p.Timing())
		}
	}

	var err error
	if out.LivePIDs, err = parsePIDs(c.Live.PIDs); err != nil {
		return nil, fmt.Errorf("live pids: %w", err)
	}
	if out.FreezePIDs, err = parsePIDs(c.Live.FreezePIDs); err != nil {
		return nil, fmt.Errorf("freeze pids: %w", err)
	}

	family := c.Security.Family
	if family == "" {
		family = scanner.DefaultSecurityFamily
	}
	if out.Strategy, err = security.DefaultRegistry.Lookup(family); err != nil {
		return nil, err
	}

	routines := make([]scanner.Routine, 0, len(c.Routines.Entries))
	for _, e := range c.Routines.Entries {
		class, err := scanner.ParseRoutineClass(e.Class)
		if err != nil {
			return nil, fmt.Errorf("routine 0x%04X: %w", e.ID, err)
		}
		routines = append(routines, scanner.Routine{ID: e.ID, Name: e.Name, Class: class, Level: e.Level})
	}
	out.Routines = scanner.NewRoutineTable(c.Routines.DefaultLevel, routines...)

	if len(c.Severity) > 0 {
		out.Severity = dtc.DefaultSeverityTable().With(c.Severity...)
	}
	return out, nil
}

// merge fills unset fields from def.
func (t TimingConfig) merge(def frame.Timing) frame.Timing {
	out := frame.Timing{Init: t.Init, Request: t.Request, Gap: t.Gap, Retries: t.Retries}
	if out.Init <= 0 {
		out.Init = def.Init
	}
	if out.Request <= 0 {
		out.Request = def.Request
	}
	if out.Gap <= 0 {
		out.Gap = def.Gap
	}
	return out
}

func parsePIDs(ids []string) ([]byte, error) {
	var out []byte
	for _, id := range ids {
		p, err := pid.Parse(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
