package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/scanner"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goscan.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Adapter.Name != "sim" || cfg.Protocol.Pinned != "auto" {
		t.Errorf("defaults not applied: %+v", cfg.Adapter)
	}
	if cfg.Live.Interval != scanner.DefaultLiveInterval {
		t.Errorf("interval = %s", cfg.Live.Interval)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := writeFile(t, "adapter: [unclosed\n")
	cfg, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if cfg == nil || cfg.Adapter.Name != "sim" {
		t.Error("defaults not returned on parse error")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeFile(t, `
adapter:
  name: elm327
  port: /dev/ttyUSB0
protocol:
  pinned: kwp
  timing:
    kwp:
      request: 500ms
live:
  pids: [rpm, speed, 5C]
  interval: 100ms
security:
  family: trionic8
  denial_delay: 2s
severity:
  - prefix: P0420
    severity: critical
routines:
  default_level: 3
  entries:
    - id: 0x0301
      name: Horn
      class: actuator
      level: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Adapter.Name != "elm327" || cfg.Adapter.Port != "/dev/ttyUSB0" {
		t.Errorf("adapter = %+v", cfg.Adapter)
	}
	if cfg.Adapter.Baudrate != 38400 {
		t.Errorf("unset baudrate lost its default: %d", cfg.Adapter.Baudrate)
	}

	sc, err := cfg.ScannerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sc.Protocol != frame.ISO14230 {
		t.Errorf("pinned = %s", sc.Protocol)
	}
	timing := sc.Client.Timing[frame.ISO14230]
	if timing.Request != 500*time.Millisecond || timing.Init != frame.ISO14230.Timing().Init {
		t.Errorf("timing = %+v", timing)
	}
	if !slices.Equal(sc.LivePIDs, []byte{0x0C, 0x0D, 0x5C}) {
		t.Errorf("live pids = % X", sc.LivePIDs)
	}
	if sc.LiveInterval != 100*time.Millisecond {
		t.Errorf("interval = %s", sc.LiveInterval)
	}
	if sc.Security.DenialDelay != 2*time.Second {
		t.Errorf("denial delay = %s", sc.Security.DenialDelay)
	}
	if sc.Strategy == nil {
		t.Error("no strategy")
	}
	if got := sc.Severity.Lookup("P0420"); got != dtc.Critical {
		t.Errorf("P0420 severity = %s", got)
	}
	if got := sc.Severity.Lookup("P0301"); got != dtc.Critical {
		t.Errorf("default rules dropped, P0301 = %s", got)
	}
	if r := sc.Routines.Lookup(0x0301); r.Name != "Horn" || r.Class != scanner.ActuatorTest {
		t.Errorf("routine = %+v", r)
	}
	if r := sc.Routines.Lookup(0x9999); r.Level != 3 {
		t.Errorf("default level = %d", r.Level)
	}
}

func TestScannerConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown protocol", func(c *Config) { c.Protocol.Pinned = "flexray" }},
		{"unknown priority", func(c *Config) { c.Protocol.Priority = []string{"can11", "most"} }},
		{"unknown timing protocol", func(c *Config) { c.Protocol.Timing = map[string]TimingConfig{"lin": {}} }},
		{"bad pid", func(c *Config) { c.Live.PIDs = []string{"boost"} }},
		{"bad freeze pid", func(c *Config) { c.Live.FreezePIDs = []string{"xyz"} }},
		{"unknown family", func(c *Config) { c.Security.Family = "nope" }},
		{"unknown routine class", func(c *Config) {
			c.Routines.Entries = []RoutineEntry{{ID: 1, Class: "flash"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if _, err := cfg.ScannerConfig(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultScannerConfig(t *testing.T) {
	sc, err := DefaultConfig().ScannerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sc.Protocol != frame.ProtocolUnknown {
		t.Errorf("auto resolved to %s", sc.Protocol)
	}
	if !slices.Equal(sc.LivePIDs, scanner.DefaultLivePIDs) {
		t.Errorf("live pids = % X", sc.LivePIDs)
	}
	want := scanner.DefaultRoutineTable().Routines()
	if got := sc.Routines.Routines(); !slices.Equal(got, want) {
		t.Errorf("routines = %v, want %v", got, want)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goscan.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Adapter.Port = "COM3"
	cfg.Security.LockoutDuration = 90 * time.Second
	cfg.Severity = []dtc.Rule{{Prefix: "B1", Severity: dtc.High}}
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Adapter.Port != "COM3" {
		t.Errorf("port = %q", back.Adapter.Port)
	}
	if back.Security.LockoutDuration != 90*time.Second {
		t.Errorf("lockout = %s", back.Security.LockoutDuration)
	}
	if len(back.Severity) != 1 || back.Severity[0].Severity != dtc.High {
		t.Errorf("severity = %v", back.Severity)
	}
	if len(back.Routines.Entries) != len(cfg.Routines.Entries) {
		t.Errorf("routines = %d entries", len(back.Routines.Entries))
	}
}
