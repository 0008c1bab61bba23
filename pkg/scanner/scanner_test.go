package scanner_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/adapter/sim"
	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/negotiate"
	"github.com/roffe/goscan/pkg/scanner"
	"github.com/roffe/goscan/pkg/security"
)

func newSession(t *testing.T, p frame.Protocol, cfg *scanner.Config) (*scanner.DiagnosticSession, *sim.Sim) {
	t.Helper()
	ch := sim.New(sim.DefaultVehicle(p), &goscan.AdapterConfig{OnMessage: func(string) {}, OnError: func(error) {}})
	if cfg == nil {
		cfg = &scanner.Config{}
	}
	if cfg.Protocol == frame.ProtocolUnknown {
		cfg.Protocol = p
	}
	cfg.OnMessage = func(string) {}
	cfg.OnError = func(error) {}
	cfg.Client = &goscan.ClientConfig{OnMessage: func(string) {}, OnError: func(error) {}}
	s := scanner.New(ch, cfg)
	t.Cleanup(func() { s.Close() })
	return s, ch
}

func connected(t *testing.T, p frame.Protocol, cfg *scanner.Config) (*scanner.DiagnosticSession, *sim.Sim) {
	t.Helper()
	s, ch := newSession(t, p, cfg)
	if err := s.Connect(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.State().(scanner.Connected); !ok {
		t.Fatalf("state = %s, want Connected", s.State())
	}
	return s, ch
}

func states(t *testing.T, sub *scanner.Subscriber, n int) []string {
	t.Helper()
	var out []string
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case u := <-sub.Chan():
			if u.Kind == scanner.StateChanged {
				out = append(out, u.State.Name())
			}
		case <-timeout:
			t.Fatalf("got states %v, want %d", out, n)
		}
	}
	return out
}

func isStateError(err error) bool {
	var se *goscan.StateError
	return errors.As(err, &se)
}

func TestClearDTCsWhileDisconnected(t *testing.T) {
	s, ch := newSession(t, frame.ISO15765CAN11, nil)
	if err := s.ClearDTCs(context.Background()); !isStateError(err) {
		t.Fatalf("expected state error, got %v", err)
	}
	if _, err := s.ReadAllDTCs(context.Background()); !isStateError(err) {
		t.Fatalf("expected state error, got %v", err)
	}
	if err := s.StartLiveData(context.Background()); !isStateError(err) {
		t.Fatalf("expected state error, got %v", err)
	}
	if n := ch.Frames(); n != 0 {
		t.Errorf("%d frames sent while disconnected", n)
	}
}

func TestConnectLifecycle(t *testing.T) {
	s, _ := newSession(t, frame.ISO15765CAN11, nil)
	sub := s.Subscribe(256)
	defer sub.Close()

	if err := s.Disconnect(); !isStateError(err) {
		t.Errorf("disconnect while disconnected: %v", err)
	}
	if err := s.Connect(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background(), "test"); !isStateError(err) {
		t.Errorf("second connect: %v", err)
	}
	c := s.State().(scanner.Connected)
	if c.Protocol != frame.ISO15765CAN11 {
		t.Errorf("protocol = %s", c.Protocol)
	}
	if s.Target() != 0x7E8 {
		t.Errorf("target = %s, want 7E8", s.Target())
	}
	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	got := states(t, sub, 3)
	want := []string{"Connecting", "Connected", "Disconnected"}
	if !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestConnectFailureRevertsToDisconnected(t *testing.T) {
	s, ch := newSession(t, frame.ISO15765CAN11, nil)
	ch.SetMute(true)
	sub := s.Subscribe(256)
	defer sub.Close()

	err := s.Connect(context.Background(), "test")
	if !errors.Is(err, negotiate.ErrNoProtocolResponded) {
		t.Fatalf("expected no protocol, got %v", err)
	}
	got := states(t, sub, 3)
	want := []string{"Connecting", "Error", "Disconnected"}
	if !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if _, ok := s.State().(scanner.Disconnected); !ok {
		t.Errorf("state = %s", s.State())
	}

	ch.SetMute(false)
	if err := s.Connect(context.Background(), "test"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
}

func TestConsecutiveFailuresEscalate(t *testing.T) {
	s, ch := connected(t, frame.ISO15765CAN11, nil)
	ctx := context.Background()

	ch.SetMute(true)
	for i := 1; i < scanner.DefaultFailureThreshold; i++ {
		_, err := s.ReadStoredDTCs(ctx)
		if !goscan.IsTimeout(err) {
			t.Fatalf("read %d: expected timeout, got %v", i, err)
		}
		if _, ok := s.State().(scanner.Connected); !ok {
			t.Fatalf("read %d: state = %s, one timeout must not drop the link", i, s.State())
		}
	}
	if _, err := s.ReadStoredDTCs(ctx); !goscan.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if _, ok := s.State().(scanner.Failed); !ok {
		t.Fatalf("state = %s, want Error", s.State())
	}
	if _, err := s.ReadStoredDTCs(ctx); !isStateError(err) {
		t.Errorf("read in error state: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.State().(scanner.Disconnected); !ok {
		t.Errorf("state after reset = %s", s.State())
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	s, ch := connected(t, frame.ISO15765CAN11, nil)
	ctx := context.Background()
	ch.SetMute(true)
	for i := 1; i < scanner.DefaultFailureThreshold; i++ {
		s.ReadStoredDTCs(ctx)
	}
	ch.SetMute(false)
	if _, err := s.ReadStoredDTCs(ctx); err != nil {
		t.Fatal(err)
	}
	ch.SetMute(true)
	s.ReadStoredDTCs(ctx)
	if _, ok := s.State().(scanner.Connected); !ok {
		t.Errorf("state = %s, a success must reset the failure count", s.State())
	}
}

func TestReadAllDTCs(t *testing.T) {
	tests := []struct {
		name     string
		protocol frame.Protocol
		stored   int
	}{
		{"CAN with UDS", frame.ISO15765CAN11, 3},
		{"KWP", frame.ISO14230, 3},
		{"J1850 VPW", frame.J1850VPW, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := connected(t, tt.protocol, nil)
			codes, err := s.ReadAllDTCs(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			count := func(st dtc.Status) int {
				n := 0
				for _, d := range codes {
					if d.Status == st {
						n++
					}
				}
				return n
			}
			if n := count(dtc.Stored); n != tt.stored {
				t.Errorf("stored = %d, want %d (%v)", n, tt.stored, codes)
			}
			if n := count(dtc.Pending); n != 1 {
				t.Errorf("pending = %d, want 1 (%v)", n, codes)
			}
			if n := count(dtc.Permanent); n != 1 {
				t.Errorf("permanent = %d, want 1 (%v)", n, codes)
			}
			if !slices.EqualFunc(codes, s.DTCs(), dtc.DTC.Same) {
				t.Error("DTCs() differs from the read result")
			}
		})
	}
}

func TestReadAllDTCsCarriesECUAddress(t *testing.T) {
	s, _ := connected(t, frame.ISO15765CAN11, nil)
	codes, err := s.ReadAllDTCs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range codes {
		if d.Code == "P0301" && (d.ECU == nil || *d.ECU != 0x7E8) {
			t.Errorf("P0301 without engine address: %v", d)
		}
		if d.Code == "U0100" && (d.ECU == nil || *d.ECU != 0x7E9) {
			t.Errorf("U0100 without transmission address: %v", d)
		}
	}
}

func TestClearDTCs(t *testing.T) {
	s, ch := connected(t, frame.ISO15765CAN11, nil)
	ctx := context.Background()
	if _, err := s.ReadAllDTCs(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearDTCs(ctx); err != nil {
		t.Fatal(err)
	}
	left := s.DTCs()
	if len(left) != 1 || left[0].Code != "P0420" || left[0].Status != dtc.Permanent {
		t.Errorf("after clear = %v, want permanent P0420 only", left)
	}
	if codes := ch.Codes(0x7E8, 0x03); len(codes) != 0 {
		t.Errorf("vehicle still stores %v", codes)
	}
	if codes := ch.Codes(0x7E8, 0x0A); len(codes) != 1 {
		t.Errorf("permanent codes = %v", codes)
	}
	if _, err := s.GetFreezeFrame(ctx); !errors.Is(err, scanner.ErrNoFreezeFrame) {
		t.Errorf("freeze frame after clear: %v", err)
	}
}

func TestGetFreezeFrame(t *testing.T) {
	for _, p := range []frame.Protocol{frame.ISO15765CAN11, frame.ISO14230} {
		t.Run(p.String(), func(t *testing.T) {
			s, _ := connected(t, p, nil)
			ff, err := s.GetFreezeFrame(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if ff.Trigger == nil || ff.Trigger.Code != "P0301" {
				t.Errorf("trigger = %v, want P0301", ff.Trigger)
			}
			if len(ff.Values) != 4 {
				t.Fatalf("values = %v, want 4", ff.Values)
			}
			if got := ff.Values[0].Display(); got != "60.0%" {
				t.Errorf("engine load = %s, want 60.0%%", got)
			}
		})
	}
}

func TestGetMonitorStatus(t *testing.T) {
	s, _ := connected(t, frame.ISO15765CAN11, nil)
	ms, err := s.GetMonitorStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ms.MIL || ms.DTCCount != 2 {
		t.Errorf("MIL = %v, count = %d", ms.MIL, ms.DTCCount)
	}
}

func TestReadVehicleInfo(t *testing.T) {
	tests := []struct {
		protocol frame.Protocol
		wantDate time.Time
	}{
		{frame.ISO15765CAN11, time.Date(2021, 6, 15, 0, 0, 0, 0, time.UTC)},
		{frame.ISO14230, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.protocol.String(), func(t *testing.T) {
			s, _ := connected(t, tt.protocol, nil)
			info, err := s.ReadVehicleInfo(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if info.VIN != "WVWZZZ1JZXW000001" {
				t.Errorf("VIN = %q", info.VIN)
			}
			if !info.ManufacturingDate.Equal(tt.wantDate) {
				t.Errorf("date = %s, want %s", info.ManufacturingDate, tt.wantDate)
			}
		})
	}
}

func TestSupportedPIDs(t *testing.T) {
	s, _ := connected(t, frame.ISO15765CAN11, nil)
	pids, err := s.SupportedPIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []byte{0x01, 0x0C, 0x2F, 0x46} {
		if !slices.Contains(pids, want) {
			t.Errorf("0x%02X missing from % X", want, pids)
		}
	}
	for _, base := range []byte{0x20, 0x40} {
		if slices.Contains(pids, base) {
			t.Errorf("range marker 0x%02X listed as PID", base)
		}
	}
}

func TestSecurityAccessNeedsSession(t *testing.T) {
	s, ch := connected(t, frame.ISO15765CAN11, nil)
	ctx := context.Background()
	ch.ResetFrames()
	if _, err := s.RequestSecurityAccess(ctx, 0x01); !isStateError(err) {
		t.Fatalf("default session: %v", err)
	}
	if ch.Frames() != 0 {
		t.Errorf("%d frames sent for a refused request", ch.Frames())
	}
}

func TestSecurityAccess(t *testing.T) {
	for _, p := range []frame.Protocol{frame.ISO15765CAN11, frame.ISO14230} {
		t.Run(p.String(), func(t *testing.T) {
			s, _ := connected(t, p, nil)
			ctx := context.Background()
			if err := s.StartDiagnosticSession(ctx, scanner.ExtendedSession); err != nil {
				t.Fatal(err)
			}
			if s.SessionType() != scanner.ExtendedSession {
				t.Fatalf("session = %s", s.SessionType())
			}
			sess, err := s.RequestSecurityAccess(ctx, 0x01)
			if err != nil {
				t.Fatal(err)
			}
			if !sess.Granted || !s.Security().Granted(0x01) {
				t.Fatal("access not granted")
			}
			if err := s.StartDiagnosticSession(ctx, scanner.ProgrammingSession); err != nil {
				t.Fatal(err)
			}
			if s.Security().Granted(0x01) {
				t.Error("session change kept security access")
			}
		})
	}
}

func TestSecurityLockout(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := &scanner.Config{
		Strategy: security.XOR(0x1111),
		Security: security.Config{Now: func() time.Time { return now }},
	}
	s, ch := connected(t, frame.ISO15765CAN11, cfg)
	ctx := context.Background()
	if err := s.StartDiagnosticSession(ctx, scanner.ExtendedSession); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RequestSecurityAccess(ctx, 0x01); !errors.Is(err, security.ErrDenied) {
		t.Fatalf("attempt 1: %v", err)
	}
	ch.ResetFrames()
	if _, err := s.RequestSecurityAccess(ctx, 0x01); !errors.Is(err, security.ErrDelayActive) {
		t.Fatalf("attempt during delay: %v", err)
	}
	if ch.Frames() != 0 {
		t.Fatalf("%d frames sent during the delay", ch.Frames())
	}
	now = now.Add(security.DefaultDenialDelay + time.Second)
	if _, err := s.RequestSecurityAccess(ctx, 0x01); !errors.Is(err, security.ErrDenied) {
		t.Fatalf("attempt 2: %v", err)
	}
	now = now.Add(security.DefaultDenialDelay + time.Second)
	if _, err := s.RequestSecurityAccess(ctx, 0x01); !errors.Is(err, security.ErrLockedOut) {
		t.Fatalf("attempt 3: %v", err)
	}
	ch.ResetFrames()
	_, err := s.RequestSecurityAccess(ctx, 0x01)
	var se *security.Error
	if !errors.As(err, &se) || se.Kind != security.LockedOut || se.Remaining <= 0 {
		t.Fatalf("attempt 4: %v", err)
	}
	if ch.Frames() != 0 {
		t.Errorf("%d frames sent while locked out", ch.Frames())
	}
}

func TestRoutineControl(t *testing.T) {
	s, ch := connected(t, frame.ISO15765CAN11, nil)
	ctx := context.Background()

	ch.ResetFrames()
	if _, err := s.SendRoutineControl(ctx, 0x0201, nil); !isStateError(err) {
		t.Fatalf("default session: %v", err)
	}
	if err := s.StartDiagnosticSession(ctx, scanner.ExtendedSession); err != nil {
		t.Fatal(err)
	}
	ch.ResetFrames()
	if _, err := s.SendRoutineControl(ctx, 0x0201, nil); !isStateError(err) {
		t.Fatalf("without security: %v", err)
	}
	if ch.Frames() != 0 {
		t.Fatalf("%d frames sent without security access", ch.Frames())
	}
	if _, err := s.RequestSecurityAccess(ctx, 0x01); err != nil {
		t.Fatal(err)
	}
	result, err := s.SendRoutineControl(ctx, 0x0201, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(result, []byte{0x00}) {
		t.Errorf("result = % X", result)
	}
	if _, err := s.SendRoutineControl(ctx, 0xFF00, nil); !isStateError(err) {
		t.Errorf("key programming in extended session: %v", err)
	}

	if err := s.StartDiagnosticSession(ctx, scanner.ProgrammingSession); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RequestSecurityAccess(ctx, 0x01); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendRoutineControl(ctx, 0xFF00, nil); err != nil {
		t.Errorf("key programming: %v", err)
	}
}

func TestResetECU(t *testing.T) {
	s, _ := connected(t, frame.ISO15765CAN11, nil)
	ctx := context.Background()
	if err := s.StartDiagnosticSession(ctx, scanner.ExtendedSession); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RequestSecurityAccess(ctx, 0x01); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetECU(ctx); err != nil {
		t.Fatal(err)
	}
	if s.SessionType() != scanner.DefaultSession {
		t.Errorf("session = %s", s.SessionType())
	}
	if s.Security().Current() != nil {
		t.Error("security survived the reset")
	}
}

// sentService reports whether a single frame request for sid reached the bus.
func sentService(ch *sim.Sim, sid byte) bool {
	for _, f := range ch.SentFrames() {
		if len(f) > 3 && f[2]>>4 == 0 && f[3] == sid {
			return true
		}
	}
	return false
}

func TestRoutineQueuedBehindSessionDrop(t *testing.T) {
	tests := []struct {
		name string
		drop func(ctx context.Context, s *scanner.DiagnosticSession) error
	}{
		{"default session", func(ctx context.Context, s *scanner.DiagnosticSession) error {
			return s.StartDiagnosticSession(ctx, scanner.DefaultSession)
		}},
		{"ecu reset", func(ctx context.Context, s *scanner.DiagnosticSession) error {
			return s.ResetECU(ctx)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ch := connected(t, frame.ISO15765CAN11, nil)
			ctx := context.Background()
			if err := s.StartDiagnosticSession(ctx, scanner.ExtendedSession); err != nil {
				t.Fatal(err)
			}
			if _, err := s.RequestSecurityAccess(ctx, 0x01); err != nil {
				t.Fatal(err)
			}

			ticket, err := s.Client().Lock(ctx)
			if err != nil {
				t.Fatal(err)
			}
			ch.ResetFrames()
			dropErr := make(chan error, 1)
			go func() { dropErr <- tt.drop(ctx, s) }()
			time.Sleep(50 * time.Millisecond)
			routineErr := make(chan error, 1)
			go func() {
				_, err := s.SendRoutineControl(ctx, 0x0201, nil)
				routineErr <- err
			}()
			time.Sleep(50 * time.Millisecond)
			ticket.Release()

			if err := <-dropErr; err != nil {
				t.Fatal(err)
			}
			if err := <-routineErr; !isStateError(err) {
				t.Errorf("routine err = %v, want state error", err)
			}
			if sentService(ch, 0x31) {
				t.Error("routine control sent after security access was dropped")
			}
			if s.SessionType() != scanner.DefaultSession {
				t.Errorf("session = %s", s.SessionType())
			}
		})
	}
}

func TestRoutineTransportErrorDropsSecurity(t *testing.T) {
	s, ch := connected(t, frame.ISO15765CAN11, nil)
	ctx := context.Background()
	if err := s.StartDiagnosticSession(ctx, scanner.ExtendedSession); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RequestSecurityAccess(ctx, 0x01); err != nil {
		t.Fatal(err)
	}
	ch.SetFailure(errors.New("link down"))
	if _, err := s.SendRoutineControl(ctx, 0x0201, nil); err == nil {
		t.Fatal("expected transport error")
	}
	ch.SetFailure(nil)
	if s.Security().Current() != nil {
		t.Error("security survived a transport error")
	}
}

func waitLive(t *testing.T, s *scanner.DiagnosticSession, n int) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if values := s.LiveValues(); len(values) >= n {
			var out []byte
			for _, v := range values {
				out = append(out, v.PID)
			}
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no live values after 3s")
	return nil
}

func TestLiveData(t *testing.T) {
	for _, p := range []frame.Protocol{frame.ISO15765CAN11, frame.ISO14230} {
		t.Run(p.String(), func(t *testing.T) {
			s, ch := connected(t, p, &scanner.Config{LiveInterval: 10 * time.Millisecond})
			if err := s.StartLiveData(context.Background(), 0x0C, 0x05, 0x0D); err != nil {
				t.Fatal(err)
			}
			if err := s.StartLiveData(context.Background()); !errors.Is(err, scanner.ErrLiveDataRunning) {
				t.Errorf("second start: %v", err)
			}
			order := waitLive(t, s, 3)
			if !slices.Equal(order, []byte{0x0C, 0x05, 0x0D}) {
				t.Errorf("order = % X", order)
			}
			v, ok := s.LiveValue(s.LiveValues()[1].Key())
			if !ok || v.Display() != "83°C" {
				t.Errorf("coolant = %v", v)
			}

			s.StopLiveData()
			if s.LiveDataRunning() {
				t.Error("poller still running")
			}
			n := ch.Frames()
			time.Sleep(50 * time.Millisecond)
			if ch.Frames() != n {
				t.Errorf("%d frames sent after stop", ch.Frames()-n)
			}
		})
	}
}

func TestLiveDataDefaultsToSupported(t *testing.T) {
	s, _ := connected(t, frame.ISO15765CAN11, &scanner.Config{
		LiveInterval: 10 * time.Millisecond,
		LivePIDs:     []byte{0x0C, 0x5C, 0x0D},
	})
	if err := s.StartLiveData(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.StopLiveData()
	if order := waitLive(t, s, 2); !slices.Equal(order, []byte{0x0C, 0x0D}) {
		t.Errorf("order = % X, unsupported 0x5C must be skipped", order)
	}
}

func TestLiveDataDoesNotInterleave(t *testing.T) {
	s, _ := connected(t, frame.ISO15765CAN11, &scanner.Config{LiveInterval: time.Millisecond})
	if err := s.StartLiveData(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.StopLiveData()
	waitLive(t, s, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes, err := s.ReadAllDTCs(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if len(codes) != 5 {
				errs <- errors.New("incomplete DTC read")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDisconnectStopsPolling(t *testing.T) {
	s, ch := connected(t, frame.ISO15765CAN11, &scanner.Config{LiveInterval: time.Millisecond})
	if err := s.StartLiveData(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitLive(t, s, 1)
	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if s.LiveDataRunning() {
		t.Error("poller survived disconnect")
	}
	n := ch.Frames()
	time.Sleep(30 * time.Millisecond)
	if ch.Frames() != n {
		t.Errorf("%d frames sent after disconnect", ch.Frames()-n)
	}
	if len(s.LiveValues()) != 0 {
		t.Error("live values survived disconnect")
	}
}

func TestSetProtocol(t *testing.T) {
	s, _ := connected(t, frame.ISO15765CAN11, nil)
	ctx := context.Background()
	if err := s.SetProtocol(ctx, "bogus"); err == nil {
		t.Error("unknown protocol accepted")
	}
	if err := s.SetProtocol(ctx, "can29"); !errors.Is(err, negotiate.ErrNoProtocolResponded) {
		t.Fatalf("can29 on a can11 vehicle: %v", err)
	}
	if _, ok := s.State().(scanner.Disconnected); !ok {
		t.Fatalf("state = %s", s.State())
	}
	if err := s.SetProtocol(ctx, "can11"); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx, "test"); err != nil {
		t.Fatal(err)
	}
}

func TestRoutineTable(t *testing.T) {
	table := scanner.DefaultRoutineTable()
	tests := []struct {
		id    uint16
		class scanner.RoutineClass
	}{
		{0x0201, scanner.ActuatorTest},
		{0xFF00, scanner.KeyProgramming},
		{0xFF01, scanner.ECUCoding},
		{0x1234, scanner.ActuatorTest},
	}
	for _, tt := range tests {
		if got := table.Lookup(tt.id).Class; got != tt.class {
			t.Errorf("0x%04X: class = %s, want %s", tt.id, got, tt.class)
		}
	}
	if r := table.Lookup(0x1234); r.Level != table.DefaultLevel {
		t.Errorf("unknown routine level = 0x%02X", r.Level)
	}
}
