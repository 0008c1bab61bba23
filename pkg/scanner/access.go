package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/kwp2000"
	"github.com/roffe/goscan/pkg/security"
	"github.com/roffe/goscan/pkg/uds"
)

// ticketTransport runs both security access steps on one held ticket.
type ticketTransport struct {
	s      *DiagnosticSession
	t      *goscan.Ticket
	target frame.Address
}

func (tt *ticketTransport) RequestSeed(ctx context.Context, level byte) ([]byte, error) {
	reply, err := tt.s.do(ctx, tt.t, goscan.Request{Target: tt.target, Payload: uds.RequestSeedRequest(level)})
	if err != nil {
		return nil, err
	}
	return uds.ParseSeed(reply.First().Payload, level)
}

func (tt *ticketTransport) SendKey(ctx context.Context, level byte, key []byte) error {
	reply, err := tt.s.do(ctx, tt.t, goscan.Request{Target: tt.target, Payload: uds.SendKeyRequest(level, key)})
	if err != nil {
		return err
	}
	return uds.ParseKeyAccepted(reply.First().Payload, level)
}

func diagnosticServices(op string, c Connected) error {
	if c.Protocol.IsJ1850() {
		return &goscan.StateError{Op: op, State: c.Name(), Reason: "diagnostic services need CAN or K-Line"}
	}
	return nil
}

// RequestSecurityAccess unlocks level on the target ECU. Seed request and
// key send hold the channel together.
func (s *DiagnosticSession) RequestSecurityAccess(ctx context.Context, level byte) (*security.Session, error) {
	const op = "security access"
	c, _, err := s.link(op)
	if err != nil {
		return nil, err
	}
	if err := diagnosticServices(op, c); err != nil {
		return nil, err
	}
	if st := s.SessionType(); !st.privileged() {
		return nil, &goscan.StateError{Op: op, State: c.Name(), Reason: fmt.Sprintf("not available in %s session", st)}
	}
	if err := s.engine.Check(level); err != nil {
		return nil, err
	}
	var sess *security.Session
	err = s.withTicket(ctx, op, func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		if st := s.SessionType(); !st.privileged() {
			return &goscan.StateError{Op: op, State: c.Name(), Reason: fmt.Sprintf("not available in %s session", st)}
		}
		var err error
		sess, err = s.engine.RequestAccess(ctx, &ticketTransport{s: s, t: t, target: s.Target()}, level)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.event(goscan.EventTypeInfo, "security access level 0x%02X granted", level)
	return sess, nil
}

// StartDiagnosticSession switches the ECU session. Any change drops the
// security access granted so far.
func (s *DiagnosticSession) StartDiagnosticSession(ctx context.Context, typ SessionType) error {
	const op = "start diagnostic session"
	c, conn, err := s.link(op)
	if err != nil {
		return err
	}
	if err := diagnosticServices(op, c); err != nil {
		return err
	}
	err = s.withTicket(ctx, op, func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		if c.Protocol.IsKLine() {
			mode := typ.kwpMode()
			reply, err := s.do(ctx, t, goscan.Request{Target: s.Target(), Payload: kwp2000.StartDiagnosticSessionRequest(mode)})
			if err != nil {
				return err
			}
			if err := kwp2000.ParseStartDiagnosticSession(reply.First().Payload, mode); err != nil {
				return err
			}
			s.switchSession(typ)
			return nil
		}
		sub := typ.udsSubFunction()
		reply, err := s.do(ctx, t, goscan.Request{Target: s.Target(), Payload: uds.SessionControlRequest(sub)})
		if err != nil {
			return err
		}
		if _, _, err = uds.ParseSessionControl(reply.First().Payload, sub); err != nil {
			return err
		}
		s.switchSession(typ)
		return nil
	})
	if err != nil {
		return err
	}
	s.announceSession(conn, typ)
	return nil
}

// switchSession drops security access and records typ. Callers hold the
// channel ticket so no queued request sees the old session.
func (s *DiagnosticSession) switchSession(typ SessionType) {
	s.engine.Invalidate()
	s.mu.Lock()
	s.session = typ
	s.mu.Unlock()
}

// announceSession runs once the ticket is released since stopping the keep
// alive waits for a tester present that may be queued on the channel.
func (s *DiagnosticSession) announceSession(conn context.Context, typ SessionType) {
	s.setKeepAlive(conn, typ != DefaultSession)
	s.obs.publish(Update{Kind: SessionChanged, Session: typ})
	s.event(goscan.EventTypeInfo, "%s session active", typ)
}

// ResetECU hard resets the target ECU, which falls back to its default
// session.
func (s *DiagnosticSession) ResetECU(ctx context.Context) error {
	const op = "ECU reset"
	c, conn, err := s.link(op)
	if err != nil {
		return err
	}
	if err := diagnosticServices(op, c); err != nil {
		return err
	}
	err = s.withTicket(ctx, op, func(ctx context.Context, t *goscan.Ticket, _ Connected) error {
		if _, err := s.do(ctx, t, goscan.Request{Target: s.Target(), Payload: uds.ECUResetRequest(uds.HardReset)}); err != nil {
			return err
		}
		s.switchSession(DefaultSession)
		return nil
	})
	if err != nil {
		return err
	}
	s.announceSession(conn, DefaultSession)
	return nil
}

// SendRoutineControl starts a routine. The routine's class decides the
// session it needs and its security level must be granted.
func (s *DiagnosticSession) SendRoutineControl(ctx context.Context, id uint16, params []byte) ([]byte, error) {
	const op = "routine control"
	c, _, err := s.link(op)
	if err != nil {
		return nil, err
	}
	if err := diagnosticServices(op, c); err != nil {
		return nil, err
	}
	r := s.cfg.Routines.Lookup(id)
	if err := s.routineAllowed(op, c, r); err != nil {
		return nil, err
	}
	var result []byte
	err = s.withTicket(ctx, op, func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		// the session may have changed while waiting for the channel
		if err := s.routineAllowed(op, c, r); err != nil {
			return err
		}
		reply, err := s.do(ctx, t, goscan.Request{Target: s.Target(), Payload: uds.RoutineControlRequest(uds.StartRoutine, id, params)})
		if err != nil {
			if _, ok := goscan.IsNegative(err); !ok {
				s.engine.Invalidate()
			}
			return err
		}
		result, err = uds.ParseRoutineControl(reply.First().Payload, uds.StartRoutine, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.event(goscan.EventTypeInfo, "%s started", r)
	return result, nil
}

func (s *DiagnosticSession) routineAllowed(op string, c Connected, r Routine) error {
	if st := s.SessionType(); !r.Class.allowedIn(st) {
		return &goscan.StateError{Op: op, State: c.Name(), Reason: fmt.Sprintf("%s not allowed in %s session", r, st)}
	}
	if !s.engine.Granted(r.Level) {
		return &goscan.StateError{Op: op, State: c.Name(), Reason: fmt.Sprintf("security access level 0x%02X not granted", r.Level)}
	}
	return nil
}

func (s *DiagnosticSession) setKeepAlive(conn context.Context, on bool) {
	s.taskMu.Lock()
	old := s.keepAliveTask
	s.keepAliveTask = nil
	if on {
		s.keepAliveTask = startTask(conn, s.keepAlive)
	}
	s.taskMu.Unlock()
	old.stop()
}

// keepAlive sends tester present so the ECU stays in a non default session.
func (s *DiagnosticSession) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TesterPresentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := s.withTicket(ctx, "tester present", func(ctx context.Context, t *goscan.Ticket, c Connected) error {
			payload := uds.TesterPresentRequest()
			if c.Protocol.IsKLine() {
				payload = kwp2000.TesterPresentRequest()
			}
			_, err := s.do(ctx, t, goscan.Request{Target: s.Target(), Payload: payload})
			return err
		})
		if err != nil && ctx.Err() == nil {
			s.event(goscan.EventTypeWarning, "%v", err)
		}
	}
}
