package scanner

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/decode"
	"github.com/roffe/goscan/pkg/pid"
)

// maxPIDsPerRequest is the mode 01 limit on CAN, other buses take one PID.
const maxPIDsPerRequest = 6

var ErrLiveDataRunning = errors.New("live data already running")

// StartLiveData polls pids in the background until StopLiveData or the
// connection ends. Without pids the supported subset of the configured
// PIDs is polled.
func (s *DiagnosticSession) StartLiveData(ctx context.Context, pids ...byte) error {
	c, conn, err := s.link("start live data")
	if err != nil {
		return err
	}
	s.taskMu.Lock()
	running := s.poller != nil
	s.taskMu.Unlock()
	if running {
		return ErrLiveDataRunning
	}
	if len(pids) == 0 {
		pids = s.defaultPIDs(ctx)
	}
	groups := chunk(pids, 1)
	if c.Protocol.IsCAN() {
		groups = chunk(pids, maxPIDsPerRequest)
	}

	s.liveMu.Lock()
	s.liveOrder = nil
	s.liveMu.Unlock()
	s.live.DeleteAll()

	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if s.poller != nil {
		return ErrLiveDataRunning
	}
	s.poller = startTask(conn, func(ctx context.Context) {
		s.poll(ctx, groups)
	})
	return nil
}

// StopLiveData returns once the poller has stopped, no frame is sent for
// it afterwards.
func (s *DiagnosticSession) StopLiveData() {
	s.taskMu.Lock()
	p := s.poller
	s.poller = nil
	s.taskMu.Unlock()
	p.stop()
}

func (s *DiagnosticSession) LiveDataRunning() bool {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	return s.poller != nil
}

// LiveValues returns the current values in poll order. Values not
// refreshed within the live TTL are left out.
func (s *DiagnosticSession) LiveValues() []pid.Value {
	s.liveMu.Lock()
	order := slices.Clone(s.liveOrder)
	s.liveMu.Unlock()
	out := make([]pid.Value, 0, len(order))
	for _, key := range order {
		if item := s.live.Get(key); item != nil {
			out = append(out, item.Value())
		}
	}
	return out
}

func (s *DiagnosticSession) LiveValue(key string) (pid.Value, bool) {
	item := s.live.Get(key)
	if item == nil {
		return pid.Value{}, false
	}
	return item.Value(), true
}

func (s *DiagnosticSession) defaultPIDs(ctx context.Context) []byte {
	supported, err := s.SupportedPIDs(ctx)
	if err != nil {
		return s.cfg.LivePIDs
	}
	var out []byte
	for _, p := range s.cfg.LivePIDs {
		if slices.Contains(supported, p) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return s.cfg.LivePIDs
	}
	return out
}

// poll checks for a stop before every request and takes the channel per
// request, so other operations interleave between them.
func (s *DiagnosticSession) poll(ctx context.Context, groups [][]byte) {
	ticker := time.NewTicker(s.cfg.LiveInterval)
	defer ticker.Stop()
	for {
		for _, g := range groups {
			if ctx.Err() != nil {
				return
			}
			if err := s.pollGroup(ctx, g); err != nil && ctx.Err() == nil {
				s.event(goscan.EventTypeWarning, "%v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *DiagnosticSession) pollGroup(ctx context.Context, pids []byte) error {
	return s.withTicket(ctx, "live data", func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		req := goscan.Request{Target: s.Target(), Payload: append([]byte{decode.ModeCurrentData}, pids...)}
		reply, err := s.do(ctx, t, req)
		if err != nil {
			return err
		}
		for _, r := range s.decodeAll(c.Protocol, req.Payload, reply) {
			if p, ok := r.(*decode.Parameters); ok {
				for _, v := range p.Values {
					s.storeValue(v)
				}
			}
		}
		return nil
	})
}

func (s *DiagnosticSession) storeValue(v pid.Value) {
	key := v.Key()
	s.liveMu.Lock()
	if !slices.Contains(s.liveOrder, key) {
		s.liveOrder = append(s.liveOrder, key)
	}
	s.liveMu.Unlock()
	s.live.Set(key, v, ttlcache.DefaultTTL)
	s.obs.publish(Update{Kind: LiveValue, Value: &v})
}

func chunk(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		m := min(n, len(b))
		out = append(out, b[:m:m])
		b = b[m:]
	}
	return out
}
