package scanner

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/decode"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/uds"
)

type VehicleInfo struct {
	VIN string
	// ManufacturingDate of the target ECU, zero when not reported.
	ManufacturingDate time.Time
	Protocol          frame.Protocol
	KeyBytes          []byte
	ECUs              []frame.Address
}

// SupportedPIDs walks the mode 01 bitmaps of the target ECU. The result is
// kept for the rest of the connection.
func (s *DiagnosticSession) SupportedPIDs(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	cached := slices.Clone(s.supported)
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}
	var out []byte
	err := s.withTicket(ctx, "supported PIDs", func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		for base := 0; base <= 0xE0; base += 0x20 {
			req := goscan.Request{Target: s.Target(), Payload: []byte{decode.ModeCurrentData, byte(base)}}
			reply, err := s.do(ctx, t, req)
			if err != nil {
				return err
			}
			next := false
			for _, r := range s.decodeAll(c.Protocol, req.Payload, reply) {
				sp, ok := r.(*decode.SupportedPIDs)
				if !ok {
					continue
				}
				for _, p := range sp.PIDs {
					if p%0x20 != 0 {
						out = append(out, p)
					}
				}
				next = next || sp.Next
			}
			if !next {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.supported = slices.Clone(out)
	s.mu.Unlock()
	return out, nil
}

func (s *DiagnosticSession) GetMonitorStatus(ctx context.Context) (*decode.MonitorStatus, error) {
	var ms *decode.MonitorStatus
	err := s.withTicket(ctx, "monitor status", func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		req := goscan.Request{Target: s.Target(), Payload: []byte{decode.ModeCurrentData, decode.PIDMonitorStatus}}
		reply, err := s.do(ctx, t, req)
		if err != nil {
			return err
		}
		for _, r := range s.decodeAll(c.Protocol, req.Payload, reply) {
			if m, ok := r.(*decode.MonitorStatus); ok {
				ms = m
				return nil
			}
		}
		return ErrNoData
	})
	return ms, err
}

// GetFreezeFrame reads frame 0 of the target ECU. The first request
// carries PID 02, a frame without trigger code means nothing is stored.
func (s *DiagnosticSession) GetFreezeFrame(ctx context.Context) (*decode.FreezeFrame, error) {
	var ff *decode.FreezeFrame
	err := s.withTicket(ctx, "freeze frame", func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		per := 1
		if c.Protocol.IsCAN() {
			// three PID/frame pairs fit a single frame
			per = 3
		}
		pids := append([]byte{decode.PIDFreezeTrigger}, s.cfg.FreezePIDs...)
		for i, group := range chunk(pids, per) {
			payload := []byte{decode.ModeFreezeFrame}
			for _, p := range group {
				payload = append(payload, p, 0x00)
			}
			req := goscan.Request{Target: s.Target(), Payload: payload}
			reply, err := s.do(ctx, t, req)
			if err != nil {
				if _, negative := goscan.IsNegative(err); i > 0 && negative {
					continue
				}
				return err
			}
			for _, r := range s.decodeAll(c.Protocol, req.Payload, reply) {
				f, ok := r.(*decode.FreezeFrame)
				if !ok {
					continue
				}
				if ff == nil {
					ff = f
					continue
				}
				if ff.Trigger == nil {
					ff.Trigger = f.Trigger
				}
				ff.Values = append(ff.Values, f.Values...)
			}
			if i == 0 && (ff == nil || ff.Trigger == nil) {
				ff = nil
				return ErrNoFreezeFrame
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ff, nil
}

// ReadVehicleInfo reads the VIN and, on CAN, the ECU manufacturing date.
func (s *DiagnosticSession) ReadVehicleInfo(ctx context.Context) (*VehicleInfo, error) {
	info := &VehicleInfo{}
	err := s.withTicket(ctx, "vehicle info", func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		info.Protocol = c.Protocol
		if res := s.Negotiated(); res != nil {
			info.KeyBytes = res.KeyBytes
			info.ECUs = res.Responders
		}
		req := goscan.Request{Target: s.Target(), Payload: []byte{decode.ModeVehicleInfo, decode.InfoTypeVIN}, Collect: true}
		reply, err := s.do(ctx, t, req)
		if err != nil {
			return err
		}
		var items []*decode.VehicleInfo
		for _, r := range s.decodeAll(c.Protocol, req.Payload, reply) {
			if vi, ok := r.(*decode.VehicleInfo); ok && vi.InfoType == decode.InfoTypeVIN {
				items = append(items, vi)
			}
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].Item < items[j].Item })
		var vin strings.Builder
		for _, it := range items {
			vin.WriteString(it.Text())
		}
		info.VIN = vin.String()
		if !c.Protocol.IsCAN() {
			return nil
		}

		reply, err = s.do(ctx, t, goscan.Request{Target: s.Target(), Payload: uds.ReadDataByIdentifierRequest(uds.DIDManufacturingDate)})
		if err != nil {
			if _, ok := goscan.IsNegative(err); ok {
				s.event(goscan.EventTypeDebug, "no manufacturing date: %v", err)
				return nil
			}
			return err
		}
		data, err := uds.ParseDataByIdentifier(reply.First().Payload, uds.DIDManufacturingDate)
		if err == nil {
			info.ManufacturingDate, err = uds.ParseManufacturingDate(data)
		}
		if err != nil {
			s.event(goscan.EventTypeWarning, "manufacturing date: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
