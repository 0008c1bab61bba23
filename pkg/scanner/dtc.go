package scanner

import (
	"context"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/decode"
	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/uds"
)

var statuses = []dtc.Status{dtc.Stored, dtc.Pending, dtc.Permanent}

func dtcMode(st dtc.Status) byte {
	switch st {
	case dtc.Pending:
		return decode.ModePendingDTCs
	case dtc.Permanent:
		return decode.ModePermanentDTCs
	}
	return decode.ModeStoredDTCs
}

// DTCs returns the codes read so far in read order.
func (s *DiagnosticSession) DTCs() []dtc.DTC {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dtcs.Items()
}

func (s *DiagnosticSession) Classify(code string) (dtc.Classification, error) {
	return s.classifier.Classify(code)
}

func (s *DiagnosticSession) ReadStoredDTCs(ctx context.Context) ([]dtc.DTC, error) {
	return s.readGroup(ctx, "read stored DTCs", dtc.Stored)
}

func (s *DiagnosticSession) ReadPendingDTCs(ctx context.Context) ([]dtc.DTC, error) {
	return s.readGroup(ctx, "read pending DTCs", dtc.Pending)
}

func (s *DiagnosticSession) ReadPermanentDTCs(ctx context.Context) ([]dtc.DTC, error) {
	return s.readGroup(ctx, "read permanent DTCs", dtc.Permanent)
}

// ReadAllDTCs reads every memory on one channel ticket. On CAN the UDS
// status mask read runs first so multi ECU codes carry their address.
func (s *DiagnosticSession) ReadAllDTCs(ctx context.Context) ([]dtc.DTC, error) {
	groups := make(map[dtc.Status][]dtc.DTC)
	err := s.withTicket(ctx, "read DTCs", func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		if c.Protocol.IsCAN() {
			codes, err := s.readUDS(ctx, t, c.Protocol)
			if _, negative := goscan.IsNegative(err); err != nil && !negative {
				return err
			}
			for _, d := range codes {
				groups[d.Status] = append(groups[d.Status], d)
			}
		}
		for _, st := range statuses {
			codes, err := s.readMode(ctx, t, c.Protocol, st)
			if err != nil {
				if _, ok := goscan.IsNegative(err); ok {
					s.event(goscan.EventTypeDebug, "%s codes not supported: %v", st, err)
					continue
				}
				return err
			}
			groups[st] = append(groups[st], codes...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.storeDTCs(groups), nil
}

func (s *DiagnosticSession) readGroup(ctx context.Context, op string, st dtc.Status) ([]dtc.DTC, error) {
	var codes []dtc.DTC
	err := s.withTicket(ctx, op, func(ctx context.Context, t *goscan.Ticket, c Connected) error {
		var err error
		codes, err = s.readMode(ctx, t, c.Protocol, st)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.storeDTCs(map[dtc.Status][]dtc.DTC{st: codes})
	return codes, nil
}

func (s *DiagnosticSession) readMode(ctx context.Context, t *goscan.Ticket, p frame.Protocol, st dtc.Status) ([]dtc.DTC, error) {
	req := goscan.Request{Target: frame.Broadcast, Payload: []byte{dtcMode(st)}}
	reply, err := s.do(ctx, t, req)
	if err != nil {
		return nil, err
	}
	codes := []dtc.DTC{}
	for _, r := range s.decodeAll(p, req.Payload, reply) {
		if l, ok := r.(*decode.DTCList); ok {
			codes = append(codes, l.Codes...)
		}
	}
	return codes, nil
}

func (s *DiagnosticSession) readUDS(ctx context.Context, t *goscan.Ticket, p frame.Protocol) ([]dtc.DTC, error) {
	req := goscan.Request{Target: frame.Broadcast, Payload: uds.ReadDTCByStatusMaskRequest(0xFF)}
	reply, err := s.do(ctx, t, req)
	if err != nil {
		return nil, err
	}
	var codes []dtc.DTC
	for _, r := range s.decodeAll(p, req.Payload, reply) {
		if l, ok := r.(*decode.DTCList); ok {
			codes = append(codes, l.Codes...)
		}
	}
	return codes, nil
}

// storeDTCs replaces each status group present in groups.
func (s *DiagnosticSession) storeDTCs(groups map[dtc.Status][]dtc.DTC) []dtc.DTC {
	s.mu.Lock()
	for _, st := range statuses {
		if codes, ok := groups[st]; ok {
			s.dtcs.Replace(st, codes)
		}
	}
	items := s.dtcs.Items()
	s.mu.Unlock()
	s.obs.publish(Update{Kind: DTCsChanged, DTCs: items})
	return items
}

// ClearDTCs sends mode 04 to every ECU. Permanent codes stay in the list,
// the vehicle keeps them too.
func (s *DiagnosticSession) ClearDTCs(ctx context.Context) error {
	err := s.withTicket(ctx, "clear DTCs", func(ctx context.Context, t *goscan.Ticket, _ Connected) error {
		_, err := s.do(ctx, t, goscan.Request{Target: frame.Broadcast, Payload: []byte{decode.ModeClearDTCs}})
		return err
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.dtcs.Clear(true)
	items := s.dtcs.Items()
	s.mu.Unlock()
	s.event(goscan.EventTypeInfo, "trouble codes and freeze frames cleared")
	s.obs.publish(Update{Kind: DTCsChanged, DTCs: items})
	return nil
}
