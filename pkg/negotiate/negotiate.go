// Package negotiate finds the protocol a vehicle answers on.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/kwp2000"
)

var ErrNoProtocolResponded = errors.New("no protocol responded")

// NegotiationError lists every protocol tried and why it failed.
type NegotiationError struct {
	Tried  []frame.Protocol
	Causes []error
}

func (e *NegotiationError) Error() string {
	var out strings.Builder
	out.WriteString(ErrNoProtocolResponded.Error())
	for i, p := range e.Tried {
		fmt.Fprintf(&out, "\n  %s: %v", p, e.Causes[i])
	}
	return out.String()
}

func (e *NegotiationError) Is(target error) bool {
	return target == ErrNoProtocolResponded
}

type Options struct {
	// Pinned restricts negotiation to one protocol.
	Pinned frame.Protocol
	// Priority overrides frame.DefaultPriority.
	Priority []frame.Protocol
	// OnProgress is called before each candidate is tried.
	OnProgress func(p frame.Protocol, n, total int)
	OnMessage  func(string)
}

// Result is the latched protocol and what the handshake reported.
type Result struct {
	Protocol frame.Protocol
	// KeyBytes is set for K-Line protocols.
	KeyBytes   []byte
	Responders []frame.Address
	Took       time.Duration
}

func (o *Options) candidates() []frame.Protocol {
	if o.Pinned != frame.ProtocolUnknown {
		return []frame.Protocol{o.Pinned}
	}
	if len(o.Priority) > 0 {
		return o.Priority
	}
	return frame.DefaultPriority
}

// Negotiate tries the candidates in order and latches the first protocol
// whose handshake validates on c. On failure c has no protocol set.
func Negotiate(ctx context.Context, c *goscan.Client, opts Options) (*Result, error) {
	if opts.OnMessage == nil {
		opts.OnMessage = func(string) {}
	}
	if opts.Pinned != frame.ProtocolUnknown && !opts.Pinned.Valid() {
		return nil, fmt.Errorf("invalid protocol %d", opts.Pinned)
	}
	candidates := opts.candidates()
	nerr := &NegotiationError{}
	for i, p := range candidates {
		if opts.OnProgress != nil {
			opts.OnProgress(p, i+1, len(candidates))
		}
		start := time.Now()
		res, err := try(ctx, c, p)
		if err == nil {
			res.Took = time.Since(start)
			opts.OnMessage(fmt.Sprintf("%s responded in %s", p, res.Took.Round(time.Millisecond)))
			return res, nil
		}
		c.ClearProtocol()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var te *goscan.TransportError
		if errors.As(err, &te) {
			// a dead adapter will not answer the next candidate either
			return nil, err
		}
		opts.OnMessage(fmt.Sprintf("%s: %v", p, err))
		nerr.Tried = append(nerr.Tried, p)
		nerr.Causes = append(nerr.Causes, err)
	}
	return nil, nerr
}

func try(ctx context.Context, c *goscan.Client, p frame.Protocol) (*Result, error) {
	if sel, ok := c.Channel().(goscan.ProtocolSelector); ok {
		if err := sel.SelectProtocol(ctx, p); err != nil {
			return nil, err
		}
	}
	if err := c.SetProtocol(p); err != nil {
		return nil, err
	}
	t, err := c.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer t.Release()

	timeout := c.Timing().Init
	res := &Result{Protocol: p}
	switch {
	case p.IsKLine():
		kb, err := initKLine(ctx, c, t, p, timeout)
		if err != nil {
			return nil, err
		}
		res.KeyBytes = kb
	default:
		responders, err := probe(ctx, t, timeout)
		if err != nil {
			return nil, err
		}
		res.Responders = responders
	}
	return res, nil
}

// probe asks every ECU for the Mode 01 supported PID bitmap, the handshake
// of CAN and J1850.
func probe(ctx context.Context, t *goscan.Ticket, timeout time.Duration) ([]frame.Address, error) {
	reply, err := t.Exchange(ctx, goscan.Request{
		Target:  frame.Broadcast,
		Payload: []byte{0x01, 0x00},
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	var out []frame.Address
	for _, m := range reply.Messages {
		if len(m.Payload) >= 6 && m.Payload[1] == 0x00 {
			out = append(out, m.Source)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no valid supported PIDs response")
	}
	return out, nil
}

func initKLine(ctx context.Context, c *goscan.Client, t *goscan.Ticket, p frame.Protocol, timeout time.Duration) ([]byte, error) {
	if li, ok := c.Channel().(goscan.LinkInitializer); ok {
		kb, err := li.InitLink(ctx, p)
		if err != nil {
			return nil, err
		}
		if err := validateKeyBytes(p, kb); err != nil {
			return nil, err
		}
		return kb, nil
	}
	if p == frame.ISO9141 {
		return slowInit(ctx, t, timeout)
	}
	return fastInit(ctx, t, timeout)
}

// fastInit sends StartCommunication with functional addressing.
func fastInit(ctx context.Context, t *goscan.Ticket, timeout time.Duration) ([]byte, error) {
	reply, err := t.Exchange(ctx, goscan.Request{
		Target:  frame.Broadcast,
		Payload: kwp2000.StartCommunicationRequest(),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	kb, err := kwp2000.ParseStartCommunication(reply.First().Payload)
	if err != nil {
		return nil, err
	}
	return []byte{kb.KB1, kb.KB2}, nil
}

const (
	obdInitAddress = 0x33
	syncByte       = 0x55
)

// slowInit runs the ISO 9141-2 5 baud address wakeup on a raw channel:
// address 0x33, sync 0x55 + key bytes, inverted KB2 from us, inverted
// address from the ECU.
func slowInit(ctx context.Context, t *goscan.Ticket, timeout time.Duration) ([]byte, error) {
	if err := t.Send(ctx, []byte{obdInitAddress}); err != nil {
		return nil, err
	}
	resp, err := readBytes(ctx, t, 3, timeout)
	if err != nil {
		return nil, err
	}
	if resp[0] != syncByte {
		return nil, fmt.Errorf("expected sync byte 0x55, got 0x%02X", resp[0])
	}
	kb := resp[1:3]
	if err := validateKeyBytes(frame.ISO9141, kb); err != nil {
		return nil, err
	}
	if err := t.Send(ctx, []byte{^kb[1]}); err != nil {
		return nil, err
	}
	ack, err := readBytes(ctx, t, 1, timeout)
	if err != nil {
		return nil, err
	}
	if ack[0] != ^byte(obdInitAddress) {
		return nil, fmt.Errorf("expected inverted address 0xCC, got 0x%02X", ack[0])
	}
	return kb, nil
}

// readBytes collects n bytes that may arrive split over several frames.
func readBytes(ctx context.Context, t *goscan.Ticket, n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var out []byte
	for len(out) < n {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, &goscan.TimeoutError{Timeout: timeout, Protocol: frame.ISO9141}
		}
		b, err := t.Receive(ctx, wait)
		if err != nil {
			if errors.Is(err, goscan.ErrReceiveTimeout) {
				continue
			}
			return nil, err
		}
		out = append(out, b...)
	}
	return out[:n], nil
}

func validateKeyBytes(p frame.Protocol, kb []byte) error {
	if len(kb) != 2 {
		return fmt.Errorf("%w: % X", kwp2000.ErrInvalidKeyBytes, kb)
	}
	switch p {
	case frame.ISO9141:
		if kb[0] != kb[1] || (kb[0] != 0x08 && kb[0] != 0x94) {
			return fmt.Errorf("%w: % X is not ISO 9141-2", kwp2000.ErrInvalidKeyBytes, kb)
		}
	case frame.ISO14230:
		if kb[1] != kwp2000.KeyByte2 {
			return fmt.Errorf("%w: % X is not ISO 14230-4", kwp2000.ErrInvalidKeyBytes, kb)
		}
	}
	return nil
}
