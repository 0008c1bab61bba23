package goscan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/uds"
	"golang.org/x/sync/semaphore"
)

// DefaultResponsePending is how long to wait after an ECU answered with
// NRC 0x78 (request correctly received, response pending).
const DefaultResponsePending = 5 * time.Second

type ClientConfig struct {
	// Timing overrides the per protocol defaults from frame.Protocol.Timing.
	Timing          map[frame.Protocol]frame.Timing
	ResponsePending time.Duration
	Debug           bool
	OnMessage       func(string)
	OnError         func(error)
}

// Request is one service request.
type Request struct {
	// Target is the ECU response address, frame.Broadcast for a functional request.
	Target  frame.Address
	Payload []byte
	// Timeout overrides the protocol request deadline.
	Timeout time.Duration
	// Collect keeps listening for the protocol gap after the first response
	// to gather answers from several ECUs or several frames. Functional
	// requests always collect.
	Collect bool
}

func (r Request) SID() byte {
	if len(r.Payload) == 0 {
		return 0
	}
	return r.Payload[0]
}

// Reply holds everything correlated to one request in arrival order.
type Reply struct {
	Messages  []*frame.Message
	Negatives []*NegativeResponseError
}

// First returns the first positive response.
func (r *Reply) First() *frame.Message {
	if r == nil || len(r.Messages) == 0 {
		return nil
	}
	return r.Messages[0]
}

// Client owns the link to one vehicle. At most one exchange is on the wire
// at any time; every operation holds the channel ticket from the request
// until the matching response or its deadline.
type Client struct {
	ch  Channel
	cfg *ClientConfig
	sem *semaphore.Weighted

	mu     sync.RWMutex
	codec  frame.Codec
	timing frame.Timing

	stats counters
}

func NewClient(ch Channel, cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	if cfg.ResponsePending == 0 {
		cfg.ResponsePending = DefaultResponsePending
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) {
			log.Println(msg)
		}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(err error) {
			log.Println(err)
		}
	}
	return &Client{
		ch:  ch,
		cfg: cfg,
		sem: semaphore.NewWeighted(1),
	}
}

func (c *Client) Channel() Channel {
	return c.ch
}

// SetProtocol latches the framing and timing used by Exchange.
func (c *Client) SetProtocol(p frame.Protocol) error {
	codec, err := frame.CodecFor(p)
	if err != nil {
		return err
	}
	timing := p.Timing()
	if t, ok := c.cfg.Timing[p]; ok {
		timing = t
	}
	c.mu.Lock()
	c.codec, c.timing = codec, timing
	c.mu.Unlock()
	return nil
}

// ClearProtocol drops the latched protocol, Exchange fails until SetProtocol.
func (c *Client) ClearProtocol() {
	c.mu.Lock()
	c.codec = nil
	c.timing = frame.Timing{}
	c.mu.Unlock()
}

func (c *Client) Protocol() frame.Protocol {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.codec == nil {
		return frame.ProtocolUnknown
	}
	return c.codec.Protocol()
}

func (c *Client) Timing() frame.Timing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timing
}

func (c *Client) link() (frame.Codec, frame.Timing) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codec, c.timing
}

func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// Lock waits for exclusive use of the channel. The ticket must be released,
// cancelling ctx aborts the wait.
func (c *Client) Lock(ctx context.Context) (*Ticket, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Ticket{c: c}, nil
}

// Exchange sends one request and waits for its response while holding the
// channel for the whole exchange.
func (c *Client) Exchange(ctx context.Context, req Request) (*Reply, error) {
	t, err := c.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer t.Release()
	return t.Exchange(ctx, req)
}

func (c *Client) discard(format string, args ...any) {
	c.stats.discarded.Add(1)
	c.cfg.OnMessage("discarded " + fmt.Sprintf(format, args...))
}

// Ticket is exclusive use of the channel. Multi step sequences such as
// security access run all their exchanges on one ticket.
type Ticket struct {
	c        *Client
	released atomic.Bool
}

// Release gives the channel back. Calling it more than once is harmless.
func (t *Ticket) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.c.sem.Release(1)
	}
}

func (t *Ticket) check() error {
	if t.released.Load() {
		return ErrTicketReleased
	}
	if !t.c.ch.IsOpen() {
		return &TransportError{Op: "send", Err: ErrChannelClosed}
	}
	return nil
}

// Send writes one raw link frame, bypassing the codec.
func (t *Ticket) Send(ctx context.Context, raw []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.send(ctx, raw)
}

// Receive reads one raw link frame, bypassing the codec.
func (t *Ticket) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	raw, err := t.c.ch.Receive(ctx, timeout)
	if err != nil {
		if errors.Is(err, ErrReceiveTimeout) || ctx.Err() != nil {
			return nil, err
		}
		t.c.stats.errors.Add(1)
		return nil, &TransportError{Op: "receive", Err: err}
	}
	t.c.stats.received.Add(1)
	return raw, nil
}

func (t *Ticket) send(ctx context.Context, raw []byte) error {
	if t.c.cfg.Debug {
		t.c.cfg.OnMessage(fmt.Sprintf("tx % X", raw))
	}
	if err := t.c.ch.Send(ctx, raw); err != nil {
		t.c.stats.errors.Add(1)
		return &TransportError{Op: "send", Err: err}
	}
	t.c.stats.sent.Add(1)
	return nil
}

// Exchange sends req and collects the correlated response. Timeouts are
// retried on K-Line protocols only.
func (t *Ticket) Exchange(ctx context.Context, req Request) (*Reply, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if len(req.Payload) == 0 {
		return nil, ErrEmptyRequest
	}
	codec, timing := t.c.link()
	if codec == nil {
		return nil, ErrNoProtocol
	}
	var reply *Reply
	attempts := timing.Retries + 1
	err := retry.Do(func() error {
		r, err := t.exchange(ctx, codec, timing, req)
		if err != nil {
			if IsTimeout(err) {
				return err
			}
			return Unrecoverable(err)
		}
		reply = r
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(timing.Gap),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(IsRecoverable),
		retry.OnRetry(func(n uint, err error) {
			// also called after the final attempt
			if n+1 >= attempts {
				return
			}
			t.c.stats.retries.Add(1)
			t.c.cfg.OnError(fmt.Errorf("retry #%d: %w", n+1, err))
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return reply, unwrapUnrecoverable(err)
	}
	return reply, nil
}

type correlation int

const (
	unrelated correlation = iota
	positive
	negative
)

func correlate(sid byte, payload []byte) correlation {
	switch {
	case len(payload) == 0:
		return unrelated
	case payload[0] == sid+0x40:
		return positive
	case payload[0] == 0x7F && len(payload) >= 3 && payload[1] == sid:
		return negative
	}
	return unrelated
}

func (t *Ticket) exchange(ctx context.Context, codec frame.Codec, timing frame.Timing, req Request) (*Reply, error) {
	c := t.c
	timeout := req.Timeout
	if timeout == 0 {
		timeout = timing.Request
	}
	wires, err := codec.Encode(req.Target, req.Payload)
	if err != nil {
		return nil, err
	}
	if len(wires) > 1 && req.Target == frame.Broadcast {
		return nil, errors.New("functional requests must fit a single frame")
	}
	if err := t.transmit(ctx, codec, req.Target, wires, timeout); err != nil {
		return nil, err
	}

	sid := req.SID()
	collect := req.Collect || req.Target == frame.Broadcast
	reasm := frame.NewReassembler()
	reply := &Reply{}
	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			switch {
			case len(reply.Messages) > 0:
				return reply, nil
			case len(reply.Negatives) > 0:
				return reply, reply.Negatives[0]
			}
			return nil, &TimeoutError{Timeout: timeout, Protocol: codec.Protocol(), Service: sid}
		}
		raw, err := c.ch.Receive(ctx, wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrReceiveTimeout) {
				continue
			}
			c.stats.errors.Add(1)
			return nil, &TransportError{Op: "receive", Err: err}
		}
		c.stats.received.Add(1)
		f, err := codec.Decode(raw)
		if err != nil {
			c.discard("frame % X: %v", raw, err)
			continue
		}
		if c.cfg.Debug {
			log.Println(f.ColorString())
		}
		if f.Target != frame.Tester || (req.Target != frame.Broadcast && f.Source != req.Target) {
			c.discard("frame not for us: %s", f)
			continue
		}

		msg := &frame.Message{Source: f.Source, Payload: f.Data}
		if codec.Protocol().IsCAN() {
			m, ack, err := reasm.Push(f)
			if err != nil {
				c.discard("segment from %s: %v", f.Source, err)
				continue
			}
			if ack {
				if fc, ok := codec.(frame.FlowController); ok {
					if err := t.send(ctx, fc.FlowControl(f.Source)); err != nil {
						return nil, err
					}
				}
			}
			if m == nil {
				if reasm.Pending() {
					deadline = time.Now().Add(timeout)
				}
				continue
			}
			msg = m
		}

		switch correlate(sid, msg.Payload) {
		case positive:
			reply.Messages = append(reply.Messages, msg)
		case negative:
			nrc := &NegativeResponseError{Protocol: codec.Protocol(), Source: msg.Source, Service: sid, Code: msg.Payload[2]}
			if nrc.Code == uds.ResponsePending {
				if c.cfg.Debug {
					c.cfg.OnMessage(fmt.Sprintf("%s: response pending", msg.Source))
				}
				deadline = time.Now().Add(c.cfg.ResponsePending)
				continue
			}
			if !collect {
				return nil, nrc
			}
			reply.Negatives = append(reply.Negatives, nrc)
		default:
			c.discard("unsolicited %s", msg)
			continue
		}
		if !collect {
			return reply, nil
		}
		if !reasm.Pending() {
			deadline = time.Now().Add(timing.Gap)
		}
	}
}

// transmit sends the first wire frame and, for segmented requests, the
// consecutive frames paced by the receiver's flow control.
func (t *Ticket) transmit(ctx context.Context, codec frame.Codec, target frame.Address, wires [][]byte, timeout time.Duration) error {
	if err := t.send(ctx, wires[0]); err != nil {
		return err
	}
	rest := wires[1:]
	for len(rest) > 0 {
		fc, err := t.awaitFlowControl(ctx, codec, target, timeout)
		if err != nil {
			return err
		}
		block := len(rest)
		if fc.BlockSize > 0 && int(fc.BlockSize) < block {
			block = int(fc.BlockSize)
		}
		for _, w := range rest[:block] {
			if err := sleep(ctx, separation(fc.STmin)); err != nil {
				return err
			}
			if err := t.send(ctx, w); err != nil {
				return err
			}
		}
		rest = rest[block:]
	}
	return nil
}

func (t *Ticket) awaitFlowControl(ctx context.Context, codec frame.Codec, target frame.Address, timeout time.Duration) (frame.Segment, error) {
	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return frame.Segment{}, &TimeoutError{Timeout: timeout, Protocol: codec.Protocol(), Service: 0x30}
		}
		raw, err := t.c.ch.Receive(ctx, wait)
		if err != nil {
			if ctx.Err() != nil {
				return frame.Segment{}, ctx.Err()
			}
			if errors.Is(err, ErrReceiveTimeout) {
				continue
			}
			return frame.Segment{}, &TransportError{Op: "receive", Err: err}
		}
		t.c.stats.received.Add(1)
		f, err := codec.Decode(raw)
		if err != nil || f.Source != target {
			t.c.discard("waiting for flow control: % X", raw)
			continue
		}
		seg, err := frame.ParseSegment(f.Data)
		if err != nil || seg.Type != frame.FlowControlFrame {
			t.c.discard("waiting for flow control: %s", f)
			continue
		}
		switch seg.FlowStatus {
		case frame.FlowWait:
			deadline = time.Now().Add(timeout)
		case frame.FlowOverflow:
			return seg, errors.New("receiver reported buffer overflow")
		default:
			return seg, nil
		}
	}
}

// separation converts an ISO-TP STmin byte to a duration.
func separation(st byte) time.Duration {
	switch {
	case st <= 0x7F:
		return time.Duration(st) * time.Millisecond
	case st >= 0xF1 && st <= 0xF9:
		return time.Duration(st-0xF0) * 100 * time.Microsecond
	}
	return 0x7F * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
