package goscan_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/adapter/sim"
	"github.com/roffe/goscan/pkg/frame"
)

func quiet() *goscan.ClientConfig {
	return &goscan.ClientConfig{
		OnMessage: func(string) {},
		OnError:   func(error) {},
	}
}

func newClient(t *testing.T, p frame.Protocol) (*goscan.Client, *sim.Sim) {
	t.Helper()
	s := sim.New(sim.DefaultVehicle(p), &goscan.AdapterConfig{OnMessage: func(string) {}, OnError: func(error) {}})
	if err := s.Open(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	c := goscan.NewClient(s, quiet())
	if err := c.SetProtocol(p); err != nil {
		t.Fatal(err)
	}
	return c, s
}

func TestExchange(t *testing.T) {
	tests := []struct {
		name      string
		protocol  frame.Protocol
		req       goscan.Request
		wantFirst []byte
		wantCount int
	}{
		{
			name:      "physical CAN request",
			protocol:  frame.ISO15765CAN11,
			req:       goscan.Request{Target: 0x7E8, Payload: []byte{0x01, 0x0C}},
			wantFirst: []byte{0x41, 0x0C, 0x1A, 0xF8},
			wantCount: 1,
		},
		{
			name:      "functional CAN request collects every ECU",
			protocol:  frame.ISO15765CAN11,
			req:       goscan.Request{Target: frame.Broadcast, Payload: []byte{0x01, 0x0D}},
			wantFirst: []byte{0x41, 0x0D, 0x00},
			wantCount: 2,
		},
		{
			name:      "29-bit CAN",
			protocol:  frame.ISO15765CAN29,
			req:       goscan.Request{Target: 0x18DAF110, Payload: []byte{0x01, 0x05}},
			wantFirst: []byte{0x41, 0x05, 0x7B},
			wantCount: 1,
		},
		{
			name:      "J1850 VPW",
			protocol:  frame.J1850VPW,
			req:       goscan.Request{Target: frame.Broadcast, Payload: []byte{0x01, 0x0C}},
			wantFirst: []byte{0x41, 0x0C, 0x1A, 0xF8},
			wantCount: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newClient(t, tt.protocol)
			reply, err := c.Exchange(context.Background(), tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if len(reply.Messages) != tt.wantCount {
				t.Errorf("got %d messages, want %d", len(reply.Messages), tt.wantCount)
			}
			if got := reply.First().Payload; !bytes.Equal(got, tt.wantFirst) {
				t.Errorf("first payload = % X, want % X", got, tt.wantFirst)
			}
		})
	}
}

func TestExchangeMultiFrameResponse(t *testing.T) {
	c, s := newClient(t, frame.ISO15765CAN11)
	reply, err := c.Exchange(context.Background(), goscan.Request{Target: 0x7E8, Payload: []byte{0x09, 0x02}})
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte{0x49, 0x02, 0x01}, "WVWZZZ1JZXW000001"...)
	if got := reply.First().Payload; !bytes.Equal(got, want) {
		t.Fatalf("payload = % X, want % X", got, want)
	}
	sent := s.SentFrames()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want request and flow control", len(sent))
	}
	if fc := sent[1]; fc[0] != 0x07 || fc[1] != 0xE0 || fc[2] != 0x30 {
		t.Errorf("unexpected flow control frame % X", fc)
	}
}

func TestExchangeMultiFrameRequestAndResponsePending(t *testing.T) {
	c, s := newClient(t, frame.ISO15765CAN11)
	// routine control is refused while locked, after one response pending
	payload := []byte{0x31, 0x01, 0xFF, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	_, err := c.Exchange(context.Background(), goscan.Request{Target: 0x7E8, Payload: payload})
	nrc, ok := goscan.IsNegative(err)
	if !ok {
		t.Fatalf("expected negative response, got %v", err)
	}
	if nrc.Code != 0x33 || nrc.Service != 0x31 || nrc.Source != 0x7E8 {
		t.Errorf("unexpected negative response %+v", nrc)
	}
	// first frame + one consecutive frame
	if n := s.Frames(); n != 2 {
		t.Errorf("sent %d frames, want 2", n)
	}
}

func TestExchangeTimeoutRetries(t *testing.T) {
	tests := []struct {
		name        string
		protocol    frame.Protocol
		target      frame.Address
		wantFrames  int
		wantRetries uint64
	}{
		{"CAN does not retry", frame.ISO15765CAN11, 0x7E8, 1, 0},
		{"KWP retries twice", frame.ISO14230, 0x10, 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s := newClient(t, tt.protocol)
			s.SetMute(true)
			_, err := c.Exchange(context.Background(), goscan.Request{Target: tt.target, Payload: []byte{0x01, 0x0C}})
			if !goscan.IsTimeout(err) {
				t.Fatalf("expected timeout, got %v", err)
			}
			if _, ok := goscan.IsNegative(err); ok {
				t.Error("timeout reported as negative response")
			}
			if n := s.Frames(); n != tt.wantFrames {
				t.Errorf("sent %d frames, want %d", n, tt.wantFrames)
			}
			if r := c.Stats().Retries; r != tt.wantRetries {
				t.Errorf("retries = %d, want %d", r, tt.wantRetries)
			}
		})
	}
}

func TestKWPNegativeResponseNotRetried(t *testing.T) {
	c, s := newClient(t, frame.ISO14230)
	reply, err := c.Exchange(context.Background(), goscan.Request{Target: frame.Broadcast, Payload: []byte{0x81}})
	if err != nil {
		t.Fatal(err)
	}
	if got := reply.First().Payload; !bytes.Equal(got, []byte{0xC1, 0xEF, 0x8F}) {
		t.Fatalf("start communication = % X", got)
	}
	s.ResetFrames()
	_, err = c.Exchange(context.Background(), goscan.Request{Target: 0x10, Payload: []byte{0x27, 0x01}})
	nrc, ok := goscan.IsNegative(err)
	if !ok || nrc.Code != 0x7F {
		t.Fatalf("expected serviceNotSupportedInActiveSession, got %v", err)
	}
	if n := s.Frames(); n != 1 {
		t.Errorf("negative response retried, %d frames sent", n)
	}
}

func TestExchangeErrors(t *testing.T) {
	s := sim.New(sim.DefaultVehicle(frame.ISO15765CAN11), &goscan.AdapterConfig{OnMessage: func(string) {}, OnError: func(error) {}})
	c := goscan.NewClient(s, quiet())
	req := goscan.Request{Target: 0x7E8, Payload: []byte{0x01, 0x00}}

	_, err := c.Exchange(context.Background(), req)
	if !errors.Is(err, goscan.ErrChannelClosed) {
		t.Errorf("closed channel: got %v", err)
	}
	var te *goscan.TransportError
	if !errors.As(err, &te) {
		t.Errorf("closed channel is not a transport error: %v", err)
	}

	s.Open(context.Background(), "test")
	defer s.Close()
	if _, err := c.Exchange(context.Background(), req); !errors.Is(err, goscan.ErrNoProtocol) {
		t.Errorf("no protocol: got %v", err)
	}
	c.SetProtocol(frame.ISO15765CAN11)
	if _, err := c.Exchange(context.Background(), goscan.Request{Target: 0x7E8}); !errors.Is(err, goscan.ErrEmptyRequest) {
		t.Errorf("empty request: got %v", err)
	}
	s.SetFailure(errors.New("usb unplugged"))
	if _, err := c.Exchange(context.Background(), req); !errors.As(err, &te) {
		t.Errorf("send failure: got %v", err)
	}
	if s.Frames() != 1 {
		t.Errorf("frames = %d, want 1", s.Frames())
	}
}

func TestLockIsExclusive(t *testing.T) {
	c, s := newClient(t, frame.ISO15765CAN11)
	ticket, err := c.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Exchange(ctx, goscan.Request{Target: 0x7E8, Payload: []byte{0x01, 0x0C}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected lock wait to time out, got %v", err)
	}
	if s.Frames() != 0 {
		t.Error("request sent while the channel was held")
	}

	if _, err := ticket.Exchange(context.Background(), goscan.Request{Target: 0x7E8, Payload: []byte{0x01, 0x0C}}); err != nil {
		t.Fatal(err)
	}
	ticket.Release()
	ticket.Release()
	if _, err := ticket.Exchange(context.Background(), goscan.Request{Target: 0x7E8, Payload: []byte{0x01, 0x0C}}); !errors.Is(err, goscan.ErrTicketReleased) {
		t.Errorf("released ticket: got %v", err)
	}
	if _, err := c.Exchange(context.Background(), goscan.Request{Target: 0x7E8, Payload: []byte{0x01, 0x0C}}); err != nil {
		t.Errorf("exchange after release: %v", err)
	}
}
