// Package elm327 drives ELM327 compatible OBD-II interfaces over a serial
// port. The interface is run with headers on so every line it prints maps
// to one link frame.
package elm327

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/roffe/goscan"
	"github.com/roffe/goscan/adapter"
	"github.com/roffe/goscan/pkg/frame"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
)

func init() {
	if err := goscan.RegisterAdapter(&goscan.AdapterInfo{
		Name:               "ELM327",
		Description:        "ELM327 compatible OBD-II interface",
		RequiresSerialPort: true,
		Capabilities: goscan.AdapterCapabilities{
			CAN:   true,
			KLine: true,
			J1850: true,
		},
		New: New,
	}); err != nil {
		panic(err)
	}
}

// Baudrates are tried in order when the configured rate gets no answer.
var Baudrates = []int{38400, 115200, 230400, 285714, 500000, 1000000, 2000000, 9600}

var initCommands = []string{
	"ATE0",   // echo off
	"ATL0",   // no linefeeds
	"ATS0",   // no spaces
	"ATH1",   // headers on
	"ATCAF1", // adapter formats ISO-TP single frames
	"ATCFC1", // adapter answers flow control
	"ATST32", // 200ms response timeout
}

const (
	probeTimeout   = 500 * time.Millisecond
	commandTimeout = 2 * time.Second
	sendTimeout    = 5 * time.Second
	initTimeout    = 8 * time.Second
)

var (
	ErrNoInterface = errors.New("no ELM327 interface answered")
	ErrMultiFrame  = errors.New("multi frame requests are not supported by the interface")
)

// serialPort is the part of serial.Port the adapter uses.
type serialPort interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

var openPort = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

type ELM327 struct {
	*adapter.BaseChannel
	cfg *goscan.AdapterConfig

	port serialPort
	eg   *errgroup.Group
	stop context.CancelFunc

	// cmdMu serializes commands, the interface handles one at a time.
	cmdMu  sync.Mutex
	prompt chan struct{}

	mu       sync.Mutex
	pending  string
	replies  []string
	protocol frame.Protocol
	header   string
	priority string
	version  string
	baudrate int
}

func New(cfg *goscan.AdapterConfig) (goscan.Channel, error) {
	e := &ELM327{
		BaseChannel: adapter.NewBaseChannel("ELM327", cfg),
		prompt:      make(chan struct{}, 1),
	}
	e.cfg = e.Config()
	return e, nil
}

// Version is the identification string the interface reported.
func (e *ELM327) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Baudrate is the serial rate the interface answered on.
func (e *ELM327) Baudrate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baudrate
}

// Open connects to the interface on the configured port, deviceID is used
// when no port is configured.
func (e *ELM327) Open(ctx context.Context, deviceID string) error {
	if e.IsOpen() {
		return nil
	}
	name := e.cfg.Port
	if name == "" {
		name = deviceID
	}
	if name == "" {
		return errors.New("no serial port configured")
	}
	// release a port left behind by a lost link
	e.shutdown()

	mode := &serial.Mode{
		BaudRate: e.rates()[0],
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := openPort(name, mode)
	if err != nil {
		return fmt.Errorf("failed to open com port %q : %v", name, err)
	}
	p.SetReadTimeout(10 * time.Millisecond)
	p.ResetInputBuffer()
	e.mu.Lock()
	e.port = p
	e.mu.Unlock()

	rctx, cancel := context.WithCancel(context.Background())
	e.stop = cancel
	e.eg, rctx = errgroup.WithContext(rctx)
	e.eg.Go(func() error {
		return e.recvManager(rctx, p)
	})

	if err := e.detect(ctx, mode); err != nil {
		e.shutdown()
		return err
	}
	if _, err := e.command(ctx, "ATZ", commandTimeout); err != nil {
		e.shutdown()
		return err
	}
	for _, cmd := range initCommands {
		if _, err := e.command(ctx, cmd, commandTimeout); err != nil {
			e.shutdown()
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	e.mu.Lock()
	e.header, e.priority, e.protocol = "", "", frame.ProtocolUnknown
	e.mu.Unlock()
	e.SetOpen()
	e.cfg.OnMessage(fmt.Sprintf("%s on %s at %d baud", e.Version(), name, e.Baudrate()))
	return nil
}

func (e *ELM327) rates() []int {
	out := make([]int, 0, len(Baudrates)+1)
	if e.cfg.PortBaudrate > 0 {
		out = append(out, e.cfg.PortBaudrate)
	}
	for _, r := range Baudrates {
		if r != e.cfg.PortBaudrate {
			out = append(out, r)
		}
	}
	return out
}

// detect walks the baudrates until the interface identifies itself.
func (e *ELM327) detect(ctx context.Context, mode *serial.Mode) error {
	rates := e.rates()
	n := 0
	err := retry.Do(func() error {
		rate := rates[n]
		n++
		if rate != mode.BaudRate {
			mode.BaudRate = rate
			if err := e.port.SetMode(mode); err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to set baudrate %d: %w", rate, err))
			}
			e.port.ResetInputBuffer()
		}
		replies, err := e.command(ctx, "ATI", probeTimeout)
		if err != nil {
			return err
		}
		for _, r := range replies {
			if strings.Contains(r, "ELM327") {
				e.mu.Lock()
				e.version, e.baudrate = r, rate
				e.mu.Unlock()
				return nil
			}
		}
		return fmt.Errorf("unexpected identification %q", strings.Join(replies, " "))
	},
		retry.Context(ctx),
		retry.Attempts(uint(len(rates))),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			if e.cfg.Debug {
				e.cfg.OnMessage(fmt.Sprintf("baudrate %d: %v", rates[n], err))
			}
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrNoInterface, err)
	}
	return nil
}

// SelectProtocol switches the interface to p with ATSP.
func (e *ELM327) SelectProtocol(ctx context.Context, p frame.Protocol) error {
	n, err := protocolNumber(p)
	if err != nil {
		return err
	}
	if !e.IsOpen() {
		return goscan.ErrChannelClosed
	}
	if _, err := e.command(ctx, fmt.Sprintf("ATSP%d", n), commandTimeout); err != nil {
		return err
	}
	e.mu.Lock()
	e.protocol, e.header, e.priority = p, "", ""
	e.mu.Unlock()
	e.Flush()
	return nil
}

func protocolNumber(p frame.Protocol) (int, error) {
	switch p {
	case frame.J1850PWM:
		return 1, nil
	case frame.J1850VPW:
		return 2, nil
	case frame.ISO9141:
		return 3, nil
	case frame.ISO14230:
		return 5, nil
	case frame.ISO15765CAN11:
		return 6, nil
	case frame.ISO15765CAN29:
		return 7, nil
	}
	return 0, fmt.Errorf("protocol %s not supported by the interface", p)
}

// InitLink runs the K-Line wakeup on the interface and reads back the key
// bytes.
func (e *ELM327) InitLink(ctx context.Context, p frame.Protocol) ([]byte, error) {
	var cmd string
	switch p {
	case frame.ISO9141:
		cmd = "ATSI"
	case frame.ISO14230:
		cmd = "ATFI"
	default:
		return nil, fmt.Errorf("%s has no link initialization", p)
	}
	replies, err := e.command(ctx, cmd, initTimeout)
	if err != nil {
		return nil, err
	}
	for _, r := range replies {
		if strings.Contains(r, "ERROR") {
			return nil, fmt.Errorf("%s: %s", p, r)
		}
	}
	replies, err = e.command(ctx, "ATKW", commandTimeout)
	if err != nil {
		return nil, err
	}
	for _, r := range replies {
		if kb, err := parseKeyBytes(r); err == nil {
			return kb, nil
		}
	}
	return nil, fmt.Errorf("no key bytes in %q", strings.Join(replies, " "))
}

// parseKeyBytes reads the ATKW reply "1:EF 2:8F".
func parseKeyBytes(line string) ([]byte, error) {
	s := strings.ReplaceAll(line, " ", "")
	if len(s) != 8 || s[:2] != "1:" || s[4:6] != "2:" {
		return nil, fmt.Errorf("invalid key bytes %q", line)
	}
	kb, err := hex.DecodeString(s[2:4] + s[6:8])
	if err != nil {
		return nil, fmt.Errorf("invalid key bytes %q: %w", line, err)
	}
	return kb, nil
}

// Send transmits one link frame. The interface builds the header and
// checksum itself so they are converted to ATSH settings.
func (e *ELM327) Send(ctx context.Context, data []byte) error {
	if !e.IsOpen() {
		return goscan.ErrChannelClosed
	}
	e.mu.Lock()
	p := e.protocol
	e.mu.Unlock()

	out, err := encode(p, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if out.priority != "" {
		if err := e.setPriority(ctx, out.priority); err != nil {
			return err
		}
	}
	if err := e.setHeader(ctx, out.header); err != nil {
		return err
	}
	replies, err := e.command(ctx, out.data, sendTimeout)
	if err != nil {
		return err
	}
	for _, r := range replies {
		if r == "?" {
			return fmt.Errorf("interface rejected %q", out.data)
		}
		if e.cfg.Debug {
			e.cfg.OnMessage(r)
		}
	}
	return nil
}

func (e *ELM327) setHeader(ctx context.Context, header string) error {
	e.mu.Lock()
	same := e.header == header
	e.mu.Unlock()
	if same {
		return nil
	}
	if _, err := e.command(ctx, "ATSH"+header, commandTimeout); err != nil {
		return err
	}
	e.mu.Lock()
	e.header = header
	e.mu.Unlock()
	return nil
}

func (e *ELM327) setPriority(ctx context.Context, priority string) error {
	e.mu.Lock()
	same := e.priority == priority
	e.mu.Unlock()
	if same {
		return nil
	}
	if _, err := e.command(ctx, "ATCP"+priority, commandTimeout); err != nil {
		return err
	}
	e.mu.Lock()
	e.priority = priority
	e.mu.Unlock()
	return nil
}

type request struct {
	priority string
	header   string
	data     string
}

// encode converts a link frame to the header and data the interface wants.
// A nil request means there is nothing to transmit.
func encode(p frame.Protocol, wire []byte) (*request, error) {
	switch {
	case p.IsCAN():
		n := 2
		if p == frame.ISO15765CAN29 {
			n = 4
		}
		if len(wire) < n+1 {
			return nil, fmt.Errorf("short CAN frame: % X", wire)
		}
		seg, err := frame.ParseSegment(wire[n:])
		if err != nil {
			return nil, err
		}
		switch seg.Type {
		case frame.FlowControlFrame:
			// answered by the interface
			return nil, nil
		case frame.SingleFrame:
		default:
			return nil, ErrMultiFrame
		}
		req := &request{data: strings.ToUpper(hex.EncodeToString(seg.Data))}
		if p == frame.ISO15765CAN29 {
			id := binary.BigEndian.Uint32(wire)
			req.priority = fmt.Sprintf("%02X", byte(id>>24))
			req.header = fmt.Sprintf("%06X", id&0xFFFFFF)
		} else {
			req.header = fmt.Sprintf("%03X", binary.BigEndian.Uint16(wire))
		}
		return req, nil
	case p.IsKLine() || p.IsJ1850():
		if len(wire) < 5 {
			return nil, fmt.Errorf("short %s frame: % X", p, wire)
		}
		hdr := []byte{wire[0], wire[1], wire[2]}
		body := wire[3 : len(wire)-1]
		if p == frame.ISO14230 {
			if wire[0]&0x3F == 0 {
				return nil, ErrMultiFrame
			}
			// length bits are filled in by the interface
			hdr[0] = wire[0]&0xC0 | 0x01
		}
		return &request{
			header: strings.ToUpper(hex.EncodeToString(hdr)),
			data:   strings.ToUpper(hex.EncodeToString(body)),
		}, nil
	}
	return nil, goscan.ErrNoProtocol
}

// decodeLine turns a line printed with headers on back into a link frame.
func decodeLine(p frame.Protocol, line string) ([]byte, bool) {
	if len(line) < 2 || !isHex(line) {
		return nil, false
	}
	switch p {
	case frame.ISO15765CAN11:
		if len(line)%2 != 1 || len(line) < 5 {
			return nil, false
		}
		data, err := hex.DecodeString("0" + line)
		if err != nil {
			return nil, false
		}
		return data, true
	case frame.ISO15765CAN29:
		if len(line)%2 != 0 || len(line) < 10 {
			return nil, false
		}
	case frame.ProtocolUnknown:
		return nil, false
	default:
		if len(line)%2 != 0 || len(line) < 10 {
			return nil, false
		}
	}
	data, err := hex.DecodeString(line)
	if err != nil {
		return nil, false
	}
	return data, true
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'F', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// command writes one line and waits for the prompt. It returns the lines
// printed that were not link frames.
func (e *ELM327) command(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	select {
	case <-e.prompt:
	default:
	}
	e.mu.Lock()
	e.pending, e.replies = cmd, nil
	port := e.port
	e.mu.Unlock()
	if port == nil {
		return nil, goscan.ErrChannelClosed
	}

	if e.cfg.Debug {
		log.Println("<o> " + cmd)
	}
	if _, err := port.Write([]byte(cmd + "\r")); err != nil {
		return nil, fmt.Errorf("failed to write to com port: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.prompt:
	case <-timer.C:
		return nil, fmt.Errorf("no prompt after %q", cmd)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.replies
	e.pending, e.replies = "", nil
	for _, r := range out {
		if r == "?" && strings.HasPrefix(cmd, "AT") {
			return out, fmt.Errorf("interface rejected %q", cmd)
		}
	}
	return out, nil
}

func (e *ELM327) recvManager(ctx context.Context, port serialPort) error {
	buf := make([]byte, 0, 256)
	readBuf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := port.Read(readBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = fmt.Errorf("failed to read com port: %w", err)
			e.cfg.OnError(err)
			port.Close()
			e.BaseChannel.Close()
			return err
		}
		for _, b := range readBuf[:n] {
			switch b {
			case '\r', '\n':
				if len(buf) > 0 {
					e.handleLine(string(buf))
					buf = buf[:0]
				}
			case '>':
				if len(buf) > 0 {
					e.handleLine(string(buf))
					buf = buf[:0]
				}
				select {
				case e.prompt <- struct{}{}:
				default:
				}
			case 0:
				// some clones pad with NUL
			default:
				buf = append(buf, b)
			}
		}
	}
	return nil
}

func (e *ELM327) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if e.cfg.Debug {
		log.Println("<i> " + line)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if line == e.pending {
		// echo
		return
	}
	if data, ok := decodeLine(e.protocol, line); ok {
		e.Deliver(data)
		return
	}
	e.replies = append(e.replies, line)
}

func (e *ELM327) shutdown() {
	if e.stop != nil {
		e.stop()
	}
	e.mu.Lock()
	port := e.port
	e.port = nil
	e.mu.Unlock()
	if port != nil {
		port.Close()
	}
	if e.eg != nil {
		e.eg.Wait()
	}
	e.stop, e.eg = nil, nil
}

// Close resets the interface when the link is up and always releases the
// serial port.
func (e *ELM327) Close() error {
	if e.IsOpen() {
		e.BaseChannel.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		e.command(ctx, "ATZ", 500*time.Millisecond)
	}
	e.shutdown()
	return nil
}
