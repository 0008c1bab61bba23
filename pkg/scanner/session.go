// Package scanner is the diagnostic session a UI drives: connection state,
// trouble codes, live data, security access and routine control on top of
// one goscan.Client.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/decode"
	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/negotiate"
	"github.com/roffe/goscan/pkg/pid"
	"github.com/roffe/goscan/pkg/security"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLiveInterval          = 250 * time.Millisecond
	DefaultLiveTTL               = 5 * time.Second
	DefaultFailureThreshold      = 3
	DefaultTesterPresentInterval = 2 * time.Second
	DefaultSecurityFamily        = "xor"
)

var (
	DefaultLivePIDs   = []byte{0x0C, 0x0D, 0x05, 0x04, 0x11, 0x0F, 0x0B, 0x10}
	DefaultFreezePIDs = []byte{0x04, 0x05, 0x0C, 0x0D}
)

var (
	ErrNoData        = errors.New("no data")
	ErrNoFreezeFrame = errors.New("no freeze frame stored")
)

type Config struct {
	// Protocol pins negotiation to one protocol, ProtocolUnknown tries
	// Priority (or frame.DefaultPriority) in order.
	Protocol frame.Protocol
	Priority []frame.Protocol
	Client   *goscan.ClientConfig
	// Target is the physical ECU for session, security and routine
	// services. Zero picks the lowest address that answered negotiation.
	Target frame.Address

	LivePIDs     []byte
	LiveInterval time.Duration
	// LiveTTL is how long a polled value stays visible without a refresh.
	LiveTTL    time.Duration
	FreezePIDs []byte

	// FailureThreshold is the number of consecutive timeouts or transport
	// errors that put a connected session in the error state.
	FailureThreshold      int
	TesterPresentInterval time.Duration

	Security security.Config
	Strategy security.KeyDerivationStrategy
	Routines *RoutineTable
	Severity *dtc.SeverityTable

	OnProgress func(p frame.Protocol, n, total int)
	OnMessage  func(string)
	OnError    func(error)
}

// DiagnosticSession owns the link to one vehicle. Every operation takes the
// channel ticket of its Client, so at most one exchange is on the wire.
type DiagnosticSession struct {
	ch         goscan.Channel
	cfg        *Config
	client     *goscan.Client
	engine     *security.Engine
	classifier *dtc.Classifier
	obs        observers

	mu         sync.RWMutex
	state      State
	session    SessionType
	pinned     frame.Protocol
	device     string
	result     *negotiate.Result
	target     frame.Address
	failures   int
	dtcs       dtc.List
	supported  []byte
	connCtx    context.Context
	connCancel context.CancelFunc

	live      *ttlcache.Cache[string, pid.Value]
	liveMu    sync.Mutex
	liveOrder []string

	taskMu        sync.Mutex
	poller        *task
	keepAliveTask *task
}

func New(ch goscan.Channel, cfg *Config) *DiagnosticSession {
	if cfg == nil {
		cfg = &Config{}
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
	if cfg.Client == nil {
		cfg.Client = &goscan.ClientConfig{}
	}
	if cfg.Client.OnMessage == nil {
		cfg.Client.OnMessage = cfg.OnMessage
	}
	if cfg.Client.OnError == nil {
		cfg.Client.OnError = cfg.OnError
	}
	if len(cfg.LivePIDs) == 0 {
		cfg.LivePIDs = DefaultLivePIDs
	}
	if cfg.LiveInterval <= 0 {
		cfg.LiveInterval = DefaultLiveInterval
	}
	if cfg.LiveTTL <= 0 {
		cfg.LiveTTL = DefaultLiveTTL
	}
	if len(cfg.FreezePIDs) == 0 {
		cfg.FreezePIDs = DefaultFreezePIDs
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.TesterPresentInterval <= 0 {
		cfg.TesterPresentInterval = DefaultTesterPresentInterval
	}
	if cfg.Routines == nil {
		cfg.Routines = DefaultRoutineTable()
	}
	if cfg.Security.OnMessage == nil {
		cfg.Security.OnMessage = cfg.OnMessage
	}
	if cfg.Strategy == nil {
		cfg.Strategy, _ = security.DefaultRegistry.Lookup(DefaultSecurityFamily)
	}
	return &DiagnosticSession{
		ch:         ch,
		cfg:        cfg,
		client:     goscan.NewClient(ch, cfg.Client),
		engine:     security.NewEngine(cfg.Strategy, cfg.Security),
		classifier: dtc.NewClassifier(cfg.Severity),
		state:      Disconnected{},
		pinned:     cfg.Protocol,
		live:       ttlcache.New[string, pid.Value](ttlcache.WithTTL[string, pid.Value](cfg.LiveTTL)),
	}
}

func (s *DiagnosticSession) Client() *goscan.Client {
	return s.client
}

func (s *DiagnosticSession) Security() *security.Engine {
	return s.engine
}

func (s *DiagnosticSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *DiagnosticSession) SessionType() SessionType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *DiagnosticSession) Target() frame.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// Negotiated is the handshake result of the current connection, nil when
// not connected.
func (s *DiagnosticSession) Negotiated() *negotiate.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Subscribe registers an observer. Close it when done.
func (s *DiagnosticSession) Subscribe(buffer int) *Subscriber {
	return s.obs.register(buffer)
}

// Close disconnects and closes every subscriber.
func (s *DiagnosticSession) Close() error {
	if _, ok := s.State().(Disconnected); !ok {
		if err := s.Disconnect(); err != nil {
			return err
		}
	}
	s.obs.closeAll()
	return nil
}

// setState performs one transition, apply runs under the session lock
// when the transition is allowed.
func (s *DiagnosticSession) setState(to State, apply func()) error {
	s.mu.Lock()
	from := s.state
	if !allowed(from, to) {
		s.mu.Unlock()
		return &goscan.StateError{Op: "transition to " + to.Name(), State: from.Name()}
	}
	s.state = to
	if apply != nil {
		apply()
	}
	s.mu.Unlock()
	s.cfg.OnMessage(fmt.Sprintf("%s -> %s", from, to))
	s.obs.publish(Update{Kind: StateChanged, State: to})
	return nil
}

func (s *DiagnosticSession) event(t goscan.EventType, format string, args ...any) {
	e := goscan.NewEvent(t, format, args...)
	if t == goscan.EventTypeError {
		s.cfg.OnError(errors.New(e.Details))
	} else {
		s.cfg.OnMessage(e.String())
	}
	s.obs.publish(Update{Kind: EventPublished, Time: e.Time, Event: &e})
}

// Connect opens the adapter and negotiates a protocol. A failure passes
// through the error state back to Disconnected.
func (s *DiagnosticSession) Connect(ctx context.Context, deviceID string) error {
	var conn context.Context
	if err := s.setState(Connecting{AdapterID: deviceID}, func() {
		s.connCtx, s.connCancel = context.WithCancel(context.Background())
		conn = s.connCtx
		s.dtcs.Clear(false)
		s.supported = nil
	}); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(conn, cancel)
	defer stop()

	res, err := s.connect(ctx, deviceID)
	if err != nil {
		s.teardown()
		s.setState(Failed{Message: "unable to connect", Cause: err}, nil)
		s.setState(Disconnected{}, nil)
		return err
	}
	return s.setState(Connected{Device: s.ch.Name() + " " + deviceID, Protocol: res.Protocol}, func() {
		s.device = deviceID
		s.result = res
		s.target = s.pickTarget(res)
		s.session = DefaultSession
		s.failures = 0
	})
}

func (s *DiagnosticSession) connect(ctx context.Context, deviceID string) (*negotiate.Result, error) {
	if err := s.ch.Open(ctx, deviceID); err != nil {
		return nil, &goscan.TransportError{Op: "open", Err: err}
	}
	s.mu.RLock()
	pinned := s.pinned
	s.mu.RUnlock()
	return negotiate.Negotiate(ctx, s.client, negotiate.Options{
		Pinned:     pinned,
		Priority:   s.cfg.Priority,
		OnProgress: s.cfg.OnProgress,
		OnMessage:  s.cfg.OnMessage,
	})
}

func (s *DiagnosticSession) pickTarget(res *negotiate.Result) frame.Address {
	if s.cfg.Target != 0 {
		return s.cfg.Target
	}
	if len(res.Responders) > 0 {
		responders := append([]frame.Address(nil), res.Responders...)
		sort.Slice(responders, func(i, j int) bool { return responders[i] < responders[j] })
		return responders[0]
	}
	switch res.Protocol {
	case frame.ISO15765CAN11:
		return 0x7E8
	case frame.ISO15765CAN29:
		return 0x18DAF110
	}
	return 0x10
}

// Disconnect stops polling, aborts any outstanding operation and closes
// the adapter.
func (s *DiagnosticSession) Disconnect() error {
	if st, ok := s.State().(Disconnected); ok {
		return &goscan.StateError{Op: "disconnect", State: st.Name()}
	}
	s.teardown()
	if err := s.setState(Disconnected{}, nil); err != nil {
		if _, ok := s.State().(Disconnected); ok {
			return nil
		}
		return err
	}
	return nil
}

// Reset leaves the error state.
func (s *DiagnosticSession) Reset() error {
	st := s.State()
	if _, ok := st.(Failed); !ok {
		return &goscan.StateError{Op: "reset", State: st.Name(), Reason: "only the error state is reset"}
	}
	s.teardown()
	return s.setState(Disconnected{}, nil)
}

// SetProtocol pins the protocol used by the next negotiation, "auto"
// clears the pin. A connected session is torn down and connected again.
func (s *DiagnosticSession) SetProtocol(ctx context.Context, id string) error {
	p := frame.ProtocolUnknown
	if id != "" && !strings.EqualFold(id, "auto") {
		var err error
		if p, err = frame.ParseProtocol(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.pinned = p
	st, device := s.state, s.device
	s.mu.Unlock()
	switch st.(type) {
	case Disconnected:
		return nil
	case Connected:
	default:
		return &goscan.StateError{Op: "set protocol", State: st.Name()}
	}
	if err := s.Disconnect(); err != nil {
		return err
	}
	return s.Connect(ctx, device)
}

func (s *DiagnosticSession) teardown() {
	s.mu.Lock()
	cancel := s.connCancel
	s.connCancel = nil
	s.session = DefaultSession
	s.result = nil
	s.failures = 0
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.stopTasks()
	s.engine.Invalidate()
	s.client.ClearProtocol()
	if err := s.ch.Close(); err != nil {
		s.cfg.OnError(fmt.Errorf("close %s: %w", s.ch.Name(), err))
	}
	s.live.DeleteAll()
}

// escalate moves a connected session to the error state. It never waits
// for the background tasks since it may run on one of them.
func (s *DiagnosticSession) escalate(cause error) {
	var cancel context.CancelFunc
	if err := s.setState(Failed{Message: "link lost", Cause: cause}, func() {
		cancel = s.connCancel
		s.connCancel = nil
		s.session = DefaultSession
	}); err != nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	// security is invalidated by the teardown of Reset or Disconnect, the
	// engine may be locked by the access request that failed
	s.client.ClearProtocol()
	s.ch.Close()
	s.event(goscan.EventTypeError, "%v", cause)
}

// track counts consecutive link failures. Negative responses prove the
// link works, cancellations say nothing about it.
func (s *DiagnosticSession) track(err error) {
	var te *goscan.TransportError
	switch {
	case err == nil:
	case goscan.IsTimeout(err) || errors.As(err, &te):
	default:
		if _, ok := goscan.IsNegative(err); ok {
			s.mu.Lock()
			s.failures = 0
			s.mu.Unlock()
		}
		return
	}
	s.mu.Lock()
	if err == nil {
		s.failures = 0
		s.mu.Unlock()
		return
	}
	if _, ok := s.state.(Connected); !ok {
		s.mu.Unlock()
		return
	}
	s.failures++
	n := s.failures
	s.mu.Unlock()
	if n >= s.cfg.FailureThreshold {
		s.escalate(fmt.Errorf("%d consecutive failures: %w", n, err))
		return
	}
	s.event(goscan.EventTypeWarning, "%v (%d/%d)", err, n, s.cfg.FailureThreshold)
}

// link returns the connected state and the context cancelled when the
// connection ends.
func (s *DiagnosticSession) link(op string) (Connected, context.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.(Connected)
	if !ok || s.connCtx == nil {
		return Connected{}, nil, &goscan.StateError{Op: op, State: s.state.Name()}
	}
	return c, s.connCtx, nil
}

// withTicket runs fn holding the channel. Ending the connection cancels
// fn and releases the channel.
func (s *DiagnosticSession) withTicket(ctx context.Context, op string, fn func(ctx context.Context, t *goscan.Ticket, c Connected) error) error {
	c, conn, err := s.link(op)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(conn, cancel)
	defer stop()

	t, err := s.client.Lock(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer t.Release()
	if err := fn(ctx, t, c); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *DiagnosticSession) do(ctx context.Context, t *goscan.Ticket, req goscan.Request) (*goscan.Reply, error) {
	reply, err := t.Exchange(ctx, req)
	s.track(err)
	return reply, err
}

// decodeAll decodes every message of reply. Messages that fail to decode
// are reported and dropped.
func (s *DiagnosticSession) decodeAll(p frame.Protocol, req []byte, reply *goscan.Reply) []decode.Response {
	if reply == nil {
		return nil
	}
	var out []decode.Response
	for _, m := range reply.Messages {
		r, err := decode.Decode(m, decode.Context{Protocol: p, Request: req})
		if err != nil {
			s.event(goscan.EventTypeWarning, "discarded response from %s: %v", m.Source, err)
			continue
		}
		out = append(out, r)
	}
	return out
}

type task struct {
	cancel context.CancelFunc
	g      *errgroup.Group
}

func startTask(parent context.Context, fn func(ctx context.Context)) *task {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fn(gctx)
		return nil
	})
	return &task{cancel: cancel, g: g}
}

// stop cancels the task and waits for it to return.
func (t *task) stop() {
	if t == nil {
		return
	}
	t.cancel()
	t.g.Wait()
}

func (s *DiagnosticSession) stopTasks() {
	s.taskMu.Lock()
	poller, keepAlive := s.poller, s.keepAliveTask
	s.poller, s.keepAliveTask = nil, nil
	s.taskMu.Unlock()
	poller.stop()
	keepAlive.stop()
}
