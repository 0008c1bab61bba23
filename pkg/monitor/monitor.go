// Package monitor streams the updates of a diagnostic session to WebSocket
// clients. It only observes the session and never talks to the vehicle.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/pid"
	"github.com/roffe/goscan/pkg/scanner"
	"golang.org/x/sync/errgroup"
)

const (
	subscriberBuffer = 256
	clientBuffer     = 64
)

type Server struct {
	sess *scanner.DiagnosticSession
	addr string

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	// stopped is set once Serve stops forwarding updates.
	stopped bool

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the JSON sent for every session update.
type Message struct {
	Kind    string     `json:"kind"`
	State   *StateData `json:"state,omitempty"`
	Session string     `json:"session,omitempty"`
	DTCs    []DTCData  `json:"dtcs,omitempty"`
	Value   *ValueData `json:"value,omitempty"`
	Event   *EventData `json:"event,omitempty"`
	// Snapshot is only set on the first message of a connection.
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Stamp    int64     `json:"stamp"` // Unix ms
}

type StateData struct {
	Name     string `json:"name"`
	Text     string `json:"text"`
	Protocol string `json:"protocol,omitempty"`
}

type DTCData struct {
	Code     string `json:"code"`
	Status   string `json:"status"`
	ECU      string `json:"ecu,omitempty"`
	Severity string `json:"severity,omitempty"`
	System   string `json:"system,omitempty"`
}

type ValueData struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	Value   *float64 `json:"value,omitempty"`
	Unit    string   `json:"unit,omitempty"`
	Display string   `json:"display"`
}

type EventData struct {
	Type    string `json:"type"`
	Details string `json:"details"`
}

// Snapshot is the current session as served on /api/state.
type Snapshot struct {
	State    StateData   `json:"state"`
	Session  string      `json:"session"`
	DTCs     []DTCData   `json:"dtcs"`
	Live     []ValueData `json:"live"`
	Security string      `json:"security,omitempty"`
}

func New(sess *scanner.DiagnosticSession, addr string) *Server {
	return &Server{
		sess:    sess,
		addr:    addr,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/state", s.handleState)
	return mux
}

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve forwards session updates to the connected clients and serves HTTP
// on l until ctx is done or the session is closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	sub := s.sess.Subscribe(subscriberBuffer)
	defer sub.Close()
	s.clientsMu.Lock()
	s.stopped = false
	s.clientsMu.Unlock()

	srv := &http.Server{Handler: s.Handler()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer s.closeClients()
		for {
			select {
			case <-gctx.Done():
				return nil
			case u, ok := <-sub.Chan():
				if !ok {
					return nil
				}
				s.broadcast(s.message(u))
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	log.Printf("monitor listening on %s", l.Addr())
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.isStopped() {
		http.Error(w, "monitor stopped", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	snap := s.snapshot()
	if data, err := json.Marshal(Message{Kind: "snapshot", Snapshot: &snap, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	if s.stopped {
		s.clientsMu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("ws client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.remove(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) remove(client *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	n := len(s.clients)
	s.clientsMu.Unlock()
	if ok {
		close(client.send)
		log.Printf("ws client disconnected (%d total)", n)
	}
}

func (s *Server) isStopped() bool {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return s.stopped
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.stopped = true
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("marshal %s update: %v", m.Kind, err)
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, skip
		}
	}
}

func (s *Server) message(u scanner.Update) Message {
	m := Message{Kind: u.Kind.String(), Stamp: u.Time.UnixMilli()}
	switch u.Kind {
	case scanner.StateChanged:
		st := stateData(u.State)
		m.State = &st
	case scanner.SessionChanged:
		m.Session = u.Session.String()
	case scanner.DTCsChanged:
		m.DTCs = s.dtcData(u.DTCs)
	case scanner.LiveValue:
		if u.Value != nil {
			v := valueData(*u.Value)
			m.Value = &v
		}
	case scanner.EventPublished:
		if u.Event != nil {
			m.Event = &EventData{Type: u.Event.Type.String(), Details: u.Event.Details}
		}
	}
	return m
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{
		State:   stateData(s.sess.State()),
		Session: s.sess.SessionType().String(),
		DTCs:    s.dtcData(s.sess.DTCs()),
		Live:    []ValueData{},
	}
	for _, v := range s.sess.LiveValues() {
		snap.Live = append(snap.Live, valueData(v))
	}
	if cur := s.sess.Security().Current(); cur != nil && cur.Granted {
		snap.Security = cur.String()
	}
	return snap
}

func stateData(st scanner.State) StateData {
	out := StateData{Name: st.Name(), Text: st.String()}
	if c, ok := st.(scanner.Connected); ok {
		out.Protocol = c.Protocol.ID()
	}
	return out
}

func (s *Server) dtcData(codes []dtc.DTC) []DTCData {
	out := make([]DTCData, 0, len(codes))
	for _, d := range codes {
		dd := DTCData{Code: d.Code, Status: d.Status.String()}
		if d.ECU != nil {
			dd.ECU = d.ECU.String()
		}
		if c, err := s.sess.Classify(d.Code); err == nil {
			dd.Severity = c.Severity.String()
			dd.System = c.System
		}
		out = append(out, dd)
	}
	return out
}

func valueData(v pid.Value) ValueData {
	out := ValueData{Key: v.Key(), Name: v.Name(), Unit: v.Unit(), Display: v.Display()}
	if f, ok := v.Float(); ok {
		out.Value = &f
	}
	return out
}
