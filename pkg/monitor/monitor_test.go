package monitor_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roffe/goscan"
	"github.com/roffe/goscan/adapter/sim"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/roffe/goscan/pkg/monitor"
	"github.com/roffe/goscan/pkg/scanner"
)

func newSession(t *testing.T) (*scanner.DiagnosticSession, *sim.Sim) {
	t.Helper()
	ch := sim.New(sim.DefaultVehicle(frame.ISO15765CAN11), &goscan.AdapterConfig{OnMessage: func(string) {}, OnError: func(error) {}})
	s := scanner.New(ch, &scanner.Config{
		Protocol:  frame.ISO15765CAN11,
		OnMessage: func(string) {},
		OnError:   func(error) {},
	})
	t.Cleanup(func() { s.Close() })
	return s, ch
}

func serve(t *testing.T, s *scanner.DiagnosticSession) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.New(s, "").Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return l.Addr().String()
}

func read(t *testing.T, conn *websocket.Conn) monitor.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m monitor.Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestStream(t *testing.T) {
	s, ch := newSession(t)
	addr := serve(t, s)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	first := read(t, conn)
	if first.Kind != "snapshot" || first.Snapshot == nil || first.Snapshot.State.Name != "Disconnected" {
		t.Fatalf("first message = %+v", first)
	}

	ch.ResetFrames()
	if err := s.Connect(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadAllDTCs(context.Background()); err != nil {
		t.Fatal(err)
	}

	var gotConnected bool
	var dtcs []monitor.DTCData
	for dtcs == nil {
		m := read(t, conn)
		switch m.Kind {
		case "state":
			if m.State.Name == "Connected" {
				gotConnected = true
				if m.State.Protocol != "can11" {
					t.Errorf("protocol = %q", m.State.Protocol)
				}
			}
		case "dtcs":
			if len(m.DTCs) > 0 {
				dtcs = m.DTCs
			}
		}
	}
	if !gotConnected {
		t.Error("no Connected state before the DTC update")
	}
	for _, d := range dtcs {
		if d.Code == "P0301" && d.Severity != "critical" {
			t.Errorf("P0301 severity = %q", d.Severity)
		}
	}

	// the monitor only observes
	sent := ch.Frames()
	time.Sleep(50 * time.Millisecond)
	if ch.Frames() != sent {
		t.Errorf("%d frames sent by the monitor", ch.Frames()-sent)
	}
}

func TestStateEndpoint(t *testing.T) {
	s, _ := newSession(t)
	if err := s.Connect(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadAllDTCs(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(monitor.New(s, "").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %s", resp.Status)
	}
	var snap monitor.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.State.Name != "Connected" || snap.Session != "Default" {
		t.Errorf("state = %+v, session = %q", snap.State, snap.Session)
	}
	if len(snap.DTCs) != 5 {
		t.Errorf("dtcs = %v", snap.DTCs)
	}

	post, err := http.Post(srv.URL+"/api/state", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %s", post.Status)
	}
}

func TestRejectsClientsAfterStop(t *testing.T) {
	s, _ := newSession(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	m := monitor.New(s, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, l) }()

	addr := l.Addr().String()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	read(t, conn)

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// stopping closes the clients that were connected
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+srv.URL[len("http"):]+"/ws", nil)
	if err == nil {
		t.Fatal("client accepted after the monitor stopped")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %+v", resp)
	}
}
