package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/broker"
	"github.com/taskmesh/delegator/internal/config"
	"github.com/taskmesh/delegator/internal/store"
)

func newTestServer() (*Server, *agent.Registry, *httptest.Server) {
	reg := agent.NewRegistry(15 * time.Second)
	b := broker.New(store.NewMemStore(""), nil)
	s := NewServer(reg, b, config.WebSocket{PingInterval: config.Duration(time.Minute)}, nil)
	ts := httptest.NewServer(s.Handler())
	return s, reg, ts
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v (resp=%v)", err, resp)
	}
	return ws
}

func TestHandshakeRejectsEmptyToken(t *testing.T) {
	_, _, ts := newTestServer()
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestRegisterTransitionsConnectionAndRegistersAgent(t *testing.T) {
	s, reg, ts := newTestServer()
	defer ts.Close()

	ws := dial(t, ts, "worker-token")
	defer ws.Close()

	env := broker.NewEnvelope("m1", broker.MessageAgentRegister, "agent-1", broker.RegisterPayload{
		Name:               "agent-1",
		Capabilities:       []string{"x"},
		MaxConcurrentTasks: 3,
	})
	if err := ws.WriteJSON(env); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Get("agent-1") != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	a := reg.Get("agent-1")
	if a == nil {
		t.Fatal("expected agent-1 to be registered")
	}
	if !a.HasCapability("x") || a.MaxConcurrentTasks != 3 {
		t.Errorf("unexpected agent record: %+v", a)
	}
	if s.ConnectionCount() != 1 {
		t.Errorf("expected one open connection, got %d", s.ConnectionCount())
	}
}

func TestUnregisteredConnectionRejectsNonRegisterMessage(t *testing.T) {
	_, _, ts := newTestServer()
	defer ts.Close()

	ws := dial(t, ts, "worker-token")
	defer ws.Close()

	env := broker.NewEnvelope("m1", broker.MessageAgentHeartbeat, "agent-1", broker.HeartbeatPayload{Status: "available"})
	if err := ws.WriteJSON(env); err != nil {
		t.Fatal(err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error frame, got read error: %v", err)
	}

	var got broker.Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != broker.MessageError {
		t.Fatalf("expected an Error envelope, got %s", got.Type)
	}
}

func TestDisconnectMarksAgentOffline(t *testing.T) {
	_, reg, ts := newTestServer()
	defer ts.Close()

	ws := dial(t, ts, "worker-token")

	env := broker.NewEnvelope("m1", broker.MessageAgentRegister, "agent-1", broker.RegisterPayload{
		Name: "agent-1", MaxConcurrentTasks: 1,
	})
	_ = ws.WriteJSON(env)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && reg.Get("agent-1") == nil {
		time.Sleep(10 * time.Millisecond)
	}

	ws.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := reg.Get("agent-1"); a != nil && a.Status == agent.StatusOffline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected agent-1 to be marked offline after disconnect")
}
