// Package transport implements the Transport Server (C2): it accepts
// long-lived WebSocket connections from worker agents, authenticates
// the handshake, runs the per-connection state machine, and is the
// only component that speaks the wire protocol.
package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/broker"
	"github.com/taskmesh/delegator/internal/config"
)

// ConnBufferSize is the buffer size for a connection's outbound send
// channel, the same burst-absorbing role the teacher gives its hub's
// client send channels.
const ConnBufferSize = 256

// State is a connection's position in §4.2's state machine.
type State string

const (
	StateAccepted   State = "accepted"
	StateOpen       State = "open"
	StateRegistered State = "registered"
	StateClosed     State = "closed"
)

const (
	ErrAuthRequired       = "AuthRequired"
	ErrInvalidMessage     = "InvalidMessage"
	ErrMessageProcessing  = "MessageProcessingError"
	ErrAgentNotRegistered = "AgentNotRegistered"
)

// Authenticator validates a bearer token pulled from the handshake and
// returns the authenticated userId. The actual auth service is out of
// scope; DefaultAuthenticator treats any non-empty token as valid.
type Authenticator func(token string) (userID string, ok bool)

// DefaultAuthenticator accepts any non-empty bearer token.
func DefaultAuthenticator(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	return token, true
}

// Event is a non-lifecycle envelope (anything other than
// AgentRegister/AgentHeartbeat/TaskResponse) forwarded to whoever
// subscribes, typically the facade.
type Event struct {
	ConnID   string
	AgentID  string
	Envelope broker.Envelope
}

// Conn is one accepted WebSocket connection.
type Conn struct {
	id    string
	ws    *websocket.Conn
	send  chan []byte
	state State

	mu      sync.Mutex
	agentID string
}

func (c *Conn) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) getAgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Server is the connection table plus the inline handling of
// registration, heartbeat, and task-response envelopes.
type Server struct {
	cfg  config.WebSocket
	auth Authenticator

	registry *agent.Registry
	broker   *broker.Broker

	mu      sync.RWMutex
	conns   map[string]*Conn
	byAgent map[string]string // agentID -> connID

	nextID int64

	eventMu  sync.Mutex
	eventSub []chan Event

	upgrader websocket.Upgrader
}

// NewServer creates a Transport Server bound to reg/b. auth defaults
// to DefaultAuthenticator if nil.
func NewServer(reg *agent.Registry, b *broker.Broker, cfg config.WebSocket, auth Authenticator) *Server {
	if auth == nil {
		auth = DefaultAuthenticator
	}
	return &Server{
		cfg:      cfg,
		auth:     auth,
		registry: reg,
		broker:   b,
		conns:    make(map[string]*Conn),
		byAgent:  make(map[string]string),
		upgrader: websocket.Upgrader{
			// Worker agents are internal processes, not browsers; the
			// handshake's bearer token is the access control, not Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the net/http handler that upgrades and accepts
// connections at cfg.Path.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
	}
	if _, ok := s.auth(token); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.nextID++
	connID := fmt.Sprintf("conn-%d", s.nextID)
	c := &Conn{id: connID, ws: ws, send: make(chan []byte, ConnBufferSize), state: StateOpen}
	s.conns[connID] = c
	s.mu.Unlock()

	log.Printf("[TRANSPORT] connection %s accepted", connID)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *Conn) {
	defer s.closeConn(c)

	pongWait := time.Duration(s.cfg.PingInterval)
	if pongWait <= 0 {
		pongWait = 30 * time.Second
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(c, raw)
	}
}

func (s *Server) writePump(c *Conn) {
	interval := time.Duration(s.cfg.PingInterval)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeConn(c *Conn) {
	c.ws.Close()

	s.mu.Lock()
	delete(s.conns, c.id)
	agentID := c.getAgentID()
	if agentID != "" && s.byAgent[agentID] == c.id {
		delete(s.byAgent, agentID)
	}
	s.mu.Unlock()

	c.setState(StateClosed)
	close(c.send)

	if agentID != "" {
		s.registry.Disconnect(agentID)
		log.Printf("[TRANSPORT] connection %s (agent %s) closed", c.id, agentID)
	} else {
		log.Printf("[TRANSPORT] connection %s closed before registration", c.id)
	}
}

func (s *Server) handleMessage(c *Conn, raw []byte) {
	var env broker.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(c, ErrInvalidMessage, "malformed envelope")
		return
	}

	if c.getState() == StateOpen && env.Type != broker.MessageAgentRegister {
		s.sendError(c, ErrAgentNotRegistered, "register before sending "+string(env.Type))
		return
	}

	switch env.Type {
	case broker.MessageAgentRegister:
		s.handleRegister(c, env)
	case broker.MessageAgentHeartbeat:
		s.handleHeartbeat(c, env)
	case broker.MessageTaskResponse:
		s.handleTaskResponse(c, env)
	default:
		s.forwardEvent(c, env)
	}
}

func (s *Server) handleRegister(c *Conn, env broker.Envelope) {
	var p broker.RegisterPayload
	if !decodePayload(env.Payload, &p) {
		s.sendError(c, ErrInvalidMessage, "invalid AgentRegister payload")
		return
	}

	agentID := env.AgentID
	if agentID == "" {
		s.sendError(c, ErrInvalidMessage, "AgentRegister requires agentId")
		return
	}

	s.mu.Lock()
	if prior, ok := s.byAgent[agentID]; ok && prior != c.id {
		delete(s.conns, prior)
	}
	s.byAgent[agentID] = c.id
	s.mu.Unlock()

	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
	c.setState(StateRegistered)

	s.registry.Register(&agent.Agent{
		ID:                 agentID,
		Name:               p.Name,
		Version:            p.Version,
		Capabilities:       p.Capabilities,
		MaxConcurrentTasks: p.MaxConcurrentTasks,
		Status:             agent.StatusAvailable,
		Description:        p.Description,
		Tags:               p.Tags,
		ConnectionID:       c.id,
	})

	log.Printf("[TRANSPORT] connection %s registered as agent %s", c.id, agentID)
}

func (s *Server) handleHeartbeat(c *Conn, env broker.Envelope) {
	var p broker.HeartbeatPayload
	if !decodePayload(env.Payload, &p) {
		s.sendError(c, ErrInvalidMessage, "invalid AgentHeartbeat payload")
		return
	}

	agentID := c.getAgentID()
	if !s.registry.Heartbeat(agentID, agent.Status(p.Status), p.CurrentTasks) {
		s.sendError(c, ErrMessageProcessing, "unknown agent "+agentID)
	}
}

func (s *Server) handleTaskResponse(c *Conn, env broker.Envelope) {
	var p broker.TaskResponsePayload
	if !decodePayload(env.Payload, &p) {
		s.sendError(c, ErrInvalidMessage, "invalid TaskResponse payload")
		return
	}

	if err := s.broker.PublishTaskResponse(p); err != nil {
		s.sendError(c, ErrMessageProcessing, err.Error())
	}
}

func (s *Server) forwardEvent(c *Conn, env broker.Envelope) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	evt := Event{ConnID: c.id, AgentID: c.getAgentID(), Envelope: env}
	for _, ch := range s.eventSub {
		select {
		case ch <- evt:
		default:
			log.Printf("[TRANSPORT] event subscriber channel full, dropping %s from %s", env.Type, c.id)
		}
	}
}

// SubscribeEvents registers a channel that receives every envelope
// type the server does not already handle inline.
func (s *Server) SubscribeEvents() <-chan Event {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	ch := make(chan Event, 64)
	s.eventSub = append(s.eventSub, ch)
	return ch
}

func (s *Server) sendError(c *Conn, code, message string) {
	env := broker.NewEnvelope(c.id, broker.MessageError, "", broker.ErrorPayload{Code: code, Message: message})
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[TRANSPORT] send buffer full for %s, dropping error frame", c.id)
	}
}

// SendTaskRequest implements router.Dispatcher: it looks up the
// connection currently registered for agentID and frames the request
// as an envelope. Returns an error if the agent has no live
// connection, which the router surfaces as a dispatch failure.
func (s *Server) SendTaskRequest(agentID string, payload broker.TaskRequestPayload) error {
	s.mu.RLock()
	connID, ok := s.byAgent[agentID]
	var c *Conn
	if ok {
		c = s.conns[connID]
	}
	s.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("transport: no live connection for agent %s", agentID)
	}

	env := broker.NewEnvelope(payload.TaskID, broker.MessageTaskRequest, agentID, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode task request: %w", err)
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("transport: send buffer full for agent %s", agentID)
	}
}

// ConnectionCount returns the number of currently accepted connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func decodePayload(raw interface{}, out interface{}) bool {
	data, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}
