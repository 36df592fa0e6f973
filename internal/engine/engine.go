// Package engine wires C1-C6 together behind the Protocol Manager /
// Facade (C7): it owns component lifecycle, exposes the public
// submission/query API, and routes cross-component events (§4.7).
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/apperrors"
	"github.com/taskmesh/delegator/internal/broker"
	"github.com/taskmesh/delegator/internal/config"
	"github.com/taskmesh/delegator/internal/recovery"
	"github.com/taskmesh/delegator/internal/router"
	"github.com/taskmesh/delegator/internal/status"
	"github.com/taskmesh/delegator/internal/store"
	"github.com/taskmesh/delegator/internal/task"
	"github.com/taskmesh/delegator/internal/transport"
)

// SubmitRequest is the public shape of a task submission (§6.1).
type SubmitRequest struct {
	Name                 string
	Description          string
	Priority             int
	Parameters           map[string]any
	RequiredCapabilities []string
	Timeout              time.Duration
	MaxRetries           int
}

// Stats mirrors §6.1's GetStats shape.
type Stats struct {
	Queue        QueueStats                 `json:"queue"`
	Registry     RegistryStats              `json:"registry"`
	Routing      RoutingStats               `json:"routing"`
	Errors       ErrorStats                 `json:"errors"`
	SystemHealth status.SystemHealthMetrics `json:"systemHealth"`
}

type QueueStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

type RegistryStats struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
}

type RoutingStats struct {
	ActiveAssignments int `json:"activeAssignments"`
}

type ErrorStats struct {
	OpenCircuitBreakers int `json:"openCircuitBreakers"`
}

// HealthStatus is PerformHealthCheck's top-level verdict (§4.7).
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is PerformHealthCheck's result.
type HealthCheck struct {
	Status    HealthStatus      `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// Engine is the Protocol Manager / Facade (C7).
type Engine struct {
	cfg *config.Config

	st       store.Store
	embedded *broker.EmbeddedServer
	client   *broker.Client
	streams  *broker.StreamManager

	brk        *broker.Broker
	registry   *agent.Registry
	transport  *transport.Server
	httpServer *http.Server
	router     *router.Router
	tracker    *status.Tracker
	cbManager  *recovery.Manager
	handler    *recovery.Handler

	mu      sync.RWMutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New constructs every component wired together, but starts nothing.
// snapshotPath, when non-empty and not ending in ".db", is passed to
// store.NewMemStore as its debounced JSON snapshot path; a ".db"
// suffix instead opens a store.SQLiteStore at that path.
func New(cfg *config.Config, snapshotPath string) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	st, err := openStore(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	brk := broker.New(st, nil) // client attached once the embedded server is up, in Start
	registry := agent.NewRegistry(time.Duration(cfg.Agents.HeartbeatInterval))
	transportSrv := transport.NewServer(registry, brk, cfg.WebSocket, nil)
	r := router.New(registry, brk, transportSrv, cfg.Router.BatchSize)
	tracker := status.NewTracker(registry, brk, time.Duration(cfg.Agents.HeartbeatInterval))
	cbManager := recovery.NewManager(cfg.Errors.CircuitBreakerThreshold, time.Duration(cfg.Errors.CircuitBreakerTimeout))
	delays := make([]time.Duration, 0, len(cfg.Errors.RetryDelays))
	for _, d := range cfg.Errors.RetryDelays {
		delays = append(delays, time.Duration(d))
	}
	handler := recovery.NewHandler(brk, cbManager, cfg.Tasks.DefaultRetries, 5*time.Second, delays)

	return &Engine{
		cfg:       cfg,
		st:        st,
		brk:       brk,
		registry:  registry,
		transport: transportSrv,
		router:    r,
		tracker:   tracker,
		cbManager: cbManager,
		handler:   handler,
	}, nil
}

func openStore(path string) (store.Store, error) {
	if path == "" {
		return store.NewMemStore(""), nil
	}
	if len(path) > 3 && path[len(path)-3:] == ".db" {
		return store.OpenSQLiteStore(path)
	}
	return store.NewMemStore(path), nil
}

// Start brings up the embedded broker, the transport HTTP listener,
// and every long-lived background loop (§5's scheduling model), then
// returns once the transport server is accepting connections.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return apperrors.New(apperrors.KindValidation, "engine already started")
	}

	embedded, err := broker.NewEmbeddedServer(broker.EmbeddedServerConfig{
		Port:      e.cfg.Broker.Port,
		JetStream: e.cfg.Broker.JetStream,
		DataDir:   e.cfg.Broker.DataDir,
	})
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: embedded broker: %w", err)
	}
	if err := embedded.Start(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: start embedded broker: %w", err)
	}
	e.embedded = embedded

	client, err := broker.NewClient(embedded.URL())
	if err != nil {
		embedded.Shutdown()
		e.mu.Unlock()
		return fmt.Errorf("engine: connect embedded broker: %w", err)
	}
	e.client = client
	e.brk.SetClient(client)

	if sm, err := broker.NewStreamManager(client.RawConn()); err == nil {
		if err := sm.SetupStreams(); err != nil {
			log.Printf("[ENGINE] stream setup failed: %v", err)
		} else {
			e.streams = sm
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	e.group = group

	mux := http.NewServeMux()
	mux.Handle(e.cfg.WebSocket.Path, e.transport.Handler())
	e.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", e.cfg.WebSocket.Port), Handler: mux}

	listenErr := make(chan error, 1)
	go func() {
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		cancel()
		embedded.Shutdown()
		e.mu.Unlock()
		return fmt.Errorf("engine: transport listen failed: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	group.Go(func() error {
		e.router.Run(gctx, time.Duration(e.cfg.Router.QueuePollInterval), e.cfg.Router.BatchSize)
		return nil
	})
	group.Go(func() error {
		e.tracker.Run(gctx, time.Duration(e.cfg.Metrics.CollectionInterval))
		return nil
	})
	group.Go(func() error {
		e.cbManager.Run(gctx, 10*time.Second)
		return nil
	})
	group.Go(func() error {
		e.runStaleSweep(gctx)
		return nil
	})
	group.Go(func() error {
		e.router.WatchDisconnects(gctx)
		return nil
	})
	group.Go(func() error {
		e.watchRoutingFailures(gctx)
		return nil
	})
	group.Go(func() error {
		e.watchTaskResponses(gctx, client)
		return nil
	})

	e.started = true
	e.mu.Unlock()

	log.Printf("[ENGINE] started, listening on %s%s", e.httpServer.Addr, e.cfg.WebSocket.Path)
	return nil
}

// Stop tears components down top-down per §5: the transport listener
// first (so no new work arrives), then the background loops, then the
// embedded broker.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	httpServer := e.httpServer
	cancel := e.cancel
	group := e.group
	embedded := e.embedded
	client := e.client
	e.mu.Unlock()

	if httpServer != nil {
		_ = httpServer.Shutdown(ctx)
	}
	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
	if client != nil {
		client.Close()
	}
	if embedded != nil {
		embedded.Shutdown()
	}
	log.Println("[ENGINE] stopped")
	return nil
}

func (e *Engine) runStaleSweep(ctx context.Context) {
	interval := time.Duration(e.cfg.Agents.HeartbeatInterval)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.registry.CheckStale(e.cfg.Agents.MaxMissedHeartbeats)
		}
	}
}

// watchRoutingFailures feeds C4's unroutable-task events into C6
// (§2's data flow: "C6 subscribes to failure events from C2/C4/C1").
func (e *Engine) watchRoutingFailures(ctx context.Context) {
	failures := e.router.SubscribeFailures()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-failures:
			errType := recovery.ErrorRouting
			message := "no agent satisfies the task's routing rules"
			if evt.Reason == router.ReasonDispatchFailed {
				errType = recovery.ErrorCommunication
				message = "dispatch to the selected agent failed"
			}
			e.handler.Handle(recovery.NewErrorContext(evt.TaskID, "", errType, message))
		}
	}
}

// watchTaskResponses subscribes to the responses channel over the
// embedded broker's pub/sub so C6 learns about terminal task failures
// reported by workers, and C3's success-rate counters stay current
// (§2's data flow step "C6 inspects failures").
func (e *Engine) watchTaskResponses(ctx context.Context, client *broker.Client) {
	sub, err := client.Subscribe(broker.ChannelResponses, func(msg broker.Message) {
		var env broker.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		var resp broker.TaskResponsePayload
		data, err := json.Marshal(env.Payload)
		if err != nil || json.Unmarshal(data, &resp) != nil {
			return
		}
		e.handleTaskResponseEvent(resp)
	})
	if err != nil {
		log.Printf("[ENGINE] failed to subscribe to responses channel: %v", err)
		return
	}
	<-ctx.Done()
	_ = sub.Unsubscribe()
}

func (e *Engine) handleTaskResponseEvent(resp broker.TaskResponsePayload) {
	t, err := e.brk.GetTask(resp.TaskID)
	if err != nil {
		return
	}

	switch t.Status {
	case task.StatusCompleted:
		e.router.Assignments().Clear(t.ID)
		if t.AssignedAgentID != "" {
			e.registry.DecrementLoad(t.AssignedAgentID)
			e.registry.RecordTaskOutcome(t.AssignedAgentID, true)
			e.cbManager.Get(t.AssignedAgentID).RecordSuccess()
		}
	case task.StatusFailed:
		e.router.Assignments().Clear(t.ID)
		if t.AssignedAgentID != "" {
			e.registry.DecrementLoad(t.AssignedAgentID)
			e.registry.RecordTaskOutcome(t.AssignedAgentID, false)
		}
		if resp.Error != "" {
			e.handler.Handle(recovery.NewErrorContext(t.ID, t.AssignedAgentID, recovery.ErrorTaskFailure, resp.Error))
		}
	}
}

// SubmitTask mints a fresh TaskId, persists the task through C1, and
// returns the id (§4.7, §6.1).
func (e *Engine) SubmitTask(req SubmitRequest) (string, error) {
	if !e.isStarted() {
		return "", apperrors.NotStarted("engine is not running")
	}
	if req.Name == "" {
		return "", apperrors.Validation("name is required")
	}

	id := uuid.NewString()
	t := task.New(id, req.Name, req.Priority)
	t.Description = req.Description
	t.Parameters = req.Parameters
	t.RequiredCapabilities = req.RequiredCapabilities
	t.Timeout = req.Timeout
	if req.MaxRetries > 0 {
		t.MaxRetries = req.MaxRetries
	} else {
		t.MaxRetries = e.cfg.Tasks.DefaultRetries
	}

	if err := t.Validate(); err != nil {
		return "", apperrors.Validation(err.Error())
	}

	if err := e.brk.PublishTaskRequest(t); err != nil {
		return "", err
	}
	return id, nil
}

// GetTask returns a task by id (§6.1).
func (e *Engine) GetTask(id string) (*task.Task, error) {
	if !e.isStarted() {
		return nil, apperrors.NotStarted("engine is not running")
	}
	return e.brk.GetTask(id)
}

// GetTaskProgress returns a task's progress history, oldest first.
func (e *Engine) GetTaskProgress(id string) ([]status.ProgressEntry, error) {
	if !e.isStarted() {
		return nil, apperrors.NotStarted("engine is not running")
	}
	return e.tracker.TaskProgress(id), nil
}

// GetConnectedAgents returns every agent currently holding a live
// connection.
func (e *Engine) GetConnectedAgents() ([]*agent.Agent, error) {
	if !e.isStarted() {
		return nil, apperrors.NotStarted("engine is not running")
	}
	return e.registry.Connected(), nil
}

// GetAllAgents returns every known agent, connected or not.
func (e *Engine) GetAllAgents() ([]*agent.Agent, error) {
	if !e.isStarted() {
		return nil, apperrors.NotStarted("engine is not running")
	}
	return e.registry.All(), nil
}

// GetStats reports the aggregate queue/registry/routing/error/health
// snapshot (§6.1).
func (e *Engine) GetStats() (Stats, error) {
	if !e.isStarted() {
		return Stats{}, apperrors.NotStarted("engine is not running")
	}

	pending, _ := e.brk.QueueLen(store.QueuePending)
	inProgress, _ := e.brk.QueueLen(store.QueueInProgress)
	completed, _ := e.brk.QueueLen(store.QueueCompleted)
	failed, _ := e.brk.QueueLen(store.QueueFailed)

	all := e.registry.All()
	connected := e.registry.Connected()

	active := 0
	for _, a := range all {
		active += e.router.Assignments().Len(a.ID)
	}

	health, _ := e.tracker.LatestSystemHealth()

	return Stats{
		Queue:    QueueStats{Pending: pending, InProgress: inProgress, Completed: completed, Failed: failed},
		Registry: RegistryStats{Total: len(all), Connected: len(connected)},
		Routing:  RoutingStats{ActiveAssignments: active},
		Errors:   ErrorStats{OpenCircuitBreakers: e.countOpenBreakers(all)},
		SystemHealth: health,
	}, nil
}

func (e *Engine) countOpenBreakers(agents []*agent.Agent) int {
	n := 0
	for _, a := range agents {
		if e.cbManager.Get(a.ID).State() == recovery.BreakerOpen {
			n++
		}
	}
	return n
}

// PerformHealthCheck synthesizes §4.7's pass/warn/fail report.
func (e *Engine) PerformHealthCheck() (HealthCheck, error) {
	checks := make(map[string]string)

	if !e.isStarted() {
		checks["service"] = "not running"
		return HealthCheck{Status: HealthUnhealthy, Checks: checks, Timestamp: time.Now()}, nil
	}
	checks["service"] = "running"

	health, ok := e.tracker.LatestSystemHealth()
	if !ok {
		checks["systemMetrics"] = "no sample yet"
	} else if time.Since(health.Timestamp) > 2*time.Duration(e.cfg.Metrics.CollectionInterval) {
		checks["systemMetrics"] = "stale"
	} else {
		checks["systemMetrics"] = "fresh"
	}

	connected := e.registry.Connected()
	if len(connected) == 0 {
		checks["agentAvailability"] = "no agents connected"
	} else {
		checks["agentAvailability"] = fmt.Sprintf("%d connected", len(connected))
	}

	overall := HealthHealthy
	errorRate := health.ErrorRate
	switch {
	case len(connected) == 0 || errorRate >= 15:
		overall = HealthUnhealthy
	case errorRate >= 5:
		overall = HealthDegraded
	}
	checks["errorRate"] = fmt.Sprintf("%.1f%%", errorRate)

	return HealthCheck{Status: overall, Checks: checks, Timestamp: time.Now()}, nil
}

// AddRoutingRule registers a routing rule (§6.1).
func (e *Engine) AddRoutingRule(rule *router.Rule) error {
	if !e.isStarted() {
		return apperrors.NotStarted("engine is not running")
	}
	e.router.AddRoutingRule(rule)
	return nil
}

// RemoveRoutingRule removes a routing rule by id.
func (e *Engine) RemoveRoutingRule(id string) error {
	if !e.isStarted() {
		return apperrors.NotStarted("engine is not running")
	}
	e.router.RemoveRoutingRule(id)
	return nil
}

// EnableRoutingRule enables a routing rule by id.
func (e *Engine) EnableRoutingRule(id string) error {
	if !e.isStarted() {
		return apperrors.NotStarted("engine is not running")
	}
	e.router.EnableRoutingRule(id)
	return nil
}

// DisableRoutingRule disables a routing rule by id.
func (e *Engine) DisableRoutingRule(id string) error {
	if !e.isStarted() {
		return apperrors.NotStarted("engine is not running")
	}
	e.router.DisableRoutingRule(id)
	return nil
}

func (e *Engine) isStarted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}
