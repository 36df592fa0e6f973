package engine

import (
	"context"
	"testing"
	"time"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/apperrors"
	"github.com/taskmesh/delegator/internal/config"
	"github.com/taskmesh/delegator/internal/task"
)

func testConfig(brokerPort int) *config.Config {
	cfg := config.Default()
	cfg.Broker.Port = brokerPort
	cfg.Broker.JetStream = false
	cfg.Broker.DataDir = ""
	cfg.WebSocket.Port = 0
	cfg.Router.QueuePollInterval = config.Duration(15 * time.Millisecond)
	cfg.Router.BatchSize = 10
	cfg.Metrics.CollectionInterval = config.Duration(15 * time.Millisecond)
	cfg.Agents.HeartbeatInterval = config.Duration(200 * time.Millisecond)
	cfg.Errors.CircuitBreakerTimeout = config.Duration(100 * time.Millisecond)
	return cfg
}

// waitFor polls cond until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestUnstartedEngineRejectsEveryPublicMethod(t *testing.T) {
	e, err := New(testConfig(42281), "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.SubmitTask(SubmitRequest{Name: "x"}); !apperrors.Is(err, apperrors.KindNotStarted) {
		t.Errorf("SubmitTask: expected KindNotStarted, got %v", err)
	}
	if _, err := e.GetTask("missing"); !apperrors.Is(err, apperrors.KindNotStarted) {
		t.Errorf("GetTask: expected KindNotStarted, got %v", err)
	}
	if _, err := e.GetTaskProgress("missing"); !apperrors.Is(err, apperrors.KindNotStarted) {
		t.Errorf("GetTaskProgress: expected KindNotStarted, got %v", err)
	}
	if _, err := e.GetConnectedAgents(); !apperrors.Is(err, apperrors.KindNotStarted) {
		t.Errorf("GetConnectedAgents: expected KindNotStarted, got %v", err)
	}
	if _, err := e.GetAllAgents(); !apperrors.Is(err, apperrors.KindNotStarted) {
		t.Errorf("GetAllAgents: expected KindNotStarted, got %v", err)
	}
	if _, err := e.GetStats(); !apperrors.Is(err, apperrors.KindNotStarted) {
		t.Errorf("GetStats: expected KindNotStarted, got %v", err)
	}
	if err := e.AddRoutingRule(nil); !apperrors.Is(err, apperrors.KindNotStarted) {
		t.Errorf("AddRoutingRule: expected KindNotStarted, got %v", err)
	}

	hc, err := e.PerformHealthCheck()
	if err != nil {
		t.Fatal(err)
	}
	if hc.Status != HealthUnhealthy {
		t.Errorf("expected unhealthy check before start, got %v", hc.Status)
	}
}

func TestEngineLifecycleSubmitAndRetrieveTask(t *testing.T) {
	e, err := New(testConfig(42282), "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop(context.Background())

	if err := e.Start(ctx); !apperrors.Is(err, apperrors.KindValidation) {
		t.Errorf("expected double-start to be rejected, got %v", err)
	}

	id, err := e.SubmitTask(SubmitRequest{Name: "build widget", Priority: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty task id")
	}

	got, err := e.GetTask(id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusPending || got.Name != "build widget" {
		t.Errorf("unexpected task state: %+v", got)
	}

	if _, err := e.SubmitTask(SubmitRequest{}); !apperrors.Is(err, apperrors.KindValidation) {
		t.Errorf("expected validation error for empty name, got %v", err)
	}
}

func TestEngineRoutesToRegisteredAgentAndReportsStats(t *testing.T) {
	e, err := New(testConfig(42283), "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop(context.Background())

	e.registry.Register(&agent.Agent{
		ID:                 "agent-1",
		Name:               "builder",
		Capabilities:       []string{"build"},
		MaxConcurrentTasks: 2,
		Status:             agent.StatusAvailable,
	})
	e.registry.Heartbeat("agent-1", agent.StatusAvailable, 0)

	id, err := e.SubmitTask(SubmitRequest{
		Name:                 "build widget",
		Priority:             5,
		RequiredCapabilities: []string{"build"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		tk, err := e.GetTask(id)
		return err == nil && tk.Status == task.StatusInProgress && tk.AssignedAgentID == "agent-1"
	})

	stats, err := e.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Registry.Total != 1 || stats.Routing.ActiveAssignments != 1 {
		t.Errorf("unexpected stats after routing: %+v", stats)
	}
}

func TestEngineHealthCheckUnhealthyWithoutConnectedAgents(t *testing.T) {
	e, err := New(testConfig(42284), "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		_, ok := e.tracker.LatestSystemHealth()
		return ok
	})

	hc, err := e.PerformHealthCheck()
	if err != nil {
		t.Fatal(err)
	}
	if hc.Status != HealthUnhealthy {
		t.Errorf("expected unhealthy with no connected agents, got %v: %+v", hc.Status, hc.Checks)
	}
}

func TestStopIsIdempotentAndEngineRestarts(t *testing.T) {
	e, err := New(testConfig(42285), "")
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}

	if _, err := e.GetTask("anything"); !apperrors.Is(err, apperrors.KindNotStarted) {
		t.Errorf("expected engine to report not started after stop, got %v", err)
	}

	if err := e.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer e.Stop(ctx)

	if _, err := e.SubmitTask(SubmitRequest{Name: "after restart"}); err != nil {
		t.Errorf("expected submit to succeed after restart, got %v", err)
	}
}
