package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/broker"
	"github.com/taskmesh/delegator/internal/store"
	"github.com/taskmesh/delegator/internal/task"
)

// fakeDispatcher records every dispatched task request instead of
// sending it over a real connection.
type fakeDispatcher struct {
	mu  sync.Mutex
	log []string
	fail map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{fail: make(map[string]bool)}
}

func (d *fakeDispatcher) SendTaskRequest(agentID string, payload broker.TaskRequestPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[agentID] {
		return errDispatch
	}
	d.log = append(d.log, agentID+":"+payload.TaskID)
	return nil
}

var errDispatch = &dispatchError{}

type dispatchError struct{}

func (*dispatchError) Error() string { return "dispatch failed" }

func newTestRouter() (*Router, *agent.Registry, *broker.Broker, *fakeDispatcher) {
	reg := agent.NewRegistry(15 * time.Second)
	b := broker.New(store.NewMemStore(""), nil)
	d := newFakeDispatcher()
	r := New(reg, b, d, 10)
	return r, reg, b, d
}

func registerAgent(reg *agent.Registry, id string, caps []string, maxTasks int) {
	reg.Register(&agent.Agent{
		ID:                 id,
		Name:               id,
		Capabilities:       caps,
		MaxConcurrentTasks: maxTasks,
		Status:             agent.StatusAvailable,
	})
}

// S1: high-priority task with a matching healthy agent is assigned
// within one router pass via the HighPriority rule.
func TestRouteTaskHighPriorityScenario(t *testing.T) {
	r, reg, b, d := newTestRouter()
	registerAgent(reg, "A1", []string{"x"}, 2)

	tk := task.New("t1", "urgent", 9)
	tk.RequiredCapabilities = []string{"x"}
	_ = b.PublishTaskRequest(tk)

	if err := r.RouteTask(tk); err != nil {
		t.Fatal(err)
	}

	got, _ := b.GetTask("t1")
	if got.Status != task.StatusInProgress || got.AssignedAgentID != "A1" {
		t.Fatalf("expected t1 assigned to A1, got %+v", got)
	}
	if len(d.log) != 1 || d.log[0] != "A1:t1" {
		t.Errorf("expected dispatch to A1, got %v", d.log)
	}
}

// S2: no agent advertises the required capability -> RoutingFailed,
// task stays Pending, no assignment exists.
func TestRouteTaskNoSuitableAgentScenario(t *testing.T) {
	r, reg, b, _ := newTestRouter()
	registerAgent(reg, "A1", []string{"y"}, 2)

	tk := task.New("t1", "urgent", 9)
	tk.RequiredCapabilities = []string{"x"}
	_ = b.PublishTaskRequest(tk)

	failures := r.SubscribeFailures()
	if err := r.RouteTask(tk); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-failures:
		if evt.Reason != ReasonNoSuitableAgent {
			t.Errorf("expected no_suitable_agent, got %s", evt.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a RoutingFailed event")
	}

	got, _ := b.GetTask("t1")
	if got.Status != task.StatusPending {
		t.Errorf("expected task to remain pending, got %s", got.Status)
	}
	if _, ok := r.Assignments().Get("t1"); ok {
		t.Error("expected no assignment to exist")
	}
}

func TestRuleOrderingDescendingPriority(t *testing.T) {
	r, reg, b, _ := newTestRouter()
	registerAgent(reg, "A1", nil, 2)

	// Low-priority task with no capabilities: should fall through to
	// LoadBalance (priority 5), not Fallback (priority 1).
	tk := task.New("t1", "low", 1)
	_ = b.PublishTaskRequest(tk)

	if err := r.RouteTask(tk); err != nil {
		t.Fatal(err)
	}
	got, _ := b.GetTask("t1")
	if got.AssignedAgentID != "A1" {
		t.Fatalf("expected LoadBalance to place the task, got %+v", got)
	}
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	r, reg, b, _ := newTestRouter()
	registerAgent(reg, "A1", []string{"x"}, 2)

	r.DisableRoutingRule("exact-capability-match")
	r.DisableRoutingRule("load-balance")
	r.DisableRoutingRule("fallback")

	tk := task.New("t1", "needs x", 3)
	tk.RequiredCapabilities = []string{"x"}
	_ = b.PublishTaskRequest(tk)

	failures := r.SubscribeFailures()
	if err := r.RouteTask(tk); err != nil {
		t.Fatal(err)
	}

	select {
	case <-failures:
	case <-time.After(time.Second):
		t.Fatal("expected routing to fail once capability match and fallback rules are disabled")
	}
}

// S6: 50 tasks over two equally capable agents with capacity 10 each
// converge on 20 assigned, load-balanced within 1, 30 remaining
// pending.
func TestLoadBalanceAcrossManyTasks(t *testing.T) {
	r, reg, b, _ := newTestRouter()
	registerAgent(reg, "B1", []string{"x"}, 10)
	registerAgent(reg, "B2", []string{"x"}, 10)

	for i := 0; i < 50; i++ {
		tk := task.New(taskID(i), "batch", 3)
		tk.RequiredCapabilities = []string{"x"}
		_ = b.PublishTaskRequest(tk)
	}

	// Route one task per pass. RouteTask itself bumps the registry's
	// in-memory load on every successful assignment (I3), so no
	// out-of-band sync is needed between passes.
	for i := 0; i < 50; i++ {
		pending, err := b.GetPendingTasks(1)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) == 0 {
			break
		}
		if err := r.RouteTask(pending[0]); err != nil {
			t.Fatal(err)
		}
	}

	b1 := reg.Get("B1")
	b2 := reg.Get("B2")
	total := b1.CurrentTasks + b2.CurrentTasks
	if total != 20 {
		t.Fatalf("expected 20 total assigned tasks, got %d", total)
	}
	diff := b1.CurrentTasks - b2.CurrentTasks
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		t.Errorf("expected load-balanced agents within 1 of each other, got B1=%d B2=%d", b1.CurrentTasks, b2.CurrentTasks)
	}

	pending, _ := b.GetPendingTasks(100)
	if len(pending) != 30 {
		t.Errorf("expected 30 tasks to remain pending, got %d", len(pending))
	}
}

// I3: a single burst of concurrent dispatches (PollOnce, mirroring the
// real poll-cycle path) must never push an agent's load past its
// MaxConcurrentTasks, even though no heartbeat arrives between
// assignments within the burst.
func TestPollOnceNeverExceedsAgentCapacity(t *testing.T) {
	r, reg, b, _ := newTestRouter()
	registerAgent(reg, "C1", []string{"x"}, 3)
	registerAgent(reg, "C2", []string{"x"}, 3)

	for i := 0; i < 12; i++ {
		tk := task.New(taskID(i), "burst", 3)
		tk.RequiredCapabilities = []string{"x"}
		_ = b.PublishTaskRequest(tk)
	}

	if err := r.PollOnce(context.Background(), 12); err != nil {
		t.Fatal(err)
	}

	c1 := reg.Get("C1")
	c2 := reg.Get("C2")
	if c1.CurrentTasks > c1.MaxConcurrentTasks {
		t.Errorf("C1 over capacity: %d/%d", c1.CurrentTasks, c1.MaxConcurrentTasks)
	}
	if c2.CurrentTasks > c2.MaxConcurrentTasks {
		t.Errorf("C2 over capacity: %d/%d", c2.CurrentTasks, c2.MaxConcurrentTasks)
	}
	if c1.CurrentTasks+c2.CurrentTasks != 6 {
		t.Errorf("expected 6 of 12 tasks assigned across two capacity-3 agents, got %d", c1.CurrentTasks+c2.CurrentTasks)
	}
}

func taskID(i int) string {
	return fmt.Sprintf("batch-%02d", i)
}
