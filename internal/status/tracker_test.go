package status

import (
	"testing"
	"time"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/broker"
	"github.com/taskmesh/delegator/internal/store"
	"github.com/taskmesh/delegator/internal/task"
)

func newTestTracker() (*Tracker, *agent.Registry, *broker.Broker) {
	reg := agent.NewRegistry(15 * time.Second)
	b := broker.New(store.NewMemStore(""), nil)
	return NewTracker(reg, b, 15*time.Second), reg, b
}

func TestSampleCountsAgentsByStatus(t *testing.T) {
	tr, reg, _ := newTestTracker()
	reg.Register(&agent.Agent{ID: "a1", Status: agent.StatusAvailable, MaxConcurrentTasks: 2})
	reg.Register(&agent.Agent{ID: "a2", Status: agent.StatusBusy, MaxConcurrentTasks: 2})
	reg.Register(&agent.Agent{ID: "a3", Status: agent.StatusOffline, MaxConcurrentTasks: 2})

	s := tr.Sample()
	if s.TotalAgents != 3 || s.BusyAgents != 1 || s.OfflineAgents != 1 || s.ActiveAgents != 2 {
		t.Fatalf("unexpected sample: %+v", s)
	}
}

func TestSampleComputesErrorRate(t *testing.T) {
	tr, _, b := newTestTracker()

	for i := 0; i < 3; i++ {
		tk := task.New(string(rune('a'+i)), "work", 5)
		_ = b.PublishTaskRequest(tk)
		_, _ = b.AssignTaskToAgent(tk.ID, "agent-1")
		status := task.StatusCompleted
		if i == 2 {
			status = task.StatusFailed
		}
		_ = b.PublishTaskResponse(broker.TaskResponsePayload{TaskID: tk.ID, Status: string(status)})
	}

	s := tr.Sample()
	if s.CompletedTasks != 2 || s.FailedTasks != 1 {
		t.Fatalf("expected 2 completed 1 failed, got %+v", s)
	}
	wantRate := float64(1) / float64(3) * 100
	if s.ErrorRate != wantRate {
		t.Errorf("expected error rate %.2f, got %.2f", wantRate, s.ErrorRate)
	}
}

func TestNoActiveAgentsAlert(t *testing.T) {
	tr, reg, _ := newTestTracker()
	reg.Register(&agent.Agent{ID: "a1", Status: agent.StatusOffline, MaxConcurrentTasks: 2})

	alerts := tr.SubscribeAlerts()
	tr.Sample()

	select {
	case a := <-alerts:
		if a.Type != "no_active_agents" {
			t.Errorf("expected no_active_agents alert, got %s", a.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an alert")
	}
}

func TestAlertDedupedWithinWindow(t *testing.T) {
	tr, reg, _ := newTestTracker()
	reg.Register(&agent.Agent{ID: "a1", Status: agent.StatusOffline, MaxConcurrentTasks: 2})

	alerts := tr.SubscribeAlerts()
	tr.Sample()
	<-alerts

	tr.Sample()
	select {
	case a := <-alerts:
		t.Errorf("expected no duplicate alert within the dedup window, got %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRecordProgressAndHistory(t *testing.T) {
	tr, _, _ := newTestTracker()
	tr.RecordProgress("t1", task.StatusInProgress, 10)
	tr.RecordProgress("t1", task.StatusInProgress, 50)

	hist := tr.TaskProgress("t1")
	if len(hist) != 2 || hist[1].Progress != 50 {
		t.Fatalf("unexpected progress history: %+v", hist)
	}
}

func TestRingEvictsOldestPastCapacity(t *testing.T) {
	r := NewRing[int](3)
	for i := 0; i < 5; i++ {
		r.Append(i)
	}
	got := r.All()
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
