package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/task"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenSQLiteStore(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSaveTaskDedupesByID(t *testing.T) {
	s := newTestSQLiteStore(t)

	t1 := task.New("dup-1", "first submission", 5)
	t2 := task.New("dup-1", "second submission, same id", 5)

	if err := s.SaveTask(t1); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTask(t2); err != nil {
		t.Fatal(err)
	}

	all, err := s.AllTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one record for duplicate submissions, got %d", len(all))
	}
	if all[0].Name != "second submission, same id" {
		t.Errorf("expected latest save to win, got %q", all[0].Name)
	}
}

func TestSQLiteGetTaskRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	orig := task.New("rt-1", "round trip", 7)
	orig.RequiredCapabilities = []string{"x", "y"}
	orig.Parameters = map[string]any{"k": "v"}

	if err := s.SaveTask(orig); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.GetTask("rt-1")
	if err != nil || !ok {
		t.Fatalf("expected to find task, err=%v ok=%v", err, ok)
	}
	if got.Name != orig.Name || len(got.RequiredCapabilities) != 2 || got.Parameters["k"] != "v" {
		t.Errorf("round-tripped task does not match original: %+v", got)
	}
}

func TestSQLiteGetTaskMissing(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, ok, err := s.GetTask("missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false for a task that was never saved")
	}
}

func TestSQLiteDeleteTaskClearsRetryCount(t *testing.T) {
	s := newTestSQLiteStore(t)
	_ = s.SaveTask(task.New("del-1", "work", 1))
	_, _ = s.IncrementRetry("del-1")

	if err := s.DeleteTask("del-1"); err != nil {
		t.Fatal(err)
	}

	_, ok, _ := s.GetTask("del-1")
	if ok {
		t.Fatal("expected task to be gone after delete")
	}
	n, err := s.IncrementRetry("del-1")
	if err != nil || n != 1 {
		t.Fatalf("expected retry counter to restart at 1 after delete, got %d err=%v", n, err)
	}
}

func TestSQLiteQueueOrderingDescendingScore(t *testing.T) {
	s := newTestSQLiteStore(t)

	_ = s.EnqueueKeyed(QueuePending, "low", 1)
	_ = s.EnqueueKeyed(QueuePending, "high", 9)
	_ = s.EnqueueKeyed(QueuePending, "mid", 5)

	top, err := s.QueueTop(QueuePending, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0] != "high" || top[1] != "mid" {
		t.Errorf("expected [high mid], got %v", top)
	}
}

func TestSQLiteQueueRemove(t *testing.T) {
	s := newTestSQLiteStore(t)
	_ = s.EnqueueKeyed(QueuePending, "a", 1)
	_ = s.EnqueueKeyed(QueuePending, "b", 2)

	if err := s.RemoveFromQueue(QueuePending, "b"); err != nil {
		t.Fatal(err)
	}

	n, _ := s.QueueLen(QueuePending)
	if n != 1 {
		t.Errorf("expected 1 item remaining, got %d", n)
	}
}

func TestSQLiteEnqueueKeyedUpdatesScoreOnConflict(t *testing.T) {
	s := newTestSQLiteStore(t)
	_ = s.EnqueueKeyed(QueuePending, "a", 1)
	_ = s.EnqueueKeyed(QueuePending, "a", 99)

	n, _ := s.QueueLen(QueuePending)
	if n != 1 {
		t.Fatalf("expected re-enqueue to update in place, got %d members", n)
	}
	top, _ := s.QueueTop(QueuePending, 1)
	if len(top) != 1 || top[0] != "a" {
		t.Fatalf("expected [a], got %v", top)
	}
}

func TestSQLiteIncrementRetry(t *testing.T) {
	s := newTestSQLiteStore(t)

	first, err := s.IncrementRetry("t-1")
	if err != nil || first != 1 {
		t.Fatalf("expected first increment to return 1, got %d err=%v", first, err)
	}
	second, _ := s.IncrementRetry("t-1")
	if second != 2 {
		t.Errorf("expected second increment to return 2, got %d", second)
	}
}

func TestSQLiteAgentRoundTripAndDelete(t *testing.T) {
	s := newTestSQLiteStore(t)

	a := &agent.Agent{
		ID:                 "agent-1",
		Name:               "builder",
		Capabilities:       []string{"build", "test"},
		MaxConcurrentTasks: 4,
		Status:             agent.StatusAvailable,
		LastSeen:           time.Now(),
		RegisteredAt:       time.Now(),
	}
	if err := s.SaveAgent(a); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.GetAgent("agent-1")
	if err != nil || !ok {
		t.Fatalf("expected to find agent, err=%v ok=%v", err, ok)
	}
	if got.Name != a.Name || len(got.Capabilities) != 2 {
		t.Errorf("round-tripped agent does not match original: %+v", got)
	}

	if err := s.DeleteAgent("agent-1"); err != nil {
		t.Fatal(err)
	}
	_, ok, _ = s.GetAgent("agent-1")
	if ok {
		t.Fatal("expected agent to be gone after delete")
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	s1, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s1.SaveTask(task.New("persist-1", "durable", 3))
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database file on disk: %v", err)
	}

	s2, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	got, ok, err := s2.GetTask("persist-1")
	if err != nil || !ok {
		t.Fatalf("expected task to survive reopen, err=%v ok=%v", err, ok)
	}
	if got.Name != "durable" {
		t.Errorf("expected durable task, got %+v", got)
	}
}
