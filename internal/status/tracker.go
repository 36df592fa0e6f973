// Package status implements the Status Tracker (C5): bounded progress
// and health history, periodic system-health sampling, and threshold
// alerts.
package status

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/broker"
	"github.com/taskmesh/delegator/internal/store"
	"github.com/taskmesh/delegator/internal/task"
)

// ProgressEntry is one progress update recorded against a task.
type ProgressEntry struct {
	TaskID   string
	Status   task.Status
	Progress int
	At       time.Time
}

// HealthSnapshot is one point-in-time read of an agent's health.
type HealthSnapshot struct {
	AgentID      string
	Status       agent.Status
	HealthScore  float64
	CurrentTasks int
	At           time.Time
}

// SystemHealthMetrics is a single global sample (§4.5).
type SystemHealthMetrics struct {
	Timestamp time.Time

	TotalAgents   int
	ActiveAgents  int
	HealthyAgents int
	BusyAgents    int
	OfflineAgents int

	PendingTasks    int
	InProgressTasks int
	CompletedTasks  int
	FailedTasks     int

	AverageTaskDuration time.Duration
	SystemLoad          float64
	ThroughputPerHour   float64
	ErrorRate           float64
}

// Severity tags an alert's urgency.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is emitted when a sample crosses one of §4.5's thresholds.
type Alert struct {
	ID        string
	Type      string
	Message   string
	Severity  Severity
	Sample    SystemHealthMetrics
	CreatedAt time.Time
}

// alertDedupWindow matches the teacher's recentAlerts expiry.
const alertDedupWindow = 5 * time.Minute

// Tracker owns the progress/health/system-health rings and the alert
// engine. It samples the registry and broker on an interval; it never
// mutates either.
type Tracker struct {
	registry          *agent.Registry
	broker            *broker.Broker
	heartbeatInterval time.Duration

	mu       sync.Mutex
	progress map[string]*Ring[ProgressEntry]
	health   map[string]*Ring[HealthSnapshot]

	system *Ring[SystemHealthMetrics]

	alertMu      sync.Mutex
	recentAlerts map[string]time.Time
	alertSub     []chan Alert
}

// NewTracker creates a Tracker sampling reg and b. heartbeatInterval
// must match the registry's own, since health scores are judged
// against it (§4.3).
func NewTracker(reg *agent.Registry, b *broker.Broker, heartbeatInterval time.Duration) *Tracker {
	return &Tracker{
		registry:          reg,
		broker:            b,
		heartbeatInterval: heartbeatInterval,
		progress:          make(map[string]*Ring[ProgressEntry]),
		health:            make(map[string]*Ring[HealthSnapshot]),
		system:            NewRing[SystemHealthMetrics](RingCapacity),
		recentAlerts:      make(map[string]time.Time),
	}
}

// RecordProgress appends a progress update to the task's ring,
// creating it on first use.
func (t *Tracker) RecordProgress(taskID string, status task.Status, progress int) {
	t.mu.Lock()
	r, ok := t.progress[taskID]
	if !ok {
		r = NewRing[ProgressEntry](RingCapacity)
		t.progress[taskID] = r
	}
	t.mu.Unlock()

	r.Append(ProgressEntry{TaskID: taskID, Status: status, Progress: progress, At: time.Now()})
}

// TaskProgress returns the recorded progress history for a task.
func (t *Tracker) TaskProgress(taskID string) []ProgressEntry {
	t.mu.Lock()
	r, ok := t.progress[taskID]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return r.All()
}

// AgentHealthHistory returns the recorded health snapshots for an
// agent.
func (t *Tracker) AgentHealthHistory(agentID string) []HealthSnapshot {
	t.mu.Lock()
	r, ok := t.health[agentID]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return r.All()
}

// SystemHealthHistory returns every retained system-health sample.
func (t *Tracker) SystemHealthHistory() []SystemHealthMetrics {
	return t.system.All()
}

// LatestSystemHealth returns the most recent sample, if any.
func (t *Tracker) LatestSystemHealth() (SystemHealthMetrics, bool) {
	return t.system.Last()
}

// Run samples on the given interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sample()
		}
	}
}

// Sample takes one system-health reading, records per-agent health
// snapshots, and checks thresholds.
func (t *Tracker) Sample() SystemHealthMetrics {
	agents := t.registry.All()

	sample := SystemHealthMetrics{Timestamp: time.Now(), TotalAgents: len(agents)}
	now := time.Now()
	for _, a := range agents {
		switch a.Status {
		case agent.StatusBusy:
			sample.BusyAgents++
		case agent.StatusOffline:
			sample.OfflineAgents++
		}
		if a.Status != agent.StatusOffline {
			sample.ActiveAgents++
		}

		if a.IsHealthy(t.heartbeatInterval) {
			sample.HealthyAgents++
		}

		r := t.healthRing(a.ID)
		r.Append(HealthSnapshot{
			AgentID:      a.ID,
			Status:       a.Status,
			HealthScore:  a.HealthScore(t.heartbeatInterval),
			CurrentTasks: a.CurrentTasks,
			At:           now,
		})
	}

	pending, _ := t.broker.QueueLen(store.QueuePending)
	inProgress, _ := t.broker.QueueLen(store.QueueInProgress)
	completed, _ := t.broker.QueueLen(store.QueueCompleted)
	failed, _ := t.broker.QueueLen(store.QueueFailed)
	sample.PendingTasks = pending
	sample.InProgressTasks = inProgress
	sample.CompletedTasks = completed
	sample.FailedTasks = failed

	if sample.TotalAgents > 0 {
		sample.SystemLoad = float64(sample.BusyAgents) / float64(sample.TotalAgents) * 100
	}
	if completed+failed > 0 {
		sample.ErrorRate = float64(failed) / float64(completed+failed) * 100
	}

	completedTasks, _ := t.broker.GetTasksByStatus(task.StatusCompleted, RingCapacity)
	sample.AverageTaskDuration = averageDuration(completedTasks)
	sample.ThroughputPerHour = float64(completionsSince(completedTasks, now.Add(-time.Hour)))

	t.system.Append(sample)
	t.checkThresholds(sample)
	return sample
}

func (t *Tracker) healthRing(agentID string) *Ring[HealthSnapshot] {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.health[agentID]
	if !ok {
		r = NewRing[HealthSnapshot](RingCapacity)
		t.health[agentID] = r
	}
	return r
}

func averageDuration(tasks []*task.Task) time.Duration {
	var total time.Duration
	var n int
	for _, tk := range tasks {
		if d := tk.ActualDuration(); d > 0 {
			total += d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

func completionsSince(tasks []*task.Task, since time.Time) int {
	n := 0
	for _, tk := range tasks {
		if tk.CompletedAt != nil && tk.CompletedAt.After(since) {
			n++
		}
	}
	return n
}

// checkThresholds emits an alert for every crossed condition in
// §4.5, deduplicated the way the teacher's AlertChecker dedupes by key
// within a trailing window.
func (t *Tracker) checkThresholds(s SystemHealthMetrics) {
	if s.ErrorRate > 10 {
		t.emit("error_rate", fmt.Sprintf("error rate %.1f%% exceeds 10%%", s.ErrorRate), SeverityCritical, s)
	}
	if s.SystemLoad > 80 {
		t.emit("system_load", fmt.Sprintf("system load %.1f%% exceeds 80%%", s.SystemLoad), SeverityWarning, s)
	}
	if s.ActiveAgents == 0 && s.TotalAgents > 0 {
		t.emit("no_active_agents", "no active agents while agents are registered", SeverityCritical, s)
	}
	if s.ThroughputPerHour < 1 && s.PendingTasks > 5 {
		t.emit("low_throughput", fmt.Sprintf("throughput %.1f/hr with %d tasks pending", s.ThroughputPerHour, s.PendingTasks), SeverityWarning, s)
	}
}

func (t *Tracker) emit(key, message string, sev Severity, sample SystemHealthMetrics) {
	t.alertMu.Lock()
	now := time.Now()
	for k, at := range t.recentAlerts {
		if now.Sub(at) > alertDedupWindow {
			delete(t.recentAlerts, k)
		}
	}
	if _, fired := t.recentAlerts[key]; fired {
		t.alertMu.Unlock()
		return
	}
	t.recentAlerts[key] = now
	subs := make([]chan Alert, len(t.alertSub))
	copy(subs, t.alertSub)
	t.alertMu.Unlock()

	a := Alert{ID: uuid.NewString(), Type: key, Message: message, Severity: sev, Sample: sample, CreatedAt: now}
	log.Printf("[STATUS] alert %s (%s): %s", a.Type, a.Severity, a.Message)
	for _, ch := range subs {
		select {
		case ch <- a:
		default:
			log.Printf("[STATUS] alert subscriber channel full, dropping %s", key)
		}
	}
}

// SubscribeAlerts registers a channel that receives every emitted
// alert.
func (t *Tracker) SubscribeAlerts() <-chan Alert {
	t.alertMu.Lock()
	defer t.alertMu.Unlock()
	ch := make(chan Alert, 32)
	t.alertSub = append(t.alertSub, ch)
	return ch
}
