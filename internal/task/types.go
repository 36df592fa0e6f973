// Package task defines the Task record and its lifecycle.
package task

import (
	"fmt"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// validTransitions defines allowed status transitions. A task's status
// is monotonic: once terminal it never re-enters Pending or InProgress,
// except for the synthetic Pending reset the router and error handler
// issue on reassignment, handled explicitly by ResetForRetry rather
// than TransitionTo.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending},
}

// Task is a unit of work submitted to the engine.
type Task struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Description          string            `json:"description,omitempty"`
	Parameters           map[string]any    `json:"parameters,omitempty"`
	Priority             int               `json:"priority"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Timeout              time.Duration     `json:"timeout,omitempty"`
	MaxRetries           int               `json:"max_retries"`
	Status               Status            `json:"status"`
	Progress             int               `json:"progress"`
	AssignedAgentID      string            `json:"assigned_agent_id,omitempty"`
	RetryCount           int               `json:"retry_count"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	AssignedAt           *time.Time        `json:"assigned_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	Result               map[string]any    `json:"result,omitempty"`
	Error                string            `json:"error,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// New creates a task in Pending status with a caller-supplied ID. The
// engine facade is the component that mints IDs (see internal/engine),
// so tests and the router can construct tasks directly with a known ID.
func New(id, name string, priority int) *Task {
	now := time.Now()
	return &Task{
		ID:         id,
		Name:       name,
		Priority:   priority,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   make(map[string]string),
	}
}

// Validate checks that the task has valid field values.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task: name is required")
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("task: max retries must be non-negative")
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("task: progress must be within [0,100]")
	}
	return nil
}

// TransitionTo attempts to move the task to a new status, enforcing
// the monotonic status invariant (I1).
func (t *Task) TransitionTo(newStatus Status) error {
	allowed, ok := validTransitions[t.Status]
	if !ok {
		return fmt.Errorf("task %s: terminal status %s cannot transition", t.ID, t.Status)
	}

	for _, s := range allowed {
		if s == newStatus {
			t.Status = newStatus
			t.UpdatedAt = time.Now()
			if newStatus == StatusInProgress && t.AssignedAt == nil {
				now := time.Now()
				t.AssignedAt = &now
			}
			if t.IsTerminal() {
				now := time.Now()
				t.CompletedAt = &now
			}
			return nil
		}
	}

	return fmt.Errorf("task %s: invalid transition from %s to %s", t.ID, t.Status, newStatus)
}

// IsTerminal returns true if the task is in a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}

// ResetForRetry returns a task to Pending status for reassignment,
// clearing its prior assignment but preserving its retry count and
// history. It does not touch any queue; the broker's RequeueTask puts
// the task back onto queue:pending. Used on agent disconnect and
// whenever the error handler's strategy is Reassign or Retry.
func (t *Task) ResetForRetry() {
	t.Status = StatusPending
	t.AssignedAgentID = ""
	t.AssignedAt = nil
	t.UpdatedAt = time.Now()
}

// ActualDuration returns completedAt - assignedAt. This fixes the
// spec's duration-accounting ambiguity in favor of the assignment
// marker, not the submission marker.
func (t *Task) ActualDuration() time.Duration {
	if t.AssignedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.AssignedAt)
}

// Clone returns a deep-enough copy for safe handoff across component
// boundaries; readers must never mutate a shared *Task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Parameters != nil {
		c.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	if t.RequiredCapabilities != nil {
		c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	}
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
