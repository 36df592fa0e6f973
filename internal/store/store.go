// Package store defines the KV + sorted-set + retry-counter contract
// (§6.3) the broker persists through, and ships an in-memory reference
// implementation. The physical store is an external collaborator per
// spec; MemStore plays the same role the teacher's JSONStore plays for
// its own domain — a concrete, swappable implementation of the
// interface rather than the interface itself.
package store

import (
	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/task"
)

// Queue names the four pending/in-progress/terminal sorted sets §4.1 defines.
const (
	QueuePending    = "pending"
	QueueInProgress = "in_progress"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// Store is the persistence contract C1 depends on. Every method may
// fail with a wrapped error if the backing store is unavailable; the
// broker translates that into apperrors.StoreUnavailable.
type Store interface {
	SaveTask(t *task.Task) error
	GetTask(id string) (*task.Task, bool, error)
	DeleteTask(id string) error
	AllTasks() ([]*task.Task, error)

	SaveAgent(a *agent.Agent) error
	GetAgent(id string) (*agent.Agent, bool, error)
	DeleteAgent(id string) error

	// EnqueueKeyed inserts id into queue with the given sort score
	// (priority for "pending", timestamp for the terminal queues).
	EnqueueKeyed(queue string, id string, score float64) error
	RemoveFromQueue(queue string, id string) error
	// QueueTop returns up to n ids, ordered by descending score.
	QueueTop(queue string, n int) ([]string, error)
	QueueLen(queue string) (int, error)

	// IncrementRetry atomically increments and returns a task's retry
	// counter, mirroring the store's HINCRBY contract.
	IncrementRetry(taskID string) (int, error)
}
