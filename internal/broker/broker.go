package broker

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/apperrors"
	"github.com/taskmesh/delegator/internal/store"
	"github.com/taskmesh/delegator/internal/task"
)

// Broker is the Message Broker (C1): it owns the KV-backed record of
// truth for tasks and agents and publishes change notifications on
// the four logical channels. A nil client is permitted for tests and
// for deployments that only want the persistence side without the
// pub/sub fanout.
type Broker struct {
	store store.Store

	clientMu sync.RWMutex
	client   *Client
}

// New creates a Broker over the given store, optionally publishing
// through client.
func New(s store.Store, client *Client) *Broker {
	return &Broker{store: s, client: client}
}

// SetClient (re)binds the broker's pub/sub client, letting the facade
// stand up components against a store-only Broker first and attach
// the embedded broker connection once it is dialed, without handing
// every component a new *Broker pointer.
func (b *Broker) SetClient(client *Client) {
	b.clientMu.Lock()
	b.client = client
	b.clientMu.Unlock()
}

func (b *Broker) publish(channel string, env Envelope) {
	b.clientMu.RLock()
	client := b.client
	b.clientMu.RUnlock()

	if client == nil {
		return
	}
	if err := client.PublishJSON(channel, env); err != nil {
		log.Printf("[BROKER] publish on %s failed: %v", channel, err)
	}
}

// PublishTaskRequest persists a new task and enqueues it on
// queue:pending, then announces it on the tasks channel.
func (b *Broker) PublishTaskRequest(t *task.Task) error {
	if err := b.store.SaveTask(t); err != nil {
		return apperrors.StoreUnavailable(err)
	}
	if err := b.store.EnqueueKeyed(store.QueuePending, t.ID, float64(t.Priority)); err != nil {
		return apperrors.StoreUnavailable(err)
	}

	b.publish(ChannelTasks, NewEnvelope(uuid.NewString(), MessageTaskRequest, "", TaskRequestPayload{
		TaskID:               t.ID,
		Name:                 t.Name,
		Description:          t.Description,
		Parameters:           t.Parameters,
		RequiredCapabilities: t.RequiredCapabilities,
	}))
	return nil
}

// PublishTaskResponse applies a worker's progress or terminal report
// to the task record: updates status/progress/result/error, and on a
// terminal status moves the task from queue:pending into the matching
// terminal queue.
func (b *Broker) PublishTaskResponse(resp TaskResponsePayload) error {
	t, ok, err := b.store.GetTask(resp.TaskID)
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	if !ok {
		return apperrors.NotFound("task " + resp.TaskID + " not found")
	}

	if resp.Progress > 0 {
		t.Progress = resp.Progress
	}
	if resp.Error != "" {
		t.Error = resp.Error
	}
	if resp.Result != nil {
		t.Result = resp.Result
	}

	if newStatus := task.Status(resp.Status); newStatus != "" && newStatus != t.Status {
		if err := t.TransitionTo(newStatus); err != nil {
			return apperrors.Validation(err.Error())
		}
	}

	if err := b.store.SaveTask(t); err != nil {
		return apperrors.StoreUnavailable(err)
	}

	if t.IsTerminal() {
		_ = b.store.RemoveFromQueue(store.QueuePending, t.ID)
		queue := store.QueueCompleted
		if t.Status == task.StatusFailed {
			queue = store.QueueFailed
		}
		if err := b.store.EnqueueKeyed(queue, t.ID, float64(t.UpdatedAt.UnixNano())); err != nil {
			log.Printf("[BROKER] failed to enqueue terminal task %s: %v", t.ID, err)
		}
	}

	b.publish(ChannelResponses, NewEnvelope(uuid.NewString(), MessageTaskResponse, "", resp))
	return nil
}

// AssignTaskToAgent conditionally writes an assignment: the task must
// exist; on success it sets AssignedAgentId and transitions the task
// to InProgress.
func (b *Broker) AssignTaskToAgent(taskID, agentID string) (bool, error) {
	t, ok, err := b.store.GetTask(taskID)
	if err != nil {
		return false, apperrors.StoreUnavailable(err)
	}
	if !ok {
		return false, nil
	}

	t.AssignedAgentID = agentID
	if err := t.TransitionTo(task.StatusInProgress); err != nil {
		return false, apperrors.Validation(err.Error())
	}

	if err := b.store.SaveTask(t); err != nil {
		return false, apperrors.StoreUnavailable(err)
	}
	_ = b.store.RemoveFromQueue(store.QueuePending, taskID)
	if err := b.store.EnqueueKeyed(store.QueueInProgress, taskID, float64(t.UpdatedAt.UnixNano())); err != nil {
		log.Printf("[BROKER] failed to enqueue in-progress task %s: %v", taskID, err)
	}

	b.publish(ChannelAgents, NewEnvelope(uuid.NewString(), MessageSystemEvent, agentID, map[string]string{
		"event":  "task_assigned",
		"taskId": taskID,
	}))
	return true, nil
}

// RequeueTask clears a task's assignment and puts it back onto
// queue:pending as Pending, the way the router reassigns work after
// an agent disconnects (S5) or the error handler chooses Reassign/
// Retry (§4.6).
func (b *Broker) RequeueTask(taskID string) error {
	t, ok, err := b.store.GetTask(taskID)
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	if !ok {
		return apperrors.NotFound("task " + taskID + " not found")
	}

	t.ResetForRetry()

	if err := b.store.SaveTask(t); err != nil {
		return apperrors.StoreUnavailable(err)
	}
	_ = b.store.RemoveFromQueue(store.QueueInProgress, taskID)
	if err := b.store.EnqueueKeyed(store.QueuePending, taskID, float64(t.Priority)); err != nil {
		return apperrors.StoreUnavailable(err)
	}

	b.publish(ChannelResponses, NewEnvelope(uuid.NewString(), MessageTaskResponse, "", TaskResponsePayload{
		TaskID: taskID,
		Status: string(task.StatusPending),
	}))
	return nil
}

// IncrementTaskRetry atomically bumps a task's retry counter.
func (b *Broker) IncrementTaskRetry(taskID string) (int, error) {
	n, err := b.store.IncrementRetry(taskID)
	if err != nil {
		return 0, apperrors.StoreUnavailable(err)
	}
	return n, nil
}

// GetTask returns a task by id.
func (b *Broker) GetTask(taskID string) (*task.Task, error) {
	t, ok, err := b.store.GetTask(taskID)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if !ok {
		return nil, apperrors.NotFound("task " + taskID + " not found")
	}
	return t, nil
}

// GetPendingTasks returns the top n pending tasks by descending
// priority.
func (b *Broker) GetPendingTasks(n int) ([]*task.Task, error) {
	return b.tasksFromQueue(store.QueuePending, n)
}

// GetTasksByStatus returns up to n tasks from the named terminal/
// in-progress queue.
func (b *Broker) GetTasksByStatus(status task.Status, n int) ([]*task.Task, error) {
	queue := store.QueuePending
	switch status {
	case task.StatusInProgress:
		queue = store.QueueInProgress
	case task.StatusCompleted:
		queue = store.QueueCompleted
	case task.StatusFailed:
		queue = store.QueueFailed
	}
	return b.tasksFromQueue(queue, n)
}

func (b *Broker) tasksFromQueue(queue string, n int) ([]*task.Task, error) {
	ids, err := b.store.QueueTop(queue, n)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}

	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, ok, err := b.store.GetTask(id)
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// QueueLen reports how many task ids currently sit in the named queue,
// used by the status tracker to sample queue cardinalities (§4.5).
func (b *Broker) QueueLen(queue string) (int, error) {
	n, err := b.store.QueueLen(queue)
	if err != nil {
		return 0, apperrors.StoreUnavailable(err)
	}
	return n, nil
}

// SaveAgentSnapshot persists an agent's current record.
func (b *Broker) SaveAgentSnapshot(a *agent.Agent) error {
	if err := b.store.SaveAgent(a); err != nil {
		return apperrors.StoreUnavailable(err)
	}
	b.publish(ChannelAgents, NewEnvelope(uuid.NewString(), MessageAgentHeartbeat, a.ID, HeartbeatPayload{
		Status:       string(a.Status),
		CurrentTasks: a.CurrentTasks,
	}))
	return nil
}
