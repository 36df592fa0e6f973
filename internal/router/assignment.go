package router

import (
	"sync"
	"time"
)

// Assignment is a live binding from a task to an agent (§3). At most
// one active assignment exists per TaskId; an AgentId may hold
// multiple active assignments bounded by its MaxConcurrentTasks.
type Assignment struct {
	TaskID        string
	AgentID       string
	AssignedAt    time.Time
	RoutingRuleID string
}

// AssignmentTracker indexes active assignments by both TaskId and
// AgentId so the router can answer "what is agent A currently
// holding" in O(1) when an agent disconnects (S5).
type AssignmentTracker struct {
	mu        sync.RWMutex
	byTask    map[string]*Assignment
	byAgent   map[string]map[string]struct{} // agentID -> set of taskIDs
}

// NewAssignmentTracker creates an empty tracker.
func NewAssignmentTracker() *AssignmentTracker {
	return &AssignmentTracker{
		byTask:  make(map[string]*Assignment),
		byAgent: make(map[string]map[string]struct{}),
	}
}

// Record stores a new active assignment, replacing any prior
// assignment for the same task.
func (t *AssignmentTracker) Record(a Assignment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prior, ok := t.byTask[a.TaskID]; ok {
		t.removeFromAgentIndexLocked(prior.AgentID, prior.TaskID)
	}

	t.byTask[a.TaskID] = &a
	set, ok := t.byAgent[a.AgentID]
	if !ok {
		set = make(map[string]struct{})
		t.byAgent[a.AgentID] = set
	}
	set[a.TaskID] = struct{}{}
}

// Clear removes the active assignment for a task, if any.
func (t *AssignmentTracker) Clear(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.byTask[taskID]
	if !ok {
		return
	}
	delete(t.byTask, taskID)
	t.removeFromAgentIndexLocked(a.AgentID, taskID)
}

func (t *AssignmentTracker) removeFromAgentIndexLocked(agentID, taskID string) {
	set, ok := t.byAgent[agentID]
	if !ok {
		return
	}
	delete(set, taskID)
	if len(set) == 0 {
		delete(t.byAgent, agentID)
	}
}

// ByAgent returns the task IDs currently assigned to agentID.
func (t *AssignmentTracker) ByAgent(agentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.byAgent[agentID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Get returns the active assignment for a task, if any.
func (t *AssignmentTracker) Get(taskID string) (Assignment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.byTask[taskID]
	if !ok {
		return Assignment{}, false
	}
	return *a, true
}

// Len reports the number of active assignments held by agentID.
func (t *AssignmentTracker) Len(agentID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byAgent[agentID])
}
