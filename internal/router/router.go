// Package router implements the Task Router (C4): a rule-ordered
// selection of an agent per task, and the queue-polling loop that
// drives it.
package router

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/broker"
	"github.com/taskmesh/delegator/internal/task"
)

// Condition reports whether a rule applies to a task.
type Condition func(*task.Task) bool

// Selector picks an agent for a task out of the registry, or reports
// no match.
type Selector func(reg *agent.Registry, t *task.Task) (*agent.Agent, bool)

// Rule is a (condition, selector, priority) triple evaluated in
// descending priority order; ties break by stable registration order.
type Rule struct {
	ID        string
	Name      string
	Priority  int
	Enabled   bool
	Condition Condition
	Selector  Selector

	order int
}

// FailureReason names why RouteTask failed to produce an assignment.
type FailureReason string

const (
	ReasonNoSuitableAgent FailureReason = "no_suitable_agent"
	ReasonDispatchFailed  FailureReason = "dispatch_failed"
)

// RoutingFailed is emitted whenever a routing pass could not assign a
// task.
type RoutingFailed struct {
	TaskID string
	Reason FailureReason
	At     time.Time
}

// Dispatcher sends a task request to a connected agent. The transport
// server (C2) implements this; routing itself never speaks the wire
// protocol directly.
type Dispatcher interface {
	SendTaskRequest(agentID string, payload broker.TaskRequestPayload) error
}

// Router evaluates routing rules and drives assignment.
type Router struct {
	mu    sync.RWMutex
	rules []*Rule

	registry    *agent.Registry
	broker      *broker.Broker
	dispatcher  Dispatcher
	assignments *AssignmentTracker

	nextOrder int

	failedMu  sync.Mutex
	failedSub []chan RoutingFailed

	// dispatchSem bounds concurrent dispatch attempts per poll cycle
	// (§6.4 router.batchSize), so a burst of pending tasks cannot open
	// unbounded concurrent sends to the transport layer.
	dispatchSem *semaphore.Weighted
}

// New creates a Router with the default rule set from §4.4.
func New(reg *agent.Registry, b *broker.Broker, dispatcher Dispatcher, batchSize int) *Router {
	if batchSize <= 0 {
		batchSize = 10
	}
	r := &Router{
		registry:    reg,
		broker:      b,
		dispatcher:  dispatcher,
		assignments: NewAssignmentTracker(),
		dispatchSem: semaphore.NewWeighted(int64(batchSize)),
	}
	for _, rule := range defaultRules() {
		r.AddRoutingRule(rule)
	}
	return r
}

func defaultRules() []*Rule {
	return []*Rule{
		{
			// Boundary scenario S2 requires a capability mismatch to fail
			// routing even for a high-priority task, so every selector here
			// honors RequiredCapabilities when the task names any. The
			// HighPriority, ExactCapabilityMatch and LoadBalance selectors
			// all delegate to Registry.FindBestAgent with require-all
			// matching, so they rank candidates the same way (the weighted
			// load/success-rate/health score); they differ only in their
			// conditions. HighPriority does not rank by health score alone,
			// and LoadBalance does not rank by load alone. See DESIGN.md.
			ID: "high-priority", Name: "HighPriority", Priority: 10, Enabled: true,
			Condition: func(t *task.Task) bool { return t.Priority >= 8 },
			Selector: func(reg *agent.Registry, t *task.Task) (*agent.Agent, bool) {
				return reg.FindBestAgent(agent.FindOptions{
					Capabilities: t.RequiredCapabilities,
					RequireAll:   true,
				})
			},
		},
		{
			ID: "exact-capability-match", Name: "ExactCapabilityMatch", Priority: 8, Enabled: true,
			Condition: func(t *task.Task) bool { return len(t.RequiredCapabilities) > 0 },
			Selector: func(reg *agent.Registry, t *task.Task) (*agent.Agent, bool) {
				return reg.FindBestAgent(agent.FindOptions{
					Capabilities: t.RequiredCapabilities,
					RequireAll:   true,
				})
			},
		},
		{
			ID: "load-balance", Name: "LoadBalance", Priority: 5, Enabled: true,
			Condition: func(*task.Task) bool { return true },
			Selector: func(reg *agent.Registry, t *task.Task) (*agent.Agent, bool) {
				return reg.FindBestAgent(agent.FindOptions{
					Capabilities: t.RequiredCapabilities,
					RequireAll:   true,
				})
			},
		},
		{
			ID: "fallback", Name: "Fallback", Priority: 1, Enabled: true,
			Condition: func(*task.Task) bool { return true },
			Selector: func(reg *agent.Registry, t *task.Task) (*agent.Agent, bool) {
				for _, a := range reg.All() {
					if a.Status == agent.StatusOffline || !a.HasCapacity() {
						continue
					}
					if len(t.RequiredCapabilities) > 0 && !a.HasAllCapabilities(t.RequiredCapabilities) {
						continue
					}
					return a, true
				}
				return nil, false
			},
		},
	}
}

// AddRoutingRule registers a rule, re-sorting the rule set by
// descending priority with ties broken by registration order.
func (r *Router) AddRoutingRule(rule *Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule.order = r.nextOrder
	r.nextOrder++
	r.rules = append(r.rules, rule)

	sort.SliceStable(r.rules, func(i, j int) bool {
		if r.rules[i].Priority != r.rules[j].Priority {
			return r.rules[i].Priority > r.rules[j].Priority
		}
		return r.rules[i].order < r.rules[j].order
	})
}

// RemoveRoutingRule removes a rule by id.
func (r *Router) RemoveRoutingRule(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rule := range r.rules {
		if rule.ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return
		}
	}
}

// EnableRoutingRule enables a rule by id.
func (r *Router) EnableRoutingRule(id string) { r.setEnabled(id, true) }

// DisableRoutingRule disables a rule by id.
func (r *Router) DisableRoutingRule(id string) { r.setEnabled(id, false) }

func (r *Router) setEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range r.rules {
		if rule.ID == id {
			rule.Enabled = enabled
			return
		}
	}
}

// RouteTask evaluates rules in priority order and assigns the first
// match. It records the assignment via the broker and dispatches the
// task request through the transport layer.
func (r *Router) RouteTask(t *task.Task) error {
	r.mu.RLock()
	rules := make([]*Rule, len(r.rules))
	copy(rules, r.rules)
	r.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled || !rule.Condition(t) {
			continue
		}

		chosen, ok := rule.Selector(r.registry, t)
		if !ok {
			continue
		}

		// The selector judged capacity moments ago against a snapshot;
		// reserve it now, atomically, so a concurrent dispatch for
		// another task in this same poll cycle cannot also claim the
		// last free slot on chosen (I3, S6).
		if !r.registry.ReserveCapacity(chosen.ID) {
			continue
		}

		assigned, err := r.broker.AssignTaskToAgent(t.ID, chosen.ID)
		if err != nil {
			r.registry.DecrementLoad(chosen.ID)
			return fmt.Errorf("router: assign %s to %s: %w", t.ID, chosen.ID, err)
		}
		if !assigned {
			r.registry.DecrementLoad(chosen.ID)
			continue
		}

		if err := r.dispatcher.SendTaskRequest(chosen.ID, broker.TaskRequestPayload{
			TaskID:               t.ID,
			Name:                 t.Name,
			Description:          t.Description,
			Parameters:           t.Parameters,
			RequiredCapabilities: t.RequiredCapabilities,
		}); err != nil {
			log.Printf("[ROUTER] dispatch of task %s to agent %s failed: %v", t.ID, chosen.ID, err)
			r.registry.DecrementLoad(chosen.ID)
			r.emitFailure(t.ID, ReasonDispatchFailed)
			return nil
		}

		r.assignments.Record(Assignment{
			TaskID:        t.ID,
			AgentID:       chosen.ID,
			AssignedAt:    time.Now(),
			RoutingRuleID: rule.ID,
		})

		log.Printf("[ROUTER] task %s assigned to agent %s via rule %s", t.ID, chosen.ID, rule.Name)
		return nil
	}

	r.emitFailure(t.ID, ReasonNoSuitableAgent)
	return nil
}

// PollOnce fetches up to batchSize pending tasks and routes each,
// bounding concurrent dispatch attempts via the semaphore.
func (r *Router) PollOnce(ctx context.Context, batchSize int) error {
	pending, err := r.broker.GetPendingTasks(batchSize)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, t := range pending {
		if t.Status != task.StatusPending {
			continue
		}

		if err := r.dispatchSem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			defer r.dispatchSem.Release(1)
			if err := r.RouteTask(t); err != nil {
				log.Printf("[ROUTER] routing task %s failed: %v", t.ID, err)
			}
		}(t)
	}
	wg.Wait()
	return nil
}

// Run polls for pending tasks every interval until ctx is cancelled.
func (r *Router) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.PollOnce(ctx, batchSize); err != nil {
				log.Printf("[ROUTER] poll cycle failed: %v", err)
			}
		}
	}
}

// Assignments exposes the router's live assignment tracker.
func (r *Router) Assignments() *AssignmentTracker { return r.assignments }

// WatchDisconnects reassigns in-flight work for any agent the
// registry reports as disconnected (S5): it re-publishes the task as
// Pending so the next poll cycle reassigns it.
func (r *Router) WatchDisconnects(ctx context.Context) {
	disconnects := r.registry.SubscribeDisconnect()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-disconnects:
			for _, taskID := range r.assignments.ByAgent(evt.AgentID) {
				if err := r.broker.RequeueTask(taskID); err != nil {
					log.Printf("[ROUTER] failed to requeue task %s after agent %s disconnect: %v", taskID, evt.AgentID, err)
					continue
				}
				r.assignments.Clear(taskID)
				r.registry.DecrementLoad(evt.AgentID)
				log.Printf("[ROUTER] requeued task %s after agent %s disconnect", taskID, evt.AgentID)
			}
		}
	}
}

// SubscribeFailures registers a channel that receives a RoutingFailed
// event whenever RouteTask cannot place a task.
func (r *Router) SubscribeFailures() <-chan RoutingFailed {
	r.failedMu.Lock()
	defer r.failedMu.Unlock()

	ch := make(chan RoutingFailed, 32)
	r.failedSub = append(r.failedSub, ch)
	return ch
}

func (r *Router) emitFailure(taskID string, reason FailureReason) {
	evt := RoutingFailed{TaskID: taskID, Reason: reason, At: time.Now()}

	r.failedMu.Lock()
	defer r.failedMu.Unlock()
	for _, ch := range r.failedSub {
		select {
		case ch <- evt:
		default:
			log.Printf("[ROUTER] routing-failure subscriber channel full, dropping event for %s", taskID)
		}
	}
}
