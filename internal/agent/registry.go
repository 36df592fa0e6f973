package agent

import (
	"log"
	"sort"
	"sync"
	"time"
)

// DisconnectEvent is emitted whenever an agent is marked Offline,
// whether by explicit disconnect or by heartbeat staleness. The task
// router subscribes to these to reassign in-flight work (§4.4).
type DisconnectEvent struct {
	AgentID string
	At      time.Time
}

// FindOptions constrains agent selection.
type FindOptions struct {
	Capabilities []string
	RequireAll   bool // true = all-of, false = any-of
}

// Registry is the live in-memory agent table and capability inverse
// index (C3). It is the sole owner of agent state; the KV store keeps
// the record of truth and is reconciled into the registry via events,
// not read directly by callers of Registry.
type Registry struct {
	mu                sync.RWMutex
	agents            map[string]*Agent
	capabilityIndex   map[string]map[string]struct{} // capability -> set of agent IDs
	registrationOrder map[string]int
	nextOrder         int

	heartbeatInterval time.Duration

	disconnectMu  sync.Mutex
	disconnectSub []chan DisconnectEvent
}

// NewRegistry creates a registry that judges staleness against
// heartbeatInterval (§4.3's health-score formula).
func NewRegistry(heartbeatInterval time.Duration) *Registry {
	return &Registry{
		agents:            make(map[string]*Agent),
		capabilityIndex:   make(map[string]map[string]struct{}),
		registrationOrder: make(map[string]int),
		heartbeatInterval: heartbeatInterval,
	}
}

// Register adds or replaces an agent's entry and indexes its
// capabilities. Re-registration of a known AgentId refreshes its
// capabilities and connection.
func (r *Registry) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = now
	}
	a.LastSeen = now
	if a.Status == "" {
		a.Status = StatusAvailable
	}

	if existing, ok := r.agents[a.ID]; ok {
		r.unindexLocked(existing)
	} else {
		r.registrationOrder[a.ID] = r.nextOrder
		r.nextOrder++
	}

	r.agents[a.ID] = a
	r.indexLocked(a)

	log.Printf("[REGISTRY] agent %s registered with capabilities %v", a.ID, a.Capabilities)
}

func (r *Registry) indexLocked(a *Agent) {
	for _, c := range a.Capabilities {
		set, ok := r.capabilityIndex[c]
		if !ok {
			set = make(map[string]struct{})
			r.capabilityIndex[c] = set
		}
		set[a.ID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(a *Agent) {
	for _, c := range a.Capabilities {
		if set, ok := r.capabilityIndex[c]; ok {
			delete(set, a.ID)
			if len(set) == 0 {
				delete(r.capabilityIndex, c)
			}
		}
	}
}

// Heartbeat applies an agent's latest self-reported status and
// current load. Applying the same heartbeat twice in a row is
// idempotent (R2): LastSeen advances but status/currentTasks settle
// on the same values.
func (r *Registry) Heartbeat(agentID string, status Status, currentTasks int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return false
	}

	a.LastSeen = time.Now()
	a.Status = status
	a.CurrentTasks = currentTasks
	return true
}

// Disconnect marks an agent Offline, clears its connection reference,
// and notifies subscribers so the router can reassign any of its
// in-flight work (S5).
func (r *Registry) Disconnect(agentID string) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if ok {
		a.Status = StatusOffline
		a.ConnectionID = ""
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	log.Printf("[REGISTRY] agent %s disconnected", agentID)
	r.emitDisconnect(agentID)
}

// CheckStale marks agents Offline whose LastSeen has exceeded
// heartbeatInterval x maxMissed, mirroring the teacher's
// heartbeat-checker loop. Returns the IDs newly marked stale.
func (r *Registry) CheckStale(maxMissedHeartbeats int) []string {
	threshold := r.heartbeatInterval * time.Duration(maxMissedHeartbeats)

	r.mu.Lock()
	var stale []string
	now := time.Now()
	for id, a := range r.agents {
		if a.Status == StatusOffline {
			continue
		}
		if now.Sub(a.LastSeen) > threshold {
			a.Status = StatusOffline
			a.ConnectionID = ""
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		log.Printf("[REGISTRY] agent %s marked offline: no heartbeat in %s", id, threshold)
		r.emitDisconnect(id)
	}
	return stale
}

// ReserveCapacity atomically checks and claims one unit of an agent's
// capacity, incrementing CurrentTasks only if HasCapacity still holds.
// Routing a burst of pending tasks dispatches assignments from
// multiple goroutines concurrently, so the check and the increment
// must happen under the same lock: judging capacity first and
// incrementing afterward would let two goroutines both see the last
// free slot and both take it (I3, S6).
func (r *Registry) ReserveCapacity(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok || !a.HasCapacity() {
		return false
	}
	a.CurrentTasks++
	return true
}

// DecrementLoad reverses ReserveCapacity once a task's outcome is
// known, so a completed or failed task frees capacity immediately
// rather than waiting on the next heartbeat.
func (r *Registry) DecrementLoad(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok && a.CurrentTasks > 0 {
		a.CurrentTasks--
	}
}

// RecordTaskOutcome updates an agent's completed/failed counters,
// which feed its successRate.
func (r *Registry) RecordTaskOutcome(agentID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	if success {
		a.Completed++
	} else {
		a.Failed++
	}
}

// Get returns a copy of the named agent, or nil if unknown.
func (r *Registry) Get(agentID string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	return a.Clone()
}

// All returns a copy of every known agent.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out
}

// Connected returns every agent that currently holds a live
// connection reference.
func (r *Registry) Connected() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0)
	for _, a := range r.agents {
		if a.ConnectionID != "" {
			out = append(out, a.Clone())
		}
	}
	return out
}

// CapabilityIndexSnapshot returns the set of agent IDs advertising c,
// used by tests asserting I6's exactness invariant.
func (r *Registry) CapabilityIndexSnapshot(c string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.capabilityIndex[c]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FindBestAgent implements §4.3's selection: filter to healthy,
// available agents satisfying the capability constraint, then pick
// the highest weighted score (30 load, 30 success rate, 40 health).
// Ties break by lowest load, then registration order.
func (r *Registry) FindBestAgent(opts FindOptions) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		agent *Agent
		score float64
		order int
	}

	var candidates []scored
	for id, a := range r.agents {
		if !a.IsHealthy(r.heartbeatInterval) {
			continue
		}
		if !a.HasCapacity() {
			continue
		}
		if opts.RequireAll {
			if !a.HasAllCapabilities(opts.Capabilities) {
				continue
			}
		} else if len(opts.Capabilities) > 0 {
			if !a.HasAnyCapability(opts.Capabilities) {
				continue
			}
		}

		loadScore := (1 - a.LoadFraction()) * 30
		successScore := a.SuccessRate() / 100 * 30
		healthScore := a.HealthScore(r.heartbeatInterval) / 100 * 40

		candidates = append(candidates, scored{
			agent: a,
			score: loadScore + successScore + healthScore,
			order: r.registrationOrder[id],
		})
	}

	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].agent.LoadFraction() != candidates[j].agent.LoadFraction() {
			return candidates[i].agent.LoadFraction() < candidates[j].agent.LoadFraction()
		}
		return candidates[i].order < candidates[j].order
	})

	return candidates[0].agent.Clone(), true
}

// SubscribeDisconnect registers a channel that receives a
// DisconnectEvent whenever an agent goes offline.
func (r *Registry) SubscribeDisconnect() <-chan DisconnectEvent {
	r.disconnectMu.Lock()
	defer r.disconnectMu.Unlock()

	ch := make(chan DisconnectEvent, 32)
	r.disconnectSub = append(r.disconnectSub, ch)
	return ch
}

func (r *Registry) emitDisconnect(agentID string) {
	evt := DisconnectEvent{AgentID: agentID, At: time.Now()}

	r.disconnectMu.Lock()
	defer r.disconnectMu.Unlock()

	for _, ch := range r.disconnectSub {
		select {
		case ch <- evt:
		default:
			log.Printf("[REGISTRY] disconnect subscriber channel full, dropping event for %s", agentID)
		}
	}
}
