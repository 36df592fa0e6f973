// Package recovery implements the Error Handler (C6): classification,
// strategy selection, retry/backoff, the fallback ladder, and a
// per-agent circuit breaker.
package recovery

import (
	"log"
	"sync"
	"time"

	"github.com/taskmesh/delegator/internal/broker"
	"github.com/taskmesh/delegator/internal/task"
)

// Strategy is the recovery action chosen for an error context.
type Strategy string

const (
	StrategyReassign       Strategy = "reassign"
	StrategyRetry          Strategy = "retry"
	StrategyFallback       Strategy = "fallback"
	StrategyEscalate       Strategy = "escalate"
	StrategyCircuitBreaker Strategy = "circuit_breaker"
	StrategyAbort          Strategy = "abort"
)

// ladder is the fixed fallback progression a task walks down once its
// current strategy's retries are exhausted.
var ladder = []Strategy{StrategyReassign, StrategyRetry, StrategyFallback, StrategyEscalate}

// SelectStrategy implements §4.6's strategy-selection table.
func SelectStrategy(ec ErrorContext) Strategy {
	switch ec.Type {
	case ErrorCommunication, ErrorTaskTimeout:
		return StrategyReassign
	case ErrorTaskFailure:
		if ec.Severity == SeverityCritical {
			return StrategyEscalate
		}
		return StrategyRetry
	case ErrorRouting:
		return StrategyRetry
	case ErrorResourceExhausted:
		return StrategyCircuitBreaker
	default:
		return StrategyRetry
	}
}

// DefaultRetryDelays is the exponential backoff table from §4.6, used
// when a Handler is not configured with config.Errors.RetryDelays.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

func backoffDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(delays) {
		attempt = len(delays) - 1
	}
	return delays[attempt]
}

// Escalation is emitted when a task reaches the Escalate rung.
type Escalation struct {
	TaskID   string
	AgentID  string
	Severity Severity
	Message  string
	At       time.Time
}

// Handler orchestrates recovery for classified error contexts.
type Handler struct {
	broker *broker.Broker
	cb     *Manager

	defaultMaxRetries int
	fallbackDelay     time.Duration
	retryDelays       []time.Duration

	mu    sync.Mutex
	rungs map[string]int // taskID -> index into ladder of the strategy last attempted

	escalateMu  sync.Mutex
	escalateSub []chan Escalation
}

// NewHandler creates a Handler. defaultMaxRetries backs error types
// §4.6 does not name explicitly; fallbackDelay matches the 5s wait
// between ladder advances (tests may shrink it); retryDelays overrides
// DefaultRetryDelays when non-empty, wiring config.Errors.RetryDelays.
func NewHandler(b *broker.Broker, cb *Manager, defaultMaxRetries int, fallbackDelay time.Duration, retryDelays []time.Duration) *Handler {
	return &Handler{
		broker:            b,
		cb:                cb,
		defaultMaxRetries: defaultMaxRetries,
		fallbackDelay:     fallbackDelay,
		retryDelays:       retryDelays,
		rungs:             make(map[string]int),
	}
}

func (h *Handler) maxRetries(ec ErrorContext) int {
	if ec.Severity == SeverityCritical {
		return 1
	}
	switch ec.Type {
	case ErrorCommunication:
		return 5
	case ErrorTaskTimeout:
		return 3
	case ErrorTaskFailure:
		return 2
	default:
		return h.defaultMaxRetries
	}
}

// Handle classifies-and-acts on one error context: it records the
// outcome against the agent's circuit breaker (if any), then, unless
// that agent's breaker is now Open, drives the chosen strategy. An
// Open breaker blocks further recovery attempts on that agent (§4.6):
// the task instead advances straight to the next fallback rung rather
// than retrying or reassigning against an agent already judged
// unhealthy (S3).
func (h *Handler) Handle(ec ErrorContext) {
	if ec.AgentID != "" && h.cb != nil {
		cb := h.cb.Get(ec.AgentID)
		cb.RecordFailure()
		if !cb.Allow() {
			log.Printf("[RECOVERY] circuit breaker open for agent %s, skipping recovery attempt for task %s", ec.AgentID, ec.TaskID)
			h.advance(ec)
			return
		}
	}

	strategy := SelectStrategy(ec)
	h.setRung(ec.TaskID, indexOf(strategy))
	h.apply(ec, strategy)
}

func (h *Handler) apply(ec ErrorContext, strategy Strategy) {
	switch strategy {
	case StrategyReassign, StrategyRetry, StrategyFallback:
		h.retryOrAdvance(ec)
	case StrategyCircuitBreaker:
		// The failure against ec.AgentID's breaker is already recorded
		// once in Handle; recording it again here would reach the open
		// threshold in half the configured failures.
		h.retryOrAdvance(ec)
	case StrategyEscalate:
		h.escalate(ec)
		// Escalate is the ladder's last rung and there is no automated
		// resolution path once an operator is paged, so the task still
		// ends up aborted after the standard fallback wait.
		time.AfterFunc(h.fallbackDelay, func() { h.abort(ec) })
	case StrategyAbort:
		h.abort(ec)
	}
}

// retryOrAdvance requeues the task if its retry budget allows,
// otherwise advances the fallback ladder. The budget is judged
// against C1's retry counter (bumped here), not the task record's own
// RetryCount field, since the two are independent bookkeeping per
// §6.3: the counter tracks recovery attempts, the field is the task's
// own history.
func (h *Handler) retryOrAdvance(ec ErrorContext) {
	if ec.TaskID == "" {
		h.advance(ec)
		return
	}

	// A ladder continuation (apply scheduled via advance's AfterFunc)
	// reaches here after fallbackDelay has elapsed, by which time other
	// failures may have opened the breaker; re-check rather than trust
	// the state Handle observed when this error context first arrived.
	if ec.AgentID != "" && h.cb != nil && !h.cb.Get(ec.AgentID).Allow() {
		log.Printf("[RECOVERY] circuit breaker open for agent %s, skipping retry of task %s", ec.AgentID, ec.TaskID)
		h.advance(ec)
		return
	}

	if _, err := h.broker.GetTask(ec.TaskID); err != nil {
		log.Printf("[RECOVERY] task %s not found while handling %s: %v", ec.TaskID, ec.Type, err)
		return
	}

	attempt, err := h.broker.IncrementTaskRetry(ec.TaskID)
	if err != nil {
		log.Printf("[RECOVERY] failed to increment retry for %s: %v", ec.TaskID, err)
		return
	}

	if attempt > h.maxRetries(ec) {
		h.advance(ec)
		return
	}

	delay := backoffDelay(h.retryDelays, attempt-1)
	log.Printf("[RECOVERY] retrying task %s in %s (attempt %d)", ec.TaskID, delay, attempt)
	time.AfterFunc(delay, func() {
		if err := h.broker.RequeueTask(ec.TaskID); err != nil {
			log.Printf("[RECOVERY] failed to requeue task %s: %v", ec.TaskID, err)
		}
	})
}

// advance moves a task to the next ladder rung after fallbackDelay
// (5s as the engine wires it), terminating in Abort once the ladder is
// exhausted.
func (h *Handler) advance(ec ErrorContext) {
	next := h.nextRung(ec.TaskID)
	if next >= len(ladder) {
		time.AfterFunc(h.fallbackDelay, func() { h.abort(ec) })
		return
	}

	strategy := ladder[next]
	h.setRung(ec.TaskID, next)
	log.Printf("[RECOVERY] task %s advancing to fallback rung %s", ec.TaskID, strategy)
	time.AfterFunc(h.fallbackDelay, func() { h.apply(ec, strategy) })
}

func (h *Handler) escalate(ec ErrorContext) {
	evt := Escalation{TaskID: ec.TaskID, AgentID: ec.AgentID, Severity: ec.Severity, Message: ec.Message, At: time.Now()}
	log.Printf("[RECOVERY] escalating task %s: %s", ec.TaskID, ec.Message)

	h.escalateMu.Lock()
	subs := make([]chan Escalation, len(h.escalateSub))
	copy(subs, h.escalateSub)
	h.escalateMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			log.Printf("[RECOVERY] escalation subscriber channel full, dropping event for %s", ec.TaskID)
		}
	}
}

// abort publishes a terminal TaskFailed response and leaves the task
// in the failed state (§4.6).
func (h *Handler) abort(ec ErrorContext) {
	if ec.TaskID == "" {
		return
	}
	log.Printf("[RECOVERY] aborting task %s: unrecoverable", ec.TaskID)
	if err := h.broker.PublishTaskResponse(broker.TaskResponsePayload{
		TaskID: ec.TaskID,
		Status: string(task.StatusFailed),
		Error:  "unrecoverable",
	}); err != nil {
		log.Printf("[RECOVERY] failed to publish terminal failure for %s: %v", ec.TaskID, err)
	}
}

// SubscribeEscalations registers a channel that receives every
// Escalation.
func (h *Handler) SubscribeEscalations() <-chan Escalation {
	h.escalateMu.Lock()
	defer h.escalateMu.Unlock()
	ch := make(chan Escalation, 32)
	h.escalateSub = append(h.escalateSub, ch)
	return ch
}

func (h *Handler) setRung(taskID string, idx int) {
	if taskID == "" {
		return
	}
	h.mu.Lock()
	h.rungs[taskID] = idx
	h.mu.Unlock()
}

func (h *Handler) nextRung(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rungs[taskID] + 1
}

func indexOf(s Strategy) int {
	for i, rung := range ladder {
		if rung == s {
			return i
		}
	}
	return -1
}
