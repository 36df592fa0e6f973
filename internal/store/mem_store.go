package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/task"
)

// saveDebounce mirrors the teacher's JSONStore debounce window for
// batching bursts of writes into a single snapshot.
const saveDebounce = 2 * time.Second

type queueMember struct {
	ID    string
	Score float64
}

// MemStore is a mutex-guarded, in-memory Store with an optional
// debounced JSON snapshot to disk, the way the teacher's JSONStore
// debounces persistence.Store saves via time.AfterFunc.
type MemStore struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	agents map[string]*agent.Agent
	queues map[string][]queueMember
	retry  map[string]int

	snapshotPath string
	saveTimer    *time.Timer
	saveMu       sync.Mutex
}

// NewMemStore creates an empty store. If snapshotPath is non-empty,
// state is flushed there saveDebounce after the last write and loaded
// back on startup.
func NewMemStore(snapshotPath string) *MemStore {
	s := &MemStore{
		tasks:        make(map[string]*task.Task),
		agents:       make(map[string]*agent.Agent),
		queues:       make(map[string][]queueMember),
		retry:        make(map[string]int),
		snapshotPath: snapshotPath,
	}
	if snapshotPath != "" {
		if err := s.load(); err != nil {
			log.Printf("[STORE] no snapshot loaded from %s: %v", snapshotPath, err)
		}
	}
	return s
}

func (s *MemStore) SaveTask(t *task.Task) error {
	s.mu.Lock()
	s.tasks[t.ID] = t.Clone()
	s.mu.Unlock()
	s.scheduleSave()
	return nil
}

func (s *MemStore) GetTask(id string) (*task.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (s *MemStore) DeleteTask(id string) error {
	s.mu.Lock()
	delete(s.tasks, id)
	delete(s.retry, id)
	s.mu.Unlock()
	s.scheduleSave()
	return nil
}

func (s *MemStore) AllTasks() ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *MemStore) SaveAgent(a *agent.Agent) error {
	s.mu.Lock()
	s.agents[a.ID] = a.Clone()
	s.mu.Unlock()
	s.scheduleSave()
	return nil
}

func (s *MemStore) GetAgent(id string) (*agent.Agent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

func (s *MemStore) DeleteAgent(id string) error {
	s.mu.Lock()
	delete(s.agents, id)
	s.mu.Unlock()
	s.scheduleSave()
	return nil
}

func (s *MemStore) EnqueueKeyed(queue string, id string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.queues[queue]
	for i, m := range members {
		if m.ID == id {
			members[i].Score = score
			s.sortQueueLocked(queue)
			return nil
		}
	}
	s.queues[queue] = append(members, queueMember{ID: id, Score: score})
	s.sortQueueLocked(queue)
	return nil
}

func (s *MemStore) RemoveFromQueue(queue string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.queues[queue]
	for i, m := range members {
		if m.ID == id {
			s.queues[queue] = append(members[:i], members[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) QueueTop(queue string, n int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.queues[queue]
	if n <= 0 || n > len(members) {
		n = len(members)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = members[i].ID
	}
	return out, nil
}

func (s *MemStore) QueueLen(queue string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[queue]), nil
}

func (s *MemStore) IncrementRetry(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retry[taskID]++
	return s.retry[taskID], nil
}

func (s *MemStore) sortQueueLocked(queue string) {
	members := s.queues[queue]
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Score > members[j].Score
	})
}

type memStoreSnapshot struct {
	Tasks  map[string]*task.Task    `json:"tasks"`
	Agents map[string]*agent.Agent  `json:"agents"`
	Queues map[string][]queueMember `json:"queues"`
	Retry  map[string]int           `json:"retry"`
}

// scheduleSave debounces writes to disk the way the teacher's
// JSONStore.scheduleSave batches bursty updates into one flush.
func (s *MemStore) scheduleSave() {
	if s.snapshotPath == "" {
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		if err := s.flush(); err != nil {
			log.Printf("[STORE] snapshot flush failed: %v", err)
		}
	})
}

func (s *MemStore) flush() error {
	s.mu.RLock()
	snap := memStoreSnapshot{
		Tasks:  s.tasks,
		Agents: s.agents,
		Queues: s.queues,
		Retry:  s.retry,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	return os.WriteFile(s.snapshotPath, data, 0o644)
}

func (s *MemStore) load() error {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}

	var snap memStoreSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: unmarshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Tasks != nil {
		s.tasks = snap.Tasks
	}
	if snap.Agents != nil {
		s.agents = snap.Agents
	}
	if snap.Queues != nil {
		s.queues = snap.Queues
	}
	if snap.Retry != nil {
		s.retry = snap.Retry
	}
	return nil
}
