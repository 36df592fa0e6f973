package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/taskmesh/delegator/internal/agent"
	"github.com/taskmesh/delegator/internal/task"
)

// SQLiteStore persists tasks, agents, queue membership and retry
// counters through modernc.org/sqlite, the pure-Go driver the teacher's
// wider example pack reaches for in place of mattn/go-sqlite3's cgo
// dependency. It implements the same Store contract as MemStore so the
// broker can be pointed at either without change.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) a SQLite database at path
// and ensures its schema exists. Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id   TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id   TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_members (
			queue TEXT NOT NULL,
			id    TEXT NOT NULL,
			score REAL NOT NULL,
			PRIMARY KEY (queue, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_members_queue_score
			ON queue_members (queue, score DESC)`,
		`CREATE TABLE IF NOT EXISTS retry_counts (
			task_id TEXT PRIMARY KEY,
			count   INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveTask(t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal task: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO tasks (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		t.ID, string(data),
	)
	if err != nil {
		return fmt.Errorf("store: save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(id string) (*task.Task, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, false, fmt.Errorf("store: unmarshal task %s: %w", id, err)
	}
	return &t, true, nil
}

func (s *SQLiteStore) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete task %s: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM retry_counts WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete retry count %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AllTasks() ([]*task.Task, error) {
	rows, err := s.db.Query(`SELECT data FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("store: unmarshal task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveAgent(a *agent.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: marshal agent: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO agents (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		a.ID, string(data),
	)
	if err != nil {
		return fmt.Errorf("store: save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(id string) (*agent.Agent, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM agents WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get agent %s: %w", id, err)
	}
	var a agent.Agent
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, false, fmt.Errorf("store: unmarshal agent %s: %w", id, err)
	}
	return &a, true, nil
}

func (s *SQLiteStore) DeleteAgent(id string) error {
	if _, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete agent %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) EnqueueKeyed(queue string, id string, score float64) error {
	_, err := s.db.Exec(
		`INSERT INTO queue_members (queue, id, score) VALUES (?, ?, ?)
		 ON CONFLICT(queue, id) DO UPDATE SET score = excluded.score`,
		queue, id, score,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue %s/%s: %w", queue, id, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveFromQueue(queue string, id string) error {
	if _, err := s.db.Exec(`DELETE FROM queue_members WHERE queue = ? AND id = ?`, queue, id); err != nil {
		return fmt.Errorf("store: dequeue %s/%s: %w", queue, id, err)
	}
	return nil
}

func (s *SQLiteStore) QueueTop(queue string, n int) ([]string, error) {
	query := `SELECT id FROM queue_members WHERE queue = ? ORDER BY score DESC`
	args := []any{queue}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: queue top %s: %w", queue, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan queue member: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) QueueLen(queue string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_members WHERE queue = ?`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: queue len %s: %w", queue, err)
	}
	return n, nil
}

func (s *SQLiteStore) IncrementRetry(taskID string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin retry tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO retry_counts (task_id, count) VALUES (?, 1)
		 ON CONFLICT(task_id) DO UPDATE SET count = count + 1`,
		taskID,
	)
	if err != nil {
		return 0, fmt.Errorf("store: increment retry %s: %w", taskID, err)
	}

	var n int
	if err := tx.QueryRow(`SELECT count FROM retry_counts WHERE task_id = ?`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: read retry count %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit retry tx: %w", err)
	}
	return n, nil
}

var _ Store = (*SQLiteStore)(nil)
