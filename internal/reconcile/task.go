package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/database"
)

// TaskStatus is the state of a reconciliation task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is a confirmed payment whose plan update still has to be applied.
type Task struct {
	Reference     string     `json:"reference"`
	Status        TaskStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskStore persists reconciliation tasks, one per payment reference.
type TaskStore interface {
	// Enqueue creates the task, or reopens it with the new reason.
	Enqueue(ctx context.Context, reference, reason string, now time.Time) error
	Get(ctx context.Context, reference string) (*Task, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	MarkDone(ctx context.Context, reference string, now time.Time) error
	// MarkRetry records a failed attempt and schedules the next one.
	MarkRetry(ctx context.Context, reference, lastErr string, next, now time.Time) error
	MarkFailed(ctx context.Context, reference, lastErr string, now time.Time) error
}

// Queue adapts a TaskStore to the payment service's reconciliation queue.
type Queue struct {
	store TaskStore
	now   func() time.Time
}

// NewQueue creates a new queue.
func NewQueue(store TaskStore) *Queue {
	return &Queue{store: store, now: time.Now}
}

// Enqueue parks reference for re-drive.
func (q *Queue) Enqueue(ctx context.Context, reference, reason string) error {
	return q.store.Enqueue(ctx, reference, reason, q.now().UTC())
}

// PostgresTaskStore implements TaskStore using PostgreSQL.
type PostgresTaskStore struct {
	db *database.DB
}

// NewPostgresTaskStore creates a new PostgreSQL task store.
func NewPostgresTaskStore(db *database.DB) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

const selectTask = `
	SELECT reference, status, attempts, COALESCE(last_error, ''), next_attempt_at, created_at, updated_at
	FROM reconciliation_tasks
`

func (s *PostgresTaskStore) Enqueue(ctx context.Context, reference, reason string, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reconciliation_tasks (reference, status, attempts, last_error, next_attempt_at, created_at, updated_at)
		VALUES ($1, 'pending', 0, $2, $3, $3, $3)
		ON CONFLICT (reference) DO UPDATE SET
			status = 'pending',
			last_error = EXCLUDED.last_error,
			next_attempt_at = EXCLUDED.next_attempt_at,
			updated_at = EXCLUDED.updated_at
	`, reference, reason, now)
	if err != nil {
		return apperr.Persistence("reconcile.Enqueue", fmt.Errorf("upsert task: %w", err))
	}
	return nil
}

func (s *PostgresTaskStore) Get(ctx context.Context, reference string) (*Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, selectTask+` WHERE reference = $1`, reference))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound("reconcile.Get", "no reconciliation task for %s", reference)
		}
		return nil, apperr.Persistence("reconcile.Get", err)
	}
	return t, nil
}

func (s *PostgresTaskStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	rows, err := s.db.Query(ctx,
		selectTask+` WHERE status = 'pending' AND next_attempt_at <= $1 ORDER BY next_attempt_at LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, apperr.Persistence("reconcile.ListDue", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Persistence("reconcile.ListDue", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("reconcile.ListDue", err)
	}
	return tasks, nil
}

func (s *PostgresTaskStore) MarkDone(ctx context.Context, reference string, now time.Time) error {
	return s.exec(ctx, "reconcile.MarkDone", `
		UPDATE reconciliation_tasks SET status = 'done', attempts = attempts + 1, updated_at = $2
		WHERE reference = $1
	`, reference, now)
}

func (s *PostgresTaskStore) MarkRetry(ctx context.Context, reference, lastErr string, next, now time.Time) error {
	return s.exec(ctx, "reconcile.MarkRetry", `
		UPDATE reconciliation_tasks SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, updated_at = $4
		WHERE reference = $1
	`, reference, lastErr, next, now)
}

func (s *PostgresTaskStore) MarkFailed(ctx context.Context, reference, lastErr string, now time.Time) error {
	return s.exec(ctx, "reconcile.MarkFailed", `
		UPDATE reconciliation_tasks SET status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = $3
		WHERE reference = $1
	`, reference, lastErr, now)
}

func (s *PostgresTaskStore) exec(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(op, "no reconciliation task for %v", args[0])
	}
	return nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	if err := row.Scan(&t.Reference, &t.Status, &t.Attempts, &t.LastError, &t.NextAttemptAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// MemoryTaskStore is an in-process TaskStore.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryTaskStore creates an empty task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*Task)}
}

func (s *MemoryTaskStore) Enqueue(ctx context.Context, reference, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[reference]
	if !ok {
		t = &Task{Reference: reference, CreatedAt: now}
		s.tasks[reference] = t
	}
	t.Status = TaskPending
	t.LastError = reason
	t.NextAttemptAt = now
	t.UpdatedAt = now
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, reference string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[reference]
	if !ok {
		return nil, apperr.NotFound("reconcile.Get", "no reconciliation task for %s", reference)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTaskStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Status == TaskPending && !t.NextAttemptAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryTaskStore) MarkDone(ctx context.Context, reference string, now time.Time) error {
	return s.update("reconcile.MarkDone", reference, func(t *Task) {
		t.Status = TaskDone
		t.Attempts++
		t.UpdatedAt = now
	})
}

func (s *MemoryTaskStore) MarkRetry(ctx context.Context, reference, lastErr string, next, now time.Time) error {
	return s.update("reconcile.MarkRetry", reference, func(t *Task) {
		t.Attempts++
		t.LastError = lastErr
		t.NextAttemptAt = next
		t.UpdatedAt = now
	})
}

func (s *MemoryTaskStore) MarkFailed(ctx context.Context, reference, lastErr string, now time.Time) error {
	return s.update("reconcile.MarkFailed", reference, func(t *Task) {
		t.Status = TaskFailed
		t.Attempts++
		t.LastError = lastErr
		t.UpdatedAt = now
	})
}

func (s *MemoryTaskStore) update(op, reference string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[reference]
	if !ok {
		return apperr.NotFound(op, "no reconciliation task for %s", reference)
	}
	fn(t)
	return nil
}
