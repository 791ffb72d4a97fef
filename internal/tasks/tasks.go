// Package tasks exposes the narrow view of a marketplace task the escrow engine needs:
// who pays, who gets paid, and which escrow wallet backs it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-market/hive/internal/ledger"
)

// ErrTaskConflict is returned when a save would change a task's tasker or escrow reference, or
// reuse an escrow reference held by another task.
var ErrTaskConflict = errors.New("task conflict")

// Task is a posted job. DoerID is empty until a doer accepts it.
type Task struct {
	ID        string
	TaskerID  string
	DoerID    string
	EscrowRef string
	CreatedAt time.Time
}

// EscrowKey returns the reference a new escrow for the task is funded under.
func (t Task) EscrowKey() string {
	if t.EscrowRef != "" {
		return t.EscrowRef
	}
	return t.ID
}

// Directory is the task provider consumed by the escrow engine.
type Directory interface {
	Task(ctx context.Context, taskID string) (Task, error)
}

// Repository is a Directory that also records tasks and doer assignment.
type Repository interface {
	Directory
	Save(ctx context.Context, t Task) error
}

// PostgresDirectory reads tasks from PostgreSQL.
type PostgresDirectory struct {
	db *pgxpool.Pool
}

// NewPostgresDirectory builds a Postgres-backed task directory.
func NewPostgresDirectory(db *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Task fetches a task by identifier.
func (d *PostgresDirectory) Task(ctx context.Context, taskID string) (Task, error) {
	row := d.db.QueryRow(ctx, `SELECT id, tasker_id, COALESCE(doer_id, ''), escrow_ref, created_at
        FROM tasks WHERE id = $1`, taskID)
	var t Task
	if err := row.Scan(&t.ID, &t.TaskerID, &t.DoerID, &t.EscrowRef, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("task %s: %w", taskID, ledger.ErrNotFound)
		}
		return Task{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// Save inserts a task or updates its doer. The tasker and escrow reference are fixed once
// the task exists.
func (d *PostgresDirectory) Save(ctx context.Context, t Task) error {
	var doer any
	if t.DoerID != "" {
		doer = t.DoerID
	}
	tag, err := d.db.Exec(ctx, `INSERT INTO tasks (id, tasker_id, doer_id, escrow_ref)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET doer_id = EXCLUDED.doer_id
        WHERE tasks.tasker_id = EXCLUDED.tasker_id AND tasks.escrow_ref = EXCLUDED.escrow_ref`,
		t.ID, t.TaskerID, doer, t.EscrowRef)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("save task %s: escrow reference %s in use: %w", t.ID, t.EscrowRef, ErrTaskConflict)
		}
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save task %s: tasker or escrow reference changed: %w", t.ID, ErrTaskConflict)
	}
	return nil
}

// MemoryDirectory is an in-memory Directory for tests and development.
type MemoryDirectory struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewMemoryDirectory builds an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{tasks: make(map[string]Task)}
}

// Put stores or replaces a task without the checks Save applies.
func (d *MemoryDirectory) Put(t Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	d.tasks[t.ID] = t
}

// Save inserts a task or updates its doer under the same rules as PostgresDirectory.Save.
func (d *MemoryDirectory) Save(_ context.Context, t Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.tasks[t.ID]; ok {
		if current.TaskerID != t.TaskerID || current.EscrowRef != t.EscrowRef {
			return fmt.Errorf("save task %s: tasker or escrow reference changed: %w", t.ID, ErrTaskConflict)
		}
		current.DoerID = t.DoerID
		d.tasks[t.ID] = current
		return nil
	}
	if t.EscrowRef != "" {
		for _, other := range d.tasks {
			if other.EscrowRef == t.EscrowRef {
				return fmt.Errorf("save task %s: escrow reference %s in use: %w", t.ID, t.EscrowRef, ErrTaskConflict)
			}
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	d.tasks[t.ID] = t
	return nil
}

// Task fetches a task by identifier.
func (d *MemoryDirectory) Task(_ context.Context, taskID string) (Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ledger.ErrNotFound)
	}
	return t, nil
}
