package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/askarian/questor/internal/engine"
)

// Store persists task snapshots in Postgres. Every save writes the whole
// snapshot as jsonb behind a version guard, so a task row is always a
// consistent picture of the state machine.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// CreateTask inserts a new task row at its initial version.
func (s *Store) CreateTask(ctx context.Context, t *engine.Task) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO tasks (id, query, status, snapshot, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, t.ID, t.Query, string(t.Status), snapshot, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// LoadTask returns the task snapshot. The version column is authoritative
// over whatever the snapshot carries.
func (s *Store) LoadTask(ctx context.Context, id string) (*engine.Task, error) {
	var (
		snapshot []byte
		version  int64
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT snapshot, version FROM tasks WHERE id=$1
`, id).Scan(&snapshot, &version)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var t engine.Task
	if err := json.Unmarshal(snapshot, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	t.Version = version
	if t.Steps == nil {
		t.Steps = make(map[string]*engine.StepResult)
	}
	return &t, nil
}

// SaveTask writes the snapshot if and only if the stored version still
// matches expectedVersion, bumping the version in the same statement. A
// stale writer gets ErrVersionConflict and must re-read.
func (s *Store) SaveTask(ctx context.Context, t *engine.Task, expectedVersion int64) error {
	next := *t
	next.Version = expectedVersion + 1
	snapshot, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	res, err := s.DB.ExecContext(ctx, `
UPDATE tasks
SET status=$1, snapshot=$2, version=version+1, updated_at=$3
WHERE id=$4 AND version=$5
`, string(next.Status), snapshot, next.UpdatedAt, t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id=$1)`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if !exists {
		return engine.ErrNotFound
	}
	return engine.ErrVersionConflict
}

// ListUnfinishedTaskIDs returns the ids of every task not yet terminal,
// oldest first, for resume-after-restart.
func (s *Store) ListUnfinishedTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id FROM tasks
WHERE status NOT IN ('completed','failed')
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimDispatch records that a queue message has been picked up. It
// returns false when another worker already claimed the same message, so
// redelivered messages are processed at most once.
func (s *Store) ClaimDispatch(ctx context.Context, messageID, taskID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO task_claims (message_id, task_id, claimed_at)
VALUES ($1,$2,NOW())
ON CONFLICT (message_id) DO NOTHING
`, messageID, taskID)
	if err != nil {
		return false, fmt.Errorf("claim dispatch %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim dispatch %s: %w", messageID, err)
	}
	return n == 1, nil
}
