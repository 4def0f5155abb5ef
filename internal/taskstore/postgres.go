package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/mint-forge/pkg/types"
	_ "github.com/lib/pq"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	status       TEXT NOT NULL,
	progress     INTEGER NOT NULL DEFAULT 0,
	message      TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	result       JSONB,
	error        TEXT NOT NULL DEFAULT '',
	provider     TEXT NOT NULL DEFAULT '',
	options      JSONB,
	created_at   BIGINT NOT NULL,
	updated_at   BIGINT NOT NULL,
	timeout_at   BIGINT,
	completed_at BIGINT,
	failed_at    BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS tasks_live_subject_idx
	ON tasks (subject_id) WHERE status IN ('PENDING', 'IN_PROGRESS');
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);
CREATE INDEX IF NOT EXISTS tasks_subject_idx ON tasks (subject_id);
CREATE INDEX IF NOT EXISTS tasks_created_idx ON tasks (created_at);
`

const taskColumns = `id, subject_id, status, progress, message, attempts, result, error,
	provider, options, created_at, updated_at, timeout_at, completed_at, failed_at`

// PostgresStore tasks live in a single table; the partial unique index on
// subject_id keeps at most one PENDING/IN_PROGRESS row per subject.
type PostgresStore struct {
	db   *sql.DB
	opts Options
}

// OpenPostgresStore opens a connection pool and verifies it.
func OpenPostgresStore(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return NewPostgresStore(db, opts), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *sql.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults()}
}

// EnsureSchema creates the tasks table for local and test deployments.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, taskSchema); err != nil {
		return fmt.Errorf("failed to create tasks schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error) {
	if subjectID == "" {
		return "", ErrEmptySubject
	}

	// Two attempts: the second one covers a concurrent insert that won the
	// unique index race between our SELECT and INSERT.
	for attempt := 0; attempt < 2; attempt++ {
		id, err := s.createOnce(ctx, subjectID, provider, options)
		if err == nil && id != "" {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("failed to create task for subject %s: lost insert race twice", subjectID)
}

func (s *PostgresStore) createOnce(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE subject_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		 FOR UPDATE`, subjectID)
	existing, err := scanTask(row)
	switch {
	case err == nil:
		now := s.opts.Clock()
		if !EvaluateTimeout(now, existing.TimeoutAt, existing.Status) {
			return existing.ID, tx.Commit()
		}
		applyTimeout(&existing, now.UnixMilli())
		if err := writeTask(ctx, tx, existing); err != nil {
			return "", err
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", fmt.Errorf("query live task: %w", err)
	}

	task := newTask(s.opts, subjectID, provider, options)
	result, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (subject_id) WHERE status IN ('PENDING', 'IN_PROGRESS') DO NOTHING`,
		taskArgs(task)...)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return "", tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return task.ID, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id types.TaskID, patch types.TaskPatch) (types.Task, error) {
	return s.mutate(ctx, id, func(t *types.Task, nowMs int64) (bool, error) {
		return true, applyPatch(t, patch, nowMs)
	})
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id types.TaskID, result map[string]interface{}) (types.Task, error) {
	return s.mutate(ctx, id, func(t *types.Task, nowMs int64) (bool, error) {
		return applyComplete(t, result, nowMs)
	})
}

func (s *PostgresStore) FailTask(ctx context.Context, id types.TaskID, reason string) (types.Task, error) {
	return s.mutate(ctx, id, func(t *types.Task, nowMs int64) (bool, error) {
		return applyFail(t, reason, nowMs)
	})
}

func (s *PostgresStore) GetTask(ctx context.Context, id types.TaskID) (types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, string(id))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, err
}

func (s *PostgresStore) GetTaskStatus(ctx context.Context, id types.TaskID) (types.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return types.Task{}, err
	}
	if !EvaluateTimeout(s.opts.Clock(), task.TimeoutAt, task.Status) {
		return task, nil
	}
	return s.mutate(ctx, id, func(t *types.Task, nowMs int64) (bool, error) {
		// re-check under the row lock; a concurrent writer may have finished it
		if !EvaluateTimeout(s.opts.Clock(), t.TimeoutAt, t.Status) {
			return false, nil
		}
		applyTimeout(t, nowMs)
		return true, nil
	})
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.SubjectID != "" {
		add("subject_id = $%d", filter.SubjectID)
	}
	if filter.CreatedAfter > 0 {
		add("created_at >= $%d", filter.CreatedAfter)
	}
	if filter.CreatedBefore > 0 {
		add("created_at < $%d", filter.CreatedBefore)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]types.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// mutate locks the row, applies fn and writes it back when fn reports a change.
func (s *PostgresStore) mutate(ctx context.Context, id types.TaskID, fn func(t *types.Task, nowMs int64) (bool, error)) (types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, string(id))
	current, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return types.Task{}, err
	}

	next := current.Clone()
	changed, err := fn(&next, s.opts.Clock().UnixMilli())
	if err != nil || !changed {
		return current, err
	}
	if err := writeTask(ctx, tx, next); err != nil {
		return current, err
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func writeTask(ctx context.Context, tx *sql.Tx, t types.Task) error {
	args := taskArgs(t)
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET subject_id = $2, status = $3, progress = $4, message = $5, attempts = $6,
		 result = $7, error = $8, provider = $9, options = $10, created_at = $11, updated_at = $12,
		 timeout_at = $13, completed_at = $14, failed_at = $15
		 WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

func taskArgs(t types.Task) []interface{} {
	return []interface{}{
		string(t.ID), t.SubjectID, string(t.Status), t.Progress, t.Message, t.Attempts,
		jsonColumn(t.Result), t.Error, t.Provider, jsonColumn(t.Options),
		t.CreatedAt, t.UpdatedAt, nullInt64(t.TimeoutAt), nullInt64(t.CompletedAt), nullInt64(t.FailedAt),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (types.Task, error) {
	var (
		t                                types.Task
		id, status                       string
		result, options                  []byte
		timeoutAt, completedAt, failedAt sql.NullInt64
	)
	err := row.Scan(&id, &t.SubjectID, &status, &t.Progress, &t.Message, &t.Attempts,
		&result, &t.Error, &t.Provider, &options, &t.CreatedAt, &t.UpdatedAt,
		&timeoutAt, &completedAt, &failedAt)
	if err != nil {
		return types.Task{}, err
	}

	t.ID = types.TaskID(id)
	t.Status = types.TaskStatus(status)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return types.Task{}, fmt.Errorf("decode result of %s: %w", id, err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &t.Options); err != nil {
			return types.Task{}, fmt.Errorf("decode options of %s: %w", id, err)
		}
	}
	t.TimeoutAt = int64Ptr(timeoutAt)
	t.CompletedAt = int64Ptr(completedAt)
	t.FailedAt = int64Ptr(failedAt)
	return t, nil
}

func jsonColumn(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
