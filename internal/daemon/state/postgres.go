package state

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/danpasecinic/taskflow/internal/types"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// uniqueViolation is the postgres error code for a duplicate key
const uniqueViolation = "23505"

const taskColumns = `task_id, cmd, created_at, created_by, priority, usage, started_at, is_running, init_delay_s, pid, cwd`

// PostgresStore is a PostgreSQL implementation of TaskStore
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL task store
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgresStore{db: db}

	if err := store.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// runMigrations applies database schema using goose
func (s *PostgresStore) runMigrations() error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Purge removes every task. Sessions do not survive a daemon restart, so
// rows left behind by a previous process are stale.
func (s *PostgresStore) Purge() (int64, error) {
	res, err := s.db.Exec("DELETE FROM tasks")
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}
	return res.RowsAffected()
}

// AddTask adds a new task to the store
func (s *PostgresStore) AddTask(task types.Task) error {
	usageJSON, err := json.Marshal(task.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.db.Exec(
		query,
		task.ID,
		task.Cmd,
		task.CreatedAt,
		task.CreatedBy,
		int(task.Priority),
		usageJSON,
		nullInt64(task.StartedAt),
		task.IsRunning,
		task.InitDelayS,
		nullInt(task.PID),
		nullString(task.Cwd),
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrTaskAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(taskID string) (types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`

	task, err := scanTask(s.db.QueryRow(query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// UpdateTask replaces the mutable fields of a task
func (s *PostgresStore) UpdateTask(task types.Task) error {
	var priority int
	var createdAt int64
	err := s.db.QueryRow(
		"SELECT priority, created_at FROM tasks WHERE task_id = $1", task.ID,
	).Scan(&priority, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if types.Priority(priority) != task.Priority || createdAt != task.CreatedAt {
		return ErrImmutableField
	}

	usageJSON, err := json.Marshal(task.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	query := `
		UPDATE tasks
		SET cmd = $1, created_by = $2, usage = $3, started_at = $4, is_running = $5,
		    init_delay_s = $6, pid = $7, cwd = $8
		WHERE task_id = $9
	`

	res, err := s.db.Exec(
		query,
		task.Cmd,
		task.CreatedBy,
		usageJSON,
		nullInt64(task.StartedAt),
		task.IsRunning,
		task.InitDelayS,
		nullInt(task.PID),
		nullString(task.Cwd),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	// the owning session may have been cleaned up between the check and the update
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}

	return nil
}

// DeleteTask removes a task from the store
func (s *PostgresStore) DeleteTask(taskID string) error {
	if _, err := s.db.Exec("DELETE FROM tasks WHERE task_id = $1", taskID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// SearchTasks returns a page of matching tasks and the total match count
func (s *PostgresStore) SearchTasks(filter TaskFilter, offset, limit int) ([]types.Task, int, error) {
	where, args := filterClause(filter)

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at ASC, task_id ASC`
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	tasks, err := s.queryTasks(query, args...)
	if err != nil {
		return nil, 0, err
	}

	return tasks, total, nil
}

// PendingTasks returns every task not yet admitted, oldest first
func (s *PostgresStore) PendingTasks() ([]types.Task, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks WHERE is_running = FALSE ORDER BY created_at ASC, task_id ASC`)
}

// RunningTasks returns every admitted task, oldest first
func (s *PostgresStore) RunningTasks() ([]types.Task, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks WHERE is_running = TRUE ORDER BY created_at ASC, task_id ASC`)
}

// CountTasks returns the number of pending and running tasks
func (s *PostgresStore) CountTasks() (int, int, error) {
	var pending, running int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FILTER (WHERE NOT is_running), COUNT(*) FILTER (WHERE is_running) FROM tasks`,
	).Scan(&pending, &running)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return pending, running, nil
}

func (s *PostgresStore) queryTasks(query string, args ...interface{}) ([]types.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	tasks := make([]types.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (types.Task, error) {
	var task types.Task
	var priority int
	var usageJSON []byte
	var startedAt sql.NullInt64
	var pid sql.NullInt64
	var cwd sql.NullString

	err := row.Scan(
		&task.ID,
		&task.Cmd,
		&task.CreatedAt,
		&task.CreatedBy,
		&priority,
		&usageJSON,
		&startedAt,
		&task.IsRunning,
		&task.InitDelayS,
		&pid,
		&cwd,
	)
	if err != nil {
		return types.Task{}, err
	}

	task.Priority = types.Priority(priority)

	if len(usageJSON) > 0 {
		if err := json.Unmarshal(usageJSON, &task.Usage); err != nil {
			return types.Task{}, fmt.Errorf("failed to unmarshal usage: %w", err)
		}
	}

	if startedAt.Valid {
		v := startedAt.Int64
		task.StartedAt = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		task.PID = &v
	}
	if cwd.Valid {
		v := cwd.String
		task.Cwd = &v
	}

	return task, nil
}

func filterClause(filter TaskFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.CreatedBy != nil {
		args = append(args, *filter.CreatedBy)
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", len(args)))
	}
	if filter.IsRunning != nil {
		args = append(args, *filter.IsRunning)
		conditions = append(conditions, fmt.Sprintf("is_running = $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
