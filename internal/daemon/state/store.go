package state

import (
	"errors"
	"sort"
	"sync"

	"github.com/danpasecinic/taskflow/internal/types"
)

var (
	// ErrTaskNotFound is returned when a task is not found in the store
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskAlreadyExists is returned when attempting to add a duplicate task
	ErrTaskAlreadyExists = errors.New("task already exists")
	// ErrImmutableField is returned when an update changes priority or created_at
	ErrImmutableField = errors.New("priority and created_at cannot be changed")
)

// TaskFilter narrows a search. Nil fields match every task.
type TaskFilter struct {
	CreatedBy *string
	IsRunning *bool
}

// Matches reports whether task passes the filter
func (f TaskFilter) Matches(task types.Task) bool {
	if f.CreatedBy != nil && task.CreatedBy != *f.CreatedBy {
		return false
	}
	if f.IsRunning != nil && task.IsRunning != *f.IsRunning {
		return false
	}
	return true
}

// TaskStore defines the interface for managing task state.
// Implementations must be safe for concurrent use.
type TaskStore interface {
	AddTask(task types.Task) error
	GetTask(taskID string) (types.Task, error)
	UpdateTask(task types.Task) error
	// DeleteTask is a no-op when the task is already gone
	DeleteTask(taskID string) error

	// SearchTasks returns one page ordered by created_at and the total number of matches.
	// A limit <= 0 returns every match from offset on.
	SearchTasks(filter TaskFilter, offset, limit int) ([]types.Task, int, error)
	PendingTasks() ([]types.Task, error)
	RunningTasks() ([]types.Task, error)
	CountTasks() (pending int, running int, err error)
}

// InMemoryStore is a thread-safe in-memory implementation of TaskStore
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]types.Task
}

// NewInMemoryStore creates a new in-memory task store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks: make(map[string]types.Task),
	}
}

// AddTask adds a new task to the store
func (s *InMemoryStore) AddTask(task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return ErrTaskAlreadyExists
	}

	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask retrieves a task by ID
func (s *InMemoryStore) GetTask(taskID string) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return types.Task{}, ErrTaskNotFound
	}

	return task.Clone(), nil
}

// UpdateTask replaces the stored task with the same ID
func (s *InMemoryStore) UpdateTask(task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.tasks[task.ID]
	if !exists {
		return ErrTaskNotFound
	}
	if current.Priority != task.Priority || current.CreatedAt != task.CreatedAt {
		return ErrImmutableField
	}

	s.tasks[task.ID] = task.Clone()
	return nil
}

// DeleteTask removes a task from the store
func (s *InMemoryStore) DeleteTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, taskID)
	return nil
}

// SearchTasks returns a page of matching tasks and the total match count
func (s *InMemoryStore) SearchTasks(filter TaskFilter, offset, limit int) ([]types.Task, int, error) {
	matches := s.collect(filter.Matches)
	total := len(matches)

	return paginate(matches, offset, limit), total, nil
}

// PendingTasks returns every task not yet admitted, oldest first
func (s *InMemoryStore) PendingTasks() ([]types.Task, error) {
	return s.collect(func(t types.Task) bool { return !t.IsRunning }), nil
}

// RunningTasks returns every admitted task, oldest first
func (s *InMemoryStore) RunningTasks() ([]types.Task, error) {
	return s.collect(func(t types.Task) bool { return t.IsRunning }), nil
}

// CountTasks returns the number of pending and running tasks
func (s *InMemoryStore) CountTasks() (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending, running := 0, 0
	for _, task := range s.tasks {
		if task.IsRunning {
			running++
		} else {
			pending++
		}
	}
	return pending, running, nil
}

// collect copies the tasks accepted by keep in a single pass under the read lock
func (s *InMemoryStore) collect(keep func(types.Task) bool) []types.Task {
	s.mu.RLock()
	tasks := make([]types.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if keep(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreation(tasks)
	return tasks
}

func sortByCreation(tasks []types.Task) {
	sort.Slice(
		tasks, func(i, j int) bool {
			if tasks[i].CreatedAt != tasks[j].CreatedAt {
				return tasks[i].CreatedAt < tasks[j].CreatedAt
			}
			return tasks[i].ID < tasks[j].ID
		},
	)
}

func paginate(tasks []types.Task, offset, limit int) []types.Task {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(tasks) {
		return []types.Task{}
	}

	end := len(tasks)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return tasks[offset:end]
}
