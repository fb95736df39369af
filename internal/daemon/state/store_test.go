package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danpasecinic/taskflow/internal/types"
)

func newTask(id, owner string, createdAt int64) types.Task {
	return types.Task{
		ID:         id,
		Cmd:        "echo " + id,
		CreatedAt:  createdAt,
		CreatedBy:  owner,
		Priority:   types.PriorityMedium,
		InitDelayS: types.DefaultInitDelaySeconds,
	}
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func TestAddAndGetTask(t *testing.T) {
	store := NewInMemoryStore()

	task := newTask("task-1", "alice", 1)
	task.Usage = types.ResourceUsage{MemoryBytes: types.Bytes(100)}

	if err := store.AddTask(task); err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}

	retrieved, err := store.GetTask("task-1")
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}

	if retrieved.ID != task.ID {
		t.Errorf("Expected task ID %s, got %s", task.ID, retrieved.ID)
	}
	if retrieved.Cmd != task.Cmd {
		t.Errorf("Expected cmd %s, got %s", task.Cmd, retrieved.Cmd)
	}
	if retrieved.Usage.Memory() != 100 {
		t.Errorf("Expected memory 100, got %d", retrieved.Usage.Memory())
	}
}

func TestStoredTaskIsIsolated(t *testing.T) {
	store := NewInMemoryStore()

	task := newTask("task-1", "alice", 1)
	task.Usage = types.ResourceUsage{MemoryBytes: types.Bytes(100)}
	_ = store.AddTask(task)

	*task.Usage.MemoryBytes = 500

	retrieved, _ := store.GetTask("task-1")
	*retrieved.Usage.MemoryBytes = 900

	again, _ := store.GetTask("task-1")
	if again.Usage.Memory() != 100 {
		t.Errorf("stored task was mutated through a caller copy: %d", again.Usage.Memory())
	}
}

func TestAddDuplicateTask(t *testing.T) {
	store := NewInMemoryStore()

	task := newTask("task-1", "alice", 1)

	if err := store.AddTask(task); err != nil {
		t.Fatalf("Failed to add task first time: %v", err)
	}

	if err := store.AddTask(task); !errors.Is(err, ErrTaskAlreadyExists) {
		t.Errorf("Expected ErrTaskAlreadyExists, got %v", err)
	}
}

func TestGetNonexistentTask(t *testing.T) {
	store := NewInMemoryStore()

	if _, err := store.GetTask("nonexistent"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestUpdateTask(t *testing.T) {
	store := NewInMemoryStore()

	task := newTask("task-1", "alice", 1)
	_ = store.AddTask(task)

	started := int64(1000)
	pid := 4242
	task.IsRunning = true
	task.StartedAt = &started
	task.PID = &pid

	if err := store.UpdateTask(task); err != nil {
		t.Fatalf("Failed to update task: %v", err)
	}

	retrieved, _ := store.GetTask("task-1")
	if !retrieved.IsRunning {
		t.Error("Expected task to be running")
	}
	if retrieved.StartedAt == nil || *retrieved.StartedAt != 1000 {
		t.Error("Expected StartedAt to be set")
	}
	if retrieved.PID == nil || *retrieved.PID != 4242 {
		t.Error("Expected PID to be set")
	}
}

func TestUpdateTask_Errors(t *testing.T) {
	store := NewInMemoryStore()
	_ = store.AddTask(newTask("task-1", "alice", 1))

	tests := []struct {
		name   string
		modify func(*types.Task)
		want   error
	}{
		{"missing task", func(task *types.Task) { task.ID = "other" }, ErrTaskNotFound},
		{"priority changed", func(task *types.Task) { task.Priority = types.PriorityHigh }, ErrImmutableField},
		{"created_at changed", func(task *types.Task) { task.CreatedAt = 99 }, ErrImmutableField},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				task, _ := store.GetTask("task-1")
				tt.modify(&task)
				if err := store.UpdateTask(task); !errors.Is(err, tt.want) {
					t.Errorf("Expected %v, got %v", tt.want, err)
				}
			},
		)
	}
}

func TestDeleteTask(t *testing.T) {
	store := NewInMemoryStore()

	pending := newTask("pending", "alice", 1)
	running := newTask("running", "alice", 2)
	running.IsRunning = true
	_ = store.AddTask(pending)
	_ = store.AddTask(running)

	if err := store.DeleteTask("pending"); err != nil {
		t.Fatalf("Failed to delete task: %v", err)
	}
	if err := store.DeleteTask("running"); err != nil {
		t.Fatalf("Failed to delete task: %v", err)
	}

	if p, _ := store.PendingTasks(); len(p) != 0 {
		t.Errorf("Expected no pending tasks, got %d", len(p))
	}
	if r, _ := store.RunningTasks(); len(r) != 0 {
		t.Errorf("Expected no running tasks, got %d", len(r))
	}

	// deleting again is not an error
	if err := store.DeleteTask("pending"); err != nil {
		t.Errorf("Expected no error deleting absent task, got %v", err)
	}
}

func TestPendingAndRunning(t *testing.T) {
	store := NewInMemoryStore()

	_ = store.AddTask(newTask("c", "alice", 3))
	_ = store.AddTask(newTask("a", "alice", 1))
	_ = store.AddTask(newTask("b", "bob", 2))

	pending, _ := store.PendingTasks()
	if len(pending) != 3 {
		t.Fatalf("Expected 3 pending tasks, got %d", len(pending))
	}
	for i, id := range []string{"a", "b", "c"} {
		if pending[i].ID != id {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, id)
		}
	}

	task, _ := store.GetTask("b")
	task.IsRunning = true
	_ = store.UpdateTask(task)

	pending, _ = store.PendingTasks()
	running, _ := store.RunningTasks()
	if len(pending) != 2 || len(running) != 1 || running[0].ID != "b" {
		t.Errorf("Expected b to move to running, pending=%v running=%v", pending, running)
	}

	p, r, _ := store.CountTasks()
	if p != 2 || r != 1 {
		t.Errorf("CountTasks() = %d, %d, want 2, 1", p, r)
	}
}

func TestSearchTasks(t *testing.T) {
	store := NewInMemoryStore()

	_ = store.AddTask(newTask("t1", "alice", 1))
	_ = store.AddTask(newTask("t2", "bob", 2))
	_ = store.AddTask(newTask("t3", "carol", 3))
	_ = store.AddTask(newTask("t4", "alice", 4))

	running, _ := store.GetTask("t4")
	running.IsRunning = true
	_ = store.UpdateTask(running)

	tests := []struct {
		name      string
		filter    TaskFilter
		offset    int
		limit     int
		wantIDs   []string
		wantTotal int
	}{
		{"all", TaskFilter{}, 0, 100, []string{"t1", "t2", "t3", "t4"}, 4},
		{"by owner", TaskFilter{CreatedBy: strPtr("alice")}, 0, 100, []string{"t1", "t4"}, 2},
		{"unknown owner", TaskFilter{CreatedBy: strPtr("dave")}, 0, 100, []string{}, 0},
		{"running", TaskFilter{IsRunning: boolPtr(true)}, 0, 100, []string{"t4"}, 1},
		{"pending", TaskFilter{IsRunning: boolPtr(false)}, 0, 100, []string{"t1", "t2", "t3"}, 3},
		{
			"owner and pending",
			TaskFilter{CreatedBy: strPtr("alice"), IsRunning: boolPtr(false)},
			0, 100, []string{"t1"}, 1,
		},
		{"first page", TaskFilter{}, 0, 2, []string{"t1", "t2"}, 4},
		{"second page", TaskFilter{}, 2, 2, []string{"t3", "t4"}, 4},
		{"offset past total", TaskFilter{}, 10, 2, []string{}, 4},
		{"unbounded", TaskFilter{}, 1, 0, []string{"t2", "t3", "t4"}, 4},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				tasks, total, err := store.SearchTasks(tt.filter, tt.offset, tt.limit)
				if err != nil {
					t.Fatalf("SearchTasks failed: %v", err)
				}
				if total != tt.wantTotal {
					t.Errorf("total = %d, want %d", total, tt.wantTotal)
				}
				if len(tasks) != len(tt.wantIDs) {
					t.Fatalf("got %d tasks, want %d", len(tasks), len(tt.wantIDs))
				}
				for i, id := range tt.wantIDs {
					if tasks[i].ID != id {
						t.Errorf("tasks[%d] = %s, want %s", i, tasks[i].ID, id)
					}
				}
			},
		)
	}
}

func TestSearchTasks_TieBreakByID(t *testing.T) {
	store := NewInMemoryStore()

	_ = store.AddTask(newTask("b", "alice", 5))
	_ = store.AddTask(newTask("a", "alice", 5))

	tasks, _, _ := store.SearchTasks(TaskFilter{}, 0, 0)
	if tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Errorf("expected id tie-break, got %s, %s", tasks[0].ID, tasks[1].ID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := NewInMemoryStore()

	var wg sync.WaitGroup
	numGoroutines := 10
	numOperations := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				task := newTask(fmt.Sprintf("task-%d-%d", id, j), "user", int64(j))
				_ = store.AddTask(task)

				task.IsRunning = true
				_ = store.UpdateTask(task)

				// a task is never observed both pending and running
				pending, _ := store.PendingTasks()
				running, _ := store.RunningTasks()
				seen := make(map[string]bool, len(pending))
				for _, p := range pending {
					seen[p.ID] = true
				}
				for _, r := range running {
					if seen[r.ID] && r.ID == task.ID {
						t.Errorf("task %s observed both pending and running", r.ID)
					}
				}

				_ = store.DeleteTask(task.ID)
			}
		}(i)
	}

	wg.Wait()

	if p, r, _ := store.CountTasks(); p != 0 || r != 0 {
		t.Errorf("Expected empty store, got %d pending %d running", p, r)
	}
}
