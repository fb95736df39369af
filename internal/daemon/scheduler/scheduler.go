package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danpasecinic/taskflow/internal/daemon/resources"
	"github.com/danpasecinic/taskflow/internal/daemon/state"
	"github.com/danpasecinic/taskflow/internal/types"
)

// ResourceSource provides the snapshot a tick is evaluated against
type ResourceSource interface {
	Snapshot() resources.Snapshot
}

// Options configures the admission policy
type Options struct {
	// ReservedMemoryBytes is the host memory that must stay free after admission
	ReservedMemoryBytes int64
	// ReservedGPUMemoryBytes is the device memory that must stay free after admission
	ReservedGPUMemoryBytes int64
	// Interval is the default time between ticks
	Interval time.Duration
}

// gate is a one-shot admission signal for a single task
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *gate) isOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Scheduler admits pending tasks one at a time as resources allow.
// Each tick admits at most one task, then waits for the task's init delay
// so its consumption shows up in the next resource snapshot.
type Scheduler struct {
	store     state.TaskStore
	resources ResourceSource
	opts      Options
	logger    *zap.Logger

	mu    sync.Mutex
	gates map[string]*gate

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler over store and resources
func NewScheduler(store state.TaskStore, resources ResourceSource, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Scheduler{
		store:     store,
		resources: resources,
		opts:      opts,
		logger:    logger,
		gates:     make(map[string]*gate),
		stopChan:  make(chan struct{}),
	}
}

// Run evaluates the queue until ctx is done or Stop is called.
// The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info(
		"Starting scheduler",
		zap.Duration("interval", s.opts.Interval),
		zap.Int64("reserved_memory_bytes", s.opts.ReservedMemoryBytes),
		zap.Int64("reserved_gpu_memory_bytes", s.opts.ReservedGPUMemoryBytes),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping")
			return
		case <-s.stopChan:
			s.logger.Info("Scheduler stopped")
			return
		case <-timer.C:
			timer.Reset(s.tick())
		}
	}
}

// Stop ends the scheduler loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// WaitForAdmission blocks until the task is admitted, timeout elapses or ctx
// is done. It returns true only on admission. The gate is created on first
// use so a task can be waited on before any tick has seen it.
func (s *Scheduler) WaitForAdmission(ctx context.Context, taskID string, timeout time.Duration) bool {
	g := s.gateFor(taskID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// CanRun reports whether task fits in snap while keeping the reserved margins free
func (s *Scheduler) CanRun(task types.Task, snap resources.Snapshot) bool {
	need := task.Usage.Memory()
	if snap.MemoryFreeBytes-need <= s.opts.ReservedMemoryBytes {
		return false
	}

	if !task.Usage.HasGPU() {
		return true
	}
	if !snap.GPUAvailable {
		return false
	}

	for gpuID, gpuNeed := range task.Usage.GPUMemoryBytes {
		if gpuID == types.AnyGPU {
			if !s.anyGPUFits(int64(gpuNeed), snap) {
				return false
			}
			continue
		}

		free, known := snap.GPUFreeBytes[gpuID]
		if !known || free-int64(gpuNeed) < s.opts.ReservedGPUMemoryBytes {
			return false
		}
	}

	return true
}

func (s *Scheduler) anyGPUFits(need int64, snap resources.Snapshot) bool {
	for _, free := range snap.GPUFreeBytes {
		if free-need >= s.opts.ReservedGPUMemoryBytes {
			return true
		}
	}
	return false
}

// SortByPriority orders tasks by priority descending, then creation time,
// then id, so the order is total and stable
func SortByPriority(tasks []types.Task) {
	sort.SliceStable(
		tasks, func(i, j int) bool {
			if tasks[i].Priority != tasks[j].Priority {
				return tasks[i].Priority > tasks[j].Priority
			}
			if tasks[i].CreatedAt != tasks[j].CreatedAt {
				return tasks[i].CreatedAt < tasks[j].CreatedAt
			}
			return tasks[i].ID < tasks[j].ID
		},
	)
}

// tick runs one admission pass and returns the delay until the next one.
// A failing or panicking tick admits nothing.
func (s *Scheduler) tick() (next time.Duration) {
	next = s.opts.Interval

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduler tick panicked", zap.Any("panic", r))
			next = s.opts.Interval
		}
	}()

	admitted, err := s.admitNext()
	if err != nil {
		s.logger.Error("Scheduler tick failed", zap.Error(err))
		return next
	}
	if admitted != nil {
		next += admitted.InitDelay()
	}
	return next
}

// admitNext opens the gate of the best ranked task that fits, if any
func (s *Scheduler) admitNext() (*types.Task, error) {
	pending, err := s.store.PendingTasks()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	s.pruneGates(pending)

	if len(pending) == 0 {
		return nil, nil
	}

	SortByPriority(pending)
	snap := s.resources.Snapshot()

	for i := range pending {
		task := pending[i]
		if s.alreadyAdmitted(task.ID) {
			continue
		}
		if !s.CanRun(task, snap) {
			continue
		}

		s.gateFor(task.ID).open()
		s.logger.Info(
			"Task admitted",
			zap.String("task_id", task.ID),
			zap.String("priority", task.Priority.String()),
			zap.Int64("memory_bytes", task.Usage.Memory()),
			zap.Int("pending", len(pending)),
		)
		return &task, nil
	}

	s.logger.Debug("No pending task fits", zap.Int("pending", len(pending)))
	return nil, nil
}

// pruneGates drops gates whose task is no longer pending
func (s *Scheduler) pruneGates(pending []types.Task) {
	ids := make(map[string]struct{}, len(pending))
	for _, task := range pending {
		ids[task.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.gates {
		if _, ok := ids[id]; !ok {
			delete(s.gates, id)
		}
	}
}

func (s *Scheduler) gateFor(taskID string) *gate {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gates[taskID]
	if !ok {
		g = newGate()
		s.gates[taskID] = g
	}
	return g
}

// alreadyAdmitted reports whether the task's gate was opened by an earlier tick
// and its session has not yet marked it running
func (s *Scheduler) alreadyAdmitted(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gates[taskID]
	return ok && g.isOpen()
}

