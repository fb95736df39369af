package resources

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryQuerier reports the host's available memory
type MemoryQuerier interface {
	AvailableMemory(ctx context.Context) (int64, error)
}

// GPUQuerier reports per-device free memory.
// Devices are addressed by index, matching the ids clients submit.
type GPUQuerier interface {
	DeviceCount(ctx context.Context) (int, error)
	FreeMemory(ctx context.Context, index int) (int64, error)
}

// Snapshot is one sample of free resources
type Snapshot struct {
	MemoryFreeBytes int64            `json:"memory_free_bytes"`
	GPUFreeBytes    map[string]int64 `json:"gpu_free_bytes"`
	GPUAvailable    bool             `json:"gpu_available"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the snapshot
func (s Snapshot) Clone() Snapshot {
	out := s
	out.GPUFreeBytes = make(map[string]int64, len(s.GPUFreeBytes))
	for id, free := range s.GPUFreeBytes {
		out.GPUFreeBytes[id] = free
	}
	return out
}

// State holds the latest resource snapshot.
// Readers get copies; Refresh swaps the snapshot under the lock.
type State struct {
	mu       sync.RWMutex
	snapshot Snapshot

	// refreshMu keeps two refreshes from querying the OS at once
	refreshMu sync.Mutex

	memory      MemoryQuerier
	gpu         GPUQuerier
	deviceCount int
	logger      *zap.Logger
}

// NewState probes GPU introspection once. If gpu is nil or the device count
// query fails, GPU requests are treated as unsatisfiable for the daemon's
// lifetime. The snapshot starts empty until the first Refresh.
func NewState(ctx context.Context, memory MemoryQuerier, gpu GPUQuerier, logger *zap.Logger) *State {
	s := &State{
		memory: memory,
		logger: logger,
		snapshot: Snapshot{
			GPUFreeBytes: make(map[string]int64),
		},
	}

	if gpu == nil {
		logger.Info("GPU introspection disabled")
		return s
	}

	count, err := gpu.DeviceCount(ctx)
	if err != nil {
		logger.Warn("GPU introspection unavailable, GPU requests will not be admitted", zap.Error(err))
		return s
	}

	s.gpu = gpu
	s.deviceCount = count
	s.snapshot.GPUAvailable = true
	logger.Info("GPU introspection available", zap.Int("gpu_count", count))
	return s
}

// GPUAvailable reports whether GPU introspection succeeded at startup
func (s *State) GPUAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.GPUAvailable
}

// Snapshot returns a copy of the latest sample
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Refresh queries the OS and replaces the snapshot.
// Failures are logged; the affected values keep their previous reading.
func (s *State) Refresh(ctx context.Context) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	next := s.Snapshot()

	if s.memory != nil {
		free, err := s.memory.AvailableMemory(ctx)
		if err != nil {
			s.logger.Warn("Failed to query available memory", zap.Error(err))
		} else {
			next.MemoryFreeBytes = free
		}
	}

	if s.gpu != nil {
		for i := 0; i < s.deviceCount; i++ {
			free, err := s.gpu.FreeMemory(ctx, i)
			if err != nil {
				s.logger.Warn("Failed to query GPU memory", zap.Int("gpu", i), zap.Error(err))
				continue
			}
			next.GPUFreeBytes[strconv.Itoa(i)] = free
		}
	}

	next.UpdatedAt = time.Now()

	s.mu.Lock()
	s.snapshot = next
	s.mu.Unlock()

	s.logger.Debug(
		"Resource snapshot refreshed",
		zap.Int64("memory_free_bytes", next.MemoryFreeBytes),
		zap.Int("gpus", len(next.GPUFreeBytes)),
	)
}

// Refresher drives State.Refresh on a fixed interval
type Refresher struct {
	state    *State
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewRefresher creates a refresher for state
func NewRefresher(state *State, interval time.Duration, logger *zap.Logger) *Refresher {
	return &Refresher{
		state:    state,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Run refreshes immediately, then on every interval until ctx is done or Stop is called
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("Starting resource refresher", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.state.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Resource refresher stopping")
			return
		case <-r.stopChan:
			r.logger.Info("Resource refresher stopped")
			return
		case <-ticker.C:
			r.state.Refresh(ctx)
		}
	}
}

// Stop halts the refresher. Safe to call more than once.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}
