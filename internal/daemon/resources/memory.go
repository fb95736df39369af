package resources

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// HostMemory reads available memory through gopsutil
type HostMemory struct{}

// AvailableMemory returns the memory that can be given to new processes
// without swapping
func (HostMemory) AvailableMemory(ctx context.Context) (int64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read virtual memory: %w", err)
	}
	return int64(vm.Available), nil
}
