package resources

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const mebibyte = 1024 * 1024

// NvidiaSMI queries NVIDIA devices by shelling out to nvidia-smi
type NvidiaSMI struct {
	Path string
}

// NewNvidiaSMI returns a querier for the nvidia-smi binary at path.
// It fails when the binary cannot be found.
func NewNvidiaSMI(path string) (*NvidiaSMI, error) {
	if path == "" {
		path = "nvidia-smi"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi not found at %s: %w", path, err)
	}
	return &NvidiaSMI{Path: resolved}, nil
}

// DeviceCount returns the number of visible devices
func (n *NvidiaSMI) DeviceCount(ctx context.Context) (int, error) {
	out, err := n.query(ctx, "--query-gpu=index")
	if err != nil {
		return 0, err
	}
	return parseDeviceCount(out)
}

// FreeMemory returns the free memory of one device in bytes
func (n *NvidiaSMI) FreeMemory(ctx context.Context, index int) (int64, error) {
	out, err := n.query(ctx, "-i", strconv.Itoa(index), "--query-gpu=memory.free")
	if err != nil {
		return 0, err
	}
	return parseFreeMemory(out)
}

func (n *NvidiaSMI) query(ctx context.Context, args ...string) (string, error) {
	args = append(args, "--format=csv,noheader,nounits")
	cmd := exec.CommandContext(ctx, n.Path, args...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", n.Path, err)
	}
	return string(output), nil
}

// parseDeviceCount counts the index lines printed by --query-gpu=index
func parseDeviceCount(output string) (int, error) {
	count := 0
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := strconv.Atoi(line); err != nil {
			return 0, fmt.Errorf("malformed line from nvidia-smi: %q", line)
		}
		count++
	}
	return count, nil
}

// parseFreeMemory converts a memory.free reading in MiB to bytes
func parseFreeMemory(output string) (int64, error) {
	value := strings.TrimSpace(output)
	if value == "" || value == "[N/A]" {
		return 0, fmt.Errorf("no memory reading from nvidia-smi")
	}
	mib, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed memory reading %q: %w", value, err)
	}
	return mib * mebibyte, nil
}
