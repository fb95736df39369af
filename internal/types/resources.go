package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AnyGPU is the GPU id that matches whichever device has room
const AnyGPU = "any"

// ResourceUsage describes what a task needs before it may start.
// A nil field means the task places no constraint on that resource.
type ResourceUsage struct {
	// MemoryBytes is the host memory the task will consume
	MemoryBytes *ByteCount `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty"`

	// GPUMemoryBytes maps a GPU id (device index as a string, or "any")
	// to the device memory the task will consume on it
	GPUMemoryBytes map[string]ByteCount `json:"gpu_memory_bytes,omitempty" yaml:"gpu_memory_bytes,omitempty"`
}

// Memory returns the requested host memory, or 0 when unconstrained
func (u ResourceUsage) Memory() int64 {
	if u.MemoryBytes == nil {
		return 0
	}
	return int64(*u.MemoryBytes)
}

// HasGPU reports whether the task declares any GPU requirement
func (u ResourceUsage) HasGPU() bool {
	return len(u.GPUMemoryBytes) > 0
}

// Validate checks that every requested amount is non-negative
func (u ResourceUsage) Validate() error {
	if u.MemoryBytes != nil && *u.MemoryBytes < 0 {
		return fmt.Errorf("memory_bytes must not be negative")
	}
	for id, b := range u.GPUMemoryBytes {
		if id == "" {
			return fmt.Errorf("gpu id must not be empty")
		}
		if b < 0 {
			return fmt.Errorf("gpu_memory_bytes[%s] must not be negative", id)
		}
	}
	return nil
}

// Clone returns a deep copy of the usage
func (u ResourceUsage) Clone() ResourceUsage {
	out := ResourceUsage{}
	if u.MemoryBytes != nil {
		m := *u.MemoryBytes
		out.MemoryBytes = &m
	}
	if u.GPUMemoryBytes != nil {
		out.GPUMemoryBytes = make(map[string]ByteCount, len(u.GPUMemoryBytes))
		for k, v := range u.GPUMemoryBytes {
			out.GPUMemoryBytes[k] = v
		}
	}
	return out
}

// ByteCount is an amount of memory in bytes.
// It decodes from either a JSON/YAML number or a size string such as "2G".
type ByteCount int64

// UnmarshalJSON accepts 1073741824 as well as "1G"
func (b *ByteCount) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := ParseBytes(s)
		if err != nil {
			return err
		}
		*b = ByteCount(n)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid byte count %s", string(data))
	}
	*b = ByteCount(n)
	return nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON
func (b *ByteCount) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid byte count at line %d", value.Line)
	}
	n, err := ParseBytes(value.Value)
	if err != nil {
		return err
	}
	*b = ByteCount(n)
	return nil
}

// MarshalYAML writes the count as a size string so option files stay readable
func (b ByteCount) MarshalYAML() (interface{}, error) {
	return FormatBytes(int64(b)), nil
}

// Bytes is a convenience for building a *ByteCount literal
func Bytes(n int64) *ByteCount {
	b := ByteCount(n)
	return &b
}

var byteUnits = []struct {
	suffix     string
	multiplier float64
}{
	// Longest suffixes first so "KiB" is not matched as "B"
	{"TIB", 1 << 40},
	{"GIB", 1 << 30},
	{"MIB", 1 << 20},
	{"KIB", 1 << 10},
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"TI", 1 << 40},
	{"GI", 1 << 30},
	{"MI", 1 << 20},
	{"KI", 1 << 10},
	{"T", 1 << 40},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
	{"B", 1},
}

// ParseBytes parses a size string into bytes.
// All units are binary: "2G", "2GB", "2Gi" and "2GiB" are all 2*1024^3.
// A bare integer is returned unchanged.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid byte count: %s", s)
		}
		return n, nil
	}

	upper := strings.ToUpper(s)
	for _, unit := range byteUnits {
		if !strings.HasSuffix(upper, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(s[:len(s)-len(unit.suffix)])
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil || num < 0 {
			return 0, fmt.Errorf("invalid byte count: %s", s)
		}
		return int64(num * unit.multiplier), nil
	}

	return 0, fmt.Errorf("invalid byte count: %s", s)
}

// FormatBytes formats bytes the way ParseBytes reads them back
func FormatBytes(bytes int64) string {
	const (
		Ki = 1024
		Mi = 1024 * Ki
		Gi = 1024 * Mi
		Ti = 1024 * Gi
	)

	switch {
	case bytes >= Ti && bytes%Ti == 0:
		return fmt.Sprintf("%dT", bytes/Ti)
	case bytes >= Gi && bytes%Gi == 0:
		return fmt.Sprintf("%dG", bytes/Gi)
	case bytes >= Mi && bytes%Mi == 0:
		return fmt.Sprintf("%dM", bytes/Mi)
	case bytes >= Ki && bytes%Ki == 0:
		return fmt.Sprintf("%dK", bytes/Ki)
	default:
		return strconv.FormatInt(bytes, 10)
	}
}
