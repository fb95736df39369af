package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders pending tasks; higher values are admitted first
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 100
	PriorityHigh   Priority = 200
)

// DefaultInitDelaySeconds is used when a submission does not set init_delay_s
const DefaultInitDelaySeconds = 5

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	default:
		return strconv.Itoa(int(p))
	}
}

// Valid reports whether p is one of the known priorities
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// ParsePriority accepts a numeric value ("200") or a name ("high")
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("invalid priority %q (use 0, 100, 200 or low, medium, high)", s)
	}
	return Priority(n), nil
}

// Task is the unit of scheduling
type Task struct {
	ID         string        `json:"id"`
	Cmd        string        `json:"cmd"`
	CreatedAt  int64         `json:"created_at"`
	CreatedBy  string        `json:"created_by"`
	Priority   Priority      `json:"priority"`
	Usage      ResourceUsage `json:"usage"`
	StartedAt  *int64        `json:"started_at,omitempty"`
	IsRunning  bool          `json:"is_running"`
	InitDelayS int           `json:"init_delay_s"`
	PID        *int          `json:"pid,omitempty"`
	Cwd        *string       `json:"cwd,omitempty"`
}

// Clone returns a deep copy so callers can't mutate a stored record
func (t Task) Clone() Task {
	out := t
	out.Usage = t.Usage.Clone()
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.PID != nil {
		v := *t.PID
		out.PID = &v
	}
	if t.Cwd != nil {
		v := *t.Cwd
		out.Cwd = &v
	}
	return out
}

// InitDelay returns the task's grace period as a duration
func (t Task) InitDelay() time.Duration {
	return time.Duration(t.InitDelayS) * time.Second
}

// TaskList is a page of tasks plus the total number of matches
type TaskList struct {
	Tasks []Task `json:"tasks"`
	Total int    `json:"total"`
}

// NewTask is what a client submits; the daemon turns it into a Task
type NewTask struct {
	Cmd        string        `json:"cmd" yaml:"cmd,omitempty"`
	CreatedBy  string        `json:"created_by" yaml:"created_by,omitempty"`
	Priority   Priority      `json:"priority" yaml:"priority"`
	Usage      ResourceUsage `json:"usage" yaml:"usage"`
	InitDelayS *int          `json:"init_delay_s,omitempty" yaml:"init_delay_s,omitempty"`
	PID        *int          `json:"pid,omitempty" yaml:"-"`
	Cwd        *string       `json:"cwd,omitempty" yaml:"-"`
}

// Validate checks the submission before it is accepted
func (n NewTask) Validate() error {
	if strings.TrimSpace(n.Cmd) == "" {
		return fmt.Errorf("cmd is required")
	}
	if !n.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", n.Priority)
	}
	if n.InitDelayS != nil && *n.InitDelayS < 0 {
		return fmt.Errorf("init_delay_s must not be negative")
	}
	return n.Usage.Validate()
}

// ToTask assigns an id and creation time to the submission
func (n NewTask) ToTask() Task {
	delay := DefaultInitDelaySeconds
	if n.InitDelayS != nil {
		delay = *n.InitDelayS
	}

	return Task{
		ID:         GenerateID(),
		Cmd:        n.Cmd,
		CreatedAt:  NowMillis(),
		CreatedBy:  n.CreatedBy,
		Priority:   n.Priority,
		Usage:      n.Usage.Clone(),
		InitDelayS: delay,
		PID:        n.PID,
		Cwd:        n.Cwd,
	}
}

// GenerateID returns a short random task id
func GenerateID() string {
	return uuid.NewString()[:8]
}

// NowMillis returns the current unix time in milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
