package types

import (
	"encoding/json"
	"testing"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input   string
		want    Priority
		wantErr bool
	}{
		{"0", PriorityLow, false},
		{"100", PriorityMedium, false},
		{"200", PriorityHigh, false},
		{"low", PriorityLow, false},
		{"Medium", PriorityMedium, false},
		{"HIGH", PriorityHigh, false},
		{"50", 0, true},
		{"urgent", 0, true},
	}

	for _, tt := range tests {
		t.Run(
			tt.input, func(t *testing.T) {
				got, err := ParsePriority(tt.input)
				if (err != nil) != tt.wantErr {
					t.Errorf("ParsePriority() error = %v, wantErr %v", err, tt.wantErr)
					return
				}
				if got != tt.want {
					t.Errorf("ParsePriority() = %v, want %v", got, tt.want)
				}
			},
		)
	}
}

func TestNewTask_ToTask(t *testing.T) {
	pid := 42
	nt := NewTask{
		Cmd:       "python train.py",
		CreatedBy: "alice",
		Priority:  PriorityHigh,
		Usage:     ResourceUsage{MemoryBytes: Bytes(100)},
		PID:       &pid,
	}

	task := nt.ToTask()

	if len(task.ID) != 8 {
		t.Errorf("expected 8 character id, got %q", task.ID)
	}
	if task.CreatedAt <= 0 {
		t.Error("expected CreatedAt to be set")
	}
	if task.InitDelayS != DefaultInitDelaySeconds {
		t.Errorf("InitDelayS = %d, want %d", task.InitDelayS, DefaultInitDelaySeconds)
	}
	if task.IsRunning || task.StartedAt != nil {
		t.Error("new task must be pending")
	}
	if task.PID == nil || *task.PID != 42 {
		t.Error("expected pid to be carried over")
	}

	other := nt.ToTask()
	if other.ID == task.ID {
		t.Error("expected distinct ids for distinct tasks")
	}

	delay := 0
	nt.InitDelayS = &delay
	if got := nt.ToTask().InitDelayS; got != 0 {
		t.Errorf("explicit zero delay = %d, want 0", got)
	}
}

func TestNewTask_Validate(t *testing.T) {
	negative := -1

	tests := []struct {
		name    string
		task    NewTask
		wantErr bool
	}{
		{"valid", NewTask{Cmd: "ls", Priority: PriorityMedium}, false},
		{"missing cmd", NewTask{Priority: PriorityMedium}, true},
		{"blank cmd", NewTask{Cmd: "  "}, true},
		{"unknown priority", NewTask{Cmd: "ls", Priority: 7}, true},
		{"negative delay", NewTask{Cmd: "ls", InitDelayS: &negative}, true},
		{"negative memory", NewTask{Cmd: "ls", Usage: ResourceUsage{MemoryBytes: Bytes(-1)}}, true},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				err := tt.task.Validate()
				if (err != nil) != tt.wantErr {
					t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				}
			},
		)
	}
}

func TestTask_JSONShape(t *testing.T) {
	task := Task{
		ID:         "abcd1234",
		Cmd:        "ls",
		CreatedAt:  1000,
		CreatedBy:  "bob",
		Priority:   PriorityLow,
		InitDelayS: 15,
	}

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	for _, key := range []string{"id", "cmd", "created_at", "created_by", "priority", "usage", "is_running", "init_delay_s"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing field %q in %s", key, string(data))
		}
	}
	if _, ok := fields["started_at"]; ok {
		t.Error("started_at should be omitted while pending")
	}
}

func TestTask_Clone(t *testing.T) {
	started := int64(5)
	orig := Task{ID: "a", StartedAt: &started, Usage: ResourceUsage{MemoryBytes: Bytes(1)}}

	clone := orig.Clone()
	*clone.StartedAt = 10
	*clone.Usage.MemoryBytes = 2

	if *orig.StartedAt != 5 || orig.Usage.Memory() != 1 {
		t.Error("Clone() shares state with the original")
	}
}

func TestNewSocketMessage(t *testing.T) {
	msg, err := NewSocketMessage(MessageInfoUpdate, ClientUpdateInfo{PendingTasksCount: 3, RunningTasksCount: 1})
	if err != nil {
		t.Fatalf("NewSocketMessage failed: %v", err)
	}

	var info ClientUpdateInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		t.Fatalf("Unmarshal data failed: %v", err)
	}
	if info.PendingTasksCount != 3 || info.RunningTasksCount != 1 {
		t.Errorf("unexpected info %+v", info)
	}

	bare, err := NewSocketMessage(MessageTaskCanStart, nil)
	if err != nil {
		t.Fatalf("NewSocketMessage failed: %v", err)
	}
	data, _ := json.Marshal(bare)
	if string(data) != `{"type":1}` {
		t.Errorf("bare message = %s, want {\"type\":1}", string(data))
	}
}
