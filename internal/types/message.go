package types

import "encoding/json"

// MessageType tags a frame on the task websocket
type MessageType int

const (
	MessageTaskCanStart MessageType = 1
	MessageInfoUpdate   MessageType = 2
	MessageTaskFinish   MessageType = 3
	MessageTaskUpdate   MessageType = 4
	MessagePing         MessageType = 5
	MessageError        MessageType = 6
)

// SocketMessage is a frame exchanged between the CLI and the daemon once the
// task has been submitted and resolved
type SocketMessage struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewSocketMessage builds a message with an optional JSON payload
func NewSocketMessage(t MessageType, data interface{}) (SocketMessage, error) {
	msg := SocketMessage{Type: t}
	if data == nil {
		return msg, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return SocketMessage{}, err
	}
	msg.Data = raw
	return msg, nil
}

// ClientUpdateInfo is the queue snapshot sent while a task waits
type ClientUpdateInfo struct {
	PendingTasksCount int `json:"pending_tasks_count"`
	RunningTasksCount int `json:"running_tasks_count"`
}

// ErrorInfo carries the reason a submission was rejected
type ErrorInfo struct {
	Error string `json:"error"`
}
