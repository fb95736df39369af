package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danpasecinic/taskflow/internal/types"
)

// ErrDaemonGone is returned when the daemon drops the connection before the task starts
var ErrDaemonGone = errors.New("daemon stopped unexpectedly")

const socketWriteTimeout = 5 * time.Second

// RejectedError is the reason the daemon gave for refusing a submission
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "task rejected: " + e.Reason
}

// TaskConn is the client end of a task session
type TaskConn struct {
	conn *websocket.Conn
	Task types.Task

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Submit opens a task session and waits for the daemon to echo the task back
func Submit(ctx context.Context, socketURL string, submission types.NewTask) (*TaskConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}

	tc := &TaskConn{conn: conn}
	if err := tc.writeJSON(submission); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrDaemonGone, err)
	}

	var probe types.SocketMessage
	if err := json.Unmarshal(data, &probe); err == nil && probe.Type == types.MessageError {
		_ = conn.Close()
		return nil, &RejectedError{Reason: errorReason(probe.Data)}
	}

	if err := json.Unmarshal(data, &tc.Task); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return tc, nil
}

// WaitForStart blocks until the daemon admits the task.
// onInfo is called for every queue update; it may be nil.
func (t *TaskConn) WaitForStart(ctx context.Context, onInfo func(types.ClientUpdateInfo)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: %v", ErrDaemonGone, err)
		}

		var msg types.SocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}

		switch msg.Type {
		case types.MessageTaskCanStart:
			return nil
		case types.MessageInfoUpdate:
			if onInfo == nil {
				continue
			}
			var info types.ClientUpdateInfo
			if err := json.Unmarshal(msg.Data, &info); err == nil {
				onInfo(info)
			}
		case types.MessageError:
			return &RejectedError{Reason: errorReason(msg.Data)}
		}
	}
}

// Update reports the spawned process to the daemon
func (t *TaskConn) Update(pid int, cwd string) error {
	task := t.Task.Clone()
	task.PID = &pid
	task.Cwd = &cwd
	return t.send(types.MessageTaskUpdate, task)
}

func (t *TaskConn) Ping() error {
	return t.send(types.MessagePing, nil)
}

// KeepAlive pings the daemon every interval until ctx is done
func (t *TaskConn) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Ping(); err != nil {
				return
			}
		}
	}
}

// Finish tells the daemon the task is done so its resources are released
func (t *TaskConn) Finish() error {
	return t.send(types.MessageTaskFinish, nil)
}

func (t *TaskConn) Close() error {
	var err error
	t.closeOnce.Do(
		func() {
			t.writeMu.Lock()
			_ = t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			t.writeMu.Unlock()
			err = t.conn.Close()
		},
	)
	return err
}

func (t *TaskConn) send(msgType types.MessageType, data interface{}) error {
	msg, err := types.NewSocketMessage(msgType, data)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return t.writeJSON(msg)
}

func (t *TaskConn) writeJSON(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func errorReason(data json.RawMessage) string {
	var info types.ErrorInfo
	if err := json.Unmarshal(data, &info); err != nil || info.Error == "" {
		return "unknown error"
	}
	return info.Error
}
