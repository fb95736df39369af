package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/danpasecinic/taskflow/internal/daemon/state"
	"github.com/danpasecinic/taskflow/internal/types"
)

// ErrMalformedMessage is returned when a client frame cannot be decoded
var ErrMalformedMessage = errors.New("malformed message")

// errWithdrawn ends a queued session whose client sent finish before admission
var errWithdrawn = errors.New("task withdrawn before admission")

const writeTimeout = 10 * time.Second

// Admitter releases queued tasks
type Admitter interface {
	WaitForAdmission(ctx context.Context, taskID string, timeout time.Duration) bool
}

type sessionState int

const (
	stateAwaitingSubmission sessionState = iota
	stateQueued
	stateAdmitted
	stateRunning
	stateFinished
	stateAborted
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingSubmission:
		return "awaiting_submission"
	case stateQueued:
		return "queued"
	case stateAdmitted:
		return "admitted"
	case stateRunning:
		return "running"
	case stateFinished:
		return "finished"
	default:
		return "aborted"
	}
}

type frame struct {
	data []byte
	err  error
}

// TaskSession drives one task through submission, queueing, admission and
// completion over a single websocket. Whatever way the session ends, its
// task is deleted from the store exactly once.
type TaskSession struct {
	conn         *websocket.Conn
	store        state.TaskStore
	admitter     Admitter
	pollInterval time.Duration
	logger       *zap.Logger

	task     *types.Task
	state    sessionState
	incoming chan frame
}

// NewTaskSession creates a session for an upgraded connection
func NewTaskSession(
	conn *websocket.Conn, store state.TaskStore, admitter Admitter, pollInterval time.Duration, logger *zap.Logger,
) *TaskSession {
	return &TaskSession{
		conn:         conn,
		store:        store,
		admitter:     admitter,
		pollInterval: pollInterval,
		logger:       logger,
		state:        stateAwaitingSubmission,
		incoming:     make(chan frame, 8),
	}
}

// Run blocks until the session ends. ctx cancellation aborts the session.
func (s *TaskSession) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	defer s.cleanup()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task session panicked", zap.Any("panic", r), zap.String("state", s.state.String()))
			s.state = stateAborted
		}
	}()
	defer cancel()

	if err := s.accept(); err != nil {
		s.abort(err)
		return
	}

	go s.readLoop(ctx, cancel)

	if err := s.waitForAdmission(ctx); err != nil {
		s.abort(err)
		return
	}

	if err := s.start(); err != nil {
		s.abort(err)
		return
	}

	if err := s.waitForFinish(ctx); err != nil {
		s.abort(err)
		return
	}

	s.state = stateFinished
}

// accept reads the submission, stores the task and echoes it back resolved
func (s *TaskSession) accept() error {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read submission: %w", err)
	}

	var submission types.NewTask
	if err := json.Unmarshal(data, &submission); err != nil {
		s.sendError(fmt.Sprintf("invalid task: %v", err))
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := submission.Validate(); err != nil {
		s.sendError(fmt.Sprintf("invalid task: %v", err))
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	task := submission.ToTask()
	if err := s.store.AddTask(task); err != nil {
		s.sendError("failed to register task")
		return fmt.Errorf("failed to add task: %w", err)
	}
	s.task = &task
	s.state = stateQueued

	s.logger.Info(
		"Task queued",
		zap.String("task_id", task.ID),
		zap.String("created_by", task.CreatedBy),
		zap.String("priority", task.Priority.String()),
		zap.Int64("memory_bytes", task.Usage.Memory()),
	)

	return s.writeJSON(task)
}

// waitForAdmission streams queue updates until the scheduler opens the gate
func (s *TaskSession) waitForAdmission(ctx context.Context) error {
	for {
		select {
		case f := <-s.incoming:
			if err := s.handleQueued(f); err != nil {
				return err
			}
			continue
		default:
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("connection closed while queued: %w", err)
		}

		pending, running, err := s.store.CountTasks()
		if err != nil {
			return fmt.Errorf("failed to count tasks: %w", err)
		}
		info := types.ClientUpdateInfo{PendingTasksCount: pending, RunningTasksCount: running}
		if err := s.send(types.MessageInfoUpdate, info); err != nil {
			return err
		}

		if s.admitter.WaitForAdmission(ctx, s.task.ID, s.pollInterval) {
			s.state = stateAdmitted
			return nil
		}
	}
}

func (s *TaskSession) handleQueued(f frame) error {
	if f.err != nil {
		return fmt.Errorf("connection closed while queued: %w", f.err)
	}

	msg, err := decodeMessage(f.data)
	if err != nil {
		s.sendError(err.Error())
		return err
	}

	switch msg.Type {
	case types.MessageTaskFinish:
		return errWithdrawn
	case types.MessagePing:
	default:
		s.logger.Debug("Ignoring message while queued", zap.String("task_id", s.task.ID), zap.Int("type", int(msg.Type)))
	}
	return nil
}

// start tells the client to go and marks the task running
func (s *TaskSession) start() error {
	if err := s.send(types.MessageTaskCanStart, nil); err != nil {
		return err
	}

	now := types.NowMillis()
	s.task.IsRunning = true
	s.task.StartedAt = &now
	if err := s.store.UpdateTask(*s.task); err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	s.state = stateRunning

	s.logger.Info(
		"Task started",
		zap.String("task_id", s.task.ID),
		zap.Duration("waited", time.Duration(now-s.task.CreatedAt)*time.Millisecond),
	)
	return nil
}

// waitForFinish handles client messages until finish or disconnect
func (s *TaskSession) waitForFinish(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection closed while running: %w", ctx.Err())
		case f := <-s.incoming:
			if f.err != nil {
				return fmt.Errorf("connection closed while running: %w", f.err)
			}

			msg, err := decodeMessage(f.data)
			if err != nil {
				s.sendError(err.Error())
				return err
			}

			switch msg.Type {
			case types.MessageTaskFinish:
				return nil
			case types.MessageTaskUpdate:
				if err := s.applyUpdate(msg.Data); err != nil {
					return err
				}
			case types.MessagePing:
			default:
				s.logger.Warn("Unknown message type", zap.String("task_id", s.task.ID), zap.Int("type", int(msg.Type)))
			}
		}
	}
}

// applyUpdate copies the informational fields a client may refresh while running
func (s *TaskSession) applyUpdate(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}

	var update types.Task
	if err := json.Unmarshal(data, &update); err != nil {
		s.sendError(fmt.Sprintf("invalid task update: %v", err))
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if update.PID != nil {
		s.task.PID = update.PID
	}
	if update.Cwd != nil {
		s.task.Cwd = update.Cwd
	}

	if err := s.store.UpdateTask(*s.task); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// readLoop forwards frames to the session until the connection fails
func (s *TaskSession) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	for {
		_, data, err := s.conn.ReadMessage()
		select {
		case s.incoming <- frame{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *TaskSession) abort(err error) {
	s.state = stateAborted

	fields := []zap.Field{zap.Error(err)}
	if s.task != nil {
		fields = append(fields, zap.String("task_id", s.task.ID))
	}

	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, errWithdrawn), errors.As(err, &closeErr), errors.Is(err, context.Canceled):
		s.logger.Info("Task session ended", fields...)
	default:
		s.logger.Warn("Task session aborted", fields...)
	}
}

// cleanup removes the task and closes the connection
func (s *TaskSession) cleanup() {
	if s.task != nil {
		if err := s.store.DeleteTask(s.task.ID); err != nil {
			s.logger.Error("Failed to remove task", zap.String("task_id", s.task.ID), zap.Error(err))
		} else {
			s.logger.Info("Task removed", zap.String("task_id", s.task.ID), zap.String("state", s.state.String()))
		}
	}

	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = s.conn.Close()
}

func (s *TaskSession) send(t types.MessageType, data interface{}) error {
	msg, err := types.NewSocketMessage(t, data)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return s.writeJSON(msg)
}

func (s *TaskSession) sendError(reason string) {
	if err := s.send(types.MessageError, types.ErrorInfo{Error: reason}); err != nil {
		s.logger.Debug("Failed to send error frame", zap.Error(err))
	}
}

func (s *TaskSession) writeJSON(v interface{}) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func decodeMessage(data []byte) (types.SocketMessage, error) {
	var msg types.SocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.SocketMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == 0 {
		return types.SocketMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return msg, nil
}
