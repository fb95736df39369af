package api

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/danpasecinic/taskflow/internal/daemon/scheduler"
	"github.com/danpasecinic/taskflow/internal/daemon/state"
)

// Server handles the query API and the task websocket.
type Server struct {
	store        state.TaskStore
	admitter     Admitter
	resources    scheduler.ResourceSource
	pollInterval time.Duration
	logger       *zap.Logger
	upgrader     websocket.Upgrader

	// ctx is cancelled on Shutdown so sessions stop waiting for admission
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	conns    map[*websocket.Conn]struct{}
	sessions sync.WaitGroup
}

// NewServer creates a new API server.
// pollInterval is how often a queued session reports queue depth to its client.
func NewServer(
	store state.TaskStore, admitter Admitter, resources scheduler.ResourceSource, pollInterval time.Duration,
	logger *zap.Logger,
) *Server {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:        store,
		admitter:     admitter,
		resources:    resources,
		pollInterval: pollInterval,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// RegisterRoutes registers all API endpoints with the Echo router.
// Routes are grouped under /api/v1 for versioning.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/api/v1")

	v1.GET("/tasks", s.SearchTasks)
	v1.GET("/tasks/start", s.StartTask)
	v1.GET("/tasks/:id", s.GetTask)
	v1.GET("/resources", s.GetResources)
}

// StartTask handles GET /api/v1/tasks/start.
// Upgrades to a websocket and runs one task session on it.
func (s *Server) StartTask(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return nil
	}

	if !s.track(conn) {
		_ = conn.Close()
		return nil
	}
	defer s.untrack(conn)

	session := NewTaskSession(conn, s.store, s.admitter, s.pollInterval, s.logger)
	session.Run(s.ctx)
	return nil
}

// Shutdown closes every open session and waits for their cleanup.
// Hijacked websocket connections are not closed by echo's own Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	for conn := range s.conns {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	s.sessions.Done()
}
