package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/danpasecinic/taskflow/internal/daemon/resources"
	"github.com/danpasecinic/taskflow/internal/daemon/state"
	"github.com/danpasecinic/taskflow/internal/types"
)

const defaultPageSize = 100

// ResourcesResponse is the body of GET /api/v1/resources
type ResourcesResponse struct {
	resources.Snapshot
	PendingTasks int `json:"pending_tasks"`
	RunningTasks int `json:"running_tasks"`
}

// SearchTasks handles GET /api/v1/tasks.
// Supports created_by, is_running, start and size query parameters.
func (s *Server) SearchTasks(c echo.Context) error {
	var filter state.TaskFilter

	if createdBy := c.QueryParam("created_by"); createdBy != "" {
		filter.CreatedBy = &createdBy
	}

	if raw := c.QueryParam("is_running"); raw != "" {
		isRunning, err := strconv.ParseBool(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "is_running must be a boolean"})
		}
		filter.IsRunning = &isRunning
	}

	start, err := intParam(c, "start", 0)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "start must be a non-negative integer"})
	}
	size, err := intParam(c, "size", defaultPageSize)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "size must be a non-negative integer"})
	}

	tasks, total, err := s.store.SearchTasks(filter, start, size)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, types.TaskList{Tasks: tasks, Total: total})
}

// GetTask handles GET /api/v1/tasks/:id.
// Returns details for a specific task.
func (s *Server) GetTask(c echo.Context) error {
	task, err := s.store.GetTask(c.Param("id"))
	if errors.Is(err, state.ErrTaskNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, task)
}

// GetResources handles GET /api/v1/resources.
// Returns the scheduler's current view of free resources and the queue size.
func (s *Server) GetResources(c echo.Context) error {
	pending, running, err := s.store.CountTasks()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(
		http.StatusOK, ResourcesResponse{
			Snapshot:     s.resources.Snapshot(),
			PendingTasks: pending,
			RunningTasks: running,
		},
	)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New(name + " must not be negative")
	}
	return n, nil
}
