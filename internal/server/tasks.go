package server

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/askarian/questor/internal/engine"
)

// TaskService is the engine surface the HTTP layer needs.
type TaskService interface {
	Create(ctx context.Context, query string) (string, error)
	Get(ctx context.Context, id string) (*engine.Task, error)
	Cancel(ctx context.Context, id string) error
}

// Dispatcher hands a freshly created task off for execution, either to the
// worker queue or to an in-process goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID, query string) error
}

// TasksHandler exposes the task lifecycle over HTTP.
type TasksHandler struct {
	Tasks      TaskService
	Dispatcher Dispatcher
	Logger     *log.Logger
}

// Register mounts the task routes on the given group.
func (h *TasksHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
}

func (h *TasksHandler) create(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	id, err := h.Tasks.Create(ctx, req.Query)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidInput) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}

	if err := h.Dispatcher.Dispatch(ctx, id, req.Query); err != nil {
		// The task row exists; execution will be picked up by Resume even
		// if the dispatch itself was lost.
		h.Logger.Printf("warn: dispatch for task %s failed: %v", id, err)
	}

	return c.JSON(http.StatusAccepted, createTaskResponse{ID: id, Status: string(engine.StatusCreated)})
}

func (h *TasksHandler) get(c echo.Context) error {
	t, err := h.Tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, taskView(t))
}

func (h *TasksHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.Tasks.Cancel(c.Request().Context(), id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return err
	}
	t, err := h.Tasks.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, taskView(t))
}
