package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/askarian/questor/internal/engine"
)

type stubTaskService struct {
	createdID  string
	createErr  error
	task       *engine.Task
	getErr     error
	cancelErr  error
	cancelled  []string
	lastCreate string
}

func (s *stubTaskService) Create(ctx context.Context, query string) (string, error) {
	s.lastCreate = query
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.createdID, nil
}

func (s *stubTaskService) Get(ctx context.Context, id string) (*engine.Task, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.task, nil
}

func (s *stubTaskService) Cancel(ctx context.Context, id string) error {
	s.cancelled = append(s.cancelled, id)
	return s.cancelErr
}

type stubDispatcher struct {
	dispatched []string
	err        error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, taskID, query string) error {
	d.dispatched = append(d.dispatched, taskID)
	return d.err
}

func sampleTask() *engine.Task {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &engine.Task{
		ID:     "task-1",
		Query:  "how does paxos differ from raft",
		Status: engine.StatusExecuting,
		Plan: &engine.Plan{Revision: 1, Steps: []engine.Step{
			{ID: "s1", ToolName: "web_search", Input: "paxos vs raft", MaxResults: 5},
		}},
		Steps: map[string]*engine.StepResult{
			"s1": {StepID: "s1", Status: engine.StepRunning, AttemptCount: 1, UpdatedAt: now},
		},
		Version:   3,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newHandlerContext(method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestCreateTaskAccepted(t *testing.T) {
	svc := &stubTaskService{createdID: "task-1"}
	disp := &stubDispatcher{}
	h := &TasksHandler{Tasks: svc, Dispatcher: disp, Logger: log.New(io.Discard, "", 0)}

	ctx, rec := newHandlerContext(http.MethodPost, "/api/tasks", `{"query":"how does paxos differ from raft"}`)
	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var resp createTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "task-1" || resp.Status != "created" {
		t.Errorf("response = %+v", resp)
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != "task-1" {
		t.Errorf("dispatched = %v", disp.dispatched)
	}
}

func TestCreateTaskInvalidInput(t *testing.T) {
	svc := &stubTaskService{createErr: fmt.Errorf("%w: query is empty", engine.ErrInvalidInput)}
	h := &TasksHandler{Tasks: svc, Dispatcher: &stubDispatcher{}, Logger: log.New(io.Discard, "", 0)}

	ctx, _ := newHandlerContext(http.MethodPost, "/api/tasks", `{"query":""}`)
	err := h.create(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 HTTPError", err)
	}
}

func TestCreateTaskSurvivesDispatchFailure(t *testing.T) {
	svc := &stubTaskService{createdID: "task-1"}
	disp := &stubDispatcher{err: fmt.Errorf("redis down")}
	h := &TasksHandler{Tasks: svc, Dispatcher: disp, Logger: log.New(io.Discard, "", 0)}

	ctx, rec := newHandlerContext(http.MethodPost, "/api/tasks", `{"query":"anything"}`)
	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 even when dispatch fails", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	svc := &stubTaskService{task: sampleTask()}
	h := &TasksHandler{Tasks: svc, Dispatcher: &stubDispatcher{}, Logger: log.New(io.Discard, "", 0)}

	ctx, rec := newHandlerContext(http.MethodGet, "/api/tasks/task-1", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("task-1")
	if err := h.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "task-1" || resp.Status != "executing" || resp.Version != 3 {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Steps) != 1 || resp.Steps[0].Status != "running" {
		t.Errorf("steps = %+v", resp.Steps)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	svc := &stubTaskService{getErr: engine.ErrNotFound}
	h := &TasksHandler{Tasks: svc, Dispatcher: &stubDispatcher{}, Logger: log.New(io.Discard, "", 0)}

	ctx, _ := newHandlerContext(http.MethodGet, "/api/tasks/ghost", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("ghost")
	err := h.get(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 HTTPError", err)
	}
}

func TestCancelTask(t *testing.T) {
	cancelled := sampleTask()
	cancelled.Status = engine.StatusFailed
	cancelled.Error = engine.NewTaskError(engine.CodeCancelled, "cancelled by user")
	svc := &stubTaskService{task: cancelled}
	h := &TasksHandler{Tasks: svc, Dispatcher: &stubDispatcher{}, Logger: log.New(io.Discard, "", 0)}

	ctx, rec := newHandlerContext(http.MethodPost, "/api/tasks/task-1/cancel", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("task-1")
	if err := h.cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(svc.cancelled) != 1 || svc.cancelled[0] != "task-1" {
		t.Errorf("cancelled = %v", svc.cancelled)
	}

	var resp taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "failed" || resp.Error == nil || resp.Error.Code != engine.CodeCancelled {
		t.Errorf("response = %+v", resp)
	}
}

func TestHealthz(t *testing.T) {
	e := New(&stubTaskService{}, &stubDispatcher{}, log.New(io.Discard, "", 0))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
