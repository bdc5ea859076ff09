package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/askarian/questor/tools"
)

// memStore is an in-memory Store with the same version-guard semantics as
// the Postgres implementation.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	saves int
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*Task)}
}

func (m *memStore) CreateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("duplicate task id %s", t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *memStore) LoadTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *memStore) SaveTask(ctx context.Context, t *Task, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := t.Clone()
	next.Version = expectedVersion + 1
	m.tasks[t.ID] = next
	m.saves++
	return nil
}

func (m *memStore) ListUnfinishedTaskIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, t := range m.tasks {
		if !t.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) version(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id].Version
}

// flakyStore rejects the first n saves with a version conflict without
// applying them, forcing the mutate loop to re-read.
type flakyStore struct {
	*memStore
	mu        sync.Mutex
	conflicts int
}

func (f *flakyStore) SaveTask(ctx context.Context, t *Task, expectedVersion int64) error {
	f.mu.Lock()
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return ErrVersionConflict
	}
	f.mu.Unlock()
	return f.memStore.SaveTask(ctx, t, expectedVersion)
}

func testCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxQueryLength:    2000,
		MaxRevisions:      2,
		LivenessThreshold: 50 * time.Millisecond,
		PollInterval:      time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, store Store, reg *tools.Registry) *Coordinator {
	t.Helper()
	planner := NewHeuristicPlanner(reg, 3)
	reflector := NewHeuristicReflector(planner)
	ex := NewExecutor(reg, testLogger(),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		WithSleeper(noSleep))
	return NewCoordinator(store, reg, planner, reflector, ex, testLogger(), testCoordinatorConfig())
}

func TestCreateValidation(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(t, "web_search")
	c := newTestCoordinator(t, store, reg)

	if _, err := c.Create(context.Background(), "   \n\t  "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank query err = %v, want ErrInvalidInput", err)
	}
	if _, err := c.Create(context.Background(), strings.Repeat("x", 2001)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("oversized query err = %v, want ErrInvalidInput", err)
	}

	id, err := c.Create(context.Background(), "  a valid question about distributed consensus protocols  ")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	task, err := c.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != StatusCreated {
		t.Errorf("status = %s, want created", task.Status)
	}
	if task.Query != "a valid question about distributed consensus protocols" {
		t.Errorf("query not trimmed: %q", task.Query)
	}
	if task.Version != 1 {
		t.Errorf("initial version = %d, want 1", task.Version)
	}
}

func TestRunHappyPath(t *testing.T) {
	store := newMemStore()
	tool := &stubTool{name: "web_search", outputs: []stubCall{
		{findings: []tools.Finding{{Title: "hit", Snippet: "detail", SourceURL: "https://example.com/a"}}},
	}}
	reg, _ := tools.NewRegistry(tool)
	c := newTestCoordinator(t, store, reg)

	id, err := c.Create(context.Background(), "current approaches to stream processing at enormous scale")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _ := c.Get(context.Background(), id)
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s (err=%v), want completed", task.Status, task.Error)
	}
	if task.Result == nil || !strings.Contains(task.Result.Summary, task.Query) {
		t.Fatal("final result missing or does not reference the query")
	}
	if len(task.Result.Sources) != 1 || task.Result.Sources[0] != "https://example.com/a" {
		t.Errorf("sources = %v", task.Result.Sources)
	}
	for id, sr := range task.Steps {
		if sr.Status != StepSucceeded {
			t.Errorf("step %s status = %s, want succeeded", id, sr.Status)
		}
	}
	if task.Version <= 1 {
		t.Errorf("version = %d, expected strictly increasing writes", task.Version)
	}
}

func TestRunSurvivesPartialStepFailure(t *testing.T) {
	store := newMemStore()
	web := &stubTool{name: "web_search", outputs: []stubCall{
		{findings: []tools.Finding{{Title: "hit", SourceURL: "https://w"}}},
	}}
	arxiv := &stubTool{name: "arxiv", outputs: []stubCall{
		{err: &tools.UnavailableError{Tool: "arxiv", Err: fmt.Errorf("status 503")}},
	}}
	reg, _ := tools.NewRegistry(web, arxiv)
	c := newTestCoordinator(t, store, reg)

	id, err := c.Create(context.Background(), "survey of recent research papers on model compression")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _ := c.Get(context.Background(), id)
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s (err=%v), want completed despite one failed step", task.Status, task.Error)
	}
	var failed *StepResult
	for _, sr := range task.Steps {
		if sr.Status == StepFailed {
			failed = sr
		}
	}
	if failed == nil {
		t.Fatal("no failed step recorded")
	}
	if failed.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", failed.AttemptCount)
	}
	if failed.Error == nil || failed.Error.Code != CodeToolUnavailable {
		t.Errorf("step error = %v, want tool_unavailable", failed.Error)
	}
	if len(task.Result.Caveats) == 0 {
		t.Error("completed result carries no caveat for the failed step")
	}
}

func TestRunFailsDependentsOfFailedStep(t *testing.T) {
	store := newMemStore()
	tool := &stubTool{name: "web_search", outputs: []stubCall{
		{err: &tools.RejectedError{Tool: "web_search", Err: fmt.Errorf("status 400")}},
	}}
	reg, _ := tools.NewRegistry(tool)
	c := newTestCoordinator(t, store, reg)
	c.planner = &stubPlanner{plan: &Plan{Revision: 1, Steps: []Step{
		{ID: "root", ToolName: "web_search", Input: "q", MaxResults: 3},
		{ID: "child", ToolName: "web_search", Input: "q2", MaxResults: 3, DependsOn: []string{"root"}},
	}}}
	c.reflector = NewHeuristicReflector(c.planner)

	id, _ := c.Create(context.Background(), "a query whose plan has a dependency chain")
	if err := c.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _ := c.Get(context.Background(), id)
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed with caveats", task.Status)
	}
	child := task.StepState("child")
	if child.Status != StepFailed {
		t.Fatalf("dependent step status = %s, want failed (dependency failed)", child.Status)
	}
	if tool.callCount() != 1 {
		t.Errorf("tool invoked %d times, want 1 (dependent never dispatched)", tool.callCount())
	}
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(t, "web_search")
	c := newTestCoordinator(t, store, reg)
	c.planner = &stubPlanner{plan: &Plan{Revision: 1, Steps: []Step{
		{ID: "a", ToolName: "no_such_tool", Input: "q"},
	}}}

	id, _ := c.Create(context.Background(), "whatever the question happens to be")
	if err := c.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _ := c.Get(context.Background(), id)
	if task.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if task.Error == nil || task.Error.Code != CodeInvalidPlan {
		t.Errorf("task error = %v, want invalid_plan", task.Error)
	}
	if len(task.Steps) != 0 {
		t.Errorf("steps = %v, want none dispatched for an invalid plan", task.Steps)
	}
}

func TestCancelIsIdempotentAndNeverUnterminates(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(t, "web_search")
	c := newTestCoordinator(t, store, reg)

	id, _ := c.Create(context.Background(), "a cancellable question")
	if err := c.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	task, _ := c.Get(context.Background(), id)
	if task.Status != StatusFailed || task.Error == nil || task.Error.Code != CodeCancelled {
		t.Fatalf("after cancel: status=%s err=%v", task.Status, task.Error)
	}

	if err := c.Cancel(context.Background(), id); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	again, _ := c.Get(context.Background(), id)
	if again.Version != task.Version {
		t.Errorf("second cancel wrote a new version: %d -> %d", task.Version, again.Version)
	}

	// Running a cancelled task is a no-op.
	if err := c.Run(context.Background(), id); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
}

func TestCancelDiscardsLateStepResults(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(t, "web_search")
	c := newTestCoordinator(t, store, reg)

	id, _ := c.Create(context.Background(), "a question that gets cancelled mid flight")
	if err := c.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	sink := &taskSink{c: c, taskID: id}
	if err := sink.StepStarted(context.Background(), "late", 1); !errors.Is(err, ErrTaskTerminated) {
		t.Fatalf("StepStarted on terminal task err = %v, want ErrTaskTerminated", err)
	}
	if err := sink.StepSucceeded(context.Background(), "late", []tools.Finding{{Title: "x"}}, 1); !errors.Is(err, ErrTaskTerminated) {
		t.Fatalf("StepSucceeded on terminal task err = %v, want ErrTaskTerminated", err)
	}

	task, _ := c.Get(context.Background(), id)
	if len(task.Steps) != 0 {
		t.Errorf("late result was persisted: %v", task.Steps)
	}
}

func TestRunRetriesVersionConflicts(t *testing.T) {
	store := &flakyStore{memStore: newMemStore(), conflicts: 2}
	tool := &stubTool{name: "web_search", outputs: []stubCall{
		{findings: []tools.Finding{{Title: "hit", SourceURL: "https://w"}}},
	}}
	reg, _ := tools.NewRegistry(tool)
	c := newTestCoordinator(t, store, reg)

	id, err := c.Create(context.Background(), "a question racing against conflicting writers")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}
	task, _ := c.Get(context.Background(), id)
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed after conflict retries", task.Status)
	}
}

func TestRunResumesStaleRunningStep(t *testing.T) {
	store := newMemStore()
	tool := &stubTool{name: "web_search", outputs: []stubCall{
		{findings: []tools.Finding{{Title: "fresh", SourceURL: "https://w"}}},
	}}
	reg, _ := tools.NewRegistry(tool)
	c := newTestCoordinator(t, store, reg)

	stale := time.Now().UTC().Add(-time.Hour)
	seed := &Task{
		ID:     "resume-1",
		Query:  "a crashed task being picked back up",
		Status: StatusExecuting,
		Plan: &Plan{Revision: 1, Steps: []Step{
			{ID: "done", ToolName: "web_search", Input: "q1", MaxResults: 3},
			{ID: "stuck", ToolName: "web_search", Input: "q2", MaxResults: 3},
		}},
		Steps: map[string]*StepResult{
			"done": {StepID: "done", Status: StepSucceeded,
				Output: []tools.Finding{{Title: "kept", SourceURL: "https://kept"}}, AttemptCount: 1, UpdatedAt: stale},
			"stuck": {StepID: "stuck", Status: StepRunning, AttemptCount: 1, UpdatedAt: stale},
		},
		Version:   4,
		CreatedAt: stale,
		UpdatedAt: stale,
	}
	if err := store.CreateTask(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	if err := c.Run(context.Background(), "resume-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _ := c.Get(context.Background(), "resume-1")
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if tool.callCount() != 1 {
		t.Errorf("tool invoked %d times, want 1 (terminal step never re-executed)", tool.callCount())
	}
	done := task.StepState("done")
	if done.Status != StepSucceeded || len(done.Output) != 1 || done.Output[0].Title != "kept" {
		t.Errorf("prior step result was disturbed: %+v", done)
	}
	stuck := task.StepState("stuck")
	if stuck.Status != StepSucceeded {
		t.Errorf("stale step status = %s, want succeeded after re-dispatch", stuck.Status)
	}
}

func TestRevisionBudgetForcesCompletion(t *testing.T) {
	store := newMemStore()
	tool := &stubTool{name: "web_search", outputs: []stubCall{
		{findings: []tools.Finding{{Title: "hit", SourceURL: "https://w"}}},
	}}
	reg, _ := tools.NewRegistry(tool)
	c := newTestCoordinator(t, store, reg)
	c.reflector = &insatiableReflector{}

	id, _ := c.Create(context.Background(), "a question no amount of revising will settle")
	if err := c.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _ := c.Get(context.Background(), id)
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s (err=%v), want completed", task.Status, task.Error)
	}
	if task.Revisions != c.cfg.MaxRevisions {
		t.Errorf("revisions = %d, want exactly the budget %d", task.Revisions, c.cfg.MaxRevisions)
	}
	if task.Plan.Revision != c.cfg.MaxRevisions+1 {
		t.Errorf("plan revision = %d, want %d", task.Plan.Revision, c.cfg.MaxRevisions+1)
	}
	var sawBudgetCaveat bool
	for _, cv := range task.Result.Caveats {
		if strings.Contains(cv, "revision budget") {
			sawBudgetCaveat = true
		}
	}
	if !sawBudgetCaveat {
		t.Errorf("caveats %v do not mention the exhausted budget", task.Result.Caveats)
	}
}

// stubPlanner returns a fixed plan regardless of the query.
type stubPlanner struct {
	plan *Plan
	err  error
}

func (p *stubPlanner) Plan(ctx context.Context, query string, prior *Plan, results map[string]*StepResult) (*Plan, error) {
	return p.plan, p.err
}

// insatiableReflector asks for another revision every time, so the
// coordinator's budget enforcement is what terminates the task.
type insatiableReflector struct{ rounds int }

func (r *insatiableReflector) Reflect(ctx context.Context, t *Task, revisionsLeft int) (Decision, error) {
	r.rounds++
	return Decision{Kind: DecisionRevise, NewSteps: []Step{
		{ToolName: "web_search", Input: fmt.Sprintf("follow-up %d", r.rounds), MaxResults: 3},
	}}, nil
}

func (r *insatiableReflector) Synthesize(ctx context.Context, t *Task, extraCaveats []string) (*Result, error) {
	return &Result{
		Summary:   "forced synthesis of partial findings",
		Caveats:   extraCaveats,
		CreatedAt: time.Now().UTC(),
	}, nil
}
