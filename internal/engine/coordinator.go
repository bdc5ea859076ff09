package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/askarian/questor/internal/telemetry"
	"github.com/askarian/questor/tools"
)

// Store is the persistence contract the coordinator requires. Every save
// is an atomic whole-snapshot write guarded by the expected version;
// stale writers get ErrVersionConflict and must re-read.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	LoadTask(ctx context.Context, id string) (*Task, error)
	SaveTask(ctx context.Context, t *Task, expectedVersion int64) error
	ListUnfinishedTaskIDs(ctx context.Context) ([]string, error)
}

// TransitionPublisher receives every persisted task transition, e.g. for a
// Redis Stream audit trail. Publishing is best effort.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, t *Task) error
}

// CoordinatorConfig carries the policy knobs of the task state machine.
type CoordinatorConfig struct {
	MaxQueryLength    int
	MaxRevisions      int
	LivenessThreshold time.Duration
	PollInterval      time.Duration
}

// DefaultCoordinatorConfig returns the documented defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxQueryLength:    2000,
		MaxRevisions:      2,
		LivenessThreshold: 2 * time.Minute,
		PollInterval:      500 * time.Millisecond,
	}
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	def := DefaultCoordinatorConfig()
	if c.MaxQueryLength <= 0 {
		c.MaxQueryLength = def.MaxQueryLength
	}
	if c.MaxRevisions < 0 {
		c.MaxRevisions = def.MaxRevisions
	}
	if c.LivenessThreshold <= 0 {
		c.LivenessThreshold = def.LivenessThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}

// Coordinator owns the task state machine: it drives Planner → Executor →
// Reflector, persists every transition behind the version guard, and
// exposes the lifecycle operations the HTTP layer maps onto.
type Coordinator struct {
	store     Store
	registry  *tools.Registry
	planner   Planner
	reflector Reflector
	executor  *Executor
	events    TransitionPublisher
	metrics   *telemetry.Metrics
	logger    *log.Logger
	cfg       CoordinatorConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var coordinatorTracer trace.Tracer = otel.Tracer("questor/internal/engine")

// CoordinatorOption configures optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithTransitionPublisher wires transition events.
func WithTransitionPublisher(p TransitionPublisher) CoordinatorOption {
	return func(c *Coordinator) { c.events = p }
}

// WithMetrics wires prometheus collectors.
func WithMetrics(m *telemetry.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator builds the task coordinator. All collaborators are
// explicit; there is no ambient global state.
func NewCoordinator(store Store, registry *tools.Registry, planner Planner, reflector Reflector, executor *Executor, logger *log.Logger, cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	c := &Coordinator{
		store:     store,
		registry:  registry,
		planner:   planner,
		reflector: reflector,
		executor:  executor,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create validates the query and persists a new task in Created state.
// Execution is dispatched separately (in-process or via the worker queue).
func (c *Coordinator) Create(ctx context.Context, query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", fmt.Errorf("%w: query is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(trimmed) > c.cfg.MaxQueryLength {
		return "", fmt.Errorf("%w: query exceeds %d characters", ErrInvalidInput, c.cfg.MaxQueryLength)
	}

	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.NewString(),
		Query:     trimmed,
		Status:    StatusCreated,
		Steps:     make(map[string]*StepResult),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateTask(ctx, t); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	c.metrics.TaskCreated()
	c.publishTransition(ctx, t)
	c.logger.Printf("task %s created", t.ID)
	return t.ID, nil
}

// Get returns a consistent snapshot of the task.
func (c *Coordinator) Get(ctx context.Context, id string) (*Task, error) {
	t, err := c.store.LoadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Cancel marks the task Failed(Cancelled) unless it is already terminal.
// In-flight steps may finish but their results are discarded by the
// terminal-status check inside every guarded write.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	_, err := c.mutate(ctx, id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskTerminated
		}
		t.Status = StatusFailed
		t.Error = NewTaskError(CodeCancelled, "cancelled by user")
		return nil
	})
	if errors.Is(err, ErrTaskTerminated) {
		return nil
	}
	if err == nil {
		c.finishMetrics(ctx, id)
		c.logger.Printf("task %s cancelled", id)
	}
	return err
}

// Run drives the task through the state machine until it is terminal.
// Every iteration re-reads the persisted snapshot; in-memory state is
// never trusted across restarts.
func (c *Coordinator) Run(ctx context.Context, id string) error {
	ctx, span := coordinatorTracer.Start(ctx, "engine.run",
		trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := c.store.LoadTask(ctx, id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		var stepErr error
		switch t.Status {
		case StatusCompleted, StatusFailed:
			span.SetStatus(codes.Ok, string(t.Status))
			return nil
		case StatusCreated:
			stepErr = c.planTask(ctx, id, true)
		case StatusPlanning:
			// A crash between the Planning and Executing transitions left no
			// plan behind; planning is side-effect free, so run it again.
			stepErr = c.planTask(ctx, id, false)
		case StatusExecuting:
			stepErr = c.executeRound(ctx, id)
		case StatusReflecting:
			stepErr = c.reflect(ctx, id)
		default:
			stepErr = NewTaskError(CodeInternal, "unknown task status %q", t.Status)
		}

		if stepErr != nil {
			if errors.Is(stepErr, ErrTaskTerminated) {
				return nil
			}
			span.RecordError(stepErr)
			span.SetStatus(codes.Error, stepErr.Error())
			return c.failTask(ctx, id, asTaskError(stepErr))
		}
	}
}

// Resume re-dispatches every non-terminal task, e.g. after a restart.
// Terminal step results are never re-executed; stale Running steps are
// reset to Pending by the next execution round.
func (c *Coordinator) Resume(ctx context.Context) error {
	ids, err := c.store.ListUnfinishedTaskIDs(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished tasks: %w", err)
	}
	for _, id := range ids {
		id := id
		c.logger.Printf("resuming task %s", id)
		go func() {
			if err := c.Run(ctx, id); err != nil {
				c.logger.Printf("resumed task %s failed: %v", id, err)
			}
		}()
	}
	return nil
}

// planTask invokes the planner once and stores the validated plan,
// transitioning Created→Planning→Executing.
func (c *Coordinator) planTask(ctx context.Context, id string, fromCreated bool) error {
	ctx, span := coordinatorTracer.Start(ctx, "engine.plan")
	defer span.End()

	if fromCreated {
		if _, err := c.mutate(ctx, id, func(t *Task) error {
			return c.setStatus(t, StatusPlanning)
		}); err != nil {
			return err
		}
	}

	snapshot, err := c.store.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	if snapshot.Status.Terminal() {
		return ErrTaskTerminated
	}

	plan, err := c.planner.Plan(ctx, snapshot.Query, nil, nil)
	if err == nil {
		err = ValidatePlan(plan, c.registry)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrInvalidPlan) {
			return c.failTask(ctx, id, NewTaskError(CodeInvalidPlan, "%v", err))
		}
		return c.failTask(ctx, id, NewTaskError(CodeInternal, "planning failed: %v", err))
	}
	span.SetAttributes(attribute.Int("plan.step_count", len(plan.Steps)))

	_, err = c.mutate(ctx, id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskTerminated
		}
		if err := c.setStatus(t, StatusExecuting); err != nil {
			return err
		}
		t.Plan = plan
		return nil
	})
	if err == nil {
		c.logger.Printf("task %s planned with %d step(s)", id, len(plan.Steps))
	}
	return err
}

// executeRound resets stale Running steps, settles steps blocked by failed
// dependencies, dispatches the eligible ones, and moves to Reflecting once
// everything is terminal.
func (c *Coordinator) executeRound(ctx context.Context, id string) error {
	t, err := c.store.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return ErrTaskTerminated
	}

	if c.hasStaleRunning(t) {
		if _, err := c.mutate(ctx, id, func(t *Task) error {
			if t.Status.Terminal() {
				return ErrTaskTerminated
			}
			c.resetStaleRunning(t)
			return nil
		}); err != nil {
			return err
		}
		return nil
	}

	if blocked := BlockedSteps(t); len(blocked) > 0 {
		_, err := c.mutate(ctx, id, func(t *Task) error {
			if t.Status.Terminal() {
				return ErrTaskTerminated
			}
			for _, s := range BlockedSteps(t) {
				t.Steps[s.ID] = &StepResult{
					StepID:    s.ID,
					Status:    StepFailed,
					Error:     NewTaskError(CodeInternal, "dependency of step %s failed; step can never run", s.ID),
					UpdatedAt: time.Now().UTC(),
				}
				c.metrics.StepFinished(string(StepFailed))
			}
			return nil
		})
		return err
	}

	if t.AllStepsTerminal() {
		_, err := c.mutate(ctx, id, func(t *Task) error {
			if t.Status.Terminal() {
				return ErrTaskTerminated
			}
			return c.setStatus(t, StatusReflecting)
		})
		return err
	}

	eligible := EligibleSteps(t)
	if len(eligible) == 0 {
		// Steps are Running elsewhere or inside the liveness window; back
		// off instead of spinning on the snapshot.
		return sleepCtx(ctx, c.cfg.PollInterval)
	}

	ctx, span := coordinatorTracer.Start(ctx, "engine.execute",
		trace.WithAttributes(attribute.Int("round.eligible", len(eligible))))
	defer span.End()
	return c.executor.RunEligible(ctx, t, &taskSink{c: c, taskID: id})
}

// reflect applies the reflector's decision, enforcing the revision budget.
func (c *Coordinator) reflect(ctx context.Context, id string) error {
	ctx, span := coordinatorTracer.Start(ctx, "engine.reflect")
	defer span.End()

	t, err := c.store.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return ErrTaskTerminated
	}

	revisionsLeft := c.cfg.MaxRevisions - t.Revisions
	decision, err := c.reflector.Reflect(ctx, t, revisionsLeft)
	if err != nil {
		span.RecordError(err)
		return NewTaskError(CodeInternal, "reflection failed: %v", err)
	}
	span.SetAttributes(attribute.String("reflect.decision", string(decision.Kind)))

	switch decision.Kind {
	case DecisionContinue:
		_, err := c.mutate(ctx, id, func(t *Task) error {
			if t.Status.Terminal() {
				return ErrTaskTerminated
			}
			return c.setStatus(t, StatusExecuting)
		})
		return err

	case DecisionConclude:
		return c.complete(ctx, id, decision.Result)

	case DecisionRevise:
		if revisionsLeft <= 0 {
			// Budget exhausted: conclude with what we have, caveat included.
			result, synthErr := c.reflector.Synthesize(ctx, t, []string{
				"revision budget exhausted; concluding with the findings gathered so far",
			})
			if synthErr != nil {
				return NewTaskError(CodeInternal, "forced synthesis failed: %v", synthErr)
			}
			c.logger.Printf("task %s revision budget exhausted, forcing completion", id)
			return c.complete(ctx, id, result)
		}
		return c.applyRevision(ctx, id, decision.NewSteps)

	default:
		return NewTaskError(CodeInternal, "unknown reflector decision %q", decision.Kind)
	}
}

// applyRevision replaces the plan with a new revision carrying the prior
// steps untouched plus the appended ones. Completed steps keep their
// recorded results and are never re-dispatched.
func (c *Coordinator) applyRevision(ctx context.Context, id string, newSteps []Step) error {
	for i := range newSteps {
		if newSteps[i].ID == "" {
			newSteps[i].ID = uuid.NewString()
		}
	}

	_, err := c.mutate(ctx, id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskTerminated
		}
		steps := make([]Step, 0, len(t.Plan.Steps)+len(newSteps))
		steps = append(steps, t.Plan.Steps...)
		steps = append(steps, newSteps...)
		candidate := &Plan{Revision: t.Plan.Revision + 1, Steps: steps}
		if err := ValidatePlan(candidate, c.registry); err != nil {
			return err
		}
		if err := c.setStatus(t, StatusExecuting); err != nil {
			return err
		}
		t.Plan = candidate
		t.Revisions++
		return nil
	})
	if err != nil && errors.Is(err, ErrInvalidPlan) {
		return c.failTask(ctx, id, NewTaskError(CodeInvalidPlan, "%v", err))
	}
	if err == nil {
		c.logger.Printf("task %s revised: %d new step(s)", id, len(newSteps))
	}
	return err
}

func (c *Coordinator) complete(ctx context.Context, id string, result *Result) error {
	_, err := c.mutate(ctx, id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskTerminated
		}
		if err := c.setStatus(t, StatusCompleted); err != nil {
			return err
		}
		t.Result = result
		return nil
	})
	if err == nil {
		c.finishMetrics(ctx, id)
		c.logger.Printf("task %s completed", id)
	}
	return err
}

// failTask moves the task to Failed with structured detail. Already
// terminal tasks are left untouched.
func (c *Coordinator) failTask(ctx context.Context, id string, terr *TaskError) error {
	_, err := c.mutate(ctx, id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskTerminated
		}
		t.Status = StatusFailed
		t.Error = terr
		return nil
	})
	if errors.Is(err, ErrTaskTerminated) {
		return nil
	}
	if err == nil {
		c.finishMetrics(ctx, id)
		c.logger.Printf("task %s failed: %s", id, terr.Message)
	}
	return err
}

// mutate is the single-writer discipline: per-task in-process lock plus
// the store's version guard. On VersionConflict the snapshot is re-read
// and fn re-applied, so each transition is effectively applied at most
// once even under retried writers.
func (c *Coordinator) mutate(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	for {
		t, err := c.store.LoadTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(t); err != nil {
			return t, err
		}
		t.UpdatedAt = time.Now().UTC()
		if err := c.store.SaveTask(ctx, t, t.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		t.Version++
		c.publishTransition(ctx, t)
		return t, nil
	}
}

func (c *Coordinator) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func (c *Coordinator) setStatus(t *Task, next TaskStatus) error {
	if !t.Status.CanTransition(next) {
		return NewTaskError(CodeInternal, "illegal transition %s -> %s", t.Status, next)
	}
	t.Status = next
	return nil
}

func (c *Coordinator) hasStaleRunning(t *Task) bool {
	cutoff := time.Now().UTC().Add(-c.cfg.LivenessThreshold)
	for _, sr := range t.Steps {
		if sr.Status == StepRunning && sr.UpdatedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

func (c *Coordinator) resetStaleRunning(t *Task) {
	cutoff := time.Now().UTC().Add(-c.cfg.LivenessThreshold)
	for _, sr := range t.Steps {
		if sr.Status == StepRunning && sr.UpdatedAt.Before(cutoff) {
			c.logger.Printf("task %s step %s stale; re-dispatching", t.ID, sr.StepID)
			sr.Status = StepPending
			sr.UpdatedAt = time.Now().UTC()
		}
	}
}

func (c *Coordinator) finishMetrics(ctx context.Context, id string) {
	t, err := c.store.LoadTask(ctx, id)
	if err != nil {
		return
	}
	c.metrics.TaskFinished(string(t.Status), time.Since(t.CreatedAt))
}

func (c *Coordinator) publishTransition(ctx context.Context, t *Task) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishTransition(ctx, t); err != nil {
		c.logger.Printf("warn: publishing transition for task %s failed: %v", t.ID, err)
	}
}

func asTaskError(err error) *TaskError {
	var terr *TaskError
	if errors.As(err, &terr) {
		return terr
	}
	return NewTaskError(CodeInternal, "%v", err)
}

// taskSink applies step attempt outcomes through the coordinator's guarded
// writes. A terminal task snapshot discards the outcome.
type taskSink struct {
	c      *Coordinator
	taskID string
}

func (s *taskSink) StepStarted(ctx context.Context, stepID string, attempt int) error {
	_, err := s.c.mutate(ctx, s.taskID, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskTerminated
		}
		if t.StepState(stepID).Status.Terminal() {
			return ErrStepSettled
		}
		t.Steps[stepID] = &StepResult{
			StepID:       stepID,
			Status:       StepRunning,
			AttemptCount: attempt,
			UpdatedAt:    time.Now().UTC(),
		}
		return nil
	})
	if err == nil && attempt > 1 {
		s.c.metrics.StepRetried()
	}
	return err
}

func (s *taskSink) StepSucceeded(ctx context.Context, stepID string, output []tools.Finding, attempts int) error {
	err := s.apply(ctx, stepID, &StepResult{
		StepID:       stepID,
		Status:       StepSucceeded,
		Output:       output,
		AttemptCount: attempts,
		UpdatedAt:    time.Now().UTC(),
	})
	if err == nil {
		s.c.metrics.StepFinished(string(StepSucceeded))
	}
	return err
}

func (s *taskSink) StepFailed(ctx context.Context, stepID string, stepErr *TaskError, attempts int) error {
	err := s.apply(ctx, stepID, &StepResult{
		StepID:       stepID,
		Status:       StepFailed,
		Error:        stepErr,
		AttemptCount: attempts,
		UpdatedAt:    time.Now().UTC(),
	})
	if err == nil {
		s.c.metrics.StepFinished(string(StepFailed))
	}
	return err
}

func (s *taskSink) apply(ctx context.Context, stepID string, result *StepResult) error {
	_, err := s.c.mutate(ctx, s.taskID, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTaskTerminated
		}
		if t.StepState(stepID).Status.Terminal() {
			return ErrStepSettled
		}
		t.Steps[stepID] = result
		return nil
	})
	if errors.Is(err, ErrStepSettled) {
		return nil
	}
	return err
}
