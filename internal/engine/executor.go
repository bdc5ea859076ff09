package engine

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/askarian/questor/tools"
	"golang.org/x/sync/errgroup"
)

// RetryPolicy declares how transient step failures are retried:
// exponential backoff from BaseDelay capped at MaxDelay, with a random
// jitter fraction added to each wait.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultRetryPolicy matches the configured engine defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 0.5}
}

// Backoff returns the wait before the given retry (attempt starts at 1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// ResultSink receives every step attempt so partial progress is persisted
// immediately. The coordinator backs this with version-guarded writes;
// ErrTaskTerminated from any callback stops further dispatch and discards
// the in-flight outcome.
type ResultSink interface {
	StepStarted(ctx context.Context, stepID string, attempt int) error
	StepSucceeded(ctx context.Context, stepID string, output []tools.Finding, attempts int) error
	StepFailed(ctx context.Context, stepID string, stepErr *TaskError, attempts int) error
}

// Executor runs the currently eligible steps of a task snapshot against
// the tool registry with bounded time and retries.
type Executor struct {
	registry      *tools.Registry
	policy        RetryPolicy
	stepTimeout   time.Duration
	maxConcurrent int
	logger        *log.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures executor behaviour.
type ExecutorOption func(*Executor)

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithStepTimeout bounds each tool invocation attempt.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithMaxConcurrent caps how many steps run at once.
func WithMaxConcurrent(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithSleeper replaces the backoff sleep, for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor builds a step executor.
func NewExecutor(registry *tools.Registry, logger *log.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags)
	}
	e := &Executor{
		registry:      registry,
		policy:        DefaultRetryPolicy(),
		stepTimeout:   30 * time.Second,
		maxConcurrent: 4,
		logger:        logger,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EligibleSteps returns the steps that may be dispatched now: Pending, with
// every dependency Succeeded.
func EligibleSteps(t *Task) []Step {
	if t.Plan == nil {
		return nil
	}
	var out []Step
	for _, s := range t.Plan.Steps {
		if t.StepState(s.ID).Status != StepPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if t.StepState(dep).Status != StepSucceeded {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// BlockedSteps returns pending steps that can never run because a
// dependency failed. The coordinator marks these Failed so every step
// reaches a terminal result.
func BlockedSteps(t *Task) []Step {
	if t.Plan == nil {
		return nil
	}
	var out []Step
	for _, s := range t.Plan.Steps {
		if t.StepState(s.ID).Status != StepPending {
			continue
		}
		for _, dep := range s.DependsOn {
			if t.StepState(dep).Status == StepFailed {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// RunEligible executes all eligible steps of the snapshot concurrently.
// A step exhausting its retries is reported Failed through the sink and
// does not abort its siblings; only sink errors (persistence failures or
// task termination) stop the round.
func (e *Executor) RunEligible(ctx context.Context, t *Task, sink ResultSink) error {
	steps := EligibleSteps(t)
	if len(steps) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)
	for _, step := range steps {
		step := step
		g.Go(func() error {
			return e.runStep(gctx, step, sink)
		})
	}
	err := g.Wait()
	if errors.Is(err, ErrTaskTerminated) {
		// Terminal snapshot won the race; nothing left to apply.
		return nil
	}
	return err
}

func (e *Executor) runStep(ctx context.Context, step Step, sink ResultSink) error {
	tool, err := e.registry.Resolve(step.ToolName)
	if err != nil {
		// Plans are validated against the registry before dispatch, so this
		// only happens if the registry changed underneath a running task.
		return sink.StepFailed(ctx, step.ID, NewTaskError(CodeToolRejected, "%v", err), 0)
	}

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := sink.StepStarted(ctx, step.ID, attempt); err != nil {
			if errors.Is(err, ErrStepSettled) {
				return nil
			}
			return err
		}

		output, invokeErr := e.invoke(ctx, tool, step)
		if invokeErr == nil {
			return sink.StepSucceeded(ctx, step.ID, output, attempt)
		}
		lastErr = invokeErr
		e.logger.Printf("step %s attempt %d/%d failed: %v", step.ID, attempt, e.policy.MaxAttempts, invokeErr)

		if !retryable(ctx, invokeErr) || attempt == e.policy.MaxAttempts {
			return sink.StepFailed(ctx, step.ID, classifyStepError(invokeErr), attempt)
		}
		if err := e.sleep(ctx, e.policy.Backoff(attempt)); err != nil {
			return sink.StepFailed(ctx, step.ID, classifyStepError(lastErr), attempt)
		}
	}
	return sink.StepFailed(ctx, step.ID, classifyStepError(lastErr), e.policy.MaxAttempts)
}

func (e *Executor) invoke(ctx context.Context, tool tools.Tool, step Step) ([]tools.Finding, error) {
	attemptCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	return tool.Invoke(attemptCtx, step.Input, step.MaxResults)
}

// retryable limits retries to transient failures: ToolUnavailable and
// per-attempt timeouts. A cancelled parent context is never retried.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if tools.IsUnavailable(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func classifyStepError(err error) *TaskError {
	switch {
	case err == nil:
		return nil
	case tools.IsRejected(err):
		return NewTaskError(CodeToolRejected, "%v", err)
	case tools.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		return NewTaskError(CodeToolUnavailable, "%v", err)
	default:
		return NewTaskError(CodeInternal, "%v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
