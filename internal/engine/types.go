package engine

import (
	"time"

	"github.com/askarian/questor/tools"
)

// TaskStatus is the lifecycle state of a research task.
type TaskStatus string

const (
	StatusCreated    TaskStatus = "created"
	StatusPlanning   TaskStatus = "planning"
	StatusExecuting  TaskStatus = "executing"
	StatusReflecting TaskStatus = "reflecting"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are accepted.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal edge of
// the task state machine. Reflecting→Executing is the only backward edge;
// any non-terminal state may fail.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	switch s {
	case StatusCreated:
		return next == StatusPlanning
	case StatusPlanning:
		return next == StatusExecuting
	case StatusExecuting:
		return next == StatusReflecting
	case StatusReflecting:
		return next == StatusExecuting || next == StatusCompleted
	default:
		return false
	}
}

// StepStatus is the lifecycle state of one plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step outcome is final.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// Step is one planned tool invocation with declared dependencies.
type Step struct {
	ID         string   `json:"id"`
	ToolName   string   `json:"tool_name"`
	Input      string   `json:"input"`
	MaxResults int      `json:"max_results"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// Plan is an ordered set of steps. Revisions replace the plan wholesale
// with a bumped revision number; plans are never mutated in place.
type Plan struct {
	Revision int    `json:"revision"`
	Steps    []Step `json:"steps"`
}

// StepByID returns the planned step with the given id.
func (p *Plan) StepByID(id string) (Step, bool) {
	if p == nil {
		return Step{}, false
	}
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepResult records the outcome of one step. Once terminal it is never
// overwritten.
type StepResult struct {
	StepID       string          `json:"step_id"`
	Status       StepStatus      `json:"status"`
	Output       []tools.Finding `json:"output,omitempty"`
	Error        *TaskError      `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Result is the final synthesized answer for a completed task.
type Result struct {
	Summary   string    `json:"summary"`
	Sources   []string  `json:"sources,omitempty"`
	Caveats   []string  `json:"caveats,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one end-to-end research request and its accumulated state.
// The snapshot is persisted whole on every transition; Version is the
// optimistic-concurrency guard.
type Task struct {
	ID        string                 `json:"id"`
	Query     string                 `json:"query"`
	Status    TaskStatus             `json:"status"`
	Plan      *Plan                  `json:"plan,omitempty"`
	Steps     map[string]*StepResult `json:"steps"`
	Result    *Result                `json:"result,omitempty"`
	Error     *TaskError             `json:"error,omitempty"`
	Revisions int                    `json:"revisions"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// racing the single writer.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Plan != nil {
		plan := *t.Plan
		plan.Steps = make([]Step, len(t.Plan.Steps))
		copy(plan.Steps, t.Plan.Steps)
		for i := range plan.Steps {
			plan.Steps[i].DependsOn = append([]string(nil), t.Plan.Steps[i].DependsOn...)
		}
		cp.Plan = &plan
	}
	cp.Steps = make(map[string]*StepResult, len(t.Steps))
	for id, sr := range t.Steps {
		dup := *sr
		dup.Output = append([]tools.Finding(nil), sr.Output...)
		cp.Steps[id] = &dup
	}
	if t.Result != nil {
		res := *t.Result
		res.Sources = append([]string(nil), t.Result.Sources...)
		res.Caveats = append([]string(nil), t.Result.Caveats...)
		cp.Result = &res
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	return &cp
}

// AllStepsTerminal reports whether every planned step has a terminal result.
func (t *Task) AllStepsTerminal() bool {
	if t.Plan == nil {
		return false
	}
	for _, s := range t.Plan.Steps {
		sr, ok := t.Steps[s.ID]
		if !ok || !sr.Status.Terminal() {
			return false
		}
	}
	return true
}

// StepState returns the recorded result for a step, defaulting to Pending
// when no attempt has been recorded yet.
func (t *Task) StepState(id string) StepResult {
	if sr, ok := t.Steps[id]; ok {
		return *sr
	}
	return StepResult{StepID: id, Status: StepPending}
}
