package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DecisionKind is what the reflector wants the coordinator to do next.
type DecisionKind string

const (
	DecisionConclude DecisionKind = "conclude"
	DecisionContinue DecisionKind = "continue"
	DecisionRevise   DecisionKind = "revise"
)

// Decision carries the reflector's verdict: a synthesized result for
// Conclude, or replacement plan steps for Revise.
type Decision struct {
	Kind     DecisionKind
	Result   *Result
	NewSteps []Step
}

// Reflector inspects accumulated step results and decides whether the task
// needs more work. Synthesize is also called directly by the coordinator
// when it must force completion after the revision budget is exhausted.
type Reflector interface {
	Reflect(ctx context.Context, t *Task, revisionsLeft int) (Decision, error)
	Synthesize(ctx context.Context, t *Task, extraCaveats []string) (*Result, error)
}

// HeuristicReflector revises once per empty search round while budget
// remains, and otherwise concludes by synthesizing the gathered findings.
type HeuristicReflector struct {
	Planner    Planner
	MaxResults int
}

// NewHeuristicReflector builds the default reflector.
func NewHeuristicReflector(planner Planner) *HeuristicReflector {
	return &HeuristicReflector{Planner: planner}
}

func (r *HeuristicReflector) Reflect(ctx context.Context, t *Task, revisionsLeft int) (Decision, error) {
	if !t.AllStepsTerminal() {
		return Decision{Kind: DecisionContinue}, nil
	}

	if revisionsLeft > 0 && r.needsFollowUp(t) {
		revised, err := r.Planner.Plan(ctx, t.Query, t.Plan, t.Steps)
		if err != nil {
			return Decision{}, err
		}
		if len(revised.Steps) > len(t.Plan.Steps) {
			return Decision{Kind: DecisionRevise, NewSteps: revised.Steps[len(t.Plan.Steps):]}, nil
		}
	}

	result, err := r.Synthesize(ctx, t, nil)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Kind: DecisionConclude, Result: result}, nil
}

// needsFollowUp reports whether any succeeded step produced no findings,
// which usually means the sub-query was too narrow or too broad.
func (r *HeuristicReflector) needsFollowUp(t *Task) bool {
	for _, s := range t.Plan.Steps {
		sr := t.StepState(s.ID)
		if sr.Status == StepSucceeded && len(sr.Output) == 0 {
			return true
		}
	}
	return false
}

// Synthesize folds all gathered findings into the final report. Failed
// steps become caveats rather than hiding the partial answer.
func (r *HeuristicReflector) Synthesize(ctx context.Context, t *Task, extraCaveats []string) (*Result, error) {
	var (
		b       strings.Builder
		sources []string
		caveats []string
		total   int
	)
	seen := make(map[string]struct{})

	fmt.Fprintf(&b, "Research findings for: %s\n", t.Query)
	for _, s := range t.Plan.Steps {
		sr := t.StepState(s.ID)
		switch sr.Status {
		case StepSucceeded:
			for _, f := range sr.Output {
				total++
				fmt.Fprintf(&b, "- %s: %s (%s)\n", f.Title, f.Snippet, f.SourceURL)
				if f.SourceURL == "" {
					continue
				}
				if _, dup := seen[f.SourceURL]; !dup {
					seen[f.SourceURL] = struct{}{}
					sources = append(sources, f.SourceURL)
				}
			}
		case StepFailed:
			msg := "unknown error"
			if sr.Error != nil {
				msg = sr.Error.Message
			}
			caveats = append(caveats, fmt.Sprintf("step %q (%s) failed after %d attempt(s): %s",
				s.Input, s.ToolName, sr.AttemptCount, msg))
		}
	}
	if total == 0 {
		caveats = append(caveats, "no findings could be gathered for this query")
	}
	caveats = append(caveats, extraCaveats...)
	sort.Strings(sources)

	return &Result{
		Summary:   b.String(),
		Sources:   sources,
		Caveats:   caveats,
		CreatedAt: time.Now().UTC(),
	}, nil
}
