package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/askarian/questor/tools"
	"github.com/google/uuid"
)

// Planner derives an executable plan from a task query. When revising, the
// prior plan and accumulated results are supplied so completed work is
// preserved rather than re-planned.
type Planner interface {
	Plan(ctx context.Context, query string, prior *Plan, results map[string]*StepResult) (*Plan, error)
}

// HeuristicPlanner maps query shape onto the registered tools: a web
// search step always, an arXiv step for research-flavoured queries and a
// Wikipedia step for definitional ones.
type HeuristicPlanner struct {
	Registry   *tools.Registry
	MaxResults int
}

// NewHeuristicPlanner builds the default planner.
func NewHeuristicPlanner(registry *tools.Registry, maxResults int) *HeuristicPlanner {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &HeuristicPlanner{Registry: registry, MaxResults: maxResults}
}

var academicHints = []string{
	"paper", "papers", "research", "study", "studies", "algorithm",
	"neural", "model", "models", "theory", "transformer", "transformers",
	"nlp", "machine learning", "deep learning", "quantum", "dataset",
}

var encyclopedicHints = []string{
	"what is", "what are", "who is", "who was", "define", "definition",
	"history of", "origin of", "meaning of",
}

func (p *HeuristicPlanner) Plan(ctx context.Context, query string, prior *Plan, results map[string]*StepResult) (*Plan, error) {
	if prior != nil {
		return p.revise(query, prior, results)
	}

	lower := strings.ToLower(query)
	var steps []Step
	if p.Registry.Has("web_search") {
		steps = append(steps, p.newStep("web_search", query))
	}
	if p.Registry.Has("arxiv") && containsAny(lower, academicHints) {
		steps = append(steps, p.newStep("arxiv", query))
	}
	if p.Registry.Has("wikipedia") && (containsAny(lower, encyclopedicHints) || wordCount(query) <= 3) {
		steps = append(steps, p.newStep("wikipedia", query))
	}
	if p.Registry.Has("web_fetch") {
		for _, u := range extractURLs(query) {
			steps = append(steps, p.newStep("web_fetch", u))
		}
	}
	if len(steps) == 0 {
		// No shape matched; fall back to whatever single tool exists so the
		// plan is never empty for a usable registry.
		for _, name := range p.Registry.Names() {
			steps = append(steps, p.newStep(name, query))
			break
		}
	}

	plan := &Plan{Revision: 1, Steps: steps}
	if err := ValidatePlan(plan, p.Registry); err != nil {
		return nil, err
	}
	return plan, nil
}

// revise appends narrowed follow-up searches for succeeded steps that came
// back empty. Previously planned steps are carried over unchanged so
// completed work is never re-executed.
func (p *HeuristicPlanner) revise(query string, prior *Plan, results map[string]*StepResult) (*Plan, error) {
	steps := make([]Step, len(prior.Steps))
	copy(steps, prior.Steps)

	for _, s := range prior.Steps {
		sr, ok := results[s.ID]
		if !ok || sr.Status != StepSucceeded || len(sr.Output) > 0 {
			continue
		}
		if !p.Registry.Has("web_search") {
			continue
		}
		steps = append(steps, p.newStep("web_search", narrowQuery(query, s.Input)))
	}

	plan := &Plan{Revision: prior.Revision + 1, Steps: steps}
	if err := ValidatePlan(plan, p.Registry); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *HeuristicPlanner) newStep(tool, input string) Step {
	return Step{
		ID:         uuid.NewString(),
		ToolName:   tool,
		Input:      input,
		MaxResults: p.MaxResults,
	}
}

// ValidatePlan rejects empty plans, unknown tools, and dangling or
// self-referential dependencies before anything is dispatched.
func ValidatePlan(plan *Plan, registry *tools.Registry) error {
	if plan == nil || len(plan.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	ids := make(map[string]struct{}, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step with empty id", ErrInvalidPlan)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", ErrInvalidPlan, s.ID)
		}
		ids[s.ID] = struct{}{}
		if !registry.Has(s.ToolName) {
			return fmt.Errorf("%w: step %s references unknown tool %q", ErrInvalidPlan, s.ID, s.ToolName)
		}
	}
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("%w: step %s depends on itself", ErrInvalidPlan, s.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on unknown step %s", ErrInvalidPlan, s.ID, dep)
			}
		}
	}
	return nil
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func wordCount(s string) int { return len(strings.Fields(s)) }

// extractURLs pulls explicit http(s) references out of the query so the
// named pages are fetched directly rather than searched for.
func extractURLs(query string) []string {
	var urls []string
	for _, f := range strings.Fields(query) {
		f = strings.TrimRight(f, ".,;:!?)")
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			urls = append(urls, f)
		}
	}
	return urls
}

func narrowQuery(query, previous string) string {
	if strings.EqualFold(query, previous) {
		return query + " overview"
	}
	return query + " " + previous
}
