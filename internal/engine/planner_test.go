package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/askarian/questor/tools"
)

func newTestRegistry(t *testing.T, names ...string) *tools.Registry {
	t.Helper()
	adapters := make([]tools.Tool, 0, len(names))
	for _, n := range names {
		adapters = append(adapters, &stubTool{name: n})
	}
	reg, err := tools.NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestHeuristicPlannerInitialShapes(t *testing.T) {
	reg := newTestRegistry(t, "web_search", "arxiv", "wikipedia")
	p := NewHeuristicPlanner(reg, 5)

	tests := []struct {
		name  string
		query string
		tools []string
	}{
		{"academic", "recent research on transformer models", []string{"web_search", "arxiv"}},
		{"encyclopedic", "what is the history of the silk road", []string{"web_search", "wikipedia"}},
		{"short query", "golang channels", []string{"web_search", "wikipedia"}},
		{"plain", "best practices for deploying postgres in kubernetes clusters", []string{"web_search"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := p.Plan(context.Background(), tc.query, nil, nil)
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			if plan.Revision != 1 {
				t.Errorf("revision = %d, want 1", plan.Revision)
			}
			if len(plan.Steps) != len(tc.tools) {
				t.Fatalf("got %d steps, want %d", len(plan.Steps), len(tc.tools))
			}
			for i, want := range tc.tools {
				if plan.Steps[i].ToolName != want {
					t.Errorf("step %d tool = %q, want %q", i, plan.Steps[i].ToolName, want)
				}
				if plan.Steps[i].ID == "" {
					t.Errorf("step %d has empty id", i)
				}
			}
		})
	}
}

func TestHeuristicPlannerFetchesExplicitURLs(t *testing.T) {
	reg := newTestRegistry(t, "web_search", "web_fetch")
	p := NewHeuristicPlanner(reg, 5)

	plan, err := p.Plan(context.Background(), "summarize the argument in https://example.com/essay.", nil, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(plan.Steps))
	}
	if plan.Steps[1].ToolName != "web_fetch" {
		t.Errorf("second step tool = %q, want web_fetch", plan.Steps[1].ToolName)
	}
	if plan.Steps[1].Input != "https://example.com/essay" {
		t.Errorf("fetch input = %q, want trailing punctuation trimmed", plan.Steps[1].Input)
	}
}

func TestHeuristicPlannerFallsBackToOnlyTool(t *testing.T) {
	reg := newTestRegistry(t, "arxiv")
	p := NewHeuristicPlanner(reg, 5)

	plan, err := p.Plan(context.Background(), "anything at all goes here today", nil, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].ToolName != "arxiv" {
		t.Fatalf("unexpected fallback plan: %+v", plan.Steps)
	}
}

func TestHeuristicPlannerRevise(t *testing.T) {
	reg := newTestRegistry(t, "web_search")
	p := NewHeuristicPlanner(reg, 5)

	prior := &Plan{Revision: 1, Steps: []Step{
		{ID: "s1", ToolName: "web_search", Input: "quantum error correction", MaxResults: 5},
		{ID: "s2", ToolName: "web_search", Input: "quantum hardware vendors", MaxResults: 5},
	}}
	results := map[string]*StepResult{
		"s1": {StepID: "s1", Status: StepSucceeded, Output: nil},
		"s2": {StepID: "s2", Status: StepSucceeded, Output: []tools.Finding{{Title: "hit"}}},
	}

	plan, err := p.Plan(context.Background(), "quantum computing", prior, results)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Revision != 2 {
		t.Errorf("revision = %d, want 2", plan.Revision)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("got %d steps, want 3 (2 carried + 1 follow-up)", len(plan.Steps))
	}
	if plan.Steps[0].ID != "s1" || plan.Steps[1].ID != "s2" {
		t.Errorf("prior steps not carried over: %+v", plan.Steps[:2])
	}
	followUp := plan.Steps[2]
	if followUp.ToolName != "web_search" {
		t.Errorf("follow-up tool = %q", followUp.ToolName)
	}
	if followUp.Input == "quantum error correction" {
		t.Error("follow-up query was not narrowed")
	}
}

func TestValidatePlan(t *testing.T) {
	reg := newTestRegistry(t, "web_search")

	tests := []struct {
		name string
		plan *Plan
	}{
		{"nil plan", nil},
		{"empty plan", &Plan{Revision: 1}},
		{"empty step id", &Plan{Revision: 1, Steps: []Step{{ToolName: "web_search", Input: "q"}}}},
		{"duplicate ids", &Plan{Revision: 1, Steps: []Step{
			{ID: "a", ToolName: "web_search", Input: "q"},
			{ID: "a", ToolName: "web_search", Input: "q"},
		}}},
		{"unknown tool", &Plan{Revision: 1, Steps: []Step{{ID: "a", ToolName: "nope", Input: "q"}}}},
		{"self dependency", &Plan{Revision: 1, Steps: []Step{
			{ID: "a", ToolName: "web_search", Input: "q", DependsOn: []string{"a"}},
		}}},
		{"dangling dependency", &Plan{Revision: 1, Steps: []Step{
			{ID: "a", ToolName: "web_search", Input: "q", DependsOn: []string{"ghost"}},
		}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePlan(tc.plan, reg)
			if !errors.Is(err, ErrInvalidPlan) {
				t.Fatalf("err = %v, want ErrInvalidPlan", err)
			}
		})
	}

	valid := &Plan{Revision: 1, Steps: []Step{
		{ID: "a", ToolName: "web_search", Input: "q"},
		{ID: "b", ToolName: "web_search", Input: "q", DependsOn: []string{"a"}},
	}}
	if err := ValidatePlan(valid, reg); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
}
