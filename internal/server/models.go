package server

import (
	"time"

	"github.com/askarian/questor/internal/engine"
)

type createTaskRequest struct {
	Query string `json:"query"`
}

type createTaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stepView struct {
	ID           string            `json:"id"`
	ToolName     string            `json:"tool_name"`
	Input        string            `json:"input"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Status       string            `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	FindingCount int               `json:"finding_count"`
	Error        *engine.TaskError `json:"error,omitempty"`
}

type taskResponse struct {
	ID        string            `json:"id"`
	Query     string            `json:"query"`
	Status    string            `json:"status"`
	Revisions int               `json:"revisions"`
	Version   int64             `json:"version"`
	Steps     []stepView        `json:"steps,omitempty"`
	Result    *engine.Result    `json:"result,omitempty"`
	Error     *engine.TaskError `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func taskView(t *engine.Task) taskResponse {
	resp := taskResponse{
		ID:        t.ID,
		Query:     t.Query,
		Status:    string(t.Status),
		Revisions: t.Revisions,
		Version:   t.Version,
		Result:    t.Result,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.Plan != nil {
		for _, s := range t.Plan.Steps {
			sr := t.StepState(s.ID)
			resp.Steps = append(resp.Steps, stepView{
				ID:           s.ID,
				ToolName:     s.ToolName,
				Input:        s.Input,
				DependsOn:    s.DependsOn,
				Status:       string(sr.Status),
				AttemptCount: sr.AttemptCount,
				FindingCount: len(sr.Output),
				Error:        sr.Error,
			})
		}
	}
	return resp
}
