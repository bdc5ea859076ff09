package streams

import "time"

// Stream names and event types for the task pipeline.
const (
	StreamTasks       = "questor.tasks"
	StreamTransitions = "questor.transitions"

	EventTaskEnqueued   = "task.enqueued"
	EventTaskTransition = "task.transition"

	PayloadVersionV1 = "v1"
)

// GroupWorkers is the consumer group the worker fleet reads tasks with.
const GroupWorkers = "questor-workers"

// TaskEnqueued asks a worker to drive the task to a terminal state.
type TaskEnqueued struct {
	TaskID     string    `json:"task_id"`
	Query      string    `json:"query"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TaskTransition mirrors a persisted task state change onto the audit
// stream.
type TaskTransition struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Version    int64     `json:"version"`
	Revisions  int       `json:"revisions"`
	ErrorCode  string    `json:"error_code,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var taskDefinitions = []Definition{
	{
		EventType: EventTaskEnqueued,
		Version:   PayloadVersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "query", "enqueued_at"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "query": {"type": "string", "minLength": 1},
    "enqueued_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventTaskTransition,
		Version:   PayloadVersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "status", "version", "occurred_at"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["created", "planning", "executing", "reflecting", "completed", "failed"]},
    "version": {"type": "integer", "minimum": 1},
    "revisions": {"type": "integer", "minimum": 0},
    "error_code": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": true
}`),
	},
}
