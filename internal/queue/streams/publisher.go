package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/askarian/questor/internal/engine"
)

// Publisher wraps Redis Stream publishing with schema validation.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
}

// PublishOption allows configuring Redis XADD behaviour.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox sets an approximate max length for the stream.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher creates a Publisher instance.
func NewPublisher(client *redis.Client, registry *SchemaRegistry) *Publisher {
	return &Publisher{client: client, registry: registry}
}

// Publish validates the envelope and appends it to the given Redis stream.
func (p *Publisher) Publish(ctx context.Context, stream string, envelope Envelope, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	if err := envelope.ValidateBasic(); err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(envelope.EventType, envelope.PayloadVersion, envelope.Data); err != nil {
			return "", err
		}
	}

	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	for _, opt := range opts {
		opt(args)
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// PublishRaw wraps an arbitrary payload in an envelope before publishing.
func (p *Publisher) PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...PublishOption) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		EventType:      eventType,
		PayloadVersion: version,
		Data:           data,
	}
	return p.Publish(ctx, stream, env, opts...)
}

// EnqueueTask publishes a task.enqueued event for the worker fleet.
func (p *Publisher) EnqueueTask(ctx context.Context, taskID, query string) (string, error) {
	return p.PublishRaw(ctx, StreamTasks, EventTaskEnqueued, PayloadVersionV1, TaskEnqueued{
		TaskID:     taskID,
		Query:      query,
		EnqueuedAt: time.Now().UTC(),
	})
}

// TransitionPublisher adapts the stream publisher to the engine's
// transition hook. Failures are reported, never fatal; the audit stream is
// an observer of the state machine, not a participant.
type TransitionPublisher struct {
	Publisher *Publisher
	MaxLen    int64
}

// PublishTransition mirrors the saved task snapshot onto the transitions
// stream.
func (t *TransitionPublisher) PublishTransition(ctx context.Context, task *engine.Task) error {
	evt := TaskTransition{
		TaskID:     task.ID,
		Status:     string(task.Status),
		Version:    task.Version,
		Revisions:  task.Revisions,
		OccurredAt: time.Now().UTC(),
	}
	if task.Error != nil {
		evt.ErrorCode = string(task.Error.Code)
	}
	var opts []PublishOption
	if t.MaxLen > 0 {
		opts = append(opts, WithMaxLenApprox(t.MaxLen))
	}
	_, err := t.Publisher.Publish(ctx, StreamTransitions, Envelope{
		EventType:      EventTaskTransition,
		PayloadVersion: PayloadVersionV1,
		Data:           mustJSON(evt),
	}, opts...)
	return err
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
