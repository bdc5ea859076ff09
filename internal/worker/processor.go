package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/askarian/questor/internal/queue/streams"
)

// Runner drives one task to a terminal state. The engine coordinator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Claimer records that a queue message was picked up, returning false when
// another worker already has it.
type Claimer interface {
	ClaimDispatch(ctx context.Context, messageID, taskID string) (bool, error)
}

// streamConsumer is the slice of the streams consumer the processor uses.
type streamConsumer interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// Processor consumes task.enqueued events and runs each task through the
// engine, acking only after the run reaches a terminal state.
type Processor struct {
	logger   *log.Logger
	runner   Runner
	claims   Claimer
	consumer streamConsumer
	stream   string
	maxTasks int
	tracer   trace.Tracer

	readBlock    time.Duration
	claimMinIdle time.Duration
}

// ProcessorOption adjusts processor behaviour.
type ProcessorOption func(*Processor)

// WithMaxTasks caps how many tasks one worker runs at a time.
func WithMaxTasks(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxTasks = n
		}
	}
}

// WithClaimMinIdle sets how long a pending message must sit idle before
// this worker reclaims it from a dead consumer.
func WithClaimMinIdle(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.claimMinIdle = d
		}
	}
}

// NewProcessor constructs a Processor reading from the tasks stream.
func NewProcessor(logger *log.Logger, runner Runner, claims Claimer, consumer *streams.Consumer, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	p := &Processor{
		logger:       logger,
		runner:       runner,
		claims:       claims,
		consumer:     consumer,
		stream:       streams.StreamTasks,
		maxTasks:     4,
		tracer:       otel.Tracer("questor/internal/worker"),
		readBlock:    5 * time.Second,
		claimMinIdle: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start blocks, consuming task events until the context is cancelled. It
// first reclaims messages orphaned by dead consumers.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker starting; consuming stream %s", p.stream)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxTasks)

	if err := p.reclaimOrphans(gctx, g); err != nil {
		p.logger.Printf("warn: reclaiming orphaned messages failed: %v", err)
	}

	for {
		select {
		case <-gctx.Done():
			p.logger.Printf("worker stopping: %v", gctx.Err())
			return g.Wait()
		default:
		}

		msgs, err := p.consumer.Read(gctx, p.stream, streams.WithBlock(p.readBlock), streams.WithCount(16))
		if err != nil {
			if gctx.Err() != nil {
				return g.Wait()
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			msg := msg
			g.Go(func() error {
				p.process(gctx, msg)
				return nil
			})
		}
	}
}

func (p *Processor) reclaimOrphans(ctx context.Context, g *errgroup.Group) error {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.stream, p.claimMinIdle, start, 16)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			msg := msg
			g.Go(func() error {
				p.process(ctx, msg)
				return nil
			})
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

// process handles one task.enqueued message end to end. Errors are logged,
// never returned: the task row itself records the failure, and an
// unprocessable message must not crash the worker.
func (p *Processor) process(ctx context.Context, msg streams.Message) {
	ctx, span := p.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(attribute.String("message.id", msg.ID)))
	defer span.End()

	payload, err := decodeEnqueued(msg)
	if err != nil {
		p.logger.Printf("dropping message %s: %v", msg.ID, err)
		p.ack(ctx, msg.ID)
		return
	}
	span.SetAttributes(attribute.String("task.id", payload.TaskID))

	claimed, err := p.claims.ClaimDispatch(ctx, msg.Envelope.EventID, payload.TaskID)
	if err != nil {
		p.logger.Printf("claim for task %s failed, leaving message pending: %v", payload.TaskID, err)
		return
	}
	if !claimed {
		p.logger.Printf("skip task %s: event %s already claimed", payload.TaskID, msg.Envelope.EventID)
		p.ack(ctx, msg.ID)
		return
	}

	p.logger.Printf("running task %s", payload.TaskID)
	if err := p.runner.Run(ctx, payload.TaskID); err != nil {
		span.RecordError(err)
		p.logger.Printf("task %s run error: %v", payload.TaskID, err)
	}
	p.ack(ctx, msg.ID)
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.consumer.Ack(ctx, p.stream, id); err != nil {
		p.logger.Printf("warn: ack %s failed: %v", id, err)
	}
}

func decodeEnqueued(msg streams.Message) (streams.TaskEnqueued, error) {
	if msg.Envelope.EventType != streams.EventTaskEnqueued {
		return streams.TaskEnqueued{}, fmt.Errorf("unexpected event type %q", msg.Envelope.EventType)
	}
	var payload streams.TaskEnqueued
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return streams.TaskEnqueued{}, fmt.Errorf("unmarshal task payload: %w", err)
	}
	if payload.TaskID == "" {
		return streams.TaskEnqueued{}, fmt.Errorf("task payload missing task_id")
	}
	return payload, nil
}
