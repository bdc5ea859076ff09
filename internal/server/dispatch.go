package server

import (
	"context"
	"log"

	"github.com/askarian/questor/internal/queue/streams"
)

// QueueDispatcher enqueues tasks onto the Redis stream for the worker
// fleet.
type QueueDispatcher struct {
	Publisher *streams.Publisher
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, taskID, query string) error {
	_, err := d.Publisher.EnqueueTask(ctx, taskID, query)
	return err
}

// LocalRunner drives a task in-process; the engine coordinator satisfies
// it.
type LocalRunner interface {
	Run(ctx context.Context, taskID string) error
}

// LocalDispatcher runs tasks in-process, for single-binary deployments
// without a queue.
type LocalDispatcher struct {
	Runner LocalRunner
	Logger *log.Logger
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, taskID, query string) error {
	go func() {
		// Detached from the request context: the task outlives the HTTP
		// call that created it.
		if err := d.Runner.Run(context.Background(), taskID); err != nil {
			d.Logger.Printf("task %s run error: %v", taskID, err)
		}
	}()
	return nil
}
