// Package broker abstracts the point-to-point task queue used to hand
// scheduled work from the poller to execution workers, and from load-run
// controllers to the load-run orchestrator.
package broker

import (
	"context"
	"time"
)

// Task names used by the core, per spec.md §6.
const (
	TaskExecuteJob    = "execute-job"
	TaskRunCollection = "run-collection"
)

// Task is one unit of work delivered to a Handler.
type Task struct {
	Name string
	Args []string
}

// Handler processes a delivered Task. Acknowledgement is late: the broker
// only considers the task delivered once Handler returns nil. A
// non-nil error causes redelivery, so handlers must be idempotent with
// respect to the id they receive in Args.
type Handler func(ctx context.Context, task Task) error

// Broker is a point-to-point work queue with optional delayed delivery.
type Broker interface {
	// Enqueue delivers task immediately, or no earlier than eta if eta is
	// non-zero.
	Enqueue(ctx context.Context, task Task, eta time.Time) error
	// Consume registers handler to process tasks named taskName. Each task
	// is delivered to exactly one consumer across the fleet. Consume
	// blocks until ctx is cancelled.
	Consume(ctx context.Context, taskName string, handler Handler) error
	// Close releases broker resources.
	Close() error
}
