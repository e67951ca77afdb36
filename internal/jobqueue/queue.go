package jobqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

// Queue accepts transcode jobs from the upload server. Delivery to consumers
// is at-least-once; handlers must be idempotent.
type Queue interface {
	Enqueue(ctx context.Context, job models.TranscodeJob) error
	Close() error
}

// Handler processes one delivered job. A non-nil error leaves the job
// uncommitted so the broker redelivers it.
type Handler func(ctx context.Context, job models.TranscodeJob) error

// Consumer pulls jobs and feeds them to a handler until the context ends.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// MemoryQueue is a buffered in-process queue backing tests and single-binary
// deployments. It implements both ends of the contract.
type MemoryQueue struct {
	jobs chan models.TranscodeJob

	mu     sync.Mutex
	closed bool
}

var (
	_ Queue    = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)

// NewMemoryQueue initialises an in-memory queue with the given buffer.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryQueue{jobs: make(chan models.TranscodeJob, buffer)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	if job.MediaID == "" {
		return errors.New("job mediaId is required")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue is closed")
	}
	q.mu.Unlock()
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-q.jobs:
			if !ok {
				return nil
			}
			// Handler failures are already recorded on the media record;
			// the in-memory queue has no redelivery policy.
			_ = handler(ctx, job)
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.jobs)
	return nil
}
