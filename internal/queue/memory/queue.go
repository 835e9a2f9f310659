// Package memory provides a bounded in-process work queue for local
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jobtrail/discovery/internal/pipeline"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan pipeline.WorkItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan pipeline.WorkItem, capacity),
	}
}

// Enqueue pushes a work item or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item pipeline.WorkItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next work item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.WorkItem, error) {
	select {
	case <-ctx.Done():
		return pipeline.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return pipeline.WorkItem{}, errors.New("queue closed")
		}
		return item, nil
	}
}

// Depth reports the number of waiting items.
func (q *Queue) Depth(_ context.Context) (int, error) {
	return len(q.ch), nil
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
