// Package memory provides the in-process FIFO job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of job ids with context-aware operations.
// Unlike a channel it can report the position of a waiting id.
type Queue struct {
	mu     sync.Mutex
	items  []string
	signal chan struct{}
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Enqueue appends a job id and wakes a waiting consumer.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, jobID)
	q.notifyLocked()
	q.mu.Unlock()
	return nil
}

// Dequeue pops the oldest job id, blocking until one is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	return q.Claim(ctx, nil)
}

// Claim is Dequeue with a hook: fn runs under the queue lock while the id is
// still at the head, so Position never reports 0 before fn has returned.
func (q *Queue) Claim(ctx context.Context, fn func(jobID string)) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			if fn != nil {
				fn(id)
			}
			q.items[0] = ""
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.notifyLocked()
			}
			q.mu.Unlock()
			return id, nil
		}
		if q.closed {
			q.mu.Unlock()
			return "", ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.signal:
		}
	}
}

// Position returns the 1-based position of jobID, or 0 when it is not waiting.
func (q *Queue) Position(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Index(q.items, jobID) + 1
}

// Len returns the number of waiting ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further enqueues. Waiting ids can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// notifyLocked must be called with mu held so it never races with Close.
// A closed signal already wakes every waiter.
func (q *Queue) notifyLocked() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
