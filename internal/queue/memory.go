package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process FIFO queue used for tests and single-node
// deployments where Redis is not available.
type MemoryQueue struct {
	mu     sync.Mutex
	items  chan []byte
	closed bool
}

// NewMemory returns an in-memory queue with the given capacity.
func NewMemory(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{items: make(chan []byte, capacity)}
}

func (q *MemoryQueue) Push(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.items <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) BlockingPop(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-q.items:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	return nil
}
