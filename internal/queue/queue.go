package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Push and BlockingPop after the queue is closed.
var ErrClosed = errors.New("queue closed")

// Queue is FIFO transport between the ingestion surface and the drain
// workers. Delivery is at-least-once; deduplication happens downstream at
// the ledger.
type Queue interface {
	// Push appends a payload to the tail of the queue.
	Push(ctx context.Context, payload []byte) error

	// BlockingPop removes and returns the oldest payload, blocking until one
	// arrives or ctx is cancelled.
	BlockingPop(ctx context.Context) ([]byte, error)

	Close() error
}
