package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()

	for _, payload := range []string{"first", "second", "third"} {
		if err := q.Push(ctx, []byte(payload)); err != nil {
			t.Fatalf("push %s: %v", payload, err)
		}
	}
	for _, want := range []string{"first", "second", "third"} {
		got, err := q.BlockingPop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if string(got) != want {
			t.Fatalf("pop = %q, want %q", got, want)
		}
	}
}

func TestMemoryQueuePopHonorsContext(t *testing.T) {
	q := NewMemory(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.BlockingPop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemory(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Push(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close = %v, want ErrClosed", err)
	}
	if _, err := q.BlockingPop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("pop after close = %v, want ErrClosed", err)
	}
	// Closing twice is harmless.
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
