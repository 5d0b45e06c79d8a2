package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	xerrors "QuizChain/internal/errors"
)

func TestRedisQueuePublishAndConsume(t *testing.T) {
	server := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue, err := NewRedisQueue(ctx, RedisQueueConfig{Address: server.Addr(), BlockWait: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer queue.Close()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if got, _ := server.List(DefaultRedisQueue); len(got) != 3 {
		t.Fatalf("expected 3 queued ids, got %v", got)
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(consumeCtx, 1, func(_ context.Context, runID string) error {
			mu.Lock()
			seen = append(seen, runID)
			mu.Unlock()
			return nil
		})
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	stop()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled consumer, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// LPUSH + BRPOP keeps FIFO order
	if seen[0] != "run-1" || seen[2] != "run-3" {
		t.Fatalf("unexpected order: %v", seen)
	}
}

func TestRedisQueueRequeuesOnHandlerError(t *testing.T) {
	server := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue, err := NewRedisQueue(ctx, RedisQueueConfig{Address: server.Addr(), Queue: "custom", BlockWait: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer queue.Close()

	if err := queue.Publish(ctx, "run-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var (
		mu       sync.Mutex
		attempts int
	)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(consumeCtx, 1, func(context.Context, string) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return xerrors.New(xerrors.CodeStorageFailure, "store unavailable")
			}
			return nil
		})
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	})
	stop()
	<-done
}

func TestNewRedisQueueValidatesAddress(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestMemoryQueueRejectsPublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), "run-1"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure, got %v", err)
	}
}
