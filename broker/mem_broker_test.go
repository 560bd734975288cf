package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemBroker_ImmediateDelivery(t *testing.T) {
	b := NewMemBroker()
	defer b.Close()

	var delivered int32
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go b.Consume(ctx, TaskExecuteJob, func(_ context.Context, task Task) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	})

	if err := b.Enqueue(ctx, Task{Name: TaskExecuteJob, Args: []string{"exec-1"}}, time.Time{}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for atomic.LoadInt32(&delivered) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&delivered) != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

func TestMemBroker_DelayedDelivery(t *testing.T) {
	b := NewMemBroker()
	defer b.Close()

	received := make(chan time.Time, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go b.Consume(ctx, TaskExecuteJob, func(_ context.Context, task Task) error {
		received <- time.Now()
		return nil
	})

	eta := time.Now().Add(200 * time.Millisecond)
	if err := b.Enqueue(ctx, Task{Name: TaskExecuteJob, Args: []string{"exec-2"}}, eta); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	select {
	case got := <-received:
		if got.Before(eta) {
			t.Errorf("task delivered at %v, before eta %v", got, eta)
		}
	case <-time.After(time.Second):
		t.Fatal("delayed task was never delivered")
	}
}

func TestMemBroker_RedeliveryOnHandlerError(t *testing.T) {
	b := NewMemBroker()
	defer b.Close()

	var attempts int32
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go b.Consume(ctx, TaskExecuteJob, func(_ context.Context, task Task) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return context.DeadlineExceeded
		}
		return nil
	})

	if err := b.Enqueue(ctx, Task{Name: TaskExecuteJob, Args: []string{"exec-3"}}, time.Time{}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	deadline := time.Now().Add(800 * time.Millisecond)
	for atomic.LoadInt32(&attempts) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&attempts); got < 2 {
		t.Fatalf("attempts = %d, want >= 2 (redelivery after error)", got)
	}
}
