package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cochaviz/petri/internal/metrics"
)

func TestBulkheadQueuesThirdLargeSession(t *testing.T) {
	t.Parallel()

	b, err := NewBulkhead(BulkheadConfig{Slots: 4, MemoryMB: 8192}, metrics.New())
	if err != nil {
		t.Fatalf("NewBulkhead() error = %v", err)
	}

	releaseA, err := b.Acquire(context.Background(), 4096)
	if err != nil {
		t.Fatalf("Acquire(A) error = %v", err)
	}
	releaseB, err := b.Acquire(context.Background(), 4096)
	if err != nil {
		t.Fatalf("Acquire(B) error = %v", err)
	}

	admitted := make(chan func(), 1)
	go func() {
		release, err := b.Acquire(context.Background(), 4096)
		if err != nil {
			t.Errorf("Acquire(C) error = %v", err)
			close(admitted)
			return
		}
		admitted <- release
	}()

	select {
	case <-admitted:
		t.Fatalf("third session admitted while two 4096 MB sessions run")
	case <-time.After(50 * time.Millisecond):
	}

	releaseA()
	releaseA()

	select {
	case releaseC, ok := <-admitted:
		if !ok {
			t.Fatalf("third session not admitted")
		}
		releaseC()
	case <-time.After(2 * time.Second):
		t.Fatalf("third session still queued after a release")
	}
	releaseB()
}

func TestBulkheadRejectMode(t *testing.T) {
	t.Parallel()

	b, err := NewBulkhead(BulkheadConfig{Mode: BulkheadReject, Slots: 2, MemoryMB: 8192}, nil)
	if err != nil {
		t.Fatalf("NewBulkhead() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := b.Acquire(context.Background(), 4096); err != nil {
			t.Fatalf("Acquire(%d) error = %v", i, err)
		}
	}
	if _, err := b.Acquire(context.Background(), 256); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Acquire() over capacity error = %v, want ErrCapacityExceeded", err)
	}
}

func TestBulkheadQueueHonoursContext(t *testing.T) {
	t.Parallel()

	b, err := NewBulkhead(BulkheadConfig{Slots: 1, MemoryMB: 4096}, nil)
	if err != nil {
		t.Fatalf("NewBulkhead() error = %v", err)
	}
	release, err := b.Acquire(context.Background(), 1024)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(ctx, 1024); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want DeadlineExceeded", err)
	}
}

func TestBulkheadRejectsOversizedSession(t *testing.T) {
	t.Parallel()

	b, err := NewBulkhead(BulkheadConfig{Slots: 4, MemoryMB: 2048}, nil)
	if err != nil {
		t.Fatalf("NewBulkhead() error = %v", err)
	}
	if _, err := b.Acquire(context.Background(), 4096); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Acquire(4096) error = %v, want ErrCapacityExceeded", err)
	}
}

func TestBulkheadConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewBulkhead(BulkheadConfig{Mode: "drop"}, nil); err == nil {
		t.Fatalf("NewBulkhead() accepted unknown mode")
	}
	b, err := NewBulkhead(BulkheadConfig{MemoryMB: 1024}, nil)
	if err != nil {
		t.Fatalf("NewBulkhead() error = %v", err)
	}
	if slots, mem := b.Capacity(); slots < 1 || mem != 1024 || b.Mode() != BulkheadQueue {
		t.Fatalf("Capacity() = %d, %d mode = %s", slots, mem, b.Mode())
	}
}
