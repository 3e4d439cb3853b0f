package analysis

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cochaviz/petri/internal/metrics"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

type BulkheadMode string

const (
	// BulkheadQueue makes sessions wait for capacity, bounded by their context.
	BulkheadQueue BulkheadMode = "queue"
	// BulkheadReject refuses sessions immediately with ErrCapacityExceeded.
	BulkheadReject BulkheadMode = "reject"

	defaultHostReserveMB = 1024
)

type BulkheadConfig struct {
	Mode BulkheadMode `yaml:"mode"`
	// Slots caps concurrent sessions. Zero derives it from the CPU count, one
	// CPU per session with one kept for the host.
	Slots int `yaml:"slots"`
	// MemoryMB caps the summed memory ceilings of running sessions. Zero
	// derives it from the host's total RAM minus ReserveMB.
	MemoryMB  int `yaml:"memory_mb"`
	ReserveMB int `yaml:"reserve_mb"`
}

// Bulkhead bounds concurrent sessions by slot count and reserved memory.
type Bulkhead struct {
	mode     BulkheadMode
	slots    *semaphore.Weighted
	memory   *semaphore.Weighted
	maxSlots int64
	maxMemMB int64
	metrics  *metrics.Metrics
}

func NewBulkhead(cfg BulkheadConfig, m *metrics.Metrics) (*Bulkhead, error) {
	mode := cfg.Mode
	switch mode {
	case "":
		mode = BulkheadQueue
	case BulkheadQueue, BulkheadReject:
	default:
		return nil, fmt.Errorf("unknown bulkhead mode %q", cfg.Mode)
	}

	slots := int64(cfg.Slots)
	if slots <= 0 {
		slots = int64(max(1, runtime.NumCPU()-1))
	}
	memMB := int64(cfg.MemoryMB)
	if memMB <= 0 {
		reserve := cfg.ReserveMB
		if reserve <= 0 {
			reserve = defaultHostReserveMB
		}
		total, err := hostMemoryMB()
		if err != nil {
			return nil, err
		}
		memMB = total - int64(reserve)
		if memMB <= 0 {
			return nil, fmt.Errorf("host memory %d MB does not exceed the %d MB reserve", total, reserve)
		}
	}

	return &Bulkhead{
		mode:     mode,
		slots:    semaphore.NewWeighted(slots),
		memory:   semaphore.NewWeighted(memMB),
		maxSlots: slots,
		maxMemMB: memMB,
		metrics:  m,
	}, nil
}

func hostMemoryMB() (int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("read host memory: %w", err)
	}
	return int64(uint64(info.Totalram)*uint64(info.Unit)) >> 20, nil
}

func (b *Bulkhead) Capacity() (slots int, memoryMB int) {
	return int(b.maxSlots), int(b.maxMemMB)
}

func (b *Bulkhead) Mode() BulkheadMode {
	return b.mode
}

// Acquire reserves one slot and memoryMB of host memory. The returned release
// function gives both back and may be called more than once.
func (b *Bulkhead) Acquire(ctx context.Context, memoryMB int) (func(), error) {
	need := int64(memoryMB)
	if need > b.maxMemMB {
		return nil, fmt.Errorf("%w: session needs %d MB, host capacity is %d MB", ErrCapacityExceeded, need, b.maxMemMB)
	}

	if b.mode == BulkheadReject {
		if !b.slots.TryAcquire(1) {
			b.metrics.SessionRejected()
			return nil, fmt.Errorf("%w: all %d slots in use", ErrCapacityExceeded, b.maxSlots)
		}
		if !b.memory.TryAcquire(need) {
			b.slots.Release(1)
			b.metrics.SessionRejected()
			return nil, fmt.Errorf("%w: %d MB not available", ErrCapacityExceeded, need)
		}
		return b.releaser(need), nil
	}

	if b.slots.TryAcquire(1) {
		if b.memory.TryAcquire(need) {
			return b.releaser(need), nil
		}
		b.slots.Release(1)
	}

	b.metrics.SessionQueued()
	defer b.metrics.SessionDequeued()
	start := time.Now()

	if err := b.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := b.memory.Acquire(ctx, need); err != nil {
		b.slots.Release(1)
		return nil, err
	}
	b.metrics.BulkheadWait(time.Since(start))
	return b.releaser(need), nil
}

func (b *Bulkhead) releaser(memoryMB int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.memory.Release(memoryMB)
			b.slots.Release(1)
		})
	}
}
