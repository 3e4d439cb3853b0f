package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/petri/internal/logging"
	"github.com/cochaviz/petri/internal/metrics"
	"github.com/cochaviz/petri/internal/sandbox"

	"github.com/cenkalti/backoff/v5"
)

const (
	reaperQueueSize   = 64
	reaperMaxTries    = 8
	reaperStopTimeout = 30 * time.Second
)

// Reaper retries teardown of sandboxes whose release failed, so a failed
// cleanup never holds up a result.
type Reaper struct {
	runtime sandbox.Runtime
	logger  *slog.Logger
	metrics *metrics.Metrics
	// newBackOff is replaced in tests.
	newBackOff func() backoff.BackOff

	queue  chan sandbox.Handle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewReaper(rt sandbox.Runtime, logger *slog.Logger, m *metrics.Metrics) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reaper{
		runtime:    rt,
		logger:     logging.Ensure(logger).With(logging.KeyComponent, "reaper"),
		metrics:    m,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		queue:      make(chan sandbox.Handle, reaperQueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Schedule queues h for teardown. It never blocks; when the queue is full the
// handle is logged so an operator can remove it by hand.
func (r *Reaper) Schedule(h sandbox.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Error("reaper closed, sandbox left behind", "sandbox", h.Name, "id", h.ID)
		return
	}
	select {
	case r.queue <- h:
	default:
		r.logger.Error("reaper queue full, sandbox left behind", "sandbox", h.Name, "id", h.ID)
	}
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	for h := range r.queue {
		r.reap(h)
	}
}

func (r *Reaper) reap(h sandbox.Handle) {
	logger := r.logger.With("sandbox", h.Name)
	_, err := backoff.Retry(r.ctx, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(r.ctx, reaperStopTimeout)
		defer cancel()
		if err := r.runtime.Stop(ctx, h, 0); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, r.runtime.Remove(ctx, h)
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(reaperMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("sandbox teardown failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		logger.Error("giving up on sandbox teardown", "error", err)
		return
	}
	logger.Info("sandbox reaped")
}

// Close stops accepting handles and drains the queue. Pending retries are
// abandoned when ctx ends first.
func (r *Reaper) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
