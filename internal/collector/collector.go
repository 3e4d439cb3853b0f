package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/petri/internal/events"
	"github.com/cochaviz/petri/internal/logging"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultBufferSize = 1024
	DefaultSettle     = 250 * time.Millisecond
	maxLineBytes      = 1 << 20
)

var ErrClosed = errors.New("collector closed")

type DegradedSource struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// MonitoringDegraded reports sources that failed or produced nothing. The
// events that were collected are still valid.
type MonitoringDegraded struct {
	Sources []DegradedSource
}

func (e *MonitoringDegraded) Error() string {
	parts := make([]string, 0, len(e.Sources))
	for _, s := range e.Sources {
		parts = append(parts, s.Name+": "+s.Reason)
	}
	return "monitoring degraded: " + strings.Join(parts, "; ")
}

type Options struct {
	// BufferSize bounds the raw line channel between tracers and the normalizer.
	BufferSize int
	// Settle is how long Close lets tracers finish on their own before killing them.
	Settle time.Duration
	// WatchPaths scopes read-only file observations, see events.NewNormalizer.
	WatchPaths []string
	Logger     *slog.Logger
	OnEvent    func(events.Event)
	OnDrop     func(source string)
}

type attachedStream struct {
	name   string
	kind   events.SourceKind
	stream Stream
	done   chan struct{}
}

// Collector fans tracer output into a bounded channel drained by one normalizer
// goroutine, so events reach the log in arrival order.
type Collector struct {
	log        *events.Log
	normalizer *events.Normalizer
	raw        chan events.Raw
	opts       Options
	logger     *slog.Logger

	stopCtx context.Context
	stop    context.CancelFunc
	pumps   errgroup.Group

	consumerDone chan struct{}
	perSource    map[string]int

	mu       sync.Mutex
	streams  []*attachedStream
	degraded []DegradedSource
	dropped  int
	stopping bool
	closed   bool
}

func New(opts Options) *Collector {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	stopCtx, stop := context.WithCancel(context.Background())
	c := &Collector{
		log:          events.NewLog(),
		normalizer:   events.NewNormalizer(opts.WatchPaths...),
		raw:          make(chan events.Raw, opts.BufferSize),
		opts:         opts,
		logger:       logging.Ensure(opts.Logger),
		stopCtx:      stopCtx,
		stop:         stop,
		consumerDone: make(chan struct{}),
		perSource:    make(map[string]int),
	}
	go c.consume()
	return c
}

func (c *Collector) Log() *events.Log {
	return c.log
}

// Attach opens src and starts pumping its output. A source that cannot be
// opened is recorded as degraded and collection continues without it.
func (c *Collector) Attach(ctx context.Context, src Source) error {
	stream, err := src.Open(ctx)
	if err != nil {
		c.markDegraded(src.Name(), fmt.Sprintf("start: %v", err))
		c.logger.Warn("trace source unavailable", "source", src.Name(), "error", err)
		return nil
	}
	return c.AttachStream(src.Name(), src.Kind(), stream)
}

// AttachStream pumps an already running stream.
func (c *Collector) AttachStream(name string, kind events.SourceKind, stream Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		stream.Kill()
		return ErrClosed
	}
	s := &attachedStream{name: name, kind: kind, stream: stream, done: make(chan struct{})}
	c.streams = append(c.streams, s)
	c.pumps.Go(func() error {
		defer close(s.done)
		c.pump(s)
		return nil
	})
	return nil
}

// BeginShutdown marks every later tracer exit as expected.
func (c *Collector) BeginShutdown() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
}

func (c *Collector) pump(s *attachedStream) {
	scanner := bufio.NewScanner(s.stream.Output())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lines := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines++
		select {
		case c.raw <- events.Raw{Source: s.name, Kind: s.kind, Line: line, Received: time.Now()}:
		case <-c.stopCtx.Done():
			c.noteDropped(s.name)
		}
	}
	scanErr := scanner.Err()

	waitCtx, cancel := context.WithTimeout(c.stopCtx, 5*time.Second)
	code, waitErr := s.stream.Wait(waitCtx)
	cancel()

	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()

	switch {
	case (code == 126 || code == 127) && lines == 0:
		c.markDegraded(s.name, fmt.Sprintf("tracer not runnable (exit %d)", code))
	case scanErr != nil && !stopping:
		c.markDegraded(s.name, fmt.Sprintf("read: %v", scanErr))
	case waitErr != nil && !stopping:
		c.markDegraded(s.name, fmt.Sprintf("wait: %v", waitErr))
	case s.kind != events.SourceSyscall && code != 0 && !stopping:
		c.markDegraded(s.name, fmt.Sprintf("exited early with status %d", code))
	}
	c.logger.Debug("trace source finished", "source", s.name, "lines", lines, "exit_code", code)
}

func (c *Collector) consume() {
	defer close(c.consumerDone)
	for raw := range c.raw {
		for _, ev := range c.normalizer.Normalize(raw) {
			appended, err := c.log.Append(ev)
			if err != nil {
				continue
			}
			c.perSource[raw.Source]++
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(appended)
			}
		}
	}
}

// Close flushes pending output and seals the log. Tracers still running after
// the settle period are killed. If ctx expires first, blocked lines are dropped
// and the result is reported as degraded.
func (c *Collector) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.result()
	}
	c.closed = true
	c.stopping = true
	streams := append([]*attachedStream(nil), c.streams...)
	c.mu.Unlock()

	pumpsDone := make(chan struct{})
	go func() {
		_ = c.pumps.Wait()
		close(pumpsDone)
	}()

	settle := time.NewTimer(c.opts.Settle)
	select {
	case <-pumpsDone:
	case <-settle.C:
	case <-ctx.Done():
	}
	settle.Stop()

	for _, s := range streams {
		select {
		case <-s.done:
		default:
			s.stream.Kill()
		}
	}

	select {
	case <-pumpsDone:
	case <-ctx.Done():
		c.stop()
		<-pumpsDone
	}
	c.stop()
	close(c.raw)
	<-c.consumerDone

	for _, s := range streams {
		if s.kind == events.SourceSyscall && c.perSource[s.name] == 0 {
			c.markDegraded(s.name, "no syscall events observed")
		}
	}
	c.log.Seal()

	c.mu.Lock()
	dropped := c.dropped
	c.mu.Unlock()
	if dropped > 0 {
		c.logger.Warn("trace lines dropped during flush", "dropped", dropped)
	}
	return c.result()
}

func (c *Collector) result() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.degraded) == 0 {
		return nil
	}
	return &MonitoringDegraded{Sources: append([]DegradedSource(nil), c.degraded...)}
}

// Degraded returns the sources marked degraded so far.
func (c *Collector) Degraded() []DegradedSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DegradedSource(nil), c.degraded...)
}

// Complete reports whether every line that was read reached the normalizer.
func (c *Collector) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped == 0 && len(c.degraded) == 0
}

func (c *Collector) markDegraded(name, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.degraded {
		if d.Name == name {
			return
		}
	}
	c.degraded = append(c.degraded, DegradedSource{Name: name, Reason: reason})
}

func (c *Collector) noteDropped(name string) {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
	if c.opts.OnDrop != nil {
		c.opts.OnDrop(name)
	}
}
