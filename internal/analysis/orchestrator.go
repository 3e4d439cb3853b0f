package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/petri/internal/collector"
	"github.com/cochaviz/petri/internal/events"
	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/logging"
	"github.com/cochaviz/petri/internal/metrics"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/netisolation"
	"github.com/cochaviz/petri/internal/policy"
	"github.com/cochaviz/petri/internal/sandbox"
	"github.com/cochaviz/petri/internal/storage"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultProvisionAttempts = 3
	DefaultStopGrace         = 2 * time.Second
	DefaultWarmup            = 500 * time.Millisecond
	DefaultFlushTimeout      = 5 * time.Second
	DefaultExportTimeout     = 30 * time.Second
	DefaultCleanupTimeout    = 30 * time.Second

	containerNamePrefix = "petri-"
	sandboxRoot         = "/sandbox"
)

// DefaultWatchPaths are the directories watched for file activity. Every
// writable location of the sandbox is covered.
var DefaultWatchPaths = []string{sandboxRoot, "/tmp", "/var/tmp", "/dev/shm"}

// SampleSource resolves a sample id to its bytes.
type SampleSource interface {
	Open(ref string) (io.ReadCloser, storage.Sample, error)
}

// ArtifactSink receives the files a run left in its scratch mounts.
type ArtifactSink interface {
	ImportTar(sessionID string, r io.Reader) ([]storage.Artifact, error)
}

// EgressVerifier checks the network namespace of a sandbox process.
type EgressVerifier interface {
	VerifyNoEgress(pid int) error
}

type Options struct {
	Image string
	// Platform overrides the platform derived from the sample architecture.
	Platform string
	// Network is the container network capture sessions attach to.
	Network          string
	Tracers          collector.TracerConfig
	CaptureInterface string
	WatchPaths       []string
	BufferSize       int

	ProvisionAttempts uint
	StopGrace         time.Duration
	Warmup            time.Duration
	FlushTimeout      time.Duration
	ExportTimeout     time.Duration
	CleanupTimeout    time.Duration

	Artifacts ArtifactSink
	Egress    EgressVerifier
	Reaper    *Reaper
	Engine    *evasion.Engine
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CaptureInterface == "" {
		o.CaptureInterface = "any"
	}
	if len(o.WatchPaths) == 0 {
		o.WatchPaths = DefaultWatchPaths
	}
	if o.ProvisionAttempts == 0 {
		o.ProvisionAttempts = DefaultProvisionAttempts
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.Warmup < 0 {
		o.Warmup = 0
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.ExportTimeout <= 0 {
		o.ExportTimeout = DefaultExportTimeout
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	if o.Engine == nil {
		o.Engine = evasion.NewEngine(nil)
	}
	o.Tracers = o.Tracers.WithDefaults()
	return o
}

// Orchestrator drives a session through its lifecycle against a container
// runtime. It is safe for concurrent use by independent sessions.
type Orchestrator struct {
	runtime sandbox.Runtime
	samples SampleSource
	opts    Options
	logger  *slog.Logger

	// after and newBackOff are replaced in tests.
	after      func(time.Duration) <-chan time.Time
	newBackOff func() backoff.BackOff
}

func NewOrchestrator(rt sandbox.Runtime, samples SampleSource, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		runtime:    rt,
		samples:    samples,
		opts:       opts,
		logger:     logging.Ensure(opts.Logger).With(logging.KeyComponent, "orchestrator"),
		after:      time.After,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

func (o *Orchestrator) Runtime() sandbox.Runtime {
	return o.runtime
}

// run holds the per-session state of one Run call.
type run struct {
	o         *Orchestrator
	sess      *Session
	logger    *slog.Logger
	result    *Result
	collector *collector.Collector
	collected bool
	degraded  []collector.DegradedSource
	err       error

	releaseOnce sync.Once
}

// Run executes the session to a terminal state and releases its sandbox. The
// result is always returned, including partial data for failed and timed out
// runs. The error is the cause of a failure, nil otherwise.
func (o *Orchestrator) Run(ctx context.Context, sess *Session) (*Result, error) {
	r := &run{
		o:      o,
		sess:   sess,
		logger: o.logger.With(logging.KeySession, sess.ID, "sample", sess.SampleID),
		result: &Result{
			SessionID: sess.ID,
			SampleID:  sess.SampleID,
			Config:    sess.Config,
			Policy:    sess.Policy,
			Runtime:   o.runtime.Name(),
			CreatedAt: sess.CreatedAt,
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.stopRequested():
			cancel()
		case <-runCtx.Done():
		}
	}()

	defer func() {
		r.release(ctx)
		sess.setResult(r.result)
	}()

	state, reason := r.execute(runCtx)
	r.finish(ctx, state, reason)

	o.opts.Metrics.ThreatScore(r.result.ThreatScore.Score)
	for _, a := range r.result.EvasionAttempts {
		o.opts.Metrics.EvasionAttempt(string(a.Technique), a.Blocked)
	}
	r.logger.Info("session finished",
		"state", state,
		"reason", reason,
		"events", len(r.result.Events),
		"score", r.result.ThreatScore.Score,
		"risk", r.result.ThreatScore.RiskLevel,
	)

	switch {
	case state != StateFailed:
		return r.result, nil
	case r.err != nil:
		return r.result, r.err
	case ctx.Err() != nil:
		return r.result, ctx.Err()
	}
	return r.result, nil
}

func (r *run) fail(ctx context.Context, err error) (State, string) {
	if ctx.Err() != nil {
		r.logger.Info("session cancelled", "error", err)
		return StateFailed, ReasonCancelled
	}
	r.err = err
	r.logger.Error("session failed", "error", err)
	return StateFailed, err.Error()
}

func (r *run) execute(ctx context.Context) (State, string) {
	o, sess := r.o, r.sess

	if err := sess.transition(StateProvisioning, ""); err != nil {
		return r.fail(ctx, err)
	}

	body, sample, err := o.samples.Open(sess.SampleID)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("fetch sample: %w", err))
	}
	defer body.Close()
	r.result.SampleName = sample.Name

	platform := o.opts.Platform
	if platform == "" {
		platform = sample.Architecture.Platform()
	}
	r.result.Platform = platform

	handle, err := r.provision(ctx, platform)
	if err != nil {
		return r.fail(ctx, err)
	}
	sess.setHandle(handle)
	r.logger.Info("sandbox created", "sandbox", handle.Name, "platform", platform)

	if err := o.runtime.Start(ctx, handle); err != nil {
		return r.fail(ctx, fmt.Errorf("start sandbox: %w", err))
	}
	if err := r.stage(ctx, handle, body); err != nil {
		return r.fail(ctx, err)
	}
	if err := sess.transition(StateRunning, ""); err != nil {
		return r.fail(ctx, err)
	}

	r.collector = collector.New(collector.Options{
		BufferSize: o.opts.BufferSize,
		WatchPaths: o.opts.WatchPaths,
		Logger:     r.logger,
		OnEvent: func(ev events.Event) {
			o.opts.Metrics.Event(string(ev.Category), string(ev.Severity))
		},
		OnDrop: o.opts.Metrics.LineDropped,
	})
	sess.setLog(r.collector.Log())

	primary, auxiliary, err := collector.Plan(o.opts.Tracers, r.tracerVariables(), sess.Config.CaptureNetwork)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("plan tracers: %w", err))
	}
	for _, tracer := range auxiliary {
		if err := r.collector.Attach(ctx, collector.NewExecSource(o.runtime, handle, tracer)); err != nil {
			return r.fail(ctx, err)
		}
	}
	if len(auxiliary) > 0 {
		waitWithContext(ctx, o.opts.Warmup, func() {
			r.logger.Debug("tracer warm-up complete", "tracers", len(auxiliary))
		})
	}

	r.result.StartedAt = time.Now().UTC()
	sess.markStarted(r.result.StartedAt)
	sampleRun, err := o.runtime.Exec(ctx, handle, sandbox.ExecCommand{Args: primary.Args})
	if err != nil {
		return r.fail(ctx, fmt.Errorf("run sample: %w", err))
	}
	if err := r.collector.AttachStream(primary.Name, primary.Kind, sampleRun); err != nil {
		return r.fail(ctx, err)
	}
	r.logger.Info("sample running", "tracer", primary.Name, "timeout", sess.Config.Timeout())

	if sess.Policy.NetworkMode == policy.NetworkIsolatedBridge && o.opts.Egress != nil {
		if err := r.verifyIsolation(ctx, handle); err != nil {
			return r.fail(ctx, err)
		}
	}

	var (
		state  State
		reason string
	)
	select {
	case <-sampleRun.Done():
		code, err := sampleRun.Wait(ctx)
		if err != nil {
			r.logger.Warn("sample process ended abnormally", "error", err)
		}
		r.result.ExitCode = &code
		state = StateCompleted
	case <-o.after(sess.Config.Timeout()):
		state = StateTimedOut
		reason = fmt.Sprintf("timeout of %s elapsed", sess.Config.Timeout())
	case <-ctx.Done():
		state = StateFailed
		reason = ReasonCancelled
	}

	if err := sess.transition(StateCollecting, reason); err != nil {
		return r.fail(ctx, err)
	}
	r.collect(ctx)
	return state, reason
}

// provision creates the container, retrying transient failures with backoff.
func (r *run) provision(ctx context.Context, platform string) (sandbox.Handle, error) {
	o, sess := r.o, r.sess

	opts := sandbox.CreateOptions{
		Name:     containerNamePrefix + sess.ID,
		Platform: platform,
		Labels: map[string]string{
			"petri.session": sess.ID,
			"petri.sample":  sess.SampleID,
		},
		Command: []string{"sleep", "infinity"},
	}
	if sess.Policy.NetworkMode == policy.NetworkIsolatedBridge {
		opts.Network = o.opts.Network
	}

	handle, err := backoff.Retry(ctx, func() (sandbox.Handle, error) {
		h, err := o.runtime.Create(ctx, o.opts.Image, sess.Policy, opts)
		if err == nil {
			return h, nil
		}
		var perr *sandbox.ProvisioningError
		if errors.As(err, &perr) && perr.Retryable {
			return sandbox.Handle{}, err
		}
		return sandbox.Handle{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(o.opts.ProvisionAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.opts.Metrics.ProvisioningRetry()
			r.logger.Warn("sandbox creation failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return sandbox.Handle{}, err
	}
	return handle, nil
}

// stage copies the sample into the input scratch mount.
func (r *run) stage(ctx context.Context, handle sandbox.Handle, body io.Reader) error {
	script := fmt.Sprintf("cat > %[1]s && chmod 0755 %[1]s", policy.SamplePath)
	execution, err := r.o.runtime.Exec(ctx, handle, sandbox.ExecCommand{
		Args:  []string{"sh", "-c", script},
		Stdin: body,
	})
	if err != nil {
		return fmt.Errorf("stage sample: %w", err)
	}
	output, _ := io.ReadAll(execution.Output())
	code, err := execution.Wait(ctx)
	if err != nil {
		return fmt.Errorf("stage sample: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("stage sample: exit status %d: %s", code, strings.TrimSpace(string(output)))
	}
	return nil
}

func (r *run) tracerVariables() map[collector.VariableName]string {
	vars := map[collector.VariableName]string{
		collector.VarSamplePath: policy.SamplePath,
		collector.VarWatchPaths: strings.Join(r.o.opts.WatchPaths, " "),
		collector.VarInterface:  r.o.opts.CaptureInterface,
		collector.VarSessionID:  r.sess.ID,
	}
	if r.sess.Config.ActiveTier() >= models.EvasionTierBehavior {
		vars[collector.VarInterception] = collector.BehaviorInterception
	}
	return vars
}

// verifyIsolation fails the run when the sandbox can route off the capture
// bridge. Being unable to look is only a visibility loss.
func (r *run) verifyIsolation(ctx context.Context, handle sandbox.Handle) error {
	status, err := r.o.runtime.Inspect(ctx, handle)
	if err == nil {
		err = r.o.opts.Egress.VerifyNoEgress(status.PID)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, netisolation.ErrEgressRoute):
		return err
	default:
		r.logger.Warn("could not verify network isolation", "error", err)
		r.degraded = append(r.degraded, collector.DegradedSource{Name: "egress-check", Reason: err.Error()})
		r.o.opts.Metrics.SourceDegraded("egress-check")
		return nil
	}
}

// collect stops the tracers, pulls artifacts out of the sandbox, stops it and
// flushes the collector. Later calls do nothing.
func (r *run) collect(ctx context.Context) {
	if r.collector == nil || r.collected {
		return
	}
	r.collected = true
	r.collector.BeginShutdown()

	handle := r.sess.Handle()
	r.exportArtifacts(ctx, handle)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.CleanupTimeout)
	defer cancel()
	if err := r.o.runtime.Stop(stopCtx, handle, r.o.opts.StopGrace); err != nil {
		r.logger.Warn("failed to stop sandbox, release will retry", "error", err)
	}

	flushCtx, cancelFlush := context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.FlushTimeout)
	defer cancelFlush()
	if err := r.collector.Close(flushCtx); err != nil {
		var degraded *collector.MonitoringDegraded
		if errors.As(err, &degraded) {
			for _, s := range degraded.Sources {
				r.o.opts.Metrics.SourceDegraded(s.Name)
			}
			r.logger.Warn("monitoring degraded", "error", err)
		} else {
			r.logger.Error("failed to flush events", "error", err)
		}
	}
}

func (r *run) exportArtifacts(ctx context.Context, handle sandbox.Handle) {
	if r.o.opts.Artifacts == nil || handle.IsZero() {
		return
	}
	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.ExportTimeout)
	defer cancel()

	dirs := []string{policy.MemdumpsDir, policy.ScreenshotsDir, policy.OutputDir}
	args := []string{"tar", "-C", sandboxRoot, "-cf", "-"}
	for _, dir := range dirs {
		args = append(args, path.Base(dir))
	}
	execution, err := r.o.runtime.Exec(exportCtx, handle, sandbox.ExecCommand{Args: args})
	if err != nil {
		r.logger.Warn("failed to export artifacts", "error", err)
		return
	}
	artifacts, importErr := r.o.opts.Artifacts.ImportTar(r.sess.ID, execution.Output())
	if importErr != nil {
		execution.Kill()
	}
	code, waitErr := execution.Wait(exportCtx)
	if err := errors.Join(importErr, waitErr); err != nil {
		r.logger.Warn("failed to export artifacts", "error", err)
	} else if code != 0 {
		r.logger.Warn("artifact export exited with non-zero status", "status", code)
	}
	r.result.Artifacts = artifacts
}

// finish aggregates whatever was collected and records the terminal state.
func (r *run) finish(ctx context.Context, state State, reason string) {
	r.collect(ctx)

	res := r.result
	res.State = state
	res.Reason = reason
	var degraded []collector.DegradedSource
	if r.collector != nil {
		res.Events = r.collector.Log().Snapshot()
		degraded = r.collector.Degraded()
		res.EventsComplete = state == StateCompleted && r.collector.Complete() && len(r.degraded) == 0
	}
	res.DegradedSources = append(degraded, r.degraded...)
	res.MonitoringDegraded = len(res.DegradedSources) > 0
	res.aggregate(r.o.opts.Engine)
	res.FinishedAt = time.Now().UTC()

	if err := r.sess.transition(state, reason); err != nil {
		r.logger.Error("invalid terminal transition", "error", err)
	}
}

// release tears the sandbox down exactly once. A failed teardown is handed to
// the reaper and never reported to the caller.
func (r *run) release(ctx context.Context) {
	r.releaseOnce.Do(func() { r.releaseHandle(ctx) })
}

func (r *run) releaseHandle(ctx context.Context) {
	handle := r.sess.Handle()
	if !handle.IsZero() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.CleanupTimeout)
		defer cancel()

		err := errors.Join(
			r.o.runtime.Stop(relCtx, handle, 0),
			r.o.runtime.Remove(relCtx, handle),
		)
		if err != nil {
			cerr := &CleanupError{SessionID: r.sess.ID, Handle: handle, Err: err}
			r.o.opts.Metrics.CleanupFailure()
			r.logger.Error("failed to release sandbox", "error", cerr)
			if r.o.opts.Reaper != nil {
				r.o.opts.Reaper.Schedule(handle)
			}
		} else {
			r.logger.Debug("sandbox released", "sandbox", handle.Name)
		}
	}
	if r.sess.State() != StateReleased {
		if err := r.sess.transition(StateReleased, ""); err != nil {
			r.logger.Error("invalid release transition", "error", err)
		}
	}
}

func waitWithContext(ctx context.Context, d time.Duration, onComplete func()) {
	if d <= 0 {
		if onComplete != nil {
			onComplete()
		}
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		if onComplete != nil {
			onComplete()
		}
	case <-ctx.Done():
	}
}
