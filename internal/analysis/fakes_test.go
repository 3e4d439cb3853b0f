package analysis

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/petri/arch"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/policy"
	"github.com/cochaviz/petri/internal/sandbox"
	"github.com/cochaviz/petri/internal/storage"

	"github.com/cenkalti/backoff/v5"
)

// fakeRuntime plays the container engine. The syscall tracer command prints
// sampleLines and then exits with sampleExit, or stays open until the
// container is stopped when sampleHangs is set. The file watcher prints
// watchLines and stays open until the container is stopped.
type fakeRuntime struct {
	mu sync.Mutex

	createErrs     []error
	removeFailures int
	sampleLines    []string
	watchLines     []string
	sampleExit     int
	sampleHangs    bool
	artifacts      map[string]string

	creates  int
	starts   int
	stops    int
	removes  int
	live     map[string]bool
	staged   []byte
	commands [][]string
	open     map[string][]*fakeExec

	sampleWritten chan struct{}
}

type fakeExec struct {
	pw     *io.PipeWriter
	finish func(int, error)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		live:          make(map[string]bool),
		open:          make(map[string][]*fakeExec),
		sampleWritten: make(chan struct{}),
	}
}

func (f *fakeRuntime) Name() string {
	return "fake"
}

func (f *fakeRuntime) Available(context.Context) error {
	return nil
}

func (f *fakeRuntime) Create(_ context.Context, image string, p policy.SecurityPolicy, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return sandbox.Handle{}, err
		}
	}
	if err := p.Validate(); err != nil {
		return sandbox.Handle{}, &sandbox.ProvisioningError{Op: "create", Err: err}
	}
	h := sandbox.Handle{ID: fmt.Sprintf("c%d", f.creates), Name: opts.Name, Runtime: "fake"}
	f.live[h.ID] = true
	return h, nil
}

func (f *fakeRuntime) Start(context.Context, sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeRuntime) Exec(_ context.Context, h sandbox.Handle, cmd sandbox.ExecCommand) (*sandbox.Execution, error) {
	pr, pw := io.Pipe()
	execution, finish := sandbox.NewExecution(pr, nil)
	script := strings.Join(cmd.Args, " ")

	f.mu.Lock()
	f.commands = append(f.commands, cmd.Args)
	f.mu.Unlock()

	switch {
	case strings.Contains(script, "cat >"):
		data, _ := io.ReadAll(cmd.Stdin)
		f.mu.Lock()
		f.staged = data
		f.mu.Unlock()
		_ = pw.Close()
		finish(0, nil)
	case strings.Contains(script, "strace"):
		if f.sampleHangs {
			f.track(h, pw, finish)
		}
		go func() {
			for _, line := range f.sampleLines {
				if _, err := io.WriteString(pw, line+"\n"); err != nil {
					break
				}
			}
			close(f.sampleWritten)
			if !f.sampleHangs {
				_ = pw.Close()
				finish(f.sampleExit, nil)
			}
		}()
	case strings.Contains(script, "inotifywait"):
		f.track(h, pw, finish)
		go func() {
			for _, line := range f.watchLines {
				if _, err := io.WriteString(pw, line+"\n"); err != nil {
					break
				}
			}
		}()
	case cmd.Args[0] == "tar":
		archive := f.archive()
		go func() {
			_, _ = pw.Write(archive)
			_ = pw.Close()
			finish(0, nil)
		}()
	default:
		f.track(h, pw, finish)
	}
	return execution, nil
}

func (f *fakeRuntime) track(h sandbox.Handle, pw *io.PipeWriter, finish func(int, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[h.ID] = append(f.open[h.ID], &fakeExec{pw: pw, finish: finish})
}

func (f *fakeRuntime) archive() []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range f.artifacts {
		_ = tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg})
		_, _ = tw.Write([]byte(body))
	}
	_ = tw.Close()
	return buf.Bytes()
}

func (f *fakeRuntime) Logs(context.Context, sandbox.Handle) ([]byte, error) {
	return nil, nil
}

func (f *fakeRuntime) Inspect(_ context.Context, h sandbox.Handle) (sandbox.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sandbox.Status{Running: f.live[h.ID], PID: 4242}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, h sandbox.Handle, _ time.Duration) error {
	f.mu.Lock()
	f.stops++
	open := f.open[h.ID]
	delete(f.open, h.ID)
	f.mu.Unlock()

	for _, e := range open {
		_ = e.pw.Close()
		e.finish(137, nil)
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removes++
	if f.removeFailures > 0 {
		f.removeFailures--
		return errors.New("device or resource busy")
	}
	delete(f.live, h.ID)
	return nil
}

func (f *fakeRuntime) liveContainers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeRuntime) counts() (creates, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.removes
}

type fakeSamples map[string][]byte

func (s fakeSamples) Open(ref string) (io.ReadCloser, storage.Sample, error) {
	body, ok := s[ref]
	if !ok {
		return nil, storage.Sample{}, fmt.Errorf("%w: %s", storage.ErrSampleNotFound, ref)
	}
	return io.NopCloser(bytes.NewReader(body)), storage.Sample{ID: ref, Name: ref + ".elf", Architecture: arch.X86_64}, nil
}

type fakeEgress struct {
	err error
	pid int
}

func (e *fakeEgress) VerifyNoEgress(pid int) error {
	e.pid = pid
	return e.err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(rt sandbox.Runtime, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = newTestLogger()
	}
	if opts.FlushTimeout == 0 {
		opts.FlushTimeout = 2 * time.Second
	}
	o := NewOrchestrator(rt, fakeSamples{"sample": []byte("\x7fELF fake")}, opts)
	o.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return o
}

func mustConfig(t *testing.T, timeout, memory int, network, antiEvasion bool, tier int) models.ExecutionConfig {
	t.Helper()

	cfg, err := models.NewExecutionConfig(timeout, memory, network, antiEvasion, tier)
	if err != nil {
		t.Fatalf("NewExecutionConfig() error = %v", err)
	}
	return cfg
}

func mustSession(t *testing.T, cfg models.ExecutionConfig) *Session {
	t.Helper()

	sess, err := NewSession("sample", cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return sess
}

func straceAt(pid int, at time.Time, call string) string {
	return fmt.Sprintf("%d %d.%06d %s", pid, at.Unix(), at.Nanosecond()/1000, call)
}

func inotifyAt(at time.Time, events, path string) string {
	return fmt.Sprintf("%d %s %s", at.Unix(), events, path)
}
