package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/petri/internal/events"
)

type fakeStream struct {
	r        io.Reader
	closer   io.Closer
	code     int
	done     chan struct{}
	killOnce sync.Once
}

// finishedStream ends as soon as its output has been read.
func finishedStream(output string, code int) *fakeStream {
	done := make(chan struct{})
	close(done)
	return &fakeStream{r: strings.NewReader(output), code: code, done: done}
}

// openStream keeps running until it is killed, like inotifywait or tcpdump.
func openStream(lines ...string) *fakeStream {
	pr, pw := io.Pipe()
	go func() {
		for _, line := range lines {
			_, _ = io.WriteString(pw, line+"\n")
		}
	}()
	return &fakeStream{r: pr, closer: pr, code: 137, done: make(chan struct{})}
}

func (s *fakeStream) Output() io.Reader { return s.r }

func (s *fakeStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (s *fakeStream) Kill() {
	s.killOnce.Do(func() {
		if s.closer != nil {
			_ = s.closer.Close()
		}
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	})
}

type fakeSource struct {
	name   string
	kind   events.SourceKind
	stream Stream
	err    error
}

func (s fakeSource) Name() string            { return s.name }
func (s fakeSource) Kind() events.SourceKind { return s.kind }
func (s fakeSource) Open(context.Context) (Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

func quietOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Settle: 20 * time.Millisecond}
}

const straceOutput = `1201 1700000000.1 openat(AT_FDCWD, "/sandbox/output/a.txt", O_WRONLY|O_CREAT|O_TRUNC, 0644) = 3
1201 1700000000.2 clone(child_stack=NULL, flags=SIGCHLD) = 1202
1202 1700000000.3 execve("/usr/bin/id", ["id"], 0x7ffd /* 5 vars */) = 0
1202 1700000000.4 +++ exited with 0 +++
`

func TestCollectorCollectsAndSeals(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := 0
	opts := quietOptions()
	opts.OnEvent = func(events.Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	}
	c := New(opts)

	if err := c.AttachStream("strace", events.SourceSyscall, finishedStream(straceOutput, 0)); err != nil {
		t.Fatalf("AttachStream() error = %v", err)
	}
	watcher := openStream("1700000001 CREATE /sandbox/output/b.txt")
	if err := c.Attach(context.Background(), fakeSource{name: "inotifywait", kind: events.SourceFileWatch, stream: watcher}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !c.Log().Sealed() {
		t.Fatalf("log not sealed after Close")
	}
	if _, err := c.Log().Append(events.Event{}); !errors.Is(err, events.ErrLogSealed) {
		t.Fatalf("Append() after Close error = %v, want ErrLogSealed", err)
	}

	snapshot := c.Log().Snapshot()
	if len(snapshot) == 0 || len(snapshot) != seen {
		t.Fatalf("snapshot has %d events, callback saw %d", len(snapshot), seen)
	}
	var sawCreate, sawExec, sawWatch bool
	for _, ev := range snapshot {
		if ev.File != nil && ev.File.Path == "/sandbox/output/a.txt" && ev.File.Op == events.FileCreate {
			sawCreate = true
		}
		if ev.Process != nil && ev.Process.Op == events.ProcessExec && ev.Process.Name == "id" {
			sawExec = true
		}
		if ev.File != nil && ev.File.Path == "/sandbox/output/b.txt" {
			sawWatch = true
		}
	}
	if !sawCreate || !sawExec || !sawWatch {
		t.Fatalf("create=%v exec=%v watch=%v in %+v", sawCreate, sawExec, sawWatch, snapshot)
	}
	if !c.Complete() {
		t.Fatalf("Complete() = false, degraded = %+v", c.Degraded())
	}
}

func TestCollectorDegradedSourcesKeepEvents(t *testing.T) {
	t.Parallel()

	c := New(quietOptions())
	if err := c.AttachStream("strace", events.SourceSyscall, finishedStream(straceOutput, 0)); err != nil {
		t.Fatalf("AttachStream() error = %v", err)
	}
	if err := c.Attach(context.Background(), fakeSource{name: "tcpdump", kind: events.SourcePacket, err: errors.New("exec failed")}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := c.AttachStream("inotifywait", events.SourceFileWatch, finishedStream("", 127)); err != nil {
		t.Fatalf("AttachStream() error = %v", err)
	}

	err := c.Close(context.Background())
	var degraded *MonitoringDegraded
	if !errors.As(err, &degraded) {
		t.Fatalf("Close() error = %v, want MonitoringDegraded", err)
	}
	names := map[string]bool{}
	for _, s := range degraded.Sources {
		names[s.Name] = true
	}
	if !names["tcpdump"] || !names["inotifywait"] || names["strace"] {
		t.Fatalf("degraded sources = %+v", degraded.Sources)
	}
	if c.Log().Len() == 0 {
		t.Fatalf("events from healthy source were lost")
	}
	if c.Complete() {
		t.Fatalf("Complete() = true with degraded sources")
	}
}

func TestCollectorSilentSyscallTracerIsDegraded(t *testing.T) {
	t.Parallel()

	c := New(quietOptions())
	if err := c.AttachStream("strace", events.SourceSyscall, finishedStream("strace: ptrace(PTRACE_TRACEME): Operation not permitted\n", 1)); err != nil {
		t.Fatalf("AttachStream() error = %v", err)
	}
	err := c.Close(context.Background())
	var degraded *MonitoringDegraded
	if !errors.As(err, &degraded) || len(degraded.Sources) != 1 || degraded.Sources[0].Name != "strace" {
		t.Fatalf("Close() error = %v, want strace degraded", err)
	}
}

func TestCollectorAttachAfterClose(t *testing.T) {
	t.Parallel()

	c := New(quietOptions())
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	stream := openStream()
	if err := c.AttachStream("late", events.SourceFileWatch, stream); !errors.Is(err, ErrClosed) {
		t.Fatalf("AttachStream() error = %v, want ErrClosed", err)
	}
	select {
	case <-stream.done:
	default:
		t.Fatalf("late stream was not killed")
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRenderTracers(t *testing.T) {
	t.Parallel()

	vars := map[VariableName]string{
		VarSamplePath: "/sandbox/input/sample",
		VarWatchPaths: "/sandbox /tmp",
		VarInterface:  "any",
	}
	primary, aux, err := Plan(TracerConfig{}, vars, false)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if primary.Name != "strace" || primary.Kind != events.SourceSyscall {
		t.Fatalf("primary = %+v", primary)
	}
	if primary.Args[0] != "sh" || !strings.Contains(primary.Args[2], "-- /sandbox/input/sample") {
		t.Fatalf("primary args = %q", primary.Args)
	}
	if len(aux) != 1 || aux[0].Name != "inotifywait" || !strings.HasSuffix(aux[0].Args[2], "/sandbox /tmp") {
		t.Fatalf("auxiliary = %+v", aux)
	}

	_, aux, err = Plan(TracerConfig{}, vars, true)
	if err != nil {
		t.Fatalf("Plan(capture) error = %v", err)
	}
	if len(aux) != 2 || aux[1].Name != "tcpdump" {
		t.Fatalf("auxiliary with capture = %+v", aux)
	}

	_, _, err = Plan(TracerConfig{}, map[VariableName]string{}, false)
	var missing *MissingRequiredVariablesError
	if !errors.As(err, &missing) || missing.Variables[0] != VarSamplePath {
		t.Fatalf("Plan() error = %v, want missing SamplePath", err)
	}
}

func TestTracerLabel(t *testing.T) {
	t.Parallel()

	testCases := map[string]string{
		"exec 3>&2; exec strace -f": "strace",
		"/usr/sbin/tcpdump -i any":  "tcpdump",
		"exec execsnoop-bpfcc -t":   "execsnoop-bpfcc",
		"   ":                       "",
	}
	for command, want := range testCases {
		if got := tracerLabel(command); got != want {
			t.Fatalf("tracerLabel(%q) = %q, want %q", command, got, want)
		}
	}
}

func TestPlanBehaviorInterception(t *testing.T) {
	t.Parallel()

	vars := map[VariableName]string{
		VarSamplePath:   "/sandbox/input/sample",
		VarWatchPaths:   "/sandbox",
		VarInterception: BehaviorInterception,
	}
	primary, _, err := Plan(TracerConfig{}, vars, false)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !strings.Contains(primary.Args[2], "-e inject=ptrace:retval=0") ||
		!strings.Contains(primary.Args[2], "inject=nanosleep,clock_nanosleep:retval=0 -- /sandbox/input/sample") {
		t.Fatalf("primary args = %q", primary.Args)
	}

	delete(vars, VarInterception)
	primary, _, err = Plan(TracerConfig{}, vars, false)
	if err != nil {
		t.Fatalf("Plan() without interception error = %v", err)
	}
	if strings.Contains(primary.Args[2], "inject=") {
		t.Fatalf("interception rendered without being requested: %q", primary.Args)
	}

	custom := TracerConfig{Syscall: TracerCommand{Command: "strace -f -- {{.SamplePath}}"}}
	vars[VarInterception] = BehaviorInterception
	if _, _, err := Plan(custom, vars, false); err == nil || !strings.Contains(err.Error(), "Interception") {
		t.Fatalf("Plan(custom) error = %v, want refusal", err)
	}
	delete(vars, VarInterception)
	if _, _, err := Plan(custom, vars, false); err != nil {
		t.Fatalf("Plan(custom) without interception error = %v", err)
	}
}
