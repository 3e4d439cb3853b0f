package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/policy"
)

// stubDocker writes a fake docker CLI that records its arguments and emulates the
// subcommands the runtime uses. Removing a container twice reports it as missing.
func stubDocker(t *testing.T) (binary, argLog string) {
	t.Helper()

	dir := t.TempDir()
	argLog = filepath.Join(dir, "args.log")
	state := filepath.Join(dir, "removed")
	script := `#!/bin/sh
echo "$@" >> "` + argLog + `"
case "$1" in
  version) echo "27.1.0" ;;
  create) echo "cid-123" ;;
  start) echo "$2" ;;
  exec)
    shift
    if [ "$1" = "-i" ]; then shift; shift; cat; else shift; echo "ran $*"; fi
    exit 3 ;;
  inspect) echo "4242 true 0" ;;
  logs) echo "container output" ;;
  stop|rm)
    if [ -f "` + state + `" ]; then echo "Error response from daemon: No such container: cid-123" >&2; exit 1; fi
    if [ "$1" = "rm" ]; then : > "` + state + `"; fi ;;
esac
`
	binary = filepath.Join(dir, "docker")
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub docker: %v", err)
	}
	return binary, argLog
}

func testPolicy(t *testing.T, capture bool) policy.SecurityPolicy {
	t.Helper()

	cfg, err := models.NewExecutionConfig(30, 512, capture, false, 0)
	if err != nil {
		t.Fatalf("NewExecutionConfig() error = %v", err)
	}
	p, err := policy.Build(cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return p
}

func newTestRuntime(t *testing.T) (*DockerRuntime, string) {
	t.Helper()

	binary, argLog := stubDocker(t)
	return &DockerRuntime{
		Binary:         binary,
		WorkDir:        t.TempDir(),
		CaptureNetwork: "petri-capture",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, argLog
}

func TestDockerRuntimeCreateMapsPolicyToFlags(t *testing.T) {
	t.Parallel()

	rt, argLog := newTestRuntime(t)
	h, err := rt.Create(context.Background(), "petri/sandbox:latest", testPolicy(t, true), CreateOptions{
		Name:     "petri-abc",
		Platform: "linux/amd64",
		Labels:   map[string]string{"petri.session": "abc"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h.ID != "cid-123" || h.Name != "petri-abc" || h.Runtime != "docker" {
		t.Fatalf("Create() handle = %+v", h)
	}

	data, err := os.ReadFile(argLog)
	if err != nil {
		t.Fatalf("read arg log: %v", err)
	}
	got := string(data)
	for _, want := range []string{
		"create --name petri-abc",
		"--label petri.session=abc",
		"--platform linux/amd64",
		"--read-only",
		"--tmpfs /sandbox/input:rw,exec,nosuid,nodev,size=64m",
		"--memory 512m --memory-swap 512m",
		"--cpus 1",
		"--pids-limit 128",
		"--cap-drop ALL",
		"--cap-add SYS_PTRACE --cap-add NET_RAW --cap-add NET_ADMIN",
		"--security-opt no-new-privileges",
		"--security-opt seccomp=" + filepath.Join(rt.WorkDir, "petri-abc", "seccomp.json"),
		"--network petri-capture",
		"petri/sandbox:latest sleep infinity",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("docker args missing %q:\n%s", want, got)
		}
	}
	if _, err := os.Stat(filepath.Join(rt.WorkDir, "petri-abc", "seccomp.json")); err != nil {
		t.Fatalf("stat seccomp profile: %v", err)
	}
}

func TestDockerRuntimeCreateValidation(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	rt.CaptureNetwork = ""

	testCases := []struct {
		name    string
		image   string
		opts    CreateOptions
		policy  policy.SecurityPolicy
		wantErr string
	}{
		{name: "missing image", opts: CreateOptions{Name: "x"}, policy: testPolicy(t, false), wantErr: "image is required"},
		{name: "missing name", image: "img", policy: testPolicy(t, false), wantErr: "name is required"},
		{name: "invalid policy", image: "img", opts: CreateOptions{Name: "x"}, wantErr: "invalid policy"},
		{name: "no capture network", image: "img", opts: CreateOptions{Name: "x"}, policy: testPolicy(t, true), wantErr: "capture network"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := rt.Create(context.Background(), tc.image, tc.policy, tc.opts)
			var provErr *ProvisioningError
			if !errors.As(err, &provErr) || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Create() error = %v, want ProvisioningError containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestDockerRuntimeStopRemoveAreIdempotent(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	h := Handle{ID: "cid-123", Name: "petri-abc", Runtime: "docker"}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := rt.Stop(ctx, h, 2*time.Second); err != nil {
			t.Fatalf("Stop() #%d error = %v", i+1, err)
		}
		if err := rt.Remove(ctx, h); err != nil {
			t.Fatalf("Remove() #%d error = %v", i+1, err)
		}
	}
	if err := rt.Remove(ctx, Handle{}); err != nil {
		t.Fatalf("Remove(zero) error = %v", err)
	}
}

func TestDockerRuntimeExecStreamsOutput(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	h := Handle{ID: "cid-123"}

	execution, err := rt.Exec(context.Background(), h, ExecCommand{Args: []string{"id", "-u"}})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	out, err := io.ReadAll(execution.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	code, err := execution.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if strings.TrimSpace(string(out)) != "ran id -u" {
		t.Fatalf("output = %q", out)
	}

	staged, err := rt.Exec(context.Background(), h, ExecCommand{Args: []string{"sh"}, Stdin: strings.NewReader("payload")})
	if err != nil {
		t.Fatalf("Exec() with stdin error = %v", err)
	}
	out, _ = io.ReadAll(staged.Output())
	if string(out) != "payload" {
		t.Fatalf("stdin output = %q, want payload", out)
	}
}

func TestDockerRuntimeInspectAndAvailable(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	if err := rt.Available(context.Background()); err != nil {
		t.Fatalf("Available() error = %v", err)
	}
	status, err := rt.Inspect(context.Background(), Handle{ID: "cid-123"})
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if status.PID != 4242 || !status.Running {
		t.Fatalf("Inspect() = %+v", status)
	}

	missing := &DockerRuntime{Binary: filepath.Join(t.TempDir(), "no-docker")}
	if err := missing.Available(context.Background()); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("Available() error = %v, want ErrRuntimeUnavailable", err)
	}
}

func TestWriteMasksSkipsMissingTargets(t *testing.T) {
	t.Parallel()

	source := filepath.Join(t.TempDir(), "cpuinfo")
	if err := os.WriteFile(source, []byte("flags\t: fpu vme hypervisor lahf_lm\n"), 0o644); err != nil {
		t.Fatalf("write cpuinfo: %v", err)
	}
	masks := []evasion.Mask{
		{Path: "/proc/cpuinfo", HostSource: source, Strip: []string{" hypervisor"}},
		{Path: "/sys/class/dmi/id/sys_vendor", Content: "Dell Inc.\n"},
	}
	onHost := func(p string) bool { return p == "/proc/cpuinfo" }

	files, err := writeMasks(t.TempDir(), masks, onHost)
	if err != nil {
		t.Fatalf("writeMasks() error = %v", err)
	}
	if len(files) != 1 || files[0].target != "/proc/cpuinfo" {
		t.Fatalf("writeMasks() = %+v, want only /proc/cpuinfo", files)
	}
	data, err := os.ReadFile(files[0].source)
	if err != nil {
		t.Fatalf("read mask: %v", err)
	}
	if strings.Contains(string(data), "hypervisor") {
		t.Fatalf("mask still carries the hypervisor flag: %q", data)
	}
}

func TestDockerRuntimeCreateMountsOnlyAllowedProcFiles(t *testing.T) {
	t.Parallel()

	cfg, err := models.NewExecutionConfig(30, 512, false, true, 2)
	if err != nil {
		t.Fatalf("NewExecutionConfig() error = %v", err)
	}
	p, err := policy.Build(cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	rt, argLog := newTestRuntime(t)
	if _, err := rt.Create(context.Background(), "petri/sandbox:latest", p, CreateOptions{Name: "petri-masked"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	data, err := os.ReadFile(argLog)
	if err != nil {
		t.Fatalf("read arg log: %v", err)
	}
	for _, field := range strings.Fields(string(data)) {
		_, target, ok := strings.Cut(field, "target=")
		if !ok {
			continue
		}
		target, _, _ = strings.Cut(target, ",")
		if strings.HasPrefix(target, "/proc/") && target != "/proc/cpuinfo" {
			t.Fatalf("mount over %s would be refused by the runtime:\n%s", target, data)
		}
		if _, err := os.Stat(target); err != nil {
			t.Fatalf("mount target %s does not exist on the host", target)
		}
	}
}
