package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/logging"
	"github.com/cochaviz/petri/internal/policy"
)

var _ Runtime = &DockerRuntime{}

// DockerRuntime drives containers through the docker CLI.
type DockerRuntime struct {
	// Binary defaults to "docker" on PATH.
	Binary string
	// WorkDir holds per-container seccomp profiles and masked files.
	WorkDir string
	// CaptureNetwork is the docker network used in isolated-bridge mode.
	CaptureNetwork string
	Logger         *slog.Logger
}

func NewDockerRuntime(workDir, captureNetwork string, logger *slog.Logger) *DockerRuntime {
	return &DockerRuntime{
		Binary:         "docker",
		WorkDir:        workDir,
		CaptureNetwork: captureNetwork,
		Logger:         logger,
	}
}

func (d *DockerRuntime) Name() string {
	return "docker"
}

func (d *DockerRuntime) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

func (d *DockerRuntime) logger() *slog.Logger {
	return logging.Ensure(d.Logger).With(logging.KeyComponent, "docker_runtime")
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) ([]byte, error) {
	return d.runInput(ctx, nil, args...)
}

func (d *DockerRuntime) runInput(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.binary(), args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if errors.Is(err, exec.ErrNotFound) || isDaemonUnreachable(msg) {
			return out, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, msg)
		}
		return out, fmt.Errorf("docker %s: %s", args[0], msg)
	}
	return out, nil
}

func isDaemonUnreachable(msg string) bool {
	return strings.Contains(msg, "Cannot connect to the Docker daemon") ||
		strings.Contains(msg, "Is the docker daemon running") ||
		strings.Contains(msg, "permission denied while trying to connect")
}

func isNoSuchContainer(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "No such container") ||
		strings.Contains(err.Error(), "is not running"))
}

// Available checks that the CLI is installed and the daemon answers.
func (d *DockerRuntime) Available(ctx context.Context) error {
	if _, err := exec.LookPath(d.binary()); err != nil {
		return fmt.Errorf("%w: %s not found on PATH; install docker or set runtime.binary", ErrRuntimeUnavailable, d.binary())
	}
	if _, err := d.run(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		if errors.Is(err, ErrRuntimeUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

func (d *DockerRuntime) containerDir(name string) string {
	return filepath.Join(d.WorkDir, name)
}

// Create writes the seccomp profile and masked files for the container and runs
// `docker create` with flags derived from the policy.
func (d *DockerRuntime) Create(ctx context.Context, image string, p policy.SecurityPolicy, opts CreateOptions) (Handle, error) {
	if strings.TrimSpace(image) == "" {
		return Handle{}, &ProvisioningError{Op: "create", Err: errors.New("image is required")}
	}
	if opts.Name == "" {
		return Handle{}, &ProvisioningError{Op: "create", Err: errors.New("container name is required")}
	}
	if err := p.Validate(); err != nil {
		return Handle{}, &ProvisioningError{Op: "create", Err: fmt.Errorf("invalid policy: %w", err)}
	}
	if opts.Network == "" && p.NetworkMode == policy.NetworkIsolatedBridge {
		opts.Network = d.CaptureNetwork
		if opts.Network == "" {
			return Handle{}, &ProvisioningError{Op: "create", Err: errors.New("isolated-bridge requested but no capture network is configured")}
		}
	}

	dir := d.containerDir(opts.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Handle{}, &ProvisioningError{Op: "create", Retryable: true, Err: fmt.Errorf("prepare container dir: %w", err)}
	}

	profile, err := p.SeccompJSON()
	if err != nil {
		return Handle{}, &ProvisioningError{Op: "create", Err: err}
	}
	seccompPath := filepath.Join(dir, "seccomp.json")
	if err := os.WriteFile(seccompPath, profile, 0o600); err != nil {
		return Handle{}, &ProvisioningError{Op: "create", Retryable: true, Err: fmt.Errorf("write seccomp profile: %w", err)}
	}

	maskFiles, err := writeMasks(dir, p.Masks, hostPathExists)
	if err != nil {
		return Handle{}, &ProvisioningError{Op: "create", Retryable: true, Err: err}
	}

	args := buildCreateArgs(image, p, opts, seccompPath, maskFiles)
	d.logger().Debug("creating container", "name", opts.Name, "image", image, "args", args)

	out, err := d.run(ctx, args...)
	if err != nil {
		_ = os.RemoveAll(dir)
		if errors.Is(err, ErrRuntimeUnavailable) {
			return Handle{}, err
		}
		return Handle{}, &ProvisioningError{Op: "create", Retryable: retryableCreateError(err), Err: err}
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return Handle{}, &ProvisioningError{Op: "create", Err: errors.New("docker create returned no container id")}
	}
	return Handle{ID: id, Name: opts.Name, Runtime: d.Name()}, nil
}

// Errors about the image itself will not resolve by trying again.
func retryableCreateError(err error) bool {
	msg := err.Error()
	for _, permanent := range []string{"No such image", "pull access denied", "invalid reference format", "Conflict. The container name"} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}

type maskFile struct {
	source string
	target string
}

func hostPathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// writeMasks renders the replacement files for masks. A mask whose target the
// host does not have (no DMI table, say) is skipped: the sandbox shares the
// host's /proc and /sys, so there is nothing to hide and nothing to mount over.
func writeMasks(dir string, masks []evasion.Mask, targetExists func(string) bool) ([]maskFile, error) {
	if len(masks) == 0 {
		return nil, nil
	}
	maskDir := filepath.Join(dir, "masks")
	if err := os.MkdirAll(maskDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare mask dir: %w", err)
	}
	var out []maskFile
	for i, m := range masks {
		if !targetExists(m.Path) {
			continue
		}
		content := []byte(m.Content)
		if m.HostSource != "" {
			data, err := os.ReadFile(m.HostSource)
			if err != nil {
				// Nothing to hide when the host does not expose the source.
				continue
			}
			text := string(data)
			for _, token := range m.Strip {
				text = strings.ReplaceAll(text, token, "")
			}
			content = []byte(text)
		}
		path := filepath.Join(maskDir, strconv.Itoa(i))
		if err := os.WriteFile(path, content, 0o444); err != nil {
			return nil, fmt.Errorf("write mask for %s: %w", m.Path, err)
		}
		out = append(out, maskFile{source: path, target: m.Path})
	}
	return out, nil
}

func buildCreateArgs(image string, p policy.SecurityPolicy, opts CreateOptions, seccompPath string, masks []maskFile) []string {
	args := []string{"create", "--name", opts.Name}

	labels := make([]string, 0, len(opts.Labels))
	for k, v := range opts.Labels {
		labels = append(labels, k+"="+v)
	}
	sort.Strings(labels)
	for _, l := range labels {
		args = append(args, "--label", l)
	}

	if opts.Platform != "" {
		args = append(args, "--platform", opts.Platform)
	}
	if p.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	for _, m := range p.OCIMounts() {
		args = append(args, "--tmpfs", m.Destination+":"+strings.Join(m.Options, ","))
	}
	for _, m := range masks {
		args = append(args, "--mount", fmt.Sprintf("type=bind,source=%s,target=%s,readonly", m.source, m.target))
	}

	// Docker's --memory-swap is memory plus swap, like the OCI limit.
	res := p.OCIResources()
	swap := "-1"
	if *res.Memory.Swap >= 0 {
		swap = megabytes(*res.Memory.Swap)
	}
	args = append(args,
		"--memory", megabytes(*res.Memory.Limit),
		"--memory-swap", swap,
		"--cpu-shares", strconv.FormatUint(*res.CPU.Shares, 10),
		"--cpus", strconv.FormatFloat(float64(*res.CPU.Quota)/float64(*res.CPU.Period), 'f', -1, 64),
		"--pids-limit", strconv.FormatInt(res.Pids.Limit, 10),
	)

	for _, c := range p.CapabilitiesDrop {
		args = append(args, "--cap-drop", c)
	}
	for _, c := range p.CapabilitiesAdd {
		args = append(args, "--cap-add", c)
	}
	if p.NoNewPrivileges {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	args = append(args, "--security-opt", "seccomp="+seccompPath)

	network := "none"
	if p.NetworkMode == policy.NetworkIsolatedBridge {
		network = opts.Network
	}
	args = append(args, "--network", network)

	args = append(args, image)
	command := opts.Command
	if len(command) == 0 {
		command = []string{"sleep", "infinity"}
	}
	return append(args, command...)
}

func megabytes(b int64) string {
	return strconv.FormatInt(b/(1<<20), 10) + "m"
}

func (d *DockerRuntime) Start(ctx context.Context, h Handle) error {
	if _, err := d.run(ctx, "start", h.ID); err != nil {
		if errors.Is(err, ErrRuntimeUnavailable) {
			return err
		}
		return &ProvisioningError{Op: "start", Err: err}
	}
	return nil
}

// Exec runs a command in the container and streams its combined output.
func (d *DockerRuntime) Exec(ctx context.Context, h Handle, command ExecCommand) (*Execution, error) {
	if len(command.Args) == 0 {
		return nil, errors.New("exec: empty command")
	}
	args := []string{"exec"}
	if command.Stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, h.ID)
	args = append(args, command.Args...)

	execCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(execCtx, d.binary(), args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Stdin = command.Stdin

	if err := cmd.Start(); err != nil {
		cancel()
		_ = pw.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		return nil, fmt.Errorf("docker exec: %w", err)
	}

	execution, finish := NewExecution(pr, cancel)
	go func() {
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		}
		_ = pw.Close()
		finish(code, err)
	}()
	return execution, nil
}

func (d *DockerRuntime) Logs(ctx context.Context, h Handle) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.binary(), "logs", h.ID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("docker logs: %w", err)
	}
	return out, nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, h Handle) (Status, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.Pid}} {{.State.Running}} {{.State.ExitCode}}", h.ID)
	if err != nil {
		return Status{}, err
	}
	fields := strings.Fields(string(out))
	if len(fields) != 3 {
		return Status{}, fmt.Errorf("unexpected inspect output %q", strings.TrimSpace(string(out)))
	}
	pid, _ := strconv.Atoi(fields[0])
	running, _ := strconv.ParseBool(fields[1])
	code, _ := strconv.Atoi(fields[2])
	return Status{Running: running, PID: pid, ExitCode: code}, nil
}

// Stop is a no-op for containers that are already gone.
func (d *DockerRuntime) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	if h.IsZero() {
		return nil
	}
	secs := int(grace.Round(time.Second) / time.Second)
	if _, err := d.run(ctx, "stop", "-t", strconv.Itoa(secs), h.ID); err != nil && !isNoSuchContainer(err) {
		return err
	}
	return nil
}

// Remove deletes the container and its on-disk profile. Removing twice is a no-op.
func (d *DockerRuntime) Remove(ctx context.Context, h Handle) error {
	if h.IsZero() {
		return nil
	}
	var errs []error
	if _, err := d.run(ctx, "rm", "-f", "-v", h.ID); err != nil && !isNoSuchContainer(err) {
		errs = append(errs, err)
	}
	if h.Name != "" && d.WorkDir != "" {
		if err := os.RemoveAll(d.containerDir(h.Name)); err != nil {
			errs = append(errs, fmt.Errorf("remove container dir: %w", err))
		}
	}
	return errors.Join(errs...)
}

// EnsureNetwork creates the internal docker network bound to the capture bridge.
// An existing network is accepted as is.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context, name, bridge, subnet string) error {
	args := []string{"network", "create", "--driver", "bridge", "--internal"}
	if bridge != "" {
		args = append(args, "-o", "com.docker.network.bridge.name="+bridge)
	}
	if subnet != "" {
		args = append(args, "--subnet", subnet)
	}
	args = append(args, name)
	if _, err := d.run(ctx, args...); err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

// BuildImage builds tag for platform from a Dockerfile with an empty context.
func (d *DockerRuntime) BuildImage(ctx context.Context, tag, platform string, dockerfile []byte) error {
	args := []string{"build", "--pull", "-t", tag}
	if platform != "" {
		args = append(args, "--platform", platform)
	}
	args = append(args, "-")
	d.logger().Info("building sandbox image", "tag", tag, "platform", platform)
	_, err := d.runInput(ctx, bytes.NewReader(dockerfile), args...)
	return err
}

// ImageExists reports whether tag is present locally.
func (d *DockerRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	if _, err := d.run(ctx, "image", "inspect", "--format", "{{.Id}}", tag); err != nil {
		if errors.Is(err, ErrRuntimeUnavailable) {
			return false, err
		}
		if strings.Contains(err.Error(), "No such image") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
