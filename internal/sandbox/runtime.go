package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cochaviz/petri/internal/policy"
)

// ErrRuntimeUnavailable means the container engine is not installed or not reachable.
// It is never retried.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// ProvisioningError reports a failed image or container operation.
type ProvisioningError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision sandbox (%s): %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Handle is an opaque reference to one container. Exactly one session owns it.
type Handle struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Runtime string `json:"runtime"`
}

func (h Handle) IsZero() bool {
	return h.ID == ""
}

type CreateOptions struct {
	Name     string
	Platform string
	Network  string
	Labels   map[string]string
	// Command keeps the container alive so that work can be exec'd into it.
	Command []string
}

type ExecCommand struct {
	Args  []string
	Stdin io.Reader
}

type Status struct {
	Running  bool
	PID      int
	ExitCode int
}

// Runtime is the narrow container engine contract the orchestrator depends on.
// Stop and Remove must treat an unknown or already removed container as success.
type Runtime interface {
	Name() string
	Available(ctx context.Context) error
	Create(ctx context.Context, image string, p policy.SecurityPolicy, opts CreateOptions) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Exec(ctx context.Context, h Handle, cmd ExecCommand) (*Execution, error)
	Logs(ctx context.Context, h Handle) ([]byte, error)
	Inspect(ctx context.Context, h Handle) (Status, error)
	Stop(ctx context.Context, h Handle, grace time.Duration) error
	Remove(ctx context.Context, h Handle) error
}

// Execution is a command running inside a container. Output carries the merged
// stdout and stderr and reaches EOF when the command ends.
type Execution struct {
	output io.ReadCloser
	cancel context.CancelFunc

	done     chan struct{}
	once     sync.Once
	exitCode int
	err      error
}

// NewExecution wraps an output stream. The returned finish function must be called
// exactly once when the command has ended.
func NewExecution(output io.ReadCloser, cancel context.CancelFunc) (*Execution, func(exitCode int, err error)) {
	e := &Execution{
		output: output,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	finish := func(exitCode int, err error) {
		e.once.Do(func() {
			e.exitCode = exitCode
			e.err = err
			close(e.done)
		})
	}
	return e, finish
}

func (e *Execution) Output() io.Reader {
	return e.output
}

// Done is closed once the command has ended.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the command ends or ctx is done.
func (e *Execution) Wait(ctx context.Context) (int, error) {
	select {
	case <-e.done:
		return e.exitCode, e.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill aborts the command and closes its output.
func (e *Execution) Kill() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.output != nil {
		_ = e.output.Close()
	}
}
