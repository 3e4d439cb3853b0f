package collector

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cochaviz/petri/internal/events"
	"github.com/cochaviz/petri/internal/sandbox"
)

// Stream is a running tracer whose output is read line by line.
// *sandbox.Execution satisfies it.
type Stream interface {
	Output() io.Reader
	Wait(ctx context.Context) (int, error)
	Kill()
}

type Source interface {
	Name() string
	Kind() events.SourceKind
	Open(ctx context.Context) (Stream, error)
}

// ExecSource runs a rendered tracer inside the sandbox container.
type ExecSource struct {
	runtime sandbox.Runtime
	handle  sandbox.Handle
	tracer  Tracer
}

func NewExecSource(runtime sandbox.Runtime, handle sandbox.Handle, tracer Tracer) *ExecSource {
	return &ExecSource{runtime: runtime, handle: handle, tracer: tracer}
}

func (s *ExecSource) Name() string {
	return s.tracer.Name
}

func (s *ExecSource) Kind() events.SourceKind {
	return s.tracer.Kind
}

func (s *ExecSource) Open(ctx context.Context) (Stream, error) {
	execution, err := s.runtime.Exec(ctx, s.handle, sandbox.ExecCommand{Args: s.tracer.Args})
	if err != nil {
		return nil, err
	}
	return execution, nil
}

// Plan renders the enabled tracers of cfg. The syscall tracer is returned
// separately because it also runs the sample. Interception flags in vars must
// reach the syscall tracer; a template that drops them is refused.
func Plan(cfg TracerConfig, vars map[VariableName]string, captureNetwork bool) (primary Tracer, auxiliary []Tracer, err error) {
	cfg = cfg.WithDefaults()

	if strings.TrimSpace(vars[VarInterception]) != "" && !cfg.Syscall.References(VarInterception) {
		return Tracer{}, nil, fmt.Errorf("syscall tracer command does not use {{.%s}}; behavior interception cannot be applied", VarInterception)
	}

	primary, err = cfg.Syscall.Render(events.SourceSyscall, vars)
	if err != nil {
		return Tracer{}, nil, err
	}

	type entry struct {
		kind events.SourceKind
		cmd  TracerCommand
		want bool
	}
	for _, e := range []entry{
		{kind: events.SourceFileWatch, cmd: cfg.FileWatch, want: !cfg.FileWatch.Disabled},
		{kind: events.SourcePacket, cmd: cfg.Packet, want: captureNetwork && !cfg.Packet.Disabled},
		{kind: events.SourceProcess, cmd: cfg.Process, want: !cfg.Process.Disabled},
	} {
		if !e.want {
			continue
		}
		tracer, err := e.cmd.Render(e.kind, vars)
		if err != nil {
			return Tracer{}, nil, err
		}
		auxiliary = append(auxiliary, tracer)
	}
	return primary, auxiliary, nil
}
