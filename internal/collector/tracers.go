package collector

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"unicode"

	"github.com/cochaviz/petri/internal/events"
)

type VariableName = string

const (
	VarSamplePath VariableName = "SamplePath"
	VarWatchPaths VariableName = "WatchPaths"
	VarInterface  VariableName = "Interface"
	VarSessionID  VariableName = "SessionID"
	// VarInterception carries the syscall tampering flags of the behavior tier.
	VarInterception VariableName = "Interception"
)

// BehaviorInterception makes strace skip self-trace and sleep calls and report
// success, so debugger checks see no tracer and long sleeps return at once.
const BehaviorInterception = `-e inject=ptrace:retval=0 -e inject=nanosleep,clock_nanosleep:retval=0`

// MissingRequiredVariablesError lists template variables a tracer needs but did not get.
type MissingRequiredVariablesError struct {
	Tracer    string
	Variables []VariableName
}

func (e *MissingRequiredVariablesError) Error() string {
	return fmt.Sprintf("tracer %s missing required variables: %s", e.Tracer, strings.Join(e.Variables, ", "))
}

// TracerCommand is a shell command template run inside the sandbox. Its combined
// output is parsed according to the tracer kind.
type TracerCommand struct {
	Command  string         `yaml:"command"`
	Requires []VariableName `yaml:"requires,omitempty"`
	Disabled bool           `yaml:"disabled,omitempty"`
}

// TracerConfig holds one command per trace source. The syscall tracer also runs
// the sample, so its exit marks the end of the sample's main process.
type TracerConfig struct {
	Syscall   TracerCommand `yaml:"syscall"`
	FileWatch TracerCommand `yaml:"filewatch"`
	Packet    TracerCommand `yaml:"packet"`
	Process   TracerCommand `yaml:"process"`
}

func DefaultTracers() TracerConfig {
	return TracerConfig{
		Syscall: TracerCommand{
			Command: `exec 3>&2; exec strace -f -q -ttt -s 256 -o /dev/fd/3 ` +
				`-e trace=%process,%file,%network,ptrace,nanosleep,clock_nanosleep,memfd_create,` +
				`mount,umount2,setns,unshare,init_module,finit_module,bpf,kill,prctl {{.Interception}} ` +
				`-- {{.SamplePath}} >/dev/null 2>&1`,
			Requires: []VariableName{VarSamplePath},
		},
		FileWatch: TracerCommand{
			Command: `exec inotifywait -m -r -q --timefmt %s --format '%T %e %w%f' ` +
				`-e create,modify,delete,moved_to,moved_from,close_write {{.WatchPaths}}`,
			Requires: []VariableName{VarWatchPaths},
		},
		Packet: TracerCommand{
			Command: `exec tcpdump -i {{.Interface}} -tt -n -l -U 2>/dev/null`,
			Requires: []VariableName{VarInterface},
		},
		Process: TracerCommand{
			Command:  `exec execsnoop -t`,
			Disabled: true,
		},
	}
}

// WithDefaults fills commands left empty with the default ones.
func (c TracerConfig) WithDefaults() TracerConfig {
	d := DefaultTracers()
	if strings.TrimSpace(c.Syscall.Command) == "" {
		c.Syscall = d.Syscall
	}
	if strings.TrimSpace(c.FileWatch.Command) == "" {
		c.FileWatch.Command = d.FileWatch.Command
		c.FileWatch.Requires = d.FileWatch.Requires
	}
	if strings.TrimSpace(c.Packet.Command) == "" {
		c.Packet.Command = d.Packet.Command
		c.Packet.Requires = d.Packet.Requires
	}
	if strings.TrimSpace(c.Process.Command) == "" {
		c.Process = d.Process
	}
	return c
}

// References reports whether the command template uses the variable.
func (t TracerCommand) References(name VariableName) bool {
	return strings.Contains(t.Command, "."+name)
}

// Tracer is a rendered, ready to exec tracer.
type Tracer struct {
	Name string
	Kind events.SourceKind
	Args []string
}

// Render expands the command template with vars. The result is run through sh -c.
func (t TracerCommand) Render(kind events.SourceKind, vars map[VariableName]string) (Tracer, error) {
	command := strings.TrimSpace(t.Command)
	if command == "" {
		return Tracer{}, errors.New("command template is required")
	}
	name := tracerLabel(command)
	if name == "" {
		name = string(kind)
	}

	var missing []VariableName
	for _, req := range t.Requires {
		if strings.TrimSpace(vars[req]) == "" {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return Tracer{}, &MissingRequiredVariablesError{Tracer: name, Variables: missing}
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(command)
	if err != nil {
		return Tracer{}, fmt.Errorf("parse tracer command template: %w", err)
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, vars); err != nil {
		return Tracer{}, fmt.Errorf("render tracer command: %w", err)
	}
	out := strings.TrimSpace(rendered.String())
	if out == "" {
		return Tracer{}, errors.New("tracer command rendered empty")
	}
	return Tracer{Name: name, Kind: kind, Args: []string{"sh", "-c", out}}, nil
}

// tracerLabel names a tracer after the first program its command runs.
func tracerLabel(command string) string {
	for _, field := range strings.Fields(command) {
		field = strings.TrimSuffix(field, ";")
		switch {
		case field == "exec", strings.Contains(field, ">"), strings.Contains(field, "&"):
			continue
		}
		return sanitizeLabel(filepath.Base(field))
	}
	return ""
}

func sanitizeLabel(value string) string {
	var builder strings.Builder
	for _, r := range value {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-' || r == '_':
			builder.WriteRune(r)
		case r == '/' || r == '\\' || r == ' ' || r == ':' || r == '.':
			builder.WriteRune('-')
		}
	}
	return strings.Trim(builder.String(), "-_")
}
