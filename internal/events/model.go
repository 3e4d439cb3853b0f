package events

import "time"

type Category string

const (
	CategorySyscall Category = "syscall"
	CategoryFile    Category = "file"
	CategoryProcess Category = "process"
	CategoryNetwork Category = "network"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Rank orders severities from info (0) to danger (2).
func (s Severity) Rank() int {
	switch s {
	case SeverityDanger:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

type FileOp string

const (
	FileCreate FileOp = "create"
	FileModify FileOp = "modify"
	FileDelete FileOp = "delete"
	FileOpen   FileOp = "open"
	FileAccess FileOp = "access"
)

type ProcessOp string

const (
	ProcessSpawn ProcessOp = "spawn"
	ProcessExec  ProcessOp = "exec"
	ProcessExit  ProcessOp = "exit"
)

type NetworkOp string

const (
	NetworkConnect NetworkOp = "connect"
	NetworkListen  NetworkOp = "listen"
	NetworkAccept  NetworkOp = "accept"
	NetworkDNS     NetworkOp = "dns"
	NetworkPacket  NetworkOp = "packet"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event is a normalized behavioral observation. Exactly one detail pointer is set,
// matching Category. Events are values; once appended to a Log they are never changed.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Subject   string    `json:"subject"`
	Source    string    `json:"source,omitempty"`
	RawDetail string    `json:"raw_detail"`

	Syscall *SyscallDetail `json:"syscall,omitempty"`
	File    *FileDetail    `json:"file,omitempty"`
	Process *ProcessDetail `json:"process,omitempty"`
	Network *NetworkDetail `json:"network,omitempty"`
}

type SyscallDetail struct {
	PID    int      `json:"pid"`
	Name   string   `json:"name"`
	Args   []string `json:"args,omitempty"`
	Path   string   `json:"path,omitempty"`
	Result string   `json:"result,omitempty"`
	// Sleep is the requested duration for sleep-family calls.
	Sleep      time.Duration `json:"sleep,omitempty"`
	Unfinished bool          `json:"unfinished,omitempty"`
}

type FileDetail struct {
	Op   FileOp `json:"op"`
	Path string `json:"path"`
	PID  int    `json:"pid,omitempty"`
}

type ProcessDetail struct {
	Op          ProcessOp `json:"op"`
	PID         int       `json:"pid"`
	ParentPID   int       `json:"parent_pid,omitempty"`
	Name        string    `json:"name,omitempty"`
	CommandLine string    `json:"command_line,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
}

type NetworkDetail struct {
	Op        NetworkOp `json:"op"`
	Protocol  string    `json:"protocol"`
	SrcAddr   string    `json:"src_addr,omitempty"`
	SrcPort   int       `json:"src_port,omitempty"`
	DstAddr   string    `json:"dst_addr,omitempty"`
	DstPort   int       `json:"dst_port,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Query     string    `json:"query,omitempty"`
	PID       int       `json:"pid,omitempty"`
}

// PID returns the process the event is attributed to, or zero when unknown.
func (e Event) PID() int {
	switch {
	case e.Syscall != nil:
		return e.Syscall.PID
	case e.File != nil:
		return e.File.PID
	case e.Process != nil:
		return e.Process.PID
	case e.Network != nil:
		return e.Network.PID
	}
	return 0
}
