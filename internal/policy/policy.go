package policy

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/models"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type NetworkMode string

const (
	NetworkNone           NetworkMode = "none"
	NetworkIsolatedBridge NetworkMode = "isolated-bridge"
)

const (
	InputDir       = "/sandbox/input"
	OutputDir      = "/sandbox/output"
	ScreenshotsDir = "/sandbox/screenshots"
	MemdumpsDir    = "/sandbox/memdumps"

	SamplePath = InputDir + "/sample"
)

const (
	defaultCPUShares = 1024
	defaultCPUs      = 1.0
	defaultMaxPIDs   = 128
)

// Mount is a memory-backed writable mount point with a hard size cap.
type Mount struct {
	Destination string   `json:"destination"`
	SizeMB      int      `json:"size_mb"`
	Options     []string `json:"options"`
}

type ResourceLimits struct {
	MemoryMB  int     `json:"memory_mb"`
	NoSwap    bool    `json:"no_swap"`
	CPUShares int     `json:"cpu_shares"`
	CPUs      float64 `json:"cpus"`
	MaxPIDs   int     `json:"max_pids"`
}

// SecurityPolicy is the hardened execution envelope of a single run.
type SecurityPolicy struct {
	AllowedSyscalls  []string       `json:"allowed_syscalls"`
	BlockedSyscalls  []string       `json:"blocked_syscalls"`
	CapabilitiesAdd  []string       `json:"capabilities_add"`
	CapabilitiesDrop []string       `json:"capabilities_drop"`
	ReadOnlyRoot     bool           `json:"read_only_root"`
	NoNewPrivileges  bool           `json:"no_new_privileges"`
	Mounts           []Mount        `json:"mounts"`
	Masks            []evasion.Mask `json:"masks,omitempty"`
	NetworkMode      NetworkMode    `json:"network_mode"`
	Resources        ResourceLimits `json:"resource_limits"`
}

// Build derives the policy for a run. It has no side effects and returns a
// ConfigurationError when cfg is out of bounds.
func Build(cfg models.ExecutionConfig) (SecurityPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return SecurityPolicy{}, err
	}

	blocked := dedupe(escapeSyscalls)
	blockedSet := make(map[string]struct{}, len(blocked))
	for _, name := range blocked {
		blockedSet[name] = struct{}{}
	}
	var allowed []string
	for _, name := range dedupe(baselineSyscalls) {
		if _, deny := blockedSet[name]; !deny {
			allowed = append(allowed, name)
		}
	}

	p := SecurityPolicy{
		AllowedSyscalls:  allowed,
		BlockedSyscalls:  blocked,
		CapabilitiesAdd:  capabilitiesFor(cfg),
		CapabilitiesDrop: []string{"ALL"},
		ReadOnlyRoot:     true,
		NoNewPrivileges:  true,
		Mounts:           scratchMounts(cfg.MemoryLimitMB),
		Masks:            evasion.DefaultCatalog().Masks(cfg.ActiveTier()),
		NetworkMode:      NetworkNone,
		Resources: ResourceLimits{
			MemoryMB:  cfg.MemoryLimitMB,
			NoSwap:    true,
			CPUShares: defaultCPUShares,
			CPUs:      defaultCPUs,
			MaxPIDs:   defaultMaxPIDs,
		},
	}
	if cfg.CaptureNetwork {
		p.NetworkMode = NetworkIsolatedBridge
	}
	return p, nil
}

func capabilitiesFor(cfg models.ExecutionConfig) []string {
	caps := []string{"SYS_PTRACE"}
	if cfg.CaptureNetwork {
		caps = append(caps, "NET_RAW", "NET_ADMIN")
	}
	return caps
}

func scratchMounts(memoryMB int) []Mount {
	dumpMB := memoryMB
	if dumpMB > 1024 {
		dumpMB = 1024
	}
	noexec := []string{"rw", "noexec", "nosuid", "nodev"}
	return []Mount{
		{Destination: InputDir, SizeMB: 64, Options: []string{"rw", "exec", "nosuid", "nodev"}},
		{Destination: OutputDir, SizeMB: 128, Options: noexec},
		{Destination: ScreenshotsDir, SizeMB: 32, Options: noexec},
		{Destination: MemdumpsDir, SizeMB: dumpMB, Options: noexec},
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks the structural invariants every policy must satisfy.
func (p SecurityPolicy) Validate() error {
	allowed := make(map[string]struct{}, len(p.AllowedSyscalls))
	for _, name := range p.AllowedSyscalls {
		allowed[name] = struct{}{}
	}
	for _, name := range p.BlockedSyscalls {
		if _, ok := allowed[name]; ok {
			return fmt.Errorf("syscall %q is both allowed and blocked", name)
		}
	}
	if _, ok := allowed["ptrace"]; !ok {
		return fmt.Errorf("ptrace must be allowed for tracing")
	}
	if p.Resources.MemoryMB <= 0 || p.Resources.MaxPIDs <= 0 || p.Resources.CPUs <= 0 {
		return fmt.Errorf("resource limits must be set")
	}
	if !p.ReadOnlyRoot {
		return fmt.Errorf("root filesystem must be read-only")
	}
	for _, m := range p.Mounts {
		if m.SizeMB <= 0 {
			return fmt.Errorf("mount %s has no size cap", m.Destination)
		}
	}
	return nil
}

// Seccomp renders the syscall filter in OCI form: deny with an errno by default,
// allowing only the listed calls. Blocked calls are left out of the document.
func (p SecurityPolicy) Seccomp() *specs.LinuxSeccomp {
	return &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Architectures: []specs.Arch{
			specs.ArchX86_64,
			specs.ArchX86,
			specs.ArchX32,
			specs.ArchAARCH64,
			specs.ArchARM,
		},
		Syscalls: []specs.LinuxSyscall{
			{
				Names:  append([]string(nil), p.AllowedSyscalls...),
				Action: specs.ActAllow,
			},
		},
	}
}

// SeccompJSON is the profile document handed to the container runtime.
func (p SecurityPolicy) SeccompJSON() ([]byte, error) {
	data, err := json.MarshalIndent(p.Seccomp(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode seccomp profile: %w", err)
	}
	return data, nil
}

// OCIMounts expresses the scratch mounts as OCI tmpfs mounts.
func (p SecurityPolicy) OCIMounts() []specs.Mount {
	out := make([]specs.Mount, 0, len(p.Mounts))
	for _, m := range p.Mounts {
		opts := append([]string(nil), m.Options...)
		opts = append(opts, fmt.Sprintf("size=%dm", m.SizeMB))
		out = append(out, specs.Mount{
			Destination: m.Destination,
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     opts,
		})
	}
	return out
}

// OCIResources expresses the resource limits as OCI cgroup settings.
func (p SecurityPolicy) OCIResources() *specs.LinuxResources {
	memory := int64(p.Resources.MemoryMB) * 1024 * 1024
	swap := memory
	if !p.Resources.NoSwap {
		swap = -1
	}
	shares := uint64(p.Resources.CPUShares)
	period := uint64(100000)
	quota := int64(p.Resources.CPUs * float64(period))
	return &specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &memory, Swap: &swap},
		CPU:    &specs.LinuxCPU{Shares: &shares, Quota: &quota, Period: &period},
		Pids:   &specs.LinuxPids{Limit: int64(p.Resources.MaxPIDs)},
	}
}
