package evasion

import (
	"embed"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cochaviz/petri/internal/models"

	"gopkg.in/yaml.v3"
)

const builtinCatalogFile = "catalog/signatures.yaml"

//go:embed catalog/*.yaml
var catalogFS embed.FS

type Technique string

const (
	TechniqueVmDetection        Technique = "VmDetection"
	TechniqueDebuggerCheck      Technique = "DebuggerCheck"
	TechniqueTimingEvasion      Technique = "TimingEvasion"
	TechniqueContainerDetection Technique = "ContainerDetection"
)

// Signature describes one anti-analysis pattern over the normalized event stream.
// MaskTier is the lowest anti-evasion tier that intercepts the signal it reads; zero
// means no tier masks it.
type Signature struct {
	ID          string             `yaml:"id"`
	Technique   Technique          `yaml:"technique"`
	Description string             `yaml:"description"`
	MaskTier    models.EvasionTier `yaml:"mask_tier"`
	When        WhenClause         `yaml:"when"`
}

type WhenClause struct {
	Syscall *SyscallWhen `yaml:"syscall,omitempty"`
	Sleep   *SleepWhen   `yaml:"sleep,omitempty"`
}

type SyscallWhen struct {
	Names          []string `yaml:"names"`
	PathIn         []string `yaml:"path_in"`
	PathPrefix     []string `yaml:"path_prefix"`
	PathRegex      string   `yaml:"path_regex"`
	ArgsContain    []string `yaml:"args_contain"`
	ArgsContainAny []string `yaml:"args_contain_any"`
	// SelfTarget requires the pid argument to equal the calling pid.
	SelfTarget bool `yaml:"self_target"`

	names   map[string]struct{}
	pathRE  *regexp.Regexp
	hasPath bool
}

type SleepWhen struct {
	MinDuration time.Duration `yaml:"min_duration"`
	Within      time.Duration `yaml:"within"`
}

// Artifact is an entry of the static list of markers the anti-evasion layer hides.
type Artifact struct {
	Technique Technique          `yaml:"technique" json:"technique"`
	Artifact  string             `yaml:"artifact" json:"artifact"`
	Location  string             `yaml:"location" json:"location"`
	MaskTier  models.EvasionTier `yaml:"mask_tier" json:"mask_tier"`
	Masking   string             `yaml:"masking" json:"masking"`
	Mask      *Mask              `yaml:"mask,omitempty" json:"-"`
}

// Mask replaces a file visible inside the sandbox. The content is either static or
// a copy of HostSource with every Strip token removed.
type Mask struct {
	Path       string   `yaml:"path"`
	HostSource string   `yaml:"host_source"`
	Strip      []string `yaml:"strip"`
	Content    string   `yaml:"content"`
}

type Catalog struct {
	Signatures []Signature `yaml:"signatures"`
	Artifacts  []Artifact  `yaml:"artifacts"`
}

var builtin *Catalog

func init() {
	b, err := catalogFS.ReadFile(builtinCatalogFile)
	if err != nil {
		panic(fmt.Sprintf("read builtin evasion catalog (%s): %v", builtinCatalogFile, err))
	}
	c, err := LoadCatalogYAML(b)
	if err != nil {
		panic(fmt.Sprintf("builtin evasion catalog: %v", err))
	}
	builtin = c
}

// DefaultCatalog returns the embedded catalog. Callers must not modify it.
func DefaultCatalog() *Catalog {
	return builtin
}

func LoadCatalogYAML(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse evasion catalog yaml: %w", err)
	}
	if len(c.Signatures) == 0 {
		return nil, fmt.Errorf("no signatures in yaml")
	}
	seen := map[string]struct{}{}
	for i := range c.Signatures {
		s := &c.Signatures[i]
		if err := validateAndCompileSignature(s); err != nil {
			return nil, fmt.Errorf("signature %q: %w", strings.TrimSpace(s.ID), err)
		}
		if _, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("duplicate signature id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	for i, a := range c.Artifacts {
		if strings.TrimSpace(a.Artifact) == "" {
			return nil, fmt.Errorf("artifact %d: missing artifact", i)
		}
		if a.Mask != nil {
			if err := validateMask(a); err != nil {
				return nil, fmt.Errorf("artifact %q: %w", a.Artifact, err)
			}
		}
	}
	return &c, nil
}

// procMountable lists the /proc files a container runtime lets a bind mount
// cover. runc refuses any other mount destination inside /proc.
var procMountable = map[string]struct{}{
	"/proc/cpuinfo":                {},
	"/proc/diskstats":              {},
	"/proc/meminfo":                {},
	"/proc/stat":                   {},
	"/proc/swaps":                  {},
	"/proc/uptime":                 {},
	"/proc/loadavg":                {},
	"/proc/slabinfo":               {},
	"/proc/net/dev":                {},
	"/proc/sys/kernel/ns_last_pid": {},
}

func validateMask(a Artifact) error {
	p := a.Mask.Path
	if !strings.HasPrefix(p, "/") || path.Clean(p) != p {
		return fmt.Errorf("mask path %q must be absolute and clean", p)
	}
	if a.MaskTier == models.EvasionTierOff {
		return fmt.Errorf("mask on %s needs a mask_tier", p)
	}
	if strings.HasPrefix(p, "/proc/") {
		if _, ok := procMountable[p]; !ok {
			return fmt.Errorf("cannot mount over %s inside a container", p)
		}
	}
	return nil
}

func validateAndCompileSignature(s *Signature) error {
	s.ID = strings.TrimSpace(s.ID)
	s.Description = strings.TrimSpace(s.Description)
	if s.ID == "" {
		return fmt.Errorf("missing id")
	}
	if s.Technique == "" {
		return fmt.Errorf("missing technique")
	}
	if s.MaskTier < 0 || s.MaskTier > models.MaxEvasionTier {
		return fmt.Errorf("invalid mask_tier %d", s.MaskTier)
	}

	switch {
	case s.When.Syscall != nil && s.When.Sleep != nil:
		return fmt.Errorf("when: only one of syscall/sleep may be set")
	case s.When.Syscall != nil:
		return compileSyscallWhen(s.When.Syscall)
	case s.When.Sleep != nil:
		if s.When.Sleep.MinDuration <= 0 {
			return fmt.Errorf("sleep.min_duration must be positive")
		}
		return nil
	}
	return fmt.Errorf("when: one of syscall/sleep is required")
}

func compileSyscallWhen(w *SyscallWhen) error {
	if len(w.Names) == 0 {
		return fmt.Errorf("syscall.names is required")
	}
	w.names = make(map[string]struct{}, len(w.Names))
	for _, name := range w.Names {
		w.names[strings.TrimSpace(name)] = struct{}{}
	}

	set := 0
	if len(w.PathIn) > 0 {
		set++
	}
	if len(w.PathPrefix) > 0 {
		set++
	}
	if strings.TrimSpace(w.PathRegex) != "" {
		set++
		re, err := regexp.Compile(w.PathRegex)
		if err != nil {
			return fmt.Errorf("syscall.path_regex: %w", err)
		}
		w.pathRE = re
	}
	if set > 1 {
		return fmt.Errorf("syscall: only one of path_in/path_prefix/path_regex may be set")
	}
	w.hasPath = set == 1
	if !w.hasPath && len(w.ArgsContain) == 0 && len(w.ArgsContainAny) == 0 {
		return fmt.Errorf("syscall: a path or argument condition is required")
	}
	return nil
}

// ArtifactList returns a copy of the documented artifact list.
func (c *Catalog) ArtifactList() []Artifact {
	out := make([]Artifact, len(c.Artifacts))
	copy(out, c.Artifacts)
	return out
}

// Masks returns the file masks active at the given tier.
func (c *Catalog) Masks(tier models.EvasionTier) []Mask {
	var out []Mask
	for _, a := range c.Artifacts {
		if a.Mask == nil || a.MaskTier == models.EvasionTierOff || a.MaskTier > tier {
			continue
		}
		m := *a.Mask
		m.Strip = append([]string(nil), a.Mask.Strip...)
		out = append(out, m)
	}
	return out
}

// HiddenVMArtifacts is the static list of artifacts the anti-evasion layer obfuscates.
// Entries no tier masks are left out.
func HiddenVMArtifacts() []Artifact {
	var out []Artifact
	for _, a := range builtin.ArtifactList() {
		if a.MaskTier > models.EvasionTierOff {
			out = append(out, a)
		}
	}
	return out
}
