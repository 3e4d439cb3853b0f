package evasion

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/petri/internal/events"
	"github.com/cochaviz/petri/internal/models"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var base = time.Unix(1700000000, 0).UTC()

func syscallEvent(offset time.Duration, pid int, name, path string, args ...string) events.Event {
	subject := fmt.Sprintf("pid:%d", pid)
	if path != "" {
		subject = path
	}
	return events.Event{
		Timestamp: base.Add(offset),
		Category:  events.CategorySyscall,
		Severity:  events.SeverityInfo,
		Subject:   subject,
		Syscall:   &events.SyscallDetail{PID: pid, Name: name, Path: path, Args: args},
	}
}

func sleepEvent(offset time.Duration, pid int, d time.Duration) events.Event {
	ev := syscallEvent(offset, pid, "nanosleep", "", fmt.Sprintf("{tv_sec=%d, tv_nsec=0}", int(d.Seconds())))
	ev.Syscall.Sleep = d
	return ev
}

func TestHypervisorFlagReadRecordsSingleVmDetection(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		enabled := rapid.Bool().Draw(t, "enabled")
		tier := 0
		if enabled {
			tier = rapid.IntRange(1, 2).Draw(t, "tier")
		}
		cfg, err := models.NewExecutionConfig(30, 256, false, enabled, tier)
		require.NoError(t, err)

		noise := rapid.SliceOfN(rapid.SampledFrom([]string{"read", "write", "mmap", "brk", "close"}), 0, 20).Draw(t, "noise")
		var evs []events.Event
		for i, name := range noise {
			evs = append(evs, syscallEvent(time.Duration(i)*time.Millisecond, 100, name, ""))
		}
		at := rapid.IntRange(0, len(evs)).Draw(t, "position")
		read := syscallEvent(time.Duration(at)*time.Millisecond, 100, "openat", "/proc/cpuinfo", "AT_FDCWD", `"/proc/cpuinfo"`, "O_RDONLY")
		evs = append(evs[:at], append([]events.Event{read}, evs[at:]...)...)

		attempts := NewEngine(nil).Detect(evs, cfg, base)

		var vm []Attempt
		for _, a := range attempts {
			if a.Technique == TechniqueVmDetection {
				vm = append(vm, a)
			}
		}
		require.Len(t, vm, 1)
		require.Equal(t, enabled && tier >= 1, vm[0].Blocked)
		require.Equal(t, "openat", vm[0].TriggerSyscall)
	})
}

func TestDetectSelfTraceAndLongSleep(t *testing.T) {
	t.Parallel()

	cfg := models.ExecutionConfig{TimeoutSecs: 30, MemoryLimitMB: 256, AntiEvasionEnabled: true, AntiEvasionTier: 1}
	evs := []events.Event{
		syscallEvent(500*time.Millisecond, 42, "ptrace", "", "PTRACE_TRACEME", "0", "NULL", "NULL"),
		sleepEvent(time.Second, 42, 120*time.Second),
		sleepEvent(20*time.Second, 42, 120*time.Second),
		sleepEvent(2*time.Second, 42, time.Second),
	}

	attempts := NewEngine(nil).Detect(evs, cfg, base)
	if len(attempts) != 2 {
		t.Fatalf("Detect() returned %d attempts, want 2: %+v", len(attempts), attempts)
	}
	if attempts[0].Technique != TechniqueDebuggerCheck || attempts[0].Blocked {
		t.Fatalf("first attempt = %+v, want unblocked DebuggerCheck at tier 1", attempts[0])
	}
	if attempts[1].Technique != TechniqueTimingEvasion || attempts[1].TriggerSyscall != "nanosleep" {
		t.Fatalf("second attempt = %+v, want TimingEvasion", attempts[1])
	}
}

func TestDetectSelfAttachRequiresOwnPid(t *testing.T) {
	t.Parallel()

	cfg := models.ExecutionConfig{TimeoutSecs: 30, MemoryLimitMB: 256, AntiEvasionEnabled: true, AntiEvasionTier: 2}
	evs := []events.Event{
		syscallEvent(0, 42, "ptrace", "", "PTRACE_ATTACH", "43"),
		syscallEvent(time.Millisecond, 42, "ptrace", "", "PTRACE_ATTACH", "42"),
	}

	attempts := NewEngine(nil).Detect(evs, cfg, base)
	if len(attempts) != 1 {
		t.Fatalf("Detect() returned %d attempts, want 1", len(attempts))
	}
	if attempts[0].SignatureID != "debugger-self-attach" || !attempts[0].Blocked {
		t.Fatalf("attempt = %+v, want blocked self attach", attempts[0])
	}
}

func TestDetectContainerMarkerIsNeverBlocked(t *testing.T) {
	t.Parallel()

	cfg := models.ExecutionConfig{TimeoutSecs: 30, MemoryLimitMB: 256, AntiEvasionEnabled: true, AntiEvasionTier: 2}
	evs := []events.Event{syscallEvent(0, 7, "access", "/.dockerenv", `"/.dockerenv"`, "F_OK")}

	attempts := NewEngine(nil).Detect(evs, cfg, time.Time{})
	if len(attempts) != 1 || attempts[0].Technique != TechniqueContainerDetection || attempts[0].Blocked {
		t.Fatalf("Detect() = %+v", attempts)
	}
}

func TestLoadCatalogYAMLValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "empty", yaml: "signatures: []", wantErr: "no signatures"},
		{
			name: "missing condition",
			yaml: `
signatures:
  - id: x
    technique: VmDetection
    when:
      syscall:
        names: [openat]
`,
			wantErr: "path or argument",
		},
		{
			name: "duplicate id",
			yaml: `
signatures:
  - id: x
    technique: VmDetection
    when: {sleep: {min_duration: 1s}}
  - id: x
    technique: VmDetection
    when: {sleep: {min_duration: 1s}}
`,
			wantErr: "duplicate",
		},
		{
			name: "bad regex",
			yaml: `
signatures:
  - id: x
    technique: VmDetection
    when:
      syscall:
        names: [openat]
        path_regex: '('
`,
			wantErr: "path_regex",
		},
		{
			name: "unmountable proc mask",
			yaml: `
signatures:
  - id: x
    technique: VmDetection
    when: {sleep: {min_duration: 1s}}
artifacts:
  - technique: VmDetection
    artifact: modules
    mask_tier: 1
    mask: {path: /proc/modules, content: ""}
`,
			wantErr: "cannot mount over /proc/modules",
		},
		{
			name: "mask without tier",
			yaml: `
signatures:
  - id: x
    technique: VmDetection
    when: {sleep: {min_duration: 1s}}
artifacts:
  - technique: VmDetection
    artifact: cpuinfo
    mask: {path: /proc/cpuinfo, content: ""}
`,
			wantErr: "needs a mask_tier",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadCatalogYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("LoadCatalogYAML() error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestMasksFollowTier(t *testing.T) {
	t.Parallel()

	catalog := DefaultCatalog()
	if got := catalog.Masks(models.EvasionTierOff); len(got) != 0 {
		t.Fatalf("Masks(0) = %d entries, want none", len(got))
	}
	masks := catalog.Masks(models.EvasionTierMarkers)
	found := false
	for _, m := range masks {
		if m.Path == "/proc/cpuinfo" && m.HostSource == "/proc/cpuinfo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Masks(1) missing /proc/cpuinfo: %+v", masks)
	}
	for _, a := range HiddenVMArtifacts() {
		if a.MaskTier == models.EvasionTierOff {
			t.Fatalf("HiddenVMArtifacts() contains unmasked artifact %q", a.Artifact)
		}
	}
}

func TestBlockedOnlyWhereATierIntercepts(t *testing.T) {
	t.Parallel()

	cfg := models.ExecutionConfig{TimeoutSecs: 30, MemoryLimitMB: 256, AntiEvasionEnabled: true, AntiEvasionTier: 2}
	evs := []events.Event{
		syscallEvent(0, 42, "openat", "/proc/scsi/scsi", "AT_FDCWD", `"/proc/scsi/scsi"`, "O_RDONLY"),
		syscallEvent(time.Millisecond, 42, "openat", "/proc/modules", "AT_FDCWD", `"/proc/modules"`, "O_RDONLY"),
		syscallEvent(2*time.Millisecond, 42, "openat", "/proc/self/status", "AT_FDCWD", `"/proc/self/status"`, "O_RDONLY"),
		syscallEvent(3*time.Millisecond, 42, "ptrace", "", "PTRACE_TRACEME", "0", "NULL", "NULL"),
		sleepEvent(4*time.Millisecond, 42, 120*time.Second),
	}

	got := make(map[string]bool)
	for _, a := range NewEngine(nil).Detect(evs, cfg, base) {
		got[a.SignatureID] = a.Blocked
	}
	want := map[string]bool{
		"vm-scsi-vendor":     false,
		"vm-guest-modules":   false,
		"debugger-tracerpid": false,
		"debugger-traceme":   true,
		"timing-long-sleep":  true,
	}
	require.Equal(t, want, got)
}

func TestBuiltinMasksAreMountable(t *testing.T) {
	t.Parallel()

	for _, m := range DefaultCatalog().Masks(models.MaxEvasionTier) {
		if strings.HasPrefix(m.Path, "/proc/") {
			if _, ok := procMountable[m.Path]; !ok {
				t.Fatalf("builtin mask over %s cannot be mounted", m.Path)
			}
		}
	}
}
