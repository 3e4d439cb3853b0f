package scoring

import (
	"path"
	"sort"
	"strings"

	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/events"
	"github.com/cochaviz/petri/internal/policy"
)

// Technique is an ATT&CK technique the analysis can attribute behavior to.
type Technique struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Tactic     string  `json:"tactic"`
	Confidence float64 `json:"confidence"`
}

// TechniqueMatch is a technique observed in one run, with a few example subjects.
type TechniqueMatch struct {
	Technique
	Count    int      `json:"count"`
	Evidence []string `json:"evidence,omitempty"`
}

const maxEvidence = 3

type eventMatcher func(ev events.Event) bool

type techniqueRule struct {
	technique Technique
	event     eventMatcher
	evasion   []evasion.Technique
}

var shellNames = set("sh", "bash", "dash", "zsh", "ash", "busybox", "ksh")
var downloaders = set("wget", "curl", "tftp", "ftp", "scp", "nc", "ncat", "socat")
var discoveryNames = set("uname", "hostname", "hostnamectl", "lscpu", "lsb_release", "dmidecode", "systemd-detect-virt", "virt-what")
var processDiscoveryNames = set("ps", "pgrep", "pidof", "top")
var escapeSyscalls = set("mount", "umount2", "setns", "unshare", "pivot_root", "open_by_handle_at")
var moduleSyscalls = set("init_module", "finit_module", "delete_module")
var permissionSyscalls = set("chmod", "fchmod", "fchmodat", "chown", "fchown", "fchownat", "lchown")
var appPorts = map[int]struct{}{21: {}, 25: {}, 53: {}, 80: {}, 443: {}, 587: {}, 8080: {}, 8443: {}}

var techniqueRules = []techniqueRule{
	{
		technique: Technique{ID: "T1497.001", Name: "Virtualization/Sandbox Evasion: System Checks", Tactic: "defense-evasion", Confidence: 0.9},
		evasion:   []evasion.Technique{evasion.TechniqueVmDetection, evasion.TechniqueContainerDetection},
	},
	{
		technique: Technique{ID: "T1622", Name: "Debugger Evasion", Tactic: "defense-evasion", Confidence: 0.85},
		evasion:   []evasion.Technique{evasion.TechniqueDebuggerCheck},
	},
	{
		technique: Technique{ID: "T1497.003", Name: "Virtualization/Sandbox Evasion: Time Based Evasion", Tactic: "defense-evasion", Confidence: 0.7},
		evasion:   []evasion.Technique{evasion.TechniqueTimingEvasion},
	},
	{
		technique: Technique{ID: "T1059.004", Name: "Command and Scripting Interpreter: Unix Shell", Tactic: "execution", Confidence: 0.8},
		event:     execOf(shellNames),
	},
	{
		technique: Technique{ID: "T1053.003", Name: "Scheduled Task/Job: Cron", Tactic: "persistence", Confidence: 0.9},
		event: anyOf(
			writeUnder("/etc/cron", "/var/spool/cron", "/etc/crontab"),
			execOf(set("crontab")),
		),
	},
	{
		technique: Technique{ID: "T1543.002", Name: "Create or Modify System Process: Systemd Service", Tactic: "persistence", Confidence: 0.85},
		event: anyOf(
			writeUnder("/etc/systemd/system", "/lib/systemd/system", "/usr/lib/systemd/system", "/run/systemd/system"),
			execOf(set("systemctl")),
		),
	},
	{
		technique: Technique{ID: "T1098.004", Name: "Account Manipulation: SSH Authorized Keys", Tactic: "persistence", Confidence: 0.9},
		event:     writeContaining(".ssh/authorized_keys"),
	},
	{
		technique: Technique{ID: "T1070.004", Name: "Indicator Removal: File Deletion", Tactic: "defense-evasion", Confidence: 0.6},
		event: func(ev events.Event) bool {
			return ev.File != nil && ev.File.Op == events.FileDelete &&
				(ev.File.Path == policy.SamplePath || strings.HasPrefix(ev.File.Path, "/var/log/"))
		},
	},
	{
		technique: Technique{ID: "T1071", Name: "Application Layer Protocol", Tactic: "command-and-control", Confidence: 0.5},
		event: func(ev events.Event) bool {
			if ev.Network == nil || ev.Network.Direction == events.DirectionInbound {
				return false
			}
			if ev.Network.Op == events.NetworkDNS {
				return true
			}
			_, ok := appPorts[ev.Network.DstPort]
			return ok && isConnection(ev.Network.Op)
		},
	},
	{
		technique: Technique{ID: "T1095", Name: "Non-Application Layer Protocol", Tactic: "command-and-control", Confidence: 0.5},
		event: func(ev events.Event) bool {
			if ev.Network == nil || ev.Network.Direction == events.DirectionInbound || !isConnection(ev.Network.Op) {
				return false
			}
			if ev.Network.Protocol == "icmp" || ev.Network.Protocol == "raw" {
				return true
			}
			_, ok := appPorts[ev.Network.DstPort]
			return !ok && ev.Network.DstPort > 0
		},
	},
	{
		technique: Technique{ID: "T1105", Name: "Ingress Tool Transfer", Tactic: "command-and-control", Confidence: 0.75},
		event:     execOf(downloaders),
	},
	{
		technique: Technique{ID: "T1082", Name: "System Information Discovery", Tactic: "discovery", Confidence: 0.6},
		event: anyOf(
			execOf(discoveryNames),
			readOf("/etc/os-release", "/proc/version", "/etc/issue", "/etc/lsb-release"),
		),
	},
	{
		technique: Technique{ID: "T1057", Name: "Process Discovery", Tactic: "discovery", Confidence: 0.6},
		event:     execOf(processDiscoveryNames),
	},
	{
		technique: Technique{ID: "T1547.006", Name: "Boot or Logon Autostart Execution: Kernel Modules and Extensions", Tactic: "persistence", Confidence: 0.9},
		event: anyOf(
			syscallOf(moduleSyscalls),
			execOf(set("insmod", "modprobe", "rmmod")),
		),
	},
	{
		technique: Technique{ID: "T1611", Name: "Escape to Host", Tactic: "privilege-escalation", Confidence: 0.8},
		event: anyOf(
			syscallOf(escapeSyscalls),
			readOf("/var/run/docker.sock", "/run/docker.sock"),
		),
	},
	{
		technique: Technique{ID: "T1222.002", Name: "File and Directory Permissions Modification: Linux and Mac", Tactic: "defense-evasion", Confidence: 0.55},
		event: anyOf(
			syscallOf(permissionSyscalls),
			execOf(set("chmod", "chown", "chattr")),
		),
	},
}

// Techniques returns the catalog of techniques the mapper can report.
func Techniques() []Technique {
	out := make([]Technique, 0, len(techniqueRules))
	for _, r := range techniqueRules {
		out = append(out, r.technique)
	}
	return out
}

// MapTechniques attributes events and evasion attempts to ATT&CK techniques.
// Matches are ordered by technique ID.
func MapTechniques(evs []events.Event, attempts []evasion.Attempt) []TechniqueMatch {
	var out []TechniqueMatch
	for _, rule := range techniqueRules {
		match := TechniqueMatch{Technique: rule.technique}
		if rule.event != nil {
			for _, ev := range evs {
				if rule.event(ev) {
					match.add(ev.Subject)
				}
			}
		}
		for _, attempt := range attempts {
			for _, tech := range rule.evasion {
				if attempt.Technique == tech {
					match.add(attempt.Description)
				}
			}
		}
		if match.Count > 0 {
			out = append(out, match)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *TechniqueMatch) add(evidence string) {
	m.Count++
	if evidence == "" || len(m.Evidence) >= maxEvidence {
		return
	}
	for _, e := range m.Evidence {
		if e == evidence {
			return
		}
	}
	m.Evidence = append(m.Evidence, evidence)
}

func set(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func execOf(names map[string]struct{}) eventMatcher {
	return func(ev events.Event) bool {
		if ev.Process == nil || ev.Process.Op != events.ProcessExec {
			return false
		}
		_, ok := names[path.Base(ev.Process.Name)]
		return ok
	}
}

func syscallOf(names map[string]struct{}) eventMatcher {
	return func(ev events.Event) bool {
		if ev.Syscall == nil {
			return false
		}
		_, ok := names[ev.Syscall.Name]
		return ok
	}
}

func writeUnder(prefixes ...string) eventMatcher {
	return func(ev events.Event) bool {
		if ev.File == nil || !isWrite(ev.File.Op) {
			return false
		}
		for _, p := range prefixes {
			if strings.HasPrefix(ev.File.Path, p) {
				return true
			}
		}
		return false
	}
}

func writeContaining(fragment string) eventMatcher {
	return func(ev events.Event) bool {
		return ev.File != nil && isWrite(ev.File.Op) && strings.Contains(ev.File.Path, fragment)
	}
}

func readOf(paths ...string) eventMatcher {
	return func(ev events.Event) bool {
		if ev.File == nil {
			return false
		}
		for _, p := range paths {
			if ev.File.Path == p {
				return true
			}
		}
		return false
	}
}

func anyOf(matchers ...eventMatcher) eventMatcher {
	return func(ev events.Event) bool {
		for _, m := range matchers {
			if m(ev) {
				return true
			}
		}
		return false
	}
}

func isWrite(op events.FileOp) bool {
	return op == events.FileCreate || op == events.FileModify || op == events.FileDelete
}
