package events

import (
	"path"
	"strings"
)

var dangerousSyscalls = map[string]struct{}{
	"ptrace":            {},
	"init_module":       {},
	"finit_module":      {},
	"delete_module":     {},
	"mount":             {},
	"umount2":           {},
	"pivot_root":        {},
	"setns":             {},
	"unshare":           {},
	"kexec_load":        {},
	"kexec_file_load":   {},
	"bpf":               {},
	"reboot":            {},
	"chroot":            {},
	"process_vm_writev": {},
	"iopl":              {},
	"ioperm":            {},
	"settimeofday":      {},
	"clock_settime":     {},
}

var suspiciousSyscalls = map[string]struct{}{
	"memfd_create":    {},
	"execveat":        {},
	"kill":            {},
	"tgkill":          {},
	"prctl":           {},
	"personality":     {},
	"setuid":          {},
	"setgid":          {},
	"setresuid":       {},
	"capset":          {},
	"userfaultfd":     {},
	"perf_event_open": {},
}

// Writes below these prefixes indicate persistence or tampering with the system.
var sensitivePrefixes = []string{
	"/etc/",
	"/root/",
	"/bin/",
	"/sbin/",
	"/usr/",
	"/lib/",
	"/lib64/",
	"/boot/",
	"/var/spool/cron/",
	"/home/",
}

var downloaderNames = map[string]struct{}{
	"sh":      {},
	"bash":    {},
	"dash":    {},
	"busybox": {},
	"wget":    {},
	"curl":    {},
	"nc":      {},
	"ncat":    {},
	"python":  {},
	"python3": {},
	"perl":    {},
	"chmod":   {},
	"crontab": {},
	"insmod":  {},
}

// Ports commonly used for IRC botnets, reverse shells, and stratum mining pools.
var hostilePorts = map[int]struct{}{
	4444:  {},
	1337:  {},
	3333:  {},
	5555:  {},
	6666:  {},
	6667:  {},
	6697:  {},
	14444: {},
	31337: {},
}

func syscallSeverity(name string) Severity {
	if _, ok := dangerousSyscalls[name]; ok {
		return SeverityDanger
	}
	if _, ok := suspiciousSyscalls[name]; ok {
		return SeverityWarning
	}
	return SeverityInfo
}

func fileSeverity(op FileOp, p string) Severity {
	switch op {
	case FileDelete:
		if isSensitivePath(p) {
			return SeverityDanger
		}
		return SeverityWarning
	case FileCreate, FileModify:
		if isSensitivePath(p) {
			return SeverityDanger
		}
	}
	return SeverityInfo
}

func isSensitivePath(p string) bool {
	if !strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	for _, prefix := range sensitivePrefixes {
		if strings.HasPrefix(clean+"/", prefix) {
			return true
		}
	}
	return false
}

func processSeverity(detail ProcessDetail) Severity {
	if detail.Op != ProcessExec {
		return SeverityInfo
	}
	if _, ok := downloaderNames[detail.Name]; ok {
		return SeverityWarning
	}
	return SeverityInfo
}

func networkSeverity(detail NetworkDetail) Severity {
	if _, ok := hostilePorts[detail.DstPort]; ok {
		return SeverityDanger
	}
	switch detail.Op {
	case NetworkConnect, NetworkListen, NetworkAccept:
		return SeverityWarning
	}
	return SeverityInfo
}
