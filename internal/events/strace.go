package events

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Lines follow `strace -f -ttt` output, with or without the leading pid column.
var (
	straceHeaderPID = regexp.MustCompile(`^(?:\[pid\s+)?(\d+)\]?\s+(\d+)\.(\d+)\s+(.*)$`)
	straceHeader    = regexp.MustCompile(`^(\d+)\.(\d+)\s+(.*)$`)
	straceCall      = regexp.MustCompile(`^([a-z_][a-z0-9_]*)\((.*)$`)
	straceResumed   = regexp.MustCompile(`^<\.\.\.\s+([a-z_][a-z0-9_]*)\s+resumed>(.*)$`)
	straceExited    = regexp.MustCompile(`^\+\+\+\s+exited with (-?\d+)\s+\+\+\+$`)
	straceKilled    = regexp.MustCompile(`^\+\+\+\s+killed by (SIG[A-Z0-9]+)`)
	timespecPattern = regexp.MustCompile(`\{(?:tv_sec=)?(\d+),\s*(?:tv_nsec=)?(\d+)\}`)
	sockFamily      = regexp.MustCompile(`sa_family=(AF_[A-Z0-9]+)`)
	sockPort        = regexp.MustCompile(`sin6?_port=htons\((\d+)\)`)
	sockAddr4       = regexp.MustCompile(`inet_addr\("([^"]+)"\)`)
	sockAddr6       = regexp.MustCompile(`inet_pton\(AF_INET6,\s*"([^"]+)"`)
)

const unfinishedMarker = "<unfinished ...>"

// Index of the path argument for file-related syscalls.
var pathArgIndex = map[string]int{
	"open":       0,
	"creat":      0,
	"openat":     1,
	"openat2":    1,
	"stat":       0,
	"lstat":      0,
	"newfstatat": 1,
	"statx":      1,
	"access":     0,
	"faccessat":  1,
	"faccessat2": 1,
	"readlink":   0,
	"readlinkat": 1,
	"unlink":     0,
	"unlinkat":   1,
	"rmdir":      0,
	"rename":     1,
	"renameat":   3,
	"renameat2":  3,
	"mkdir":      0,
	"mkdirat":    1,
	"chmod":      0,
	"fchmodat":   1,
	"truncate":   0,
	"symlink":    1,
	"link":       1,
	"execve":     0,
}

var existenceChecks = map[string]struct{}{
	"stat":       {},
	"lstat":      {},
	"newfstatat": {},
	"statx":      {},
	"access":     {},
	"faccessat":  {},
	"faccessat2": {},
	"readlink":   {},
	"readlinkat": {},
}

type straceLine struct {
	pid        int
	ts         time.Time
	name       string
	args       []string
	result     string
	unfinished bool
}

func parseStraceTimestamp(secs, frac string) (time.Time, error) {
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	for len(frac) < 9 {
		frac += "0"
	}
	ns, err := strconv.ParseInt(frac[:9], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(s, ns).UTC(), nil
}

func (n *Normalizer) normalizeSyscall(raw Raw) []Event {
	line := strings.TrimSpace(raw.Line)
	if line == "" {
		return nil
	}

	var (
		pid  int
		ts   time.Time
		body string
		err  error
	)
	if m := straceHeaderPID.FindStringSubmatch(line); m != nil {
		pid, _ = strconv.Atoi(m[1])
		ts, err = parseStraceTimestamp(m[2], m[3])
		body = m[4]
	} else if m := straceHeader.FindStringSubmatch(line); m != nil {
		ts, err = parseStraceTimestamp(m[1], m[2])
		body = m[3]
	} else {
		return nil
	}
	if err != nil {
		ts = raw.Received
	}

	switch {
	case strings.HasPrefix(body, "---"):
		return nil
	case strings.HasPrefix(body, "+++"):
		return straceExit(pid, ts, body, line)
	case strings.HasPrefix(body, "<..."):
		return n.straceResumed(pid, ts, body, line)
	}

	m := straceCall.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	call := straceLine{pid: pid, ts: ts, name: m[1]}
	rest := m[2]
	if idx := strings.LastIndex(rest, unfinishedMarker); idx >= 0 {
		call.unfinished = true
		rest = strings.TrimRight(strings.TrimSpace(rest[:idx]), ",")
	} else if idx := strings.LastIndex(rest, ") = "); idx >= 0 {
		call.result = strings.TrimSpace(rest[idx+4:])
		rest = rest[:idx]
	} else {
		// Output cut off mid-call, typically when the sandbox was stopped.
		call.unfinished = true
		rest = strings.TrimSuffix(strings.TrimSpace(rest), ",")
	}
	call.args = splitArgs(rest)

	return n.deriveFromSyscall(call, line)
}

func straceExit(pid int, ts time.Time, body, line string) []Event {
	detail := ProcessDetail{Op: ProcessExit, PID: pid}
	if m := straceExited.FindStringSubmatch(body); m != nil {
		detail.ExitCode, _ = strconv.Atoi(m[1])
	} else if m := straceKilled.FindStringSubmatch(body); m != nil {
		detail.ExitCode = 128 + signalNumber(m[1])
	} else {
		return nil
	}
	return []Event{newProcessEvent(ts, detail, line)}
}

func signalNumber(name string) int {
	switch name {
	case "SIGHUP":
		return 1
	case "SIGINT":
		return 2
	case "SIGQUIT":
		return 3
	case "SIGABRT":
		return 6
	case "SIGKILL":
		return 9
	case "SIGSEGV":
		return 11
	case "SIGPIPE":
		return 13
	case "SIGTERM":
		return 15
	}
	return 0
}

// straceResumed only matters for process creation, whose child pid is reported
// when the interrupted clone completes.
func (n *Normalizer) straceResumed(pid int, ts time.Time, body, line string) []Event {
	m := straceResumed.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	name := m[1]
	if !isCloneFamily(name) {
		return nil
	}
	idx := strings.LastIndex(m[2], ") = ")
	if idx < 0 {
		return nil
	}
	child, err := strconv.Atoi(firstField(m[2][idx+4:]))
	if err != nil || child <= 0 {
		return nil
	}
	return []Event{newProcessEvent(ts, ProcessDetail{Op: ProcessSpawn, PID: child, ParentPID: pid}, line)}
}

func isCloneFamily(name string) bool {
	switch name {
	case "clone", "clone3", "fork", "vfork":
		return true
	}
	return false
}

func (n *Normalizer) deriveFromSyscall(call straceLine, line string) []Event {
	detail := &SyscallDetail{
		PID:        call.pid,
		Name:       call.name,
		Args:       call.args,
		Result:     call.result,
		Unfinished: call.unfinished,
	}
	if isSleepCall(call.name) {
		detail.Sleep = sleepDuration(call.args)
	}
	subject := fmt.Sprintf("pid:%d", call.pid)
	if p, ok := pathArgument(call.name, call.args); ok {
		subject = p
		detail.Path = p
	}

	out := []Event{{
		Timestamp: call.ts,
		Category:  CategorySyscall,
		Severity:  syscallSeverity(call.name),
		Subject:   subject,
		RawDetail: line,
		Syscall:   detail,
	}}

	failed := strings.HasPrefix(call.result, "-")
	switch {
	case isCloneFamily(call.name):
		if child, err := strconv.Atoi(firstField(call.result)); err == nil && child > 0 {
			out = append(out, newProcessEvent(call.ts, ProcessDetail{Op: ProcessSpawn, PID: child, ParentPID: call.pid}, line))
		}
	case call.name == "execve" || call.name == "execveat":
		if failed {
			break
		}
		if ev, ok := execEvent(call, line); ok {
			out = append(out, ev)
		}
	case call.name == "socket":
		if !failed && call.result != "" {
			n.sockets[sockKey{call.pid, firstField(call.result)}] = socketProtocol(call.args)
		}
	case call.name == "bind":
		if len(call.args) > 1 {
			if _, port, ok := parseSockaddr(call.args[1]); ok && !failed {
				n.bound[sockKey{call.pid, call.args[0]}] = port
			}
		}
	case call.name == "listen":
		if !failed && len(call.args) > 0 {
			key := sockKey{call.pid, call.args[0]}
			out = append(out, newNetworkEvent(call.ts, NetworkDetail{
				Op:        NetworkListen,
				Protocol:  n.protocolFor(key),
				SrcPort:   n.bound[key],
				Direction: DirectionInbound,
				PID:       call.pid,
			}, line))
		}
	case call.name == "accept" || call.name == "accept4":
		if !failed && len(call.args) > 1 {
			addr, port, _ := parseSockaddr(call.args[1])
			out = append(out, newNetworkEvent(call.ts, NetworkDetail{
				Op:        NetworkAccept,
				Protocol:  n.protocolFor(sockKey{call.pid, call.args[0]}),
				SrcAddr:   addr,
				SrcPort:   port,
				Direction: DirectionInbound,
				PID:       call.pid,
			}, line))
		}
	case call.name == "connect" || call.name == "sendto":
		idx := 1
		if call.name == "sendto" {
			idx = 4
		}
		if len(call.args) <= idx {
			break
		}
		addr, port, ok := parseSockaddr(call.args[idx])
		if !ok || (failed && !strings.Contains(call.result, "EINPROGRESS")) {
			break
		}
		proto := n.protocolFor(sockKey{call.pid, call.args[0]})
		flow := fmt.Sprintf("%d|%s|%s|%d", call.pid, proto, addr, port)
		if call.name == "sendto" {
			if _, dup := n.flows[flow]; dup {
				break
			}
		}
		n.flows[flow] = struct{}{}
		out = append(out, newNetworkEvent(call.ts, NetworkDetail{
			Op:        NetworkConnect,
			Protocol:  proto,
			DstAddr:   addr,
			DstPort:   port,
			Direction: DirectionOutbound,
			PID:       call.pid,
		}, line))
	default:
		if ev, ok := fileEventFromSyscall(call, failed, line); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (n *Normalizer) protocolFor(key sockKey) string {
	if proto, ok := n.sockets[key]; ok {
		return proto
	}
	return "tcp"
}

func fileEventFromSyscall(call straceLine, failed bool, line string) (Event, bool) {
	p, ok := pathArgument(call.name, call.args)
	if !ok || call.unfinished {
		return Event{}, false
	}

	var op FileOp
	switch call.name {
	case "open", "openat", "openat2":
		flagIdx := pathArgIndex[call.name] + 1
		flags := ""
		if flagIdx < len(call.args) {
			flags = call.args[flagIdx]
		}
		switch {
		case strings.Contains(flags, "O_CREAT"):
			op = FileCreate
		case strings.Contains(flags, "O_WRONLY"), strings.Contains(flags, "O_RDWR"),
			strings.Contains(flags, "O_TRUNC"), strings.Contains(flags, "O_APPEND"):
			op = FileModify
		default:
			op = FileOpen
		}
		if failed {
			if op != FileOpen {
				return Event{}, false
			}
			op = FileAccess
		}
	case "creat", "mkdir", "mkdirat", "symlink", "link":
		op = FileCreate
	case "unlink", "unlinkat", "rmdir":
		op = FileDelete
	case "rename", "renameat", "renameat2", "chmod", "fchmodat", "truncate":
		op = FileModify
	default:
		if _, check := existenceChecks[call.name]; !check {
			return Event{}, false
		}
		op = FileAccess
	}
	if failed && op != FileAccess {
		return Event{}, false
	}
	return newFileEvent(call.ts, op, p, call.pid, line), true
}

func execEvent(call straceLine, line string) (Event, bool) {
	idx := 0
	if call.name == "execveat" {
		idx = 1
	}
	if len(call.args) <= idx {
		return Event{}, false
	}
	binary := unquote(call.args[idx])
	cmdline := binary
	if len(call.args) > idx+1 {
		if argv := parseStringArray(call.args[idx+1]); len(argv) > 0 {
			cmdline = strings.Join(argv, " ")
		}
	}
	return newProcessEvent(call.ts, ProcessDetail{
		Op:          ProcessExec,
		PID:         call.pid,
		Name:        path.Base(binary),
		CommandLine: cmdline,
	}, line), true
}

func pathArgument(name string, args []string) (string, bool) {
	idx, ok := pathArgIndex[name]
	if !ok || idx >= len(args) {
		return "", false
	}
	arg := args[idx]
	if !strings.HasPrefix(arg, `"`) {
		return "", false
	}
	p := unquote(arg)
	if p == "" {
		return "", false
	}
	return p, true
}

func isSleepCall(name string) bool {
	switch name {
	case "nanosleep", "clock_nanosleep", "clock_nanosleep_time64":
		return true
	}
	return false
}

func sleepDuration(args []string) time.Duration {
	for _, arg := range args {
		m := timespecPattern.FindStringSubmatch(arg)
		if m == nil {
			continue
		}
		sec, _ := strconv.ParseInt(m[1], 10, 64)
		nsec, _ := strconv.ParseInt(m[2], 10, 64)
		return time.Duration(sec)*time.Second + time.Duration(nsec)
	}
	return 0
}

func socketProtocol(args []string) string {
	if len(args) < 2 {
		return "tcp"
	}
	switch {
	case strings.Contains(args[1], "SOCK_DGRAM"):
		return "udp"
	case strings.Contains(args[1], "SOCK_RAW"):
		return "raw"
	}
	return "tcp"
}

// parseSockaddr extracts an IPv4 or IPv6 endpoint from a strace sockaddr literal.
func parseSockaddr(arg string) (string, int, bool) {
	fam := sockFamily.FindStringSubmatch(arg)
	if fam == nil || (fam[1] != "AF_INET" && fam[1] != "AF_INET6") {
		return "", 0, false
	}
	port := 0
	if m := sockPort.FindStringSubmatch(arg); m != nil {
		port, _ = strconv.Atoi(m[1])
	}
	if m := sockAddr4.FindStringSubmatch(arg); m != nil {
		return m[1], port, true
	}
	if m := sockAddr6.FindStringSubmatch(arg); m != nil {
		return m[1], port, true
	}
	return "", port, true
}

func parseStringArray(arg string) []string {
	arg = strings.TrimSpace(arg)
	if !strings.HasPrefix(arg, "[") {
		return nil
	}
	arg = strings.TrimSuffix(strings.TrimPrefix(arg, "["), "]")
	var out []string
	for _, item := range splitArgs(arg) {
		if strings.HasPrefix(item, `"`) {
			out = append(out, unquote(item))
		}
	}
	return out
}

func unquote(arg string) string {
	arg = strings.TrimSuffix(strings.TrimSpace(arg), "...")
	if s, err := strconv.Unquote(arg); err == nil {
		return s
	}
	return strings.Trim(arg, `"`)
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// splitArgs splits a strace argument list on top-level commas, keeping quoted
// strings and nested braces or brackets intact.
func splitArgs(s string) []string {
	var (
		args    []string
		depth   int
		inQuote bool
		escaped bool
		start   int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			inQuote = true
		case '{', '[', '(':
			depth++
		case '}', ']', ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" {
		args = append(args, tail)
	}
	return args
}
