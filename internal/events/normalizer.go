package events

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// SourceKind identifies the tracer format a raw line was produced by.
type SourceKind string

const (
	SourceSyscall   SourceKind = "syscall"
	SourceFileWatch SourceKind = "filewatch"
	SourcePacket    SourceKind = "packet"
	SourceProcess   SourceKind = "process"
)

// Raw is one line of tracer output as it arrived from a source.
type Raw struct {
	Source   string
	Kind     SourceKind
	Line     string
	Received time.Time
}

// dedupeWindow bounds how far apart two sources may report the same file or
// process observation and still be treated as one.
const dedupeWindow = 2 * time.Second

type seenKey struct {
	kind SourceKind
	at   time.Time
}

type sockKey struct {
	pid int
	fd  string
}

// Normalizer turns raw tracer lines into typed events. It keeps per-session
// state (open sockets, cross-source duplicates) and is not safe for concurrent use;
// the collector feeds it from a single goroutine.
type Normalizer struct {
	watched []string
	seen    map[string]seenKey
	created map[string]time.Time
	sockets map[sockKey]string
	bound   map[sockKey]int
	flows   map[string]struct{}
}

// NewNormalizer returns a normalizer for one session. Read-only opens and
// existence checks outside watchPaths stay syscall events and are not counted
// as file operations; with no watch paths every path is in scope.
func NewNormalizer(watchPaths ...string) *Normalizer {
	var watched []string
	for _, p := range watchPaths {
		if p = strings.TrimSpace(p); p != "" {
			watched = append(watched, path.Clean(p))
		}
	}
	return &Normalizer{
		watched: watched,
		seen:    make(map[string]seenKey),
		created: make(map[string]time.Time),
		sockets: make(map[sockKey]string),
		bound:   make(map[sockKey]int),
		flows:   make(map[string]struct{}),
	}
}

// Normalize parses one raw line. Lines that carry no behavior, or that a different
// source already reported, produce no events.
func (n *Normalizer) Normalize(raw Raw) []Event {
	if raw.Received.IsZero() {
		raw.Received = time.Now().UTC()
	}

	var out []Event
	switch raw.Kind {
	case SourceSyscall:
		out = n.normalizeSyscall(raw)
	case SourceFileWatch:
		out = n.normalizeFileWatch(raw)
	case SourcePacket:
		out = n.normalizePacket(raw)
	case SourceProcess:
		out = n.normalizeProcess(raw)
	default:
		return nil
	}

	kept := out[:0]
	for _, ev := range out {
		if ev.File != nil && !n.inScope(ev.File) {
			continue
		}
		if n.duplicate(raw.Kind, ev) {
			continue
		}
		ev.Source = raw.Source
		kept = append(kept, ev)
	}
	return kept
}

// inScope reports whether a file observation counts as a file operation.
// Writes count anywhere; reads and existence checks only under a watched path, so the
// dynamic loader opening its cache and libraries is not sample file activity.
func (n *Normalizer) inScope(f *FileDetail) bool {
	if len(n.watched) == 0 || (f.Op != FileOpen && f.Op != FileAccess) {
		return true
	}
	p := path.Clean(f.Path)
	for _, dir := range n.watched {
		if p == dir || strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/") {
			return true
		}
	}
	return false
}

// duplicate reports whether the event repeats an observation already made close
// in time. File operations on a path collapse across and within sources, and
// writes to a file this run just created are part of creating it. Process
// executions collapse only across sources.
func (n *Normalizer) duplicate(kind SourceKind, ev Event) bool {
	switch {
	case ev.File != nil:
		return n.duplicateFile(kind, ev)
	case ev.Process != nil && ev.Process.Op == ProcessExec:
		key := fmt.Sprintf("exec|%d|%s", ev.Process.PID, ev.Process.Name)
		prev, ok := n.seen[key]
		n.seen[key] = seenKey{kind: kind, at: ev.Timestamp}
		return ok && prev.kind != kind && withinWindow(ev.Timestamp, prev.at)
	}
	return false
}

func (n *Normalizer) duplicateFile(kind SourceKind, ev Event) bool {
	f := ev.File
	switch f.Op {
	case FileModify:
		if at, ok := n.created[f.Path]; ok && withinWindow(ev.Timestamp, at) {
			// Keep the window open while the new file is still being written.
			n.created[f.Path] = latest(at, ev.Timestamp)
			return true
		}
	case FileDelete:
		delete(n.created, f.Path)
	}

	key := fmt.Sprintf("file|%s|%s", f.Op, f.Path)
	prev, ok := n.seen[key]
	n.seen[key] = seenKey{kind: kind, at: latest(prev.at, ev.Timestamp)}
	dup := ok && withinWindow(ev.Timestamp, prev.at)
	if f.Op == FileCreate {
		n.created[f.Path] = latest(n.created[f.Path], ev.Timestamp)
	}
	return dup
}

func withinWindow(a, b time.Time) bool {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta <= dedupeWindow
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func newFileEvent(ts time.Time, op FileOp, path string, pid int, raw string) Event {
	return Event{
		Timestamp: ts,
		Category:  CategoryFile,
		Severity:  fileSeverity(op, path),
		Subject:   path,
		RawDetail: raw,
		File:      &FileDetail{Op: op, Path: path, PID: pid},
	}
}

func newProcessEvent(ts time.Time, detail ProcessDetail, raw string) Event {
	return Event{
		Timestamp: ts,
		Category:  CategoryProcess,
		Severity:  processSeverity(detail),
		Subject:   fmt.Sprintf("pid:%d", detail.PID),
		RawDetail: raw,
		Process:   &detail,
	}
}

func newNetworkEvent(ts time.Time, detail NetworkDetail, raw string) Event {
	subject := detail.DstAddr
	if detail.Op == NetworkDNS {
		subject = detail.Query
	} else if detail.DstPort > 0 {
		subject = fmt.Sprintf("%s:%d", detail.DstAddr, detail.DstPort)
	}
	return Event{
		Timestamp: ts,
		Category:  CategoryNetwork,
		Severity:  networkSeverity(detail),
		Subject:   subject,
		RawDetail: raw,
		Network:   &detail,
	}
}
