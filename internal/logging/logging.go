package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders one line per record with the component and session up front.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON for the daemon and log shippers.
	ModeJSON
)

// Attribute keys the CLI handler lifts out of the key=value tail.
const (
	KeyComponent = "component"
	KeySession   = "session_id"
)

// shortSession is how much of a session UUID the CLI prefix keeps.
const shortSession = 8

// New constructs a logger targeting w. If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}

	if mode == ModeJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&cliHandler{out: &lockedWriter{w: w}, level: level})
}

// NewCLI constructs a logger for interactive use.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeCLI, w, level)
}

// NewJSON constructs a logger that emits structured JSON records.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeJSON, w, level)
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// lockedWriter is shared by every handler derived from one logger so that
// concurrent sessions never interleave partial lines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, line)
	return err
}

// cliHandler renders
//
//	LEVEL time [component session] message key=value ...
//
// where the bracketed prefix only appears when those attributes are set.
type cliHandler struct {
	out   *lockedWriter
	level slog.Leveler

	component string
	session   string
	attrs     []slog.Attr
	groups    []string
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.level != nil {
		threshold = h.level.Level()
	}
	return level >= threshold
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	component, session := h.component, h.session
	var tail []slog.Attr
	record.Attrs(func(attr slog.Attr) bool {
		if len(h.groups) == 0 && liftAttr(attr, &component, &session) {
			return true
		}
		tail = append(tail, attr)
		return true
	})

	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s", record.Level.String(), timestamp.UTC().Format(time.RFC3339))
	switch {
	case component != "" && session != "":
		fmt.Fprintf(&b, " [%s %s]", component, shorten(session))
	case component != "":
		fmt.Fprintf(&b, " [%s]", component)
	case session != "":
		fmt.Fprintf(&b, " [%s]", shorten(session))
	}
	b.WriteByte(' ')
	b.WriteString(record.Message)

	for _, attr := range h.attrs {
		appendAttr(&b, nil, attr)
	}
	for _, attr := range tail {
		appendAttr(&b, h.groups, attr)
	}
	b.WriteByte('\n')

	return h.out.write(b.String())
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, attr := range attrs {
		if len(h.groups) == 0 && liftAttr(attr, &next.component, &next.session) {
			continue
		}
		// Attributes bound under a group keep their qualified key.
		if len(h.groups) > 0 {
			attr = slog.Attr{Key: strings.Join(append(append([]string(nil), h.groups...), attr.Key), "."), Value: attr.Value}
		}
		next.attrs = append(next.attrs, attr)
	}
	return next
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *cliHandler) clone() *cliHandler {
	return &cliHandler{
		out:       h.out,
		level:     h.level,
		component: h.component,
		session:   h.session,
		attrs:     append([]slog.Attr(nil), h.attrs...),
		groups:    append([]string(nil), h.groups...),
	}
}

func liftAttr(attr slog.Attr, component, session *string) bool {
	switch attr.Key {
	case KeyComponent:
		*component = formatValue(attr.Value)
	case KeySession:
		*session = formatValue(attr.Value)
	default:
		return false
	}
	return true
}

func shorten(session string) string {
	if len(session) > shortSession {
		return session[:shortSession]
	}
	return session
}

func appendAttr(b *strings.Builder, groups []string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		nested := groups
		if attr.Key != "" {
			nested = append(append([]string(nil), groups...), attr.Key)
		}
		for _, a := range value.Group() {
			appendAttr(b, nested, a)
		}
		return
	}
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(append(append([]string(nil), groups...), key), ".")
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(quoteIfNeeded(formatValue(value)))
}

func formatValue(value slog.Value) string {
	value = value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return value.String()
	case slog.KindInt64:
		return strconv.FormatInt(value.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(value.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(value.Bool())
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return err.Error()
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}

// quoteIfNeeded keeps tracer output and error messages on one parseable line.
func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " =\"\n\t") {
		return strconv.Quote(s)
	}
	return s
}
