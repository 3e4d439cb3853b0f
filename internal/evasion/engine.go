package evasion

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cochaviz/petri/internal/events"
	"github.com/cochaviz/petri/internal/models"
)

// Attempt records one anti-analysis technique the sample tried.
type Attempt struct {
	Timestamp      time.Time `json:"timestamp"`
	Technique      Technique `json:"technique_type"`
	Description    string    `json:"description"`
	TriggerSyscall string    `json:"trigger_syscall"`
	Blocked        bool      `json:"blocked"`
	SignatureID    string    `json:"signature_id"`
	PID            int       `json:"pid,omitempty"`
	Subject        string    `json:"subject,omitempty"`
}

// Engine matches the signature catalog against a finalized event sequence.
type Engine struct {
	catalog *Catalog
}

// NewEngine returns an engine over the given catalog, or the embedded one when nil.
func NewEngine(catalog *Catalog) *Engine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Engine{catalog: catalog}
}

func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Detect scans the events for evasion signatures. runStart anchors time-relative
// signatures; when zero the first event's timestamp is used. A signature fires at
// most once per process and subject, and the result is ordered by timestamp.
func (e *Engine) Detect(evs []events.Event, cfg models.ExecutionConfig, runStart time.Time) []Attempt {
	if len(evs) == 0 {
		return nil
	}
	if runStart.IsZero() {
		runStart = evs[0].Timestamp
		for _, ev := range evs {
			if ev.Timestamp.Before(runStart) {
				runStart = ev.Timestamp
			}
		}
	}
	tier := cfg.ActiveTier()

	var out []Attempt
	fired := make(map[string]struct{})
	for _, ev := range evs {
		if ev.Category != events.CategorySyscall || ev.Syscall == nil {
			continue
		}
		for i := range e.catalog.Signatures {
			sig := &e.catalog.Signatures[i]
			if !sig.matches(ev, runStart) {
				continue
			}
			key := fmt.Sprintf("%s|%d|%s", sig.ID, ev.Syscall.PID, ev.Subject)
			if _, dup := fired[key]; dup {
				break
			}
			fired[key] = struct{}{}
			out = append(out, Attempt{
				Timestamp:      ev.Timestamp,
				Technique:      sig.Technique,
				Description:    sig.Description,
				TriggerSyscall: ev.Syscall.Name,
				Blocked:        blocked(sig.MaskTier, tier),
				SignatureID:    sig.ID,
				PID:            ev.Syscall.PID,
				Subject:        ev.Subject,
			})
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// blocked reports whether the active tier masks the signal the signature reads.
func blocked(maskTier, active models.EvasionTier) bool {
	return maskTier > models.EvasionTierOff && active >= maskTier
}

func (s *Signature) matches(ev events.Event, runStart time.Time) bool {
	switch {
	case s.When.Sleep != nil:
		return s.When.Sleep.matches(ev, runStart)
	case s.When.Syscall != nil:
		return s.When.Syscall.matches(ev)
	}
	return false
}

func (w *SleepWhen) matches(ev events.Event, runStart time.Time) bool {
	if ev.Syscall.Sleep < w.MinDuration {
		return false
	}
	if w.Within > 0 && ev.Timestamp.Sub(runStart) > w.Within {
		return false
	}
	return true
}

func (w *SyscallWhen) matches(ev events.Event) bool {
	detail := ev.Syscall
	if _, ok := w.names[detail.Name]; !ok {
		return false
	}
	if w.hasPath && !w.matchPath(detail.Path) {
		return false
	}
	joined := strings.Join(detail.Args, ",")
	for _, want := range w.ArgsContain {
		if !strings.Contains(joined, want) {
			return false
		}
	}
	if len(w.ArgsContainAny) > 0 {
		found := false
		for _, want := range w.ArgsContainAny {
			if strings.Contains(joined, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if w.SelfTarget {
		if len(detail.Args) < 2 {
			return false
		}
		target, err := strconv.Atoi(strings.TrimSpace(detail.Args[1]))
		if err != nil || target != detail.PID {
			return false
		}
	}
	return true
}

func (w *SyscallWhen) matchPath(p string) bool {
	if p == "" {
		return false
	}
	for _, want := range w.PathIn {
		if p == want {
			return true
		}
	}
	for _, prefix := range w.PathPrefix {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	if w.pathRE != nil {
		return w.pathRE.MatchString(p)
	}
	return false
}
