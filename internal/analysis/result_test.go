package analysis

import (
	"testing"
	"time"

	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/events"
)

func longSleepAt(at time.Time) events.Event {
	return events.Event{
		Timestamp: at,
		Category:  events.CategorySyscall,
		Severity:  events.SeverityInfo,
		Subject:   "pid:42",
		Syscall:   &events.SyscallDetail{PID: 42, Name: "nanosleep", Args: []string{"{tv_sec=120, tv_nsec=0}"}, Sleep: 120 * time.Second},
	}
}

func TestAggregateAnchorsSleepWindowAtRunStart(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := evasion.NewEngine(nil)
	testCases := []struct {
		name    string
		started time.Time
		want    int
	}{
		// The first observed event is the sleep itself, 30s after creation.
		{name: "never launched falls back to creation", want: 0},
		{name: "launched just before the sleep", started: created.Add(25 * time.Second), want: 1},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := &Result{
				Config:    mustConfig(t, 60, 256, false, true, 2),
				CreatedAt: created,
				StartedAt: tc.started,
				Events:    []events.Event{longSleepAt(created.Add(30 * time.Second))},
			}
			r.aggregate(engine)
			if len(r.EvasionAttempts) != tc.want {
				t.Fatalf("attempts = %+v, want %d", r.EvasionAttempts, tc.want)
			}
		})
	}
}

func TestSessionRunStartFallsBackToCreation(t *testing.T) {
	t.Parallel()

	sess := mustSession(t, mustConfig(t, 30, 256, false, false, 0))
	if got := sess.RunStart(); !got.Equal(sess.CreatedAt) {
		t.Fatalf("RunStart() = %v, want CreatedAt %v", got, sess.CreatedAt)
	}
	launched := sess.CreatedAt.Add(3 * time.Second)
	sess.markStarted(launched)
	if got := sess.RunStart(); !got.Equal(launched) {
		t.Fatalf("RunStart() = %v, want %v", got, launched)
	}
}
