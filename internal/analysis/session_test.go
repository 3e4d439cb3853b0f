package analysis

import (
	"errors"
	"testing"

	"github.com/cochaviz/petri/internal/models"
)

func TestSessionTransitions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		path  []State
		valid bool
	}{
		{name: "completed", path: []State{StateProvisioning, StateRunning, StateCollecting, StateCompleted, StateReleased}, valid: true},
		{name: "timed out", path: []State{StateProvisioning, StateRunning, StateCollecting, StateTimedOut, StateReleased}, valid: true},
		{name: "provisioning failure", path: []State{StateProvisioning, StateFailed, StateReleased}, valid: true},
		{name: "skip running", path: []State{StateProvisioning, StateCollecting}},
		{name: "timeout before collecting", path: []State{StateProvisioning, StateRunning, StateTimedOut}},
		{name: "resurrect", path: []State{StateProvisioning, StateFailed, StateReleased, StateRunning}},
		{name: "double terminal", path: []State{StateProvisioning, StateRunning, StateCollecting, StateCompleted, StateFailed}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sess, err := NewSession("sample", models.DefaultExecutionConfig())
			if err != nil {
				t.Fatalf("NewSession() error = %v", err)
			}
			var last error
			for _, to := range tc.path {
				if last = sess.transition(to, ""); last != nil {
					break
				}
			}
			if tc.valid && last != nil {
				t.Fatalf("transition error = %v", last)
			}
			var invalid *InvalidTransitionError
			if !tc.valid && !errors.As(last, &invalid) {
				t.Fatalf("transition error = %v, want InvalidTransitionError", last)
			}
		})
	}
}

func TestSessionOutcomeAndHistory(t *testing.T) {
	t.Parallel()

	sess, err := NewSession("sample", models.DefaultExecutionConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	for _, to := range []State{StateProvisioning, StateFailed, StateReleased} {
		if err := sess.transition(to, "boom"); err != nil {
			t.Fatalf("transition(%s) error = %v", to, err)
		}
	}
	info := sess.Info()
	if info.State != StateReleased || info.Outcome != StateFailed || info.Reason != "boom" {
		t.Fatalf("Info() = %+v", info)
	}
	if len(info.History) != 3 || info.History[0].From != StateCreated {
		t.Fatalf("history = %+v", info.History)
	}
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewSession("sample", models.ExecutionConfig{TimeoutSecs: 5, MemoryLimitMB: 256})
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "timeout_secs" {
		t.Fatalf("NewSession() error = %v, want ConfigurationError on timeout_secs", err)
	}
}
