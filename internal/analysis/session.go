package analysis

import (
	"sync"
	"time"

	"github.com/cochaviz/petri/internal/events"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/policy"
	"github.com/cochaviz/petri/internal/sandbox"

	"github.com/google/uuid"
)

type State string

const (
	StateCreated      State = "Created"
	StateProvisioning State = "Provisioning"
	StateRunning      State = "Running"
	StateCollecting   State = "Collecting"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
	StateTimedOut     State = "TimedOut"
	StateReleased     State = "Released"
)

// ReasonCancelled is the failure reason of a session stopped before its sample finished.
const ReasonCancelled = "cancelled"

var transitions = map[State][]State{
	StateCreated:      {StateProvisioning, StateFailed},
	StateProvisioning: {StateRunning, StateFailed},
	StateRunning:      {StateCollecting, StateFailed},
	StateCollecting:   {StateCompleted, StateFailed, StateTimedOut},
	StateCompleted:    {StateReleased},
	StateFailed:       {StateReleased},
	StateTimedOut:     {StateReleased},
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID        string                 `json:"id"`
	SampleID  string                 `json:"sample_id"`
	State     State                  `json:"state"`
	Outcome   State                  `json:"outcome,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Config    models.ExecutionConfig `json:"config"`
	Handle    sandbox.Handle         `json:"handle"`
	CreatedAt time.Time              `json:"created_at"`
	Events    int                    `json:"events"`
	History   []Transition           `json:"history"`
}

// Session is one execution of one sample. It owns at most one sandbox handle
// and moves through its states exactly once.
type Session struct {
	ID        string
	SampleID  string
	Config    models.ExecutionConfig
	Policy    policy.SecurityPolicy
	CreatedAt time.Time

	mu      sync.Mutex
	state   State
	outcome State
	reason  string
	history []Transition
	handle  sandbox.Handle
	log     *events.Log
	result  *Result
	started time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// NewSession validates cfg and derives the security policy. Nothing is
// allocated on the host, so a ConfigurationError leaves no trace.
func NewSession(sampleID string, cfg models.ExecutionConfig) (*Session, error) {
	p, err := policy.Build(cfg)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        uuid.NewString(),
		SampleID:  sampleID,
		Config:    cfg,
		Policy:    p,
		CreatedAt: time.Now().UTC(),
		state:     StateCreated,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome is the terminal state the session reached, or empty while it runs.
func (s *Session) Outcome() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) transition(to State, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !canTransition(s.state, to) {
		return &InvalidTransitionError{From: s.state, To: to}
	}
	s.history = append(s.history, Transition{From: s.state, To: to, At: time.Now().UTC(), Reason: reason})
	s.state = to
	if to.Terminal() {
		s.outcome = to
		s.reason = reason
	}
	return nil
}

func (s *Session) setHandle(h sandbox.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

func (s *Session) Handle() sandbox.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) setLog(l *events.Log) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = l
}

// Events returns the events collected so far.
func (s *Session) Events() []events.Event {
	s.mu.Lock()
	l := s.log
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Snapshot()
}

func (s *Session) markStarted(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = at
}

// RunStart is when the sample was launched, or CreatedAt before that.
func (s *Session) RunStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return s.CreatedAt
	}
	return s.started
}

func (s *Session) setResult(r *Result) {
	s.mu.Lock()
	s.result = r
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Result returns the finished result, or nil while the session runs.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Done is closed once the result is available.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop asks a running session to end. The sample loses the completion race
// and the session fails with ReasonCancelled. Stopping twice is harmless.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) stopRequested() <-chan struct{} {
	return s.stop
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:        s.ID,
		SampleID:  s.SampleID,
		State:     s.state,
		Outcome:   s.outcome,
		Reason:    s.reason,
		Config:    s.Config,
		Handle:    s.handle,
		CreatedAt: s.CreatedAt,
		History:   append([]Transition(nil), s.history...),
	}
	if s.log != nil {
		info.Events = s.log.Len()
	}
	return info
}
