package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/petri/internal/events"
	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/logging"
	"github.com/cochaviz/petri/internal/metrics"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/scoring"
	"github.com/cochaviz/petri/internal/storage"
)

// ResultRepository persists finished results.
type ResultRepository interface {
	Save(ctx context.Context, rec storage.ResultRecord) error
	Get(ctx context.Context, sessionID string) (storage.ResultRecord, error)
	List(ctx context.Context, sampleID string, limit int) ([]storage.ResultRecord, error)
}

// Service is the command surface of the analysis core. It owns the session
// store and the bulkhead, and its lifetime bounds every session it starts.
type Service struct {
	orchestrator *Orchestrator
	bulkhead     *Bulkhead
	sessions     *SessionStore
	results      ResultRepository
	reaper       *Reaper
	metrics      *metrics.Metrics
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type ServiceOptions struct {
	// Results is optional; without it results live only in memory.
	Results ResultRepository
	Reaper  *Reaper
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewService(orchestrator *Orchestrator, bulkhead *Bulkhead, opts ServiceOptions) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		orchestrator: orchestrator,
		bulkhead:     bulkhead,
		sessions:     NewSessionStore(),
		results:      opts.Results,
		reaper:       opts.Reaper,
		metrics:      opts.Metrics,
		logger:       logging.Ensure(opts.Logger).With(logging.KeyComponent, "analysis_service"),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ExecuteSampleWithConfig runs sampleID under cfg and blocks until the result is
// available. An invalid cfg fails before anything is allocated.
func (s *Service) ExecuteSampleWithConfig(ctx context.Context, sampleID string, cfg models.ExecutionConfig) (*Result, error) {
	sess, err := s.admit(sampleID, cfg)
	if err != nil {
		return nil, err
	}
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.run(ctx, sess)
}

// Submit starts sampleID in the background and returns its session id.
func (s *Service) Submit(sampleID string, cfg models.ExecutionConfig) (string, error) {
	sess, err := s.admit(sampleID, cfg)
	if err != nil {
		return "", err
	}
	go func() {
		defer s.wg.Done()
		if _, err := s.run(s.ctx, sess); err != nil {
			s.logger.Warn("background session ended with error", logging.KeySession, sess.ID, "error", err)
		}
	}()
	return sess.ID, nil
}

func (s *Service) admit(sampleID string, cfg models.ExecutionConfig) (*Session, error) {
	sess, err := NewSession(sampleID, cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	s.wg.Add(1)
	s.sessions.Add(sess)
	return sess, nil
}

func (s *Service) run(ctx context.Context, sess *Session) (*Result, error) {
	logger := s.logger.With(logging.KeySession, sess.ID)
	memoryMB := sess.Config.MemoryLimitMB

	release, err := s.bulkhead.Acquire(ctx, memoryMB)
	if err != nil {
		s.reject(sess, err)
		return sess.Result(), err
	}
	defer release()

	s.metrics.SessionStarted(memoryMB)
	start := time.Now()
	logger.Info("session admitted", "memory_mb", memoryMB, "timeout", sess.Config.Timeout())

	result, runErr := s.orchestrator.Run(ctx, sess)
	s.metrics.SessionFinished(string(result.State), memoryMB, time.Since(start))

	if err := s.persist(context.WithoutCancel(ctx), result); err != nil {
		logger.Error("failed to persist result", "error", err)
	}
	return result, runErr
}

// reject ends a session that never got host capacity.
func (s *Service) reject(sess *Session, cause error) {
	reason := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		reason = ReasonCancelled
	}
	_ = sess.transition(StateFailed, reason)
	_ = sess.transition(StateReleased, "")
	now := time.Now().UTC()
	sess.setResult(&Result{
		SessionID:   sess.ID,
		SampleID:    sess.SampleID,
		State:       StateFailed,
		Reason:      reason,
		Config:      sess.Config,
		Policy:      sess.Policy,
		CreatedAt:   sess.CreatedAt,
		FinishedAt:  now,
		ThreatScore: scoring.Calculate(scoring.ScoreInput{}),
	})
	s.logger.Warn("session not admitted", logging.KeySession, sess.ID, "error", cause)
}

func (s *Service) persist(ctx context.Context, result *Result) error {
	if s.results == nil {
		return nil
	}
	rec, err := result.record()
	if err != nil {
		return err
	}
	return s.results.Save(ctx, rec)
}

// Stop cancels a running session. Stopping a finished session is a no-op.
func (s *Service) Stop(sessionID string) error {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.Stop()
	return nil
}

// Wait blocks until the session has a result.
func (s *Service) Wait(ctx context.Context, sessionID string) (*Result, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return s.Result(ctx, sessionID)
	}
	select {
	case <-sess.Done():
		return sess.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the finished result of a session, from memory or from the
// result repository.
func (s *Service) Result(ctx context.Context, sessionID string) (*Result, error) {
	if sess, ok := s.sessions.Get(sessionID); ok {
		if r := sess.Result(); r != nil {
			return r, nil
		}
		return nil, fmt.Errorf("session %s is still %s", sessionID, sess.State())
	}
	if s.results == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	rec, err := s.results.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrResultNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return decodeResult(rec)
}

// liveEvents returns the events of a session that is still running.
func (s *Service) liveEvents(sessionID string) (*Session, []events.Event, bool) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.Result() != nil {
		return nil, nil, false
	}
	return sess, sess.Events(), true
}

// GetProcessTree returns the process tree of a session. For a running session
// the tree reflects the events seen so far.
func (s *Service) GetProcessTree(ctx context.Context, sessionID string) ([]*scoring.ProcessTreeNode, error) {
	if _, evs, ok := s.liveEvents(sessionID); ok {
		return scoring.BuildProcessTree(scoring.ProcessesFromEvents(evs)), nil
	}
	r, err := s.Result(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.ProcessTree, nil
}

// DetectSandboxEvasion returns the evasion attempts of a session.
func (s *Service) DetectSandboxEvasion(ctx context.Context, sessionID string) ([]evasion.Attempt, error) {
	if sess, evs, ok := s.liveEvents(sessionID); ok {
		return s.orchestrator.opts.Engine.Detect(evs, sess.Config, sess.RunStart()), nil
	}
	r, err := s.Result(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.EvasionAttempts, nil
}

// CalculateThreatScore returns the threat score of a session.
func (s *Service) CalculateThreatScore(ctx context.Context, sessionID string) (scoring.ThreatScore, error) {
	if sess, evs, ok := s.liveEvents(sessionID); ok {
		attempts := s.orchestrator.opts.Engine.Detect(evs, sess.Config, sess.RunStart())
		return scoring.Calculate(scoring.ScoreInput{Events: evs, Attempts: attempts}), nil
	}
	r, err := s.Result(ctx, sessionID)
	if err != nil {
		return scoring.ThreatScore{}, err
	}
	return r.ThreatScore, nil
}

// HiddenVMArtifacts lists the markers the anti-evasion layer hides. It does
// not depend on any run.
func (s *Service) HiddenVMArtifacts() []evasion.Artifact {
	var out []evasion.Artifact
	for _, a := range s.orchestrator.opts.Engine.Catalog().ArtifactList() {
		if a.MaskTier > models.EvasionTierOff {
			out = append(out, a)
		}
	}
	return out
}

// Sessions returns the sessions of this service instance.
func (s *Service) Sessions() []SessionInfo {
	sessions := s.sessions.List()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	return out
}

func (s *Service) Inspect(sessionID string) (SessionInfo, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.Info(), nil
}

// History lists persisted results, newest first.
func (s *Service) History(ctx context.Context, sampleID string, limit int) ([]storage.ResultRecord, error) {
	if s.results == nil {
		return nil, nil
	}
	return s.results.List(ctx, sampleID, limit)
}

// Close stops every running session, waits for their sandboxes to be released
// and drains the reaper.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	for _, sess := range s.sessions.List() {
		sess.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}
	if s.reaper != nil {
		if err := s.reaper.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining reaper: %w", err))
		}
	}
	return errors.Join(errs...)
}
