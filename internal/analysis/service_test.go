package analysis

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cochaviz/petri/internal/metrics"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/scoring"
	"github.com/cochaviz/petri/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, rt *fakeRuntime, bulkhead BulkheadConfig, results ResultRepository) *Service {
	t.Helper()

	if bulkhead.MemoryMB == 0 {
		bulkhead.MemoryMB = 8192
	}
	if bulkhead.Slots == 0 {
		bulkhead.Slots = 2
	}
	m := metrics.New()
	b, err := NewBulkhead(bulkhead, m)
	require.NoError(t, err)
	o := newTestOrchestrator(rt, Options{Image: "petri/sandbox:test", Metrics: m})
	svc := NewService(o, b, ServiceOptions{Results: results, Metrics: m, Logger: newTestLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func processSampleLines() []string {
	now := time.Now()
	return []string{
		straceAt(10, now, `execve("/sandbox/input/sample", ["/sandbox/input/sample"], 0x7ffd /* 3 vars */) = 0`),
		straceAt(10, now, `clone(child_stack=NULL, flags=CLONE_CHILD_CLEARTID|SIGCHLD, child_tidptr=0x7f) = 11`),
		straceAt(11, now.Add(time.Millisecond), `execve("/bin/sh", ["sh", "-c", "id"], 0x7ffd /* 5 vars */) = 0`),
		straceAt(11, now.Add(2*time.Millisecond), `ptrace(PTRACE_TRACEME, 0, NULL, NULL) = 0`),
	}
}

func TestServiceRejectsInvalidConfigBeforeAllocation(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	svc := newTestService(t, rt, BulkheadConfig{}, nil)

	_, err := svc.ExecuteSampleWithConfig(context.Background(), "sample", models.ExecutionConfig{TimeoutSecs: 601, MemoryLimitMB: 256})
	var cfgErr *models.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	creates, _ := rt.counts()
	assert.Zero(t, creates)
	assert.Empty(t, svc.Sessions())
}

func TestServicePersistsAndServesResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := storage.OpenResultStore(ctx, filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := newFakeRuntime()
	rt.sampleLines = processSampleLines()
	svc := newTestService(t, rt, BulkheadConfig{}, store)

	result, err := svc.ExecuteSampleWithConfig(ctx, "sample", mustConfig(t, 60, 512, false, true, 2))
	require.NoError(t, err)
	require.Equal(t, StateCompleted, result.State)
	require.Len(t, result.EvasionAttempts, 1)
	assert.True(t, result.EvasionAttempts[0].Blocked)

	tree, err := svc.GetProcessTree(ctx, result.SessionID)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, 10, tree[0].PID)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, 11, tree[0].Children[0].PID)

	// A fresh service only has the persisted copy.
	other := newTestService(t, newFakeRuntime(), BulkheadConfig{}, store)
	attempts, err := other.DetectSandboxEvasion(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, result.EvasionAttempts[0].Technique, attempts[0].Technique)

	score, err := other.CalculateThreatScore(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, result.ThreatScore.Score, score.Score)
	assert.Equal(t, result.ThreatScore.RiskLevel, score.RiskLevel)

	persistedTree, err := other.GetProcessTree(ctx, result.SessionID)
	require.NoError(t, err)
	var pids []int
	scoring.Walk(persistedTree, func(node *scoring.ProcessTreeNode, _ int) {
		pids = append(pids, node.PID)
	})
	assert.Equal(t, []int{10, 11}, pids)

	history, err := other.History(ctx, "sample", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(StateCompleted), history[0].State)

	_, err = other.CalculateThreatScore(ctx, "no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestServiceSubmitStopAndLiveQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rt := newFakeRuntime()
	rt.sampleHangs = true
	rt.sampleLines = processSampleLines()
	svc := newTestService(t, rt, BulkheadConfig{}, nil)
	svc.orchestrator.after = func(time.Duration) <-chan time.Time { return nil }

	id, err := svc.Submit("sample", mustConfig(t, 30, 256, false, false, 0))
	require.NoError(t, err)
	<-rt.sampleWritten

	require.Eventually(t, func() bool {
		attempts, err := svc.DetectSandboxEvasion(ctx, id)
		return err == nil && len(attempts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	tree, err := svc.GetProcessTree(ctx, id)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Len(t, tree[0].Children, 1)

	info, err := svc.Inspect(id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
	assert.Positive(t, info.Events)

	require.NoError(t, svc.Stop(id))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := svc.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, ReasonCancelled, result.Reason)
	assert.NotEmpty(t, result.Events)
	assert.Zero(t, rt.liveContainers())

	assert.ErrorIs(t, svc.Stop("unknown"), ErrSessionNotFound)
}

func TestServiceRejectsWhenHostIsFull(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	rt.sampleHangs = true
	svc := newTestService(t, rt, BulkheadConfig{Mode: BulkheadReject, Slots: 2, MemoryMB: 4096}, nil)
	svc.orchestrator.after = func(time.Duration) <-chan time.Time { return nil }

	first, err := svc.Submit("sample", mustConfig(t, 30, 4096, false, false, 0))
	require.NoError(t, err)
	<-rt.sampleWritten

	result, err := svc.ExecuteSampleWithConfig(context.Background(), "sample", mustConfig(t, 30, 4096, false, false, 0))
	require.True(t, errors.Is(err, ErrCapacityExceeded), "error = %v", err)
	assert.Equal(t, StateFailed, result.State)
	creates, _ := rt.counts()
	assert.Equal(t, 1, creates)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Close(ctx))
	res, err := svc.Wait(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, rt.liveContainers())

	_, err = svc.Submit("sample", mustConfig(t, 30, 256, false, false, 0))
	assert.ErrorIs(t, err, ErrServiceClosed)
}

func TestServiceHiddenVMArtifacts(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newFakeRuntime(), BulkheadConfig{}, nil)
	artifacts := svc.HiddenVMArtifacts()
	require.NotEmpty(t, artifacts)
	for _, a := range artifacts {
		assert.Greater(t, int(a.MaskTier), 0, a.Artifact)
	}
}
