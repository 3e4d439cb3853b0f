package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycleGauges(t *testing.T) {
	m := New()

	m.SessionQueued()
	m.SessionDequeued()
	m.SessionStarted(512)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.reservedMemoryMB))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queuedSessions))

	m.SessionFinished("Completed", 512, 3*time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.reservedMemoryMB))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsFinished.WithLabelValues("Completed")))
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Event("file", "info")
	m.Event("file", "info")
	m.EvasionAttempt("DebuggerCheck", false)
	m.ThreatScore(42)
	m.LineDropped("tcpdump")
	m.SourceDegraded("inotifywait")
	m.ProvisioningRetry()
	m.CleanupFailure()
	m.SessionRejected()
	m.BulkheadWait(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("file", "info")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evasionAttempts.WithLabelValues("DebuggerCheck", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejectedSessions))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `petri_events_total{category="file",severity="info"} 2`))
	assert.True(t, strings.Contains(string(body), "petri_cleanup_failures_total 1"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionQueued()
	m.SessionStarted(256)
	m.SessionFinished("Failed", 256, time.Second)
	m.Event("process", "warning")
	m.EvasionAttempt("VmDetection", true)
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}
