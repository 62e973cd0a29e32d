package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Verification(true)
	m.Verification(false)
	m.Run("DONE")
	m.Transition("IDLE", "VERIFY")
	m.ProbeLatency(120 * time.Millisecond)
	m.Alert("rollback")
	m.Rollback(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, `releaseline_verifications_total{result="ready"} 1`)
	require.Contains(t, text, `releaseline_runs_total{final_state="DONE"} 1`)
	require.Contains(t, text, `releaseline_state_transitions_total{from="IDLE",to="VERIFY"} 1`)
	require.Contains(t, text, `releaseline_probe_latency_seconds_count 1`)
	require.Contains(t, text, `releaseline_alerts_total{action="rollback"} 1`)
	require.Contains(t, text, `releaseline_rollbacks_total{result="succeeded"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Verification(true)
	m.Run("FAILED")
	m.Rollback(false)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
}
