package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"releaseline/internal/config"
	"releaseline/internal/domain"
	"releaseline/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func thresholds() config.Thresholds {
	return config.Thresholds{MinSuccessRate: 0.98, MaxP95LatencyMS: 800, MaxP99LatencyMS: 1500, MaxErrorRate: 0.02}
}

type recordingAliaser struct {
	mu    sync.Mutex
	calls [][2]string
	ok    bool
}

func (r *recordingAliaser) SetAlias(_ context.Context, id, alias string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]string{id, alias})
	return r.ok
}

func TestPercentileUsesFloorIndex(t *testing.T) {
	latencies := []float64{1000, 900, 800, 700, 600, 500, 400, 300, 200, 100}
	// n=10: floor(9.5)=9 and floor(9.9)=9.
	assert.Equal(t, 1000.0, Percentile(latencies, 0.95))
	assert.Equal(t, 1000.0, Percentile(latencies, 0.99))

	hundred := make([]float64, 100)
	for i := range hundred {
		hundred[i] = float64(i + 1)
	}
	assert.Equal(t, 96.0, Percentile(hundred, 0.95))
	assert.Equal(t, 100.0, Percentile(hundred, 0.99))
	assert.Equal(t, 0.0, Percentile(nil, 0.95))
	// Input is not reordered.
	assert.Equal(t, 1000.0, latencies[0])
}

func samples(n, ok int, latency float64) []domain.HealthProbeResult {
	out := make([]domain.HealthProbeResult, n)
	for i := range out {
		out[i] = domain.HealthProbeResult{Endpoint: "/", StatusCode: 200, Success: true, LatencyMS: latency}
		if i >= ok {
			out[i].StatusCode = 503
			out[i].Success = false
		}
	}
	return out
}

func TestEvaluateNinetyPercentFailsNinetyEight(t *testing.T) {
	r := Evaluate(samples(10, 9, 50), thresholds())
	require.False(t, r.PassedThresholds)
	require.InDelta(t, 0.9, r.SuccessRate, 1e-9)
	require.InDelta(t, 0.1, r.ErrorRate, 1e-9)
	require.Contains(t, r.FailureReason, "success rate")
}

func TestEvaluateChecksInOrder(t *testing.T) {
	s := samples(10, 10, 900)
	s[9].Error = "connection reset"
	s[9].Success = true // counted as success but still an error
	r := Evaluate(s, thresholds())
	require.False(t, r.PassedThresholds)
	require.Contains(t, r.FailureReason, "p95 latency")

	s = samples(10, 10, 100)
	s[9].LatencyMS = 2000
	r = Evaluate(s, thresholds())
	require.Contains(t, r.FailureReason, "p95")

	r = Evaluate(samples(10, 10, 100), thresholds())
	require.True(t, r.PassedThresholds)
	require.Empty(t, r.FailureReason)
}

func TestEvaluateWithoutSamplesFails(t *testing.T) {
	r := Evaluate(nil, thresholds())
	require.False(t, r.PassedThresholds)
	require.Equal(t, 0.0, r.SuccessRate)
	require.Contains(t, r.FailureReason, "success rate")
}

func TestProbeDeploymentAgainstServer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		if calls.Add(1) == 10 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.CircuitBreaker{
		Thresholds: thresholds(),
		Endpoints:  []config.Endpoint{{Path: "/api/health", Method: "GET", ExpectedStatus: 200}},
		ProbeCount: 10,
	}
	g := NewGuard(cfg, nil, nil, metrics.New())
	g.Client = srv.Client()
	report, err := g.ProbeDeployment(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, 10, report.TotalRequests)
	require.Len(t, report.Samples, 10)
	require.False(t, report.PassedThresholds)
	require.InDelta(t, 0.9, report.SuccessRate, 1e-9)
	require.Contains(t, report.FailureReason, "success rate 90.00% below minimum 98.00%")
	require.Equal(t, srv.URL+"/", report.DeploymentURL)
}

func TestProbeRecordsTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := NewGuard(config.CircuitBreaker{Thresholds: thresholds(), ProbeCount: 2}, nil, nil, nil)
	report, err := g.ProbeDeployment(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, 2, report.TotalRequests)
	require.Equal(t, 1.0, report.ErrorRate)
	for _, s := range report.Samples {
		require.NotEmpty(t, s.Error)
		require.False(t, s.Success)
	}
}

func TestProbeStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	g := NewGuard(config.CircuitBreaker{Thresholds: thresholds(), ProbeCount: 5, ProbeIntervalMS: 60_000}, nil, nil, nil)
	g.Client = srv.Client()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.ProbeDeployment(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTriggerAlertRollsBack(t *testing.T) {
	aliaser := &recordingAliaser{ok: true}
	g := NewGuard(config.CircuitBreaker{ProductionAlias: "production"}, aliaser, nil, nil)
	report := Evaluate(samples(10, 9, 50), thresholds())

	alert := g.TriggerAlert(context.Background(), "alert-r1-1", "dpl-new", report, true, "dpl-old")
	require.Equal(t, "alert-r1-1", alert.ID)
	require.Equal(t, domain.ActionRollback, alert.ActionTaken)
	require.Equal(t, "dpl-old", alert.RollbackTarget)
	require.NotNil(t, alert.RollbackSucceeded)
	require.True(t, *alert.RollbackSucceeded)
	require.Equal(t, [][2]string{{"dpl-old", "production"}}, aliaser.calls)
	require.Contains(t, alert.Reason, "success rate")
	require.Equal(t, BreakerOpen, g.State("dpl-new"))

	g.Reset("dpl-new")
	require.Equal(t, BreakerClosed, g.State("dpl-new"))
}

func TestTriggerAlertRecordsFailedRollback(t *testing.T) {
	g := NewGuard(config.CircuitBreaker{ProductionAlias: "prod"}, &recordingAliaser{ok: false}, nil, nil)
	alert := g.TriggerAlert(context.Background(), "", "dpl-2", Evaluate(nil, thresholds()), true, "dpl-1")
	require.Equal(t, domain.ActionRollback, alert.ActionTaken)
	require.False(t, *alert.RollbackSucceeded)
	require.True(t, strings.HasPrefix(alert.ID, "alert-"))
}

func TestTriggerAlertWithoutRollback(t *testing.T) {
	aliaser := &recordingAliaser{ok: true}
	g := NewGuard(config.CircuitBreaker{}, aliaser, nil, nil)
	report := Evaluate(samples(10, 5, 50), thresholds())

	a := g.TriggerAlert(context.Background(), "", "dpl-1", report, false, "dpl-0")
	b := g.TriggerAlert(context.Background(), "", "dpl-1", report, true, "")
	require.Equal(t, domain.ActionAlertOnly, a.ActionTaken)
	require.Equal(t, domain.ActionAlertOnly, b.ActionTaken)
	require.Contains(t, b.Reason, "no rollback target")
	require.Empty(t, aliaser.calls)

	alerts := g.Alerts()
	require.Len(t, alerts, 2)
	alerts[0].Reason = "mutated"
	require.NotEqual(t, "mutated", g.Alerts()[0].Reason)
}
