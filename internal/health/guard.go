package health

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"releaseline/internal/config"
	"releaseline/internal/domain"
	"releaseline/internal/logging"
	"releaseline/internal/metrics"
)

// Aliaser switches a stable alias to a deployment. deploy.Manager
// satisfies it.
type Aliaser interface {
	SetAlias(ctx context.Context, id, alias string) bool
}

type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// Guard probes deployments against the circuit-breaker thresholds and keeps
// the append-only alert log.
type Guard struct {
	Config  config.CircuitBreaker
	Deploy  Aliaser
	Client  *http.Client
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	mu       sync.Mutex
	alerts   []domain.GjallarhornAlert
	breakers map[string]BreakerState
}

func NewGuard(cfg config.CircuitBreaker, deploy Aliaser, logger *zap.Logger, m *metrics.Metrics) *Guard {
	timeout := time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Guard{
		Config:   cfg,
		Deploy:   deploy,
		Client:   &http.Client{Timeout: timeout},
		Logger:   logging.OrNop(logger),
		Metrics:  m,
		Now:      time.Now,
		breakers: map[string]BreakerState{},
	}
}

func (g *Guard) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}

func (g *Guard) logger() *zap.Logger {
	return logging.OrNop(g.Logger)
}

func (g *Guard) endpoints() []config.Endpoint {
	if len(g.Config.Endpoints) > 0 {
		return g.Config.Endpoints
	}
	return []config.Endpoint{{Path: "/", Method: http.MethodGet, ExpectedStatus: http.StatusOK}}
}

// ProbeDeployment samples every endpoint probe_count times, one request at
// a time, spaced probe_interval_ms apart. Transport failures are recorded
// as failed samples; only cancellation returns an error.
func (g *Guard) ProbeDeployment(ctx context.Context, baseURL string) (domain.HealthReport, error) {
	count := g.Config.ProbeCount
	if count <= 0 {
		count = 1
	}
	interval := time.Duration(g.Config.ProbeIntervalMS) * time.Millisecond
	base := strings.TrimRight(baseURL, "/")
	var samples []domain.HealthProbeResult
	first := true
	for _, ep := range g.endpoints() {
		for i := 0; i < count; i++ {
			if !first {
				if err := sleep(ctx, interval); err != nil {
					return domain.HealthReport{}, err
				}
			}
			first = false
			sample := g.probe(ctx, base, ep)
			if err := ctx.Err(); err != nil {
				return domain.HealthReport{}, err
			}
			samples = append(samples, sample)
		}
	}
	report := Evaluate(samples, g.Config.Thresholds)
	report.DeploymentURL = baseURL
	report.Timestamp = g.now()
	g.logger().Info("health probe complete",
		zap.String("url", baseURL),
		zap.Int("samples", report.TotalRequests),
		zap.Float64("success_rate", report.SuccessRate),
		zap.Float64("p95_ms", report.P95LatencyMS),
		zap.Bool("passed", report.PassedThresholds))
	return report, nil
}

func (g *Guard) probe(ctx context.Context, base string, ep config.Endpoint) domain.HealthProbeResult {
	method := strings.ToUpper(ep.Method)
	if method == "" {
		method = http.MethodGet
	}
	expected := ep.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	result := domain.HealthProbeResult{Endpoint: ep.Path, Method: method, Timestamp: g.now()}
	req, err := http.NewRequestWithContext(ctx, method, base+ep.Path, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", "releaseline-health/1")
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	res, err := client.Do(req)
	elapsed := time.Since(start)
	result.LatencyMS = float64(elapsed.Microseconds()) / 1000
	g.Metrics.ProbeLatency(elapsed)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	res.Body.Close()
	result.StatusCode = res.StatusCode
	result.Success = res.StatusCode == expected
	return result
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Percentile returns the value at index floor(n*q) of the ascending sort,
// clamped to the last element. Empty input yields 0.
func Percentile(values []float64, q float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Floor(float64(n) * q))
	if idx > n-1 {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Evaluate aggregates samples and applies thresholds in order: success
// rate, p95, p99, error rate. The first violation becomes FailureReason.
func Evaluate(samples []domain.HealthProbeResult, t config.Thresholds) domain.HealthReport {
	report := domain.HealthReport{Samples: samples, TotalRequests: len(samples)}
	latencies := make([]float64, 0, len(samples))
	var ok, errs int
	for _, s := range samples {
		latencies = append(latencies, s.LatencyMS)
		if s.Success {
			ok++
		}
		if s.Error != "" || s.StatusCode >= 500 {
			errs++
		}
	}
	if n := len(samples); n > 0 {
		report.SuccessRate = float64(ok) / float64(n)
		report.ErrorRate = float64(errs) / float64(n)
	}
	report.P95LatencyMS = Percentile(latencies, 0.95)
	report.P99LatencyMS = Percentile(latencies, 0.99)

	switch {
	case report.SuccessRate < t.MinSuccessRate:
		report.FailureReason = fmt.Sprintf("success rate %.2f%% below minimum %.2f%%", report.SuccessRate*100, t.MinSuccessRate*100)
	case report.P95LatencyMS > t.MaxP95LatencyMS:
		report.FailureReason = fmt.Sprintf("p95 latency %.1fms exceeds maximum %.1fms", report.P95LatencyMS, t.MaxP95LatencyMS)
	case report.P99LatencyMS > t.MaxP99LatencyMS:
		report.FailureReason = fmt.Sprintf("p99 latency %.1fms exceeds maximum %.1fms", report.P99LatencyMS, t.MaxP99LatencyMS)
	case report.ErrorRate > t.MaxErrorRate:
		report.FailureReason = fmt.Sprintf("error rate %.2f%% exceeds maximum %.2f%%", report.ErrorRate*100, t.MaxErrorRate*100)
	default:
		report.PassedThresholds = true
	}
	return report
}

// TriggerAlert appends an alert for the deployment and, when autoRollback is
// set and a target is known, repoints the production alias at the target.
// Rollback is attempted once. An empty alertID gets a random one.
func (g *Guard) TriggerAlert(ctx context.Context, alertID, deploymentID string, report domain.HealthReport, autoRollback bool, rollbackTarget string) domain.GjallarhornAlert {
	if alertID == "" {
		alertID = "alert-" + uuid.NewString()
	}
	reason := report.FailureReason
	if reason == "" {
		reason = "health thresholds not met"
	}
	alert := domain.GjallarhornAlert{
		ID:           alertID,
		DeploymentID: deploymentID,
		Reason:       reason,
		Report:       report,
		CreatedAt:    g.now(),
	}
	switch {
	case report.PassedThresholds && !report.Skipped && report.FailureReason == "":
		alert.ActionTaken = domain.ActionNone
		alert.Reason = "thresholds passed"
	case autoRollback && rollbackTarget != "" && g.Deploy != nil:
		alert.ActionTaken = domain.ActionRollback
		alert.RollbackTarget = rollbackTarget
		ok := g.Deploy.SetAlias(ctx, rollbackTarget, g.productionAlias())
		alert.RollbackSucceeded = &ok
		g.Metrics.Rollback(ok)
	default:
		alert.ActionTaken = domain.ActionAlertOnly
		if autoRollback {
			alert.Reason += "; no rollback target available"
		}
	}

	g.mu.Lock()
	g.alerts = append(g.alerts, alert)
	if g.breakers == nil {
		g.breakers = map[string]BreakerState{}
	}
	if alert.ActionTaken != domain.ActionNone {
		g.breakers[deploymentID] = BreakerOpen
	}
	g.mu.Unlock()

	g.Metrics.Alert(string(alert.ActionTaken))
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("deployment_id", deploymentID),
		zap.String("reason", alert.Reason),
		zap.String("action", string(alert.ActionTaken)),
	}
	if alert.RollbackSucceeded != nil {
		fields = append(fields, zap.String("rollback_target", rollbackTarget), zap.Bool("rollback_succeeded", *alert.RollbackSucceeded))
	}
	g.logger().Warn("gjallarhorn alert", fields...)
	return alert
}

func (g *Guard) productionAlias() string {
	if g.Config.ProductionAlias != "" {
		return g.Config.ProductionAlias
	}
	return "production"
}

// Alerts returns a copy of the alert log.
func (g *Guard) Alerts() []domain.GjallarhornAlert {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.GjallarhornAlert(nil), g.alerts...)
}

// State reports whether the breaker for a deployment has tripped.
func (g *Guard) State(deploymentID string) BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.breakers[deploymentID]; ok {
		return s
	}
	return BreakerClosed
}

// Reset closes a tripped breaker after operator intervention.
func (g *Guard) Reset(deploymentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, deploymentID)
}
