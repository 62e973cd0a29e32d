// Package orchestrator drives one release through verification, build, test,
// deployment and health probing, with bounded self-correction on failure and
// rollback when a deployment turns out unhealthy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"releaseline/internal/config"
	"releaseline/internal/deploy"
	"releaseline/internal/domain"
	"releaseline/internal/ids"
	"releaseline/internal/logging"
	"releaseline/internal/metrics"
	"releaseline/internal/snapshot"
	"releaseline/internal/verify"
)

type Verifier interface {
	Verify(ctx context.Context, snap domain.SystemSnapshot, m *config.Manifest, ids verify.IDSource, required ...string) (domain.VerificationReport, error)
}

type Deployer interface {
	CreateDeployment(ctx context.Context, opts deploy.CreateOptions) (domain.DeploymentInfo, error)
	WaitForDeployment(ctx context.Context, id string, timeout time.Duration) (*domain.DeploymentInfo, error)
}

type HealthGuard interface {
	ProbeDeployment(ctx context.Context, baseURL string) (domain.HealthReport, error)
	TriggerAlert(ctx context.Context, alertID, deploymentID string, report domain.HealthReport, autoRollback bool, rollbackTarget string) domain.GjallarhornAlert
}

// Pipeline holds the collaborators shared by every run. It keeps no per-run
// state, so one Pipeline may execute many runs concurrently as long as the
// caller serializes runs per target.
type Pipeline struct {
	Manifest  *config.Manifest
	Verifier  Verifier
	Snapshots snapshot.Provider
	Deploy    Deployer
	Guard     HealthGuard
	Fixer     Fixer
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Options struct {
	// IDs scopes every identifier the run hands out. Nil means a fresh
	// generator rooted at a new UUID.
	IDs              *ids.Generator
	Project          string
	Environment      string
	SourceRef        string
	DryRun           bool
	SkipDeploy       bool
	MaxAttempts      int
	PreviousStableID string
	OperationKind    string
}

// stage handlers return the next state and the reason for moving there.
type stageFunc func(ctx context.Context, rc *RunContext) (domain.RunState, string)

const linearStages = 8

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Pipeline) logger() *zap.Logger {
	return logging.OrNop(p.Logger)
}

func (p *Pipeline) validate() error {
	switch {
	case p.Manifest == nil:
		return errors.New("pipeline: manifest required")
	case p.Verifier == nil:
		return errors.New("pipeline: verifier required")
	case p.Snapshots == nil:
		return errors.New("pipeline: snapshot provider required")
	}
	return nil
}

// Run executes the state machine until DONE or FAILED. The returned error is
// non-nil only for misconfiguration; every runtime failure, cancellation
// included, is reported through the RunResult.
func (p *Pipeline) Run(ctx context.Context, opts Options) (domain.RunResult, error) {
	if err := p.validate(); err != nil {
		return domain.RunResult{}, err
	}
	gen := opts.IDs
	if gen == nil {
		gen = ids.New()
	}
	project := opts.Project
	if project == "" {
		project = p.Manifest.Deploy.Project
	}
	env := opts.Environment
	if env == "" {
		env = p.Manifest.Deploy.Target
	}
	target := project
	if env != "" {
		target = project + "/" + env
	}
	rc := newRunContext(gen, target, opts.MaxAttempts, p.now)
	r := &run{p: p, opts: opts, project: project, env: env}
	log := p.logger().With(zap.String("run_id", rc.RunID), zap.String("target", target))

	handlers := map[domain.RunState]stageFunc{
		domain.StateIdle:        func(context.Context, *RunContext) (domain.RunState, string) { return domain.StateVerify, "pipeline started" },
		domain.StateVerify:      r.verify,
		domain.StateBuild:       r.build,
		domain.StateTest:        r.test,
		domain.StateDeploy:      r.deploy,
		domain.StateProbe:       r.probe,
		domain.StateRollback:    r.rollback,
		domain.StateSelfCorrect: r.selfCorrect,
		domain.StateEscalate:    r.escalate,
	}
	maxSteps := (rc.MaxAttempts+1)*4 + linearStages
	rc.tracef("run %s started for %s (max attempts %d, dry run %t)", rc.RunID, target, rc.MaxAttempts, opts.DryRun)

	for step := 0; !rc.State.Terminal(); step++ {
		if err := ctx.Err(); err != nil {
			p.move(rc, log, domain.StateFailed, "canceled")
			break
		}
		if step >= maxSteps {
			p.move(rc, log, domain.StateFailed, fmt.Sprintf("step limit %d reached", maxSteps))
			break
		}
		handler, ok := handlers[rc.State]
		if !ok {
			p.move(rc, log, domain.StateFailed, fmt.Sprintf("no handler for state %s", rc.State))
			break
		}
		next, reason := handler(ctx, rc)
		if ctx.Err() != nil && !next.Terminal() {
			next, reason = domain.StateFailed, "canceled"
		}
		p.move(rc, log, next, reason)
	}

	res := rc.Result()
	p.Metrics.Run(string(res.FinalState))
	log.Info("run finished",
		zap.String("final_state", string(res.FinalState)),
		zap.Bool("success", res.Success),
		zap.Int("attempts", res.Attempts),
		zap.Int64("duration_ms", res.DurationMS))
	return res, nil
}

func (p *Pipeline) move(rc *RunContext, log *zap.Logger, to domain.RunState, reason string) {
	t := rc.transition(to, reason)
	p.Metrics.Transition(string(t.From), string(t.To))
	log.Debug("transition", zap.String("from", string(t.From)), zap.String("to", string(t.To)), zap.String("reason", reason))
}

type run struct {
	p       *Pipeline
	opts    Options
	project string
	env     string
}

func (r *run) retryOrEscalate(rc *RunContext, failure string) (domain.RunState, string) {
	if rc.attemptsRemain() {
		return domain.StateSelfCorrect, fmt.Sprintf("%s; attempt %d of %d", failure, rc.Attempts+1, rc.MaxAttempts)
	}
	return domain.StateEscalate, fmt.Sprintf("%s; attempt budget exhausted", failure)
}

func (r *run) capture(ctx context.Context, rc *RunContext, stage string) (domain.SystemSnapshot, bool) {
	snap, err := r.p.Snapshots.Capture(ctx)
	if err != nil {
		rc.diagnose(domain.Diagnostic{Source: stage, Message: "snapshot capture failed: " + err.Error()})
		rc.tracef("%s: snapshot capture failed: %v", stage, err)
		return snap, false
	}
	return snap, true
}

func (r *run) verify(ctx context.Context, rc *RunContext) (domain.RunState, string) {
	snap, ok := r.capture(ctx, rc, "verify")
	if !ok {
		return r.retryOrEscalate(rc, "snapshot unavailable")
	}
	required := r.p.Manifest.Required(r.opts.OperationKind)
	report, err := r.p.Verifier.Verify(ctx, snap, r.p.Manifest, rc.IDs, required...)
	if err != nil {
		rc.diagnose(domain.Diagnostic{Source: "verify", Message: err.Error()})
		if errors.Is(err, verify.ErrUnknownInvariant) {
			return domain.StateEscalate, "manifest references unknown invariants: " + err.Error()
		}
		return r.retryOrEscalate(rc, "verification error: "+err.Error())
	}
	rc.Report = &report
	r.p.Metrics.Verification(report.ReadyForDeployment)
	rc.Trace = append(rc.Trace, report.Proof.ReasoningTrace...)
	rc.tracef("proof %s hash %s: %d passed, %d failed, %d skipped",
		report.Proof.ID, report.Proof.ProofHash, report.Summary.Passed, report.Summary.Failed, report.Summary.Skipped)
	if report.ReadyForDeployment {
		return domain.StateBuild, fmt.Sprintf("all %d invariants satisfied", report.Summary.Total-report.Summary.Skipped)
	}
	var failed []string
	for _, f := range report.Failures {
		failed = append(failed, f.InvariantID)
		rc.diagnose(domain.Diagnostic{Source: "invariant " + f.InvariantID, Message: f.Reason})
	}
	for _, d := range stageDiagnostics(snap) {
		rc.diagnose(d)
	}
	return r.retryOrEscalate(rc, "invariants failed: "+strings.Join(failed, ", "))
}

func (r *run) build(ctx context.Context, rc *RunContext) (domain.RunState, string) {
	snap, ok := r.capture(ctx, rc, "build")
	if !ok {
		return r.retryOrEscalate(rc, "build snapshot unavailable")
	}
	if !snap.Build.Success {
		rc.diagnose(outcomeDiagnostic("build", snap.Build))
		return r.retryOrEscalate(rc, fmt.Sprintf("build failed (exit %d)", snap.Build.ExitCode))
	}
	return domain.StateTest, "build succeeded"
}

func (r *run) test(ctx context.Context, rc *RunContext) (domain.RunState, string) {
	snap, ok := r.capture(ctx, rc, "test")
	if !ok {
		return r.retryOrEscalate(rc, "test snapshot unavailable")
	}
	if !snap.Tests.Success {
		rc.diagnose(outcomeDiagnostic("tests", snap.Tests))
		return r.retryOrEscalate(rc, fmt.Sprintf("tests failed (exit %d)", snap.Tests.ExitCode))
	}
	if r.opts.SkipDeploy {
		return domain.StateDone, "tests passed; deployment skipped"
	}
	return domain.StateDeploy, "tests passed"
}

func (r *run) deploy(ctx context.Context, rc *RunContext) (domain.RunState, string) {
	now := r.p.now().UTC()
	if r.opts.DryRun || r.p.Deploy == nil {
		info := domain.DeploymentInfo{
			ID:        rc.IDs.Next("dryrun-dpl"),
			Name:      r.project,
			Target:    r.env,
			SourceRef: r.opts.SourceRef,
			Status:    domain.DeploymentReady,
			Simulated: true,
			CreatedAt: now,
			UpdatedAt: now,
			ReadyAt:   &now,
		}
		rc.Deployment = &info
		return domain.StateProbe, "dry run: synthetic deployment " + info.ID
	}
	info, err := r.p.Deploy.CreateDeployment(ctx, deploy.CreateOptions{
		Name:      r.project,
		Target:    r.env,
		SourceRef: r.opts.SourceRef,
	})
	if err != nil {
		rc.diagnose(domain.Diagnostic{Source: "deploy", Message: err.Error()})
		rc.Deployment = &domain.DeploymentInfo{Name: r.project, Target: r.env, Status: domain.DeploymentError, Error: err.Error(), CreatedAt: now, UpdatedAt: now}
		return domain.StateProbe, "deployment creation failed: " + err.Error()
	}
	rc.Deployment = &info
	if !info.Status.Terminal() {
		wait := time.Duration(r.p.Manifest.Deploy.WaitTimeoutMS) * time.Millisecond
		if wait <= 0 {
			wait = 5 * time.Minute
		}
		final, err := r.p.Deploy.WaitForDeployment(ctx, info.ID, wait)
		switch {
		case err != nil:
			rc.diagnose(domain.Diagnostic{Source: "deploy", Message: err.Error()})
		case final == nil:
			rc.Deployment.Error = fmt.Sprintf("not ready within %s", wait)
			rc.diagnose(domain.Diagnostic{Source: "deploy", Message: "deployment " + info.ID + " " + rc.Deployment.Error})
		default:
			rc.Deployment = final
		}
	}
	return domain.StateProbe, fmt.Sprintf("deployment %s %s", rc.Deployment.ID, rc.Deployment.Status)
}

func (r *run) probe(ctx context.Context, rc *RunContext) (domain.RunState, string) {
	dep := rc.Deployment
	now := r.p.now().UTC()
	switch {
	case dep == nil || dep.Status != domain.DeploymentReady:
		status := "missing"
		if dep != nil {
			status = string(dep.Status)
		}
		report := domain.HealthReport{Timestamp: now, FailureReason: "deployment not ready: " + status}
		rc.Health = &report
		return domain.StateRollback, report.FailureReason
	case r.opts.DryRun || r.p.Guard == nil || !deploy.Probeable(*dep):
		report := domain.HealthReport{DeploymentURL: dep.URL, Timestamp: now, SuccessRate: 1, PassedThresholds: true, Skipped: true}
		rc.Health = &report
		return r.promote(ctx, rc, "health probe skipped for simulated deployment")
	}
	report, err := r.p.Guard.ProbeDeployment(ctx, dep.URL)
	if err != nil {
		return domain.StateFailed, "canceled"
	}
	rc.Health = &report
	rc.tracef("probe %s: %d samples, success %.2f, p95 %.0fms, p99 %.0fms",
		dep.URL, report.TotalRequests, report.SuccessRate, report.P95LatencyMS, report.P99LatencyMS)
	if report.PassedThresholds {
		return r.promote(ctx, rc, "health thresholds passed")
	}
	return domain.StateRollback, report.FailureReason
}

// aliasSetter is implemented by deployers that can move aliases.
type aliasSetter interface {
	SetAlias(ctx context.Context, id, alias string) bool
}

// promote points the production alias at a healthy deployment unless the
// host already did. Dry runs never move aliases.
func (r *run) promote(ctx context.Context, rc *RunContext, reason string) (domain.RunState, string) {
	if r.opts.DryRun {
		return domain.StateDone, reason
	}
	setter, ok := r.p.Deploy.(aliasSetter)
	if !ok {
		return domain.StateDone, reason
	}
	alias := r.p.Manifest.CircuitBreaker.ProductionAlias
	if alias == "" {
		alias = "production"
	}
	dep := rc.Deployment
	if slices.Contains(dep.Aliases, alias) {
		return domain.StateDone, reason
	}
	if !setter.SetAlias(ctx, dep.ID, alias) {
		rc.diagnose(domain.Diagnostic{Source: "deploy", Message: "promote " + dep.ID + " to " + alias + " failed"})
		return domain.StateFailed, fmt.Sprintf("%s; promoting %s to %s failed", reason, dep.ID, alias)
	}
	dep.Aliases = append(dep.Aliases, alias)
	rc.tracef("promoted %s to %s", dep.ID, alias)
	return domain.StateDone, fmt.Sprintf("%s; promoted to %s", reason, alias)
}

func (r *run) rollback(ctx context.Context, rc *RunContext) (domain.RunState, string) {
	var report domain.HealthReport
	if rc.Health != nil {
		report = *rc.Health
	}
	depID := ""
	if rc.Deployment != nil {
		depID = rc.Deployment.ID
	}
	auto := r.p.Manifest.CircuitBreaker.AutoRollback
	if r.p.Guard == nil {
		rc.tracef("rollback: no health guard configured")
		return domain.StateFailed, "rollback unavailable"
	}
	alert := r.p.Guard.TriggerAlert(ctx, rc.IDs.Next("alert"), depID, report, auto, r.opts.PreviousStableID)
	rc.Alert = &alert
	switch {
	case alert.ActionTaken == domain.ActionRollback && alert.RollbackSucceeded != nil && *alert.RollbackSucceeded:
		rc.RolledBack = true
		return domain.StateFailed, "rolled back to " + alert.RollbackTarget
	case alert.ActionTaken == domain.ActionRollback:
		return domain.StateFailed, "rollback to " + alert.RollbackTarget + " failed; operator action required"
	default:
		return domain.StateFailed, "alert raised without rollback: " + alert.Reason
	}
}

func (r *run) selfCorrect(ctx context.Context, rc *RunContext) (domain.RunState, string) {
	rc.Attempts++
	candidates := deriveFixes(rc.fresh(), r.p.Manifest, func() string { return rc.IDs.Next("fix") })
	applied := false
	for i := range candidates {
		fix := &candidates[i]
		if !fix.Permitted {
			rc.tracef("fix %s (%s/%s) proposed, not permitted", fix.ID, fix.Category, fix.Action)
			continue
		}
		if applied {
			rc.tracef("fix %s (%s) deferred: one fix per cycle", fix.ID, fix.Category)
			continue
		}
		entry, _ := r.p.Manifest.Allowed(fix.Category)
		switch {
		case r.opts.DryRun:
			fix.Error = "dry run"
		case r.p.Fixer == nil:
			fix.Error = "no fixer configured"
		default:
			if err := r.p.Fixer.Apply(ctx, *fix, entry); err != nil {
				fix.Error = err.Error()
			} else {
				fix.Applied = true
				applied = true
			}
		}
		if fix.Applied {
			rc.tracef("fix %s applied: %s/%s", fix.ID, fix.Category, fix.Action)
		} else {
			rc.tracef("fix %s not applied: %s", fix.ID, fix.Error)
		}
	}
	rc.Fixes = append(rc.Fixes, candidates...)
	if applied {
		return domain.StateVerify, fmt.Sprintf("applied fix; re-verifying (attempt %d of %d)", rc.Attempts, rc.MaxAttempts)
	}
	if rc.attemptsRemain() {
		return domain.StateVerify, fmt.Sprintf("no applicable fix; re-verifying (attempt %d of %d)", rc.Attempts, rc.MaxAttempts)
	}
	return domain.StateEscalate, "no applicable fix and attempt budget exhausted"
}

func (r *run) escalate(_ context.Context, rc *RunContext) (domain.RunState, string) {
	esc := domain.Escalation{
		Reason:      "automated repair exhausted",
		Attempts:    rc.Attempts,
		Diagnostics: append([]domain.Diagnostic(nil), rc.Diagnostics...),
		CreatedAt:   r.p.now().UTC(),
	}
	if n := len(rc.Transitions); n > 0 {
		esc.Reason = rc.Transitions[n-1].Reason
	}
	if rc.Report != nil {
		for _, f := range rc.Report.Failures {
			esc.FailedInvariants = append(esc.FailedInvariants, f.InvariantID)
		}
	}
	for _, f := range rc.Fixes {
		if !f.Applied {
			esc.ProposedFixes = append(esc.ProposedFixes, f)
		}
	}
	rc.Escalation = &esc
	r.p.logger().Warn("run escalated for human review",
		zap.String("run_id", rc.RunID),
		zap.Int("attempts", rc.Attempts),
		zap.Strings("failed_invariants", esc.FailedInvariants))
	return domain.StateFailed, "escalated for human review"
}

func outcomeDiagnostic(source string, o domain.StageOutcome) domain.Diagnostic {
	msg := strings.TrimSpace(o.Output)
	if msg == "" {
		msg = fmt.Sprintf("%s failed with %d errors", source, o.Errors)
	}
	return domain.Diagnostic{Source: source, ExitCode: o.ExitCode, Message: msg}
}

// stageDiagnostics reports the snapshot stages that carry errors.
func stageDiagnostics(snap domain.SystemSnapshot) []domain.Diagnostic {
	var out []domain.Diagnostic
	stages := []struct {
		name string
		o    domain.StageOutcome
	}{
		{"build", snap.Build},
		{"typecheck", snap.TypeCheck},
		{"lint", snap.Lint},
	}
	for _, s := range stages {
		if !s.o.Success || s.o.Errors > 0 {
			out = append(out, outcomeDiagnostic(s.name, s.o))
		}
	}
	return out
}
