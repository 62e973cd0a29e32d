package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"releaseline/internal/config"
	"releaseline/internal/deploy"
	"releaseline/internal/domain"
	"releaseline/internal/events"
	"releaseline/internal/export"
	"releaseline/internal/health"
	"releaseline/internal/ids"
	"releaseline/internal/lock"
	"releaseline/internal/logging"
	"releaseline/internal/metrics"
	"releaseline/internal/orchestrator"
	"releaseline/internal/repo"
	"releaseline/internal/snapshot"
	"releaseline/internal/verify"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Manifest  *config.Manifest
	Verifier  *verify.Engine
	Snapshots snapshot.Provider
	Deploy    *deploy.Manager
	Guard     *health.Guard
	Locker    lock.Locker
	Fixer     orchestrator.Fixer
	Export    export.Sink
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	LeaseTTL  time.Duration
	Now       func() time.Time
}

// New wires an engine over db with the simulated deployment provider, the
// sqlite target lock and no snapshot provider. Callers replace what they need.
func New(db *sql.DB, m *config.Manifest) (Engine, error) {
	if m == nil {
		m = config.Default()
	}
	v, err := verify.New(nil)
	if err != nil {
		return Engine{}, fmt.Errorf("init verifier: %w", err)
	}
	mgr := deploy.NewManager(deploy.NewMemoryProvider(m.Deploy.SimulatedBaseURL), nil)
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Manifest: m,
		Verifier: v,
		Deploy:   mgr,
		Guard:    health.NewGuard(m.CircuitBreaker, mgr, nil, nil),
		Locker:   lock.NewSQLite(db),
		Now:      time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	return logging.OrNop(e.Logger)
}

func (e Engine) requireManifest() error {
	if e.Manifest == nil {
		return errors.New("manifest not loaded")
	}
	return nil
}

func (e Engine) snapshots() (snapshot.Provider, error) {
	if e.Snapshots == nil {
		return nil, errors.New("no snapshot provider configured")
	}
	return e.Snapshots, nil
}

// VerifyOptions select which invariants a standalone verification checks.
type VerifyOptions struct {
	Kind         string
	InvariantIDs []string
	Target       string
	ActorID      string
}

// Verify captures a snapshot and checks it against the manifest. The result
// is recorded as a verify.completed event.
func (e Engine) Verify(ctx context.Context, opts VerifyOptions) (domain.VerificationReport, error) {
	if err := e.requireManifest(); err != nil {
		return domain.VerificationReport{}, err
	}
	provider, err := e.snapshots()
	if err != nil {
		return domain.VerificationReport{}, err
	}
	snap, err := provider.Capture(ctx)
	if err != nil {
		return domain.VerificationReport{}, fmt.Errorf("capture snapshot: %w", err)
	}
	required := opts.InvariantIDs
	if len(required) == 0 {
		required = e.Manifest.Required(opts.Kind)
	}
	gen := ids.New()
	report, err := e.Verifier.Verify(ctx, snap, e.Manifest, gen, required...)
	if err != nil {
		return domain.VerificationReport{}, err
	}
	e.Metrics.Verification(report.ReadyForDeployment)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()
	failed := make([]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		failed = append(failed, f.InvariantID)
	}
	if err := e.Events.Append(ctx, tx, events.VerifyCompleted, opts.Target, "proof", report.Proof.ID, opts.ActorID, events.EventPayload{
		"kind":                 opts.Kind,
		"proof_hash":           report.Proof.ProofHash,
		"ready_for_deployment": report.ReadyForDeployment,
		"summary":              report.Summary,
		"failed":               failed,
	}); err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}

// RunOptions are parameters for a full pipeline run.
type RunOptions struct {
	Project          string
	Environment      string
	SourceRef        string
	Kind             string
	DryRun           bool
	SkipDeploy       bool
	MaxAttempts      int
	PreviousStableID string
	ActorID          string
}

func (e Engine) targetOf(project, env string) (string, string) {
	if project == "" && e.Manifest != nil {
		project = e.Manifest.Deploy.Project
	}
	if env == "" && e.Manifest != nil {
		env = e.Manifest.Deploy.Target
	}
	return project, env
}

func (e Engine) leaseTTL() time.Duration {
	if e.LeaseTTL > 0 {
		return e.LeaseTTL
	}
	return lock.DefaultTTL
}

func actorOr(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return "local-user"
	}
	return actorID
}

// StartRun executes one pipeline run while holding the target lease and
// persists its result, deployment, alert and transitions.
func (e Engine) StartRun(ctx context.Context, opts RunOptions) (domain.RunResult, error) {
	if err := e.requireManifest(); err != nil {
		return domain.RunResult{}, err
	}
	provider, err := e.snapshots()
	if err != nil {
		return domain.RunResult{}, err
	}
	if opts.Kind == "" {
		opts.Kind = config.KindDeployment
	}
	actorID := actorOr(opts.ActorID)
	project, env := e.targetOf(opts.Project, opts.Environment)
	if project == "" {
		return domain.RunResult{}, errors.New("project required")
	}
	target := lock.Key(project, env)

	// The lease belongs to this run, not to the actor: one actor may not
	// start two runs on a target at once.
	gen := ids.New()
	if e.Locker != nil {
		lease, err := e.Locker.Acquire(ctx, target, gen.Root(), e.leaseTTL())
		if err != nil {
			if errors.Is(err, lock.ErrHeld) {
				return domain.RunResult{}, fmt.Errorf("target %s: %w", target, err)
			}
			return domain.RunResult{}, err
		}
		defer func() {
			if err := e.Locker.Release(context.WithoutCancel(ctx), lease); err != nil {
				e.logger().Warn("release target lease failed", zap.String("target", target), zap.Error(err))
			}
		}()
	}

	stable := opts.PreviousStableID
	if stable == "" {
		id, err := e.Repo.LastStableDeployment(ctx, target)
		switch {
		case err == nil:
			stable = id
		case !errors.Is(err, repo.ErrNotFound):
			return domain.RunResult{}, err
		}
	}

	if err := e.appendEvent(ctx, events.RunStarted, target, "run", gen.Root(), actorID, events.EventPayload{
		"dry_run":            opts.DryRun,
		"skip_deploy":        opts.SkipDeploy,
		"kind":               opts.Kind,
		"previous_stable_id": stable,
	}); err != nil {
		return domain.RunResult{}, err
	}

	p := &orchestrator.Pipeline{
		Manifest:  e.Manifest,
		Verifier:  e.Verifier,
		Snapshots: provider,
		Fixer:     e.Fixer,
		Logger:    e.Logger,
		Metrics:   e.Metrics,
		Now:       e.Now,
	}
	if e.Deploy != nil {
		p.Deploy = e.Deploy
	}
	if e.Guard != nil {
		p.Guard = e.Guard
	}
	res, err := p.Run(ctx, orchestrator.Options{
		IDs:              gen,
		Project:          project,
		Environment:      env,
		SourceRef:        opts.SourceRef,
		DryRun:           opts.DryRun,
		SkipDeploy:       opts.SkipDeploy,
		MaxAttempts:      opts.MaxAttempts,
		PreviousStableID: stable,
		OperationKind:    opts.Kind,
	})
	if err != nil {
		return res, err
	}
	if err := e.persistRun(context.WithoutCancel(ctx), res, actorID); err != nil {
		return res, fmt.Errorf("persist run %s: %w", res.RunID, err)
	}
	if e.Export != nil {
		if key, err := export.Run(ctx, e.Export, res); err != nil {
			e.logger().Warn("export run failed", zap.String("run_id", res.RunID), zap.Error(err))
		} else {
			e.logger().Debug("run exported", zap.String("run_id", res.RunID), zap.String("key", key))
		}
	}
	return res, nil
}

func (e Engine) appendEvent(ctx context.Context, evtType, target, kind, id, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, target, kind, id, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) persistRun(ctx context.Context, res domain.RunResult, actorID string) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	run := domain.Run{
		ID:         res.RunID,
		Target:     res.Target,
		FinalState: string(res.FinalState),
		Success:    res.Success,
		ActorID:    actorID,
		StartedAt:  res.StartedAt.UTC().Format(time.RFC3339Nano),
		FinishedAt: e.now().UTC().Format(time.RFC3339Nano),
		ResultJSON: string(data),
	}
	if res.Report != nil {
		run.ProofHash = res.Report.Proof.ProofHash
	}
	// Simulated dry-run deployments never become rollback targets.
	if res.Deployment != nil && res.Deployment.ID != "" && !strings.HasPrefix(res.Deployment.ID, "dryrun-dpl-") {
		run.DeploymentID = res.Deployment.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return err
	}
	if run.DeploymentID != "" {
		if err := e.Repo.UpsertDeploymentTx(ctx, tx, res.Target, *res.Deployment); err != nil {
			return err
		}
	}
	for _, t := range res.Transitions {
		if err := e.Events.Append(ctx, tx, events.RunTransition, res.Target, "run", res.RunID, actorID, events.EventPayload{
			"from":   t.From,
			"to":     t.To,
			"reason": t.Reason,
			"at":     t.At.UTC().Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
	}
	if res.Alert != nil {
		if err := e.Repo.InsertAlertTx(ctx, tx, res.RunID, res.Target, *res.Alert); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.AlertRaised, res.Target, "alert", res.Alert.ID, actorID, alertPayload(*res.Alert, res.RunID)); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.RunFinished, res.Target, "run", res.RunID, actorID, events.EventPayload{
		"success":     res.Success,
		"final_state": res.FinalState,
		"rolled_back": res.RolledBack,
		"proof_hash":  run.ProofHash,
		"attempts":    res.Attempts,
		"duration_ms": res.DurationMS,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func alertPayload(a domain.GjallarhornAlert, runID string) events.EventPayload {
	p := events.EventPayload{
		"deployment_id":   a.DeploymentID,
		"reason":          a.Reason,
		"action_taken":    a.ActionTaken,
		"rollback_target": a.RollbackTarget,
	}
	if runID != "" {
		p["run_id"] = runID
	}
	if a.RollbackSucceeded != nil {
		p["rollback_succeeded"] = *a.RollbackSucceeded
	}
	return p
}

func (e Engine) GetRun(ctx context.Context, id string) (domain.RunResult, error) {
	return e.Repo.GetRunResult(ctx, id)
}

func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, f)
}

func (e Engine) ListAlerts(ctx context.Context, target string, limit int) ([]domain.GjallarhornAlert, error) {
	return e.Repo.ListAlerts(ctx, target, limit)
}

func (e Engine) LatestEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// Probe samples url against the manifest thresholds without a deployment.
func (e Engine) Probe(ctx context.Context, url string) (domain.HealthReport, error) {
	if strings.TrimSpace(url) == "" {
		return domain.HealthReport{}, errors.New("url required")
	}
	if e.Guard == nil {
		return domain.HealthReport{}, errors.New("health guard not configured")
	}
	return e.Guard.ProbeDeployment(ctx, url)
}

type RollbackOptions struct {
	Project      string
	Environment  string
	DeploymentID string
	Reason       string
	ActorID      string
}

// Rollback points the production alias at a previous deployment on operator
// request. Without an explicit deployment the last stable one is used.
func (e Engine) Rollback(ctx context.Context, opts RollbackOptions) (domain.GjallarhornAlert, error) {
	if err := e.requireManifest(); err != nil {
		return domain.GjallarhornAlert{}, err
	}
	if e.Deploy == nil {
		return domain.GjallarhornAlert{}, errors.New("deployment manager not configured")
	}
	actorID := actorOr(opts.ActorID)
	project, env := e.targetOf(opts.Project, opts.Environment)
	target := lock.Key(project, env)
	to := opts.DeploymentID
	if to == "" {
		id, err := e.Repo.LastStableDeployment(ctx, target)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.GjallarhornAlert{}, fmt.Errorf("no stable deployment recorded for %s; pass --to", target)
			}
			return domain.GjallarhornAlert{}, err
		}
		to = id
	}
	gen := ids.New()
	if e.Locker != nil {
		lease, err := e.Locker.Acquire(ctx, target, gen.Root(), e.leaseTTL())
		if err != nil {
			return domain.GjallarhornAlert{}, fmt.Errorf("target %s: %w", target, err)
		}
		defer func() { _ = e.Locker.Release(context.WithoutCancel(ctx), lease) }()
	}

	alias := e.Manifest.CircuitBreaker.ProductionAlias
	if alias == "" {
		alias = "production"
	}
	ok := e.Deploy.SetAlias(ctx, to, alias)
	e.Metrics.Rollback(ok)
	reason := "manual rollback"
	if strings.TrimSpace(opts.Reason) != "" {
		reason += ": " + strings.TrimSpace(opts.Reason)
	}
	alert := domain.GjallarhornAlert{
		ID:                gen.Next("alert"),
		DeploymentID:      to,
		Reason:            reason,
		ActionTaken:       domain.ActionRollback,
		RollbackTarget:    to,
		RollbackSucceeded: &ok,
		CreatedAt:         e.now().UTC(),
	}
	e.Metrics.Alert(string(alert.ActionTaken))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return alert, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAlertTx(ctx, tx, "", target, alert); err != nil {
		return alert, err
	}
	if err := e.Events.Append(ctx, tx, events.RollbackManual, target, "alert", alert.ID, actorID, alertPayload(alert, "")); err != nil {
		return alert, err
	}
	if err := tx.Commit(); err != nil {
		return alert, err
	}
	if !ok {
		return alert, fmt.Errorf("rollback of %s to %s failed", alias, to)
	}
	return alert, nil
}

// CreateDeployment creates a deployment outside a run and records it.
func (e Engine) CreateDeployment(ctx context.Context, opts deploy.CreateOptions, project, actorID string) (domain.DeploymentInfo, error) {
	if e.Deploy == nil {
		return domain.DeploymentInfo{}, errors.New("deployment manager not configured")
	}
	project, env := e.targetOf(project, opts.Target)
	if opts.Name == "" {
		opts.Name = project
	}
	opts.Target = env
	info, err := e.Deploy.CreateDeployment(ctx, opts)
	if err != nil {
		return info, err
	}
	target := lock.Key(project, env)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return info, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertDeploymentTx(ctx, tx, target, info); err != nil {
		return info, err
	}
	if err := e.Events.Append(ctx, tx, events.DeployCreated, target, "deployment", info.ID, actorOr(actorID), events.EventPayload{
		"status":    info.Status,
		"url":       info.URL,
		"simulated": info.Simulated,
	}); err != nil {
		return info, err
	}
	return info, tx.Commit()
}

// ImportManifest stores m as the workspace manifest.
func (e Engine) ImportManifest(ctx context.Context, m *config.Manifest, actorID string) error {
	if m == nil {
		return errors.New("manifest required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertManifest(ctx, tx, m, actorOr(actorID)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ManifestImport, m.Deploy.Project, "manifest", m.Codename, actorOr(actorID), events.EventPayload{
		"manifest_version": m.ManifestVersion,
		"invariants":       len(m.Invariants),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
