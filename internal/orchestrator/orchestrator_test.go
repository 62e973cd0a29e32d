package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"releaseline/internal/config"
	"releaseline/internal/deploy"
	"releaseline/internal/domain"
	"releaseline/internal/health"
	"releaseline/internal/ids"
	"releaseline/internal/snapshot"
	"releaseline/internal/verify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return epoch }

func healthy() domain.SystemSnapshot {
	return domain.SystemSnapshot{
		CapturedAt: epoch,
		Build:      domain.StageOutcome{Success: true},
		Lint:       domain.StageOutcome{Success: true},
		TypeCheck:  domain.StageOutcome{Success: true},
		Tests:      domain.StageOutcome{Success: true},
		Git:        domain.GitState{Clean: true, Branch: "main", Commit: "abc123"},
	}
}

func lintBroken() domain.SystemSnapshot {
	s := healthy()
	s.Lint = domain.StageOutcome{Success: false, ExitCode: 1, Errors: 3, Output: "src/app.ts:4:1 error no-unused-vars"}
	return s
}

func typesBroken() domain.SystemSnapshot {
	s := healthy()
	s.TypeCheck = domain.StageOutcome{Success: false, ExitCode: 2, Errors: 1, Output: "src/app.ts(4,1): error TS2322: Type 'string' is not assignable to type 'number'."}
	return s
}

// fakeFixer records applied fixes and can flip a Sequence forward by being
// paired with one.
type fakeFixer struct {
	mu      sync.Mutex
	applied []domain.Fix
	err     error
}

func (f *fakeFixer) Apply(_ context.Context, fix domain.Fix, _ config.AllowlistEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, fix)
	return nil
}

func newPipeline(t *testing.T, snaps snapshot.Provider) *Pipeline {
	t.Helper()
	eng, err := verify.New(nil)
	require.NoError(t, err)
	eng.Now = fixedNow
	return &Pipeline{
		Manifest:  config.Default(),
		Verifier:  eng,
		Snapshots: snaps,
		Fixer:     &fakeFixer{},
		Now:       fixedNow,
	}
}

type edge struct{ From, To domain.RunState }

func edges(ts []domain.Transition) []edge {
	out := make([]edge, 0, len(ts))
	for _, t := range ts {
		out = append(out, edge{t.From, t.To})
	}
	return out
}

func countState(ts []domain.Transition, s domain.RunState) int {
	n := 0
	for _, t := range ts {
		if t.To == s {
			n++
		}
	}
	return n
}

func TestDryRunReachesDone(t *testing.T) {
	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	res, err := p.Run(context.Background(), Options{IDs: ids.NewWithRoot("r1"), DryRun: true, OperationKind: config.KindDeployment})
	require.NoError(t, err)

	want := []edge{
		{domain.StateIdle, domain.StateVerify},
		{domain.StateVerify, domain.StateBuild},
		{domain.StateBuild, domain.StateTest},
		{domain.StateTest, domain.StateDeploy},
		{domain.StateDeploy, domain.StateProbe},
		{domain.StateProbe, domain.StateDone},
	}
	if diff := cmp.Diff(want, edges(res.Transitions)); diff != "" {
		t.Fatalf("transitions mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, res.Success)
	assert.Equal(t, "r1", res.RunID)
	require.NotNil(t, res.Report)
	assert.Equal(t, 5, res.Report.Summary.Total)
	require.NotNil(t, res.Deployment)
	assert.Equal(t, domain.DeploymentReady, res.Deployment.Status)
	assert.Equal(t, "dryrun-dpl-r1-1", res.Deployment.ID)
	require.NotNil(t, res.Health)
	assert.True(t, res.Health.Skipped)
}

func TestSkipDeployStopsAfterTests(t *testing.T) {
	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	res, err := p.Run(context.Background(), Options{SkipDeploy: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, res.FinalState)
	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, edge{domain.StateTest, domain.StateDone}, edge{last.From, last.To})
	assert.Nil(t, res.Deployment)
}

func TestSimulatedDeploymentWithoutCredentials(t *testing.T) {
	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	p.Deploy = deploy.NewManager(deploy.NewProvider(deploy.ProviderConfig{}), nil)
	res, err := p.Run(context.Background(), Options{Project: "shop", Environment: "production"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "shop/production", res.Target)
	require.NotNil(t, res.Deployment)
	assert.Equal(t, domain.DeploymentReady, res.Deployment.Status)
	assert.True(t, res.Deployment.Simulated)
	assert.Equal(t, "sim-dpl-0001", res.Deployment.ID)
}

func TestHealthyDeploymentIsPromoted(t *testing.T) {
	provider := deploy.NewMemoryProvider("")
	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	p.Deploy = deploy.NewManager(provider, nil)
	res, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.True(t, res.Success)

	alias := p.Manifest.CircuitBreaker.ProductionAlias
	target, ok := provider.Alias(alias)
	require.True(t, ok)
	assert.Equal(t, res.Deployment.ID, target)
	assert.Contains(t, res.Deployment.Aliases, alias)
	assert.Contains(t, res.Transitions[len(res.Transitions)-1].Reason, "promoted to "+alias)
}

// stuckAliasDeployer creates ready deployments but cannot move aliases.
type stuckAliasDeployer struct{}

func (stuckAliasDeployer) CreateDeployment(ctx context.Context, opts deploy.CreateOptions) (domain.DeploymentInfo, error) {
	return domain.DeploymentInfo{ID: "dpl-1", Status: domain.DeploymentReady}, nil
}

func (stuckAliasDeployer) WaitForDeployment(ctx context.Context, id string, timeout time.Duration) (*domain.DeploymentInfo, error) {
	return nil, errors.New("not expected")
}

func (stuckAliasDeployer) SetAlias(ctx context.Context, id, alias string) bool { return false }

func TestFailedPromotionFailsRun(t *testing.T) {
	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	p.Deploy = stuckAliasDeployer{}
	res, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, res.FinalState)
	assert.False(t, res.RolledBack)
	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, edge{domain.StateProbe, domain.StateFailed}, edge{last.From, last.To})
	require.NotEmpty(t, res.Diagnostics)
	assert.Equal(t, "deploy", res.Diagnostics[len(res.Diagnostics)-1].Source)
}

func TestDryRunLeavesAliasesAlone(t *testing.T) {
	provider := deploy.NewMemoryProvider("")
	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	p.Deploy = deploy.NewManager(provider, nil)
	res, err := p.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	_, ok := provider.Alias(p.Manifest.CircuitBreaker.ProductionAlias)
	assert.False(t, ok)
}

func TestLintFailureSelfCorrects(t *testing.T) {
	seq := snapshot.NewSequence(lintBroken(), healthy())
	p := newPipeline(t, seq)
	fixer := &fakeFixer{}
	p.Fixer = fixer
	res, err := p.Run(context.Background(), Options{IDs: ids.NewWithRoot("r2"), DryRun: false, SkipDeploy: true})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, fixer.applied, 1)
	assert.Equal(t, "lint", fixer.applied[0].Category)
	assert.Equal(t, "autofix", fixer.applied[0].Action)
	require.NotEmpty(t, res.Fixes)
	assert.True(t, res.Fixes[0].Applied)
	assert.Equal(t, 1, countState(res.Transitions, domain.StateSelfCorrect))
}

func TestAttemptBudgetBoundsSelfCorrection(t *testing.T) {
	for _, max := range []int{1, 2, 3, 5} {
		p := newPipeline(t, snapshot.Static{Snapshot: lintBroken()})
		p.Fixer = &fakeFixer{err: errors.New("autofix crashed")}
		res, err := p.Run(context.Background(), Options{MaxAttempts: max})
		require.NoError(t, err)

		assert.Equal(t, domain.StateFailed, res.FinalState, "max=%d", max)
		assert.Equal(t, max, countState(res.Transitions, domain.StateSelfCorrect), "max=%d", max)
		assert.Equal(t, 1, countState(res.Transitions, domain.StateEscalate))
		require.NotNil(t, res.Escalation)
		assert.Equal(t, []string{"INV-003"}, res.Escalation.FailedInvariants)
		assert.Equal(t, max, res.Escalation.Attempts)
		for _, f := range res.Fixes {
			assert.False(t, f.Applied)
		}
	}
}

func TestDefaultBudgetIsThree(t *testing.T) {
	p := newPipeline(t, snapshot.Static{Snapshot: lintBroken()})
	p.Fixer = &fakeFixer{err: errors.New("no-op")}
	res, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, countState(res.Transitions, domain.StateSelfCorrect))
}

func TestFixOutsideAllowlistIsOnlyProposed(t *testing.T) {
	p := newPipeline(t, snapshot.Static{Snapshot: typesBroken()})
	fixer := &fakeFixer{}
	p.Fixer = fixer
	res, err := p.Run(context.Background(), Options{MaxAttempts: 1})
	require.NoError(t, err)

	assert.Equal(t, domain.StateFailed, res.FinalState)
	assert.Empty(t, fixer.applied)
	require.NotEmpty(t, res.Fixes)
	assert.Equal(t, "types", res.Fixes[0].Category)
	assert.False(t, res.Fixes[0].Permitted)
	require.NotNil(t, res.Escalation)
	assert.NotEmpty(t, res.Escalation.ProposedFixes)
}

func TestBuildFailureRetriesLikeVerification(t *testing.T) {
	bad := healthy()
	bad.Build = domain.StageOutcome{Success: false, ExitCode: 1}
	// Verify sees a good build, the BUILD stage re-capture sees it fail.
	seq := snapshot.NewSequence(healthy(), bad, healthy())
	p := newPipeline(t, seq)
	res, err := p.Run(context.Background(), Options{SkipDeploy: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, countState(res.Transitions, domain.StateSelfCorrect))
	assert.Equal(t, "build", res.Diagnostics[0].Source)
}

func TestUnhealthyDeploymentRollsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := deploy.NewMemoryProvider(srv.URL)
	mgr := deploy.NewManager(provider, nil)
	cb := config.Default().CircuitBreaker
	cb.ProbeCount = 3
	cb.ProbeIntervalMS = 0
	cb.Endpoints = []config.Endpoint{{Path: "/", Method: http.MethodGet, ExpectedStatus: http.StatusOK}}
	guard := health.NewGuard(cb, mgr, nil, nil)
	guard.Client = srv.Client()

	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	p.Deploy = mgr
	p.Guard = guard
	res, err := p.Run(context.Background(), Options{PreviousStableID: "sim-dpl-prev"})
	require.NoError(t, err)

	assert.Equal(t, domain.StateFailed, res.FinalState)
	assert.True(t, res.RolledBack)
	require.NotNil(t, res.Health)
	assert.False(t, res.Health.PassedThresholds)
	assert.Contains(t, res.Health.FailureReason, "success rate")
	require.NotNil(t, res.Alert)
	assert.Equal(t, domain.ActionRollback, res.Alert.ActionTaken)
	assert.Equal(t, "alert-"+res.RunID+"-1", res.Alert.ID)
	assert.Equal(t, "sim-dpl-prev", res.Alert.RollbackTarget)
	target, ok := provider.Alias(cb.ProductionAlias)
	require.True(t, ok)
	assert.Equal(t, "sim-dpl-prev", target)
	assert.Equal(t, health.BreakerOpen, guard.State(res.Deployment.ID))

	want := []edge{
		{domain.StateIdle, domain.StateVerify},
		{domain.StateVerify, domain.StateBuild},
		{domain.StateBuild, domain.StateTest},
		{domain.StateTest, domain.StateDeploy},
		{domain.StateDeploy, domain.StateProbe},
		{domain.StateProbe, domain.StateRollback},
		{domain.StateRollback, domain.StateFailed},
	}
	if diff := cmp.Diff(want, edges(res.Transitions)); diff != "" {
		t.Fatalf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestUnhealthyWithoutRollbackTargetAlertsOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mgr := deploy.NewManager(deploy.NewMemoryProvider(srv.URL), nil)
	cb := config.Default().CircuitBreaker
	cb.ProbeCount = 2
	cb.ProbeIntervalMS = 0
	guard := health.NewGuard(cb, mgr, nil, nil)
	guard.Client = srv.Client()

	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	p.Deploy = mgr
	p.Guard = guard
	res, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.False(t, res.RolledBack)
	require.NotNil(t, res.Alert)
	assert.Equal(t, domain.ActionAlertOnly, res.Alert.ActionTaken)
}

func TestCanceledContextFailsRun(t *testing.T) {
	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, res.FinalState)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, "canceled", res.Transitions[0].Reason)
}

type blockingDeployer struct{}

func (blockingDeployer) CreateDeployment(ctx context.Context, opts deploy.CreateOptions) (domain.DeploymentInfo, error) {
	return domain.DeploymentInfo{ID: "dpl-slow", Status: domain.DeploymentBuilding}, nil
}

func (blockingDeployer) WaitForDeployment(ctx context.Context, id string, timeout time.Duration) (*domain.DeploymentInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelDuringDeploymentWait(t *testing.T) {
	p := newPipeline(t, snapshot.Static{Snapshot: healthy()})
	p.Deploy = blockingDeployer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.RunResult, 1)
	go func() {
		res, _ := p.Run(ctx, Options{})
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case res := <-done:
		assert.Equal(t, domain.StateFailed, res.FinalState)
		assert.Equal(t, "canceled", res.Transitions[len(res.Transitions)-1].Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunRequiresCollaborators(t *testing.T) {
	_, err := (&Pipeline{}).Run(context.Background(), Options{})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		d    domain.Diagnostic
		want string
	}{
		{domain.Diagnostic{Source: "lint", Message: "3 problems"}, "lint"},
		{domain.Diagnostic{Source: "typecheck", Message: "error TS2322"}, "types"},
		{domain.Diagnostic{Source: "build", Message: "cannot find module 'left-pad'"}, "imports"},
		{domain.Diagnostic{Source: "lint", Message: "prettier: code style issues"}, "formatting"},
	}
	for _, c := range cases {
		got, ok := classify(c.d)
		require.True(t, ok, c.d.Message)
		assert.Equal(t, c.want, got.name, c.d.Message)
	}
	_, ok := classify(domain.Diagnostic{Source: "build", Message: "exit status 137"})
	assert.False(t, ok)
}

func TestDeriveFixesOnePerCategory(t *testing.T) {
	m := config.Default()
	n := 0
	next := func() string { n++; return "fix-" + string(rune('0'+n)) }
	fixes := deriveFixes([]domain.Diagnostic{
		{Source: "lint", Message: "a"},
		{Source: "lint", Message: "b"},
		{Source: "typecheck", Message: "c"},
	}, m, next)
	require.Len(t, fixes, 2)
	assert.Equal(t, "lint", fixes[0].Category)
	assert.True(t, fixes[0].Permitted)
	assert.Equal(t, "types", fixes[1].Category)
	assert.False(t, fixes[1].Permitted)
}

func TestCommandFixerRunsAllowlistCommand(t *testing.T) {
	dir := t.TempDir()
	f := CommandFixer{Dir: dir}
	err := f.Apply(context.Background(), domain.Fix{Category: "lint"}, config.AllowlistEntry{Category: "lint", Command: "touch fixed"})
	require.NoError(t, err)
	assert.FileExists(t, dir+"/fixed")

	err = f.Apply(context.Background(), domain.Fix{Category: "lint"}, config.AllowlistEntry{Category: "lint", Command: "exit 3"})
	assert.ErrorContains(t, err, "exited 3")

	err = f.Apply(context.Background(), domain.Fix{Category: "lint"}, config.AllowlistEntry{Category: "lint"})
	assert.Error(t, err)
}
