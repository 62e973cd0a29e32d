package orchestrator

import (
	"fmt"
	"time"

	"releaseline/internal/domain"
	"releaseline/internal/ids"
)

// DefaultMaxAttempts bounds SELF_CORRECT cycles when a run sets none.
const DefaultMaxAttempts = 3

// RunContext is the mutable state of exactly one pipeline run. It is never
// shared between runs.
type RunContext struct {
	RunID       string
	Target      string
	State       domain.RunState
	Attempts    int
	MaxAttempts int
	IDs         *ids.Generator

	Transitions []domain.Transition
	Trace       []string
	Diagnostics []domain.Diagnostic
	Fixes       []domain.Fix
	Report      *domain.VerificationReport
	Deployment  *domain.DeploymentInfo
	Health      *domain.HealthReport
	Alert       *domain.GjallarhornAlert
	Escalation  *domain.Escalation
	RolledBack  bool
	StartedAt   time.Time

	// pending marks the first diagnostic not yet considered by SELF_CORRECT.
	pending int
	now     func() time.Time
}

func newRunContext(gen *ids.Generator, target string, maxAttempts int, now func() time.Time) *RunContext {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RunContext{
		RunID:       gen.Root(),
		Target:      target,
		State:       domain.StateIdle,
		MaxAttempts: maxAttempts,
		IDs:         gen,
		StartedAt:   now().UTC(),
		now:         now,
	}
}

func (rc *RunContext) tracef(format string, args ...any) {
	rc.Trace = append(rc.Trace, fmt.Sprintf(format, args...))
}

func (rc *RunContext) transition(to domain.RunState, reason string) domain.Transition {
	t := domain.Transition{At: rc.now().UTC(), From: rc.State, To: to, Reason: reason}
	rc.Transitions = append(rc.Transitions, t)
	rc.tracef("%s -> %s: %s", t.From, t.To, reason)
	rc.State = to
	return t
}

func (rc *RunContext) diagnose(d domain.Diagnostic) {
	rc.Diagnostics = append(rc.Diagnostics, d)
}

// fresh returns diagnostics recorded since the previous SELF_CORRECT cycle.
func (rc *RunContext) fresh() []domain.Diagnostic {
	out := rc.Diagnostics[rc.pending:]
	rc.pending = len(rc.Diagnostics)
	return out
}

func (rc *RunContext) attemptsRemain() bool {
	return rc.Attempts < rc.MaxAttempts
}

// Result freezes the context into the caller-facing artifact.
func (rc *RunContext) Result() domain.RunResult {
	return domain.RunResult{
		RunID:          rc.RunID,
		Target:         rc.Target,
		Success:        rc.State == domain.StateDone,
		FinalState:     rc.State,
		RolledBack:     rc.RolledBack,
		Report:         rc.Report,
		Deployment:     rc.Deployment,
		Health:         rc.Health,
		Alert:          rc.Alert,
		Escalation:     rc.Escalation,
		Transitions:    append([]domain.Transition(nil), rc.Transitions...),
		ReasoningTrace: append([]string(nil), rc.Trace...),
		Diagnostics:    append([]domain.Diagnostic(nil), rc.Diagnostics...),
		Fixes:          append([]domain.Fix(nil), rc.Fixes...),
		Attempts:       rc.Attempts,
		StartedAt:      rc.StartedAt,
		DurationMS:     rc.now().Sub(rc.StartedAt).Milliseconds(),
	}
}
