package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"releaseline/internal/config"
	"releaseline/internal/domain"
	"releaseline/internal/logging"
)

var (
	ErrUnknownInvariant = errors.New("unknown invariant")
	ErrTampered         = errors.New("proof tampered")
)

// IDSource hands out run-scoped identifiers.
type IDSource interface {
	Next(kind string) string
}

// Engine evaluates manifest invariants against a snapshot. It holds no
// per-run state; the same Engine is safe to share across runs.
type Engine struct {
	Logger *zap.Logger
	Now    func() time.Time

	evaluators map[domain.CheckType]Evaluator
}

// New builds an engine with every built-in check type registered.
func New(logger *zap.Logger) (*Engine, error) {
	expr, err := newExpressionEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		Logger: logging.OrNop(logger),
		Now:    time.Now,
		evaluators: map[domain.CheckType]Evaluator{
			domain.CheckCompilation:     checkCompilation,
			domain.CheckCommand:         checkCommand,
			domain.CheckContentScan:     checkContentScan,
			domain.CheckSchema:          checkSchema,
			domain.CheckCommitIntegrity: checkCommitIntegrity,
			domain.CheckDeploymentGate:  checkDeploymentGate,
			domain.CheckExpression:      expr.check,
		},
	}, nil
}

// Register adds or replaces the evaluator for a check type.
func (e *Engine) Register(t domain.CheckType, fn Evaluator) {
	e.evaluators[t] = fn
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// Select filters the catalog to the requested ids, preserving manifest
// order. No ids selects the whole catalog.
func Select(m *config.Manifest, required []string) ([]domain.Invariant, error) {
	if len(required) == 0 {
		return append([]domain.Invariant(nil), m.Invariants...), nil
	}
	want := make(map[string]struct{}, len(required))
	for _, id := range required {
		if _, ok := m.Invariant(id); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownInvariant, id)
		}
		want[id] = struct{}{}
	}
	out := make([]domain.Invariant, 0, len(want))
	for _, inv := range m.Invariants {
		if _, ok := want[inv.ID]; ok {
			out = append(out, inv)
		}
	}
	return out, nil
}

// Verify evaluates the selected invariants and returns an immutable report.
// Every selected invariant is evaluated even after a failure.
func (e *Engine) Verify(ctx context.Context, snap domain.SystemSnapshot, m *config.Manifest, ids IDSource, required ...string) (domain.VerificationReport, error) {
	if m == nil {
		return domain.VerificationReport{}, errors.New("manifest is required")
	}
	selected, err := Select(m, required)
	if err != nil {
		return domain.VerificationReport{}, err
	}
	proof := domain.ProofObject{
		ID:                nextID(ids, "proof"),
		Timestamp:         e.now(),
		InvariantsChecked: make([]string, 0, len(selected)),
		Evidence:          make([]domain.ProofEvidence, 0, len(selected)),
	}
	report := domain.VerificationReport{Failures: []domain.Failure{}}
	trace := []string{fmt.Sprintf("verifying %d invariant(s) from manifest %s (%s)", len(selected), m.ManifestVersion, m.Codename)}
	hashes := make([]string, 0, len(selected))

	for _, inv := range selected {
		if err := ctx.Err(); err != nil {
			return domain.VerificationReport{}, err
		}
		ev := domain.ProofEvidence{
			InvariantID: inv.ID,
			Timestamp:   snap.CapturedAt.UTC(),
		}
		fn, ok := e.evaluators[inv.Check.Type]
		var reason string
		if !ok {
			ev.Skipped = true
			ev.Details = map[string]any{"check_type": string(inv.Check.Type)}
			reason = fmt.Sprintf("unknown check type %q", inv.Check.Type)
			report.Summary.Skipped++
			trace = append(trace, fmt.Sprintf("%s skipped: %s", inv.ID, reason))
		} else {
			ev.Satisfied, ev.Details, reason = fn(snap, inv.Check)
			if ev.Details == nil {
				ev.Details = map[string]any{}
			}
			ev.Details["reason"] = reason
			if ev.Satisfied {
				report.Summary.Passed++
				trace = append(trace, fmt.Sprintf("%s (%s) satisfied: %s", inv.ID, inv.Name, reason))
			} else {
				report.Summary.Failed++
				report.Failures = append(report.Failures, domain.Failure{
					InvariantID: inv.ID,
					Name:        inv.Name,
					Category:    inv.Category,
					Severity:    inv.Severity,
					Reason:      reason,
					Remediation: remediation(inv),
				})
				trace = append(trace, fmt.Sprintf("%s (%s) violated: %s", inv.ID, inv.Name, reason))
			}
		}
		hash, err := HashEvidence(ev)
		if err != nil {
			return domain.VerificationReport{}, err
		}
		ev.EvidenceHash = hash
		hashes = append(hashes, hash)
		proof.InvariantsChecked = append(proof.InvariantsChecked, inv.ID)
		proof.Evidence = append(proof.Evidence, ev)
	}

	report.Summary.Total = len(selected)
	report.ReadyForDeployment = report.Summary.Failed == 0
	proof.AllPassed = report.ReadyForDeployment
	proof.ProofHash = ChainHash(hashes)
	trace = append(trace, fmt.Sprintf("%d passed, %d failed, %d skipped; proof %s",
		report.Summary.Passed, report.Summary.Failed, report.Summary.Skipped, proof.ProofHash))
	proof.ReasoningTrace = trace
	report.Proof = proof

	e.Logger.Debug("verification complete",
		zap.String("proof_id", proof.ID),
		zap.String("proof_hash", proof.ProofHash),
		zap.Int("failed", report.Summary.Failed),
		zap.Bool("ready", report.ReadyForDeployment))
	return report, nil
}

// Evaluate runs a single invariant's evaluator. Unknown check types report
// unsatisfied with a reason.
func (e *Engine) Evaluate(snap domain.SystemSnapshot, inv domain.Invariant) (bool, map[string]any, string) {
	fn, ok := e.evaluators[inv.Check.Type]
	if !ok {
		return false, nil, fmt.Sprintf("unknown check type %q", inv.Check.Type)
	}
	return fn(snap, inv.Check)
}

func nextID(ids IDSource, kind string) string {
	if ids == nil {
		return kind + "-" + uuid.NewString()
	}
	return ids.Next(kind)
}
