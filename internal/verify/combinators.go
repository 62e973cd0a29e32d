package verify

import (
	"fmt"
	"strings"

	"releaseline/internal/config"
	"releaseline/internal/domain"
)

// Context is what every constraint sees.
type Context struct {
	Snapshot domain.SystemSnapshot
	Manifest *config.Manifest
}

// Result of one constraint evaluation.
type Result struct {
	Satisfied bool
	Reason    string
}

// Constraint is a composable predicate over a Context.
type Constraint func(Context) Result

// Predicate lifts a plain boolean function into a constraint.
func Predicate(name string, fn func(Context) bool) Constraint {
	return func(c Context) Result {
		if fn(c) {
			return Result{Satisfied: true, Reason: name}
		}
		return Result{Reason: "not " + name}
	}
}

// Holds wraps a manifest invariant as a constraint.
func (e *Engine) Holds(inv domain.Invariant) Constraint {
	return func(c Context) Result {
		ok, _, reason := e.Evaluate(c.Snapshot, inv)
		return Result{Satisfied: ok, Reason: inv.ID + ": " + reason}
	}
}

// InvariantHolds looks the invariant up in the context's manifest.
func (e *Engine) InvariantHolds(id string) Constraint {
	return func(c Context) Result {
		if c.Manifest == nil {
			return Result{Reason: "no manifest"}
		}
		inv, ok := c.Manifest.Invariant(id)
		if !ok {
			return Result{Reason: fmt.Sprintf("%s: %v", id, ErrUnknownInvariant)}
		}
		return e.Holds(inv)(c)
	}
}

// And stops at the first unsatisfied constraint. An empty And holds.
func And(cs ...Constraint) Constraint {
	return func(c Context) Result {
		reasons := make([]string, 0, len(cs))
		for _, con := range cs {
			r := con(c)
			if !r.Satisfied {
				return Result{Reason: r.Reason}
			}
			reasons = append(reasons, r.Reason)
		}
		return Result{Satisfied: true, Reason: strings.Join(reasons, " and ")}
	}
}

// Or stops at the first satisfied constraint. An empty Or fails.
func Or(cs ...Constraint) Constraint {
	return func(c Context) Result {
		reasons := make([]string, 0, len(cs))
		for _, con := range cs {
			r := con(c)
			if r.Satisfied {
				return Result{Satisfied: true, Reason: r.Reason}
			}
			reasons = append(reasons, r.Reason)
		}
		if len(reasons) == 0 {
			return Result{Reason: "no alternatives"}
		}
		return Result{Reason: strings.Join(reasons, " and ")}
	}
}

// Implies holds vacuously when the antecedent fails; the consequent is then
// not evaluated.
func Implies(antecedent, consequent Constraint) Constraint {
	return func(c Context) Result {
		a := antecedent(c)
		if !a.Satisfied {
			return Result{Satisfied: true, Reason: "vacuous: " + a.Reason}
		}
		return consequent(c)
	}
}

func Not(con Constraint) Constraint {
	return func(c Context) Result {
		r := con(c)
		return Result{Satisfied: !r.Satisfied, Reason: "not(" + r.Reason + ")"}
	}
}

// ForAll holds when fn holds for every item, stopping at the first failure.
// It holds over an empty set.
func ForAll[T any](items []T, fn func(T) Constraint) Constraint {
	return func(c Context) Result {
		for i, item := range items {
			r := fn(item)(c)
			if !r.Satisfied {
				return Result{Reason: fmt.Sprintf("item %d: %s", i, r.Reason)}
			}
		}
		return Result{Satisfied: true, Reason: fmt.Sprintf("all %d item(s) hold", len(items))}
	}
}

// Exists holds when fn holds for some item, stopping at the first success.
// It fails over an empty set.
func Exists[T any](items []T, fn func(T) Constraint) Constraint {
	return func(c Context) Result {
		for i, item := range items {
			r := fn(item)(c)
			if r.Satisfied {
				return Result{Satisfied: true, Reason: fmt.Sprintf("item %d: %s", i, r.Reason)}
			}
		}
		return Result{Reason: fmt.Sprintf("none of %d item(s) hold", len(items))}
	}
}
