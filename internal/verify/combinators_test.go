package verify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"releaseline/internal/config"
)

func counting(result bool, calls *int) Constraint {
	return func(Context) Result {
		*calls++
		return Result{Satisfied: result, Reason: "stub"}
	}
}

func TestAndShortCircuitsOnFailure(t *testing.T) {
	var a, b, c int
	r := And(counting(true, &a), counting(false, &b), counting(true, &c))(Context{})
	require.False(t, r.Satisfied)
	require.Equal(t, []int{1, 1, 0}, []int{a, b, c})
	require.True(t, And()(Context{}).Satisfied)
}

func TestOrShortCircuitsOnSuccess(t *testing.T) {
	var a, b, c int
	r := Or(counting(false, &a), counting(true, &b), counting(false, &c))(Context{})
	require.True(t, r.Satisfied)
	require.Equal(t, []int{1, 1, 0}, []int{a, b, c})
	require.False(t, Or()(Context{}).Satisfied)
}

func TestImpliesIsVacuousWhenAntecedentFails(t *testing.T) {
	var a, b int
	r := Implies(counting(false, &a), counting(false, &b))(Context{})
	require.True(t, r.Satisfied)
	require.Zero(t, b)

	r = Implies(counting(true, &a), counting(false, &b))(Context{})
	require.False(t, r.Satisfied)
	require.Equal(t, 1, b)
}

func TestNot(t *testing.T) {
	var n int
	require.False(t, Not(counting(true, &n))(Context{}).Satisfied)
	require.True(t, Not(counting(false, &n))(Context{}).Satisfied)
}

func TestQuantifiersOverEmptySets(t *testing.T) {
	never := func(int) Constraint { return Predicate("never", func(Context) bool { return false }) }
	require.True(t, ForAll([]int{}, never)(Context{}).Satisfied)
	require.False(t, Exists([]int{}, never)(Context{}).Satisfied)
}

func TestQuantifiersShortCircuit(t *testing.T) {
	var seen []int
	even := func(n int) Constraint {
		return Predicate("even", func(Context) bool {
			seen = append(seen, n)
			return n%2 == 0
		})
	}
	require.False(t, ForAll([]int{2, 3, 4}, even)(Context{}).Satisfied)
	require.Equal(t, []int{2, 3}, seen)

	seen = nil
	require.True(t, Exists([]int{1, 4, 5}, even)(Context{}).Satisfied)
	require.Equal(t, []int{1, 4}, seen)
}

func TestInvariantConstraintsComposeOverSnapshot(t *testing.T) {
	e := newEngine(t)
	m := config.Default()
	snap := healthySnapshot()
	ctx := Context{Snapshot: snap, Manifest: m}

	// A dirty tree only matters on protected branches.
	protected := Predicate("protected branch", func(c Context) bool { return c.Snapshot.Git.Branch == "main" })
	rule := Implies(protected, e.InvariantHolds("INV-005"))
	require.True(t, rule(ctx).Satisfied)

	ctx.Snapshot.Git.Clean = false
	require.False(t, rule(ctx).Satisfied)
	ctx.Snapshot.Git.Branch = "feature/x"
	require.True(t, rule(ctx).Satisfied)

	all := ForAll(m.Required(config.KindClaim), e.InvariantHolds)
	require.True(t, all(ctx).Satisfied)
	require.False(t, e.InvariantHolds("INV-404")(ctx).Satisfied)
}
