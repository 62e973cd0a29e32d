package verify

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"releaseline/internal/domain"
)

// expressionEvaluator runs CEL expressions against the snapshot, exposed as
// the map variable "snapshot" with the snapshot's JSON field names.
type expressionEvaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func newExpressionEvaluator() (*expressionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("snapshot", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &expressionEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

func (x *expressionEvaluator) program(expression string) (cel.Program, error) {
	x.mu.RLock()
	prg, hit := x.prgCache[expression]
	x.mu.RUnlock()
	if hit {
		return prg, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if prg, hit = x.prgCache[expression]; hit {
		return prg, nil
	}
	ast, issues := x.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := x.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	x.prgCache[expression] = prg
	return prg, nil
}

func (x *expressionEvaluator) check(snap domain.SystemSnapshot, check domain.Check) (bool, map[string]any, string) {
	evidence := map[string]any{"expression": check.Expression}
	prg, err := x.program(check.Expression)
	if err != nil {
		return false, evidence, err.Error()
	}
	input, err := snapshotMap(snap)
	if err != nil {
		return false, evidence, err.Error()
	}
	out, _, err := prg.Eval(map[string]any{"snapshot": input})
	if err != nil {
		return false, evidence, fmt.Sprintf("eval: %v", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, evidence, "expression result is not a bool"
	}
	evidence["result"] = ok
	if !ok {
		return false, evidence, fmt.Sprintf("expression %q is false", check.Expression)
	}
	return true, evidence, fmt.Sprintf("expression %q holds", check.Expression)
}

func snapshotMap(snap domain.SystemSnapshot) (map[string]any, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return out, nil
}
