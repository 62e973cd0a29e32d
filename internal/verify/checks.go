package verify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"releaseline/internal/domain"
)

// Evaluator inspects only the snapshot and the invariant's own check.
type Evaluator func(snap domain.SystemSnapshot, check domain.Check) (satisfied bool, evidence map[string]any, reason string)

const maxFindings = 20

func checkCompilation(snap domain.SystemSnapshot, _ domain.Check) (bool, map[string]any, string) {
	tc := snap.TypeCheck
	evidence := map[string]any{
		"success":   tc.Success,
		"errors":    tc.Errors,
		"exit_code": tc.ExitCode,
	}
	if !tc.Success || tc.Errors > 0 {
		return false, evidence, fmt.Sprintf("type check failed with %d error(s)", tc.Errors)
	}
	return true, evidence, "type check passed"
}

func stageFor(snap domain.SystemSnapshot, target string) (domain.StageOutcome, bool) {
	switch strings.ToLower(target) {
	case "", "build":
		return snap.Build, true
	case "lint":
		return snap.Lint, true
	case "typecheck", "types":
		return snap.TypeCheck, true
	case "test", "tests":
		return snap.Tests, true
	}
	return domain.StageOutcome{}, false
}

func checkCommand(snap domain.SystemSnapshot, check domain.Check) (bool, map[string]any, string) {
	target := check.Target
	if target == "" {
		target = "build"
	}
	stage, ok := stageFor(snap, target)
	if !ok {
		return false, map[string]any{"target": target}, fmt.Sprintf("unknown command target %q", target)
	}
	evidence := map[string]any{
		"target":       target,
		"success":      stage.Success,
		"exit_code":    stage.ExitCode,
		"errors":       stage.Errors,
		"warnings":     stage.Warnings,
		"allow_errors": check.AllowErrors,
	}
	if check.Command != "" {
		evidence["command"] = check.Command
	}
	if !check.AllowErrors {
		if stage.Errors > 0 {
			return false, evidence, fmt.Sprintf("%s reported %d error(s)", target, stage.Errors)
		}
		if !stage.Success {
			return false, evidence, fmt.Sprintf("%s exited with code %d", target, stage.ExitCode)
		}
	}
	if check.MaxWarnings != nil {
		evidence["max_warnings"] = *check.MaxWarnings
		if stage.Warnings > *check.MaxWarnings {
			return false, evidence, fmt.Sprintf("%s reported %d warning(s), limit %d", target, stage.Warnings, *check.MaxWarnings)
		}
	}
	return true, evidence, fmt.Sprintf("%s passed", target)
}

type finding struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Pattern int    `json:"pattern"`
}

func checkContentScan(snap domain.SystemSnapshot, check domain.Check) (bool, map[string]any, string) {
	patterns := make([]*regexp.Regexp, 0, len(check.Patterns))
	for i, p := range check.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return false, map[string]any{"pattern": i}, fmt.Sprintf("invalid scan pattern %d: %v", i, err)
		}
		patterns = append(patterns, re)
	}
	paths := make([]string, 0, len(snap.Files))
	for path := range snap.Files {
		if matchesAny(path, check.Paths) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	var findings []finding
	total := 0
	for _, path := range paths {
		for lineNum, line := range strings.Split(snap.Files[path], "\n") {
			for idx, re := range patterns {
				if re.MatchString(line) {
					total++
					if len(findings) < maxFindings {
						findings = append(findings, finding{Path: path, Line: lineNum + 1, Pattern: idx})
					}
				}
			}
		}
	}
	evidence := map[string]any{
		"files_scanned": len(paths),
		"patterns":      len(patterns),
		"matches":       total,
	}
	if total == 0 {
		return true, evidence, fmt.Sprintf("no matches in %d file(s)", len(paths))
	}
	// Matched text is never recorded; only locations.
	locations := make([]string, 0, len(findings))
	for _, f := range findings {
		locations = append(locations, fmt.Sprintf("%s:%d#%d", f.Path, f.Line, f.Pattern))
	}
	evidence["locations"] = locations
	return false, evidence, fmt.Sprintf("%d match(es), first at %s", total, locations[0])
}

func matchesAny(path string, globs []string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
		if ok, _ := filepath.Match(g, filepath.Base(path)); ok {
			return true
		}
		if strings.HasSuffix(g, "/") && strings.HasPrefix(path, g) {
			return true
		}
	}
	return false
}

func checkSchema(snap domain.SystemSnapshot, check domain.Check) (bool, map[string]any, string) {
	evidence := map[string]any{"document": check.Document}
	doc, ok := snap.Documents[check.Document]
	if !ok {
		return false, evidence, fmt.Sprintf("document %q not present in snapshot", check.Document)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "mem://schema/" + check.Document + ".json"
	if err := compiler.AddResource(url, strings.NewReader(check.Schema)); err != nil {
		return false, evidence, fmt.Sprintf("invalid schema: %v", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return false, evidence, fmt.Sprintf("invalid schema: %v", err)
	}
	normalized, err := jsonValue(doc)
	if err != nil {
		return false, evidence, fmt.Sprintf("document %q is not JSON-compatible: %v", check.Document, err)
	}
	if err := schema.Validate(normalized); err != nil {
		evidence["violations"] = schemaViolations(err)
		return false, evidence, fmt.Sprintf("document %q does not match schema", check.Document)
	}
	return true, evidence, fmt.Sprintf("document %q matches schema", check.Document)
}

// jsonValue round-trips v so YAML-decoded ints become JSON numbers.
func jsonValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func schemaViolations(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, fmt.Sprintf("%s: %s", e.InstanceLocation, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(out) > maxFindings {
		out = out[:maxFindings]
	}
	return out
}

func checkCommitIntegrity(snap domain.SystemSnapshot, check domain.Check) (bool, map[string]any, string) {
	git := snap.Git
	evidence := map[string]any{
		"clean":  git.Clean,
		"branch": git.Branch,
		"commit": git.Commit,
	}
	if !git.Clean {
		pending := git.Uncommitted
		if len(pending) > maxFindings {
			pending = pending[:maxFindings]
		}
		evidence["uncommitted"] = append([]string{}, pending...)
		return false, evidence, fmt.Sprintf("working tree has %d uncommitted change(s)", len(git.Uncommitted))
	}
	if ok, reason := branchAllowed(git.Branch, check.AllowedBranches); !ok {
		return false, evidence, reason
	}
	return true, evidence, "working tree is clean"
}

func branchAllowed(branch string, allowed []string) (bool, string) {
	if len(allowed) == 0 {
		return true, ""
	}
	for _, b := range allowed {
		if b == branch {
			return true, ""
		}
	}
	return false, fmt.Sprintf("branch %q is not in %v", branch, allowed)
}

func checkDeploymentGate(snap domain.SystemSnapshot, check domain.Check) (bool, map[string]any, string) {
	requireBuild, requireTypes := check.RequireBuild, check.RequireTypeCheck
	if !requireBuild && !requireTypes && !check.RequireTests && !check.RequireClean {
		requireBuild, requireTypes = true, true
	}
	evidence := map[string]any{
		"build":     snap.Build.Success,
		"typecheck": snap.TypeCheck.Success,
		"tests":     snap.Tests.Success,
		"clean":     snap.Git.Clean,
	}
	var blocked []string
	if requireBuild && !snap.Build.Success {
		blocked = append(blocked, "build")
	}
	if requireTypes && (!snap.TypeCheck.Success || snap.TypeCheck.Errors > 0) {
		blocked = append(blocked, "typecheck")
	}
	if check.RequireTests && !snap.Tests.Success {
		blocked = append(blocked, "tests")
	}
	if check.RequireClean && !snap.Git.Clean {
		blocked = append(blocked, "clean tree")
	}
	if ok, reason := branchAllowed(snap.Git.Branch, check.AllowedBranches); !ok {
		blocked = append(blocked, reason)
	}
	if len(blocked) > 0 {
		evidence["blocked_by"] = blocked
		return false, evidence, "deployment blocked by " + strings.Join(blocked, ", ")
	}
	return true, evidence, "deployment gate open"
}

func remediation(inv domain.Invariant) string {
	switch inv.Check.Type {
	case domain.CheckCompilation:
		return "Fix the reported type errors and re-run the type checker."
	case domain.CheckCommand:
		switch strings.ToLower(inv.Check.Target) {
		case "lint":
			return "Run the linter with autofix or resolve the reported lint errors."
		case "typecheck", "types":
			return "Fix the reported type errors and re-run the type checker."
		case "test", "tests":
			return "Inspect the failing tests and fix the regression."
		default:
			return "Inspect the build output and fix the first reported error."
		}
	case domain.CheckContentScan:
		return "Remove the matched content from the listed files and rotate any exposed credentials."
	case domain.CheckSchema:
		return "Update the document so it satisfies its schema."
	case domain.CheckCommitIntegrity:
		return "Commit or stash pending changes and release from an allowed branch."
	case domain.CheckDeploymentGate:
		return "Resolve the blocking stages before deploying."
	case domain.CheckExpression:
		return "Review the expression against the captured snapshot."
	}
	return "Review the invariant definition."
}
