package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"releaseline/internal/config"
	"releaseline/internal/domain"
	"releaseline/internal/logging"
)

// Fixer applies one permitted repair to the workspace.
type Fixer interface {
	Apply(ctx context.Context, fix domain.Fix, entry config.AllowlistEntry) error
}

type category struct {
	name    string
	action  string
	pattern *regexp.Regexp
}

// Matched in order; the first hit classifies a diagnostic.
var categories = []category{
	{"imports", "organize_imports", regexp.MustCompile(`(?i)\bimports?\b|cannot find (package|module)|module not found|no required module|unresolved import`)},
	{"formatting", "format", regexp.MustCompile(`(?i)gofmt|prettier|\bformat(ting|ted)?\b|indent|trailing whitespace`)},
	{"types", "fix_types", regexp.MustCompile(`(?i)type ?check|type ?error|mismatched types|cannot use .* as|not assignable|\bTS\d{4}\b`)},
	{"lint", "autofix", regexp.MustCompile(`(?i)lint|vet|staticcheck|no-unused|warning`)},
}

func classify(d domain.Diagnostic) (category, bool) {
	text := d.Source + " " + d.Message
	for _, c := range categories {
		if c.pattern.MatchString(text) {
			return c, true
		}
	}
	return category{}, false
}

// deriveFixes turns diagnostics into one candidate per category, in the
// order the categories were first seen, and marks each against the allowlist.
func deriveFixes(diags []domain.Diagnostic, m *config.Manifest, nextID func() string) []domain.Fix {
	seen := map[string]bool{}
	var out []domain.Fix
	for _, d := range diags {
		c, ok := classify(d)
		if !ok || seen[c.name] {
			continue
		}
		seen[c.name] = true
		fix := domain.Fix{
			ID:         nextID(),
			Category:   c.name,
			Action:     c.action,
			Diagnostic: d.Message,
		}
		if entry, ok := m.Allowed(c.name); ok {
			fix.Permitted = actionPermitted(entry, c.action)
		}
		out = append(out, fix)
	}
	return out
}

func actionPermitted(entry config.AllowlistEntry, action string) bool {
	if len(entry.Actions) == 0 {
		return true
	}
	for _, a := range entry.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// CommandFixer runs the allowlist entry's command in the workspace.
type CommandFixer struct {
	Dir     string
	Timeout time.Duration
	Logger  *zap.Logger
}

func (f CommandFixer) Apply(ctx context.Context, fix domain.Fix, entry config.AllowlistEntry) error {
	if strings.TrimSpace(entry.Command) == "" {
		return fmt.Errorf("no command configured for %s fixes", fix.Category)
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", entry.Command)
	cmd.Dir = f.Dir
	out, err := cmd.CombinedOutput()
	logger := logging.OrNop(f.Logger)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Warn("fix command failed", zap.String("category", fix.Category), zap.Int("exit_code", exitErr.ExitCode()), zap.ByteString("output", lastBytes(out, 2048)))
			return fmt.Errorf("%s fix exited %d", fix.Category, exitErr.ExitCode())
		}
		return fmt.Errorf("%s fix: %w", fix.Category, err)
	}
	logger.Info("fix applied", zap.String("category", fix.Category), zap.String("action", fix.Action))
	return nil
}

func lastBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
