package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"releaseline/internal/domain"
	"releaseline/internal/logging"
)

// Commands names the shell commands run for each stage. Empty stages are
// reported as successful without running anything.
type Commands struct {
	Build     string `yaml:"build"`
	Lint      string `yaml:"lint"`
	TypeCheck string `yaml:"typecheck"`
	Tests     string `yaml:"tests"`
}

// Command captures a snapshot by running stage commands in Dir.
type Command struct {
	Dir       string
	Commands  Commands
	ScanPaths []string
	// Documents maps a document name to a YAML or JSON file under Dir.
	Documents map[string]string
	Timeout   time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

var (
	errorCountPattern   = regexp.MustCompile(`(?i)(\d+)\s+errors?\b`)
	warningCountPattern = regexp.MustCompile(`(?i)(\d+)\s+warnings?\b`)
	errorLinePattern    = regexp.MustCompile(`(?im)^.*\berror\b.*$`)
)

const outputTail = 4096

func (c Command) Capture(ctx context.Context) (domain.SystemSnapshot, error) {
	logger := logging.OrNop(c.Logger)
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	snap := domain.SystemSnapshot{CapturedAt: now().UTC()}
	var err error
	if snap.Build, err = c.stage(ctx, "build", c.Commands.Build); err != nil {
		return snap, err
	}
	if snap.Lint, err = c.stage(ctx, "lint", c.Commands.Lint); err != nil {
		return snap, err
	}
	if snap.TypeCheck, err = c.stage(ctx, "typecheck", c.Commands.TypeCheck); err != nil {
		return snap, err
	}
	if snap.Tests, err = c.stage(ctx, "tests", c.Commands.Tests); err != nil {
		return snap, err
	}
	snap.Git = c.git(ctx, logger)
	if len(c.ScanPaths) > 0 {
		files, err := readFiles(c.Dir, c.ScanPaths)
		if err != nil {
			return snap, fmt.Errorf("read scan paths: %w", err)
		}
		snap.Files = files
	}
	if len(c.Documents) > 0 {
		snap.Documents = map[string]any{}
		for name, rel := range c.Documents {
			doc, err := readDocument(filepath.Join(c.Dir, rel))
			if err != nil {
				logger.Warn("document unreadable", zap.String("document", name), zap.Error(err))
				continue
			}
			snap.Documents[name] = doc
		}
	}
	logger.Debug("snapshot captured",
		zap.Bool("build", snap.Build.Success),
		zap.Int("lint_errors", snap.Lint.Errors),
		zap.Int("type_errors", snap.TypeCheck.Errors),
		zap.Bool("clean", snap.Git.Clean))
	return snap, nil
}

// stage only returns an error when ctx is done; command failures are
// recorded in the outcome.
func (c Command) stage(ctx context.Context, name, command string) (domain.StageOutcome, error) {
	if strings.TrimSpace(command) == "" {
		return domain.StageOutcome{Success: true}, nil
	}
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	out, code, runErr := c.run(runCtx, "sh", "-c", command)
	if err := ctx.Err(); err != nil {
		return domain.StageOutcome{}, err
	}
	outcome := domain.StageOutcome{
		Success:  runErr == nil && code == 0,
		ExitCode: code,
		Errors:   countMatches(errorCountPattern, out),
		Warnings: countMatches(warningCountPattern, out),
		Output:   tail(out, outputTail),
	}
	if runErr != nil && code == 0 {
		outcome.ExitCode = -1
		outcome.Output = tail(runErr.Error()+"\n"+out, outputTail)
	}
	if !outcome.Success && outcome.Errors == 0 {
		outcome.Errors = len(errorLinePattern.FindAllString(out, -1))
		if outcome.Errors == 0 {
			outcome.Errors = 1
		}
	}
	if name == "lint" && outcome.Success && outcome.Errors > 0 {
		outcome.Success = false
	}
	return outcome, nil
}

func (c Command) run(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.Dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
	}
	return buf.String(), code, err
}

func (c Command) git(ctx context.Context, logger *zap.Logger) domain.GitState {
	var state domain.GitState
	status, code, err := c.run(ctx, "git", "status", "--porcelain")
	if err != nil || code != 0 {
		logger.Warn("git status unavailable", zap.Int("exit_code", code), zap.Error(err))
		return state
	}
	for _, line := range strings.Split(strings.TrimRight(status, "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			state.Uncommitted = append(state.Uncommitted, line)
		}
	}
	state.Clean = len(state.Uncommitted) == 0
	if out, code, err := c.run(ctx, "git", "rev-parse", "HEAD"); err == nil && code == 0 {
		state.Commit = strings.TrimSpace(out)
	}
	if out, code, err := c.run(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD"); err == nil && code == 0 {
		state.Branch = strings.TrimSpace(out)
	}
	return state
}

func readDocument(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// countMatches sums every "<n> error(s)" style count in out.
func countMatches(re *regexp.Regexp, out string) int {
	total := 0
	for _, m := range re.FindAllStringSubmatch(out, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			total += n
		}
	}
	return total
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
