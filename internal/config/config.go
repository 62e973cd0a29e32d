package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"releaseline/internal/domain"
)

// SupportedVersions is the manifest_version range this build understands.
const SupportedVersions = ">=1.0.0, <2.0.0"

// Operation kinds mapped by proof_requirements.
const (
	KindDeployment = "deployment"
	KindCommit     = "commit"
	KindClaim      = "claim"
)

// Fix categories the self-correction loop knows how to derive.
var FixCategories = []string{"lint", "imports", "types", "formatting"}

// Manifest models releaseline.yml.
type Manifest struct {
	ManifestVersion         string              `yaml:"manifest_version" json:"manifest_version"`
	Codename                string              `yaml:"codename" json:"codename"`
	VerificationLevel       string              `yaml:"verification_level" json:"verification_level"`
	Invariants              []domain.Invariant  `yaml:"invariants" json:"invariants"`
	ProofRequirements       map[string][]string `yaml:"proof_requirements" json:"proof_requirements"`
	SelfCorrectionAllowlist []AllowlistEntry    `yaml:"self_correction_allowlist" json:"self_correction_allowlist"`
	CircuitBreaker          CircuitBreaker      `yaml:"circuit_breaker" json:"circuit_breaker"`
	Deploy                  DeployConfig        `yaml:"deploy" json:"deploy"`
	Webhooks                []WebhookConfig     `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// AllowlistEntry permits the named repair actions for one fix category.
// Command, when set, is what the command fixer runs for that category.
type AllowlistEntry struct {
	Category string   `yaml:"category" json:"category"`
	Actions  []string `yaml:"actions" json:"actions"`
	Command  string   `yaml:"command,omitempty" json:"command,omitempty"`
}

type Thresholds struct {
	MinSuccessRate  float64 `yaml:"min_success_rate" json:"min_success_rate"`
	MaxP95LatencyMS float64 `yaml:"max_p95_latency_ms" json:"max_p95_latency_ms"`
	MaxP99LatencyMS float64 `yaml:"max_p99_latency_ms" json:"max_p99_latency_ms"`
	MaxErrorRate    float64 `yaml:"max_error_rate" json:"max_error_rate"`
}

type Endpoint struct {
	Path           string `yaml:"path" json:"path"`
	Method         string `yaml:"method" json:"method"`
	ExpectedStatus int    `yaml:"expected_status" json:"expected_status"`
}

// RollbackAliasSwitch repoints the production alias at the previous stable
// deployment. It is the only rollback strategy.
const RollbackAliasSwitch = "alias_switch"

type CircuitBreaker struct {
	Thresholds         Thresholds `yaml:"thresholds" json:"thresholds"`
	Endpoints          []Endpoint `yaml:"endpoints" json:"endpoints"`
	ProbeCount         int        `yaml:"probe_count" json:"probe_count"`
	ProbeIntervalMS    int        `yaml:"probe_interval_ms" json:"probe_interval_ms"`
	ProbeTimeoutMS     int        `yaml:"probe_timeout_ms" json:"probe_timeout_ms"`
	AutoRollback       bool       `yaml:"auto_rollback" json:"auto_rollback"`
	RollbackStrategy   string     `yaml:"rollback_strategy" json:"rollback_strategy"`
	ProductionAlias    string     `yaml:"production_alias" json:"production_alias"`
	RetryAfterRollback bool       `yaml:"retry_after_rollback" json:"retry_after_rollback"`
}

type DeployConfig struct {
	Project          string `yaml:"project" json:"project"`
	Target           string `yaml:"target" json:"target"`
	PollIntervalMS   int    `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	WaitTimeoutMS    int    `yaml:"wait_timeout_ms" json:"wait_timeout_ms"`
	SimulatedBaseURL string `yaml:"simulated_base_url,omitempty" json:"simulated_base_url,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

var invariantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Load reads and validates the manifest from a workspace.
func Load(workspace string) (*Manifest, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest %s not found; create one with rl manifest init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the manifest file does not exist.
func LoadOptional(workspace string) (*Manifest, error) {
	m, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// Validate ensures the manifest meets required structure.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.ManifestVersion) == "" {
		return fmt.Errorf("manifest.manifest_version is required")
	}
	v, err := semver.NewVersion(m.ManifestVersion)
	if err != nil {
		return fmt.Errorf("manifest.manifest_version %q is not a semantic version: %w", m.ManifestVersion, err)
	}
	supported, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !supported.Check(v) {
		return fmt.Errorf("manifest.manifest_version %s is not supported (want %s)", m.ManifestVersion, SupportedVersions)
	}
	if len(m.Invariants) == 0 {
		return fmt.Errorf("manifest.invariants must not be empty")
	}
	seen := make(map[string]struct{}, len(m.Invariants))
	for i, inv := range m.Invariants {
		if !invariantIDPattern.MatchString(inv.ID) {
			return fmt.Errorf("invariant %d has invalid id %q", i, inv.ID)
		}
		if _, dup := seen[inv.ID]; dup {
			return fmt.Errorf("duplicate invariant id %s", inv.ID)
		}
		seen[inv.ID] = struct{}{}
		switch inv.Severity {
		case domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow:
		default:
			return fmt.Errorf("invariant %s has invalid severity %q", inv.ID, inv.Severity)
		}
		if inv.Check.Type == "" {
			return fmt.Errorf("invariant %s has no check type", inv.ID)
		}
	}
	for kind, required := range m.ProofRequirements {
		switch kind {
		case KindDeployment, KindCommit, KindClaim:
		default:
			return fmt.Errorf("proof_requirements has unknown operation kind %s", kind)
		}
		for _, id := range required {
			if _, ok := seen[id]; !ok {
				return fmt.Errorf("proof_requirements.%s references unknown invariant %s", kind, id)
			}
		}
	}
	for _, entry := range m.SelfCorrectionAllowlist {
		if !knownCategory(entry.Category) {
			return fmt.Errorf("self_correction_allowlist has unknown category %s", entry.Category)
		}
		if len(entry.Actions) == 0 {
			return fmt.Errorf("self_correction_allowlist.%s has no actions", entry.Category)
		}
	}
	cb := m.CircuitBreaker
	if cb.Thresholds.MinSuccessRate < 0 || cb.Thresholds.MinSuccessRate > 1 {
		return fmt.Errorf("circuit_breaker.thresholds.min_success_rate must be within [0,1]")
	}
	if cb.Thresholds.MaxErrorRate < 0 || cb.Thresholds.MaxErrorRate > 1 {
		return fmt.Errorf("circuit_breaker.thresholds.max_error_rate must be within [0,1]")
	}
	if cb.Thresholds.MaxP95LatencyMS <= 0 || cb.Thresholds.MaxP99LatencyMS <= 0 {
		return fmt.Errorf("circuit_breaker latency thresholds must be positive")
	}
	if cb.ProbeCount <= 0 {
		return fmt.Errorf("circuit_breaker.probe_count must be positive")
	}
	if cb.ProbeIntervalMS < 0 {
		return fmt.Errorf("circuit_breaker.probe_interval_ms must not be negative")
	}
	for _, ep := range cb.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("circuit_breaker endpoint path %q must start with /", ep.Path)
		}
		if ep.ExpectedStatus < 100 || ep.ExpectedStatus > 599 {
			return fmt.Errorf("circuit_breaker endpoint %s has invalid expected_status %d", ep.Path, ep.ExpectedStatus)
		}
	}
	switch strings.TrimSpace(cb.RollbackStrategy) {
	case "", RollbackAliasSwitch:
	default:
		return fmt.Errorf("circuit_breaker.rollback_strategy %q is not supported (want %s)", cb.RollbackStrategy, RollbackAliasSwitch)
	}
	if cb.RetryAfterRollback {
		return fmt.Errorf("circuit_breaker.retry_after_rollback is reserved and must be false")
	}
	if cb.AutoRollback && strings.TrimSpace(cb.ProductionAlias) == "" {
		return fmt.Errorf("circuit_breaker.production_alias is required when auto_rollback is enabled")
	}
	for i, hook := range m.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

func knownCategory(c string) bool {
	for _, known := range FixCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Invariant looks up an invariant by id.
func (m *Manifest) Invariant(id string) (domain.Invariant, bool) {
	for _, inv := range m.Invariants {
		if inv.ID == id {
			return inv, true
		}
	}
	return domain.Invariant{}, false
}

// Required returns the invariant ids for an operation kind. An empty kind, or
// a kind without requirements, selects nothing so callers fall back to all.
func (m *Manifest) Required(kind string) []string {
	if kind == "" {
		return nil
	}
	return m.ProofRequirements[kind]
}

// Allowed reports the allowlist entry for a fix category.
func (m *Manifest) Allowed(category string) (AllowlistEntry, bool) {
	for _, entry := range m.SelfCorrectionAllowlist {
		if entry.Category == category {
			return entry, true
		}
	}
	return AllowlistEntry{}, false
}

// YAML renders the manifest back to YAML.
func (m *Manifest) YAML() ([]byte, error) {
	return yaml.Marshal(m)
}

// Path returns the manifest file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "releaseline.yml")
}

// GenerateDefault returns the default manifest YAML for a project.
func GenerateDefault(project string) string {
	if strings.TrimSpace(project) == "" {
		project = "app"
	}
	return fmt.Sprintf(defaultTemplate, project)
}

// Default returns the built-in manifest.
func Default() *Manifest {
	m, err := FromYAML([]byte(GenerateDefault("app")))
	if err != nil {
		panic(fmt.Sprintf("built-in manifest is invalid: %v", err))
	}
	return m
}

// FromYAML parses and validates a manifest from raw YAML bytes.
func FromYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest yaml: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FromFile reads a YAML manifest from the given path.
func FromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `manifest_version: "1.0.0"
codename: bifrost
verification_level: strict

invariants:
  - id: INV-001
    name: Type safety
    description: The type checker reports no errors.
    category: type-safety
    severity: critical
    check:
      type: compilation
  - id: INV-002
    name: Build integrity
    description: The production build succeeds.
    category: build-integrity
    severity: critical
    check:
      type: command
      target: build
  - id: INV-003
    name: Lint clean
    description: The linter reports no errors.
    category: code-quality
    severity: high
    check:
      type: command
      target: lint
      allow_errors: false
  - id: INV-004
    name: No committed secrets
    category: security
    severity: critical
    check:
      type: content_scan
      patterns:
        - 'AKIA[0-9A-Z]{16}'
        - '-----BEGIN [A-Z ]*PRIVATE KEY-----'
        - '(?i)(api|secret)_?key\s*[:=]\s*["'']?[A-Za-z0-9_\-]{20,}'
  - id: INV-005
    name: Clean working tree
    category: commit-integrity
    severity: medium
    check:
      type: commit_integrity
  - id: INV-006
    name: Deployment gate
    category: deployment
    severity: critical
    check:
      type: deployment_gate
      require_build: true
      require_typecheck: true

proof_requirements:
  deployment: [INV-001, INV-002, INV-003, INV-004, INV-006]
  commit: [INV-001, INV-003, INV-004, INV-005]
  claim: [INV-001, INV-002]

self_correction_allowlist:
  - category: lint
    actions: [autofix]
  - category: formatting
    actions: [format]
  - category: imports
    actions: [organize_imports]

circuit_breaker:
  thresholds:
    min_success_rate: 0.98
    max_p95_latency_ms: 800
    max_p99_latency_ms: 1500
    max_error_rate: 0.02
  endpoints:
    - path: /
      method: GET
      expected_status: 200
    - path: /api/health
      method: GET
      expected_status: 200
  probe_count: 10
  probe_interval_ms: 500
  probe_timeout_ms: 5000
  auto_rollback: true
  rollback_strategy: alias_switch
  production_alias: production
  retry_after_rollback: false

deploy:
  project: %s
  target: production
  poll_interval_ms: 2000
  wait_timeout_ms: 300000
`
