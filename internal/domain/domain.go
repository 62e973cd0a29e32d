package domain

import "time"

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type CheckType string

const (
	CheckCompilation     CheckType = "compilation"
	CheckCommand         CheckType = "command"
	CheckContentScan     CheckType = "content_scan"
	CheckSchema          CheckType = "schema"
	CheckCommitIntegrity CheckType = "commit_integrity"
	CheckDeploymentGate  CheckType = "deployment_gate"
	CheckExpression      CheckType = "expression"
)

// Check holds the parameters of one invariant evaluation. Only the fields
// relevant to Type are read.
type Check struct {
	Type CheckType `yaml:"type" json:"type"`

	// command: which snapshot stage to inspect (build, lint, typecheck, tests).
	Target      string `yaml:"target,omitempty" json:"target,omitempty"`
	Command     string `yaml:"command,omitempty" json:"command,omitempty"`
	AllowErrors bool   `yaml:"allow_errors,omitempty" json:"allow_errors,omitempty"`
	MaxWarnings *int   `yaml:"max_warnings,omitempty" json:"max_warnings,omitempty"`

	// content_scan
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Paths    []string `yaml:"paths,omitempty" json:"paths,omitempty"`

	// schema
	Document string `yaml:"document,omitempty" json:"document,omitempty"`
	Schema   string `yaml:"schema,omitempty" json:"schema,omitempty"`

	// commit_integrity
	RequireClean    bool     `yaml:"require_clean,omitempty" json:"require_clean,omitempty"`
	AllowedBranches []string `yaml:"allowed_branches,omitempty" json:"allowed_branches,omitempty"`

	// deployment_gate
	RequireBuild     bool `yaml:"require_build,omitempty" json:"require_build,omitempty"`
	RequireTypeCheck bool `yaml:"require_typecheck,omitempty" json:"require_typecheck,omitempty"`
	RequireTests     bool `yaml:"require_tests,omitempty" json:"require_tests,omitempty"`

	// expression (CEL over the snapshot)
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// Invariant is a named property a change must satisfy before it ships.
type Invariant struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string   `yaml:"category" json:"category"`
	Severity    Severity `yaml:"severity" json:"severity" enum:"critical,high,medium,low"`
	Check       Check    `yaml:"check" json:"check"`
}

type StageOutcome struct {
	Success  bool   `yaml:"success" json:"success"`
	ExitCode int    `yaml:"exit_code" json:"exit_code"`
	Errors   int    `yaml:"errors" json:"errors"`
	Warnings int    `yaml:"warnings" json:"warnings"`
	Output   string `yaml:"output,omitempty" json:"output,omitempty"`
}

type GitState struct {
	Clean       bool     `yaml:"clean" json:"clean"`
	Branch      string   `yaml:"branch,omitempty" json:"branch,omitempty"`
	Commit      string   `yaml:"commit,omitempty" json:"commit,omitempty"`
	Uncommitted []string `yaml:"uncommitted,omitempty" json:"uncommitted,omitempty"`
}

// SystemSnapshot is the point-in-time state the constraint engine inspects.
type SystemSnapshot struct {
	CapturedAt time.Time         `yaml:"captured_at" json:"captured_at"`
	Build      StageOutcome      `yaml:"build" json:"build"`
	Lint       StageOutcome      `yaml:"lint" json:"lint"`
	TypeCheck  StageOutcome      `yaml:"typecheck" json:"typecheck"`
	Tests      StageOutcome      `yaml:"tests" json:"tests"`
	Git        GitState          `yaml:"git" json:"git"`
	Files      map[string]string `yaml:"files,omitempty" json:"files,omitempty"`
	Documents  map[string]any    `yaml:"documents,omitempty" json:"documents,omitempty"`
}

type ProofEvidence struct {
	InvariantID  string         `json:"invariant_id"`
	Satisfied    bool           `json:"satisfied"`
	Skipped      bool           `json:"skipped,omitempty"`
	EvidenceHash string         `json:"evidence_hash"`
	Details      map[string]any `json:"details"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ProofObject aggregates the evidence of one verification. ProofHash is a
// pure, order-sensitive function of the evidence hashes.
type ProofObject struct {
	ID                string          `json:"id"`
	Timestamp         time.Time       `json:"timestamp"`
	InvariantsChecked []string        `json:"invariants_checked"`
	AllPassed         bool            `json:"all_passed"`
	Evidence          []ProofEvidence `json:"evidence"`
	ProofHash         string          `json:"proof_hash"`
	ReasoningTrace    []string        `json:"reasoning_trace"`
}

type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type Failure struct {
	InvariantID string   `json:"invariant_id"`
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Reason      string   `json:"reason"`
	Remediation string   `json:"remediation"`
}

type VerificationReport struct {
	Proof              ProofObject `json:"proof"`
	Summary            Summary     `json:"summary"`
	Failures           []Failure   `json:"failures"`
	ReadyForDeployment bool        `json:"ready_for_deployment"`
}

type DeploymentStatus string

const (
	DeploymentPending  DeploymentStatus = "pending"
	DeploymentBuilding DeploymentStatus = "building"
	DeploymentReady    DeploymentStatus = "ready"
	DeploymentError    DeploymentStatus = "error"
	DeploymentCanceled DeploymentStatus = "canceled"
)

// Terminal reports whether polling can stop.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentReady || s == DeploymentError || s == DeploymentCanceled
}

type DeploymentInfo struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	URL       string           `json:"url,omitempty"`
	Target    string           `json:"target,omitempty"`
	SourceRef string           `json:"source_ref,omitempty"`
	Status    DeploymentStatus `json:"status" enum:"pending,building,ready,error,canceled"`
	Aliases   []string         `json:"aliases,omitempty"`
	Simulated bool             `json:"simulated,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	ReadyAt   *time.Time       `json:"ready_at,omitempty"`
}

type HealthProbeResult struct {
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	LatencyMS  float64   `json:"latency_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type HealthReport struct {
	DeploymentURL    string              `json:"deployment_url"`
	Timestamp        time.Time           `json:"timestamp"`
	Samples          []HealthProbeResult `json:"samples"`
	TotalRequests    int                 `json:"total_requests"`
	SuccessRate      float64             `json:"success_rate"`
	P95LatencyMS     float64             `json:"p95_latency_ms"`
	P99LatencyMS     float64             `json:"p99_latency_ms"`
	ErrorRate        float64             `json:"error_rate"`
	PassedThresholds bool                `json:"passed_thresholds"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	Skipped          bool                `json:"skipped,omitempty"`
}

type AlertAction string

const (
	ActionRollback  AlertAction = "rollback"
	ActionAlertOnly AlertAction = "alert_only"
	ActionNone      AlertAction = "none"
)

// GjallarhornAlert records one health-threshold violation. Alerts are only
// ever appended.
type GjallarhornAlert struct {
	ID                string       `json:"id"`
	DeploymentID      string       `json:"deployment_id"`
	Reason            string       `json:"reason"`
	Report            HealthReport `json:"report"`
	ActionTaken       AlertAction  `json:"action_taken" enum:"rollback,alert_only,none"`
	RollbackTarget    string       `json:"rollback_target,omitempty"`
	RollbackSucceeded *bool        `json:"rollback_succeeded,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

type RunState string

const (
	StateIdle        RunState = "IDLE"
	StateVerify      RunState = "VERIFY"
	StateBuild       RunState = "BUILD"
	StateTest        RunState = "TEST"
	StateDeploy      RunState = "DEPLOY"
	StateProbe       RunState = "PROBE"
	StateRollback    RunState = "ROLLBACK"
	StateSelfCorrect RunState = "SELF_CORRECT"
	StateEscalate    RunState = "ESCALATE"
	StateDone        RunState = "DONE"
	StateFailed      RunState = "FAILED"
)

func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

type Transition struct {
	At     time.Time `json:"at"`
	From   RunState  `json:"from"`
	To     RunState  `json:"to"`
	Reason string    `json:"reason"`
}

type Diagnostic struct {
	Source   string `json:"source"`
	ExitCode int    `json:"exit_code,omitempty"`
	Message  string `json:"message"`
}

// Fix is a candidate repair derived from diagnostics.
type Fix struct {
	ID         string `json:"id"`
	Category   string `json:"category"`
	Action     string `json:"action"`
	Diagnostic string `json:"diagnostic"`
	Permitted  bool   `json:"permitted"`
	Applied    bool   `json:"applied"`
	Error      string `json:"error,omitempty"`
}

type Escalation struct {
	Reason           string       `json:"reason"`
	Attempts         int          `json:"attempts"`
	FailedInvariants []string     `json:"failed_invariants,omitempty"`
	Diagnostics      []Diagnostic `json:"diagnostics,omitempty"`
	ProposedFixes    []Fix        `json:"proposed_fixes,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// RunResult is the only artifact a pipeline run hands to its caller.
type RunResult struct {
	RunID          string              `json:"run_id"`
	Target         string              `json:"target"`
	Success        bool                `json:"success"`
	FinalState     RunState            `json:"final_state"`
	RolledBack     bool                `json:"rolled_back"`
	Report         *VerificationReport `json:"report,omitempty"`
	Deployment     *DeploymentInfo     `json:"deployment,omitempty"`
	Health         *HealthReport       `json:"health,omitempty"`
	Alert          *GjallarhornAlert   `json:"alert,omitempty"`
	Escalation     *Escalation         `json:"escalation,omitempty"`
	Transitions    []Transition        `json:"transitions"`
	ReasoningTrace []string            `json:"reasoning_trace"`
	Diagnostics    []Diagnostic        `json:"diagnostics,omitempty"`
	Fixes          []Fix               `json:"fixes,omitempty"`
	Attempts       int                 `json:"attempts"`
	StartedAt      time.Time           `json:"started_at"`
	DurationMS     int64               `json:"duration_ms"`
}

// Run is the persisted summary of a RunResult.
type Run struct {
	ID           string `json:"id"`
	Target       string `json:"target"`
	FinalState   string `json:"final_state"`
	Success      bool   `json:"success"`
	ProofHash    string `json:"proof_hash,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	ActorID      string `json:"actor_id"`
	StartedAt    string `json:"started_at" format:"date-time"`
	FinishedAt   string `json:"finished_at" format:"date-time"`
	ResultJSON   string `json:"-"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Target     string `json:"target,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Lease struct {
	Key        string `json:"key"`
	OwnerID    string `json:"owner_id"`
	Token      string `json:"token"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}
