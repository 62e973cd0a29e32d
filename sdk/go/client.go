package releaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Releaseline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Runs execute synchronously on the
// server, so the default timeout is generous.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 15 * time.Minute,
	}
}

// Failure is one violated invariant.
type Failure struct {
	InvariantID string `json:"invariant_id"`
	Name        string `json:"name"`
	Severity    string `json:"severity"`
	Reason      string `json:"reason"`
	Remediation string `json:"remediation"`
}

// Report represents a verification report (partial).
type Report struct {
	Proof struct {
		ID        string `json:"id"`
		ProofHash string `json:"proof_hash"`
		AllPassed bool   `json:"all_passed"`
	} `json:"proof"`
	Summary struct {
		Total   int `json:"total"`
		Passed  int `json:"passed"`
		Failed  int `json:"failed"`
		Skipped int `json:"skipped"`
	} `json:"summary"`
	Failures           []Failure `json:"failures"`
	ReadyForDeployment bool      `json:"ready_for_deployment"`
}

// Transition is one state change of a run.
type Transition struct {
	At     time.Time `json:"at"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
}

// RunResult represents the outcome of a pipeline run (partial).
type RunResult struct {
	RunID      string  `json:"run_id"`
	Target     string  `json:"target"`
	Success    bool    `json:"success"`
	FinalState string  `json:"final_state"`
	RolledBack bool    `json:"rolled_back"`
	Report     *Report `json:"report,omitempty"`
	Deployment *struct {
		ID     string `json:"id"`
		URL    string `json:"url"`
		Status string `json:"status"`
	} `json:"deployment,omitempty"`
	Escalation *struct {
		Reason   string `json:"reason"`
		Attempts int    `json:"attempts"`
	} `json:"escalation,omitempty"`
	Transitions    []Transition `json:"transitions"`
	ReasoningTrace []string     `json:"reasoning_trace"`
	Attempts       int          `json:"attempts"`
	DurationMS     int64        `json:"duration_ms"`
}

// Run is a persisted run summary.
type Run struct {
	ID           string `json:"id"`
	Target       string `json:"target"`
	FinalState   string `json:"final_state"`
	Success      bool   `json:"success"`
	ProofHash    string `json:"proof_hash"`
	DeploymentID string `json:"deployment_id"`
	ActorID      string `json:"actor_id"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
}

// Alert is a health alert raised by the circuit breaker.
type Alert struct {
	ID                string    `json:"id"`
	DeploymentID      string    `json:"deployment_id"`
	Reason            string    `json:"reason"`
	ActionTaken       string    `json:"action_taken"`
	RollbackTarget    string    `json:"rollback_target"`
	RollbackSucceeded *bool     `json:"rollback_succeeded"`
	CreatedAt         time.Time `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Target     string         `json:"target"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RunRequest mirrors POST /v0/runs.
type RunRequest struct {
	Project          string `json:"project,omitempty"`
	Environment      string `json:"environment,omitempty"`
	SourceRef        string `json:"source_ref,omitempty"`
	Kind             string `json:"kind,omitempty"`
	DryRun           bool   `json:"dry_run,omitempty"`
	SkipDeploy       bool   `json:"skip_deploy,omitempty"`
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	PreviousStableID string `json:"previous_stable_id,omitempty"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Verify checks the server workspace against the invariants required for kind.
func (c *Client) Verify(ctx context.Context, kind string, invariantIDs ...string) (Report, error) {
	body := map[string]any{"kind": kind}
	if len(invariantIDs) > 0 {
		body["invariant_ids"] = invariantIDs
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, "v0/verify", body, &resp)
	return resp, err
}

// StartRun runs the pipeline and waits for the result. A failed release is
// returned as a result, not an error.
func (c *Client) StartRun(ctx context.Context, req RunRequest) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "v0/runs", req, &resp)
	return resp, err
}

// GetRun fetches a full run result.
func (c *Client) GetRun(ctx context.Context, runID string) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListRuns returns recent runs, optionally for one "project/environment" target.
func (c *Client) ListRuns(ctx context.Context, target string, limit int) ([]Run, error) {
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/runs", target, limit), nil, &resp)
	return resp.Items, err
}

// ListAlerts returns recent health alerts.
func (c *Client) ListAlerts(ctx context.Context, target string, limit int) ([]Alert, error) {
	var resp struct {
		Items []Alert `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/alerts", target, limit), nil, &resp)
	return resp.Items, err
}

// EventsPage returns a page of events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func withQuery(endpoint, target string, limit int) string {
	q := url.Values{}
	if target != "" {
		q.Set("target", target)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
