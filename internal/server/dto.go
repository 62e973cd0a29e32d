package server

import (
	"encoding/json"

	"releaseline/internal/config"
	"releaseline/internal/domain"
)

// Request payloads

type VerifyRequest struct {
	Kind         string   `json:"kind,omitempty" example:"deployment"`
	InvariantIDs []string `json:"invariant_ids,omitempty"`
	Target       string   `json:"target,omitempty" example:"shop/production"`
}

type RunRequest struct {
	Project          string `json:"project,omitempty"`
	Environment      string `json:"environment,omitempty" example:"production"`
	SourceRef        string `json:"source_ref,omitempty"`
	Kind             string `json:"kind,omitempty" example:"deployment"`
	DryRun           bool   `json:"dry_run,omitempty"`
	SkipDeploy       bool   `json:"skip_deploy,omitempty"`
	MaxAttempts      int    `json:"max_attempts,omitempty" minimum:"0" maximum:"20"`
	PreviousStableID string `json:"previous_stable_id,omitempty"`
}

type ProbeRequest struct {
	URL string `json:"url" example:"https://shop-1.sim.local"`
}

type RollbackRequest struct {
	Project      string `json:"project,omitempty"`
	Environment  string `json:"environment,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	Target     string         `json:"target,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type ManifestResponse struct {
	ManifestVersion   string                `json:"manifest_version"`
	Codename          string                `json:"codename"`
	VerificationLevel string                `json:"verification_level"`
	Invariants        []invariantSummary    `json:"invariants"`
	ProofRequirements map[string][]string   `json:"proof_requirements"`
	Allowlist         []allowlistSummary    `json:"self_correction_allowlist"`
	CircuitBreaker    config.CircuitBreaker `json:"circuit_breaker"`
	Deploy            config.DeployConfig   `json:"deploy"`
	Webhooks          int                   `json:"webhooks"`
}

type invariantSummary struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Category  string           `json:"category"`
	Severity  domain.Severity  `json:"severity"`
	CheckType domain.CheckType `json:"check_type"`
}

type allowlistSummary struct {
	Category string   `json:"category"`
	Actions  []string `json:"actions"`
}

type listRuns struct {
	Items []domain.Run `json:"items"`
}

type listAlerts struct {
	Items []domain.GjallarhornAlert `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Target:     e.Target,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func manifestResponse(m *config.Manifest) ManifestResponse {
	res := ManifestResponse{
		ManifestVersion:   m.ManifestVersion,
		Codename:          m.Codename,
		VerificationLevel: m.VerificationLevel,
		Invariants:        make([]invariantSummary, 0, len(m.Invariants)),
		ProofRequirements: m.ProofRequirements,
		Allowlist:         make([]allowlistSummary, 0, len(m.SelfCorrectionAllowlist)),
		CircuitBreaker:    m.CircuitBreaker,
		Deploy:            m.Deploy,
		Webhooks:          len(m.Webhooks),
	}
	for _, inv := range m.Invariants {
		res.Invariants = append(res.Invariants, invariantSummary{
			ID:        inv.ID,
			Name:      inv.Name,
			Category:  inv.Category,
			Severity:  inv.Severity,
			CheckType: inv.Check.Type,
		})
	}
	for _, entry := range m.SelfCorrectionAllowlist {
		res.Allowlist = append(res.Allowlist, allowlistSummary{
			Category: entry.Category,
			Actions:  nonNilSlice(entry.Actions),
		})
	}
	if res.ProofRequirements == nil {
		res.ProofRequirements = map[string][]string{}
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
