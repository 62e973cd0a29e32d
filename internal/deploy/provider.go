package deploy

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"releaseline/internal/domain"
)

var ErrNotFound = errors.New("deployment not found")

// CreateOptions describes a deployment request.
type CreateOptions struct {
	Name      string            `json:"name"`
	Target    string            `json:"target"`
	SourceRef string            `json:"source_ref,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Provider is the hosting API contract. Any backend offering these four
// operations can carry releases.
type Provider interface {
	Name() string
	Create(ctx context.Context, opts CreateOptions) (domain.DeploymentInfo, error)
	Get(ctx context.Context, id string) (domain.DeploymentInfo, error)
	SetAlias(ctx context.Context, id, alias string) error
	RemoveAlias(ctx context.Context, alias string) error
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Token   string
	APIURL  string
	Team    string
	BaseURL string
	// RequestsPerSecond bounds calls to the live API. Zero means 5.
	RequestsPerSecond float64
	Timeout           time.Duration
	Logger            *zap.Logger
}

// NewProvider picks the live HTTP provider when a token is configured and the
// in-memory simulation otherwise.
func NewProvider(cfg ProviderConfig) Provider {
	if strings.TrimSpace(cfg.Token) == "" {
		return NewMemoryProvider(cfg.BaseURL)
	}
	return NewHTTPProvider(cfg)
}
