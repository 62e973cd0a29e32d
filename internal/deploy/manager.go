package deploy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"releaseline/internal/domain"
	"releaseline/internal/logging"
)

const DefaultPollInterval = 2 * time.Second

// Manager wraps a Provider with the polling and alias semantics the
// pipeline relies on.
type Manager struct {
	Provider     Provider
	PollInterval time.Duration
	Logger       *zap.Logger
}

func NewManager(p Provider, logger *zap.Logger) *Manager {
	return &Manager{Provider: p, PollInterval: DefaultPollInterval, Logger: logging.OrNop(logger)}
}

func (m *Manager) logger() *zap.Logger {
	return logging.OrNop(m.Logger)
}

// Simulated reports whether the manager runs against the in-memory backend.
func (m *Manager) Simulated() bool {
	_, ok := m.Provider.(*MemoryProvider)
	return ok
}

func (m *Manager) CreateDeployment(ctx context.Context, opts CreateOptions) (domain.DeploymentInfo, error) {
	info, err := m.Provider.Create(ctx, opts)
	if err != nil {
		m.logger().Warn("create deployment failed", zap.String("provider", m.Provider.Name()), zap.String("name", opts.Name), zap.Error(err))
		return domain.DeploymentInfo{}, err
	}
	m.logger().Info("deployment created",
		zap.String("provider", m.Provider.Name()),
		zap.String("deployment_id", info.ID),
		zap.String("status", string(info.Status)))
	return info, nil
}

// GetDeployment returns nil, nil when the provider does not know the id.
func (m *Manager) GetDeployment(ctx context.Context, id string) (*domain.DeploymentInfo, error) {
	info, err := m.Provider.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

// WaitForDeployment polls until the deployment reaches ready, error or
// canceled. It returns nil, nil when timeout elapses first. Transient lookup
// errors are logged and polling continues.
func (m *Manager) WaitForDeployment(ctx context.Context, id string, timeout time.Duration) (*domain.DeploymentInfo, error) {
	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		info, err := m.GetDeployment(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger().Debug("poll deployment failed", zap.String("deployment_id", id), zap.Error(err))
		case info != nil && info.Status.Terminal():
			return info, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			m.logger().Warn("deployment wait timed out", zap.String("deployment_id", id), zap.Duration("timeout", timeout))
			return nil, nil
		case <-ticker.C:
		}
	}
}

// SetAlias points alias at id. Provider errors are logged and reported as
// false.
func (m *Manager) SetAlias(ctx context.Context, id, alias string) bool {
	if err := m.Provider.SetAlias(ctx, id, alias); err != nil {
		m.logger().Warn("set alias failed", zap.String("deployment_id", id), zap.String("alias", alias), zap.Error(err))
		return false
	}
	m.logger().Info("alias set", zap.String("deployment_id", id), zap.String("alias", alias))
	return true
}

func (m *Manager) RemoveAlias(ctx context.Context, alias string) bool {
	if err := m.Provider.RemoveAlias(ctx, alias); err != nil {
		m.logger().Warn("remove alias failed", zap.String("alias", alias), zap.Error(err))
		return false
	}
	return true
}
