// Package lock serializes pipeline runs per deployment target.
//
// A run must hold the lease for its target (project/environment) for its whole
// duration. Leases expire so a crashed holder cannot block a target forever.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"releaseline/internal/domain"
)

var ErrHeld = errors.New("target lease already held")

// DefaultTTL bounds how long an abandoned lease blocks a target.
const DefaultTTL = 30 * time.Minute

type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (domain.Lease, error)
	Release(ctx context.Context, lease domain.Lease) error
}

// Key builds the lease key for a project and environment.
func Key(project, environment string) string {
	project = strings.TrimSpace(project)
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return project
	}
	return project + "/" + environment
}

func newToken() string {
	return uuid.NewString()
}

func validate(key, owner string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("lease key required")
	}
	if strings.TrimSpace(owner) == "" {
		return errors.New("lease owner required")
	}
	if ttl <= 0 {
		return fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}
	return nil
}

func newLease(key, owner string, now time.Time, ttl time.Duration) domain.Lease {
	now = now.UTC()
	return domain.Lease{
		Key:        key,
		OwnerID:    owner,
		Token:      newToken(),
		AcquiredAt: now.Format(time.RFC3339Nano),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339Nano),
	}
}

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// New returns the Locker for backend. The sqlite backend needs db; the redis
// backend needs redisOpts.Addr.
func New(backend string, db *sql.DB, redisOpts RedisOptions) (Locker, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendSQLite:
		if db == nil {
			return nil, errors.New("sqlite lock backend requires a database")
		}
		return NewSQLite(db), nil
	case BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		if redisOpts.Addr == "" {
			return nil, errors.New("redis lock backend requires an address")
		}
		return NewRedis(redisOpts), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}
