package lock

import (
	"context"
	"sync"
	"time"

	"releaseline/internal/domain"
)

// Memory is an in-process named mutex map. It only serializes runs within one
// process.
type Memory struct {
	Now func() time.Time

	mu     sync.Mutex
	leases map[string]memoryLease
}

type memoryLease struct {
	lease   domain.Lease
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{leases: map[string]memoryLease{}}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (domain.Lease, error) {
	if err := ctx.Err(); err != nil {
		return domain.Lease{}, err
	}
	if err := validate(key, owner, ttl); err != nil {
		return domain.Lease{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases == nil {
		m.leases = map[string]memoryLease{}
	}
	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expires) {
		return domain.Lease{}, ErrHeld
	}
	l := newLease(key, owner, now, ttl)
	m.leases[key] = memoryLease{lease: l, expires: now.Add(ttl)}
	return l, nil
}

func (m *Memory) Release(_ context.Context, lease domain.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[lease.Key]; ok && cur.lease.Token == lease.Token {
		delete(m.leases, lease.Key)
	}
	return nil
}
