package lock

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"releaseline/internal/domain"
	"releaseline/internal/events"
	"releaseline/internal/repo"
)

// SQLite stores leases in the workspace database, so separate rl processes
// sharing a workspace are serialized too.
type SQLite struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db, Repo: repo.Repo{DB: db}, Events: events.Writer{DB: db}}
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Acquire claims the lease transactionally. Any unexpired lease is held,
// whoever owns it.
func (s *SQLite) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (domain.Lease, error) {
	if err := validate(key, owner, ttl); err != nil {
		return domain.Lease{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	existing, err := s.Repo.GetLeaseTx(ctx, tx, key)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, err
	}
	if err == nil {
		exp, _ := time.Parse(time.RFC3339Nano, existing.ExpiresAt)
		if now.Before(exp) {
			return domain.Lease{}, ErrHeld
		}
	}
	l := newLease(key, owner, now, ttl)
	if err := s.Repo.UpsertLease(ctx, tx, l); err != nil {
		return domain.Lease{}, err
	}
	if err := s.Events.Append(ctx, tx, "lease.acquired", key, "lease", key, owner, events.EventPayload{"expires_at": l.ExpiresAt}); err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return l, nil
}

func (s *SQLite) Release(ctx context.Context, lease domain.Lease) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	deleted, err := s.Repo.DeleteLease(ctx, tx, lease.Key, lease.Token)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	if err := s.Events.Append(ctx, tx, "lease.released", lease.Key, "lease", lease.Key, lease.OwnerID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
