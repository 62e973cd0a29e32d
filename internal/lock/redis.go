package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"releaseline/internal/domain"
)

// acquireScript sets the lease only when the key is free.
// KEYS[1] = lease key
// ARGV[1] = owner|token value
// ARGV[2] = ttl in milliseconds
var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return 1
end
return 0
`)

// releaseScript deletes the lease only while the caller's token still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis coordinates runs across hosts that share a Redis server.
type Redis struct {
	client redis.Scripter
	prefix string
	Now    func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedis(opts RedisOptions) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisWithClient(rdb, opts.Prefix)
}

func NewRedisWithClient(client redis.Scripter, prefix string) *Redis {
	if prefix == "" {
		prefix = "releaseline:lease:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func leaseValue(l domain.Lease) string {
	return l.OwnerID + "|" + l.Token
}

func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (domain.Lease, error) {
	if err := validate(key, owner, ttl); err != nil {
		return domain.Lease{}, err
	}
	if strings.Contains(owner, "|") {
		return domain.Lease{}, errors.New("lease owner must not contain '|'")
	}
	l := newLease(key, owner, r.now(), ttl)
	res, err := acquireScript.Run(ctx, r.client, []string{r.prefix + key}, leaseValue(l), ttl.Milliseconds()).Int()
	if err != nil {
		return domain.Lease{}, fmt.Errorf("redis lease acquire: %w", err)
	}
	if res != 1 {
		return domain.Lease{}, ErrHeld
	}
	return l, nil
}

func (r *Redis) Release(ctx context.Context, lease domain.Lease) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + lease.Key}, leaseValue(lease)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis lease release: %w", err)
	}
	return nil
}
