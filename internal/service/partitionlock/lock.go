// Package partitionlock provides cluster-wide mutual exclusion on partition
// keys via Redis leases.
//
// The lock is advisory for correctness of state mutations; the partition
// state repository's optimistic version check is the ultimate guard. A
// crashed holder's lease expires within the hold TTL so recovery is bounded.
package partitionlock

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
)

const (
	keyPrefix      = "plock:"
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// releaseScript deletes the lease only when the fencing token matches, so a
// stale holder cannot release a newer lease. Double release is a no-op.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// renewScript extends the hold TTL only for the current token holder.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// Locker implements domain.PartitionLocker on Redis.
type Locker struct {
	rdb     *redis.Client
	release *redis.Script
	renew   *redis.Script
}

// New constructs a Locker.
func New(rdb *redis.Client) *Locker {
	return &Locker{
		rdb:     rdb,
		release: redis.NewScript(releaseScript),
		renew:   redis.NewScript(renewScript),
	}
}

// Acquire installs a lease on the partition key with the given hold TTL. On
// contention it retries with exponential backoff (50ms doubling to 500ms)
// until wait elapses. Redis unavailability surfaces as
// domain.ErrDependencyUnavailable, never as a phantom grant.
func (l *Locker) Acquire(ctx domain.Context, partitionKey string, wait, hold time.Duration) (domain.LockHandle, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)
	backoff := initialBackoff

	for {
		ok, err := l.rdb.SetNX(ctx, keyPrefix+partitionKey, token, hold).Result()
		if err != nil {
			observability.LockAcquisitionsTotal.WithLabelValues("backend_unavailable").Inc()
			return domain.LockHandle{}, fmt.Errorf("op=partitionlock.acquire: %w: %w", domain.ErrDependencyUnavailable, err)
		}
		if ok {
			observability.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
			return domain.LockHandle{Key: partitionKey, Token: token, HoldTTL: hold}, nil
		}

		if time.Now().Add(backoff).After(deadline) {
			observability.LockAcquisitionsTotal.WithLabelValues("timeout").Inc()
			slog.Warn("partition lock acquisition timed out",
				slog.String("partition_key", partitionKey),
				slog.Duration("wait", wait))
			return domain.LockHandle{}, fmt.Errorf("op=partitionlock.acquire key=%s: %w", partitionKey, domain.ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return domain.LockHandle{}, fmt.Errorf("op=partitionlock.acquire: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Renew extends the hold TTL; required for operations longer than the TTL.
func (l *Locker) Renew(ctx domain.Context, h domain.LockHandle) error {
	res, err := l.renew.Run(ctx, l.rdb, []string{keyPrefix + h.Key}, h.Token, h.HoldTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("op=partitionlock.renew: %w: %w", domain.ErrDependencyUnavailable, err)
	}
	if res == 0 {
		return fmt.Errorf("op=partitionlock.renew key=%s: lease lost: %w", h.Key, domain.ErrConflict)
	}
	return nil
}

// Release deletes the lease if the token still matches.
func (l *Locker) Release(ctx domain.Context, h domain.LockHandle) error {
	_, err := l.release.Run(ctx, l.rdb, []string{keyPrefix + h.Key}, h.Token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=partitionlock.release: %w", err)
	}
	return nil
}

var _ domain.PartitionLocker = (*Locker)(nil)
