package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
)

// SQLSTATE codes that mark this session as a deadlock/serialization victim.
// A victim's transaction is rollback-only, so in-place retry cannot commit;
// each retry must run in a brand-new transaction.
const (
	sqlstateDeadlockDetected    = "40P01"
	sqlstateSerializationFailed = "40001"
)

// RetryConfig bounds the deadlock retry loop.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig matches the engine defaults (5 attempts, 50ms ×1.5
// capped at 500ms).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 1.5}
}

// IsDeadlock reports whether err is a deadlock/serialization victim signal.
func IsDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateDeadlockDetected || pgErr.Code == sqlstateSerializationFailed
	}
	return false
}

// RetrySupervisor composes database write steps as small single-transaction
// operations so the deadlock retry granularity stays fine.
type RetrySupervisor struct {
	Pool PgxPool
	Cfg  RetryConfig
}

// NewRetrySupervisor constructs a RetrySupervisor.
func NewRetrySupervisor(pool PgxPool, cfg RetryConfig) *RetrySupervisor {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &RetrySupervisor{Pool: pool, Cfg: cfg}
}

// InTx runs op inside its own transaction; on a deadlock-victim error the
// whole transaction is retried fresh with exponential backoff. Non-deadlock
// errors propagate immediately.
func (s *RetrySupervisor) InTx(ctx context.Context, name string, op func(ctx context.Context, tx pgx.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.Cfg.InitialDelay
	bo.MaxInterval = s.Cfg.MaxDelay
	bo.Multiplier = s.Cfg.Multiplier
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= s.Cfg.MaxAttempts; attempt++ {
		lastErr = s.runOnce(ctx, op)
		if lastErr == nil {
			return nil
		}
		if !IsDeadlock(lastErr) {
			return fmt.Errorf("op=%s: %w", name, lastErr)
		}

		observability.DeadlockRetriesTotal.Inc()
		if attempt == s.Cfg.MaxAttempts {
			break
		}
		wait := bo.NextBackOff()
		slog.Warn("deadlock victim, retrying in fresh transaction",
			slog.String("op", name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=%s: %w", name, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("op=%s: deadlock retries exhausted: %w", name, lastErr)
}

// Do retries op on deadlock-victim errors with the same backoff as InTx.
// Meant for single-statement operations running on the pool, where every
// attempt is its own implicit transaction already.
func (s *RetrySupervisor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.Cfg.InitialDelay
	bo.MaxInterval = s.Cfg.MaxDelay
	bo.Multiplier = s.Cfg.Multiplier
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= s.Cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsDeadlock(lastErr) {
			return lastErr
		}
		observability.DeadlockRetriesTotal.Inc()
		if attempt == s.Cfg.MaxAttempts {
			break
		}
		wait := bo.NextBackOff()
		slog.Warn("deadlock victim, retrying statement",
			slog.String("op", name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=%s: %w", name, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("op=%s: deadlock retries exhausted: %w", name, lastErr)
}

func (s *RetrySupervisor) runOnce(ctx context.Context, op func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := op(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
