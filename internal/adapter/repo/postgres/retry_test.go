package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func deadlockErr() error {
	return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
}

func serializationErr() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

func TestIsDeadlock(t *testing.T) {
	t.Parallel()
	require.True(t, IsDeadlock(deadlockErr()))
	require.True(t, IsDeadlock(serializationErr()))
	require.True(t, IsDeadlock(fmt.Errorf("op=wrap: %w", deadlockErr())))
	require.False(t, IsDeadlock(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsDeadlock(errors.New("plain error")))
	require.False(t, IsDeadlock(nil))
}

func TestDoRetriesDeadlockVictim(t *testing.T) {
	s := NewRetrySupervisor(nil, RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   1.5,
	})

	calls := 0
	err := s.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return deadlockErr()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoPropagatesNonDeadlockImmediately(t *testing.T) {
	s := NewRetrySupervisor(nil, RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.5})

	boom := errors.New("constraint violation")
	calls := 0
	err := s.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	s := NewRetrySupervisor(nil, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.5})

	calls := 0
	err := s.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		return deadlockErr()
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "deadlock retries exhausted")
	require.Equal(t, 3, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	s := NewRetrySupervisor(nil, RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1.5})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := s.Do(ctx, "test.op", func(ctx context.Context) error {
		return deadlockErr()
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRetrySupervisorDefaultsBadConfig(t *testing.T) {
	t.Parallel()
	s := NewRetrySupervisor(nil, RetryConfig{})
	require.Equal(t, DefaultRetryConfig(), s.Cfg)
}
