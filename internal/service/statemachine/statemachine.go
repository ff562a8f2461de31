// Package statemachine maintains the per-partition CDM position state with a
// Redis read cache over the versioned Postgres repository.
package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

const cachePrefix = "pstate:"

// Machine is the state machine. Reads are cache-hint and may be stale;
// every transition re-checks the version inside its own transaction, so a
// stale read can only cost a retry, never a bad write.
type Machine struct {
	repo     domain.PartitionStateRepository
	rdb      *redis.Client
	cacheTTL time.Duration
}

// New constructs a Machine.
func New(repo domain.PartitionStateRepository, rdb *redis.Client, cacheTTL time.Duration) *Machine {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Machine{repo: repo, rdb: rdb, cacheTTL: cacheTTL}
}

// Read returns the current partition state, from cache when present.
func (m *Machine) Read(ctx context.Context, partitionKey string) (domain.PartitionState, error) {
	if m.rdb != nil {
		raw, err := m.rdb.Get(ctx, cachePrefix+partitionKey).Bytes()
		if err == nil {
			var st domain.PartitionState
			if jsonErr := json.Unmarshal(raw, &st); jsonErr == nil {
				return st, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			slog.Warn("partition state cache read failed", slog.String("partition_key", partitionKey), slog.Any("error", err))
		}
	}
	st, err := m.repo.Get(ctx, partitionKey)
	if err != nil {
		return domain.PartitionState{}, err
	}
	m.cacheSet(ctx, st)
	return st, nil
}

// Transition validates and commits from->to under the optimistic version
// guard, then invalidates the cache entry. ErrVersionConflict is transient
// (caller retries the step); ErrIllegalTransition is terminal.
func (m *Machine) Transition(ctx context.Context, partitionKey string, from, to domain.PositionState, blob []byte, lastSeq, expectedVersion int64) (int64, error) {
	if !domain.AllowedTransition(from, to) {
		return 0, fmt.Errorf("op=statemachine.transition %s->%s: %w", from, to, domain.ErrIllegalTransition)
	}
	newVersion, err := m.repo.Transition(ctx, partitionKey, to, blob, lastSeq, expectedVersion)
	if err != nil {
		return 0, err
	}
	m.Invalidate(ctx, partitionKey)
	return newVersion, nil
}

// Invalidate drops the cached state after a committed write.
func (m *Machine) Invalidate(ctx context.Context, partitionKey string) {
	if m.rdb == nil {
		return
	}
	if err := m.rdb.Del(ctx, cachePrefix+partitionKey).Err(); err != nil {
		slog.Warn("partition state cache invalidation failed", slog.String("partition_key", partitionKey), slog.Any("error", err))
	}
}

func (m *Machine) cacheSet(ctx context.Context, st domain.PartitionState) {
	if m.rdb == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = m.rdb.Set(ctx, cachePrefix+st.PartitionKey, raw, m.cacheTTL).Err()
}
