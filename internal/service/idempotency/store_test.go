package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

type memIdemRepo struct {
	mu   sync.Mutex
	recs map[string]domain.IdempotencyRecord
}

func newMemIdemRepo() *memIdemRepo {
	return &memIdemRepo{recs: make(map[string]domain.IdempotencyRecord)}
}

func (r *memIdemRepo) Get(_ domain.Context, key string) (domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (r *memIdemRepo) Claim(_ domain.Context, rec domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recs[rec.Key]; ok {
		return domain.ErrAlreadyExists
	}
	r.recs[rec.Key] = rec
	return nil
}

func (r *memIdemRepo) MarkCompleted(_ domain.Context, key, resultRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recs[key]
	rec.Status = domain.IdempotencyCompleted
	rec.ResultRef = resultRef
	r.recs[key] = rec
	return nil
}

func (r *memIdemRepo) MarkFailed(_ domain.Context, key, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recs[key]
	rec.Status = domain.IdempotencyFailed
	rec.Reason = reason
	r.recs[key] = rec
	return nil
}

func (r *memIdemRepo) DeleteFailed(_ domain.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.recs[key]; ok && rec.Status == domain.IdempotencyFailed {
		delete(r.recs, key)
	}
	return nil
}

func (r *memIdemRepo) DeleteExpired(_ domain.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, rec := range r.recs {
		if rec.ExpiresAt.Before(now) {
			delete(r.recs, k)
			n++
		}
	}
	return n, nil
}

func newTestStore(t *testing.T) (*Store, *memIdemRepo, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	repo := newMemIdemRepo()
	return New(rdb, repo, 12*time.Hour, 24*time.Hour), repo, rdb
}

func TestProbeNewKey(t *testing.T) {
	s, _, _ := newTestStore(t)

	res, err := s.Probe(context.Background(), "T-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, res.Outcome)
}

func TestClaimThenProbeProcessing(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Claim(ctx, "T-1", "A_B_S", "hash1"))

	res, err := s.Probe(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessing, res.Outcome)
	require.Equal(t, "hash1", res.PayloadHash)
}

func TestClaimTwiceConflicts(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Claim(ctx, "T-1", "A_B_S", "h"))
	err := s.Claim(ctx, "T-1", "A_B_S", "h")
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestMarkCompletedVisibleViaCacheAndRepo(t *testing.T) {
	s, repo, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Claim(ctx, "T-1", "A_B_S", "h"))
	require.NoError(t, s.MarkCompleted(ctx, "T-1", "blotter-42"))

	res, err := s.Probe(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "blotter-42", res.ResultRef)

	// Drop the cache entry and verify the durable record answers the same.
	require.NoError(t, rdb.Del(ctx, "idem:T-1").Err())
	res, err = s.Probe(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "blotter-42", res.ResultRef)

	rec, err := repo.Get(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyCompleted, rec.Status)
}

func TestMarkFailedThenClearFailed(t *testing.T) {
	s, repo, rdb := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Claim(ctx, "T-1", "A_B_S", "h"))
	require.NoError(t, s.MarkFailed(ctx, "T-1", "enrichment failed"))

	res, err := s.Probe(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)

	// Clearing removes both tiers, so the key probes NEW and can be claimed
	// again by a flagged retry.
	require.NoError(t, s.ClearFailed(ctx, "T-1"))
	n, err := rdb.Exists(ctx, "idem:T-1").Result()
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = repo.Get(ctx, "T-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	res, err = s.Probe(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, res.Outcome)
	require.NoError(t, s.Claim(ctx, "T-1", "A_B_S", "h"))
}

func TestClearFailedLeavesCompletedRecord(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Claim(ctx, "T-1", "A_B_S", "h"))
	require.NoError(t, s.MarkCompleted(ctx, "T-1", "blotter-1"))

	require.NoError(t, s.ClearFailed(ctx, "T-1"))
	rec, err := repo.Get(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyCompleted, rec.Status)
}

func TestStoreWorksWithoutRedis(t *testing.T) {
	repo := newMemIdemRepo()
	s := New(nil, repo, time.Hour, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Claim(ctx, "T-1", "A_B_S", "h"))
	res, err := s.Probe(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessing, res.Outcome)
	require.NoError(t, s.MarkFailed(ctx, "T-1", "enrichment failed"))
	require.NoError(t, s.ClearFailed(ctx, "T-1"))
}

func TestHashPayloadIgnoresIdempotencyKey(t *testing.T) {
	base := domain.TradeCaptureRequest{
		TradeID:    "T-1",
		AccountID:  "A",
		BookID:     "B",
		SecurityID: "S",
		TradeLots:  []domain.TradeLot{{Quantity: 100, Price: 1.5}},
	}
	withKey := base
	withKey.IdempotencyKey = "client-key"

	require.Equal(t, HashPayload(base), HashPayload(withKey))

	changed := base
	changed.TradeLots = []domain.TradeLot{{Quantity: 200, Price: 1.5}}
	require.NotEqual(t, HashPayload(base), HashPayload(changed))
}
