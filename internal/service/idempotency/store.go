// Package idempotency implements the two-tier duplicate detector: a Redis
// cache in front of the durable Postgres records.
//
// The cache may be stale only in the "NEW but actually PROCESSING elsewhere"
// direction; the unique-key constraint on claim prevents double work, and
// COMPLETED is cached only after the durable write committed.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

// ProbeOutcome classifies what Probe found for a key.
type ProbeOutcome string

const (
	OutcomeNew        ProbeOutcome = "NEW"
	OutcomeProcessing ProbeOutcome = "PROCESSING"
	OutcomeCompleted  ProbeOutcome = "COMPLETED"
	OutcomeFailed     ProbeOutcome = "FAILED"
)

// ProbeResult is the answer of a Probe.
type ProbeResult struct {
	Outcome     ProbeOutcome
	ResultRef   string
	PayloadHash string
}

type cacheEntry struct {
	Status      domain.IdempotencyStatus `json:"status"`
	ResultRef   string                   `json:"result_ref,omitempty"`
	PayloadHash string                   `json:"payload_hash,omitempty"`
}

// Store is the two-tier idempotency store.
type Store struct {
	rdb      *redis.Client
	repo     domain.IdempotencyRepository
	cacheTTL time.Duration
	window   time.Duration
}

// New constructs a Store. cacheTTL bounds the Redis tier (12h default);
// window is the dedup TTL of the durable record (24h default).
func New(rdb *redis.Client, repo domain.IdempotencyRepository, cacheTTL, window time.Duration) *Store {
	return &Store{rdb: rdb, repo: repo, cacheTTL: cacheTTL, window: window}
}

// HashPayload fingerprints a request so a duplicate key carrying a different
// payload can be distinguished from a plain retry.
func HashPayload(req domain.TradeCaptureRequest) string {
	// The idempotency key itself is excluded: the same logical trade may be
	// retried with or without an explicit key.
	req.IdempotencyKey = ""
	b, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Probe answers NEW / PROCESSING / COMPLETED(resultRef) / FAILED for a key,
// fast-path via cache, promoting durable hits to the cache.
func (s *Store) Probe(ctx context.Context, key string) (ProbeResult, error) {
	if e, ok := s.cacheGet(ctx, key); ok {
		return probeFromStatus(e.Status, e.ResultRef, e.PayloadHash), nil
	}

	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ProbeResult{Outcome: OutcomeNew}, nil
		}
		return ProbeResult{}, fmt.Errorf("op=idempotency.probe: %w", err)
	}
	s.cacheSet(ctx, key, cacheEntry{Status: rec.Status, ResultRef: rec.ResultRef, PayloadHash: rec.PayloadHash})
	return probeFromStatus(rec.Status, rec.ResultRef, rec.PayloadHash), nil
}

// Claim inserts a PROCESSING record for the key. ErrAlreadyExists means a
// racing worker claimed first; the caller re-probes.
func (s *Store) Claim(ctx context.Context, key, partitionKey, payloadHash string) error {
	rec := domain.IdempotencyRecord{
		Key:          key,
		PartitionKey: partitionKey,
		PayloadHash:  payloadHash,
		Status:       domain.IdempotencyProcessing,
		ExpiresAt:    time.Now().UTC().Add(s.window),
	}
	if err := s.repo.Claim(ctx, rec); err != nil {
		return err
	}
	// PROCESSING is safe to cache: a stale PROCESSING entry only delays the
	// duplicate answer, never fabricates a completion.
	s.cacheSet(ctx, key, cacheEntry{Status: domain.IdempotencyProcessing, PayloadHash: payloadHash})
	return nil
}

// MarkCompleted records the terminal result; the cache is written only after
// the durable update succeeds.
func (s *Store) MarkCompleted(ctx context.Context, key, resultRef string) error {
	if err := s.repo.MarkCompleted(ctx, key, resultRef); err != nil {
		return err
	}
	s.cacheSet(ctx, key, cacheEntry{Status: domain.IdempotencyCompleted, ResultRef: resultRef})
	return nil
}

// MarkFailed records the terminal failure so a later client retry is allowed.
func (s *Store) MarkFailed(ctx context.Context, key, reason string) error {
	if err := s.repo.MarkFailed(ctx, key, reason); err != nil {
		return err
	}
	s.cacheSet(ctx, key, cacheEntry{Status: domain.IdempotencyFailed})
	return nil
}

// ClearFailed deletes the durable FAILED record and its cache entry so a
// flagged client retry can claim the key again. A key that already left
// FAILED is untouched.
func (s *Store) ClearFailed(ctx context.Context, key string) error {
	if err := s.repo.DeleteFailed(ctx, key); err != nil {
		return fmt.Errorf("op=idempotency.clear_failed: %w", err)
	}
	if s.rdb != nil {
		_ = s.rdb.Del(ctx, cacheKey(key)).Err()
	}
	return nil
}

func probeFromStatus(st domain.IdempotencyStatus, resultRef, payloadHash string) ProbeResult {
	switch st {
	case domain.IdempotencyCompleted:
		return ProbeResult{Outcome: OutcomeCompleted, ResultRef: resultRef, PayloadHash: payloadHash}
	case domain.IdempotencyFailed:
		return ProbeResult{Outcome: OutcomeFailed, PayloadHash: payloadHash}
	default:
		return ProbeResult{Outcome: OutcomeProcessing, PayloadHash: payloadHash}
	}
}

func cacheKey(key string) string { return "idem:" + key }

func (s *Store) cacheGet(ctx context.Context, key string) (cacheEntry, bool) {
	if s.rdb == nil {
		return cacheEntry{}, false
	}
	raw, err := s.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("idempotency cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return cacheEntry{}, false
	}
	var e cacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return cacheEntry{}, false
	}
	return e, true
}

func (s *Store) cacheSet(ctx context.Context, key string, e cacheEntry) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, cacheKey(key), raw, s.cacheTTL).Err(); err != nil {
		slog.Warn("idempotency cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}
