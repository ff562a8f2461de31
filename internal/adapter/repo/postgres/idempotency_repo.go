package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

const sqlstateUniqueViolation = "23505"

// IdempotencyRepo persists idempotency records in PostgreSQL.
type IdempotencyRepo struct{ Pool PgxPool }

// NewIdempotencyRepo constructs an IdempotencyRepo with the given pool.
func NewIdempotencyRepo(p PgxPool) *IdempotencyRepo { return &IdempotencyRepo{Pool: p} }

// Get loads a non-expired record by key.
func (r *IdempotencyRepo) Get(ctx domain.Context, key string) (domain.IdempotencyRecord, error) {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.Get")
	defer span.End()
	q := `SELECT key, partition_key, status, COALESCE(result_ref,''), COALESCE(payload_hash,''), COALESCE(reason,''), created_at, updated_at, expires_at
	      FROM idempotency_records WHERE key=$1 AND expires_at > now()`
	row := r.Pool.QueryRow(ctx, q, key)
	var rec domain.IdempotencyRecord
	if err := row.Scan(&rec.Key, &rec.PartitionKey, &rec.Status, &rec.ResultRef, &rec.PayloadHash, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IdempotencyRecord{}, fmt.Errorf("op=idempotency.get: %w", domain.ErrNotFound)
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("op=idempotency.get: %w", err)
	}
	return rec, nil
}

// Claim inserts a PROCESSING record under the unique key constraint. A
// colliding insert means another worker claimed the key first and maps to
// domain.ErrAlreadyExists.
func (r *IdempotencyRepo) Claim(ctx domain.Context, rec domain.IdempotencyRecord) error {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.Claim")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO idempotency_records (key, partition_key, status, payload_hash, created_at, updated_at, expires_at)
	      VALUES ($1,$2,$3,$4,$5,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, rec.Key, rec.PartitionKey, domain.IdempotencyProcessing, rec.PayloadHash, now, rec.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation {
			return fmt.Errorf("op=idempotency.claim key=%s: %w", rec.Key, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("op=idempotency.claim: %w", err)
	}
	return nil
}

// MarkCompleted records the terminal COMPLETED status with its result ref.
// Idempotent: re-marking an already COMPLETED key is a no-op.
func (r *IdempotencyRepo) MarkCompleted(ctx domain.Context, key, resultRef string) error {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.MarkCompleted")
	defer span.End()
	q := `UPDATE idempotency_records SET status=$2, result_ref=$3, updated_at=$4 WHERE key=$1 AND status != $2`
	if _, err := r.Pool.Exec(ctx, q, key, domain.IdempotencyCompleted, resultRef, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=idempotency.mark_completed: %w", err)
	}
	return nil
}

// MarkFailed records the terminal FAILED status so a later client retry is
// permitted within the window.
func (r *IdempotencyRepo) MarkFailed(ctx domain.Context, key, reason string) error {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.MarkFailed")
	defer span.End()
	q := `UPDATE idempotency_records SET status=$2, reason=$3, updated_at=$4 WHERE key=$1 AND status != $5`
	if _, err := r.Pool.Exec(ctx, q, key, domain.IdempotencyFailed, reason, time.Now().UTC(), domain.IdempotencyCompleted); err != nil {
		return fmt.Errorf("op=idempotency.mark_failed: %w", err)
	}
	return nil
}

// DeleteFailed removes a FAILED record so a flagged retry can claim the key
// again. Deleting an absent or non-FAILED key is a no-op.
func (r *IdempotencyRepo) DeleteFailed(ctx domain.Context, key string) error {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.DeleteFailed")
	defer span.End()
	q := `DELETE FROM idempotency_records WHERE key=$1 AND status=$2`
	if _, err := r.Pool.Exec(ctx, q, key, domain.IdempotencyFailed); err != nil {
		return fmt.Errorf("op=idempotency.delete_failed: %w", err)
	}
	return nil
}

// DeleteExpired removes records past their TTL; used by the janitor.
func (r *IdempotencyRepo) DeleteExpired(ctx domain.Context, now time.Time) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("op=idempotency.delete_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepo)(nil)
