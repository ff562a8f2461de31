package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

// JobRepo persists and loads async jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, trade_id, status, progress, result_ref, error, callback_url, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`
	_, err := r.Pool.Exec(ctx, q, id, j.TradeID, j.Status, j.Progress, j.ResultRef, j.Error, j.CallbackURL, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT id, trade_id, status, progress, COALESCE(result_ref,''), COALESCE(error,''), COALESCE(callback_url,''), created_at, updated_at
	      FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var j domain.Job
	if err := row.Scan(&j.ID, &j.TradeID, &j.Status, &j.Progress, &j.ResultRef, &j.Error, &j.CallbackURL, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpdateStatus updates a job's status, progress and result/error fields.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, progress int, resultRef, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	q := `UPDATE jobs SET status=$2, progress=$3, result_ref=$4, error=$5, updated_at=$6 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, progress, resultRef, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	return nil
}

// Start flips PENDING to PROCESSING under a status guard, so a cancellation
// racing the pickup is never overwritten. Restarting a PROCESSING job is a
// no-op for redeliveries; cancelled and terminal jobs return
// domain.ErrConflict.
func (r *JobRepo) Start(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Start")
	defer span.End()
	q := `UPDATE jobs SET status=$2, progress=$3, updated_at=$4 WHERE id=$1 AND status IN ($2, $5)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobProcessing, 10, time.Now().UTC(), domain.JobPending)
	if err != nil {
		return fmt.Errorf("op=job.start: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("op=job.start id=%s: not pending: %w", id, domain.ErrConflict)
	}
	return nil
}

// Cancel flips PENDING to CANCELLED; a job already past PENDING returns
// domain.ErrConflict.
func (r *JobRepo) Cancel(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	q := `UPDATE jobs SET status=$2, updated_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCancelled, time.Now().UTC(), domain.JobPending)
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("op=job.cancel id=%s: not pending: %w", id, domain.ErrConflict)
	}
	return nil
}

// ListStuck returns jobs still PROCESSING past the deadline; used by the
// janitor.
func (r *JobRepo) ListStuck(ctx domain.Context, olderThan time.Time) ([]domain.Job, error) {
	q := `SELECT id, trade_id, status, progress, COALESCE(result_ref,''), COALESCE(error,''), COALESCE(callback_url,''), created_at, updated_at
	      FROM jobs WHERE status=$1 AND updated_at < $2`
	rows, err := r.Pool.Query(ctx, q, domain.JobProcessing, olderThan)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.TradeID, &j.Status, &j.Progress, &j.ResultRef, &j.Error, &j.CallbackURL, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=job.list_stuck: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

var _ domain.JobRepository = (*JobRepo)(nil)
