package postgres

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService archives and removes rows past their retention windows:
// expired idempotency records and terminal jobs older than the retention
// period.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes expired idempotency records and flags cold blotters
// and jobs for archival tiering.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= now()`)
	if err != nil {
		return err
	}
	expired := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `UPDATE swap_blotters SET archived=true WHERE created_at < $1 AND NOT archived`, cutoff)
	if err != nil {
		return err
	}
	archivedBlotters := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx,
		`UPDATE jobs SET archived=true WHERE created_at < $1 AND NOT archived AND status IN ('COMPLETED','FAILED','CANCELLED')`, cutoff)
	if err != nil {
		return err
	}
	archivedJobs := tag.RowsAffected()

	slog.Info("data cleanup completed",
		slog.Int64("expired_idempotency", expired),
		slog.Int64("archived_blotters", archivedBlotters),
		slog.Int64("archived_jobs", archivedJobs),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup loop.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
