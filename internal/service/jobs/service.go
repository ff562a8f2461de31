// Package jobs tracks async capture submissions through their lifecycle and
// notifies callback URLs on terminal states.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
)

// Service is the job store facade.
type Service struct {
	repo  domain.JobRepository
	httpc *http.Client
}

// New constructs a Service.
func New(repo domain.JobRepository, callbackTimeout time.Duration) *Service {
	if callbackTimeout <= 0 {
		callbackTimeout = 10 * time.Second
	}
	return &Service{
		repo:  repo,
		httpc: &http.Client{Timeout: callbackTimeout},
	}
}

// Create registers a PENDING job for an async submission and returns its id.
func (s *Service) Create(ctx context.Context, tradeID, callbackURL string) (domain.Job, error) {
	j := domain.Job{
		ID:          uuid.NewString(),
		TradeID:     tradeID,
		Status:      domain.JobPending,
		CallbackURL: callbackURL,
	}
	id, err := s.repo.Create(ctx, j)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.create: %w", err)
	}
	j.ID = id
	observability.JobsTotal.WithLabelValues(string(domain.JobPending)).Inc()
	return j, nil
}

// Get returns the job by id.
func (s *Service) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.repo.Get(ctx, id)
}

// Start moves the job to PROCESSING. The transition is guarded in the store,
// so a cancellation racing the pickup wins; the caller must skip the work
// when Start reports ErrConflict.
func (s *Service) Start(ctx context.Context, id string) error {
	if err := s.repo.Start(ctx, id); err != nil {
		return err
	}
	observability.JobsTotal.WithLabelValues(string(domain.JobProcessing)).Inc()
	return nil
}

// Complete marks the job COMPLETED with the blotter reference and fires the
// callback. Callback failure is logged only; the job state is already final.
func (s *Service) Complete(ctx context.Context, id, resultRef string) error {
	if err := s.repo.UpdateStatus(ctx, id, domain.JobCompleted, 100, resultRef, ""); err != nil {
		return err
	}
	observability.JobsTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
	s.notify(ctx, id)
	return nil
}

// Fail marks the job FAILED with the error message and fires the callback.
func (s *Service) Fail(ctx context.Context, id, errMsg string) error {
	if err := s.repo.UpdateStatus(ctx, id, domain.JobFailed, 100, "", errMsg); err != nil {
		return err
	}
	observability.JobsTotal.WithLabelValues(string(domain.JobFailed)).Inc()
	s.notify(ctx, id)
	return nil
}

// Cancel flips a PENDING job to CANCELLED; ErrConflict means the job already
// started.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.repo.Cancel(ctx, id); err != nil {
		return err
	}
	observability.JobsTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
	return nil
}

type callbackBody struct {
	JobID     string    `json:"job_id"`
	TradeID   string    `json:"trade_id"`
	Status    string    `json:"status"`
	ResultRef string    `json:"result_ref,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Service) notify(ctx context.Context, id string) {
	j, err := s.repo.Get(ctx, id)
	if err != nil || j.CallbackURL == "" {
		return
	}
	body, err := json.Marshal(callbackBody{
		JobID:     j.ID,
		TradeID:   j.TradeID,
		Status:    string(j.Status),
		ResultRef: j.ResultRef,
		Error:     j.Error,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.CallbackURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("job callback request build failed", slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpc.Do(req)
	if err != nil {
		slog.Warn("job callback delivery failed",
			slog.String("job_id", j.ID),
			slog.String("url", j.CallbackURL),
			slog.Any("error", err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("job callback rejected",
			slog.String("job_id", j.ID),
			slog.String("url", j.CallbackURL),
			slog.Int("status", resp.StatusCode))
	}
}

// Janitor fails jobs stuck in PROCESSING longer than stuckAfter. A worker
// crash between claim and terminal write leaves exactly this residue.
type Janitor struct {
	svc        *Service
	stuckAfter time.Duration
	interval   time.Duration
}

// NewJanitor constructs a Janitor over the service.
func NewJanitor(svc *Service, stuckAfter, interval time.Duration) *Janitor {
	return &Janitor{svc: svc, stuckAfter: stuckAfter, interval: interval}
}

// Run sweeps until the context ends.
func (jn *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(jn.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jn.sweep(ctx)
		}
	}
}

func (jn *Janitor) sweep(ctx context.Context) {
	stuck, err := jn.svc.repo.ListStuck(ctx, time.Now().UTC().Add(-jn.stuckAfter))
	if err != nil {
		slog.Error("stuck job scan failed", slog.Any("error", err))
		return
	}
	for _, j := range stuck {
		if err := jn.svc.Fail(ctx, j.ID, "job exceeded processing deadline"); err != nil {
			slog.Error("stuck job fail failed", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		slog.Warn("stuck job failed by janitor",
			slog.String("job_id", j.ID),
			slog.String("trade_id", j.TradeID),
			slog.Time("updated_at", j.UpdatedAt))
	}
}
