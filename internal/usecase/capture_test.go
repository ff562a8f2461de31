package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/bulkhead"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/jobs"
	"github.com/fairyhunter13/trade-capture-engine/internal/usecase"
)

type memCapturePublisher struct {
	mu         sync.Mutex
	published  []string
	retryFlags []bool
	err        error
}

func (p *memCapturePublisher) PublishCapture(_ domain.Context, _ string, req domain.TradeCaptureRequest, jobID string, retryFailed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, req.TradeID+"/"+jobID)
	p.retryFlags = append(p.retryFlags, retryFailed)
	return nil
}

func newCaptureService(t *testing.T, bus *memCapturePublisher) (*usecase.CaptureService, *memJobRepo, *pipelineHarness) {
	t.Helper()
	h := newHarness(t)
	jobRepo := newMemJobRepo()
	jobSvc := jobs.New(jobRepo, time.Second)
	h.pipeline.Jobs = jobSvc
	groups := bulkhead.NewGrouped(2, 2, 8)
	t.Cleanup(func() { groups.Shutdown(context.Background()) })

	svc := &usecase.CaptureService{
		Pipeline:    h.pipeline,
		Jobs:        jobSvc,
		Bus:         bus,
		TopicPrefix: "trade/capture/input",
		Groups:      groups,
		SyncTimeout: 5 * time.Second,
	}
	return svc, jobRepo, h
}

// memJobRepo backs the real jobs.Service in capture tests.
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]domain.Job)}
}

func (r *memJobRepo) Create(_ domain.Context, j domain.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	r.jobs[j.ID] = j
	return j.ID, nil
}

func (r *memJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *memJobRepo) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, progress int, resultRef, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	j.Progress = progress
	if resultRef != "" {
		j.ResultRef = resultRef
	}
	if errMsg != "" {
		j.Error = errMsg
	}
	j.UpdatedAt = time.Now().UTC()
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) Start(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobPending && j.Status != domain.JobProcessing {
		return domain.ErrConflict
	}
	j.Status = domain.JobProcessing
	j.Progress = 10
	j.UpdatedAt = time.Now().UTC()
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) Cancel(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobPending {
		return domain.ErrConflict
	}
	j.Status = domain.JobCancelled
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) ListStuck(_ domain.Context, _ time.Time) ([]domain.Job, error) {
	return nil, nil
}

func TestCaptureSyncCompletes(t *testing.T) {
	svc, _, h := newCaptureService(t, &memCapturePublisher{})

	res, err := svc.CaptureSync(context.Background(), validRequest("T-1"), usecase.Options{})
	require.NoError(t, err)
	require.Equal(t, usecase.StatusCompleted, res.Status)
	require.Equal(t, 1, h.blotters.count())
}

func TestCaptureSyncRetryFailedFlag(t *testing.T) {
	svc, _, h := newCaptureService(t, &memCapturePublisher{})
	h.enricher.result = domain.EnrichmentResult{Status: domain.EnrichmentFailed}

	_, err := svc.CaptureSync(context.Background(), validRequest("T-1"), usecase.Options{})
	require.ErrorIs(t, err, domain.ErrEnrichmentFailed)

	h.enricher.result = domain.EnrichmentResult{
		Status:   domain.EnrichmentComplete,
		Security: &domain.SecurityRef{SecurityID: "SEC"},
	}

	// Without the flag the FAILED key still blocks the resubmission.
	_, err = svc.CaptureSync(context.Background(), validRequest("T-1"), usecase.Options{})
	require.ErrorIs(t, err, domain.ErrConflict)

	res, err := svc.CaptureSync(context.Background(), validRequest("T-1"), usecase.Options{RetryFailed: true})
	require.NoError(t, err)
	require.Equal(t, usecase.StatusCompleted, res.Status)
}

func TestCaptureAsyncPublishesWithJobID(t *testing.T) {
	bus := &memCapturePublisher{}
	svc, jobRepo, _ := newCaptureService(t, bus)

	j, err := svc.CaptureAsync(context.Background(), validRequest("T-1"), "", usecase.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)
	require.Equal(t, domain.JobPending, j.Status)
	require.Equal(t, []string{"T-1/" + j.ID}, bus.published)
	require.Equal(t, []bool{false}, bus.retryFlags)

	stored, err := jobRepo.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, stored.Status)

	// The retry-failed flag rides along to the worker fleet.
	_, err = svc.CaptureAsync(context.Background(), validRequest("T-2"), "", usecase.Options{RetryFailed: true})
	require.NoError(t, err)
	require.Equal(t, []bool{false, true}, bus.retryFlags)
}

func TestCaptureAsyncPublishFailureFailsJob(t *testing.T) {
	bus := &memCapturePublisher{err: errors.New("broker down")}
	svc, jobRepo, _ := newCaptureService(t, bus)

	_, err := svc.CaptureAsync(context.Background(), validRequest("T-1"), "", usecase.Options{})
	require.Error(t, err)

	// Exactly one job exists and it is FAILED, never left dangling PENDING.
	jobRepo.mu.Lock()
	require.Len(t, jobRepo.jobs, 1)
	for _, j := range jobRepo.jobs {
		require.Equal(t, domain.JobFailed, j.Status)
	}
	jobRepo.mu.Unlock()
}

func TestHandleRoutedCompletedCommits(t *testing.T) {
	svc, jobRepo, _ := newCaptureService(t, &memCapturePublisher{})

	j, err := svc.Jobs.Create(context.Background(), "T-1", "")
	require.NoError(t, err)

	deferred, err := svc.HandleRouted(context.Background(), validRequest("T-1"), j.ID, false)
	require.NoError(t, err)
	require.False(t, deferred)

	stored, err := jobRepo.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, stored.Status)
	require.NotEmpty(t, stored.ResultRef)
}

func TestHandleRoutedCancelledBeforePickup(t *testing.T) {
	svc, _, h := newCaptureService(t, &memCapturePublisher{})

	j, err := svc.Jobs.Create(context.Background(), "T-1", "")
	require.NoError(t, err)
	require.NoError(t, svc.Jobs.Cancel(context.Background(), j.ID))

	deferred, err := svc.HandleRouted(context.Background(), validRequest("T-1"), j.ID, false)
	require.NoError(t, err)
	require.True(t, deferred)
	require.Zero(t, h.blotters.count())
}

func TestHandleRoutedRetryFailedReprocesses(t *testing.T) {
	svc, _, h := newCaptureService(t, &memCapturePublisher{})
	h.enricher.result = domain.EnrichmentResult{Status: domain.EnrichmentFailed}

	_, err := svc.HandleRouted(context.Background(), validRequest("T-1"), "", false)
	require.ErrorIs(t, err, domain.ErrEnrichmentFailed)

	h.enricher.result = domain.EnrichmentResult{
		Status:   domain.EnrichmentComplete,
		Security: &domain.SecurityRef{SecurityID: "SEC"},
	}

	deferred, err := svc.HandleRouted(context.Background(), validRequest("T-1"), "", true)
	require.NoError(t, err)
	require.False(t, deferred)
	require.Equal(t, 1, h.blotters.count())
}

func TestHandleRoutedBufferedDefers(t *testing.T) {
	svc, _, _ := newCaptureService(t, &memCapturePublisher{})

	seq := int64(5)
	req := validRequest("T-1")
	req.SequenceNumber = &seq

	deferred, err := svc.HandleRouted(context.Background(), req, "", false)
	require.NoError(t, err)
	require.True(t, deferred)
}

func TestMetadataApproverDecisions(t *testing.T) {
	t.Parallel()
	a := usecase.MetadataApprover{}

	dec, err := a.Decide(context.Background(), domain.TradeCaptureRequest{Metadata: map[string]string{"approval": "granted"}}, domain.SwapBlotter{})
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalApproved, dec)

	dec, err = a.Decide(context.Background(), domain.TradeCaptureRequest{Metadata: map[string]string{"approval": "rejected"}}, domain.SwapBlotter{})
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalRejected, dec)

	dec, err = a.Decide(context.Background(), domain.TradeCaptureRequest{}, domain.SwapBlotter{})
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, dec)
}
