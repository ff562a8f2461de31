package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/bulkhead"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/jobs"
)

// CapturePublisher is the slice of the bus producer the capture service needs
// for async submissions.
type CapturePublisher interface {
	PublishCapture(ctx domain.Context, topicPrefix string, req domain.TradeCaptureRequest, jobID string, retryFailed bool) error
}

// CaptureService is the entry point for both capture modes: the sync path
// runs the pipeline inline on the partition-group bulkhead, the async path
// registers a job and hands the request to the bus.
type CaptureService struct {
	Pipeline    *Pipeline
	Jobs        *jobs.Service
	Bus         CapturePublisher
	TopicPrefix string
	Groups      *bulkhead.Grouped
	SyncTimeout time.Duration
}

// CaptureSync runs the request through the pipeline on the lane owning its
// partition key and waits for the result. A full lane blocks the submission,
// so same-partition requests keep their order under saturation; the sync
// timeout bounds the wait.
func (s *CaptureService) CaptureSync(ctx context.Context, req domain.TradeCaptureRequest, opts Options) (Result, error) {
	timeout := s.SyncTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		res Result
		err error
	}
	done := make(chan answer, 1)
	s.Groups.Submit(req.PartitionKey(), func() {
		res, err := s.Pipeline.Execute(ctx, req, opts)
		done <- answer{res: res, err: err}
	})

	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("op=capture.sync trade=%s: %w: %w",
			req.TradeID, domain.ErrDependencyUnavailable, ctx.Err())
	case a := <-done:
		return a.res, a.err
	}
}

// CaptureAsync registers a PENDING job and publishes the request onto its
// partition sub-topic for the worker fleet. Publish failure fails the job so
// the client never polls a submission that went nowhere.
func (s *CaptureService) CaptureAsync(ctx context.Context, req domain.TradeCaptureRequest, callbackURL string, opts Options) (domain.Job, error) {
	j, err := s.Jobs.Create(ctx, req.TradeID, callbackURL)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.Bus.PublishCapture(ctx, s.TopicPrefix, req, j.ID, opts.RetryFailed); err != nil {
		if ferr := s.Jobs.Fail(ctx, j.ID, "submission publish failed"); ferr != nil {
			return domain.Job{}, errors.Join(err, ferr)
		}
		return domain.Job{}, err
	}
	return j, nil
}

// HandleRouted processes one routed bus message: it is the CaptureHandler the
// consumer manager dispatches into. deferred reports outcomes that commit the
// offset without dead-lettering (buffered, pending, pending approval) and
// jobs cancelled before the worker picked them up.
func (s *CaptureService) HandleRouted(ctx context.Context, req domain.TradeCaptureRequest, jobID string, retryFailed bool) (bool, error) {
	if jobID != "" {
		if err := s.Jobs.Start(ctx, jobID); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Cancelled before pickup; drop the message.
				return true, nil
			}
			return false, err
		}
	}

	res, err := s.Pipeline.Execute(ctx, req, Options{JobID: jobID, RetryFailed: retryFailed})
	if err != nil {
		return false, err
	}
	switch res.Status {
	case StatusBuffered, StatusPending, StatusPendingApproval:
		return true, nil
	}
	return false, nil
}

// MetadataApprover resolves manual workflow holds from request metadata: an
// explicit grant or rejection travels with the resubmission, anything else
// stays pending until the approval callback re-enters the request.
type MetadataApprover struct{}

var _ domain.ApprovalService = (*MetadataApprover)(nil)

func (MetadataApprover) Decide(_ domain.Context, req domain.TradeCaptureRequest, _ domain.SwapBlotter) (domain.ApprovalDecision, error) {
	switch req.Metadata["approval"] {
	case "granted":
		return domain.ApprovalApproved, nil
	case "rejected":
		return domain.ApprovalRejected, nil
	}
	return domain.ApprovalPending, nil
}
