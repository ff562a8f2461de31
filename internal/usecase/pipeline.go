// Package usecase orchestrates the trade-capture pipeline end to end and
// exposes the capture service consumed by the HTTP and bus adapters.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/trade-capture-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/idempotency"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/publisher"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/rules"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/sequencegate"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/statemachine"
)

// Status classifies the outcome of one pipeline execution.
type Status string

const (
	StatusCompleted       Status = "COMPLETED"
	StatusDuplicate       Status = "DUPLICATE"
	StatusPending         Status = "PENDING"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusBuffered        Status = "BUFFERED"
	StatusRejected        Status = "REJECTED"
)

// Result is the pipeline answer for one request.
type Result struct {
	Status     Status
	BlotterID  string
	Reason     string
	RetryAfter time.Duration
}

// Options tweak one execution.
type Options struct {
	// JobID ties the execution to an async job; empty for sync calls.
	JobID string
	// RetryFailed permits reprocessing a key whose previous attempt FAILED.
	RetryFailed bool
}

// Pipeline wires the locking, dedup, sequencing, enrichment, rules and state
// services around one request and drives the publisher and job tracking.
type Pipeline struct {
	Limiter     domain.RateLimiter
	Locker      domain.PartitionLocker
	Idem        *idempotency.Store
	Gate        *sequencegate.Gate
	Enricher    domain.Enricher
	Rules       *rules.Engine
	States      *statemachine.Machine
	Blotters    domain.BlotterRepository
	Retry       *postgres.RetrySupervisor
	Publisher   *publisher.Publisher
	Approvals   domain.ApprovalService
	Jobs        JobTracker
	LockWait    time.Duration
	LockHold    time.Duration
	MaxConflict int
}

// JobTracker is the slice of the job service the pipeline needs.
type JobTracker interface {
	Start(ctx context.Context, id string) error
	Complete(ctx context.Context, id, resultRef string) error
	Fail(ctx context.Context, id, errMsg string) error
}

var validate = validator.New()

// Execute runs one request through the pipeline. Terminal classification
// errors (rate limit, lock timeout, duplicate-different-payload, gate
// rejections) come back as wrapped sentinels; the Result carries the outcome
// for the non-error paths.
func (p *Pipeline) Execute(ctx context.Context, req domain.TradeCaptureRequest, opts Options) (Result, error) {
	tracer := otel.Tracer("usecase.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.Execute")
	defer span.End()
	started := time.Now()

	res, err := p.execute(ctx, req, opts)
	outcome := string(res.Status)
	if err != nil {
		outcome = "ERROR"
	}
	observability.TradesIngestedTotal.WithLabelValues(outcome).Inc()
	observability.PipelineDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	p.trackJob(ctx, opts.JobID, res, err)
	return res, err
}

func (p *Pipeline) execute(ctx context.Context, req domain.TradeCaptureRequest, opts Options) (Result, error) {
	key := req.PartitionKey()

	// Step 1: admission. The limiter fails open on store errors: an Allowed
	// decision carrying an error admits the request, a denial propagates.
	dec, err := p.Limiter.Allow(ctx, key)
	if err != nil {
		if !dec.Allowed {
			return Result{}, err
		}
		slog.Warn("rate limiter unavailable, admitting",
			slog.String("partition_key", key), slog.Any("error", err))
	}
	if !dec.Allowed {
		return Result{RetryAfter: dec.RetryAfter},
			fmt.Errorf("op=pipeline partition=%s: %w", key, domain.ErrRateLimited)
	}

	// Step 2: partition lock.
	handle, err := p.Locker.Acquire(ctx, key, p.LockWait, p.LockHold)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if relErr := p.Locker.Release(context.WithoutCancel(ctx), handle); relErr != nil {
			slog.Warn("partition lock release failed", slog.String("partition_key", key), slog.Any("error", relErr))
		}
	}()

	// Steps 3-4: probe, then sequence gate.
	if res, done, err := p.probe(ctx, req, opts); done {
		return res, err
	}

	decision, ready := p.Gate.Admit(req)
	switch decision {
	case sequencegate.DecisionBuffered:
		return Result{Status: StatusBuffered}, nil
	case sequencegate.DecisionRejectOld:
		return Result{Status: StatusRejected, Reason: "OUT_OF_ORDER_TOO_OLD"},
			fmt.Errorf("op=pipeline trade=%s seq=%d: %w", req.TradeID, derefSeq(req.SequenceNumber), domain.ErrOutOfOrderTooOld)
	case sequencegate.DecisionRejectGap:
		return Result{Status: StatusRejected, Reason: "GAP_TOO_LARGE"},
			fmt.Errorf("op=pipeline trade=%s seq=%d: %w", req.TradeID, derefSeq(req.SequenceNumber), domain.ErrGapTooLarge)
	}

	// DELIVER or BYPASS: the first ready message is the request itself; the
	// rest are buffered messages that became contiguous behind it. All run
	// under the lock already held.
	var first Result
	var firstErr error
	for i, r := range ready {
		res, err := p.processLocked(ctx, r, opts)
		if i == 0 {
			first, firstErr = res, err
			continue
		}
		if err != nil {
			slog.Error("drained buffered trade failed",
				slog.String("trade_id", r.TradeID),
				slog.String("partition_key", key),
				slog.Any("error", err))
		}
	}
	return first, firstErr
}

// probe answers the duplicate question before claiming. done=true means the
// pipeline short-circuits with the given result.
func (p *Pipeline) probe(ctx context.Context, req domain.TradeCaptureRequest, opts Options) (Result, bool, error) {
	pr, err := p.Idem.Probe(ctx, req.IdemKey())
	if err != nil {
		return Result{}, true, err
	}
	hash := idempotency.HashPayload(req)
	switch pr.Outcome {
	case idempotency.OutcomeCompleted:
		if pr.PayloadHash != "" && pr.PayloadHash != hash {
			return Result{Status: StatusRejected, Reason: "DUPLICATE_DIFFERENT_PAYLOAD"}, true,
				fmt.Errorf("op=pipeline trade=%s: %w", req.TradeID, domain.ErrDuplicateDifferentPayload)
		}
		return Result{Status: StatusDuplicate, BlotterID: pr.ResultRef}, true, nil
	case idempotency.OutcomeProcessing:
		if pr.PayloadHash != "" && pr.PayloadHash != hash {
			return Result{Status: StatusRejected, Reason: "DUPLICATE_DIFFERENT_PAYLOAD"}, true,
				fmt.Errorf("op=pipeline trade=%s: %w", req.TradeID, domain.ErrDuplicateDifferentPayload)
		}
		return Result{Status: StatusPending}, true, nil
	case idempotency.OutcomeFailed:
		if !opts.RetryFailed {
			return Result{Status: StatusRejected, Reason: "PREVIOUS_ATTEMPT_FAILED"}, true,
				fmt.Errorf("op=pipeline trade=%s: previous attempt failed: %w", req.TradeID, domain.ErrConflict)
		}
		if err := p.Idem.ClearFailed(ctx, req.IdemKey()); err != nil {
			return Result{}, true, err
		}
	}
	return Result{}, false, nil
}

// processLocked runs steps 5-14 for a message already admitted by the gate,
// with the partition lock held.
func (p *Pipeline) processLocked(ctx context.Context, req domain.TradeCaptureRequest, opts Options) (Result, error) {
	key := req.PartitionKey()
	idemKey := req.IdemKey()
	hash := idempotency.HashPayload(req)

	// Step 5: claim. A losing race re-probes and reports what the winner did;
	// a flagged retry whose FAILED record was cleared by the re-probe claims
	// again.
	claim := func() error {
		return p.Retry.Do(ctx, "idempotency_claim", func(ctx context.Context) error {
			return p.Idem.Claim(ctx, idemKey, key, hash)
		})
	}
	if claimErr := claim(); claimErr != nil {
		res, done, err := p.probe(ctx, req, opts)
		if done {
			return res, err
		}
		if claimErr = claim(); claimErr != nil {
			return Result{}, claimErr
		}
	}

	// Step 6: enrichment, outside any transaction.
	enr := p.Enricher.Enrich(ctx, req)
	if enr.Status == domain.EnrichmentFailed {
		reason := "ENRICHMENT_FAILED"
		p.finalizeFailed(ctx, idemKey, reason)
		return Result{Status: StatusRejected, Reason: reason},
			fmt.Errorf("op=pipeline trade=%s: %w", req.TradeID, domain.ErrEnrichmentFailed)
	}

	// Step 7: working blotter.
	b := p.buildBlotter(req, enr)

	// Step 8: rules.
	applied, err := p.Rules.Apply(ctx, req, &b)
	b.ProcessingMetadata.RulesApplied = applied
	if err != nil {
		p.finalizeFailed(ctx, idemKey, "RULES_EVAL_ERROR")
		return Result{Status: StatusRejected, Reason: "RULES_EVAL_ERROR"}, err
	}

	// Step 9: validation.
	if verr := p.validateRequest(req, enr); verr != nil {
		p.finalizeFailed(ctx, idemKey, verr.Error())
		return Result{Status: StatusRejected, Reason: "VALIDATION_ERROR"},
			fmt.Errorf("op=pipeline trade=%s: %w: %w", req.TradeID, domain.ErrInvalidArgument, verr)
	}

	// Step 10: workflow disposition. A rule rejecting the trade outright is
	// terminal; a manual hold asks the approval service.
	if b.WorkflowStatus == domain.WorkflowRejected {
		p.finalizeFailed(ctx, idemKey, "WORKFLOW_REJECTED")
		return Result{Status: StatusRejected, Reason: "WORKFLOW_REJECTED"}, nil
	}
	if b.WorkflowStatus == domain.WorkflowPendingApproval {
		decision, err := p.Approvals.Decide(ctx, req, b)
		if err != nil {
			return Result{}, fmt.Errorf("op=pipeline trade=%s: %w: %w", req.TradeID, domain.ErrDependencyUnavailable, err)
		}
		switch decision {
		case domain.ApprovalRejected:
			p.finalizeFailed(ctx, idemKey, "WORKFLOW_REJECTED")
			return Result{Status: StatusRejected, Reason: "WORKFLOW_REJECTED"}, nil
		case domain.ApprovalPending:
			// Idempotency stays PROCESSING; the approval callback re-enters.
			return Result{Status: StatusPendingApproval}, nil
		}
		b.WorkflowStatus = domain.WorkflowApproved
	}

	// Step 11: state transitions under optimistic versioning.
	finalState, err := p.transitionState(ctx, req, &b)
	if err != nil {
		if res, done, ferr := p.classifyStateFailure(ctx, idemKey, req, err); done {
			return res, ferr
		}
		return Result{}, err
	}
	b.State = finalState

	// Step 12: persist the blotter.
	var blotterID string
	err = p.Retry.Do(ctx, "blotter_persist", func(ctx context.Context) error {
		id, err := p.Blotters.Create(ctx, b)
		blotterID = id
		return err
	})
	if err != nil {
		p.finalizeFailed(ctx, idemKey, "PERSIST_FAILED")
		return Result{Status: StatusRejected, Reason: "PERSIST_FAILED"}, err
	}
	b.BlotterID = blotterID

	// Step 13: finalize idempotency.
	if err := p.Retry.Do(ctx, "idempotency_complete", func(ctx context.Context) error {
		return p.Idem.MarkCompleted(ctx, idemKey, blotterID)
	}); err != nil {
		return Result{}, err
	}
	p.States.Invalidate(ctx, key)

	// Step 14: async fan-out; the blotter is durable, so the pipeline answer
	// does not wait for subscribers.
	b.ProcessingMetadata.ProcessedAt = time.Now().UTC()
	go p.Publisher.Publish(context.WithoutCancel(ctx), b)

	return Result{Status: StatusCompleted, BlotterID: blotterID}, nil
}

// transitionState advances the partition along the position DAG. A fresh
// partition executes None->Executed->Formed atomically; an existing one
// advances a single hop. Metadata actions CANCEL and CLOSE target the
// corresponding terminal states. Version conflicts re-read and retry.
func (p *Pipeline) transitionState(ctx context.Context, req domain.TradeCaptureRequest, b *domain.SwapBlotter) (domain.PositionState, error) {
	maxAttempts := p.MaxConflict
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := p.States.Read(ctx, req.PartitionKey())
		if err != nil {
			return "", err
		}
		hops := plannedTransitions(cur.PositionState, req.Metadata["action"])
		if len(hops) == 0 {
			return cur.PositionState, nil
		}

		blob, err := json.Marshal(b.Contract)
		if err != nil {
			return "", fmt.Errorf("op=pipeline.state trade=%s: %w: %w", req.TradeID, domain.ErrSerialization, err)
		}
		lastSeq := cur.LastSequence
		if req.SequenceNumber != nil {
			lastSeq = *req.SequenceNumber
		}

		lastErr = p.Retry.InTx(ctx, "state_transition", func(ctx context.Context, tx pgx.Tx) error {
			repo := postgres.NewPartitionStateRepo(tx)
			version := cur.Version
			for _, to := range hops {
				newVersion, err := repo.Transition(ctx, req.PartitionKey(), to, blob, lastSeq, version)
				if err != nil {
					return err
				}
				version = newVersion
			}
			return nil
		})
		p.States.Invalidate(ctx, req.PartitionKey())
		if lastErr == nil {
			return hops[len(hops)-1], nil
		}
		if !isVersionConflict(lastErr) {
			return "", lastErr
		}
		slog.Warn("state version conflict, re-reading",
			slog.String("partition_key", req.PartitionKey()),
			slog.Int("attempt", attempt+1))
	}
	return "", fmt.Errorf("op=pipeline.state key=%s: conflict retries exhausted: %w", req.PartitionKey(), lastErr)
}

// plannedTransitions maps the current state and the requested action to the
// DAG hops this trade performs.
func plannedTransitions(cur domain.PositionState, action string) []domain.PositionState {
	switch strings.ToUpper(action) {
	case "CANCEL":
		return []domain.PositionState{domain.PositionCancelled}
	case "CLOSE":
		return []domain.PositionState{domain.PositionClosed}
	}
	switch cur {
	case domain.PositionNone:
		return []domain.PositionState{domain.PositionExecuted, domain.PositionFormed}
	case domain.PositionExecuted:
		return []domain.PositionState{domain.PositionFormed}
	case domain.PositionFormed:
		return []domain.PositionState{domain.PositionSettled}
	}
	// Settled, Cancelled and Closed have no automatic successor.
	return nil
}

func (p *Pipeline) classifyStateFailure(ctx context.Context, idemKey string, req domain.TradeCaptureRequest, err error) (Result, bool, error) {
	if isIllegalTransition(err) {
		p.finalizeFailed(ctx, idemKey, "STATE_ILLEGAL_TRANSITION")
		return Result{Status: StatusRejected, Reason: "STATE_ILLEGAL_TRANSITION"}, true,
			fmt.Errorf("op=pipeline trade=%s: %w", req.TradeID, err)
	}
	return Result{}, false, nil
}

func (p *Pipeline) buildBlotter(req domain.TradeCaptureRequest, enr domain.EnrichmentResult) domain.SwapBlotter {
	b := domain.SwapBlotter{
		BlotterID:        uuid.NewString(),
		TradeID:          req.TradeID,
		PartitionKey:     req.PartitionKey(),
		TradeLots:        req.TradeLots,
		EnrichmentStatus: enr.Status,
		WorkflowStatus:   domain.WorkflowApproved,
		Contract: domain.Contract{
			Identifiers: []string{req.TradeID},
			EconomicTerms: domain.EconomicTerms{
				EffectiveDate: req.TradeDate,
				Payouts:       defaultPayouts(req),
			},
		},
		ProcessingMetadata: domain.ProcessingMetadata{
			EnrichmentSources: enr.Sources,
		},
		CreatedAt: time.Now().UTC(),
	}
	if enr.Security != nil {
		b.Contract.Taxonomy = enr.Security.Taxonomy
		if enr.Security.ISIN != "" {
			b.Contract.Identifiers = append(b.Contract.Identifiers, "ISIN:"+enr.Security.ISIN)
		}
	}
	return b
}

func defaultPayouts(req domain.TradeCaptureRequest) []domain.Payout {
	payouts := make([]domain.Payout, 0, len(req.TradeLots))
	for _, lot := range req.TradeLots {
		payouts = append(payouts, domain.Payout{
			Type:     domain.PayoutPerformance,
			Notional: lot.Quantity * lot.Price,
		})
	}
	return payouts
}

// validateRequest applies the step-9 invariants: shape of the request plus
// the enrichment-derived account checks.
func (p *Pipeline) validateRequest(req domain.TradeCaptureRequest, enr domain.EnrichmentResult) error {
	if req.SecurityID == "" {
		return fmt.Errorf("securityId is required")
	}
	if req.AccountID == "" || req.BookID == "" {
		return fmt.Errorf("accountId and bookId are required")
	}
	if len(req.CounterpartyIDs) == 0 {
		return fmt.Errorf("at least one counterpartyId is required")
	}
	if len(req.TradeLots) == 0 {
		return fmt.Errorf("tradeLots must be non-empty")
	}
	if req.Metadata["securityIdType"] == "ISIN" {
		if err := validate.Var(req.SecurityID, "len=12,alphanum"); err != nil {
			return fmt.Errorf("securityId is not a plausible ISIN")
		}
	}
	prev := 0
	for _, lot := range req.TradeLots {
		if lot.Sequence != 0 {
			if lot.Sequence <= prev {
				return fmt.Errorf("tradeLots sequence must be strictly increasing")
			}
			prev = lot.Sequence
		}
	}
	if !req.TradeDate.IsZero() && req.TradeDate.After(endOfToday()) {
		return fmt.Errorf("tradeDate must not be in the future")
	}
	for _, acct := range enr.Accounts {
		if !acct.Open {
			return fmt.Errorf("account %s is closed", acct.AccountID)
		}
		if !acct.CreditOK {
			return fmt.Errorf("account %s failed the credit check", acct.AccountID)
		}
	}
	return nil
}

func endOfToday() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, time.UTC)
}

// finalizeFailed best-effort marks the key FAILED so a flagged client retry
// is permitted.
func (p *Pipeline) finalizeFailed(ctx context.Context, idemKey, reason string) {
	if err := p.Retry.Do(ctx, "idempotency_fail", func(ctx context.Context) error {
		return p.Idem.MarkFailed(ctx, idemKey, reason)
	}); err != nil {
		slog.Error("idempotency fail-mark failed", slog.String("key", idemKey), slog.Any("error", err))
	}
}

func (p *Pipeline) trackJob(ctx context.Context, jobID string, res Result, err error) {
	if jobID == "" || p.Jobs == nil {
		return
	}
	switch {
	case err != nil:
		if jerr := p.Jobs.Fail(ctx, jobID, err.Error()); jerr != nil {
			slog.Error("job fail update failed", slog.String("job_id", jobID), slog.Any("error", jerr))
		}
	case res.Status == StatusCompleted || res.Status == StatusDuplicate:
		if jerr := p.Jobs.Complete(ctx, jobID, res.BlotterID); jerr != nil {
			slog.Error("job complete update failed", slog.String("job_id", jobID), slog.Any("error", jerr))
		}
	case res.Status == StatusRejected:
		if jerr := p.Jobs.Fail(ctx, jobID, res.Reason); jerr != nil {
			slog.Error("job fail update failed", slog.String("job_id", jobID), slog.Any("error", jerr))
		}
	}
	// BUFFERED, PENDING and PENDING_APPROVAL leave the job in flight.
}

func isVersionConflict(err error) bool   { return errors.Is(err, domain.ErrVersionConflict) }
func isIllegalTransition(err error) bool { return errors.Is(err, domain.ErrIllegalTransition) }

func derefSeq(seq *int64) int64 {
	if seq == nil {
		return 0
	}
	return *seq
}
