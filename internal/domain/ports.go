package domain

import "time"

// Repositories (ports)

// IdempotencyRepository persists idempotency records. Claim must enforce a
// unique-key constraint so that racing workers cannot both claim a key.
type IdempotencyRepository interface {
	Get(ctx Context, key string) (IdempotencyRecord, error)
	Claim(ctx Context, rec IdempotencyRecord) error
	MarkCompleted(ctx Context, key, resultRef string) error
	MarkFailed(ctx Context, key, reason string) error
	// DeleteFailed removes a FAILED record so a flagged retry can claim the
	// key again; records in any other status stay put.
	DeleteFailed(ctx Context, key string) error
	DeleteExpired(ctx Context, now time.Time) (int64, error)
}

// PartitionStateRepository persists per-partition position state with an
// optimistic version guard.
type PartitionStateRepository interface {
	Get(ctx Context, partitionKey string) (PartitionState, error)
	// Transition writes {to, blob, lastSeq, version=expectedVersion+1} and
	// returns ErrVersionConflict when the stored version moved.
	Transition(ctx Context, partitionKey string, to PositionState, blob []byte, lastSeq, expectedVersion int64) (int64, error)
}

// BlotterRepository persists swap blotters. Blotters are write-once.
type BlotterRepository interface {
	Create(ctx Context, b SwapBlotter) (string, error)
	Get(ctx Context, blotterID string) (SwapBlotter, error)
	GetByTradeID(ctx Context, tradeID string) (SwapBlotter, error)
}

// JobRepository persists async jobs.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	UpdateStatus(ctx Context, id string, status JobStatus, progress int, resultRef string, errMsg string) error
	// Start flips PENDING to PROCESSING. Restarting a PROCESSING job is a
	// no-op so a redelivered message can re-enter; cancelled and terminal
	// jobs return ErrConflict.
	Start(ctx Context, id string) error
	// Cancel flips PENDING to CANCELLED; it returns ErrConflict when the job
	// already left PENDING.
	Cancel(ctx Context, id string) error
	ListStuck(ctx Context, olderThan time.Time) ([]Job, error)
}

// RuleRepository persists API-managed rules.
type RuleRepository interface {
	Upsert(ctx Context, r Rule) error
	Delete(ctx Context, id string) error
	ListEnabled(ctx Context) ([]Rule, error)
}

// Locker (port): cluster-wide partition lease.

// LockHandle identifies a held lease; the token fences stale releases.
type LockHandle struct {
	Key     string
	Token   string
	HoldTTL time.Duration
}

// PartitionLocker guarantees at most one in-flight processing task per
// partition key across the cluster. The lock is advisory; the state
// repository's version check is the final guard.
type PartitionLocker interface {
	Acquire(ctx Context, partitionKey string, wait, hold time.Duration) (LockHandle, error)
	Renew(ctx Context, h LockHandle) error
	Release(ctx Context, h LockHandle) error
}

// Bus (port): the narrow messaging capability the engine needs.

// BusMessage is one framed message on the bus.
type BusMessage struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// BusPublisher publishes framed messages.
type BusPublisher interface {
	Publish(ctx Context, msg BusMessage) error
}

// DLQEnvelope carries a dead-lettered message plus failure metadata.
type DLQEnvelope struct {
	Payload      []byte    `json:"payload"`
	Stage        string    `json:"stage"`
	ErrorClass   string    `json:"error_class"`
	ErrorMessage string    `json:"error_message"`
	PartitionKey string    `json:"partition_key,omitempty"`
	TradeID      string    `json:"trade_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeadLetterSink emits terminally unprocessable messages. Emission must not
// block the producer path beyond a short bounded timeout.
type DeadLetterSink interface {
	Emit(ctx Context, env DLQEnvelope) error
}

// Limiter (port): two-level token bucket admission.
type RateLimitDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type RateLimiter interface {
	// Allow consumes one token from the global and the per-partition bucket
	// atomically; denial is not retryable within the calling request.
	Allow(ctx Context, partitionKey string) (RateLimitDecision, error)
}

// Enricher (port): reference-data fan-out.
type Enricher interface {
	Enrich(ctx Context, req TradeCaptureRequest) EnrichmentResult
}

// ApprovalService (port): external approval for manual trades.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "APPROVED"
	ApprovalRejected ApprovalDecision = "REJECTED"
	ApprovalPending  ApprovalDecision = "PENDING"
)

type ApprovalService interface {
	Decide(ctx Context, req TradeCaptureRequest, b SwapBlotter) (ApprovalDecision, error)
}

// Subscriber (port): one downstream delivery target of the publisher.
type Subscriber interface {
	Name() string
	Deliver(ctx Context, b SwapBlotter) error
}
