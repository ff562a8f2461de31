// Package domain holds the core entities and ports of the trade-capture
// ingestion engine. It is dependency-free so adapters stay swappable.
package domain

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument           = errors.New("invalid argument")
	ErrNotFound                  = errors.New("not found")
	ErrConflict                  = errors.New("conflict")
	ErrAlreadyExists             = errors.New("already exists")
	ErrRateLimited               = errors.New("rate limit exceeded")
	ErrLockTimeout               = errors.New("lock acquisition timed out")
	ErrVersionConflict           = errors.New("state version conflict")
	ErrIllegalTransition         = errors.New("illegal state transition")
	ErrDuplicateTrade            = errors.New("duplicate trade id")
	ErrDuplicateDifferentPayload = errors.New("duplicate trade id with different payload")
	ErrOutOfOrderTooOld          = errors.New("sequence number out of order too old")
	ErrGapTooLarge               = errors.New("sequence gap too large")
	ErrSequenceTimeout           = errors.New("sequence buffer timed out")
	ErrDependencyUnavailable     = errors.New("dependency unavailable")
	ErrEnrichmentFailed          = errors.New("enrichment failed")
	ErrRulesEval                 = errors.New("rules evaluation failed")
	ErrSerialization             = errors.New("serialization failed")
	ErrPublishFailure            = errors.New("publish failed")
	ErrInternal                  = errors.New("internal error")
)

// Source enumerates trade origins.
type Source string

const (
	SourceAutomated Source = "AUTOMATED"
	SourceManual    Source = "MANUAL"
)

// TradeLot is one lot of a captured trade.
type TradeLot struct {
	LotID    string  `json:"lot_id,omitempty"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency,omitempty"`
	Sequence int     `json:"sequence,omitempty"`
}

// ManualEntry carries audit data for manually keyed trades.
type ManualEntry struct {
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeCaptureRequest is the immutable input of the pipeline.
// PartitionKey() is stable across retries of the same trade id.
type TradeCaptureRequest struct {
	TradeID          string            `json:"trade_id"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
	AccountID        string            `json:"account_id"`
	BookID           string            `json:"book_id"`
	SecurityID       string            `json:"security_id"`
	Source           Source            `json:"source"`
	TradeDate        time.Time         `json:"trade_date"`
	BookingTimestamp time.Time         `json:"booking_timestamp"`
	SequenceNumber   *int64            `json:"sequence_number,omitempty"`
	TradeLots        []TradeLot        `json:"trade_lots"`
	CounterpartyIDs  []string          `json:"counterparty_ids"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ManualEntry      *ManualEntry      `json:"manual_entry,omitempty"`
}

// PartitionKey derives the sharding unit accountId_bookId_securityId.
func (r TradeCaptureRequest) PartitionKey() string {
	return r.AccountID + "_" + r.BookID + "_" + r.SecurityID
}

// IdemKey returns the dedup key: the explicit idempotency key when present,
// the trade id otherwise.
func (r TradeCaptureRequest) IdemKey() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return r.TradeID
}

var partitionKeyUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_/-]`)

// SanitizePartitionKey replaces characters the bus cannot carry in topic
// names with underscores.
func SanitizePartitionKey(key string) string {
	return partitionKeyUnsafe.ReplaceAllString(key, "_")
}

// IdempotencyStatus enumerates idempotency record states. Status progresses
// PROCESSING -> {COMPLETED, FAILED} and never moves backwards.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord memoizes the outcome of a logical trade within the
// dedup window.
type IdempotencyRecord struct {
	Key          string
	PartitionKey string
	Status       IdempotencyStatus
	ResultRef    string
	PayloadHash  string
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// PositionState enumerates the CDM trade-lifecycle states.
type PositionState string

const (
	PositionNone      PositionState = ""
	PositionExecuted  PositionState = "Executed"
	PositionFormed    PositionState = "Formed"
	PositionSettled   PositionState = "Settled"
	PositionCancelled PositionState = "Cancelled"
	PositionClosed    PositionState = "Closed"
)

// AllowedTransition reports whether from->to is an edge of the position DAG:
// Executed->Formed->Settled, Executed->Cancelled, any non-Closed ->Closed.
// A brand-new partition (no state yet) may only enter at Executed.
func AllowedTransition(from, to PositionState) bool {
	if from == PositionClosed {
		return false
	}
	if to == PositionClosed {
		return true
	}
	switch from {
	case PositionNone:
		return to == PositionExecuted
	case PositionExecuted:
		return to == PositionFormed || to == PositionCancelled
	case PositionFormed:
		return to == PositionSettled
	}
	return false
}

// PartitionState is the durable per-instrument position. Writes happen only
// under the partition lock and are guarded by the optimistic version.
type PartitionState struct {
	PartitionKey  string
	PositionState PositionState
	StateBlob     []byte
	LastSequence  int64
	Version       int64
	UpdatedAt     time.Time
}

// EnrichmentStatus enumerates enrichment outcomes.
type EnrichmentStatus string

const (
	EnrichmentComplete EnrichmentStatus = "COMPLETE"
	EnrichmentPartial  EnrichmentStatus = "PARTIAL"
	EnrichmentFailed   EnrichmentStatus = "FAILED"
	EnrichmentPending  EnrichmentStatus = "PENDING"
)

// WorkflowStatus enumerates workflow outcomes set by workflow rules.
type WorkflowStatus string

const (
	WorkflowApproved        WorkflowStatus = "APPROVED"
	WorkflowPendingApproval WorkflowStatus = "PENDING_APPROVAL"
	WorkflowRejected        WorkflowStatus = "REJECTED"
)

// PayoutType tags payout variants of the economic terms.
type PayoutType string

const (
	PayoutPerformance PayoutType = "performance"
	PayoutInterest    PayoutType = "interest"
)

// Payout is one leg of the contract's economic terms.
type Payout struct {
	Type      PayoutType `json:"type"`
	Notional  float64    `json:"notional,omitempty"`
	RateIndex string     `json:"rate_index,omitempty"`
	Spread    float64    `json:"spread,omitempty"`
}

// EconomicTerms describe the dates and payouts of a contract.
type EconomicTerms struct {
	EffectiveDate   time.Time `json:"effective_date"`
	TerminationDate time.Time `json:"termination_date,omitempty"`
	Payouts         []Payout  `json:"payouts"`
}

// Contract is the contractual view carried on the blotter.
type Contract struct {
	Identifiers   []string      `json:"identifiers"`
	Taxonomy      string        `json:"taxonomy,omitempty"`
	EconomicTerms EconomicTerms `json:"economic_terms"`
}

// ProcessingMetadata records how a blotter was produced.
type ProcessingMetadata struct {
	ProcessedAt       time.Time `json:"processed_at"`
	ElapsedMillis     int64     `json:"elapsed_millis"`
	RulesApplied      []string  `json:"rules_applied"`
	EnrichmentSources []string  `json:"enrichment_sources"`
}

// SwapBlotter is the canonical downstream contract record. Written once,
// never mutated.
type SwapBlotter struct {
	BlotterID          string             `json:"blotter_id"`
	TradeID            string             `json:"trade_id"`
	PartitionKey       string             `json:"partition_key"`
	TradeLots          []TradeLot         `json:"trade_lots"`
	Contract           Contract           `json:"contract"`
	State              PositionState      `json:"state"`
	EnrichmentStatus   EnrichmentStatus   `json:"enrichment_status"`
	WorkflowStatus     WorkflowStatus     `json:"workflow_status"`
	ProcessingMetadata ProcessingMetadata `json:"processing_metadata"`
	CreatedAt          time.Time          `json:"created_at"`
}

// JobStatus enumerates async job states.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Job tracks an async capture submission. Cancellation is honored only in
// PENDING; webhook failure never affects the job state.
type Job struct {
	ID          string
	TradeID     string
	Status      JobStatus
	Progress    int
	ResultRef   string
	Error       string
	CallbackURL string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RuleType enumerates rule sets; evaluation order across sets is fixed
// ECONOMIC -> NON_ECONOMIC -> WORKFLOW.
type RuleType string

const (
	RuleEconomic    RuleType = "ECONOMIC"
	RuleNonEconomic RuleType = "NON_ECONOMIC"
	RuleWorkflow    RuleType = "WORKFLOW"
)

// Criterion is one field/operator/value match; all criteria of a rule must
// match for its actions to apply.
type Criterion struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// Action sets a target field on the working blotter.
type Action struct {
	Target string `json:"target" yaml:"target"`
	Value  string `json:"value" yaml:"value"`
}

// Rule is a runtime-configurable evaluation rule. Same-priority ties break
// by id ascending.
type Rule struct {
	ID       string      `json:"id" yaml:"id"`
	RuleType RuleType    `json:"rule_type" yaml:"rule_type"`
	Priority int         `json:"priority" yaml:"priority"`
	Enabled  bool        `json:"enabled" yaml:"enabled"`
	Criteria []Criterion `json:"criteria" yaml:"criteria"`
	Actions  []Action    `json:"actions" yaml:"actions"`
	Version  int         `json:"version" yaml:"version"`
}

// BufferedMessage is a transient out-of-order arrival parked by the
// sequence gate until its predecessor arrives or the timeout elapses.
type BufferedMessage struct {
	PartitionKey   string
	SequenceNumber int64
	Request        TradeCaptureRequest
	ArrivalTime    time.Time
}

// EnrichmentResult is the folded outcome of the reference-data fan-out.
type EnrichmentResult struct {
	Status   EnrichmentStatus
	Security *SecurityRef
	Accounts []AccountRef
	Sources  []string
}

// SecurityRef is the reference-data view of a security.
type SecurityRef struct {
	SecurityID string `json:"security_id"`
	ISIN       string `json:"isin,omitempty"`
	Taxonomy   string `json:"taxonomy,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

// AccountRef is the reference-data view of an account or counterparty.
type AccountRef struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	Open      bool   `json:"open"`
	CreditOK  bool   `json:"credit_ok"`
}

// Context is an alias so the domain does not spell std context everywhere.
type Context = context.Context
