package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/bulkhead"
)

// CaptureHandler runs one routed capture through the pipeline. deferred
// means the message parked on purpose (buffered, pending approval) and must
// not be dead-lettered.
type CaptureHandler func(ctx context.Context, req domain.TradeCaptureRequest, jobID string, retryFailed bool) (deferred bool, err error)

// ConsumerConfig wires a ConsumerMgr.
type ConsumerConfig struct {
	Brokers     []string
	Group       string
	TopicPrefix string

	MaxLag      int64
	ResumeLag   int64
	MaxInflight int64
	LagInterval time.Duration
}

// ConsumerMgr subscribes to the routed per-partition sub-topics with a
// sticky assignment, feeds the pipeline, and applies lag-driven pause and
// resume plus an in-flight cap.
type ConsumerMgr struct {
	client  *kgo.Client
	adm     *kadm.Client
	cfg     ConsumerConfig
	handler CaptureHandler
	dlq     domain.DeadLetterSink
	groups  *bulkhead.Grouped

	inflight atomic.Int64
	paused   atomic.Bool
}

// NewConsumerMgr constructs a ConsumerMgr over the sub-topic wildcard.
// Records fan out onto the partition-group pools, so one hot partition
// cannot stall the rest of the assignment.
func NewConsumerMgr(cfg ConsumerConfig, handler CaptureHandler, dlq domain.DeadLetterSink, groups *bulkhead.Grouped) (*ConsumerMgr, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if cfg.LagInterval <= 0 {
		cfg.LagInterval = 5 * time.Second
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	// Sticky assignment keeps partition->worker mapping across rebalances,
	// preserving cache locality; the distributed lock fences any overlap.
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics("^" + regexp.QuoteMeta(cfg.TopicPrefix) + "/.+$"),
		kgo.ConsumeRegex(),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}
	return &ConsumerMgr{
		client:  client,
		adm:     kadm.NewClient(client),
		cfg:     cfg,
		handler: handler,
		dlq:     dlq,
		groups:  groups,
	}, nil
}

// Run polls and dispatches until the context ends. The lag sampler runs
// alongside the poll loop.
func (m *ConsumerMgr) Run(ctx context.Context) {
	slog.Info("consumer manager starting",
		slog.String("group", m.cfg.Group),
		slog.String("topic_prefix", m.cfg.TopicPrefix),
		slog.Int64("max_lag", m.cfg.MaxLag),
		slog.Int64("max_inflight", m.cfg.MaxInflight))
	go m.runLagSampler(ctx)

	for {
		fetches := m.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			slog.Info("consumer manager stopping")
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("consumer fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(record *kgo.Record) {
			m.waitForCapacity(ctx)
			if ctx.Err() != nil {
				return
			}
			m.inflight.Add(1)
			observability.ConsumerInflight.Set(float64(m.inflight.Load()))
			task := func() {
				defer func() {
					m.inflight.Add(-1)
					observability.ConsumerInflight.Set(float64(m.inflight.Load()))
				}()
				m.process(ctx, record)
			}
			if m.groups != nil {
				m.groups.Submit(string(record.Key), task)
			} else {
				task()
			}
		})
	}
}

// waitForCapacity blocks while the in-flight cap is reached; the broker
// simply sees a slow consumer.
func (m *ConsumerMgr) waitForCapacity(ctx context.Context) {
	for m.inflight.Load() >= m.cfg.MaxInflight {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *ConsumerMgr) process(ctx context.Context, record *kgo.Record) {
	var req domain.TradeCaptureRequest
	if err := json.Unmarshal(record.Value, &req); err != nil {
		m.deadLetter(ctx, record, "UNDECODABLE", err.Error(), "")
		m.client.MarkCommitRecords(record)
		return
	}
	jobID := headerValue(record, "job-id")
	retryFailed := headerValue(record, "retry-failed") == "true"

	deferred, err := m.handler(ctx, req, jobID, retryFailed)
	switch {
	case err == nil || deferred:
		// Success and deliberate deferrals both commit; a buffered message
		// re-enters through the gate, not through redelivery.
		m.client.MarkCommitRecords(record)
	case isRetryableConsume(err):
		// Leave unmarked so the record is redelivered after a rebalance or
		// restart.
		slog.Warn("capture deferred on transient failure",
			slog.String("trade_id", req.TradeID),
			slog.String("partition_key", req.PartitionKey()),
			slog.Any("error", err))
	default:
		m.deadLetter(ctx, record, errorClass(err), err.Error(), req.TradeID)
		m.client.MarkCommitRecords(record)
	}
}

func (m *ConsumerMgr) deadLetter(ctx context.Context, record *kgo.Record, class, msg, tradeID string) {
	env := domain.DLQEnvelope{
		Payload:      record.Value,
		Stage:        "consumer",
		ErrorClass:   class,
		ErrorMessage: msg,
		PartitionKey: string(record.Key),
		TradeID:      tradeID,
		Timestamp:    time.Now().UTC(),
	}
	if err := m.dlq.Emit(ctx, env); err != nil {
		slog.Error("consumer DLQ emission failed", slog.Any("error", err))
	}
}

// runLagSampler sums consumer-group lag every interval and pauses the fetch
// above MaxLag, resuming below ResumeLag.
func (m *ConsumerMgr) runLagSampler(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.LagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleLag(ctx)
		}
	}
}

func (m *ConsumerMgr) sampleLag(ctx context.Context) {
	lags, err := m.adm.Lag(ctx, m.cfg.Group)
	if err != nil {
		slog.Warn("consumer lag fetch failed", slog.String("group", m.cfg.Group), slog.Any("error", err))
		return
	}
	gl, ok := lags[m.cfg.Group]
	if !ok || gl.FetchErr != nil || gl.DescribeErr != nil {
		return
	}
	total := gl.Lag.Total()
	observability.ConsumerLag.Set(float64(total))

	switch {
	case total > m.cfg.MaxLag && !m.paused.Load():
		paused := m.client.PauseFetchTopics(m.client.GetConsumeTopics()...)
		m.paused.Store(true)
		observability.ConsumerPaused.Set(1)
		slog.Warn("consumer paused on lag",
			slog.Int64("lag", total),
			slog.Int64("max_lag", m.cfg.MaxLag),
			slog.Any("topics", paused))
	case total < m.cfg.ResumeLag && m.paused.Load():
		m.client.ResumeFetchTopics(m.client.GetConsumeTopics()...)
		m.paused.Store(false)
		observability.ConsumerPaused.Set(0)
		slog.Info("consumer resumed",
			slog.Int64("lag", total),
			slog.Int64("resume_lag", m.cfg.ResumeLag))
	}
}

// Paused reports whether lag backpressure currently holds the group.
func (m *ConsumerMgr) Paused() bool { return m.paused.Load() }

// Inflight reports the current in-flight task count.
func (m *ConsumerMgr) Inflight() int64 { return m.inflight.Load() }

// Close closes the consuming client.
func (m *ConsumerMgr) Close() {
	if m.client != nil {
		m.client.Close()
	}
}

func headerValue(record *kgo.Record, key string) string {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// isRetryableConsume classifies failures the broker should redeliver rather
// than dead-letter.
func isRetryableConsume(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrLockTimeout) ||
		errors.Is(err, domain.ErrVersionConflict) ||
		errors.Is(err, domain.ErrDependencyUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// errorClass maps terminal pipeline failures onto DLQ error classes.
func errorClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrOutOfOrderTooOld):
		return "OUT_OF_ORDER_TOO_OLD"
	case errors.Is(err, domain.ErrGapTooLarge):
		return "GAP_TOO_LARGE"
	case errors.Is(err, domain.ErrDuplicateDifferentPayload):
		return "DUPLICATE_DIFFERENT_PAYLOAD"
	case errors.Is(err, domain.ErrIllegalTransition):
		return "STATE_ILLEGAL_TRANSITION"
	case errors.Is(err, domain.ErrEnrichmentFailed):
		return "ENRICHMENT_FAILED"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrRulesEval):
		return "RULES_EVAL_ERROR"
	case errors.Is(err, domain.ErrSerialization):
		return "SERIALIZATION_ERROR"
	default:
		return "PROCESSING_FAILED"
	}
}
