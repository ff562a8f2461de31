// Package publisher fans a persisted blotter out to downstream subscribers.
// Deliveries run concurrently and failures are isolated per subscriber; a
// webhook outage never blocks the bus publication or the pipeline result.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
)

// Publisher is the blotter publisher.
type Publisher struct {
	subscribers []domain.Subscriber
	timeout     time.Duration
	dlq         domain.DeadLetterSink
}

// New constructs a Publisher over a fixed subscriber set. An exhausted
// delivery dead-letters through dlq; nil disables dead-lettering.
func New(timeout time.Duration, dlq domain.DeadLetterSink, subs ...domain.Subscriber) *Publisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Publisher{subscribers: subs, timeout: timeout, dlq: dlq}
}

// Publish delivers the blotter to every subscriber concurrently and returns
// after all deliveries finished or timed out. Per-subscriber errors are
// logged, counted and dead-lettered, never propagated: the blotter is
// already durable.
func (p *Publisher) Publish(ctx context.Context, b domain.SwapBlotter) {
	var wg sync.WaitGroup
	for _, sub := range p.subscribers {
		wg.Add(1)
		go func(sub domain.Subscriber) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			if err := sub.Deliver(dctx, b); err != nil {
				observability.PublishTotal.WithLabelValues(sub.Name(), "error").Inc()
				slog.Error("blotter delivery failed",
					slog.String("subscriber", sub.Name()),
					slog.String("blotter_id", b.BlotterID),
					slog.String("trade_id", b.TradeID),
					slog.Any("error", err))
				p.deadLetter(dctx, sub.Name(), b, err)
				return
			}
			observability.PublishTotal.WithLabelValues(sub.Name(), "ok").Inc()
		}(sub)
	}
	wg.Wait()
}

// deadLetter parks the undeliverable blotter so an operator can replay it
// once the subscriber recovers.
func (p *Publisher) deadLetter(ctx context.Context, subscriber string, b domain.SwapBlotter, derr error) {
	if p.dlq == nil {
		return
	}
	payload, err := json.Marshal(b)
	if err != nil {
		slog.Error("blotter DLQ marshal failed", slog.String("blotter_id", b.BlotterID), slog.Any("error", err))
		return
	}
	env := domain.DLQEnvelope{
		Payload:      payload,
		Stage:        "publisher/" + subscriber,
		ErrorClass:   "PUBLISH_FAILURE",
		ErrorMessage: derr.Error(),
		PartitionKey: b.PartitionKey,
		TradeID:      b.TradeID,
		Timestamp:    time.Now().UTC(),
	}
	if err := p.dlq.Emit(ctx, env); err != nil {
		slog.Error("blotter DLQ emission failed",
			slog.String("subscriber", subscriber),
			slog.String("blotter_id", b.BlotterID),
			slog.Any("error", err))
	}
}

// busBackoff spaces the bus republish attempts.
var busBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// BusSubscriber publishes the blotter to the partition-routed output topic.
type BusSubscriber struct {
	bus         domain.BusPublisher
	topicPrefix string
	retries     int
}

var _ domain.Subscriber = (*BusSubscriber)(nil)

// NewBusSubscriber constructs a BusSubscriber under topicPrefix with up to
// retries republish attempts after the first failure.
func NewBusSubscriber(bus domain.BusPublisher, topicPrefix string, retries int) *BusSubscriber {
	if retries < 0 {
		retries = 0
	}
	return &BusSubscriber{bus: bus, topicPrefix: topicPrefix, retries: retries}
}

// Name identifies the subscriber in logs and metrics.
func (s *BusSubscriber) Name() string { return "bus" }

// Deliver publishes the blotter keyed by partition so downstream consumers
// see per-partition order, retrying transient broker failures on the fixed
// schedule before giving up.
func (s *BusSubscriber) Deliver(ctx context.Context, b domain.SwapBlotter) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("op=publisher.bus: %w: %w", domain.ErrSerialization, err)
	}
	topic := s.topicPrefix + "/" + domain.SanitizePartitionKey(b.PartitionKey)
	msg := domain.BusMessage{
		Topic: topic,
		Key:   []byte(b.PartitionKey),
		Value: payload,
		Headers: map[string]string{
			"content-type": "application/json",
			"trade-id":     b.TradeID,
		},
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if lastErr = s.bus.Publish(ctx, msg); lastErr == nil {
			return nil
		}
		if attempt >= s.retries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=publisher.bus topic=%s: %w: %w", topic, domain.ErrPublishFailure, ctx.Err())
		case <-time.After(busBackoff[min(attempt, len(busBackoff)-1)]):
		}
	}
	return fmt.Errorf("op=publisher.bus topic=%s attempts=%d: %w: %w", topic, s.retries+1, domain.ErrPublishFailure, lastErr)
}
