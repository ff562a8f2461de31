// Package redpanda provides the Redpanda/Kafka messaging plane of the
// engine: the ingress router, the partition-routed consumer manager, the
// blotter producer and the dead-letter sink.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

// Producer wraps a Kafka producer and implements domain.BusPublisher.
type Producer struct {
	client *kgo.Client
}

var _ domain.BusPublisher = (*Producer)(nil)

// NewProducer constructs a Producer.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	slog.Info("creating redpanda producer", slog.Any("brokers", brokers))

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.RecordDeliveryTimeout(30 * time.Second),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	return &Producer{client: client}, nil
}

// Publish produces one framed message synchronously.
func (p *Producer) Publish(ctx domain.Context, msg domain.BusMessage) error {
	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.publish topic=%s: %w: %w", msg.Topic, domain.ErrPublishFailure, err)
	}
	return nil
}

// PublishCapture routes a capture request onto its partition sub-topic,
// keyed by partition key so the bus preserves per-partition order. The
// jobID and the retry-failed flag travel in headers so the worker can track
// the async job and honor a flagged retry of a FAILED key.
func (p *Producer) PublishCapture(ctx domain.Context, topicPrefix string, req domain.TradeCaptureRequest, jobID string, retryFailed bool) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("op=redpanda.publish_capture: %w: %w", domain.ErrSerialization, err)
	}
	msg := domain.BusMessage{
		Topic: topicPrefix + "/" + domain.SanitizePartitionKey(req.PartitionKey()),
		Key:   []byte(req.PartitionKey()),
		Value: payload,
		Headers: map[string]string{
			"trade-id": req.TradeID,
		},
	}
	if jobID != "" {
		msg.Headers["job-id"] = jobID
	}
	if retryFailed {
		msg.Headers["retry-failed"] = "true"
	}
	return p.Publish(ctx, msg)
}

// EnsureTopics creates the fixed engine topics if missing.
func (p *Producer) EnsureTopics(ctx context.Context, topics ...string) {
	for _, t := range topics {
		if err := createTopicIfNotExists(ctx, p.client, t, 1, 1); err != nil {
			slog.Warn("topic creation failed, it may already exist",
				slog.String("topic", t), slog.Any("error", err))
		}
	}
}

// Client exposes the underlying bus client for admin queries and pings.
func (p *Producer) Client() *kgo.Client { return p.client }

// Close closes the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
