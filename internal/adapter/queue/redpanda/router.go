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

// Router consumes the single upstream ingress topic and republishes every
// message onto its per-partition sub-topic. Undecodable messages and
// messages without a derivable partition key go to the router DLQ.
type Router struct {
	client      *kgo.Client
	producer    *Producer
	dlq         domain.DeadLetterSink
	inputTopic  string
	topicPrefix string
}

// RouterConfig wires a Router.
type RouterConfig struct {
	Brokers     []string
	Group       string
	InputTopic  string
	TopicPrefix string
}

// NewRouter constructs a Router consuming cfg.InputTopic in cfg.Group.
func NewRouter(cfg RouterConfig, producer *Producer, dlq domain.DeadLetterSink) (*Router, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.InputTopic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda router client: %w", err)
	}
	return &Router{
		client:      client,
		producer:    producer,
		dlq:         dlq,
		inputTopic:  cfg.InputTopic,
		topicPrefix: cfg.TopicPrefix,
	}, nil
}

// Run polls and routes until the context ends.
func (r *Router) Run(ctx context.Context) {
	slog.Info("ingress router starting",
		slog.String("input_topic", r.inputTopic),
		slog.String("topic_prefix", r.topicPrefix))
	for {
		fetches := r.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			slog.Info("ingress router stopping")
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("router fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(record *kgo.Record) {
			r.route(ctx, record)
			r.client.MarkCommitRecords(record)
		})
	}
}

// route republishes one record onto its sanitized sub-topic. Routing is
// idempotent: redelivery only re-produces the same keyed message, and the
// downstream idempotency store absorbs duplicates.
func (r *Router) route(ctx context.Context, record *kgo.Record) {
	var req domain.TradeCaptureRequest
	if err := json.Unmarshal(record.Value, &req); err != nil {
		r.deadLetter(ctx, record, "UNDECODABLE", err.Error())
		return
	}
	key := req.PartitionKey()
	if req.AccountID == "" || req.BookID == "" || req.SecurityID == "" {
		r.deadLetter(ctx, record, "MISSING_PARTITION_KEY",
			fmt.Sprintf("cannot derive partition key for trade %q", req.TradeID))
		return
	}

	msg := domain.BusMessage{
		Topic:   r.topicPrefix + "/" + domain.SanitizePartitionKey(key),
		Key:     []byte(key),
		Value:   record.Value,
		Headers: headerMap(record),
	}
	if err := r.producer.Publish(ctx, msg); err != nil {
		// The record is marked committed either way, so the failure must be
		// preserved on the DLQ rather than relying on redelivery.
		r.deadLetter(ctx, record, "ROUTE_PUBLISH_FAILED", err.Error())
	}
}

func (r *Router) deadLetter(ctx context.Context, record *kgo.Record, class, msg string) {
	env := domain.DLQEnvelope{
		Payload:      record.Value,
		Stage:        "ingress_router",
		ErrorClass:   class,
		ErrorMessage: msg,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.dlq.Emit(ctx, env); err != nil {
		slog.Error("router DLQ emission failed", slog.Any("error", err))
	}
}

func headerMap(record *kgo.Record) map[string]string {
	if len(record.Headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

// Close closes the consuming client.
func (r *Router) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
