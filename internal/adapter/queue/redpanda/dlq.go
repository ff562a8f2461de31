package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
)

// dlqProduceTimeout bounds how long an emission may block the producer path.
const dlqProduceTimeout = 5 * time.Second

// Sink emits terminally unprocessable messages onto a dead-letter topic.
type Sink struct {
	producer *Producer
	topic    string
}

var _ domain.DeadLetterSink = (*Sink)(nil)

// NewSink constructs a Sink on topic.
func NewSink(producer *Producer, topic string) *Sink {
	return &Sink{producer: producer, topic: topic}
}

// Emit produces the envelope with a bounded timeout. Emission failures are
// logged and returned but must never wedge the caller.
func (s *Sink) Emit(ctx domain.Context, env domain.DLQEnvelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=dlq.emit: %w: %w", domain.ErrSerialization, err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dlqProduceTimeout)
	defer cancel()

	msg := domain.BusMessage{
		Topic: s.topic,
		Key:   []byte(env.PartitionKey),
		Value: payload,
		Headers: map[string]string{
			"stage":       env.Stage,
			"error-class": env.ErrorClass,
		},
	}
	if err := s.producer.Publish(ctx, msg); err != nil {
		slog.Error("DLQ emission failed",
			slog.String("topic", s.topic),
			slog.String("stage", env.Stage),
			slog.String("trade_id", env.TradeID),
			slog.Any("error", err))
		return err
	}
	observability.DLQEmittedTotal.WithLabelValues(env.Stage).Inc()
	slog.Warn("message dead-lettered",
		slog.String("topic", s.topic),
		slog.String("stage", env.Stage),
		slog.String("error_class", env.ErrorClass),
		slog.String("partition_key", env.PartitionKey),
		slog.String("trade_id", env.TradeID))
	return nil
}
