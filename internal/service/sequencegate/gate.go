// Package sequencegate delivers trade captures to the pipeline in
// monotonically increasing sequence order within a partition, buffering
// out-of-order arrivals and dead-lettering runs that time out.
//
// The gate is per-consumer-instance state: the distributed partition lock
// already guarantees at most one deliverer per partition, so the buffer does
// not need to live in a shared store.
package sequencegate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
)

// Decision classifies what the gate did with an arrival.
type Decision string

const (
	// DecisionDeliver means the message is next in sequence: process now.
	DecisionDeliver Decision = "DELIVER"
	// DecisionBypass means the message predates the time window (history
	// replay): process immediately without sequencing.
	DecisionBypass Decision = "BYPASS"
	// DecisionBuffered means the message is parked until the gap fills.
	DecisionBuffered Decision = "BUFFERED"
	// DecisionRejectOld means seq <= lastDelivered: route to DLQ.
	DecisionRejectOld Decision = "OUT_OF_ORDER_TOO_OLD"
	// DecisionRejectGap means the buffer is full: route to DLQ.
	DecisionRejectGap Decision = "GAP_TOO_LARGE"
)

// Config bounds the gate.
type Config struct {
	BufferWindow  int           // max buffered entries per partition
	Timeout       time.Duration // oldest buffered arrival before sweep
	TimeWindow    time.Duration // bookingTimestamp replay bypass horizon
	SweepInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BufferWindow:  1000,
		Timeout:       300 * time.Second,
		TimeWindow:    7 * 24 * time.Hour,
		SweepInterval: 10 * time.Second,
	}
}

type partitionGate struct {
	lastDelivered int64
	buffer        map[int64]domain.BufferedMessage
}

// PartitionStatus is the diagnostic view of one partition's gate.
type PartitionStatus struct {
	PartitionKey   string    `json:"partition_key"`
	LastDelivered  int64     `json:"last_delivered"`
	Buffered       int       `json:"buffered"`
	OldestArrival  time.Time `json:"oldest_arrival,omitempty"`
	LowestBuffered int64     `json:"lowest_buffered,omitempty"`
}

// Gate is the sequence gate.
type Gate struct {
	cfg Config
	dlq domain.DeadLetterSink

	mu         sync.Mutex
	partitions map[string]*partitionGate

	nowFn func() time.Time
}

// New constructs a Gate; dlq receives timed-out and rejected messages.
func New(cfg Config, dlq domain.DeadLetterSink) *Gate {
	if cfg.BufferWindow <= 0 {
		cfg = DefaultConfig()
	}
	return &Gate{
		cfg:        cfg,
		dlq:        dlq,
		partitions: make(map[string]*partitionGate),
		nowFn:      time.Now,
	}
}

// Admit runs the decision procedure for one arrival. When the decision is
// DecisionDeliver, ready holds the message itself followed by any buffered
// messages that became contiguous behind it, in sequence order.
//
// Messages without a sequence number pass through unchanged: the
// partition-routed sub-topics already carry per-partition bus order.
func (g *Gate) Admit(req domain.TradeCaptureRequest) (Decision, []domain.TradeCaptureRequest) {
	if req.SequenceNumber == nil {
		return DecisionDeliver, []domain.TradeCaptureRequest{req}
	}
	now := g.nowFn()

	// History replay: re-sequencing years-old traffic against the live
	// counter would wedge the partition.
	if !req.BookingTimestamp.IsZero() && req.BookingTimestamp.Before(now.Add(-g.cfg.TimeWindow)) {
		return DecisionBypass, []domain.TradeCaptureRequest{req}
	}

	key := req.PartitionKey()
	seq := *req.SequenceNumber

	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.partitions[key]
	if p == nil {
		p = &partitionGate{buffer: make(map[int64]domain.BufferedMessage)}
		g.partitions[key] = p
	}

	switch {
	case seq == p.lastDelivered+1:
		p.lastDelivered = seq
		ready := []domain.TradeCaptureRequest{req}
		for {
			next, ok := p.buffer[p.lastDelivered+1]
			if !ok {
				break
			}
			delete(p.buffer, p.lastDelivered+1)
			p.lastDelivered++
			ready = append(ready, next.Request)
		}
		observability.SequenceBufferDepth.WithLabelValues(key).Set(float64(len(p.buffer)))
		return DecisionDeliver, ready
	case seq <= p.lastDelivered:
		return DecisionRejectOld, nil
	default:
		if len(p.buffer) >= g.cfg.BufferWindow {
			return DecisionRejectGap, nil
		}
		p.buffer[seq] = domain.BufferedMessage{
			PartitionKey:   key,
			SequenceNumber: seq,
			Request:        req,
			ArrivalTime:    now,
		}
		observability.SequenceBufferDepth.WithLabelValues(key).Set(float64(len(p.buffer)))
		return DecisionBuffered, nil
	}
}

// Sweep dead-letters every partition buffer whose oldest arrival is older
// than the timeout, then advances lastDelivered past the evicted run so
// future traffic flows. Returns the number of evicted messages.
func (g *Gate) Sweep(ctx context.Context) int {
	now := g.nowFn()
	cutoff := now.Add(-g.cfg.Timeout)

	type evicted struct {
		key  string
		msgs []domain.BufferedMessage
	}
	var all []evicted

	g.mu.Lock()
	for key, p := range g.partitions {
		if len(p.buffer) == 0 {
			continue
		}
		oldest := now
		for _, m := range p.buffer {
			if m.ArrivalTime.Before(oldest) {
				oldest = m.ArrivalTime
			}
		}
		if !oldest.Before(cutoff) {
			continue
		}
		msgs := make([]domain.BufferedMessage, 0, len(p.buffer))
		maxSeq := p.lastDelivered
		for seq, m := range p.buffer {
			msgs = append(msgs, m)
			if seq > maxSeq {
				maxSeq = seq
			}
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].SequenceNumber < msgs[j].SequenceNumber })
		p.buffer = make(map[int64]domain.BufferedMessage)
		p.lastDelivered = maxSeq
		observability.SequenceBufferDepth.WithLabelValues(key).Set(0)
		all = append(all, evicted{key: key, msgs: msgs})
	}
	g.mu.Unlock()

	count := 0
	for _, ev := range all {
		for _, m := range ev.msgs {
			g.emitDLQ(ctx, m)
			count++
		}
		slog.Warn("sequence buffer timed out, evicted to DLQ",
			slog.String("partition_key", ev.key),
			slog.Int("evicted", len(ev.msgs)))
	}
	if count > 0 {
		observability.SequenceSweepsTotal.Inc()
	}
	return count
}

// RunSweeper ticks Sweep until the context ends.
func (g *Gate) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Snapshot returns the diagnostic view for /sequence-buffer/status.
func (g *Gate) Snapshot() []PartitionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PartitionStatus, 0, len(g.partitions))
	for key, p := range g.partitions {
		st := PartitionStatus{PartitionKey: key, LastDelivered: p.lastDelivered, Buffered: len(p.buffer)}
		for seq, m := range p.buffer {
			if st.LowestBuffered == 0 || seq < st.LowestBuffered {
				st.LowestBuffered = seq
			}
			if st.OldestArrival.IsZero() || m.ArrivalTime.Before(st.OldestArrival) {
				st.OldestArrival = m.ArrivalTime
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionKey < out[j].PartitionKey })
	return out
}

func marshalRequest(req domain.TradeCaptureRequest) []byte {
	b, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	return b
}

func (g *Gate) emitDLQ(ctx context.Context, m domain.BufferedMessage) {
	if g.dlq == nil {
		return
	}
	payload := marshalRequest(m.Request)
	env := domain.DLQEnvelope{
		Payload:      payload,
		Stage:        "sequence_gate",
		ErrorClass:   "SEQUENCE_TIMEOUT",
		ErrorMessage: domain.ErrSequenceTimeout.Error(),
		PartitionKey: m.PartitionKey,
		TradeID:      m.Request.TradeID,
		Timestamp:    g.nowFn(),
	}
	if err := g.dlq.Emit(ctx, env); err != nil {
		slog.Error("sequence gate DLQ emission failed",
			slog.String("partition_key", m.PartitionKey),
			slog.Int64("sequence", m.SequenceNumber),
			slog.Any("error", err))
	}
}
