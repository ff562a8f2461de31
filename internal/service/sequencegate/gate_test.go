package sequencegate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

type captureSink struct {
	mu   sync.Mutex
	envs []domain.DLQEnvelope
}

func (s *captureSink) Emit(_ context.Context, env domain.DLQEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func seqReq(key string, seq int64) domain.TradeCaptureRequest {
	parts := [3]string{"ACC", "BOOK", key}
	return domain.TradeCaptureRequest{
		TradeID:          key + "-" + time.Now().Format("150405.000000000"),
		AccountID:        parts[0],
		BookID:           parts[1],
		SecurityID:       parts[2],
		BookingTimestamp: time.Now(),
		SequenceNumber:   &seq,
	}
}

func TestAdmitInOrder(t *testing.T) {
	g := New(Config{BufferWindow: 10, Timeout: time.Minute, TimeWindow: 24 * time.Hour, SweepInterval: time.Second}, nil)

	for seq := int64(1); seq <= 3; seq++ {
		dec, ready := g.Admit(seqReq("SEC1", seq))
		require.Equal(t, DecisionDeliver, dec)
		require.Len(t, ready, 1)
		require.Equal(t, seq, *ready[0].SequenceNumber)
	}
}

func TestAdmitNoSequencePassesThrough(t *testing.T) {
	g := New(DefaultConfig(), nil)
	req := domain.TradeCaptureRequest{TradeID: "T1", AccountID: "A", BookID: "B", SecurityID: "S"}

	dec, ready := g.Admit(req)
	require.Equal(t, DecisionDeliver, dec)
	require.Len(t, ready, 1)
}

func TestAdmitGapBuffersThenDrains(t *testing.T) {
	g := New(Config{BufferWindow: 10, Timeout: time.Minute, TimeWindow: 24 * time.Hour, SweepInterval: time.Second}, nil)

	dec, _ := g.Admit(seqReq("SEC2", 1))
	require.Equal(t, DecisionDeliver, dec)

	dec, ready := g.Admit(seqReq("SEC2", 3))
	require.Equal(t, DecisionBuffered, dec)
	require.Nil(t, ready)

	dec, ready = g.Admit(seqReq("SEC2", 4))
	require.Equal(t, DecisionBuffered, dec)
	require.Nil(t, ready)

	// 2 arrives: 2, 3 and 4 all become contiguous and drain in order.
	dec, ready = g.Admit(seqReq("SEC2", 2))
	require.Equal(t, DecisionDeliver, dec)
	require.Len(t, ready, 3)
	for i, want := range []int64{2, 3, 4} {
		require.Equal(t, want, *ready[i].SequenceNumber)
	}
}

func TestAdmitRejectsOldSequence(t *testing.T) {
	g := New(Config{BufferWindow: 10, Timeout: time.Minute, TimeWindow: 24 * time.Hour, SweepInterval: time.Second}, nil)

	dec, _ := g.Admit(seqReq("SEC3", 1))
	require.Equal(t, DecisionDeliver, dec)
	dec, _ = g.Admit(seqReq("SEC3", 2))
	require.Equal(t, DecisionDeliver, dec)

	dec, ready := g.Admit(seqReq("SEC3", 2))
	require.Equal(t, DecisionRejectOld, dec)
	require.Nil(t, ready)

	dec, _ = g.Admit(seqReq("SEC3", 1))
	require.Equal(t, DecisionRejectOld, dec)
}

func TestAdmitRejectsWhenBufferFull(t *testing.T) {
	g := New(Config{BufferWindow: 2, Timeout: time.Minute, TimeWindow: 24 * time.Hour, SweepInterval: time.Second}, nil)

	dec, _ := g.Admit(seqReq("SEC4", 5))
	require.Equal(t, DecisionBuffered, dec)
	dec, _ = g.Admit(seqReq("SEC4", 6))
	require.Equal(t, DecisionBuffered, dec)

	dec, ready := g.Admit(seqReq("SEC4", 7))
	require.Equal(t, DecisionRejectGap, dec)
	require.Nil(t, ready)
}

func TestAdmitBypassesHistoryReplay(t *testing.T) {
	g := New(Config{BufferWindow: 10, Timeout: time.Minute, TimeWindow: 24 * time.Hour, SweepInterval: time.Second}, nil)

	req := seqReq("SEC5", 99)
	req.BookingTimestamp = time.Now().Add(-48 * time.Hour)

	dec, ready := g.Admit(req)
	require.Equal(t, DecisionBypass, dec)
	require.Len(t, ready, 1)

	// Bypass must not advance the partition counter.
	dec, ready = g.Admit(seqReq("SEC5", 1))
	require.Equal(t, DecisionDeliver, dec)
	require.Len(t, ready, 1)
}

func TestSweepEvictsTimedOutRuns(t *testing.T) {
	sink := &captureSink{}
	g := New(Config{BufferWindow: 10, Timeout: 300 * time.Second, TimeWindow: 24 * time.Hour, SweepInterval: time.Second}, sink)

	base := time.Now()
	g.nowFn = func() time.Time { return base }

	dec, _ := g.Admit(seqReq("SEC6", 1))
	require.Equal(t, DecisionDeliver, dec)
	dec, _ = g.Admit(seqReq("SEC6", 3))
	require.Equal(t, DecisionBuffered, dec)
	dec, _ = g.Admit(seqReq("SEC6", 5))
	require.Equal(t, DecisionBuffered, dec)

	// Not old enough yet.
	g.nowFn = func() time.Time { return base.Add(299 * time.Second) }
	require.Equal(t, 0, g.Sweep(context.Background()))

	g.nowFn = func() time.Time { return base.Add(301 * time.Second) }
	require.Equal(t, 2, g.Sweep(context.Background()))

	require.Len(t, sink.envs, 2)
	require.Equal(t, "SEQUENCE_TIMEOUT", sink.envs[0].ErrorClass)
	require.Equal(t, "sequence_gate", sink.envs[0].Stage)

	// The counter jumped past the evicted run, so 6 flows immediately.
	dec, ready := g.Admit(seqReq("SEC6", 6))
	require.Equal(t, DecisionDeliver, dec)
	require.Len(t, ready, 1)
}

func TestSnapshot(t *testing.T) {
	g := New(Config{BufferWindow: 10, Timeout: time.Minute, TimeWindow: 24 * time.Hour, SweepInterval: time.Second}, nil)

	g.Admit(seqReq("SECA", 1))
	g.Admit(seqReq("SECB", 4))
	g.Admit(seqReq("SECB", 3))

	snap := g.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "ACC_BOOK_SECA", snap[0].PartitionKey)
	require.Equal(t, int64(1), snap[0].LastDelivered)
	require.Equal(t, 0, snap[0].Buffered)
	require.Equal(t, "ACC_BOOK_SECB", snap[1].PartitionKey)
	require.Equal(t, 2, snap[1].Buffered)
	require.Equal(t, int64(3), snap[1].LowestBuffered)
}
