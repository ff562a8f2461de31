package publisher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

func fastBackoff(t *testing.T) {
	t.Helper()
	old := webhookBackoff
	webhookBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	t.Cleanup(func() { webhookBackoff = old })
}

func testBlotter() domain.SwapBlotter {
	return domain.SwapBlotter{
		BlotterID:    "blotter-1",
		TradeID:      "T-1",
		PartitionKey: "ACC_BOOK_SEC",
		State:        domain.PositionExecuted,
	}
}

func TestWebhookDeliverSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := NewWebhookSubscriber("downstream", srv.URL, time.Second)
	require.NoError(t, sub.Deliver(context.Background(), testBlotter()))
	require.Equal(t, int64(1), calls.Load())
}

func TestWebhookDeliverRetriesServerErrors(t *testing.T) {
	fastBackoff(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := NewWebhookSubscriber("downstream", srv.URL, time.Second)
	require.NoError(t, sub.Deliver(context.Background(), testBlotter()))
	require.Equal(t, int64(3), calls.Load())
}

func TestWebhookDeliverExhaustsRetries(t *testing.T) {
	fastBackoff(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := NewWebhookSubscriber("downstream", srv.URL, time.Second)
	err := sub.Deliver(context.Background(), testBlotter())
	require.Error(t, err)
	require.Equal(t, int64(3), calls.Load())
}

func TestWebhookDeliverClientErrorIsTerminal(t *testing.T) {
	fastBackoff(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error_code":"SCHEMA_MISMATCH"}`))
	}))
	defer srv.Close()

	sub := NewWebhookSubscriber("downstream", srv.URL, time.Second)
	err := sub.Deliver(context.Background(), testBlotter())
	require.Error(t, err)
	require.Contains(t, err.Error(), "SCHEMA_MISMATCH")
	require.Equal(t, int64(1), calls.Load())
}

func TestErrorCodeFromBody(t *testing.T) {
	t.Parallel()
	cases := []struct {
		body string
		want string
	}{
		{`{"error_code":"RATE"}`, "RATE"},
		{`{"error_code":null}`, "UNKNOWN"},
		{`{"error_code":""}`, "UNKNOWN"},
		{`{}`, "UNKNOWN"},
		{`not json`, "UNKNOWN"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, errorCodeFromBody(strings.NewReader(c.body)), c.body)
	}
}
