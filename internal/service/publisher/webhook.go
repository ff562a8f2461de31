package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

// webhookAttempts is fixed: initial call plus two retries at 1s and 2s.
var webhookBackoff = []time.Duration{time.Second, 2 * time.Second}

// WebhookSubscriber POSTs the blotter to one registered webhook endpoint.
type WebhookSubscriber struct {
	name  string
	url   string
	httpc *http.Client
}

var _ domain.Subscriber = (*WebhookSubscriber)(nil)

// NewWebhookSubscriber constructs a subscriber for one endpoint url.
func NewWebhookSubscriber(name, url string, timeout time.Duration) *WebhookSubscriber {
	return &WebhookSubscriber{
		name: name,
		url:  url,
		httpc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name identifies the subscriber in logs and metrics.
func (s *WebhookSubscriber) Name() string { return s.name }

// Deliver POSTs the blotter with up to two retries. A 4xx answer is terminal
// immediately; 5xx and network errors retry on the fixed schedule.
func (s *WebhookSubscriber) Deliver(ctx context.Context, b domain.SwapBlotter) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("op=publisher.webhook: %w: %w", domain.ErrSerialization, err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = s.post(ctx, payload)
		if lastErr == nil {
			return nil
		}
		var statusErr *webhookStatusError
		if asWebhookStatus(lastErr, &statusErr) && statusErr.status >= 400 && statusErr.status < 500 {
			return fmt.Errorf("op=publisher.webhook url=%s: %w", s.url, lastErr)
		}
		if attempt >= len(webhookBackoff) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=publisher.webhook url=%s: %w", s.url, ctx.Err())
		case <-time.After(webhookBackoff[attempt]):
		}
	}
	return fmt.Errorf("op=publisher.webhook url=%s attempts=%d: %w", s.url, len(webhookBackoff)+1, lastErr)
}

type webhookStatusError struct {
	status int
	code   string
}

func (e *webhookStatusError) Error() string {
	return fmt.Sprintf("webhook status %d code=%s", e.status, e.code)
}

func asWebhookStatus(err error, target **webhookStatusError) bool {
	se, ok := err.(*webhookStatusError)
	if ok {
		*target = se
	}
	return ok
}

func (s *WebhookSubscriber) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	return &webhookStatusError{status: resp.StatusCode, code: errorCodeFromBody(resp.Body)}
}

// errorCodeFromBody pulls the error code from a webhook failure response; a
// missing or null code reads as UNKNOWN.
func errorCodeFromBody(r io.Reader) string {
	var body struct {
		ErrorCode *string `json:"error_code"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 16*1024)).Decode(&body); err != nil || body.ErrorCode == nil || *body.ErrorCode == "" {
		return "UNKNOWN"
	}
	return *body.ErrorCode
}
