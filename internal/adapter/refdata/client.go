// Package refdata enriches trade captures from the security and account
// reference-data services. Lookups fan out on the external-call pool, sit
// behind per-dependency circuit breakers, and read through a short Redis
// cache.
package refdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/observability"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/bulkhead"
)

// Retry budgets per failure class.
const (
	retriesNetwork     = 5
	retriesServerError = 3
	retriesThrottled   = 5
)

var errBreakerOpen = errors.New("circuit breaker open")

// httpStatusError distinguishes retryable HTTP failures by class.
type httpStatusError struct {
	status     int
	retryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.status)
}

// Client is the reference-data enricher.
type Client struct {
	securityURL string
	accountURL  string
	httpc       *http.Client
	rdb         *redis.Client
	cacheTTL    time.Duration
	pool        *bulkhead.Pool

	securityBreaker *observability.CircuitBreaker
	accountBreaker  *observability.CircuitBreaker
}

var _ domain.Enricher = (*Client)(nil)

// New constructs a Client against the two reference services. pool bounds the
// concurrency of outbound lookups; nil runs them on plain goroutines.
func New(securityURL, accountURL string, connectTimeout, readTimeout time.Duration, rdb *redis.Client, cacheTTL time.Duration, pool *bulkhead.Pool) *Client {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		securityURL: securityURL,
		accountURL:  accountURL,
		httpc: &http.Client{
			Timeout:   readTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
		rdb:             rdb,
		cacheTTL:        cacheTTL,
		pool:            pool,
		securityBreaker: observability.NewCircuitBreaker("refdata-security", 5, 30*time.Second, 2),
		accountBreaker:  observability.NewCircuitBreaker("refdata-account", 5, 30*time.Second, 2),
	}
}

// run dispatches one lookup onto the external-call pool so saturated
// reference services queue there instead of on the partition-group workers.
func (c *Client) run(task func()) {
	if c.pool != nil {
		c.pool.Submit(task)
		return
	}
	go task()
}

// Enrich looks up the security and all account/counterparty references
// concurrently and folds the outcomes: all ok -> COMPLETE, any single
// failure -> PARTIAL, every lookup failed -> FAILED.
// Enrich never returns an error; the fold status carries the outcome.
func (c *Client) Enrich(ctx context.Context, req domain.TradeCaptureRequest) domain.EnrichmentResult {
	accountIDs := append([]string{req.AccountID}, req.CounterpartyIDs...)

	type secOut struct {
		ref *domain.SecurityRef
		err error
	}
	type acctOut struct {
		idx int
		ref *domain.AccountRef
		err error
	}

	secCh := make(chan secOut, 1)
	acctCh := make(chan acctOut, len(accountIDs))

	c.run(func() {
		ref, err := c.lookupSecurity(ctx, req.SecurityID)
		secCh <- secOut{ref: ref, err: err}
	})
	for i, id := range accountIDs {
		c.run(func() {
			ref, err := c.lookupAccount(ctx, id)
			acctCh <- acctOut{idx: i, ref: ref, err: err}
		})
	}

	sec := <-secCh
	accounts := make([]*domain.AccountRef, len(accountIDs))
	var acctFailures int
	for range accountIDs {
		out := <-acctCh
		if out.err != nil {
			acctFailures++
			slog.Warn("account enrichment failed",
				slog.String("account_id", accountIDs[out.idx]),
				slog.String("trade_id", req.TradeID),
				slog.Any("error", out.err))
			continue
		}
		accounts[out.idx] = out.ref
	}

	res := domain.EnrichmentResult{}
	if sec.err != nil {
		slog.Warn("security enrichment failed",
			slog.String("security_id", req.SecurityID),
			slog.String("trade_id", req.TradeID),
			slog.Any("error", sec.err))
		observability.EnrichmentTotal.WithLabelValues("security", "failed").Inc()
	} else {
		res.Security = sec.ref
		res.Sources = append(res.Sources, "security-service")
		observability.EnrichmentTotal.WithLabelValues("security", "ok").Inc()
	}

	for _, a := range accounts {
		if a != nil {
			res.Accounts = append(res.Accounts, *a)
		}
	}
	if acctFailures == 0 && len(accountIDs) > 0 {
		res.Sources = append(res.Sources, "account-service")
		observability.EnrichmentTotal.WithLabelValues("account", "ok").Inc()
	} else if acctFailures > 0 {
		observability.EnrichmentTotal.WithLabelValues("account", "failed").Inc()
	}

	switch {
	case sec.err == nil && acctFailures == 0:
		res.Status = domain.EnrichmentComplete
	case sec.err != nil && acctFailures == len(accountIDs):
		res.Status = domain.EnrichmentFailed
	default:
		res.Status = domain.EnrichmentPartial
	}
	return res
}

// BreakerStats exposes breaker state for the diagnostics endpoint.
func (c *Client) BreakerStats() []map[string]interface{} {
	return []map[string]interface{}{
		c.securityBreaker.GetStats(),
		c.accountBreaker.GetStats(),
	}
}

func (c *Client) lookupSecurity(ctx context.Context, securityID string) (*domain.SecurityRef, error) {
	var ref domain.SecurityRef
	key := "refdata:security:" + securityID
	if c.cacheGet(ctx, key, &ref) {
		return &ref, nil
	}
	url := c.securityURL + "/securities/" + securityID
	if err := c.fetch(ctx, c.securityBreaker, url, &ref); err != nil {
		return nil, err
	}
	c.cachePut(ctx, key, ref)
	return &ref, nil
}

func (c *Client) lookupAccount(ctx context.Context, accountID string) (*domain.AccountRef, error) {
	var ref domain.AccountRef
	key := "refdata:account:" + accountID
	if c.cacheGet(ctx, key, &ref) {
		return &ref, nil
	}
	url := c.accountURL + "/accounts/" + accountID
	if err := c.fetch(ctx, c.accountBreaker, url, &ref); err != nil {
		return nil, err
	}
	c.cachePut(ctx, key, ref)
	return &ref, nil
}

// fetch performs one GET with class-aware retry: network errors up to 5
// attempts, 5xx up to 3, 429 up to 5 honoring Retry-After. 4xx other than 429
// is terminal immediately.
func (c *Client) fetch(ctx context.Context, breaker *observability.CircuitBreaker, url string, out interface{}) error {
	var networkTries, serverTries, throttleTries int

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	operation := func() error {
		if !breaker.CanExecute() {
			return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrDependencyUnavailable, errBreakerOpen))
		}
		err := c.doGet(ctx, url, out)
		if err == nil {
			breaker.RecordSuccess()
			return nil
		}

		var statusErr *httpStatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.status == http.StatusTooManyRequests:
			throttleTries++
			if throttleTries >= retriesThrottled {
				breaker.RecordFailure()
				return backoff.Permanent(err)
			}
			if statusErr.retryAfter > 0 {
				// Honor the server's Retry-After before the next attempt.
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(statusErr.retryAfter):
				}
			}
			return err
		case errors.As(err, &statusErr) && statusErr.status >= 500:
			breaker.RecordFailure()
			serverTries++
			if serverTries >= retriesServerError {
				return backoff.Permanent(err)
			}
			return err
		case errors.As(err, &statusErr):
			// Remaining 4xx: the entity does not exist or the request is bad,
			// retrying cannot change the answer.
			return backoff.Permanent(err)
		default:
			breaker.RecordFailure()
			networkTries++
			if networkTries >= retriesNetwork {
				return backoff.Permanent(err)
			}
			return err
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=refdata.fetch url=%s: %w", url, err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &httpStatusError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (c *Client) cacheGet(ctx context.Context, key string, out interface{}) bool {
	if c.rdb == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("refdata cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (c *Client) cachePut(ctx context.Context, key string, v interface{}) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.cacheTTL).Err(); err != nil {
		slog.Warn("refdata cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}
