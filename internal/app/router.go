// Package app wires configuration, adapters and services into the runnable
// server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/trade-capture-engine/internal/adapter/httpserver"
	"github.com/fairyhunter13/trade-capture-engine/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(60 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(httpserver.HTTPMetrics())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Capture path: IP rate limit plus the bounded admission queue.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.APIRateLimitPerMinute, time.Minute))
		wr.Use(srv.Admission.Middleware)
		wr.Post("/v1/trades/capture", srv.CaptureHandler())
	})

	// Jobs and blotter lookups.
	r.Get("/v1/trades/jobs/{id}/status", srv.JobStatusHandler())
	r.Delete("/v1/trades/jobs/{id}", srv.JobCancelHandler())
	r.Get("/v1/trades/{tradeId}/blotter", srv.BlotterByTradeHandler())

	// Diagnostics.
	r.Get("/v1/backpressure/status", srv.BackpressureStatusHandler())
	r.Get("/v1/rate-limit/status/{partitionKey}", srv.RateLimitStatusHandler())
	r.Get("/v1/consumer-groups/status", srv.ConsumerGroupsStatusHandler())
	r.Get("/v1/sequence-buffer/status", srv.SequenceBufferStatusHandler())

	// Rules admin, mounted only when credentials are configured.
	if cfg.AdminEnabled() {
		r.Group(func(ar chi.Router) {
			ar.Use(httpserver.BasicAuthGuard(cfg.AdminUsername, cfg.AdminPasswordHash))
			ar.Post("/v1/rules/{ruleType}", srv.RuleUpsertHandler())
			ar.Delete("/v1/rules/{id}", srv.RuleDeleteHandler())
		})
	}

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
