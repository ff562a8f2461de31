package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/trade-capture-engine/internal/config"
	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/jobs"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/ratelimiter"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/rules"
	"github.com/fairyhunter13/trade-capture-engine/internal/service/sequencegate"
	"github.com/fairyhunter13/trade-capture-engine/internal/usecase"
)

// BreakerReporter exposes circuit breaker stats for diagnostics.
type BreakerReporter interface {
	BreakerStats() []map[string]interface{}
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Capture   *usecase.CaptureService
	Jobs      *jobs.Service
	Blotters  domain.BlotterRepository
	Rules     *rules.Engine
	Limiter   *ratelimiter.RedisLuaLimiter
	Gate      *sequencegate.Gate
	Admission *Admission
	Refdata   BreakerReporter

	// GroupStatus queries the bus consumer group; wired by the app layer.
	GroupStatus func(ctx context.Context) (interface{}, error)

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	BusCheck   func(ctx context.Context) error
}

type captureResponse struct {
	Status     string `json:"status"`
	BlotterID  string `json:"blotter_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int64  `json:"retry_after_seconds,omitempty"`
}

type asyncAccepted struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// CaptureHandler handles POST /v1/trades/capture for both modes. The mode
// comes from the `mode` query parameter or the X-Capture-Mode header; the
// Idempotency-Key header overrides the body's key; X-Retry-Failed permits
// reprocessing a key whose previous attempt FAILED.
func (s *Server) CaptureHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.TradeCaptureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed request body", domain.ErrInvalidArgument), nil)
			return
		}
		if req.TradeID == "" {
			writeError(w, r, fmt.Errorf("%w: tradeId is required", domain.ErrInvalidArgument),
				map[string]string{"field": "trade_id"})
			return
		}
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			req.IdempotencyKey = key
		}
		opts := usecase.Options{RetryFailed: retryFailedRequested(r)}

		if s.isAsync(r) {
			job, err := s.Capture.CaptureAsync(r.Context(), req, r.Header.Get("X-Callback-Url"), opts)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			writeJSON(w, http.StatusAccepted, asyncAccepted{
				JobID:     job.ID,
				Status:    string(job.Status),
				StatusURL: "/v1/trades/jobs/" + job.ID + "/status",
			})
			return
		}

		res, err := s.Capture.CaptureSync(r.Context(), req, opts)
		if err != nil {
			setRetryAfter(w, res.RetryAfter)
			writeError(w, r, err, map[string]string{"trade_id": req.TradeID})
			return
		}
		s.writeCaptureResult(w, res)
	}
}

func (s *Server) isAsync(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("mode"), "async") {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Capture-Mode"), "async")
}

func retryFailedRequested(r *http.Request) bool {
	v := r.Header.Get("X-Retry-Failed")
	return strings.EqualFold(v, "true") || v == "1"
}

func (s *Server) writeCaptureResult(w http.ResponseWriter, res usecase.Result) {
	body := captureResponse{
		Status:    string(res.Status),
		BlotterID: res.BlotterID,
		Reason:    res.Reason,
	}
	switch res.Status {
	case usecase.StatusCompleted:
		writeJSON(w, http.StatusCreated, body)
	case usecase.StatusDuplicate:
		// Same payload replay: idempotent success.
		writeJSON(w, http.StatusOK, body)
	case usecase.StatusBuffered, usecase.StatusPending, usecase.StatusPendingApproval:
		writeJSON(w, http.StatusAccepted, body)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, body)
	}
}

type jobView struct {
	JobID     string    `json:"job_id"`
	TradeID   string    `json:"trade_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	ResultRef string    `json:"result_ref,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobStatusHandler handles GET /v1/trades/jobs/{id}/status.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		j, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, map[string]string{"job_id": id})
			return
		}
		writeJSON(w, http.StatusOK, jobView{
			JobID:     j.ID,
			TradeID:   j.TradeID,
			Status:    string(j.Status),
			Progress:  j.Progress,
			ResultRef: j.ResultRef,
			Error:     j.Error,
			CreatedAt: j.CreatedAt,
			UpdatedAt: j.UpdatedAt,
		})
	}
}

// JobCancelHandler handles DELETE /v1/trades/jobs/{id}. Cancellation is
// honored only while the job is still PENDING.
func (s *Server) JobCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Jobs.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, map[string]string{"job_id": id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(domain.JobCancelled)})
	}
}

// BlotterByTradeHandler handles GET /v1/trades/{tradeId}/blotter.
func (s *Server) BlotterByTradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tradeID := chi.URLParam(r, "tradeId")
		b, err := s.Blotters.GetByTradeID(r.Context(), tradeID)
		if err != nil {
			writeError(w, r, err, map[string]string{"trade_id": tradeID})
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

// BackpressureStatusHandler handles GET /v1/backpressure/status.
func (s *Server) BackpressureStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]interface{}{
			"admission": s.Admission.Status(),
		}
		if s.Refdata != nil {
			out["circuit_breakers"] = s.Refdata.BreakerStats()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// RateLimitStatusHandler handles GET /v1/rate-limit/status/{partitionKey}.
func (s *Server) RateLimitStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "partitionKey")
		st, err := s.Limiter.Status(r.Context(), key)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrDependencyUnavailable, err), nil)
			return
		}
		st["partition_key"] = key
		writeJSON(w, http.StatusOK, st)
	}
}

// ConsumerGroupsStatusHandler handles GET /v1/consumer-groups/status.
func (s *Server) ConsumerGroupsStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.GroupStatus == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"groups": []interface{}{}})
			return
		}
		st, err := s.GroupStatus(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrDependencyUnavailable, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// SequenceBufferStatusHandler handles GET /v1/sequence-buffer/status.
func (s *Server) SequenceBufferStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Gate == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"partitions": []interface{}{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"partitions": s.Gate.Snapshot()})
	}
}

var ruleTypeBySlug = map[string]domain.RuleType{
	"economic":     domain.RuleEconomic,
	"non-economic": domain.RuleNonEconomic,
	"workflow":     domain.RuleWorkflow,
}

// RuleUpsertHandler handles POST /v1/rules/{ruleType}. The path segment is
// authoritative for the rule set; a mismatching body rule_type is rejected.
func (s *Server) RuleUpsertHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "ruleType")
		rt, ok := ruleTypeBySlug[strings.ToLower(slug)]
		if !ok {
			writeError(w, r, fmt.Errorf("%w: unknown rule type %q", domain.ErrInvalidArgument, slug), nil)
			return
		}
		var rule domain.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed rule body", domain.ErrInvalidArgument), nil)
			return
		}
		if rule.RuleType == "" {
			rule.RuleType = rt
		}
		if rule.RuleType != rt {
			writeError(w, r, fmt.Errorf("%w: rule_type %q does not match path %q",
				domain.ErrInvalidArgument, rule.RuleType, slug), nil)
			return
		}
		if err := s.Rules.Upsert(r.Context(), rule); err != nil {
			writeError(w, r, err, map[string]string{"rule_id": rule.ID})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"rule_id": rule.ID, "status": "STORED"})
	}
}

// RuleDeleteHandler handles DELETE /v1/rules/{id}.
func (s *Server) RuleDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Rules.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, map[string]string{"rule_id": id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"rule_id": id, "status": "DELETED"})
	}
}

// ReadyzHandler reports readiness of the engine's hard dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		name string
		fn   func(ctx context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := []check{
			{"postgres", s.DBCheck},
			{"redis", s.RedisCheck},
			{"bus", s.BusCheck},
		}
		status := map[string]string{}
		ready := true
		for _, c := range checks {
			if c.fn == nil {
				status[c.name] = "skipped"
				continue
			}
			if err := c.fn(ctx); err != nil {
				status[c.name] = err.Error()
				ready = false
				continue
			}
			status[c.name] = "ok"
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{"ready": ready, "checks": status})
	}
}
