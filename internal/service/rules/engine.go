// Package rules evaluates the configurable economic, non-economic and
// workflow rule sets against a working blotter.
//
// Evaluations snapshot the rule set at start, so admin mutations never break
// an evaluation mid-flight; the snapshot refreshes lazily when the shared
// version key moves.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

const versionKey = "rules:version"

// Engine is the rules engine.
type Engine struct {
	repo domain.RuleRepository
	rdb  *redis.Client
	seed []domain.Rule

	snapshot atomic.Pointer[ruleSnapshot]
}

type ruleSnapshot struct {
	version string
	bySet   map[domain.RuleType][]domain.Rule
}

// New constructs an Engine. seed rules come from the boot-time yaml file;
// API-managed rules shadow seed rules by id.
func New(repo domain.RuleRepository, rdb *redis.Client, seed []domain.Rule) *Engine {
	return &Engine{repo: repo, rdb: rdb, seed: seed}
}

// Apply evaluates all enabled rules against the request and the working
// blotter, set order ECONOMIC -> NON_ECONOMIC -> WORKFLOW, within a set by
// (priority, id) ascending. It returns the ordered ids of applied rules.
func (e *Engine) Apply(ctx context.Context, req domain.TradeCaptureRequest, b *domain.SwapBlotter) ([]string, error) {
	snap, err := e.currentSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, set := range []domain.RuleType{domain.RuleEconomic, domain.RuleNonEconomic, domain.RuleWorkflow} {
		for _, rule := range snap.bySet[set] {
			match, err := matches(rule, req, b)
			if err != nil {
				return applied, fmt.Errorf("op=rules.apply rule=%s: %w: %w", rule.ID, domain.ErrRulesEval, err)
			}
			if !match {
				continue
			}
			for _, a := range rule.Actions {
				if err := applyAction(a, b); err != nil {
					return applied, fmt.Errorf("op=rules.apply rule=%s: %w: %w", rule.ID, domain.ErrRulesEval, err)
				}
			}
			applied = append(applied, rule.ID)
		}
	}
	return applied, nil
}

// Upsert validates and stores an API-managed rule, then invalidates every
// instance's snapshot.
func (e *Engine) Upsert(ctx context.Context, r domain.Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if e.repo == nil {
		return fmt.Errorf("op=rules.upsert: %w: no rule store configured", domain.ErrInternal)
	}
	if err := e.repo.Upsert(ctx, r); err != nil {
		return err
	}
	e.Invalidate(ctx)
	return nil
}

// Delete removes an API-managed rule by id. A seed rule shadowed by the
// deleted one becomes visible again on the next reload.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if e.repo == nil {
		return fmt.Errorf("op=rules.delete: %w: no rule store configured", domain.ErrInternal)
	}
	if err := e.repo.Delete(ctx, id); err != nil {
		return err
	}
	e.Invalidate(ctx)
	return nil
}

// Invalidate bumps the shared version so every instance reloads lazily on
// its next evaluation. Called by the admin API after a mutation.
func (e *Engine) Invalidate(ctx context.Context) {
	e.snapshot.Store(nil)
	if e.rdb == nil {
		return
	}
	if err := e.rdb.Incr(ctx, versionKey).Err(); err != nil {
		slog.Warn("rules version bump failed", slog.Any("error", err))
	}
}

func (e *Engine) currentSnapshot(ctx context.Context) (*ruleSnapshot, error) {
	version := e.sharedVersion(ctx)
	if snap := e.snapshot.Load(); snap != nil && snap.version == version {
		return snap, nil
	}
	snap, err := e.load(ctx, version)
	if err != nil {
		// A stale snapshot beats failing the pipeline on a rules-store blip.
		if old := e.snapshot.Load(); old != nil {
			slog.Warn("rules reload failed, keeping stale snapshot", slog.Any("error", err))
			return old, nil
		}
		return nil, err
	}
	e.snapshot.Store(snap)
	return snap, nil
}

func (e *Engine) sharedVersion(ctx context.Context) string {
	if e.rdb == nil {
		return ""
	}
	v, err := e.rdb.Get(ctx, versionKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("rules version read failed", slog.Any("error", err))
		}
		return ""
	}
	return v
}

func (e *Engine) load(ctx context.Context, version string) (*ruleSnapshot, error) {
	merged := make(map[string]domain.Rule, len(e.seed))
	for _, r := range e.seed {
		merged[r.ID] = r
	}
	if e.repo != nil {
		apiRules, err := e.repo.ListEnabled(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=rules.load: %w", err)
		}
		for _, r := range apiRules {
			merged[r.ID] = r
		}
	}

	bySet := make(map[domain.RuleType][]domain.Rule, 3)
	for _, r := range merged {
		if !r.Enabled {
			continue
		}
		bySet[r.RuleType] = append(bySet[r.RuleType], r)
	}
	for set := range bySet {
		rs := bySet[set]
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].Priority != rs[j].Priority {
				return rs[i].Priority < rs[j].Priority
			}
			return rs[i].ID < rs[j].ID
		})
	}
	return &ruleSnapshot{version: version, bySet: bySet}, nil
}

func matches(rule domain.Rule, req domain.TradeCaptureRequest, b *domain.SwapBlotter) (bool, error) {
	for _, c := range rule.Criteria {
		val, ok := fieldValue(c.Field, req, b)
		if !ok {
			return false, nil
		}
		hit, err := evalOperator(c.Operator, val, c.Value)
		if err != nil {
			return false, err
		}
		if !hit {
			return false, nil
		}
	}
	return true, nil
}

// fieldValue resolves a dotted criterion field against the request (read
// view) and the working blotter (fields produced by earlier rule sets).
func fieldValue(field string, req domain.TradeCaptureRequest, b *domain.SwapBlotter) (string, bool) {
	switch field {
	case "source":
		return string(req.Source), true
	case "accountId":
		return req.AccountID, true
	case "bookId":
		return req.BookID, true
	case "securityId":
		return req.SecurityID, true
	case "partitionKey":
		return req.PartitionKey(), true
	case "tradeLots.count":
		return strconv.Itoa(len(req.TradeLots)), true
	case "counterpartyIds.count":
		return strconv.Itoa(len(req.CounterpartyIDs)), true
	case "notional":
		var total float64
		for _, l := range req.TradeLots {
			total += l.Quantity * l.Price
		}
		return strconv.FormatFloat(total, 'f', -1, 64), true
	case "blotter.workflowStatus":
		return string(b.WorkflowStatus), true
	case "blotter.enrichmentStatus":
		return string(b.EnrichmentStatus), true
	case "blotter.taxonomy":
		return b.Contract.Taxonomy, true
	}
	if name, ok := strings.CutPrefix(field, "metadata."); ok {
		v, present := req.Metadata[name]
		return v, present
	}
	return "", false
}

func evalOperator(op, actual, expected string) (bool, error) {
	switch op {
	case "eq", "":
		return actual == expected, nil
	case "ne":
		return actual != expected, nil
	case "gt", "lt", "gte", "lte":
		a, err1 := strconv.ParseFloat(actual, 64)
		e, err2 := strconv.ParseFloat(expected, 64)
		if err1 != nil || err2 != nil {
			return false, fmt.Errorf("numeric operator %q on non-numeric values", op)
		}
		switch op {
		case "gt":
			return a > e, nil
		case "lt":
			return a < e, nil
		case "gte":
			return a >= e, nil
		default:
			return a <= e, nil
		}
	case "contains":
		return strings.Contains(actual, expected), nil
	case "in":
		for _, candidate := range strings.Split(expected, ",") {
			if strings.TrimSpace(candidate) == actual {
				return true, nil
			}
		}
		return false, nil
	case "regex":
		re, err := regexp.Compile(expected)
		if err != nil {
			return false, fmt.Errorf("bad regex %q: %w", expected, err)
		}
		return re.MatchString(actual), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// applyAction mutates the write view of the working blotter.
func applyAction(a domain.Action, b *domain.SwapBlotter) error {
	switch a.Target {
	case "workflowStatus":
		switch domain.WorkflowStatus(a.Value) {
		case domain.WorkflowApproved, domain.WorkflowPendingApproval, domain.WorkflowRejected:
			b.WorkflowStatus = domain.WorkflowStatus(a.Value)
			return nil
		}
		return fmt.Errorf("invalid workflowStatus %q", a.Value)
	case "taxonomy":
		b.Contract.Taxonomy = a.Value
		return nil
	case "payoutType":
		pt := domain.PayoutType(a.Value)
		if pt != domain.PayoutPerformance && pt != domain.PayoutInterest {
			return fmt.Errorf("invalid payoutType %q", a.Value)
		}
		for i := range b.Contract.EconomicTerms.Payouts {
			b.Contract.EconomicTerms.Payouts[i].Type = pt
		}
		return nil
	case "addIdentifier":
		b.Contract.Identifiers = append(b.Contract.Identifiers, a.Value)
		return nil
	default:
		if name, ok := strings.CutPrefix(a.Target, "metadata."); ok && name != "" {
			// Rule-produced annotations travel on the contract identifiers
			// namespace-free; metadata targets map onto identifier tags.
			b.Contract.Identifiers = append(b.Contract.Identifiers, name+"="+a.Value)
			return nil
		}
		return fmt.Errorf("unknown action target %q", a.Target)
	}
}
