package rules

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

type memRuleRepo struct {
	mu    sync.Mutex
	rules map[string]domain.Rule
}

func newMemRuleRepo() *memRuleRepo {
	return &memRuleRepo{rules: make(map[string]domain.Rule)}
}

func (r *memRuleRepo) Upsert(_ domain.Context, rule domain.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.ID] = rule
	return nil
}

func (r *memRuleRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.rules, id)
	return nil
}

func (r *memRuleRepo) ListEnabled(_ domain.Context) ([]domain.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	return out, nil
}

func ruleOf(id string, rt domain.RuleType, priority int, crit []domain.Criterion, actions []domain.Action) domain.Rule {
	return domain.Rule{ID: id, RuleType: rt, Priority: priority, Enabled: true, Criteria: crit, Actions: actions, Version: 1}
}

func manualReq() domain.TradeCaptureRequest {
	return domain.TradeCaptureRequest{
		TradeID:    "T-1",
		AccountID:  "ACC",
		BookID:     "BOOK",
		SecurityID: "SEC",
		Source:     domain.SourceManual,
		TradeLots:  []domain.TradeLot{{Quantity: 1000, Price: 101.5}},
	}
}

func TestApplySetOrderAndPriority(t *testing.T) {
	seed := []domain.Rule{
		ruleOf("w-approve", domain.RuleWorkflow, 1, nil,
			[]domain.Action{{Target: "workflowStatus", Value: "APPROVED"}}),
		ruleOf("e-taxonomy", domain.RuleEconomic, 5, nil,
			[]domain.Action{{Target: "taxonomy", Value: "InterestRate_IRSwap"}}),
		ruleOf("n-ident", domain.RuleNonEconomic, 1, nil,
			[]domain.Action{{Target: "addIdentifier", Value: "DESK:RATES"}}),
		ruleOf("e-aaa", domain.RuleEconomic, 5, nil,
			[]domain.Action{{Target: "addIdentifier", Value: "FIRST"}}),
		ruleOf("e-priority0", domain.RuleEconomic, 0, nil,
			[]domain.Action{{Target: "addIdentifier", Value: "ZERO"}}),
	}
	e := New(nil, nil, seed)

	b := &domain.SwapBlotter{}
	applied, err := e.Apply(context.Background(), manualReq(), b)
	require.NoError(t, err)

	// ECONOMIC first (priority asc, id tie-break), then NON_ECONOMIC, WORKFLOW.
	require.Equal(t, []string{"e-priority0", "e-aaa", "e-taxonomy", "n-ident", "w-approve"}, applied)
	require.Equal(t, "InterestRate_IRSwap", b.Contract.Taxonomy)
	require.Equal(t, domain.WorkflowApproved, b.WorkflowStatus)
	require.Equal(t, []string{"ZERO", "FIRST", "DESK:RATES"}, b.Contract.Identifiers)
}

func TestApplyCriteriaOperators(t *testing.T) {
	cases := []struct {
		name string
		crit domain.Criterion
		want bool
	}{
		{"eq hit", domain.Criterion{Field: "source", Operator: "eq", Value: "MANUAL"}, true},
		{"eq miss", domain.Criterion{Field: "source", Operator: "eq", Value: "AUTOMATED"}, false},
		{"default op is eq", domain.Criterion{Field: "accountId", Value: "ACC"}, true},
		{"ne", domain.Criterion{Field: "bookId", Operator: "ne", Value: "OTHER"}, true},
		{"gt notional", domain.Criterion{Field: "notional", Operator: "gt", Value: "100000"}, true},
		{"lt notional", domain.Criterion{Field: "notional", Operator: "lt", Value: "100000"}, false},
		{"gte lot count", domain.Criterion{Field: "tradeLots.count", Operator: "gte", Value: "1"}, true},
		{"lte lot count", domain.Criterion{Field: "tradeLots.count", Operator: "lte", Value: "0"}, false},
		{"contains", domain.Criterion{Field: "partitionKey", Operator: "contains", Value: "BOOK"}, true},
		{"in hit", domain.Criterion{Field: "securityId", Operator: "in", Value: "SEC, OTHER"}, true},
		{"in miss", domain.Criterion{Field: "securityId", Operator: "in", Value: "X,Y"}, false},
		{"regex miss", domain.Criterion{Field: "accountId", Operator: "regex", Value: "^AB+$"}, false},
		{"regex hit", domain.Criterion{Field: "accountId", Operator: "regex", Value: "^ACC$"}, true},
		{"unknown field never matches", domain.Criterion{Field: "nonsense", Value: "x"}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			seed := []domain.Rule{ruleOf("r", domain.RuleEconomic, 1,
				[]domain.Criterion{c.crit},
				[]domain.Action{{Target: "addIdentifier", Value: "HIT"}})}
			e := New(nil, nil, seed)

			b := &domain.SwapBlotter{}
			applied, err := e.Apply(context.Background(), manualReq(), b)
			require.NoError(t, err)
			require.Equal(t, c.want, len(applied) == 1)
		})
	}
}

func TestApplyMetadataCriterion(t *testing.T) {
	seed := []domain.Rule{ruleOf("m", domain.RuleWorkflow, 1,
		[]domain.Criterion{{Field: "metadata.desk", Operator: "eq", Value: "rates"}},
		[]domain.Action{{Target: "workflowStatus", Value: "PENDING_APPROVAL"}})}
	e := New(nil, nil, seed)

	req := manualReq()
	b := &domain.SwapBlotter{}
	applied, err := e.Apply(context.Background(), req, b)
	require.NoError(t, err)
	require.Empty(t, applied)

	req.Metadata = map[string]string{"desk": "rates"}
	applied, err = e.Apply(context.Background(), req, b)
	require.NoError(t, err)
	require.Equal(t, []string{"m"}, applied)
	require.Equal(t, domain.WorkflowPendingApproval, b.WorkflowStatus)
}

func TestApplyWorkflowSeesEarlierSets(t *testing.T) {
	seed := []domain.Rule{
		ruleOf("e-tax", domain.RuleEconomic, 1, nil,
			[]domain.Action{{Target: "taxonomy", Value: "Equity_Swap"}}),
		ruleOf("w-gate", domain.RuleWorkflow, 1,
			[]domain.Criterion{{Field: "blotter.taxonomy", Operator: "eq", Value: "Equity_Swap"}},
			[]domain.Action{{Target: "workflowStatus", Value: "PENDING_APPROVAL"}}),
	}
	e := New(nil, nil, seed)

	b := &domain.SwapBlotter{}
	applied, err := e.Apply(context.Background(), manualReq(), b)
	require.NoError(t, err)
	require.Equal(t, []string{"e-tax", "w-gate"}, applied)
}

func TestApplyRejectsBadAction(t *testing.T) {
	seed := []domain.Rule{ruleOf("bad", domain.RuleWorkflow, 1, nil,
		[]domain.Action{{Target: "workflowStatus", Value: "NOT_A_STATUS"}})}
	e := New(nil, nil, seed)

	b := &domain.SwapBlotter{}
	_, err := e.Apply(context.Background(), manualReq(), b)
	require.ErrorIs(t, err, domain.ErrRulesEval)
}

func TestUpsertShadowsSeedRule(t *testing.T) {
	seed := []domain.Rule{ruleOf("r-1", domain.RuleEconomic, 1, nil,
		[]domain.Action{{Target: "taxonomy", Value: "SeedValue"}})}
	repo := newMemRuleRepo()
	e := New(repo, nil, seed)

	b := &domain.SwapBlotter{}
	_, err := e.Apply(context.Background(), manualReq(), b)
	require.NoError(t, err)
	require.Equal(t, "SeedValue", b.Contract.Taxonomy)

	require.NoError(t, e.Upsert(context.Background(), ruleOf("r-1", domain.RuleEconomic, 1, nil,
		[]domain.Action{{Target: "taxonomy", Value: "ApiValue"}})))

	b = &domain.SwapBlotter{}
	_, err = e.Apply(context.Background(), manualReq(), b)
	require.NoError(t, err)
	require.Equal(t, "ApiValue", b.Contract.Taxonomy)

	// Deleting the API rule unshadows the seed on the next snapshot.
	require.NoError(t, e.Delete(context.Background(), "r-1"))
	b = &domain.SwapBlotter{}
	_, err = e.Apply(context.Background(), manualReq(), b)
	require.NoError(t, err)
	require.Equal(t, "SeedValue", b.Contract.Taxonomy)
}

func TestUpsertValidates(t *testing.T) {
	e := New(newMemRuleRepo(), nil, nil)
	err := e.Upsert(context.Background(), domain.Rule{ID: "", RuleType: domain.RuleEconomic})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestUpsertWithoutRepo(t *testing.T) {
	e := New(nil, nil, nil)
	err := e.Upsert(context.Background(), ruleOf("r", domain.RuleEconomic, 1, nil,
		[]domain.Action{{Target: "taxonomy", Value: "x"}}))
	require.ErrorIs(t, err, domain.ErrInternal)
}

func TestDisabledRulesSkipped(t *testing.T) {
	r := ruleOf("off", domain.RuleEconomic, 1, nil,
		[]domain.Action{{Target: "taxonomy", Value: "x"}})
	r.Enabled = false
	e := New(nil, nil, []domain.Rule{r})

	b := &domain.SwapBlotter{}
	applied, err := e.Apply(context.Background(), manualReq(), b)
	require.NoError(t, err)
	require.Empty(t, applied)
}
