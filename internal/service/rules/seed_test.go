package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

const seedYAML = `
rules:
  - id: high-notional-approval
    rule_type: WORKFLOW
    priority: 10
    enabled: true
    criteria:
      - field: notional
        operator: gt
        value: "1000000"
    actions:
      - target: workflowStatus
        value: PENDING_APPROVAL
  - id: default-taxonomy
    rule_type: ECONOMIC
    priority: 1
    enabled: true
    actions:
      - target: taxonomy
        value: InterestRate_IRSwap
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSeed(t *testing.T) {
	rules, err := LoadSeed(writeSeed(t, seedYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "high-notional-approval", rules[0].ID)
	require.Equal(t, domain.RuleWorkflow, rules[0].RuleType)
	require.Equal(t, "gt", rules[0].Criteria[0].Operator)
	require.Equal(t, domain.RuleEconomic, rules[1].RuleType)
}

func TestLoadSeedMissingPathIsNotAnError(t *testing.T) {
	rules, err := LoadSeed(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Nil(t, rules)

	rules, err = LoadSeed("")
	require.NoError(t, err)
	require.Nil(t, rules)
}

func TestLoadSeedRejectsInvalidRule(t *testing.T) {
	bad := `
rules:
  - id: no-actions
    rule_type: ECONOMIC
    enabled: true
`
	_, err := LoadSeed(writeSeed(t, bad))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLoadSeedRejectsMalformedYAML(t *testing.T) {
	_, err := LoadSeed(writeSeed(t, "rules: [::"))
	require.Error(t, err)
}

func TestValidateRule(t *testing.T) {
	t.Parallel()
	ok := domain.Rule{
		ID:       "r",
		RuleType: domain.RuleEconomic,
		Criteria: []domain.Criterion{{Field: "source", Operator: "eq", Value: "MANUAL"}},
		Actions:  []domain.Action{{Target: "taxonomy", Value: "x"}},
	}
	require.NoError(t, ValidateRule(ok))

	cases := []struct {
		name   string
		mutate func(*domain.Rule)
	}{
		{"missing id", func(r *domain.Rule) { r.ID = "" }},
		{"bad type", func(r *domain.Rule) { r.RuleType = "OTHER" }},
		{"no actions", func(r *domain.Rule) { r.Actions = nil }},
		{"criterion without field", func(r *domain.Rule) { r.Criteria[0].Field = "" }},
		{"unknown operator", func(r *domain.Rule) { r.Criteria[0].Operator = "like" }},
		{"action without target", func(r *domain.Rule) { r.Actions[0].Target = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := ok
			r.Criteria = append([]domain.Criterion(nil), ok.Criteria...)
			r.Actions = append([]domain.Action(nil), ok.Actions...)
			c.mutate(&r)
			require.ErrorIs(t, ValidateRule(r), domain.ErrInvalidArgument)
		})
	}
}
