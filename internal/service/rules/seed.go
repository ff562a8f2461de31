package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

type seedFile struct {
	Rules []domain.Rule `yaml:"rules"`
}

// LoadSeed reads the boot-time rule set from a yaml file. A missing path is
// not an error; the engine then runs on API-managed rules alone.
func LoadSeed(path string) ([]domain.Rule, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=rules.loadseed path=%s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=rules.loadseed path=%s: %w", path, err)
	}
	for i, r := range f.Rules {
		if err := ValidateRule(r); err != nil {
			return nil, fmt.Errorf("op=rules.loadseed path=%s rule[%d]: %w", path, i, err)
		}
	}
	return f.Rules, nil
}

// ValidateRule rejects rules the engine could not evaluate. Used by both the
// seed loader and the admin API before persisting.
func ValidateRule(r domain.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidArgument)
	}
	switch r.RuleType {
	case domain.RuleEconomic, domain.RuleNonEconomic, domain.RuleWorkflow:
	default:
		return fmt.Errorf("%w: unknown rule type %q", domain.ErrInvalidArgument, r.RuleType)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: rule %s has no actions", domain.ErrInvalidArgument, r.ID)
	}
	for _, c := range r.Criteria {
		if c.Field == "" {
			return fmt.Errorf("%w: rule %s has a criterion without a field", domain.ErrInvalidArgument, r.ID)
		}
		switch c.Operator {
		case "", "eq", "ne", "gt", "lt", "gte", "lte", "contains", "in", "regex":
		default:
			return fmt.Errorf("%w: rule %s uses unknown operator %q", domain.ErrInvalidArgument, r.ID, c.Operator)
		}
	}
	for _, a := range r.Actions {
		if a.Target == "" {
			return fmt.Errorf("%w: rule %s has an action without a target", domain.ErrInvalidArgument, r.ID)
		}
	}
	return nil
}
