package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

// RuleRepo persists API-managed rules. Criteria and actions are stored as
// JSON columns; the row carries type/priority/enabled for listing.
type RuleRepo struct{ Pool PgxPool }

// NewRuleRepo constructs a RuleRepo with the given pool.
func NewRuleRepo(p PgxPool) *RuleRepo { return &RuleRepo{Pool: p} }

// Upsert inserts or replaces a rule by id, bumping its version.
func (r *RuleRepo) Upsert(ctx domain.Context, rule domain.Rule) error {
	tracer := otel.Tracer("repo.rules")
	ctx, span := tracer.Start(ctx, "rules.Upsert")
	defer span.End()
	criteria, err := json.Marshal(rule.Criteria)
	if err != nil {
		return fmt.Errorf("op=rules.upsert: %w: %w", domain.ErrSerialization, err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("op=rules.upsert: %w: %w", domain.ErrSerialization, err)
	}
	q := `INSERT INTO rules (id, rule_type, priority, enabled, criteria, actions, version, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,1,$7)
	      ON CONFLICT (id) DO UPDATE SET
	        rule_type=EXCLUDED.rule_type,
	        priority=EXCLUDED.priority,
	        enabled=EXCLUDED.enabled,
	        criteria=EXCLUDED.criteria,
	        actions=EXCLUDED.actions,
	        version=rules.version+1,
	        updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, rule.ID, rule.RuleType, rule.Priority, rule.Enabled, criteria, actions, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=rules.upsert: %w", err)
	}
	return nil
}

// Delete removes a rule by id.
func (r *RuleRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.rules")
	ctx, span := tracer.Start(ctx, "rules.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM rules WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=rules.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=rules.delete id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListEnabled returns all enabled rules.
func (r *RuleRepo) ListEnabled(ctx domain.Context) ([]domain.Rule, error) {
	tracer := otel.Tracer("repo.rules")
	ctx, span := tracer.Start(ctx, "rules.ListEnabled")
	defer span.End()
	q := `SELECT id, rule_type, priority, enabled, criteria, actions, version FROM rules WHERE enabled`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=rules.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Rule
	for rows.Next() {
		var rule domain.Rule
		var criteria, actions []byte
		if err := rows.Scan(&rule.ID, &rule.RuleType, &rule.Priority, &rule.Enabled, &criteria, &actions, &rule.Version); err != nil {
			return nil, fmt.Errorf("op=rules.list: %w", err)
		}
		if err := json.Unmarshal(criteria, &rule.Criteria); err != nil {
			return nil, fmt.Errorf("op=rules.list: %w: %w", domain.ErrSerialization, err)
		}
		if err := json.Unmarshal(actions, &rule.Actions); err != nil {
			return nil, fmt.Errorf("op=rules.list: %w: %w", domain.ErrSerialization, err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

var _ domain.RuleRepository = (*RuleRepo)(nil)
