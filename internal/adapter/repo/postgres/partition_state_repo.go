package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

// PartitionStateRepo persists per-partition position state with an
// optimistic version guard.
type PartitionStateRepo struct{ Pool PgxPool }

// NewPartitionStateRepo constructs a PartitionStateRepo with the given pool.
func NewPartitionStateRepo(p PgxPool) *PartitionStateRepo { return &PartitionStateRepo{Pool: p} }

// Get loads the state for a partition key; a missing row returns a zero
// state with version 0 (new partition).
func (r *PartitionStateRepo) Get(ctx domain.Context, partitionKey string) (domain.PartitionState, error) {
	tracer := otel.Tracer("repo.partition_state")
	ctx, span := tracer.Start(ctx, "partition_state.Get")
	defer span.End()
	q := `SELECT partition_key, position_state, state_blob, last_sequence, version, updated_at
	      FROM partition_states WHERE partition_key=$1`
	row := r.Pool.QueryRow(ctx, q, partitionKey)
	var st domain.PartitionState
	if err := row.Scan(&st.PartitionKey, &st.PositionState, &st.StateBlob, &st.LastSequence, &st.Version, &st.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PartitionState{PartitionKey: partitionKey, PositionState: domain.PositionNone}, nil
		}
		return domain.PartitionState{}, fmt.Errorf("op=partition_state.get: %w", err)
	}
	return st, nil
}

// Transition validates from->to against the position DAG and writes the new
// state with version=expectedVersion+1 under an optimistic guard. Zero rows
// affected means the stored version moved: ErrVersionConflict (transient,
// caller retries). An edge outside the DAG is ErrIllegalTransition
// (terminal).
func (r *PartitionStateRepo) Transition(ctx domain.Context, partitionKey string, to domain.PositionState, blob []byte, lastSeq, expectedVersion int64) (int64, error) {
	tracer := otel.Tracer("repo.partition_state")
	ctx, span := tracer.Start(ctx, "partition_state.Transition")
	defer span.End()

	cur, err := r.Get(ctx, partitionKey)
	if err != nil {
		return 0, err
	}
	if cur.Version != expectedVersion {
		return 0, fmt.Errorf("op=partition_state.transition key=%s expected=%d actual=%d: %w",
			partitionKey, expectedVersion, cur.Version, domain.ErrVersionConflict)
	}
	if !domain.AllowedTransition(cur.PositionState, to) {
		return 0, fmt.Errorf("op=partition_state.transition key=%s %s->%s: %w",
			partitionKey, cur.PositionState, to, domain.ErrIllegalTransition)
	}

	now := time.Now().UTC()
	newVersion := expectedVersion + 1
	if expectedVersion == 0 {
		q := `INSERT INTO partition_states (partition_key, position_state, state_blob, last_sequence, version, updated_at)
		      VALUES ($1,$2,$3,$4,$5,$6)
		      ON CONFLICT (partition_key) DO NOTHING`
		tag, err := r.Pool.Exec(ctx, q, partitionKey, to, blob, lastSeq, newVersion, now)
		if err != nil {
			return 0, fmt.Errorf("op=partition_state.transition: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, fmt.Errorf("op=partition_state.transition key=%s: %w", partitionKey, domain.ErrVersionConflict)
		}
		return newVersion, nil
	}

	q := `UPDATE partition_states SET position_state=$2, state_blob=$3, last_sequence=$4, version=$5, updated_at=$6
	      WHERE partition_key=$1 AND version=$7`
	tag, err := r.Pool.Exec(ctx, q, partitionKey, to, blob, lastSeq, newVersion, now, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("op=partition_state.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("op=partition_state.transition key=%s: %w", partitionKey, domain.ErrVersionConflict)
	}
	return newVersion, nil
}

var _ domain.PartitionStateRepository = (*PartitionStateRepo)(nil)
