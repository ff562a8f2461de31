package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

// BlotterRepo persists swap blotters. Blotters are write-once; the unique
// trade_id constraint rejects a second write for the same trade.
type BlotterRepo struct{ Pool PgxPool }

// NewBlotterRepo constructs a BlotterRepo with the given pool.
func NewBlotterRepo(p PgxPool) *BlotterRepo { return &BlotterRepo{Pool: p} }

// Create inserts a blotter and returns its id.
func (r *BlotterRepo) Create(ctx domain.Context, b domain.SwapBlotter) (string, error) {
	tracer := otel.Tracer("repo.blotters")
	ctx, span := tracer.Start(ctx, "blotters.Create")
	defer span.End()
	id := b.BlotterID
	if id == "" {
		id = uuid.New().String()
	}
	b.BlotterID = id
	blob, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("op=blotter.create: %w: %w", domain.ErrSerialization, err)
	}
	q := `INSERT INTO swap_blotters (id, trade_id, partition_key, blob, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, id, b.TradeID, b.PartitionKey, blob, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=blotter.create: %w", err)
	}
	return id, nil
}

// Get loads a blotter by id.
func (r *BlotterRepo) Get(ctx domain.Context, blotterID string) (domain.SwapBlotter, error) {
	tracer := otel.Tracer("repo.blotters")
	ctx, span := tracer.Start(ctx, "blotters.Get")
	defer span.End()
	return r.scanOne(r.Pool.QueryRow(ctx, `SELECT blob FROM swap_blotters WHERE id=$1`, blotterID), "blotter.get")
}

// GetByTradeID loads a blotter by trade id.
func (r *BlotterRepo) GetByTradeID(ctx domain.Context, tradeID string) (domain.SwapBlotter, error) {
	tracer := otel.Tracer("repo.blotters")
	ctx, span := tracer.Start(ctx, "blotters.GetByTradeID")
	defer span.End()
	return r.scanOne(r.Pool.QueryRow(ctx, `SELECT blob FROM swap_blotters WHERE trade_id=$1`, tradeID), "blotter.get_by_trade")
}

func (r *BlotterRepo) scanOne(row pgx.Row, op string) (domain.SwapBlotter, error) {
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SwapBlotter{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.SwapBlotter{}, fmt.Errorf("op=%s: %w", op, err)
	}
	var b domain.SwapBlotter
	if err := json.Unmarshal(blob, &b); err != nil {
		return domain.SwapBlotter{}, fmt.Errorf("op=%s: %w: %w", op, domain.ErrSerialization, err)
	}
	return b, nil
}

var _ domain.BlotterRepository = (*BlotterRepo)(nil)
