package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/repository"
)

var _ repository.ExecutionRepository = (*pgExecutionRepo)(nil)

type pgExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresExecutionRepository creates a PostgreSQL-backed execution repository.
func NewPostgresExecutionRepository(pool *pgxpool.Pool) repository.ExecutionRepository {
	return &pgExecutionRepo{pool: pool}
}

// Record is idempotent per request so replayed executions can be recorded again.
func (r *pgExecutionRepo) Record(ctx context.Context, batchID uuid.UUID, rec domain.ExecutionRecord) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		insert := `
			INSERT INTO trade_executions (request_id, batch_id, order_id, status, reason, filled_quantity, average_price, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (request_id) DO NOTHING`
		_, err := tx.Exec(ctx, insert,
			rec.Request.ID, batchID, rec.Trade.OrderID, rec.Trade.Status, rec.Trade.Reason,
			rec.Trade.FilledQuantity, rec.Trade.AveragePrice, rec.Trade.ExecutedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: record execution: %w", err)
		}

		update := `UPDATE trade_requests SET status = $2 WHERE id = $1`
		if _, err := tx.Exec(ctx, update, rec.Request.ID, requestStatus(rec.Trade)); err != nil {
			return fmt.Errorf("postgres: mark request %s: %w", requestStatus(rec.Trade), err)
		}
		return nil
	})
}

func requestStatus(trade domain.TradeResult) string {
	if trade.Rejected() {
		return domain.TradeStatusRejected
	}
	return "executed"
}
