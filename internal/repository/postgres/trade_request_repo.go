package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/repository"
)

var _ repository.TradeRequestRepository = (*pgTradeRequestRepo)(nil)

type pgTradeRequestRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresTradeRequestRepository creates a PostgreSQL-backed trade request repository.
func NewPostgresTradeRequestRepository(pool *pgxpool.Pool) repository.TradeRequestRepository {
	return &pgTradeRequestRepo{pool: pool}
}

// ClaimPending uses SKIP LOCKED so concurrent claimers never hand out the same request.
func (r *pgTradeRequestRepo) ClaimPending(ctx context.Context, task domain.Task, limit int) ([]domain.TradeRequest, error) {
	query := `
		UPDATE trade_requests
		SET status = 'dispatched', dispatched_at = now()
		WHERE id IN (
			SELECT id FROM trade_requests
			WHERE task = $1 AND status = 'pending'
			ORDER BY seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, seq, account, symbol, side, quantity, limit_price, created_at`

	rows, err := r.pool.Query(ctx, query, task, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim pending trades: %w", err)
	}
	defer rows.Close()

	var requests []domain.TradeRequest
	for rows.Next() {
		var (
			req        domain.TradeRequest
			limitPrice decimal.NullDecimal
		)
		if err := rows.Scan(&req.ID, &req.Seq, &req.Account, &req.Symbol, &req.Side, &req.Quantity, &limitPrice, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan trade request: %w", err)
		}
		if limitPrice.Valid {
			price := limitPrice.Decimal
			req.LimitPrice = &price
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: claim pending trades: %w", err)
	}

	sortBySubmission(requests)
	return requests, nil
}

// sortBySubmission restores insertion order. RETURNING does not keep the subquery order and
// created_at ties for requests inserted in one transaction.
func sortBySubmission(requests []domain.TradeRequest) {
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].Seq < requests[j].Seq
	})
}
