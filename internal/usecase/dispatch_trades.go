package usecase

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/queue"
	"github.com/Harsh-BH/tradeguard/internal/repository"
)

// TradeDispatcher is the job body of scheduled tasks: it hands the trade requests they
// produced to the execution queue.
type TradeDispatcher struct {
	requests  repository.TradeRequestRepository
	publisher queue.Publisher
	limit     int
	logger    *zap.Logger
}

// NewTradeDispatcher creates a TradeDispatcher that claims at most limit requests per run.
func NewTradeDispatcher(requests repository.TradeRequestRepository, publisher queue.Publisher, limit int, logger *zap.Logger) *TradeDispatcher {
	return &TradeDispatcher{
		requests:  requests,
		publisher: publisher,
		limit:     limit,
		logger:    logger,
	}
}

// DispatchPendingTrades claims pending requests of the run's task and publishes one batch
// per account. Requests keep their creation order inside a batch.
func (d *TradeDispatcher) DispatchPendingTrades(ctx context.Context, run *domain.Run) error {
	pending, err := d.requests.ClaimPending(ctx, run.Task, d.limit)
	if err != nil {
		return fmt.Errorf("claim pending trades: %w", err)
	}
	if len(pending) == 0 {
		d.logger.Debug("No pending trades", zap.String("task", run.Task.String()))
		return nil
	}

	batches := groupByAccount(pending)
	for _, b := range batches {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate batch id: %w", err)
		}
		batch := domain.TradeBatch{
			BatchID:   id,
			Task:      run.Task,
			Account:   b.account,
			Requests:  b.requests,
			CreatedAt: time.Now().UTC(),
		}

		body, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("marshal trade batch: %w", err)
		}
		if err := d.publisher.Publish(ctx, batch.BatchID.String(), body); err != nil {
			return fmt.Errorf("publish trade batch %s: %w", batch.BatchID, err)
		}

		d.logger.Info("Trade batch enqueued",
			zap.String("task", run.Task.String()),
			zap.String("run_id", run.ID.String()),
			zap.String("batch_id", batch.BatchID.String()),
			zap.String("account", b.account),
			zap.Int("requests", len(b.requests)),
		)
	}
	return nil
}

type accountBatch struct {
	account  string
	requests []domain.TradeRequest
}

// groupByAccount keeps accounts in order of first appearance.
func groupByAccount(requests []domain.TradeRequest) []accountBatch {
	index := make(map[string]int)
	var out []accountBatch
	for _, r := range requests {
		i, ok := index[r.Account]
		if !ok {
			i = len(out)
			index[r.Account] = i
			out = append(out, accountBatch{account: r.Account})
		}
		out[i].requests = append(out[i].requests, r)
	}
	return out
}
