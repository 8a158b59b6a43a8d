package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/executor"
	"github.com/Harsh-BH/tradeguard/internal/lock"
	"github.com/Harsh-BH/tradeguard/internal/metrics"
	"github.com/Harsh-BH/tradeguard/internal/queue"
	"github.com/Harsh-BH/tradeguard/internal/repository"
)

var _ queue.Handler = (*TradeBatchHandler)(nil)

// DefaultTradeLockWait bounds how long a batch waits for a busy trade lock.
const DefaultTradeLockWait = 20 * time.Second

// Broker places a single trade.
type Broker interface {
	Execute(ctx context.Context, req domain.TradeRequest) (*domain.TradeResult, error)
}

// TradeLockPolicy controls how a batch takes the trade execution lock.
type TradeLockPolicy struct {
	TTL time.Duration

	// Wait bounds how long a batch retries a busy lock before it is handed back to the
	// queue. Keep it below the queue's visibility timeout.
	Wait time.Duration

	// Compatible lists the resources that may stay locked while trades execute.
	Compatible []string

	// NewBackOff paces the retries while waiting. Defaults to an exponential backoff.
	NewBackOff func() backoff.BackOff
}

func defaultLockBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// TradeBatchHandler executes queued trade batches under the trade execution lock.
type TradeBatchHandler struct {
	locks      *lock.Manager
	queue      queue.Queue
	requeue    queue.Publisher
	broker     Broker
	ledger     repository.ExecutionLedger
	executions repository.ExecutionRepository
	policy     TradeLockPolicy
	logger     *zap.Logger
}

// NewTradeBatchHandler creates a TradeBatchHandler. requeue publishes to the queue q consumes
// from; batches that cannot get the lock in time go back through it.
func NewTradeBatchHandler(
	locks *lock.Manager,
	q queue.Queue,
	requeue queue.Publisher,
	broker Broker,
	ledger repository.ExecutionLedger,
	executions repository.ExecutionRepository,
	policy TradeLockPolicy,
	logger *zap.Logger,
) *TradeBatchHandler {
	if policy.NewBackOff == nil {
		policy.NewBackOff = defaultLockBackOff
	}
	if policy.Wait < 0 {
		policy.Wait = 0
	}
	return &TradeBatchHandler{
		locks:      locks,
		queue:      q,
		requeue:    requeue,
		broker:     broker,
		ledger:     ledger,
		executions: executions,
		policy:     policy,
		logger:     logger,
	}
}

// Handle executes one batch. The message is acknowledged only after every request in it
// was executed or finally rejected; otherwise it stays on the queue and is redelivered.
// A batch that cannot get the lock is re-enqueued and acknowledged, so lock contention
// never uses up delivery attempts.
func (h *TradeBatchHandler) Handle(ctx context.Context, msg queue.Message) error {
	start := time.Now()

	var batch domain.TradeBatch
	if err := decodeBatch(msg, &batch); err != nil {
		// Poison messages would be redelivered forever.
		h.logger.Error("Dropping malformed trade batch",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		metrics.BatchDuration.WithLabelValues("invalid").Observe(time.Since(start).Seconds())
		return h.ack(ctx, msg)
	}

	if len(batch.Requests) == 0 {
		return h.ack(ctx, msg)
	}

	resource := domain.TaskTradeExecution.String()
	res, err := h.acquire(ctx, resource)
	if err != nil {
		return err
	}
	if !res.Acquired {
		return h.handBack(ctx, msg, &batch, start)
	}
	defer h.release(resource, res.Owner)

	pairs, err := executor.ExecuteSequentially(ctx, batch.Requests, h.execFunc(batch.BatchID),
		h.locks.Guard(resource, res.Owner, h.policy.TTL))
	if err != nil {
		result := "aborted"
		if errors.Is(err, domain.ErrLockLost) {
			result = "lock_lost"
			h.logger.Warn("Trade lock lost mid-batch",
				zap.String("batch_id", batch.BatchID.String()),
				zap.Int("executed", len(pairs)),
				zap.Int("total", len(batch.Requests)),
			)
		}
		metrics.BatchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
		return fmt.Errorf("batch %s: executed %d of %d: %w", batch.BatchID, len(pairs), len(batch.Requests), err)
	}

	rejected := 0
	for _, p := range pairs {
		if p.Trade.Rejected() {
			rejected++
		}
	}
	metrics.BatchDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	h.logger.Info("Trade batch executed",
		zap.String("batch_id", batch.BatchID.String()),
		zap.String("account", batch.Account),
		zap.Int("trades", len(pairs)),
		zap.Int("rejected", rejected),
		zap.Duration("duration", time.Since(start)),
	)
	return h.ack(ctx, msg)
}

// acquire retries a busy lock until the policy's wait is used up.
func (h *TradeBatchHandler) acquire(ctx context.Context, resource string) (domain.LockResult, error) {
	deadline := time.Now().Add(h.policy.Wait)
	retry := h.policy.NewBackOff()
	for {
		res, err := h.locks.Acquire(ctx, resource, h.policy.TTL, h.policy.Compatible)
		if err != nil || res.Acquired {
			return res, err
		}

		delay := retry.NextBackOff()
		if delay == backoff.Stop || time.Now().Add(delay).After(deadline) {
			return res, nil
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		case <-t.C:
		}
	}
}

// handBack publishes the batch again and acknowledges this delivery. If the publish fails
// the delivery is kept and comes back after its visibility timeout.
func (h *TradeBatchHandler) handBack(ctx context.Context, msg queue.Message, batch *domain.TradeBatch, start time.Time) error {
	if err := h.requeue.Publish(ctx, msg.ID, msg.Body); err != nil {
		metrics.BatchDuration.WithLabelValues("busy").Observe(time.Since(start).Seconds())
		return fmt.Errorf("batch %s: %w: re-enqueue: %w", batch.BatchID, domain.ErrLockBusy, err)
	}
	metrics.BatchDuration.WithLabelValues("requeued").Observe(time.Since(start).Seconds())
	h.logger.Info("Trade lock busy, batch re-enqueued",
		zap.String("batch_id", batch.BatchID.String()),
		zap.String("account", batch.Account),
		zap.Duration("waited", time.Since(start)),
	)
	return h.ack(ctx, msg)
}

func decodeBatch(msg queue.Message, batch *domain.TradeBatch) error {
	if err := json.Unmarshal(msg.Body, batch); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidBatch, err)
	}
	return batch.Validate()
}

// execFunc executes a request unless the ledger already holds its result, so a redelivered
// batch resumes after the last settled trade. A broker rejection settles the trade too.
func (h *TradeBatchHandler) execFunc(batchID uuid.UUID) executor.ExecFunc[domain.TradeRequest, domain.TradeResult] {
	return func(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
		result, seen, err := h.ledger.Lookup(ctx, req.ID)
		if err != nil {
			return domain.TradeResult{}, err
		}

		if seen {
			metrics.TradesExecuted.WithLabelValues("replayed").Inc()
			h.logger.Info("Trade already settled, reusing result",
				zap.String("request_id", req.ID.String()),
				zap.String("order_id", result.OrderID),
				zap.String("status", result.Status),
			)
		} else {
			result, err = h.broker.Execute(ctx, req)
			switch {
			case errors.Is(err, domain.ErrBrokerRejected):
				metrics.TradesExecuted.WithLabelValues("rejected").Inc()
				h.logger.Warn("Trade rejected by broker",
					zap.String("request_id", req.ID.String()),
					zap.String("account", req.Account),
					zap.String("symbol", req.Symbol),
					zap.Error(err),
				)
				result = &domain.TradeResult{
					Status:     domain.TradeStatusRejected,
					Reason:     err.Error(),
					ExecutedAt: time.Now().UTC(),
				}
			case err != nil:
				metrics.TradesExecuted.WithLabelValues("error").Inc()
				return domain.TradeResult{}, err
			default:
				metrics.TradesExecuted.WithLabelValues("success").Inc()
			}
			if err := h.ledger.Remember(ctx, req.ID, result); err != nil {
				return *result, err
			}
		}

		if err := h.executions.Record(ctx, batchID, domain.ExecutionRecord{Request: req, Trade: *result}); err != nil {
			return *result, err
		}
		return *result, nil
	}
}

func (h *TradeBatchHandler) ack(ctx context.Context, msg queue.Message) error {
	if err := h.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		return fmt.Errorf("ack message %s: %w", msg.ID, err)
	}
	return nil
}

func (h *TradeBatchHandler) release(resource, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if _, err := h.locks.Release(ctx, resource, owner); err != nil {
		h.logger.Error("Failed to release trade lock", zap.Error(err))
	}
}
