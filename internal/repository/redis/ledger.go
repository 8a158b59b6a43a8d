package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/repository"
)

var _ repository.ExecutionLedger = (*redisLedger)(nil)

const ledgerKeyPrefix = "tradeguard:executed:"

type redisLedger struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewRedisExecutionLedger creates a ledger that keeps executed trade results for ttl.
func NewRedisExecutionLedger(client *goredis.Client, ttl time.Duration) repository.ExecutionLedger {
	return &redisLedger{client: client, ttl: ttl}
}

func (r *redisLedger) Lookup(ctx context.Context, requestID uuid.UUID) (*domain.TradeResult, bool, error) {
	data, err := r.client.Get(ctx, ledgerKeyPrefix+requestID.String()).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: ledger lookup: %w", err)
	}

	var result domain.TradeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("redis: ledger decode: %w", err)
	}
	return &result, true, nil
}

// Remember uses SETNX so the first recorded result for a request wins.
func (r *redisLedger) Remember(ctx context.Context, requestID uuid.UUID, result *domain.TradeResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("redis: ledger encode: %w", err)
	}
	if err := r.client.SetNX(ctx, ledgerKeyPrefix+requestID.String(), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis: ledger remember: %w", err)
	}
	return nil
}
