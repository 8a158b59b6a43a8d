package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeSide is the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// IsValid checks if the side is supported.
func (s TradeSide) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// TradeRequest is a single trade instruction produced by a scheduled job. Seq is the
// insertion sequence and orders requests that share CreatedAt.
type TradeRequest struct {
	ID         uuid.UUID        `json:"id"`
	Seq        int64            `json:"seq"`
	Account    string           `json:"account"`
	Symbol     string           `json:"symbol"`
	Side       TradeSide        `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// TradeStatusRejected marks a request the broker refused. It is final: the request is not
// submitted again.
const TradeStatusRejected = "rejected"

// TradeResult is the broker's answer to an executed TradeRequest.
type TradeResult struct {
	OrderID        string          `json:"order_id"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// Rejected reports whether the broker refused the trade.
func (r TradeResult) Rejected() bool {
	return r.Status == TradeStatusRejected
}

// TradeBatch is the queue payload: an ordered list of requests for one account.
type TradeBatch struct {
	BatchID   uuid.UUID      `json:"batch_id"`
	Task      Task           `json:"task"`
	Account   string         `json:"account"`
	Requests  []TradeRequest `json:"requests"`
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks the batch is well formed before any trade is attempted.
func (b *TradeBatch) Validate() error {
	if b.BatchID == uuid.Nil {
		return ErrInvalidBatch
	}
	for _, r := range b.Requests {
		if r.ID == uuid.Nil || r.Symbol == "" || !r.Side.IsValid() || !r.Quantity.IsPositive() {
			return ErrInvalidBatch
		}
	}
	return nil
}

// ExecutionRecord pairs a request with its execution result.
type ExecutionRecord struct {
	Request TradeRequest `json:"request"`
	Trade   TradeResult  `json:"trade"`
}
