// Package broker submits trades to the order-routing service.
package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
)

// maxErrorBody caps how much of an error response is kept for the error message.
const maxErrorBody = 4 << 10

// Client talks to the broker's HTTP JSON API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a broker client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type orderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Account       string           `json:"account"`
	Symbol        string           `json:"symbol"`
	Side          domain.TradeSide `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
}

type orderResponse struct {
	OrderID        string          `json:"order_id"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Execute places one order. The request ID is sent as the idempotency key so a retried
// submission of the same request is not filled twice. A 4xx answer wraps
// domain.ErrBrokerRejected; other failures are transport errors.
func (c *Client) Execute(ctx context.Context, req domain.TradeRequest) (*domain.TradeResult, error) {
	body, err := json.Marshal(orderRequest{
		ClientOrderID: req.ID.String(),
		Account:       req.Account,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ID.String())

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("broker: place order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := string(raw)
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		if resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %s (status %d)", domain.ErrBrokerRejected, msg, resp.StatusCode)
		}
		return nil, fmt.Errorf("broker: place order: status %d: %s", resp.StatusCode, msg)
	}

	var out orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("broker: decode response: %w", err)
	}

	c.logger.Info("Order placed",
		zap.String("request_id", req.ID.String()),
		zap.String("order_id", out.OrderID),
		zap.String("symbol", req.Symbol),
		zap.String("status", out.Status),
		zap.Duration("latency", time.Since(start)),
	)

	executedAt := out.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	return &domain.TradeResult{
		OrderID:        out.OrderID,
		Status:         out.Status,
		FilledQuantity: out.FilledQuantity,
		AveragePrice:   out.AveragePrice,
		ExecutedAt:     executedAt,
	}, nil
}
