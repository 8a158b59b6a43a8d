// Package pool runs a batch of items on a bounded set of goroutines.
package pool

import (
	"context"
	"errors"
	"fmt"

	concpool "github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/metrics"
)

// ErrPanic is wrapped by the error reported for an item whose handler panicked.
var ErrPanic = errors.New("handler panic")

// WorkerPool bounds how many items of a batch are handled at once.
type WorkerPool struct {
	size   int
	logger *zap.Logger
}

// NewWorkerPool creates a pool that handles at most size items concurrently.
// A size below one means one goroutine per item.
func NewWorkerPool(size int, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{size: size, logger: logger}
}

// Each calls fn for every item and blocks until all calls returned. The returned slice is
// index-aligned with items; a nil entry means fn succeeded. A panicking fn is recovered and
// reported as an error wrapping ErrPanic, so its siblings keep running.
func Each[T any](ctx context.Context, p *WorkerPool, items []T, fn func(context.Context, T) error) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}

	limit := p.size
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	workers := concpool.New().WithMaxGoroutines(limit)
	for i, item := range items {
		workers.Go(func() {
			metrics.HandlersActive.Inc()
			defer metrics.HandlersActive.Dec()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Handler panic recovered",
						zap.Int("index", i),
						zap.Any("panic", r),
					)
					errs[i] = fmt.Errorf("%w: %v", ErrPanic, r)
				}
			}()

			errs[i] = fn(ctx, item)
		})
	}
	workers.Wait()

	return errs
}
