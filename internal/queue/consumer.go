package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/metrics"
	"github.com/Harsh-BH/tradeguard/internal/pool"
)

// ErrConsumerPanic wraps a panic recovered from the consume loop.
var ErrConsumerPanic = errors.New("queue: consume loop panic")

const (
	DefaultMaxMessages    = 10
	DefaultWaitTime       = 20 * time.Second
	DefaultRestartDelay   = 5 * time.Second
	DefaultPollErrorDelay = time.Second
)

// Options tunes the consumer. Zero values fall back to the defaults.
type Options struct {
	MaxMessages int
	WaitTime    time.Duration

	// RestartBackoff is consulted after the consume loop failed. Defaults to a constant
	// DefaultRestartDelay.
	RestartBackoff backoff.BackOff

	// PollErrorDelay is slept after a failed poll. Negative disables the delay.
	PollErrorDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.WaitTime <= 0 {
		o.WaitTime = DefaultWaitTime
	}
	if o.RestartBackoff == nil {
		o.RestartBackoff = backoff.NewConstantBackOff(DefaultRestartDelay)
	}
	if o.PollErrorDelay == 0 {
		o.PollErrorDelay = DefaultPollErrorDelay
	}
	return o
}

// Consumer drains a Queue forever, handing every batch to a Handler.
type Consumer struct {
	queue   Queue
	handler Handler
	workers *pool.WorkerPool
	opts    Options
	logger  *zap.Logger
}

// NewConsumer creates a consumer. Messages of one batch are handled concurrently on workers.
func NewConsumer(q Queue, h Handler, workers *pool.WorkerPool, opts Options, logger *zap.Logger) *Consumer {
	return &Consumer{
		queue:   q,
		handler: h,
		workers: workers,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

// Run supervises the consume loop. When the loop fails it is restarted after the restart
// backoff. Run only returns once ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Queue consumer started",
		zap.Int("max_messages", c.opts.MaxMessages),
		zap.Duration("wait_time", c.opts.WaitTime),
	)

	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			c.logger.Info("Queue consumer stopped")
			return nil
		}

		delay := c.opts.RestartBackoff.NextBackOff()
		if delay == backoff.Stop {
			delay = DefaultRestartDelay
		}
		metrics.ConsumerRestarts.Inc()
		c.logger.Error("Consume loop failed, restarting",
			zap.Error(err),
			zap.Duration("delay", delay),
		)

		if !sleep(ctx, delay) {
			c.logger.Info("Queue consumer stopped")
			return nil
		}
	}
}

// consume prepares the queue and polls until ctx is done. It returns a non-nil error only
// when the loop cannot go on.
func (c *Consumer) consume(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrConsumerPanic, r)
		}
	}()

	if p, ok := c.queue.(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			return fmt.Errorf("queue: prepare: %w", err)
		}
	}
	c.opts.RestartBackoff.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.queue.ReceiveBatch(ctx, c.opts.MaxMessages, c.opts.WaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.QueuePolls.WithLabelValues("error").Inc()
			c.logger.Warn("Queue poll failed", zap.Error(err))
			if c.opts.PollErrorDelay > 0 && !sleep(ctx, c.opts.PollErrorDelay) {
				return nil
			}
			continue
		}

		if len(msgs) == 0 {
			metrics.QueuePolls.WithLabelValues("empty").Inc()
			continue
		}
		metrics.QueuePolls.WithLabelValues("messages").Inc()

		c.handleBatch(ctx, msgs)
	}
}

// handleBatch blocks until every message of the batch was handled.
func (c *Consumer) handleBatch(ctx context.Context, msgs []Message) {
	errs := pool.Each(ctx, c.workers, msgs, c.handler.Handle)

	for i, err := range errs {
		if err != nil {
			metrics.MessagesHandled.WithLabelValues("error").Inc()
			c.logger.Error("Message handling failed",
				zap.String("message_id", msgs[i].ID),
				zap.Int("receive_count", msgs[i].ReceiveCount),
				zap.Error(err),
			)
			continue
		}
		metrics.MessagesHandled.WithLabelValues("success").Inc()
	}
}

// sleep waits for d and reports false when ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
