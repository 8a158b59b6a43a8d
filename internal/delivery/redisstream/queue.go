// Package redisstream implements the queue protocol on a Redis Stream consumer group.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/queue"
)

var (
	_ queue.Queue     = (*Queue)(nil)
	_ queue.Preparer  = (*Queue)(nil)
	_ queue.Publisher = (*Queue)(nil)
)

const (
	fieldID   = "id"
	fieldBody = "body"
)

// Queue is a stream consumer. Pending entries idle for longer than the visibility timeout
// are claimed again by the next poll of any consumer in the group.
type Queue struct {
	client     *goredis.Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration
	limit      int
	logger     *zap.Logger
}

// NewQueue creates a stream queue. consumer must be unique per process.
func NewQueue(client *goredis.Client, stream, group, consumer string, visibility time.Duration, logger *zap.Logger) *Queue {
	return &Queue{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		visibility: visibility,
		logger:     logger,
	}
}

// Prepare creates the stream and the consumer group if they do not exist yet.
func (q *Queue) Prepare(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisstream: create group: %w", err)
	}
	q.logger.Info("Stream consumer group ready",
		zap.String("stream", q.stream),
		zap.String("group", q.group),
		zap.String("consumer", q.consumer),
	)
	return nil
}

// ReceiveBatch first reclaims deliveries whose visibility timeout elapsed, then blocks for
// new entries.
func (q *Queue) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	claimed, err := q.reclaim(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    wait,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstream: read group: %w", err)
	}

	var msgs []queue.Message
	for _, s := range streams {
		for _, entry := range s.Messages {
			msgs = append(msgs, toMessage(entry, 1))
		}
	}
	return msgs, nil
}

// WithDeliveryLimit parks entries delivered more than limit times on the "<stream>.dlq"
// stream instead of handing them out again. Zero disables it.
func (q *Queue) WithDeliveryLimit(limit int) *Queue {
	q.limit = limit
	return q
}

// DeadLetterStream names the stream parked entries are moved to.
func (q *Queue) DeadLetterStream() string {
	return q.stream + ".dlq"
}

func (q *Queue) reclaim(ctx context.Context, max int) ([]queue.Message, error) {
	entries, _, err := q.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redisstream: autoclaim: %w", err)
	}

	msgs := make([]queue.Message, 0, len(entries))
	for _, entry := range entries {
		msg := toMessage(entry, q.deliveries(ctx, entry.ID))
		if q.limit > 0 && msg.ReceiveCount > q.limit {
			if err := q.park(ctx, entry, msg.ReceiveCount); err != nil {
				return nil, err
			}
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) > 0 {
		q.logger.Info("Reclaimed stale deliveries", zap.Int("count", len(msgs)))
	}
	return msgs, nil
}

// park moves an entry to the dead letter stream and acknowledges it.
func (q *Queue) park(ctx context.Context, entry goredis.XMessage, deliveries int) error {
	values := make(map[string]interface{}, len(entry.Values)+1)
	for k, v := range entry.Values {
		values[k] = v
	}
	values["deliveries"] = deliveries

	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAdd(ctx, &goredis.XAddArgs{Stream: q.DeadLetterStream(), Values: values})
		pipe.XAck(ctx, q.stream, q.group, entry.ID)
		pipe.XDel(ctx, q.stream, entry.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstream: park %s: %w", entry.ID, err)
	}
	q.logger.Warn("Delivery limit reached, entry parked",
		zap.String("entry_id", entry.ID),
		zap.Int("deliveries", deliveries),
		zap.String("dead_letter_stream", q.DeadLetterStream()),
	)
	return nil
}

// deliveries returns how often an entry was delivered. Lookup failures only affect logging,
// so they fall back to 2 (a reclaimed entry was delivered at least twice).
func (q *Queue) deliveries(ctx context.Context, id string) int {
	pending, err := q.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	return int(pending[0].RetryCount)
}

func toMessage(entry goredis.XMessage, receiveCount int) queue.Message {
	msg := queue.Message{ReceiptHandle: entry.ID, ReceiveCount: receiveCount}
	if v, ok := entry.Values[fieldID].(string); ok {
		msg.ID = v
	} else {
		msg.ID = entry.ID
	}
	if v, ok := entry.Values[fieldBody].(string); ok {
		msg.Body = []byte(v)
	}
	return msg
}

// Delete acknowledges and removes the entry.
func (q *Queue) Delete(ctx context.Context, receipt string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAck(ctx, q.stream, q.group, receipt)
		pipe.XDel(ctx, q.stream, receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstream: delete %s: %w", receipt, err)
	}
	return nil
}

// Publish appends a message to the stream.
func (q *Queue) Publish(ctx context.Context, id string, body []byte) error {
	entryID, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			fieldID:   id,
			fieldBody: body,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redisstream: publish: %w", err)
	}
	q.logger.Debug("Message published",
		zap.String("stream", q.stream),
		zap.String("message_id", id),
		zap.String("entry_id", entryID),
	)
	return nil
}
