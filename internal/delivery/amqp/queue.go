package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/queue"
)

var (
	_ queue.Queue    = (*Queue)(nil)
	_ queue.Preparer = (*Queue)(nil)
)

var (
	// ErrNotConnected is returned while the queue has no usable channel.
	ErrNotConnected = errors.New("amqp: not connected")

	// ErrUnknownReceipt is returned for receipts that are no longer held, either because
	// the channel they came from is gone or because they were requeued.
	ErrUnknownReceipt = errors.New("amqp: unknown receipt")
)

type heldDelivery struct {
	tag        uint64
	receivedAt time.Time
}

// Queue consumes a quorum queue with manual acknowledgements. Deliveries held for longer
// than the visibility timeout are requeued on the next poll.
type Queue struct {
	url        string
	topology   Topology
	prefetch   int
	visibility time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	conn       *amqplib.Connection
	channel    *amqplib.Channel
	deliveries <-chan amqplib.Delivery
	generation uint64
	held       map[string]heldDelivery
	reconnect  backoff.BackOff
	attempted  bool
}

// NewQueue creates an AMQP queue consumer. Nothing is dialled until Prepare or the first
// poll.
func NewQueue(url string, topology Topology, prefetch int, visibility time.Duration, logger *zap.Logger) *Queue {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = time.Second
	reconnect.MaxInterval = 30 * time.Second

	return &Queue{
		url:        url,
		topology:   topology,
		prefetch:   prefetch,
		visibility: visibility,
		logger:     logger,
		now:        time.Now,
		held:       make(map[string]heldDelivery),
		reconnect:  reconnect,
	}
}

// Prepare dials the broker, declares the topology and starts a manual-ack consumer.
func (q *Queue) Prepare(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connectLocked()
}

func (q *Queue) connectLocked() error {
	q.closeLocked()

	conn, err := amqplib.Dial(q.url)
	if err != nil {
		return fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp: channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp: qos: %w", err)
	}
	if err := q.topology.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	deliveries, err := ch.Consume(
		q.topology.Queue,
		"",    // broker-generated consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp: consume: %w", err)
	}

	q.conn = conn
	q.channel = ch
	q.deliveries = deliveries
	q.generation++
	q.reconnect.Reset()

	q.logger.Info("AMQP consumer connected",
		zap.String("queue", q.topology.Queue),
		zap.Int("prefetch", q.prefetch),
	)
	return nil
}

// ensureConnected reconnects a lost channel, waiting the reconnect backoff between attempts.
func (q *Queue) ensureConnected(ctx context.Context) error {
	q.mu.Lock()
	connected := q.channel != nil && q.conn != nil && !q.conn.IsClosed()
	attempted := q.attempted
	q.mu.Unlock()
	if connected {
		return nil
	}

	if attempted {
		delay := q.reconnect.NextBackOff()
		if delay == backoff.Stop {
			delay = 30 * time.Second
		}
		q.logger.Info("Reconnecting to RabbitMQ", zap.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempted = true
	return q.connectLocked()
}

// ReceiveBatch waits up to wait for the first delivery and then drains whatever is already
// buffered, up to max messages.
func (q *Queue) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if err := q.ensureConnected(ctx); err != nil {
		return nil, err
	}
	q.requeueExpired()

	q.mu.Lock()
	deliveries := q.deliveries
	gen := q.generation
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var msgs []queue.Message
	select {
	case <-ctx.Done():
		return nil, nil
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliveries:
		if !ok {
			q.markLost(gen)
			return nil, fmt.Errorf("amqp: receive: %w", ErrNotConnected)
		}
		msgs = append(msgs, q.hold(gen, d))
	}

	for len(msgs) < max {
		select {
		case d, ok := <-deliveries:
			if !ok {
				q.markLost(gen)
				return msgs, nil
			}
			msgs = append(msgs, q.hold(gen, d))
		default:
			return msgs, nil
		}
	}
	return msgs, nil
}

func (q *Queue) hold(gen uint64, d amqplib.Delivery) queue.Message {
	receipt := encodeReceipt(gen, d.DeliveryTag)

	q.mu.Lock()
	q.held[receipt] = heldDelivery{tag: d.DeliveryTag, receivedAt: q.now()}
	q.mu.Unlock()

	id := d.MessageId
	if id == "" {
		id = receipt
	}
	return queue.Message{
		ID:            id,
		Body:          d.Body,
		ReceiptHandle: receipt,
		ReceiveCount:  receiveCount(d),
	}
}

// requeueExpired returns deliveries held past the visibility timeout to the queue.
func (q *Queue) requeueExpired() {
	if q.visibility <= 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel == nil {
		return
	}

	deadline := q.now().Add(-q.visibility)
	for receipt, h := range q.held {
		if h.receivedAt.After(deadline) {
			continue
		}
		if err := q.channel.Nack(h.tag, false, true); err != nil {
			q.logger.Warn("Failed to requeue expired delivery", zap.String("receipt", receipt), zap.Error(err))
			continue
		}
		delete(q.held, receipt)
		q.logger.Info("Requeued delivery past visibility timeout", zap.String("receipt", receipt))
	}
}

// Delete acknowledges a delivery received from the current channel.
func (q *Queue) Delete(_ context.Context, receipt string) error {
	gen, tag, err := decodeReceipt(receipt)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.held[receipt]; !ok || gen != q.generation || q.channel == nil {
		return fmt.Errorf("%w: %s", ErrUnknownReceipt, receipt)
	}
	if err := q.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("amqp: ack %s: %w", receipt, err)
	}
	delete(q.held, receipt)
	return nil
}

// markLost drops the channel of generation gen so the next poll reconnects. Held receipts
// from that channel are void; the broker redelivers them.
func (q *Queue) markLost(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.generation {
		return
	}
	q.logger.Warn("AMQP delivery channel closed", zap.String("queue", q.topology.Queue))
	q.closeLocked()
}

func (q *Queue) closeLocked() {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
	q.channel = nil
	q.conn = nil
	q.deliveries = nil
	q.held = make(map[string]heldDelivery)
}

// Close shuts down the consumer. Unacknowledged deliveries are redelivered by the broker.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
	return nil
}

func encodeReceipt(gen, tag uint64) string {
	return strconv.FormatUint(gen, 10) + ":" + strconv.FormatUint(tag, 10)
}

func decodeReceipt(receipt string) (gen, tag uint64, err error) {
	g, t, ok := strings.Cut(receipt, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownReceipt, receipt)
	}
	if gen, err = strconv.ParseUint(g, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownReceipt, receipt)
	}
	if tag, err = strconv.ParseUint(t, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownReceipt, receipt)
	}
	return gen, tag, nil
}

// receiveCount prefers the quorum queue delivery counter over the redelivered flag.
func receiveCount(d amqplib.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
