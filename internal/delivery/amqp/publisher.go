package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/queue"
)

var _ queue.Publisher = (*Publisher)(nil)

const publishTimeout = 5 * time.Second

// Publisher publishes persistent messages with broker confirms.
type Publisher struct {
	url      string
	topology Topology
	logger   *zap.Logger

	mu      sync.RWMutex
	conn    *amqplib.Connection
	channel *amqplib.Channel
	closed  bool

	// publishMu serialises publishes so each confirm matches its message.
	publishMu sync.Mutex
}

// NewPublisher dials RabbitMQ, declares the topology and starts watching the connection.
func NewPublisher(url string, topology Topology, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		url:      url,
		topology: topology,
		logger:   logger,
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	go p.watchConnection()

	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqplib.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp: channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp: enable confirms: %w", err)
	}

	if err := p.topology.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = ch
	p.mu.Unlock()

	p.logger.Info("AMQP publisher initialized",
		zap.String("exchange", exchangeName),
		zap.String("queue", p.topology.Queue),
	)
	return nil
}

// watchConnection blocks on the connection close notification and reconnects with
// exponential backoff.
func (p *Publisher) watchConnection() {
	for {
		p.mu.RLock()
		if p.closed {
			p.mu.RUnlock()
			return
		}
		conn := p.conn
		p.mu.RUnlock()

		reason, ok := <-conn.NotifyClose(make(chan *amqplib.Error, 1))
		if !ok {
			return
		}

		p.logger.Warn("AMQP publisher connection lost, reconnecting", zap.String("reason", reason.Error()))

		p.mu.Lock()
		p.channel = nil
		p.mu.Unlock()

		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = 2 * time.Second
		retry.MaxInterval = 30 * time.Second
		for {
			p.mu.RLock()
			closed := p.closed
			p.mu.RUnlock()
			if closed {
				return
			}

			delay := retry.NextBackOff()
			if delay == backoff.Stop {
				delay = retry.MaxInterval
			}
			time.Sleep(delay)

			if err := p.connect(); err != nil {
				p.logger.Warn("AMQP publisher reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
				continue
			}
			p.logger.Info("AMQP publisher reconnected")
			break
		}
	}
}

// Publish sends body and waits for the broker confirm.
func (p *Publisher) Publish(ctx context.Context, id string, body []byte) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.RLock()
	ch := p.channel
	p.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("amqp: publish: %w", ErrNotConnected)
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(publishCtx,
		exchangeName,
		p.topology.routingKey(),
		false, // mandatory
		false, // immediate
		amqplib.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqplib.Persistent,
			MessageId:    id,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp: publish: %w", err)
	}

	acked, err := confirmation.WaitContext(publishCtx)
	if err != nil {
		return fmt.Errorf("amqp: publish confirmation (message_id=%s): %w", id, err)
	}
	if !acked {
		return fmt.Errorf("amqp: broker nacked message (message_id=%s)", id)
	}

	p.logger.Debug("Message published",
		zap.String("message_id", id),
		zap.Int("body_size", len(body)),
	)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
