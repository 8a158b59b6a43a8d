// Package queue defines the work-queue protocol and the resilient consumer that drains it.
package queue

import (
	"context"
	"time"
)

// Message is one delivery from a queue. ReceiptHandle identifies this delivery, not the
// message, and is what Delete takes.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	ReceiveCount  int
}

// Queue is a long-poll work queue with at-least-once delivery. A message that is received
// but not deleted becomes visible again after the transport's visibility timeout.
type Queue interface {
	// ReceiveBatch waits up to wait for at least one message and returns at most max.
	// An empty result with a nil error means the wait elapsed.
	ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete acknowledges a delivery so it is never redelivered.
	Delete(ctx context.Context, receipt string) error
}

// Preparer is implemented by queues that need setup (connections, consumer groups,
// declarations) before the first poll.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Publisher enqueues a message body. id is used for tracing and deduplication where the
// transport supports it.
type Publisher interface {
	Publish(ctx context.Context, id string, body []byte) error
}

// Handler processes one message. It acknowledges the message itself; returning an error
// only reports the failure.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
