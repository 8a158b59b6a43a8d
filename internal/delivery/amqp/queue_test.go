package amqp

import (
	"context"
	"errors"
	"testing"
	"time"

	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func TestReceiptRoundTrip(t *testing.T) {
	gen, tag, err := decodeReceipt(encodeReceipt(3, 42))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gen != 3 || tag != 42 {
		t.Fatalf("expected 3:42, got %d:%d", gen, tag)
	}

	for _, bad := range []string{"", "42", "x:1", "1:y"} {
		if _, _, err := decodeReceipt(bad); !errors.Is(err, ErrUnknownReceipt) {
			t.Errorf("%q: expected ErrUnknownReceipt, got %v", bad, err)
		}
	}
}

func TestReceiveCount(t *testing.T) {
	tests := []struct {
		name string
		d    amqplib.Delivery
		want int
	}{
		{"first delivery", amqplib.Delivery{}, 1},
		{"redelivered flag", amqplib.Delivery{Redelivered: true}, 2},
		{"quorum counter", amqplib.Delivery{Redelivered: true, Headers: amqplib.Table{"x-delivery-count": int64(4)}}, 5},
	}
	for _, tt := range tests {
		if got := receiveCount(tt.d); got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, got)
		}
	}
}

func TestTopologyArgs(t *testing.T) {
	topo := Topology{Queue: "trade_batches", DeliveryLimit: 5}
	args := topo.queueArgs()

	if args["x-queue-type"] != "quorum" {
		t.Errorf("expected quorum queue, got %v", args["x-queue-type"])
	}
	if args["x-dead-letter-exchange"] != "trade_batches.dlx" {
		t.Errorf("unexpected dlx %v", args["x-dead-letter-exchange"])
	}
	if args["x-delivery-limit"] != 5 {
		t.Errorf("unexpected delivery limit %v", args["x-delivery-limit"])
	}

	if _, ok := (Topology{Queue: "q"}).queueArgs()["x-delivery-limit"]; ok {
		t.Error("delivery limit must be omitted when zero")
	}
}

func TestDelete_UnknownReceipt(t *testing.T) {
	q := NewQueue("amqp://unused", Topology{Queue: "q"}, 10, time.Minute, zap.NewNop())

	if err := q.Delete(context.Background(), encodeReceipt(1, 1)); !errors.Is(err, ErrUnknownReceipt) {
		t.Fatalf("expected ErrUnknownReceipt, got %v", err)
	}
}
