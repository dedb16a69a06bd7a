// Package broker owns the connection to the message broker. A Manager wraps
// one Transport (MQTT, AMQP, Redis Streams or SQS), delivers inbound messages
// to a Handler and serializes outbound publishes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sungwon/mail-relay/internal/metrics"
)

var (
	// ErrNotConnected is returned by Publish unless the transport is Connected.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrAlreadySettled is returned by a second Settle on the same Delivery.
	ErrAlreadySettled = errors.New("broker: delivery already settled")
	// ErrClosed is returned when connecting a closed Manager.
	ErrClosed = errors.New("broker: manager closed")
)

// Disposition is the broker-level outcome of a delivery.
type Disposition int

const (
	// Ack removes the message from the broker.
	Ack Disposition = iota
	// Reject drops the message without redelivery.
	Reject
	// Requeue returns the message to the broker for redelivery.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Delivery is one inbound message together with its broker-native handle.
type Delivery struct {
	// Source is the topic, queue or stream the message arrived on. Replies
	// are published under it.
	Source string
	// MessageID is the broker-native message id, or "" if the broker has none.
	MessageID   string
	Body        []byte
	Redelivered bool
	ReceivedAt  time.Time

	transport string
	settle    func(Disposition) error
	settled   atomic.Bool
}

// NewDelivery creates a Delivery whose Settle calls settle exactly once.
func NewDelivery(transport, source, messageID string, body []byte, redelivered bool, settle func(Disposition) error) *Delivery {
	return &Delivery{
		Source:      source,
		MessageID:   messageID,
		Body:        body,
		Redelivered: redelivered,
		ReceivedAt:  time.Now(),
		transport:   transport,
		settle:      settle,
	}
}

// Settle acknowledges, rejects or requeues the message at the broker. Only
// the first call has an effect; later calls return ErrAlreadySettled.
func (d *Delivery) Settle(disp Disposition) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	metrics.BrokerSettlementsTotal.WithLabelValues(d.transport, disp.String()).Inc()
	if d.settle == nil {
		return nil
	}
	if err := d.settle(disp); err != nil {
		return fmt.Errorf("settle %s: %w", disp, err)
	}
	return nil
}

// Settled reports whether Settle has been called.
func (d *Delivery) Settled() bool { return d.settled.Load() }

// Handler receives inbound deliveries. It is called on the transport's I/O
// goroutine and must not block.
type Handler func(*Delivery)

// Transport is one broker integration.
type Transport interface {
	// Name identifies the transport ("mqtt", "amqp", "redis", "sqs").
	Name() string
	// Connect establishes the session, subscribes or starts consuming, and
	// routes deliveries to h. On failure every partially acquired resource
	// is released and the transport stays Disconnected.
	Connect(ctx context.Context, h Handler) error
	// Publish sends payload to destination.
	Publish(ctx context.Context, destination string, payload []byte) error
	// StopConsuming ends the subscription or consumer so no further
	// deliveries arrive. The session stays open for Publish and for settling
	// deliveries already handed out, and a reconnect does not resume
	// consuming.
	StopConsuming(ctx context.Context) error
	// State reports the current connection state without blocking.
	State() State
	// Close stops consuming, then closes the session, then the connection.
	Close() error
}

// ConnectionError reports a failed connect attempt.
type ConnectionError struct {
	Transport string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker: %s connect: %v", e.Transport, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports a failed publish.
type PublishError struct {
	Transport   string
	Destination string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("broker: %s publish to %s: %v", e.Transport, e.Destination, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
