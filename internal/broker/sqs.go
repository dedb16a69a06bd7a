package broker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/metrics"
)

// maxSQSBatch is the largest MaxNumberOfMessages SQS accepts.
const maxSQSBatch = 10

// SQSConfig configures the SQS transport.
type SQSConfig struct {
	QueueURL string
	// ReplyQueueURL receives acks and nacks. The derived destination travels
	// in the "destination" message attribute.
	ReplyQueueURL string
	Region        string
	Endpoint      string
	Prefetch      int
	WaitTime      int32
	// VisibilityTimeout, in seconds, hides a received message from other
	// receivers. It must outlast processing or the message is delivered twice.
	VisibilityTimeout int32
}

// SQS long-polls one queue. A message stays invisible while it is being
// processed; acknowledging deletes it and requeueing makes it visible again.
type SQS struct {
	cfg   SQSConfig
	log   zerolog.Logger
	state *stateHolder
	slots slots

	newClient func(ctx context.Context) (sqsAPI, error)

	mu     sync.Mutex
	client sqsAPI
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSQS creates an SQS transport. Nothing is dialed until Connect.
func NewSQS(cfg SQSConfig, log zerolog.Logger) *SQS {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30
	}
	t := &SQS{
		cfg:   cfg,
		log:   log,
		state: newStateHolder("sqs", log),
		slots: newSlots(cfg.Prefetch),
	}
	t.newClient = func(ctx context.Context) (sqsAPI, error) {
		return newAWSSQSClient(ctx, cfg.Region, cfg.Endpoint)
	}
	return t
}

func (t *SQS) Name() string { return "sqs" }

func (t *SQS) State() State { return t.state.get() }

// source is the queue name, which prefixes reply destinations.
func (t *SQS) source() string { return path.Base(t.cfg.QueueURL) }

func (t *SQS) Connect(ctx context.Context, h Handler) error {
	if !t.state.transition(Disconnected, Connecting) {
		return fmt.Errorf("sqs: cannot connect while %s", t.state.get())
	}

	client, err := t.newClient(ctx)
	if err != nil {
		t.state.set(Disconnected)
		return err
	}
	if err := client.QueueExists(ctx, t.cfg.QueueURL); err != nil {
		t.state.set(Disconnected)
		return fmt.Errorf("queue %s: %w", t.cfg.QueueURL, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.client = client
	t.cancel = cancel
	t.mu.Unlock()

	t.state.set(Connected)

	t.wg.Add(1)
	go t.poll(pollCtx, client, h)

	t.log.Info().
		Str("queue_url", t.cfg.QueueURL).
		Int32("wait_time_seconds", t.cfg.WaitTime).
		Int32("visibility_timeout_seconds", t.cfg.VisibilityTimeout).
		Msg("sqs receiver started")
	return nil
}

func (t *SQS) poll(ctx context.Context, client sqsAPI, h Handler) {
	defer t.wg.Done()

	failures := 0
	for {
		// Wait for room before receiving.
		if err := t.slots.acquire(ctx); err != nil {
			return
		}
		t.slots.release()

		msgs, err := client.ReceiveMessage(ctx, &sqsReceiveInput{
			QueueURL:            t.cfg.QueueURL,
			MaxNumberOfMessages: int32(min(t.slots.free(), maxSQSBatch)),
			WaitTimeSeconds:     t.cfg.WaitTime,
			VisibilityTimeout:   t.cfg.VisibilityTimeout,
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.state.set(Disconnected)
			wait := pollBackoff(failures)
			failures++
			t.log.Error().Err(err).Dur("retry_in", wait).Msg("sqs receive failed")
			if sleepCtx(ctx, wait) != nil {
				return
			}
			t.state.set(Connecting)
			continue
		}
		if failures > 0 {
			metrics.BrokerReconnectsTotal.WithLabelValues("sqs", "success").Inc()
			failures = 0
		}
		t.state.set(Connected)

		for _, msg := range msgs {
			if err := t.slots.acquire(ctx); err != nil {
				return
			}
			t.dispatch(client, msg, h)
		}
	}
}

func (t *SQS) dispatch(client sqsAPI, msg sqsReceivedMessage, h Handler) {
	metrics.BrokerMessagesReceivedTotal.WithLabelValues("sqs").Inc()

	var once sync.Once
	h(NewDelivery("sqs", t.source(), msg.MessageID, []byte(msg.Body), msg.ReceiveCount > 1, func(d Disposition) error {
		defer once.Do(t.slots.release)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		switch d {
		case Ack, Reject:
			return client.DeleteMessage(ctx, t.cfg.QueueURL, msg.ReceiptHandle)
		default:
			return client.ChangeMessageVisibility(ctx, t.cfg.QueueURL, msg.ReceiptHandle, 0)
		}
	}))
}

func (t *SQS) Publish(ctx context.Context, destination string, payload []byte) error {
	if t.cfg.ReplyQueueURL == "" {
		return errors.New("sqs: no reply queue configured")
	}
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	return client.SendMessage(ctx, &sqsSendInput{
		QueueURL:    t.cfg.ReplyQueueURL,
		MessageBody: string(payload),
		Attributes:  map[string]string{"destination": destination},
	})
}

// StopConsuming ends the receive loop. The client stays available to delete
// or release in-flight messages and to send replies until Close.
func (t *SQS) StopConsuming(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return waitGroupCtx(ctx, &t.wg)
}

func (t *SQS) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.client, t.cancel = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		t.state.set(Disconnected)
		return nil
	}
	t.state.set(Closing)
	cancel()
	t.wg.Wait()
	t.state.set(Disconnected)
	return nil
}
