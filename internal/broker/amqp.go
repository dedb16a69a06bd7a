package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/metrics"
)

// AMQPConfig configures the AMQP 0-9-1 transport.
type AMQPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
	Queue    string
	// Durable declares the queue to survive a broker restart. Declaring an
	// existing queue with a different value fails with PRECONDITION_FAILED.
	Durable bool
	// Exchange receives replies. Empty means the default exchange, which
	// routes by queue name.
	Exchange       string
	ConsumerTag    string
	Prefetch       int
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	Reconnect      bool
	// MaxReconnectInterval caps the reconnect backoff.
	MaxReconnectInterval time.Duration
}

// URL returns the amqp:// URI for the configured server.
func (c AMQPConfig) URL() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VHost,
	}.String()
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

type amqpDialer func(url string, cfg amqp.Config) (amqpConnection, error)

type amqpConnAdapter struct {
	*amqp.Connection
}

func (a amqpConnAdapter) Channel() (amqpChannel, error) {
	return a.Connection.Channel()
}

func dialAMQP(url string, cfg amqp.Config) (amqpConnection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnAdapter{conn}, nil
}

// AMQP consumes one queue with manual acknowledgements and a
// prefetch window, and reconnects with exponential backoff when the
// connection drops.
type AMQP struct {
	cfg   AMQPConfig
	log   zerolog.Logger
	state *stateHolder
	dial  amqpDialer

	mu      sync.Mutex
	conn    amqpConnection
	ch      amqpChannel
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// stopped keeps a reconnect from consuming again after StopConsuming.
	stopped bool
}

// NewAMQP creates an AMQP transport. Nothing is dialed until Connect.
func NewAMQP(cfg AMQPConfig, log zerolog.Logger) *AMQP {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "mail-relay"
	}
	return &AMQP{
		cfg:   cfg,
		log:   log,
		state: newStateHolder("amqp", log),
		dial:  dialAMQP,
	}
}

func (t *AMQP) Name() string { return "amqp" }

func (t *AMQP) State() State { return t.state.get() }

func (t *AMQP) Connect(ctx context.Context, h Handler) error {
	if !t.state.transition(Disconnected, Connecting) {
		return fmt.Errorf("amqp: cannot connect while %s", t.state.get())
	}

	t.mu.Lock()
	t.handler = h
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.stopped = false
	t.mu.Unlock()

	if err := t.open(ctx); err != nil {
		t.mu.Lock()
		t.cancel()
		t.handler = nil
		t.mu.Unlock()
		t.state.set(Disconnected)
		return err
	}
	t.state.set(Connected)
	return nil
}

// open dials, declares the queue and starts consuming unless StopConsuming
// already ran. Partially opened
// resources are closed on failure.
func (t *AMQP) open(ctx context.Context) error {
	conn, err := t.dial(t.cfg.URL(), amqp.Config{
		Heartbeat: t.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(t.cfg.ConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Close()
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	fail := func(err error) error {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set prefetch: %w", err))
	}
	if _, err := ch.QueueDeclare(t.cfg.Queue, t.cfg.Durable, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare queue %s: %w", t.cfg.Queue, err))
	}

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()

	var deliveries <-chan amqp.Delivery
	if !stopped {
		deliveries, err = ch.Consume(t.cfg.Queue, t.cfg.ConsumerTag, false, false, false, false, nil)
		if err != nil {
			return fail(fmt.Errorf("consume %s: %w", t.cfg.Queue, err))
		}
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return fail(t.ctx.Err())
	}
	t.conn = conn
	t.ch = ch
	h := t.handler
	// StopConsuming may have run between Consume and here.
	lateStop := t.stopped && deliveries != nil
	t.mu.Unlock()

	if deliveries != nil {
		t.wg.Add(1)
		go t.consume(deliveries, h)
	}
	t.wg.Add(1)
	go t.watch(closed)

	if lateStop {
		_ = ch.Cancel(t.cfg.ConsumerTag, false)
	}
	if deliveries == nil {
		t.log.Info().Str("queue", t.cfg.Queue).Msg("amqp channel reopened without consumer")
		return nil
	}
	t.log.Info().
		Str("queue", t.cfg.Queue).
		Bool("durable", t.cfg.Durable).
		Int("prefetch", t.cfg.Prefetch).
		Msg("amqp consumer started")
	return nil
}

func (t *AMQP) consume(deliveries <-chan amqp.Delivery, h Handler) {
	defer t.wg.Done()
	for d := range deliveries {
		metrics.BrokerMessagesReceivedTotal.WithLabelValues("amqp").Inc()
		h(t.newDelivery(d))
	}
}

func (t *AMQP) newDelivery(d amqp.Delivery) *Delivery {
	return NewDelivery("amqp", t.cfg.Queue, d.MessageId, d.Body, d.Redelivered, func(disp Disposition) error {
		switch disp {
		case Ack:
			return d.Ack(false)
		case Requeue:
			return d.Nack(false, true)
		default:
			return d.Reject(false)
		}
	})
}

// watch waits for the connection to close and, unless the transport is
// shutting down, reconnects.
func (t *AMQP) watch(closed chan *amqp.Error) {
	defer t.wg.Done()

	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	var amqpErr *amqp.Error
	select {
	case amqpErr = <-closed:
	case <-ctx.Done():
		return
	}
	if ctx.Err() != nil {
		return
	}

	t.state.set(Disconnected)
	t.log.Warn().Interface("reason", amqpErr).Bool("reconnect", t.cfg.Reconnect).Msg("amqp connection lost")

	t.mu.Lock()
	t.conn = nil
	t.ch = nil
	t.mu.Unlock()

	if !t.cfg.Reconnect {
		return
	}

	t.wg.Add(1)
	go t.reconnect(ctx)
}

func (t *AMQP) reconnect(ctx context.Context) {
	defer t.wg.Done()

	t.state.set(Connecting)
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer cancel()
		return t.open(attemptCtx)
	}
	notify := func(err error, wait time.Duration) {
		metrics.BrokerReconnectsTotal.WithLabelValues("amqp", "failure").Inc()
		t.log.Warn().Err(err).Dur("retry_in", wait).Msg("amqp reconnect failed")
	}

	b := backoff.WithContext(newReconnectBackOff(t.cfg.MaxReconnectInterval), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		t.state.set(Disconnected)
		return
	}
	metrics.BrokerReconnectsTotal.WithLabelValues("amqp", "success").Inc()
	t.state.set(Connected)
}

func (t *AMQP) Publish(ctx context.Context, destination string, payload []byte) error {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(ctx, t.cfg.Exchange, destination, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

// StopConsuming cancels the consumer. The channel stays open so unsettled
// deliveries can still be acknowledged and replies published.
func (t *AMQP) StopConsuming(_ context.Context) error {
	t.mu.Lock()
	ch := t.ch
	already := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if ch == nil || already {
		return nil
	}

	if err := ch.Cancel(t.cfg.ConsumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("amqp cancel consumer: %w", err)
	}
	t.log.Info().Str("queue", t.cfg.Queue).Msg("amqp consumer cancelled")
	return nil
}

func (t *AMQP) Close() error {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		t.state.set(Disconnected)
		return nil
	}
	t.state.set(Closing)
	t.cancel()
	conn, ch := t.conn, t.ch
	stopped := t.stopped
	t.conn, t.ch = nil, nil
	t.mu.Unlock()

	var errs []error
	if ch != nil {
		if !stopped {
			if err := ch.Cancel(t.cfg.ConsumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("amqp cancel consumer: %w", err))
			}
		}
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("amqp close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("amqp close connection: %w", err))
		}
	}
	t.wg.Wait()

	t.state.set(Disconnected)
	return errors.Join(errs...)
}
