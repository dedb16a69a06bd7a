package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/metrics"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	Topic          string
	QoS            byte
	Keepalive      time.Duration
	ConnectTimeout time.Duration
	Reconnect      bool
	// MaxReconnectInterval caps the library's reconnect backoff.
	MaxReconnectInterval time.Duration
}

// MQTT subscribes to one topic and publishes replies on derived topics.
//
// Incoming PUBLISH packets are acknowledged only when the delivery is
// settled, so the broker's in-flight window bounds unacknowledged work and a
// session resumed after a crash redelivers it.
type MQTT struct {
	cfg       MQTTConfig
	log       zerolog.Logger
	state     *stateHolder
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu      sync.Mutex
	client  mqtt.Client
	handler Handler
	ready   chan error
	// stopped suppresses resubscribing after StopConsuming.
	stopped bool
}

// NewMQTT creates an MQTT transport. Nothing is dialed until Connect.
func NewMQTT(cfg MQTTConfig, log zerolog.Logger) *MQTT {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	return &MQTT{
		cfg:       cfg,
		log:       log,
		state:     newStateHolder("mqtt", log),
		newClient: mqtt.NewClient,
	}
}

func (t *MQTT) Name() string { return "mqtt" }

func (t *MQTT) State() State { return t.state.get() }

func (t *MQTT) broker() string { return fmt.Sprintf("tcp://%s:%d", t.cfg.Host, t.cfg.Port) }

func (t *MQTT) Connect(ctx context.Context, h Handler) error {
	if !t.state.transition(Disconnected, Connecting) {
		return fmt.Errorf("mqtt: cannot connect while %s", t.state.get())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(t.broker()).
		SetClientID(t.cfg.ClientID).
		SetCleanSession(false).
		SetKeepAlive(t.cfg.Keepalive).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetAutoReconnect(t.cfg.Reconnect).
		SetMaxReconnectInterval(t.cfg.MaxReconnectInterval).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetAutoAckDisabled(true).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}

	ready := make(chan error, 1)
	client := t.newClient(opts)

	t.mu.Lock()
	t.client = client
	t.handler = h
	t.ready = ready
	t.stopped = false
	t.mu.Unlock()

	fail := func(err error) error {
		client.Disconnect(0)
		t.mu.Lock()
		t.client = nil
		t.ready = nil
		t.mu.Unlock()
		t.state.set(Disconnected)
		return err
	}

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fail(err)
	}

	// The on-connect handler subscribes and reports back.
	select {
	case err := <-ready:
		if err != nil {
			return fail(err)
		}
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	return nil
}

// onConnect runs after every successful (re)connect and restores the
// subscription.
func (t *MQTT) onConnect(c mqtt.Client) {
	t.mu.Lock()
	if t.client != c {
		t.mu.Unlock()
		return
	}
	ready := t.ready
	t.ready = nil
	stopped := t.stopped
	t.mu.Unlock()

	var err error
	if stopped {
		t.log.Info().Msg("mqtt reconnected without subscription")
		t.state.set(Connected)
	} else if err = t.subscribe(c); err != nil {
		t.log.Error().Err(err).Str("topic", t.cfg.Topic).Msg("mqtt subscribe failed")
	} else {
		t.log.Info().Str("topic", t.cfg.Topic).Uint8("qos", t.cfg.QoS).Msg("mqtt subscribed")
		t.state.set(Connected)
	}
	if ready != nil {
		ready <- err
	} else if err == nil {
		metrics.BrokerReconnectsTotal.WithLabelValues("mqtt", "success").Inc()
	} else {
		metrics.BrokerReconnectsTotal.WithLabelValues("mqtt", "failure").Inc()
	}
}

func (t *MQTT) subscribe(c mqtt.Client) error {
	token := c.Subscribe(t.cfg.Topic, t.cfg.QoS, t.onMessage)
	if !token.WaitTimeout(t.cfg.ConnectTimeout) {
		return errors.New("mqtt: subscribe timed out")
	}
	return token.Error()
}

func (t *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	if t.state.get() == Closing {
		return
	}
	t.state.set(Disconnected)
	t.log.Warn().Err(err).Bool("auto_reconnect", t.cfg.Reconnect).Msg("mqtt connection lost")
}

func (t *MQTT) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	t.state.set(Connecting)
}

func (t *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return
	}

	metrics.BrokerMessagesReceivedTotal.WithLabelValues("mqtt").Inc()

	// Packet ids are zero for QoS 0.
	var id string
	if msg.MessageID() != 0 {
		id = strconv.Itoa(int(msg.MessageID()))
	}
	h(NewDelivery("mqtt", msg.Topic(), id, msg.Payload(), msg.Duplicate(), func(d Disposition) error {
		// MQTT has no negative acknowledgement. An unacknowledged message is
		// redelivered when the session resumes.
		if d != Requeue {
			msg.Ack()
		}
		return nil
	}))
}

func (t *MQTT) Publish(ctx context.Context, destination string, payload []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	token := client.Publish(destination, t.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopConsuming unsubscribes from the topic. Messages already received stay
// with the handler and are still acknowledged on settle.
func (t *MQTT) StopConsuming(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	already := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if client == nil || already || !client.IsConnectionOpen() {
		return nil
	}

	token := client.Unsubscribe(t.cfg.Topic)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt unsubscribe: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt unsubscribe: %w", err)
	}
	t.log.Info().Str("topic", t.cfg.Topic).Msg("mqtt unsubscribed")
	return nil
}

func (t *MQTT) Close() error {
	t.mu.Lock()
	client := t.client
	stopped := t.stopped
	t.client = nil
	t.handler = nil
	t.mu.Unlock()

	if client == nil {
		t.state.set(Disconnected)
		return nil
	}
	t.state.set(Closing)

	var errs []error
	if !stopped && client.IsConnectionOpen() {
		token := client.Unsubscribe(t.cfg.Topic)
		if !token.WaitTimeout(2 * time.Second) {
			errs = append(errs, errors.New("mqtt: unsubscribe timed out"))
		} else if err := token.Error(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt unsubscribe: %w", err))
		}
	}
	client.Disconnect(250)

	t.state.set(Disconnected)
	return errors.Join(errs...)
}
