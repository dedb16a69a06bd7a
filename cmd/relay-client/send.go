package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sungwon/mail-relay/internal/broker"
	"github.com/sungwon/mail-relay/internal/codec"
	"github.com/sungwon/mail-relay/internal/config"
)

var sendFlags struct {
	broker   string
	to       string
	subject  string
	template string
	context  string
	timeout  time.Duration
	noWait   bool
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish one work item and wait for its reply",
	Long: `send encodes a work item, publishes it to the broker the relay consumes from
(MQTT topic or AMQP queue) and prints the ack or nack reply.`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendFlags.broker, "broker", "", "broker type override: mqtt or amqp (default from config)")
	f.StringVar(&sendFlags.to, "to", "", "recipient address")
	f.StringVar(&sendFlags.subject, "subject", "Test Email", "email subject")
	f.StringVar(&sendFlags.template, "template", "", "template name")
	f.StringVar(&sendFlags.context, "context", "{}", "template context as a JSON object")
	f.DurationVar(&sendFlags.timeout, "timeout", 30*time.Second, "how long to wait for the reply")
	f.BoolVar(&sendFlags.noWait, "no-wait", false, "publish without waiting for a reply")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("template")
}

// reply is an ack or nack observed on a reply destination.
type reply struct {
	Kind string
	ID   string
	Body []byte
}

func runSend(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if sendFlags.broker != "" {
		cfg.Broker.Type = sendFlags.broker
	}

	payload, err := buildPayload(sendFlags.to, sendFlags.subject, sendFlags.template, sendFlags.context)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendFlags.timeout)
	defer cancel()

	log := newLogger()
	start := time.Now()

	var r *reply
	switch cfg.Broker.Type {
	case "mqtt":
		r, err = sendMQTT(ctx, cfg.Broker, payload, log)
	case "amqp":
		r, err = sendAMQP(ctx, cfg.Broker, payload)
	default:
		return fmt.Errorf("send supports mqtt and amqp brokers, got %q", cfg.Broker.Type)
	}
	if err != nil {
		return err
	}
	if r == nil {
		fmt.Printf("published to %s in %s\n", cfg.Broker.Type, time.Since(start))
		return nil
	}

	fmt.Printf("%s (id %s) in %s\n", strings.ToUpper(r.Kind), r.ID, time.Since(start))
	fmt.Println(prettyJSON(r.Body))
	if r.Kind == "nack" {
		return errors.New("relay reported a failure")
	}
	return nil
}

// buildPayload validates the item the same way the relay will and encodes it.
func buildPayload(to, subject, template, rawContext string) ([]byte, error) {
	item := codec.WorkItem{To: to, Subject: subject, Template: template}
	if rawContext != "" {
		if err := json.Unmarshal([]byte(rawContext), &item.Context); err != nil {
			return nil, fmt.Errorf("--context must be a JSON object: %w", err)
		}
	}
	data, err := codec.Encode(item)
	if err != nil {
		return nil, err
	}
	if _, err := codec.Decode(data); err != nil {
		return nil, fmt.Errorf("invalid work item: %w", err)
	}
	return data, nil
}

// parseReplyDestination splits "{base}/{kind}/{id}" into kind and id.
func parseReplyDestination(base, dest string) (kind, id string, ok bool) {
	rest, found := strings.CutPrefix(dest, base+"/")
	if !found {
		return "", "", false
	}
	kind, id, found = strings.Cut(rest, "/")
	if !found || id == "" || (kind != "ack" && kind != "nack") {
		return "", "", false
	}
	return kind, id, true
}

// sendMQTT subscribes to every reply under the work topic before publishing.
// MQTT reply ids are packet ids assigned by the broker, so the first reply
// seen is taken as the answer.
func sendMQTT(ctx context.Context, bc config.BrokerConfig, payload []byte, log zerolog.Logger) (*reply, error) {
	t := broker.NewMQTT(broker.MQTTConfig{
		Host:           bc.Host,
		Port:           bc.Port,
		Username:       bc.Username,
		Password:       bc.Password,
		ClientID:       "relay-client-" + uuid.NewString()[:8],
		Topic:          bc.Topic + "/+/+",
		QoS:            bc.QoS,
		Keepalive:      bc.Keepalive,
		ConnectTimeout: bc.ConnectTimeout,
	}, log)
	mgr := broker.NewManager(t, log)
	defer mgr.Close()

	replies := make(chan reply, 1)
	handler := func(d *broker.Delivery) {
		_ = d.Settle(broker.Ack)
		kind, id, ok := parseReplyDestination(bc.Topic, d.Source)
		if !ok {
			return
		}
		select {
		case replies <- reply{Kind: kind, ID: id, Body: d.Body}:
		default:
		}
	}

	if err := mgr.Connect(ctx, handler); err != nil {
		return nil, err
	}
	if err := mgr.Publish(ctx, bc.Topic, payload); err != nil {
		return nil, err
	}
	if sendFlags.noWait {
		return nil, nil
	}

	select {
	case r := <-replies:
		return &r, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no reply on %s/+/+: %w", bc.Topic, ctx.Err())
	}
}

// sendAMQP declares exclusive reply queues named after the message id it
// assigns, so the reply is correlated exactly.
func sendAMQP(ctx context.Context, bc config.BrokerConfig, payload []byte) (*reply, error) {
	url := broker.AMQPConfig{
		Host:     bc.Host,
		Port:     bc.Port,
		Username: bc.Username,
		Password: bc.Password,
		VHost:    bc.VHost,
	}.URL()

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareWorkQueue(ch, bc); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	replies := make(chan reply, 2)
	if !sendFlags.noWait {
		for _, kind := range []string{"ack", "nack"} {
			if err := consumeReply(ctx, ch, bc, kind, id, replies); err != nil {
				return nil, err
			}
		}
	}

	err = ch.PublishWithContext(ctx, "", bc.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	if sendFlags.noWait {
		return nil, nil
	}

	select {
	case r := <-replies:
		return &r, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no reply for message %s: %w", id, ctx.Err())
	}
}

func consumeReply(ctx context.Context, ch *amqp.Channel, bc config.BrokerConfig, kind, id string, out chan<- reply) error {
	name := bc.Queue + "/" + kind + "/" + id
	if _, err := ch.QueueDeclare(name, false, true, true, false, nil); err != nil {
		return fmt.Errorf("declare reply queue: %w", err)
	}
	if bc.Exchange != "" {
		if err := ch.QueueBind(name, name, bc.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind reply queue: %w", err)
		}
	}
	msgs, err := ch.Consume(name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume reply queue: %w", err)
	}
	go func() {
		select {
		case m, ok := <-msgs:
			if ok {
				out <- reply{Kind: kind, ID: id, Body: m.Body}
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

func prettyJSON(b []byte) string {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(b)
	}
	return string(out)
}

type queueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// declareWorkQueue declares the work queue with the same arguments the relay
// uses; a mismatch would make one side fail with PRECONDITION_FAILED.
func declareWorkQueue(ch queueDeclarer, bc config.BrokerConfig) error {
	if _, err := ch.QueueDeclare(bc.Queue, bc.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", bc.Queue, err)
	}
	return nil
}
