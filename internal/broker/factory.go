package broker

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/config"
)

// New builds a Manager for the transport named by cfg.Type. It returns a nil
// Manager and no error for type "none".
func New(cfg config.BrokerConfig, log zerolog.Logger) (*Manager, error) {
	t, err := newTransport(cfg, log)
	if err != nil || t == nil {
		return nil, err
	}
	return NewManager(t, log), nil
}

func newTransport(cfg config.BrokerConfig, log zerolog.Logger) (Transport, error) {
	switch cfg.Type {
	case "mqtt":
		return NewMQTT(MQTTConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			Username:       cfg.Username,
			Password:       cfg.Password,
			ClientID:       cfg.ClientID,
			Topic:          cfg.Topic,
			QoS:            cfg.QoS,
			Keepalive:      cfg.Keepalive,
			ConnectTimeout: cfg.ConnectTimeout,
			Reconnect:      cfg.Reconnect,
		}, log), nil
	case "amqp":
		return NewAMQP(AMQPConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			Username:       cfg.Username,
			Password:       cfg.Password,
			VHost:          cfg.VHost,
			Queue:          cfg.Queue,
			Durable:        cfg.Durable,
			Exchange:       cfg.Exchange,
			ConsumerTag:    cfg.ClientID,
			Prefetch:       cfg.Prefetch,
			Heartbeat:      cfg.Keepalive,
			ConnectTimeout: cfg.ConnectTimeout,
			Reconnect:      cfg.Reconnect,
		}, log), nil
	case "redis":
		return NewRedis(RedisConfig{
			Addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Username:  cfg.Username,
			Password:  cfg.Password,
			DB:        cfg.RedisDB,
			Stream:    cfg.Topic,
			Group:     cfg.Group,
			Consumer:  cfg.ClientID,
			Prefetch:  cfg.Prefetch,
			ClaimIdle: cfg.RedisClaimIdle,
		}, log), nil
	case "sqs":
		return NewSQS(SQSConfig{
			QueueURL:      cfg.SQSQueueURL,
			ReplyQueueURL: cfg.SQSReplyURL,
			Region:        cfg.SQSRegion,
			Endpoint:      cfg.SQSEndpoint,
			Prefetch:      cfg.Prefetch,
			WaitTime:      cfg.SQSWaitTime,
			// SQS counts whole seconds; round up so the timeout never shrinks.
			VisibilityTimeout: int32((cfg.SQSVisibilityTimeout + time.Second - 1) / time.Second),
		}, log), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
