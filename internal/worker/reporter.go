package worker

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/metrics"
)

// Reply kinds.
const (
	KindAck  = "ack"
	KindNack = "nack"
)

// Publisher sends a reply payload to a destination. *broker.Manager
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload []byte) error
}

// ReplyDestination derives the reply topic, routing key or stream for a
// message received on source.
func ReplyDestination(source, kind, id string) string {
	return source + "/" + kind + "/" + id
}

type replyPayload struct {
	Status    string            `json:"status"`
	MessageID string            `json:"message_id"`
	Response  map[string]string `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Reporter publishes ack and nack replies for broker-originated work. A
// failed publish is logged and counted; the outcome it reports stands.
type Reporter struct {
	pub Publisher
	log zerolog.Logger
}

// NewReporter creates a Reporter publishing through pub.
func NewReporter(pub Publisher, log zerolog.Logger) *Reporter {
	return &Reporter{pub: pub, log: log}
}

// Ack reports a successful delivery.
func (r *Reporter) Ack(ctx context.Context, m *InFlight) {
	r.send(ctx, m, KindAck, replyPayload{
		Status:    KindAck,
		MessageID: m.ReplyID(),
		Response:  map[string]string{"status": "ok"},
	})
}

// Nack reports a failed delivery with its classified reason.
func (r *Reporter) Nack(ctx context.Context, m *InFlight, reason string) {
	r.send(ctx, m, KindNack, replyPayload{
		Status:    KindNack,
		MessageID: m.ReplyID(),
		Error:     reason,
	})
}

func (r *Reporter) send(ctx context.Context, m *InFlight, kind string, p replyPayload) {
	dest := ReplyDestination(m.Delivery.Source, kind, p.MessageID)
	log := r.log.With().
		Str("destination", dest).
		Str("message_id", p.MessageID).
		Uint64("seq", m.Seq).
		Logger()

	body, err := json.Marshal(p)
	if err != nil {
		metrics.RepliesPublishedTotal.WithLabelValues(kind, "failure").Inc()
		log.Error().Err(err).Msg("failed to encode reply")
		return
	}

	if err := r.pub.Publish(ctx, dest, body); err != nil {
		metrics.RepliesPublishedTotal.WithLabelValues(kind, "failure").Inc()
		log.Error().Err(err).Str("kind", kind).Msg("failed to publish reply")
		return
	}

	metrics.RepliesPublishedTotal.WithLabelValues(kind, "success").Inc()
	log.Debug().Str("kind", kind).Msg("reply published")
}
