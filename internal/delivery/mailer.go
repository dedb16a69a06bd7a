package delivery

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/codec"
	"github.com/sungwon/mail-relay/internal/logger"
	"github.com/sungwon/mail-relay/internal/metrics"
	"github.com/sungwon/mail-relay/internal/provider"
	"github.com/sungwon/mail-relay/internal/storage"
	"github.com/sungwon/mail-relay/internal/templates"
)

// DefaultFrom is the sender used when none is configured.
const DefaultFrom = "no-reply@sdvg.dev"

// Renderer renders a named template.
type Renderer interface {
	Render(ctx context.Context, name string, data map[string]any) (templates.Rendered, error)
}

// Recorder persists delivery outcomes.
type Recorder interface {
	Record(ctx context.Context, e storage.Entry) error
}

// Mailer is the Gateway that renders a template and sends it through a provider.
type Mailer struct {
	renderer Renderer
	provider provider.Provider
	recorder Recorder
	from     string
	timeout  time.Duration
	log      zerolog.Logger
}

// MailerOption configures a Mailer.
type MailerOption func(*Mailer)

// WithFrom overrides the sender address.
func WithFrom(from string) MailerOption {
	return func(m *Mailer) {
		if from != "" {
			m.from = from
		}
	}
}

// WithTimeout bounds each Deliver call.
func WithTimeout(d time.Duration) MailerOption {
	return func(m *Mailer) { m.timeout = d }
}

// WithRecorder records every outcome. Recording failures are logged only.
func WithRecorder(r Recorder) MailerOption {
	return func(m *Mailer) { m.recorder = r }
}

// NewMailer creates a Mailer.
func NewMailer(renderer Renderer, p provider.Provider, log zerolog.Logger, opts ...MailerOption) *Mailer {
	m := &Mailer{
		renderer: renderer,
		provider: p,
		from:     DefaultFrom,
		log:      log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Deliver renders item.Template with item.Context and sends the result to item.To.
func (m *Mailer) Deliver(ctx context.Context, item codec.WorkItem) (out Outcome) {
	start := time.Now()
	log := m.log
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		log = log.With().Str("correlation_id", id).Logger()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("panic during delivery")
			out = Failure(ReasonInternal, fmt.Errorf("panic: %v", r))
		}
		m.finish(ctx, log, item, out, time.Since(start))
	}()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	rendered, err := m.renderer.Render(ctx, item.Template, item.Context)
	if err != nil {
		return Failure(ClassifyRenderError(err), err)
	}

	msg := &provider.Message{
		ID:       uuid.NewString(),
		From:     m.from,
		To:       []string{item.To},
		Subject:  item.Subject,
		TextBody: rendered.Text,
		HTMLBody: rendered.HTML,
	}

	result, err := m.provider.Send(ctx, msg)
	if err != nil {
		return Failure(ClassifySendError(err), err)
	}

	log.Debug().
		Str("provider_message_id", result.ProviderMessageID).
		Msg("provider accepted message")
	return Success()
}

func (m *Mailer) finish(ctx context.Context, log zerolog.Logger, item codec.WorkItem, out Outcome, elapsed time.Duration) {
	origin := OriginFromContext(ctx)
	providerName := m.provider.GetName()

	metrics.DeliveryDuration.WithLabelValues(providerName).Observe(elapsed.Seconds())

	status := storage.StatusDelivered
	if out.OK() {
		metrics.DeliveriesTotal.WithLabelValues(origin.Channel, "success").Inc()
		log.Info().
			Str("channel", origin.Channel).
			Str("message_id", origin.MessageID).
			Str("to", item.To).
			Str("template", item.Template).
			Str("provider", providerName).
			Dur("duration", elapsed).
			Msg("message delivered")
	} else {
		status = storage.StatusFailed
		metrics.DeliveriesTotal.WithLabelValues(origin.Channel, "failure").Inc()
		metrics.DeliveryFailuresTotal.WithLabelValues(out.Reason).Inc()
		log.Error().Err(out.Err).
			Str("channel", origin.Channel).
			Str("message_id", origin.MessageID).
			Str("to", item.To).
			Str("template", item.Template).
			Str("provider", providerName).
			Str("reason", out.Reason).
			Dur("duration", elapsed).
			Msg("delivery failed")
	}

	if m.recorder == nil {
		return
	}

	// The outcome is recorded even when the caller's context is already done.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := m.recorder.Record(recCtx, storage.Entry{
		Channel:   origin.Channel,
		Source:    origin.Source,
		MessageID: origin.MessageID,
		Recipient: item.To,
		Template:  item.Template,
		Status:    status,
		Reason:    out.Reason,
		Duration:  elapsed,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record delivery outcome")
	}
}
