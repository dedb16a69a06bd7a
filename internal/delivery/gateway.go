// Package delivery renders work items and hands them to a mail provider.
package delivery

import (
	"context"
	"errors"

	"github.com/sungwon/mail-relay/internal/codec"
	"github.com/sungwon/mail-relay/internal/provider"
	"github.com/sungwon/mail-relay/internal/templates"
)

// Gateway delivers one work item. Implementations never panic and never
// return an error: every failure is an Outcome.
type Gateway interface {
	Deliver(ctx context.Context, item codec.WorkItem) Outcome
}

// Origin describes where a work item came from, for logs and the delivery log.
type Origin struct {
	Channel   string // "http" or "broker"
	Source    string
	MessageID string
}

type originKey struct{}

// WithOrigin attaches o to ctx.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFromContext returns the Origin attached to ctx, with Channel
// defaulting to "direct".
func OriginFromContext(ctx context.Context) Origin {
	o, _ := ctx.Value(originKey{}).(Origin)
	if o.Channel == "" {
		o.Channel = "direct"
	}
	return o
}

// ClassifyRenderError maps a template error to a failure reason.
func ClassifyRenderError(err error) string {
	var re *templates.RenderError
	switch {
	case errors.Is(err, templates.ErrNotFound), errors.Is(err, templates.ErrInvalidName):
		return ReasonTemplateNotFound
	case errors.As(err, &re):
		return ReasonTemplateRender
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonInternal
	}
}

// ClassifySendError maps a provider error to a failure reason.
func ClassifySendError(err error) string {
	switch provider.KindOf(err) {
	case provider.KindAuth:
		return ReasonAuthFailed
	case provider.KindRecipient:
		return ReasonRecipientRejected
	case provider.KindUnavailable:
		return ReasonUnavailable
	case provider.KindRejected:
		return ReasonRejected
	case provider.KindTimeout:
		return ReasonTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonInternal
}
