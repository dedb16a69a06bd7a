// Package api exposes the relay over HTTP.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/auth"
	"github.com/sungwon/mail-relay/internal/delivery"
)

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Gateway delivery.Gateway
	// Broker is nil when no broker is configured.
	Broker   BrokerStatus
	Verifier *auth.Verifier
	// Deliveries is nil when the delivery log is disabled; the listing
	// endpoint is then not registered.
	Deliveries DeliveryLister
	Log        zerolog.Logger
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(d.Log))
	r.Use(RecoverMiddleware(d.Log))

	r.Get("/health", HealthHandler(d.Broker))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.RequireSecretKey(d.Verifier))

		r.Post("/send", SendHandler(d.Gateway, d.Log))
		if d.Deliveries != nil {
			r.Get("/deliveries", DeliveriesHandler(d.Deliveries, d.Log))
		}
	})

	return r
}
