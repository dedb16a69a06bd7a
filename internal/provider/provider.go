// Package provider sends rendered messages over an outbound mail transport.
package provider

import (
	"context"
	"time"
)

// Provider defines the interface for sending email through a mail transport.
type Provider interface {
	// Send transmits a message and returns a delivery result.
	Send(ctx context.Context, msg *Message) (*DeliveryResult, error)
	// GetName returns the provider's identifier (e.g., "smtp", "stdout").
	GetName() string
	// HealthCheck verifies the transport is reachable.
	HealthCheck(ctx context.Context) error
}

// Message is a rendered email ready for transport.
type Message struct {
	ID       string
	From     string
	To       []string
	Subject  string
	Headers  map[string]string
	TextBody string
	HTMLBody string
}

// DeliveryResult contains the outcome of a send.
type DeliveryResult struct {
	ProviderMessageID string
	Status            DeliveryStatus
	Timestamp         time.Time
	Metadata          map[string]string
}

// DeliveryStatus represents the outcome of a send.
type DeliveryStatus string

const (
	StatusSent   DeliveryStatus = "sent"
	StatusFailed DeliveryStatus = "failed"
)
