package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stdout writes messages to standard output instead of delivering them.
type Stdout struct {
	writer io.Writer
}

// NewStdout creates a Stdout provider that prints to os.Stdout.
func NewStdout() *Stdout {
	return &Stdout{writer: os.Stdout}
}

func (s *Stdout) GetName() string { return "stdout" }

// Send prints a summary of msg followed by its plain-text body.
func (s *Stdout) Send(_ context.Context, msg *Message) (*DeliveryResult, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	var b strings.Builder
	b.WriteString("--- stdout provider: message ---\n")
	fmt.Fprintf(&b, "ID:      %s\n", msg.ID)
	fmt.Fprintf(&b, "From:    %s\n", msg.From)
	fmt.Fprintf(&b, "To:      %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "HTML:    (%d bytes)\n", len(msg.HTMLBody))
	b.WriteString("\n")
	b.WriteString(msg.TextBody)
	b.WriteString("\n--- end ---\n")

	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return nil, fmt.Errorf("stdout: write: %w", err)
	}

	return &DeliveryResult{
		ProviderMessageID: "stdout-" + msg.ID,
		Status:            StatusSent,
		Timestamp:         time.Now(),
	}, nil
}

func (s *Stdout) HealthCheck(_ context.Context) error { return nil }
