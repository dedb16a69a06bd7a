package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTP delivers messages to an upstream mail server.
type SMTP struct {
	cfg SMTPConfig
}

// NewSMTP creates an SMTP provider. cfg is expected to have passed Config.Validate.
func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	return &SMTP{cfg: cfg}
}

func (s *SMTP) GetName() string { return "smtp" }

// Mode resolves the effective TLS mode.
func (s *SMTP) Mode() string {
	if s.cfg.TLSMode != "" && s.cfg.TLSMode != "auto" {
		return s.cfg.TLSMode
	}
	switch s.cfg.Port {
	case 465:
		return "tls"
	case 587:
		return "starttls"
	default:
		return "none"
	}
}

// Send runs one SMTP transaction for msg. Failures are returned as *ProviderError.
func (s *SMTP) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	data, err := BuildMIME(msg)
	if err != nil {
		return nil, &ProviderError{
			Provider: s.GetName(), Kind: KindRejected, Stage: StageData,
			Message: err.Error(), Permanent: true, Err: err,
		}
	}

	c, err := s.dial(ctx)
	if err != nil {
		return nil, s.classify(ctx, StageConnect, err)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if s.cfg.User != "" && s.cfg.Password != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.User, s.cfg.Password)); err != nil {
			return nil, s.classify(ctx, StageAuth, err)
		}
	}

	if err := c.Mail(msg.From, nil); err != nil {
		return nil, s.classify(ctx, StageMail, err)
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return nil, s.classify(ctx, StageRcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return nil, s.classify(ctx, StageData, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, s.classify(ctx, StageData, err)
	}
	if err := w.Close(); err != nil {
		return nil, s.classify(ctx, StageData, err)
	}

	// The message is accepted once DATA completes; a failed QUIT does not undo that.
	_ = c.Quit()

	return &DeliveryResult{
		ProviderMessageID: msg.ID,
		Status:            StatusSent,
		Timestamp:         time.Now(),
		Metadata:          map[string]string{"tls_mode": s.Mode()},
	}, nil
}

// HealthCheck opens a session and issues NOOP.
func (s *SMTP) HealthCheck(ctx context.Context) error {
	c, err := s.dial(ctx)
	if err != nil {
		return s.classify(ctx, StageConnect, err)
	}
	defer c.Close()

	if err := c.Noop(); err != nil {
		return s.classify(ctx, StageConnect, err)
	}
	return c.Quit()
}

func (s *SMTP) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: !s.cfg.VerifyCert, //nolint:gosec // operator opt-out for self-signed relays
		MinVersion:         tls.VersionTLS12,
	}

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	mode := s.Mode()

	var (
		conn net.Conn
		err  error
	)
	if mode == "tls" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// go-smtp manages per-command deadlines itself, so cancellation during
	// the greeting and EHLO is enforced by closing the connection.
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(hsCtx, func() { _ = conn.Close() })
	defer stop()

	c, err := s.handshake(conn, mode, tlsConfig)
	if err != nil {
		if hsErr := hsCtx.Err(); hsErr != nil {
			err = fmt.Errorf("%w (%v)", hsErr, err)
		}
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	timeout := s.commandTimeout(ctx)
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout
	return c, nil
}

func (s *SMTP) handshake(conn net.Conn, mode string, tlsConfig *tls.Config) (*smtp.Client, error) {
	// NewClientStartTLS greets the server itself, so EHLO is only sent
	// explicitly on plain and implicit-TLS connections.
	if mode == "starttls" {
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
		return c, nil
	}

	c := smtp.NewClient(conn)
	c.CommandTimeout = s.cfg.Timeout
	if err := c.Hello(s.cfg.LocalName); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	return c, nil
}

// commandTimeout bounds each SMTP command by smtp.timeout and the time left
// on ctx.
func (s *SMTP) commandTimeout(ctx context.Context) time.Duration {
	timeout := s.cfg.Timeout
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left < timeout {
			timeout = max(left, time.Millisecond)
		}
	}
	return timeout
}

// classify reports the context error when cancellation cut the transaction short.
func (s *SMTP) classify(ctx context.Context, stage Stage, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return ClassifySMTPError(stage, err)
}
