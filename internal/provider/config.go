package provider

import (
	"errors"
	"fmt"
	"time"
)

// Config selects and configures a Provider.
type Config struct {
	// Type is one of "smtp", "stdout", "file".
	Type string
	// OutputDir is the target directory of the file provider.
	OutputDir string
	SMTP      SMTPConfig
}

// SMTPConfig configures the SMTP provider.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// TLSMode is "auto", "tls", "starttls" or "none". Auto selects implicit
	// TLS on port 465, STARTTLS on 587 and plain text otherwise.
	TLSMode    string
	VerifyCert bool
	Timeout    time.Duration
	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string
}

const defaultTimeout = 30 * time.Second

// Validate checks that required fields are set for the provider type and
// fills defaults.
func (c *Config) Validate() error {
	if c.Type == "" {
		return errors.New("provider type is required")
	}

	switch c.Type {
	case "smtp":
		if c.SMTP.Host == "" {
			return errors.New("smtp: host is required")
		}
		if c.SMTP.Port <= 0 {
			return fmt.Errorf("smtp: invalid port %d", c.SMTP.Port)
		}
		if c.SMTP.Timeout == 0 {
			c.SMTP.Timeout = defaultTimeout
		}
		if c.SMTP.TLSMode == "" {
			c.SMTP.TLSMode = "auto"
		}
		if c.SMTP.LocalName == "" {
			c.SMTP.LocalName = "localhost"
		}
	case "stdout", "file":
	default:
		return fmt.Errorf("unsupported provider type: %s", c.Type)
	}

	return nil
}

// New creates the provider described by cfg.
func New(cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	switch cfg.Type {
	case "smtp":
		return NewSMTP(cfg.SMTP), nil
	case "stdout":
		return NewStdout(), nil
	default:
		return NewFile(cfg.OutputDir), nil
	}
}
