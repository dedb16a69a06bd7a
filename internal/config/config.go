// Package config loads relay configuration from config.yaml, a .env file and
// MAIL_RELAY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MAIL_RELAY_BROKER_HOST.
const EnvPrefix = "MAIL_RELAY"

// Config holds all application configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig holds HTTP server configuration.
type APIConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SecretKey    string        `mapstructure:"secret_key"`
}

// SMTPConfig holds the outbound mail transport settings.
type SMTPConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	From       string        `mapstructure:"from"`
	TLSMode    string        `mapstructure:"tls_mode"` // auto, tls, starttls, none
	VerifyCert bool          `mapstructure:"verify_cert"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ProviderConfig selects the delivery provider.
type ProviderConfig struct {
	Type      string `mapstructure:"type"` // smtp, stdout, file
	OutputDir string `mapstructure:"output_dir"`
}

// TemplatesConfig selects where template sources are loaded from.
type TemplatesConfig struct {
	Type       string `mapstructure:"type"` // local, s3
	Path       string `mapstructure:"path"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Region   string `mapstructure:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
}

// BrokerConfig holds message broker settings. Fields apply to the transports
// that understand them and are ignored by the others.
type BrokerConfig struct {
	Type           string        `mapstructure:"type"` // mqtt, amqp, redis, sqs, none
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ClientID       string        `mapstructure:"client_id"`
	Topic          string        `mapstructure:"topic"`
	Queue          string        `mapstructure:"queue"`
	VHost          string        `mapstructure:"vhost"`
	Exchange       string        `mapstructure:"exchange"`
	Durable        bool          `mapstructure:"durable"`
	Prefetch       int           `mapstructure:"prefetch"`
	Keepalive      time.Duration `mapstructure:"keepalive"`
	Reconnect      bool          `mapstructure:"reconnect"`
	RequeueFailed  bool          `mapstructure:"requeue_failed"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	QoS            byte          `mapstructure:"qos"`
	RedisDB        int           `mapstructure:"redis_db"`
	Group          string        `mapstructure:"group"`
	// RedisClaimIdle is how long a pending stream entry waits before it is
	// claimed again. Zero disables reclaiming.
	RedisClaimIdle time.Duration `mapstructure:"redis_claim_idle"`
	SQSQueueURL    string        `mapstructure:"sqs_queue_url"`
	SQSReplyURL    string        `mapstructure:"sqs_reply_queue_url"`
	SQSRegion      string        `mapstructure:"sqs_region"`
	SQSEndpoint    string        `mapstructure:"sqs_endpoint"`
	SQSWaitTime    int32         `mapstructure:"sqs_wait_time"`
	// SQSVisibilityTimeout must outlast worker.process_timeout.
	SQSVisibilityTimeout time.Duration `mapstructure:"sqs_visibility_timeout"`
	Required             bool          `mapstructure:"required"`
}

// WorkerConfig tunes the inbound dispatcher.
type WorkerConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	ProcessTimeout  time.Duration `mapstructure:"process_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration. An empty URL
// disables the delivery log.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	PoolMin        int32         `mapstructure:"pool_min"`
	PoolMax        int32         `mapstructure:"pool_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	FilePath  string `mapstructure:"file_path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
}

// maxSQSVisibility is the longest visibility timeout SQS accepts.
const maxSQSVisibility = 12 * time.Hour

var brokerTypes = map[string]bool{"mqtt": true, "amqp": true, "redis": true, "sqs": true, "none": true}

// Load reads configuration from configPath. A .env file in configPath (or the
// working directory) is loaded into the environment first; config.yaml is
// optional. Environment variables with the MAIL_RELAY_ prefix override file
// values, for example MAIL_RELAY_BROKER_HOST overrides broker.host.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(configPath, ".env"))
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8000)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.secret_key", "")

	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "no-reply@sdvg.dev")
	v.SetDefault("smtp.tls_mode", "auto")
	v.SetDefault("smtp.verify_cert", true)
	v.SetDefault("smtp.timeout", 30*time.Second)

	v.SetDefault("provider.type", "smtp")
	v.SetDefault("provider.output_dir", "./mail-out")

	v.SetDefault("templates.type", "local")
	v.SetDefault("templates.path", "./templates")
	v.SetDefault("templates.s3_bucket", "")
	v.SetDefault("templates.s3_prefix", "templates/")
	v.SetDefault("templates.s3_region", "us-east-1")
	v.SetDefault("templates.s3_endpoint", "")

	v.SetDefault("broker.type", "mqtt")
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 1883)
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.client_id", "mail-relay")
	v.SetDefault("broker.topic", "notifications/email")
	v.SetDefault("broker.queue", "email_queue")
	v.SetDefault("broker.vhost", "/")
	v.SetDefault("broker.exchange", "")
	v.SetDefault("broker.durable", false)
	v.SetDefault("broker.prefetch", 1)
	v.SetDefault("broker.keepalive", 60*time.Second)
	v.SetDefault("broker.reconnect", true)
	v.SetDefault("broker.requeue_failed", false)
	v.SetDefault("broker.connect_timeout", 10*time.Second)
	v.SetDefault("broker.qos", 1)
	v.SetDefault("broker.redis_db", 0)
	v.SetDefault("broker.group", "mail-relay")
	v.SetDefault("broker.redis_claim_idle", 60*time.Second)
	v.SetDefault("broker.sqs_queue_url", "")
	v.SetDefault("broker.sqs_reply_queue_url", "")
	v.SetDefault("broker.sqs_region", "us-east-1")
	v.SetDefault("broker.sqs_endpoint", "")
	v.SetDefault("broker.sqs_wait_time", 20)
	v.SetDefault("broker.sqs_visibility_timeout", 90*time.Second)
	v.SetDefault("broker.required", false)

	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.process_timeout", 60*time.Second)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.pool_min", 1)
	v.SetDefault("database.pool_max", 5)
	v.SetDefault("database.connect_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "./logs/mail-relay.log")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)
}

// Validate reports the first configuration problem that would prevent startup.
func (c *Config) Validate() error {
	if c.API.SecretKey == "" {
		return errors.New("api.secret_key is required")
	}
	if !brokerTypes[c.Broker.Type] {
		return fmt.Errorf("unknown broker type %q", c.Broker.Type)
	}
	if c.Broker.Prefetch < 1 {
		return fmt.Errorf("broker.prefetch must be at least 1, got %d", c.Broker.Prefetch)
	}
	if c.Broker.QoS > 2 {
		return fmt.Errorf("broker.qos must be 0, 1 or 2, got %d", c.Broker.QoS)
	}
	if c.Broker.Type == "sqs" {
		if c.Broker.SQSQueueURL == "" {
			return errors.New("broker.sqs_queue_url is required for the sqs broker")
		}
		// A message still hidden when processing ends cannot be received twice.
		if c.Broker.SQSVisibilityTimeout <= c.Worker.ProcessTimeout {
			return fmt.Errorf("broker.sqs_visibility_timeout (%s) must exceed worker.process_timeout (%s)",
				c.Broker.SQSVisibilityTimeout, c.Worker.ProcessTimeout)
		}
		if c.Broker.SQSVisibilityTimeout > maxSQSVisibility {
			return fmt.Errorf("broker.sqs_visibility_timeout must be at most %s", maxSQSVisibility)
		}
	}
	if c.Broker.RedisClaimIdle < 0 {
		return fmt.Errorf("broker.redis_claim_idle must not be negative, got %s", c.Broker.RedisClaimIdle)
	}
	if c.Worker.QueueSize < 1 {
		return fmt.Errorf("worker.queue_size must be at least 1, got %d", c.Worker.QueueSize)
	}
	switch c.SMTP.TLSMode {
	case "auto", "tls", "starttls", "none":
	default:
		return fmt.Errorf("unknown smtp.tls_mode %q", c.SMTP.TLSMode)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
