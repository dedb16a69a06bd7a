package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/api"
	"github.com/sungwon/mail-relay/internal/auth"
	"github.com/sungwon/mail-relay/internal/broker"
	"github.com/sungwon/mail-relay/internal/config"
	"github.com/sungwon/mail-relay/internal/delivery"
	"github.com/sungwon/mail-relay/internal/logger"
	"github.com/sungwon/mail-relay/internal/provider"
	"github.com/sungwon/mail-relay/internal/storage"
	"github.com/sungwon/mail-relay/internal/templates"
	"github.com/sungwon/mail-relay/internal/worker"
)

const (
	httpShutdownTimeout  = 30 * time.Second
	maxReconnectInterval = 30 * time.Second
)

func main() {
	configDir := os.Getenv("MAIL_RELAY_CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().Str("broker", cfg.Broker.Type).Str("provider", cfg.Provider.Type).Msg("starting mail relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Delivery path: template store, renderer, provider, optional delivery log.
	prov, err := provider.New(provider.Config{
		Type:      cfg.Provider.Type,
		OutputDir: cfg.Provider.OutputDir,
		SMTP: provider.SMTPConfig{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			User:       cfg.SMTP.User,
			Password:   cfg.SMTP.Password,
			TLSMode:    cfg.SMTP.TLSMode,
			VerifyCert: cfg.SMTP.VerifyCert,
			Timeout:    cfg.SMTP.Timeout,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create mail provider")
	}

	store, err := templates.NewStore(templates.Config{
		Type:       cfg.Templates.Type,
		Path:       cfg.Templates.Path,
		S3Bucket:   cfg.Templates.S3Bucket,
		S3Prefix:   cfg.Templates.S3Prefix,
		S3Endpoint: cfg.Templates.S3Endpoint,
		S3Region:   cfg.Templates.S3Region,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open template store")
	}
	renderer := templates.NewRenderer(store, logger.Component(log, "templates"))

	mailerOpts := []delivery.MailerOption{
		delivery.WithFrom(cfg.SMTP.From),
		delivery.WithTimeout(cfg.Worker.ProcessTimeout),
	}

	var deliveries api.DeliveryLister
	if cfg.Database.URL != "" {
		db, err := storage.NewDB(ctx, storage.Config{
			URL:            cfg.Database.URL,
			MinConns:       cfg.Database.PoolMin,
			MaxConns:       cfg.Database.PoolMax,
			ConnectTimeout: cfg.Database.ConnectTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		dlog := storage.NewDeliveryLog(db.Pool)
		mailerOpts = append(mailerOpts, delivery.WithRecorder(dlog))
		deliveries = dlog
		log.Info().Msg("delivery log enabled")
	}

	mailer := delivery.NewMailer(renderer, prov, logger.Component(log, "delivery"), mailerOpts...)

	// Broker path.
	mgr, err := broker.New(cfg.Broker, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create broker transport")
	}

	var brokerStatus api.BrokerStatus
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatchDone := make(chan struct{})

	if mgr == nil {
		close(dispatchDone)
		log.Info().Msg("broker disabled")
	} else {
		brokerStatus = mgr
		dispatcher := worker.NewDispatcher(worker.Config{
			Limit:           cfg.Broker.Prefetch,
			QueueSize:       cfg.Worker.QueueSize,
			ProcessTimeout:  cfg.Worker.ProcessTimeout,
			ShutdownTimeout: cfg.Worker.ShutdownTimeout,
			RequeueFailed:   cfg.Broker.RequeueFailed,
		}, mailer, worker.NewReporter(mgr, logger.Component(log, "reporter")), log)

		go func() {
			defer close(dispatchDone)
			if err := dispatcher.Run(dispatchCtx); err != nil {
				log.Error().Err(err).Msg("dispatcher failed")
			}
		}()

		connectCtx, cancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout)
		err := mgr.Connect(connectCtx, dispatcher.Handle)
		cancel()
		if err != nil {
			if cfg.Broker.Required {
				log.Fatal().Err(err).Msg("broker connection required")
			}
			log.Warn().Err(err).Msg("starting without broker, retrying in background")
			go func() {
				if err := mgr.ConnectRetry(ctx, dispatcher.Handle, maxReconnectInterval); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("giving up on broker connection")
				}
			}()
		}
	}

	// HTTP API.
	router := api.NewRouter(api.Deps{
		Gateway:    mailer,
		Broker:     brokerStatus,
		Verifier:   auth.NewVerifier(cfg.API.SecretKey),
		Deliveries: deliveries,
		Log:        logger.Component(log, "api"),
	})

	srv := &http.Server{
		Addr:         cfg.API.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down mail relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if mgr != nil {
		drainBroker(mgr, cancelDispatch, dispatchDone, cfg.Worker.ShutdownTimeout, log)
	} else {
		cancelDispatch()
		<-dispatchDone
	}

	log.Info().Msg("mail relay stopped")
}

type consumer interface {
	StopConsuming(ctx context.Context) error
	Close() error
}

// drainBroker stops new deliveries before the dispatcher drains, so queued
// work is requeued once instead of being redelivered into a closing
// dispatcher. Running jobs still publish their replies, so the broker closes
// last.
func drainBroker(c consumer, cancelDispatch context.CancelFunc, dispatchDone <-chan struct{}, timeout time.Duration, log zerolog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.StopConsuming(stopCtx); err != nil {
		log.Warn().Err(err).Msg("broker consumer did not stop cleanly")
	}

	cancelDispatch()
	<-dispatchDone

	if err := c.Close(); err != nil {
		log.Error().Err(err).Msg("broker shutdown error")
	}
}
