// Package worker turns broker deliveries into gateway deliveries. The
// Dispatcher bounds how many run at once and keeps broker order; the Reporter
// publishes the matching ack or nack.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/broker"
	"github.com/sungwon/mail-relay/internal/codec"
	"github.com/sungwon/mail-relay/internal/delivery"
	"github.com/sungwon/mail-relay/internal/logger"
	"github.com/sungwon/mail-relay/internal/metrics"
)

// ErrQueueFull means a delivery was handed back to the broker because the
// handoff queue had no room.
var ErrQueueFull = errors.New("worker: handoff queue full")

// ErrStopped means a delivery arrived after the dispatcher stopped.
var ErrStopped = errors.New("worker: dispatcher stopped")

// Config tunes the Dispatcher.
type Config struct {
	// Limit is the number of deliveries processed concurrently. With a
	// limit of 1 deliveries are processed strictly in arrival order.
	Limit int
	// QueueSize bounds deliveries accepted but not yet started. It is
	// raised to Limit if smaller.
	QueueSize int
	// ProcessTimeout bounds one delivery including its reply.
	ProcessTimeout time.Duration
	// ShutdownTimeout bounds how long Run waits for running jobs on exit.
	ShutdownTimeout time.Duration
	// RequeueFailed returns failed deliveries to the broker instead of
	// dropping them.
	RequeueFailed bool
}

// Dispatcher accepts deliveries from a broker transport without blocking it
// and processes them on a bounded goroutine pool.
type Dispatcher struct {
	cfg      Config
	gateway  delivery.Gateway
	reporter *Reporter
	log      zerolog.Logger

	queue    chan *InFlight
	seq      atomic.Uint64
	inflight gauge

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher creates a Dispatcher. Call Run to start processing and pass
// Handle to the broker as its Handler.
func NewDispatcher(cfg Config, gw delivery.Gateway, reporter *Reporter, log zerolog.Logger) *Dispatcher {
	if cfg.Limit < 1 {
		cfg.Limit = 1
	}
	if cfg.QueueSize < cfg.Limit {
		cfg.QueueSize = cfg.Limit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		gateway:  gw,
		reporter: reporter,
		log:      logger.Component(log, "dispatcher"),
		queue:    make(chan *InFlight, cfg.QueueSize),
	}
}

// Handle is the broker callback. It decodes the payload and enqueues the job
// without waiting; when the queue is full or the dispatcher has stopped the
// delivery is requeued at the broker.
func (d *Dispatcher) Handle(del *broker.Delivery) {
	_ = d.accept(del)
}

func (d *Dispatcher) accept(del *broker.Delivery) error {
	job := &InFlight{
		Seq:      d.seq.Add(1),
		Delivery: del,
		Accepted: time.Now(),
	}
	job.Item, job.DecodeErr = codec.Decode(del.Body)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.settle(job, broker.Requeue)
		return ErrStopped
	}

	select {
	case d.queue <- job:
		return nil
	default:
		metrics.HandoffRejectedTotal.Inc()
		d.log.Warn().
			Uint64("seq", job.Seq).
			Str("source", del.Source).
			Int("queue_size", d.cfg.QueueSize).
			Msg("handoff queue full, requeueing delivery")
		d.settle(job, broker.Requeue)
		return ErrQueueFull
	}
}

// Run pumps queued jobs into the pool until ctx is done. On exit, jobs that
// never started are requeued and running jobs are awaited up to
// ShutdownTimeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	pool, err := ants.NewPool(d.cfg.Limit,
		ants.WithPreAlloc(true),
		ants.WithPanicHandler(func(p any) {
			d.log.Error().Interface("panic", p).Msg("panic in delivery job")
		}),
	)
	if err != nil {
		return err
	}

	// Jobs outlive ctx so that running deliveries finish and report.
	jobCtx := context.WithoutCancel(ctx)

	d.log.Info().
		Int("limit", d.cfg.Limit).
		Int("queue_size", d.cfg.QueueSize).
		Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.stop(pool)
			return nil
		case job := <-d.queue:
			// Blocks while all workers are busy.
			if err := pool.Submit(func() { d.process(jobCtx, job) }); err != nil {
				d.log.Error().Err(err).Uint64("seq", job.Seq).Msg("failed to submit job")
				d.settle(job, broker.Requeue)
			}
		}
	}
}

func (d *Dispatcher) stop(pool *ants.Pool) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	requeued := 0
drain:
	for {
		select {
		case job := <-d.queue:
			d.settle(job, broker.Requeue)
			requeued++
		default:
			break drain
		}
	}

	if err := pool.ReleaseTimeout(d.cfg.ShutdownTimeout); err != nil {
		d.log.Warn().Err(err).Int("running", pool.Running()).Msg("dispatcher shutdown timed out")
	}
	d.log.Info().Int("requeued", requeued).Msg("dispatcher stopped")
}

func (d *Dispatcher) process(ctx context.Context, job *InFlight) {
	d.inflight.inc()
	defer d.inflight.dec()
	defer func() { metrics.ProcessingDuration.Observe(time.Since(job.Accepted).Seconds()) }()

	ctx = logger.WithCorrelationID(ctx, logger.NewCorrelationID())
	if d.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ProcessTimeout)
		defer cancel()
	}

	log := d.log.With().
		Uint64("seq", job.Seq).
		Str("source", job.Delivery.Source).
		Str("message_id", job.ReplyID()).
		Str("correlation_id", logger.CorrelationIDFromContext(ctx)).
		Logger()

	if job.DecodeErr != nil {
		var de *codec.DecodeError
		reason := "invalid JSON"
		if errors.As(job.DecodeErr, &de) {
			reason = de.Reason()
		}
		metrics.DecodeFailuresTotal.WithLabelValues(codec.KindOf(job.DecodeErr).String()).Inc()
		log.Warn().Err(job.DecodeErr).Msg("discarding undecodable delivery")

		d.reporter.Nack(ctx, job, reason)
		d.settle(job, broker.Reject)
		return
	}

	ctx = delivery.WithOrigin(ctx, delivery.Origin{
		Channel:   "broker",
		Source:    job.Delivery.Source,
		MessageID: job.ReplyID(),
	})
	out := d.gateway.Deliver(ctx, job.Item)

	if out.OK() {
		d.reporter.Ack(ctx, job)
		d.settle(job, broker.Ack)
		return
	}

	log.Warn().Err(out.Err).Str("reason", out.Reason).Msg("delivery failed")
	d.reporter.Nack(ctx, job, out.Reason)
	if d.cfg.RequeueFailed {
		d.settle(job, broker.Requeue)
	} else {
		d.settle(job, broker.Reject)
	}
}

func (d *Dispatcher) settle(job *InFlight, disp broker.Disposition) {
	if err := job.Delivery.Settle(disp); err != nil {
		d.log.Error().
			Err(err).
			Uint64("seq", job.Seq).
			Str("disposition", disp.String()).
			Msg("failed to settle delivery")
	}
}

// InFlight reports how many deliveries are being processed right now.
func (d *Dispatcher) InFlight() int64 { return d.inflight.cur.Load() }

// PeakInFlight reports the highest concurrency observed.
func (d *Dispatcher) PeakInFlight() int64 { return d.inflight.peak.Load() }
