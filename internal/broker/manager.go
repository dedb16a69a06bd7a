package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Manager owns one Transport. It is the only component that talks to the
// broker session: inbound deliveries flow out through the Handler passed to
// Connect, outbound replies flow in through Publish.
type Manager struct {
	transport Transport
	log       zerolog.Logger

	pubMu     sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewManager wraps t.
func NewManager(t Transport, log zerolog.Logger) *Manager {
	return &Manager{
		transport: t,
		log:       log.With().Str("component", "broker").Str("transport", t.Name()).Logger(),
	}
}

// Name returns the transport name.
func (m *Manager) Name() string { return m.transport.Name() }

// Connect establishes the broker session and starts routing deliveries to h.
// Failures are returned as *ConnectionError; the transport has already
// released whatever it acquired.
func (m *Manager) Connect(ctx context.Context, h Handler) error {
	if m.closed.Load() {
		return &ConnectionError{Transport: m.Name(), Err: ErrClosed}
	}
	m.log.Info().Msg("connecting to broker")
	if err := m.transport.Connect(ctx, h); err != nil {
		m.log.Error().Err(err).Msg("broker connect failed")
		return &ConnectionError{Transport: m.Name(), Err: err}
	}
	m.log.Info().Msg("connected to broker")
	return nil
}

// ConnectRetry calls Connect until it succeeds, ctx is done or the manager is
// closed. The wait between attempts grows exponentially up to maxInterval.
func (m *Manager) ConnectRetry(ctx context.Context, h Handler, maxInterval time.Duration) error {
	op := func() error {
		if m.closed.Load() {
			return backoff.Permanent(&ConnectionError{Transport: m.Name(), Err: ErrClosed})
		}
		return m.Connect(ctx, h)
	}
	notify := func(err error, wait time.Duration) {
		m.log.Warn().Err(err).Dur("retry_in", wait).Msg("broker unavailable, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(newReconnectBackOff(maxInterval), ctx), notify)
}

// Status reports the transport state without blocking.
func (m *Manager) Status() State {
	if m.closed.Load() {
		return Disconnected
	}
	return m.transport.State()
}

// Publish sends payload to destination. Calls are serialized; a publish while
// the transport is not Connected fails with ErrNotConnected.
func (m *Manager) Publish(ctx context.Context, destination string, payload []byte) error {
	if st := m.Status(); st != Connected {
		return &PublishError{Transport: m.Name(), Destination: destination, Err: ErrNotConnected}
	}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	if err := m.transport.Publish(ctx, destination, payload); err != nil {
		return &PublishError{Transport: m.Name(), Destination: destination, Err: err}
	}
	return nil
}

// StopConsuming stops new deliveries while leaving Publish available, so
// jobs still running can report and settle before Close. It is a no-op once
// the manager is closed.
func (m *Manager) StopConsuming(ctx context.Context) error {
	if m.closed.Load() {
		return nil
	}
	if err := m.transport.StopConsuming(ctx); err != nil {
		m.log.Warn().Err(err).Msg("failed to stop broker consumer")
		return err
	}
	m.log.Info().Msg("broker consumer stopped")
	return nil
}

// Close shuts the transport down. It may be called before Connect and more
// than once; only the first call does any work.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.pubMu.Lock()
		defer m.pubMu.Unlock()

		if err = m.transport.Close(); err != nil {
			m.log.Warn().Err(err).Msg("broker shutdown finished with errors")
			return
		}
		m.log.Info().Msg("broker connection closed")
	})
	return err
}

// IsConnectionError reports whether err came from a failed connect.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
