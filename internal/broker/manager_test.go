package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records calls and lets tests push deliveries through the
// handler it was connected with.
type fakeTransport struct {
	mu         sync.Mutex
	state      State
	handler    Handler
	connectErr error
	publishErr error
	closeErr   error
	connects   int
	closes     int
	stops      int
	stopErr    error
	published  []string
	inPublish  atomic.Int32
	maxPublish atomic.Int32
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeTransport) Connect(_ context.Context, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.handler = h
	f.state = Connected
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, destination string, _ []byte) error {
	n := f.inPublish.Add(1)
	defer f.inPublish.Add(-1)
	for {
		m := f.maxPublish.Load()
		if n <= m || f.maxPublish.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, destination)
	return nil
}

func (f *fakeTransport) StopConsuming(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.state = Disconnected
	return f.closeErr
}

func TestManager_CloseTwice(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(ft, zerolog.Nop())

	require.NoError(t, m.Connect(context.Background(), func(*Delivery) {}))
	assert.Equal(t, Connected, m.Status())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, Disconnected, m.Status())
	assert.Equal(t, 1, ft.closes)
}

func TestManager_CloseBeforeConnect(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(ft, zerolog.Nop())

	require.NoError(t, m.Close())
	assert.Equal(t, Disconnected, m.Status())

	err := m.Connect(context.Background(), func(*Delivery) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, ft.connects)
}

func TestManager_CloseReturnsTransportError(t *testing.T) {
	ft := &fakeTransport{closeErr: errors.New("channel already closed")}
	m := NewManager(ft, zerolog.Nop())

	require.Error(t, m.Close())
	require.NoError(t, m.Close())
}

func TestManager_ConnectError(t *testing.T) {
	cause := errors.New("connection refused")
	ft := &fakeTransport{connectErr: cause}
	m := NewManager(ft, zerolog.Nop())

	err := m.Connect(context.Background(), func(*Delivery) {})

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "fake", ce.Transport)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsConnectionError(err))
	assert.Equal(t, Disconnected, m.Status())
}

func TestManager_PublishWhenDisconnected(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(ft, zerolog.Nop())

	err := m.Publish(context.Background(), "notifications/email/ack/1", []byte(`{}`))

	assert.ErrorIs(t, err, ErrNotConnected)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "notifications/email/ack/1", pe.Destination)
	assert.Empty(t, ft.published)
}

func TestManager_PublishAfterConnectionLost(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(ft, zerolog.Nop())
	require.NoError(t, m.Connect(context.Background(), func(*Delivery) {}))

	ft.setState(Disconnected)

	assert.Equal(t, Disconnected, m.Status())
	assert.ErrorIs(t, m.Publish(context.Background(), "t/ack/1", nil), ErrNotConnected)
}

func TestManager_PublishWrapsTransportError(t *testing.T) {
	cause := errors.New("write: broken pipe")
	ft := &fakeTransport{publishErr: cause}
	m := NewManager(ft, zerolog.Nop())
	require.NoError(t, m.Connect(context.Background(), func(*Delivery) {}))

	err := m.Publish(context.Background(), "t/nack/2", []byte(`{}`))

	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, cause)
}

func TestManager_PublishIsSerialized(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(ft, zerolog.Nop())
	require.NoError(t, m.Connect(context.Background(), func(*Delivery) {}))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Publish(context.Background(), "t/ack/1", nil))
		}()
	}
	wg.Wait()

	assert.Len(t, ft.published, 16)
	assert.Equal(t, int32(1), ft.maxPublish.Load())
}

func TestManager_StopConsumingKeepsPublishing(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(ft, zerolog.Nop())
	require.NoError(t, m.Connect(context.Background(), func(*Delivery) {}))

	require.NoError(t, m.StopConsuming(context.Background()))

	assert.Equal(t, 1, ft.stops)
	assert.Equal(t, Connected, m.Status())
	require.NoError(t, m.Publish(context.Background(), "t/ack/1", []byte(`{}`)))
	assert.Equal(t, []string{"t/ack/1"}, ft.published)
}

func TestManager_StopConsumingError(t *testing.T) {
	cause := errors.New("channel closed")
	ft := &fakeTransport{stopErr: cause}
	m := NewManager(ft, zerolog.Nop())
	require.NoError(t, m.Connect(context.Background(), func(*Delivery) {}))

	assert.ErrorIs(t, m.StopConsuming(context.Background()), cause)
}

func TestManager_StopConsumingAfterClose(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(ft, zerolog.Nop())
	require.NoError(t, m.Close())

	require.NoError(t, m.StopConsuming(context.Background()))
	assert.Equal(t, 0, ft.stops)
}

func TestManager_StatusAfterConnectionDrop(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(ft, zerolog.Nop())
	require.NoError(t, m.Connect(context.Background(), func(*Delivery) {}))

	// A dropped link never reads as connected, whether or not a reconnect is
	// already under way.
	for _, s := range []State{Disconnected, Connecting} {
		ft.setState(s)
		assert.Equal(t, s, m.Status())
		assert.NotEqual(t, Connected, m.Status())
	}
}

func TestManager_ConnectRetry(t *testing.T) {
	ft := &fakeTransport{connectErr: errors.New("refused")}
	m := NewManager(ft, zerolog.Nop())

	go func() {
		time.Sleep(700 * time.Millisecond)
		ft.mu.Lock()
		ft.connectErr = nil
		ft.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectRetry(ctx, func(*Delivery) {}, time.Second))
	assert.Equal(t, Connected, m.Status())
	assert.Greater(t, ft.connects, 1)
}

func TestManager_ConnectRetryStopsOnClose(t *testing.T) {
	ft := &fakeTransport{connectErr: errors.New("refused")}
	m := NewManager(ft, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- m.ConnectRetry(context.Background(), func(*Delivery) {}, 200*time.Millisecond) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("ConnectRetry did not stop after Close")
	}
}

func TestDelivery_SettleOnce(t *testing.T) {
	var got []Disposition
	d := NewDelivery("fake", "q", "1", []byte("x"), false, func(disp Disposition) error {
		got = append(got, disp)
		return nil
	})

	require.NoError(t, d.Settle(Ack))
	assert.ErrorIs(t, d.Settle(Requeue), ErrAlreadySettled)
	assert.True(t, d.Settled())
	assert.Equal(t, []Disposition{Ack}, got)
}

func TestDelivery_SettleError(t *testing.T) {
	cause := errors.New("channel closed")
	d := NewDelivery("fake", "q", "", nil, false, func(Disposition) error { return cause })

	err := d.Settle(Reject)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "reject")
}

func TestStateStrings(t *testing.T) {
	tests := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Closing:      "closing",
		State(42):    "unknown",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
}

func TestPollBackoffBounds(t *testing.T) {
	for attempt := -1; attempt < len(pollSchedule)+3; attempt++ {
		idx := min(max(attempt, 0), len(pollSchedule)-1)
		base := pollSchedule[idx]
		d := pollBackoff(attempt)
		assert.GreaterOrEqual(t, d, base/2)
		assert.LessOrEqual(t, d, base)
	}
}

func TestSlots(t *testing.T) {
	s := newSlots(2)
	ctx := context.Background()

	require.NoError(t, s.acquire(ctx))
	require.NoError(t, s.acquire(ctx))
	assert.Equal(t, 0, s.free())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.acquire(short), context.DeadlineExceeded)

	s.release()
	assert.Equal(t, 1, s.free())
	s.release()
	s.release()
	assert.Equal(t, 2, s.free())
}
