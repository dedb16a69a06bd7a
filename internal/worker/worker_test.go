package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sungwon/mail-relay/internal/broker"
	"github.com/sungwon/mail-relay/internal/codec"
	"github.com/sungwon/mail-relay/internal/delivery"
)

const topic = "notifications/email"

// events is an ordered log shared by the fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeGateway struct {
	ev      *events
	delay   time.Duration
	block   chan struct{}
	outcome func(codec.WorkItem) delivery.Outcome

	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
	origins []delivery.Origin
	mu      sync.Mutex
}

func (g *fakeGateway) Deliver(ctx context.Context, item codec.WorkItem) delivery.Outcome {
	g.calls.Add(1)
	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	g.mu.Lock()
	g.origins = append(g.origins, delivery.OriginFromContext(ctx))
	g.mu.Unlock()

	if g.ev != nil {
		g.ev.add("deliver " + item.Subject)
	}
	if g.block != nil {
		<-g.block
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.outcome != nil {
		return g.outcome(item)
	}
	return delivery.Success()
}

type reply struct {
	dest    string
	payload string
}

type fakePublisher struct {
	ev  *events
	err error

	mu      sync.Mutex
	replies []reply
}

func (p *fakePublisher) Publish(_ context.Context, dest string, payload []byte) error {
	if p.ev != nil {
		p.ev.add("reply " + dest)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, reply{dest: dest, payload: string(payload)})
	return p.err
}

func (p *fakePublisher) getReplies() []reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]reply(nil), p.replies...)
}

// settlements records the disposition of every delivery by broker id.
type settlements struct {
	mu   sync.Mutex
	byID map[string][]broker.Disposition
	done chan string
}

func newSettlements() *settlements {
	return &settlements{byID: map[string][]broker.Disposition{}, done: make(chan string, 128)}
}

func (s *settlements) delivery(id string, body string) *broker.Delivery {
	return broker.NewDelivery("fake", topic, id, []byte(body), false, func(d broker.Disposition) error {
		s.mu.Lock()
		s.byID[id] = append(s.byID[id], d)
		s.mu.Unlock()
		s.done <- id
		return nil
	})
}

func (s *settlements) get(id string) []broker.Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

func (s *settlements) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d deliveries settled", i, n)
		}
	}
}

func workItem(subject string) string {
	return fmt.Sprintf(`{"to":"user@example.com","subject":%q,"template":"welcome","context":{"name":"Ada"}}`, subject)
}

func startDispatcher(t *testing.T, cfg Config, gw delivery.Gateway, pub Publisher) (*Dispatcher, context.CancelFunc, chan error) {
	t.Helper()
	d := NewDispatcher(cfg, gw, NewReporter(pub, zerolog.Nop()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, cancel, done
}

func TestDispatcher_AckScenario(t *testing.T) {
	pub := &fakePublisher{}
	gw := &fakeGateway{}
	st := newSettlements()
	d, _, _ := startDispatcher(t, Config{Limit: 1, QueueSize: 4}, gw, pub)

	d.Handle(st.delivery("42", workItem("Hi")))
	st.wait(t, 1)

	replies := pub.getReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, "notifications/email/ack/42", replies[0].dest)
	assert.JSONEq(t, `{"status":"ack","message_id":"42","response":{"status":"ok"}}`, replies[0].payload)
	assert.Equal(t, []broker.Disposition{broker.Ack}, st.get("42"))

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.origins, 1)
	assert.Equal(t, delivery.Origin{Channel: "broker", Source: topic, MessageID: "42"}, gw.origins[0])
}

func TestDispatcher_NackOnDeliveryFailure(t *testing.T) {
	tests := []struct {
		name          string
		requeueFailed bool
		want          broker.Disposition
	}{
		{name: "reject", requeueFailed: false, want: broker.Reject},
		{name: "requeue", requeueFailed: true, want: broker.Requeue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			gw := &fakeGateway{outcome: func(codec.WorkItem) delivery.Outcome {
				return delivery.Failure(delivery.ReasonTemplateNotFound, errors.New("no such template"))
			}}
			st := newSettlements()
			d, _, _ := startDispatcher(t, Config{Limit: 1, QueueSize: 4, RequeueFailed: tt.requeueFailed}, gw, pub)

			d.Handle(st.delivery("7", workItem("Hi")))
			st.wait(t, 1)

			replies := pub.getReplies()
			require.Len(t, replies, 1)
			assert.Equal(t, "notifications/email/nack/7", replies[0].dest)
			assert.JSONEq(t, `{"status":"nack","message_id":"7","error":"template not found"}`, replies[0].payload)
			assert.Equal(t, []broker.Disposition{tt.want}, st.get("7"))
		})
	}
}

func TestDispatcher_MalformedInput(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{name: "invalid json", body: `{`, reason: "invalid JSON"},
		{name: "missing recipient", body: `{"subject":"s","template":"t"}`, reason: "schema violation"},
		{name: "wrong type", body: `{"to":"a@b.c","subject":"s","template":"t","context":[1]}`, reason: "schema violation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			gw := &fakeGateway{}
			st := newSettlements()
			d, _, _ := startDispatcher(t, Config{Limit: 1, QueueSize: 4}, gw, pub)

			d.Handle(st.delivery("", tt.body))
			st.wait(t, 1)

			assert.Equal(t, int32(0), gw.calls.Load())
			replies := pub.getReplies()
			require.Len(t, replies, 1)
			assert.Equal(t, "notifications/email/nack/1", replies[0].dest)
			assert.JSONEq(t, fmt.Sprintf(`{"status":"nack","message_id":"1","error":%q}`, tt.reason), replies[0].payload)
			assert.Equal(t, []broker.Disposition{broker.Reject}, st.get(""))
		})
	}
}

func TestDispatcher_StrictOrderWithLimitOne(t *testing.T) {
	ev := &events{}
	pub := &fakePublisher{ev: ev}
	gw := &fakeGateway{ev: ev, delay: 5 * time.Millisecond}
	st := newSettlements()
	d, _, _ := startDispatcher(t, Config{Limit: 1, QueueSize: 16}, gw, pub)

	const n = 8
	for i := 1; i <= n; i++ {
		d.Handle(st.delivery(fmt.Sprint(i), workItem(fmt.Sprint(i))))
	}
	st.wait(t, n)

	var want []string
	for i := 1; i <= n; i++ {
		want = append(want, fmt.Sprintf("deliver %d", i), fmt.Sprintf("reply notifications/email/ack/%d", i))
	}
	assert.Equal(t, want, ev.get())
	assert.Equal(t, int32(1), gw.peak.Load())
}

func TestDispatcher_ConcurrencyBound(t *testing.T) {
	pub := &fakePublisher{}
	gw := &fakeGateway{delay: 20 * time.Millisecond}
	st := newSettlements()
	d, _, _ := startDispatcher(t, Config{Limit: 3, QueueSize: 32}, gw, pub)

	const n = 20
	for i := 1; i <= n; i++ {
		d.Handle(st.delivery(fmt.Sprint(i), workItem("load")))
	}
	st.wait(t, n)

	assert.LessOrEqual(t, gw.peak.Load(), int32(3))
	assert.LessOrEqual(t, d.PeakInFlight(), int64(3))
	assert.Equal(t, int32(n), gw.calls.Load())
	assert.Len(t, pub.getReplies(), n)
}

func TestDispatcher_QueueFullRequeues(t *testing.T) {
	pub := &fakePublisher{}
	st := newSettlements()
	// Not running: nothing drains the queue.
	d := NewDispatcher(Config{Limit: 1, QueueSize: 1}, &fakeGateway{}, NewReporter(pub, zerolog.Nop()), zerolog.Nop())

	require.NoError(t, d.accept(st.delivery("1", workItem("a"))))
	err := d.accept(st.delivery("2", workItem("b")))

	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, []broker.Disposition{broker.Requeue}, st.get("2"))
	assert.Empty(t, st.get("1"))
	assert.Empty(t, pub.getReplies())
}

func TestDispatcher_PublishFailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker: not connected")}
	gw := &fakeGateway{}
	st := newSettlements()
	d, _, _ := startDispatcher(t, Config{Limit: 1, QueueSize: 4}, gw, pub)

	d.Handle(st.delivery("9", workItem("Hi")))
	st.wait(t, 1)

	assert.Equal(t, int32(1), gw.calls.Load())
	assert.Len(t, pub.getReplies(), 1)
	assert.Equal(t, []broker.Disposition{broker.Ack}, st.get("9"))
}

func TestDispatcher_ShutdownSettlesEverything(t *testing.T) {
	pub := &fakePublisher{}
	gw := &fakeGateway{block: make(chan struct{})}
	st := newSettlements()
	d, cancel, done := startDispatcher(t, Config{Limit: 1, QueueSize: 8, ShutdownTimeout: 5 * time.Second}, gw, pub)

	for i := 1; i <= 4; i++ {
		d.Handle(st.delivery(fmt.Sprint(i), workItem(fmt.Sprint(i))))
	}
	require.Eventually(t, func() bool { return gw.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	close(gw.block)
	select {
	case err := <-done:
		require.NoError(t, err)
		done <- err // the cleanup waits on done too
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	st.wait(t, 4)

	assert.Equal(t, []broker.Disposition{broker.Ack}, st.get("1"))
	for i := 2; i <= 4; i++ {
		got := st.get(fmt.Sprint(i))
		require.Len(t, got, 1, "delivery %d settled once", i)
		assert.Contains(t, []broker.Disposition{broker.Ack, broker.Requeue}, got[0])
	}

	late := st.delivery("5", workItem("late"))
	assert.ErrorIs(t, d.accept(late), ErrStopped)
	assert.Equal(t, []broker.Disposition{broker.Requeue}, st.get("5"))
}

func TestReplyDestination(t *testing.T) {
	assert.Equal(t, "notifications/email/ack/42", ReplyDestination(topic, KindAck, "42"))
	assert.Equal(t, "email_queue/nack/3", ReplyDestination("email_queue", KindNack, "3"))
}

func TestReporter_FallsBackToSequence(t *testing.T) {
	pub := &fakePublisher{}
	r := NewReporter(pub, zerolog.Nop())
	job := &InFlight{Seq: 17, Delivery: broker.NewDelivery("fake", topic, "", nil, false, nil)}

	r.Ack(context.Background(), job)
	r.Nack(context.Background(), job, "recipient rejected")

	replies := pub.getReplies()
	require.Len(t, replies, 2)
	assert.Equal(t, "notifications/email/ack/17", replies[0].dest)
	assert.JSONEq(t, `{"status":"ack","message_id":"17","response":{"status":"ok"}}`, replies[0].payload)
	assert.Equal(t, "notifications/email/nack/17", replies[1].dest)
	assert.JSONEq(t, `{"status":"nack","message_id":"17","error":"recipient rejected"}`, replies[1].payload)
}
