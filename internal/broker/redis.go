package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/metrics"
)

// redisDataField is the stream entry field carrying the payload, both for
// inbound work items and for replies.
const redisDataField = "data"

// RedisConfig configures the Redis Streams transport.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
	Prefetch int
	// Block is how long one XREADGROUP waits for new entries.
	Block time.Duration
	// ReplyMaxLen trims reply streams approximately; zero disables trimming.
	ReplyMaxLen int64
	// ClaimIdle is how long an entry must sit unacknowledged in the group's
	// pending list before XAUTOCLAIM hands it to this consumer again. It
	// brings requeued entries and those of dead consumers back without a
	// restart. Zero disables reclaiming.
	ClaimIdle time.Duration
}

// Redis consumes a stream through a consumer group. Entries stay in the
// group's pending list until settled; on start the consumer first replays
// its own pending entries so work claimed before a restart is not lost.
type Redis struct {
	cfg   RedisConfig
	log   zerolog.Logger
	state *stateHolder
	slots slots

	mu     sync.Mutex
	client *redis.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// inflight holds ids handed to the handler and not yet settled, so an
	// entry reclaimed while still running is not dispatched twice.
	flightMu sync.Mutex
	inflight map[string]struct{}
}

// NewRedis creates a Redis Streams transport. Nothing is dialed until Connect.
func NewRedis(cfg RedisConfig, log zerolog.Logger) *Redis {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "mail-relay"
	}
	return &Redis{
		cfg:      cfg,
		log:      log,
		state:    newStateHolder("redis", log),
		slots:    newSlots(cfg.Prefetch),
		inflight: make(map[string]struct{}),
	}
}

func (t *Redis) Name() string { return "redis" }

func (t *Redis) State() State { return t.state.get() }

func (t *Redis) Connect(ctx context.Context, h Handler) error {
	if !t.state.transition(Disconnected, Connecting) {
		return fmt.Errorf("redis: cannot connect while %s", t.state.get())
	}

	client := redis.NewClient(&redis.Options{
		Addr:     t.cfg.Addr,
		Username: t.cfg.Username,
		Password: t.cfg.Password,
		DB:       t.cfg.DB,
	})

	fail := func(err error) error {
		_ = client.Close()
		t.state.set(Disconnected)
		return err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return fail(fmt.Errorf("ping %s: %w", t.cfg.Addr, err))
	}
	if err := createGroup(ctx, client, t.cfg.Stream, t.cfg.Group); err != nil {
		return fail(err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.client = client
	t.cancel = cancel
	t.mu.Unlock()

	t.state.set(Connected)

	t.wg.Add(1)
	go t.read(readCtx, client, h)
	if t.cfg.ClaimIdle > 0 {
		t.wg.Add(1)
		go t.reclaim(readCtx, client, h)
	}

	t.log.Info().
		Str("stream", t.cfg.Stream).
		Str("group", t.cfg.Group).
		Str("consumer", t.cfg.Consumer).
		Dur("claim_idle", t.cfg.ClaimIdle).
		Msg("redis consumer started")
	return nil
}

// createGroup creates the consumer group, and the stream with it. An existing
// group is not an error.
func createGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on stream %s: %w", group, stream, err)
	}
	return nil
}

// read is the single reader loop. It replays the consumer's pending entries
// first and switches to new entries (">") once those are drained.
func (t *Redis) read(ctx context.Context, client *redis.Client, h Handler) {
	defer t.wg.Done()

	cursor := "0"
	failures := 0
	for {
		// Wait for room before reading.
		if err := t.slots.acquire(ctx); err != nil {
			return
		}
		t.slots.release()
		count := int64(t.slots.free())

		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{t.cfg.Stream, cursor},
			Count:    count,
			Block:    t.cfg.Block,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			t.state.set(Disconnected)
			wait := pollBackoff(failures)
			failures++
			t.log.Error().Err(err).Dur("retry_in", wait).Msg("xreadgroup failed")
			if sleepCtx(ctx, wait) != nil {
				return
			}
			t.state.set(Connecting)
			// The stream may have been deleted along with the group.
			if err := createGroup(ctx, client, t.cfg.Stream, t.cfg.Group); err != nil {
				metrics.BrokerReconnectsTotal.WithLabelValues("redis", "failure").Inc()
			}
			continue
		}
		if failures > 0 {
			metrics.BrokerReconnectsTotal.WithLabelValues("redis", "success").Inc()
			failures = 0
		}
		t.state.set(Connected)

		replay := cursor != ">"
		last := ""
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := t.slots.acquire(ctx); err != nil {
					return
				}
				t.dispatch(client, msg, replay, h)
				last = msg.ID
			}
		}
		if replay {
			// Pending history is read by id; an empty page ends the replay.
			if last == "" {
				cursor = ">"
			} else {
				cursor = last
			}
		}
	}
}

// reclaim periodically claims entries that have been pending longer than
// ClaimIdle, whoever owns them, and dispatches them as redeliveries.
func (t *Redis) reclaim(ctx context.Context, client *redis.Client, h Handler) {
	defer t.wg.Done()

	interval := t.cfg.ClaimIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := t.claimIdle(ctx, client, h); err != nil && ctx.Err() == nil {
			t.log.Warn().Err(err).Msg("xautoclaim failed")
		}
	}
}

// claimIdle walks the pending list once with XAUTOCLAIM.
func (t *Redis) claimIdle(ctx context.Context, client *redis.Client, h Handler) error {
	start := "0-0"
	for {
		count := int64(t.slots.free())
		if count < 1 {
			count = 1
		}
		msgs, next, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   t.cfg.Stream,
			Group:    t.cfg.Group,
			MinIdle:  t.cfg.ClaimIdle,
			Start:    start,
			Count:    count,
			Consumer: t.cfg.Consumer,
		}).Result()
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := t.slots.acquire(ctx); err != nil {
				return nil
			}
			t.log.Debug().Str("id", msg.ID).Msg("reclaimed idle stream entry")
			t.dispatch(client, msg, true, h)
		}
		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
}

func (t *Redis) track(id string) bool {
	t.flightMu.Lock()
	defer t.flightMu.Unlock()
	if _, ok := t.inflight[id]; ok {
		return false
	}
	t.inflight[id] = struct{}{}
	return true
}

func (t *Redis) untrack(id string) {
	t.flightMu.Lock()
	delete(t.inflight, id)
	t.flightMu.Unlock()
}

// dispatch hands one entry to h. The caller holds a slot; it is released
// when the delivery settles, or at once when the entry is already in flight.
func (t *Redis) dispatch(client *redis.Client, msg redis.XMessage, redelivered bool, h Handler) {
	if !t.track(msg.ID) {
		t.slots.release()
		return
	}
	metrics.BrokerMessagesReceivedTotal.WithLabelValues("redis").Inc()

	var body []byte
	switch v := msg.Values[redisDataField].(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	}

	var once sync.Once
	done := func() {
		t.untrack(msg.ID)
		t.slots.release()
	}
	h(NewDelivery("redis", t.cfg.Stream, msg.ID, body, redelivered, func(d Disposition) error {
		defer once.Do(done)
		if d == Requeue {
			// Left pending; reclaimed once idle for ClaimIdle, or replayed on
			// the next start.
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.XAck(ctx, t.cfg.Stream, t.cfg.Group, msg.ID).Err()
	}))
}

func (t *Redis) Publish(ctx context.Context, destination string, payload []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	args := &redis.XAddArgs{
		Stream: destination,
		Values: map[string]any{redisDataField: payload},
	}
	if t.cfg.ReplyMaxLen > 0 {
		args.MaxLen = t.cfg.ReplyMaxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Err()
}

// StopConsuming ends the reader and reclaim loops. The client stays open for
// XACK and replies until Close.
func (t *Redis) StopConsuming(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return waitGroupCtx(ctx, &t.wg)
}

func (t *Redis) Close() error {
	t.mu.Lock()
	client, cancel := t.client, t.cancel
	t.client, t.cancel = nil, nil
	t.mu.Unlock()

	if client == nil {
		t.state.set(Disconnected)
		return nil
	}
	t.state.set(Closing)
	cancel()
	t.wg.Wait()

	err := client.Close()
	t.state.set(Disconnected)
	if err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
