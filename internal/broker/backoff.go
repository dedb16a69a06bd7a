package broker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// pollSchedule is the wait after consecutive read failures of a polling
// transport. The last entry repeats.
var pollSchedule = []time.Duration{
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
}

// pollBackoff returns the jittered wait before retry attempt n (0-based).
func pollBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(pollSchedule) {
		attempt = len(pollSchedule) - 1
	}
	base := pollSchedule[attempt]
	return time.Duration(float64(base) * (0.5 + rand.Float64()*0.5))
}

// sleepCtx waits d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitGroupCtx waits for wg or until ctx is done.
func waitGroupCtx(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newReconnectBackOff never gives up on its own; callers stop it through a
// context.
func newReconnectBackOff(maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	b.MaxElapsedTime = 0
	return b
}

// slots caps the number of unsettled deliveries a polling transport holds.
type slots chan struct{}

func newSlots(n int) slots {
	if n < 1 {
		n = 1
	}
	return make(slots, n)
}

func (s slots) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s slots) release() {
	select {
	case <-s:
	default:
	}
}

// free reports how many deliveries can be accepted right now.
func (s slots) free() int { return cap(s) - len(s) }
