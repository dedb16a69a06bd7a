package worker

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sungwon/mail-relay/internal/broker"
	"github.com/sungwon/mail-relay/internal/codec"
	"github.com/sungwon/mail-relay/internal/metrics"
)

// InFlight is one accepted broker delivery from handoff until settlement.
type InFlight struct {
	Seq      uint64
	Delivery *broker.Delivery
	Item     codec.WorkItem
	// DecodeErr is set when the payload could not be decoded; Item is then
	// the zero value.
	DecodeErr error
	Accepted  time.Time
}

// ReplyID is the id used in reply destinations and payloads: the
// broker-native message id when there is one, otherwise the sequence number.
func (m *InFlight) ReplyID() string {
	if m.Delivery != nil && m.Delivery.MessageID != "" {
		return m.Delivery.MessageID
	}
	return strconv.FormatUint(m.Seq, 10)
}

// gauge counts running jobs and remembers the peak.
type gauge struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (g *gauge) inc() {
	n := g.cur.Add(1)
	metrics.InFlightMessages.Inc()
	for {
		p := g.peak.Load()
		if n <= p {
			return
		}
		if g.peak.CompareAndSwap(p, n) {
			metrics.InFlightHighWater.Set(float64(n))
			return
		}
	}
}

func (g *gauge) dec() {
	g.cur.Add(-1)
	metrics.InFlightMessages.Dec()
}
