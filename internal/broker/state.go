package broker

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/metrics"
)

// State is the connection state of a transport.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// stateHolder is an atomically updated State that logs and exports every
// transition.
type stateHolder struct {
	v         atomic.Int32
	transport string
	log       zerolog.Logger
}

func newStateHolder(transport string, log zerolog.Logger) *stateHolder {
	s := &stateHolder{transport: transport, log: log}
	metrics.BrokerConnectionState.WithLabelValues(transport).Set(float64(Disconnected))
	return s
}

func (s *stateHolder) get() State { return State(s.v.Load()) }

func (s *stateHolder) set(next State) {
	prev := State(s.v.Swap(int32(next)))
	if prev == next {
		return
	}
	metrics.BrokerConnectionState.WithLabelValues(s.transport).Set(float64(next))
	s.log.Info().
		Str("transport", s.transport).
		Stringer("from", prev).
		Stringer("to", next).
		Msg("broker state changed")
}

// transition moves from one state to another only if the current state is from.
func (s *stateHolder) transition(from, to State) bool {
	if !s.v.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	metrics.BrokerConnectionState.WithLabelValues(s.transport).Set(float64(to))
	s.log.Info().
		Str("transport", s.transport).
		Stringer("from", from).
		Stringer("to", to).
		Msg("broker state changed")
	return true
}
