// Package stream schedules periodic emission of heterogeneous message streams
// over one shared, bandwidth-constrained link.
//
// A Stream is a single message type. The Scheduler owns one Schedule per
// registered stream and decides, once per tick, whether that stream is due.
// Scheduling never accumulates drift at a steady tick rate and never catches
// up by more than one interval after a stall.
package stream

import (
	"math"
	"time"
)

// Stream is the capability set every concrete message type implements.
type Stream interface {
	// Refresh updates stream-local cached data. It is called on every tick,
	// whether or not the stream is due, and must not block.
	Refresh()
	// Emit tries to produce and send the message at monotonic time now.
	// Returning false means "try again next tick" (link busy, buffer full,
	// encode failure).
	Emit(now time.Duration) bool
	// ConstRate reports whether the interval is a fixed wall-clock rate
	// (true) or scaled by the link rate multiplier (false).
	ConstRate() bool
}

// MinIntervaler is implemented by streams that bound their scaled interval
// from below.
type MinIntervaler interface {
	MinInterval() time.Duration
}

// ManualEmitter is implemented by streams that support sending outside of
// the schedule. EmitNow never touches schedule state.
type ManualEmitter interface {
	EmitNow() bool
}

// RateProvider reports the current link bandwidth headroom relative to
// nominal. 1.0 is nominal; below 1 slows variable-rate streams down.
type RateProvider interface {
	RateMultiplier() float64
}

// RateFunc adapts a function to RateProvider.
type RateFunc func() float64

func (f RateFunc) RateMultiplier() float64 { return f() }

// FixedRate is a RateProvider with a constant multiplier.
type FixedRate float64

func (r FixedRate) RateMultiplier() float64 { return float64(r) }

// Nominal is the multiplier used when no provider is configured.
const Nominal = FixedRate(1)

// maxEffective caps scaled intervals so deadline arithmetic cannot overflow.
const maxEffective = time.Duration(math.MaxInt64 / 4)

// sanitizeMultiplier maps non-positive, NaN and infinite multipliers to 1.
func sanitizeMultiplier(m float64) float64 {
	if !(m > 0) || math.IsInf(m, 0) {
		return 1
	}
	return m
}
