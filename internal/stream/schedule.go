package stream

import (
	"time"

	"telemetryd/internal/clock"
)

// State is the scheduling state of one stream.
type State int

const (
	StateDisabled State = iota
	StateNeverSent
	StateScheduled
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateNeverSent:
		return "never_sent"
	case StateScheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Update.
type Outcome int

const (
	// NotDue: nothing was attempted this tick.
	NotDue Outcome = iota
	// Sent: the stream emitted and its schedule advanced.
	Sent
	// Failed: the stream was due but Emit returned false. Schedule state is
	// unchanged, so the same deadline is retried next tick.
	Failed
	// Disabled: interval is 0, the stream is manual-only.
	Disabled
)

func (o Outcome) String() string {
	switch o {
	case NotDue:
		return "not_due"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Schedule is the per-stream scheduling state.
//
// Interval semantics:
//   - 0: disabled, sends only happen through the manual path.
//   - < 0: unthrottled, due on every tick.
//   - > 0: desired period between emissions.
//
// LastSent == 0 means "never sent".
type Schedule struct {
	Interval  time.Duration
	LastSent  time.Duration
	FirstSent bool
}

// State reports the schedule's state machine position.
func (s *Schedule) State() State {
	switch {
	case s.Interval == 0:
		return StateDisabled
	case s.LastSent == 0:
		return StateNeverSent
	default:
		return StateScheduled
	}
}

// Effective returns the interval after rate scaling for st. Non-positive
// intervals are returned unchanged; positive ones never exceed maxEffective.
func (s *Schedule) Effective(st Stream, multiplier float64) time.Duration {
	if s.Interval <= 0 {
		return s.Interval
	}
	if st.ConstRate() {
		return min(s.Interval, maxEffective)
	}
	f := float64(s.Interval) / sanitizeMultiplier(multiplier)
	var eff time.Duration
	if f >= float64(maxEffective) {
		eff = maxEffective
	} else {
		eff = time.Duration(f)
	}
	if m, ok := st.(MinIntervaler); ok {
		if floor := m.MinInterval(); eff < floor {
			eff = floor
		}
	}
	if eff <= 0 {
		eff = 1
	}
	return eff
}

// Update runs one scheduling decision for st.
//
// Refresh is always called first. The clock is read after Refresh and the
// multiplier is consulted only for variable-rate streams that are already
// scheduled.
func (s *Schedule) Update(st Stream, clk clock.Clock, rate RateProvider) Outcome {
	st.Refresh()

	if s.Interval == 0 {
		return Disabled
	}

	if s.Interval < 0 || s.LastSent == 0 {
		now := clk.Now()
		if !st.Emit(now) {
			return Failed
		}
		s.LastSent = now
		s.FirstSent = true
		return Sent
	}

	mult := 1.0
	if !st.ConstRate() && rate != nil {
		mult = rate.RateMultiplier()
	}
	eff := s.Effective(st, mult)
	now := clk.Now()
	if now < s.LastSent+eff {
		return NotDue
	}
	if !st.Emit(now) {
		return Failed
	}
	s.LastSent = clampDuration(s.LastSent+eff, now-eff, now)
	s.FirstSent = true
	return Sent
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
