package stream

import (
	"math"
	"testing"
	"time"

	"telemetryd/internal/clock"
)

func TestDisabledNeverSends(t *testing.T) {
	t.Parallel()
	for _, mult := range []float64{0.1, 1, 10} {
		clk := clock.NewManual(time.Second)
		st := &fakeStream{}
		sc := Schedule{Interval: 0}
		for i := 0; i < 50; i++ {
			clk.Advance(time.Hour)
			if got := sc.Update(st, clk, FixedRate(mult)); got != Disabled {
				t.Fatalf("mult=%v tick %d: outcome = %v, want disabled", mult, i, got)
			}
		}
		if len(st.emits) != 0 {
			t.Fatalf("mult=%v: emits = %d, want 0", mult, len(st.emits))
		}
		if st.refreshes != 50 {
			t.Fatalf("mult=%v: refreshes = %d, want 50", mult, st.refreshes)
		}
		if sc.LastSent != 0 || sc.FirstSent {
			t.Fatalf("mult=%v: schedule mutated: %+v", mult, sc)
		}
	}
}

func TestUnthrottledSendsEveryUpdate(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Second)
	st := &fakeStream{}
	sc := Schedule{Interval: -1}
	for i := 0; i < 5; i++ {
		if got := sc.Update(st, clk, Nominal); got != Sent {
			t.Fatalf("update %d: outcome = %v, want sent", i, got)
		}
		if sc.LastSent != clk.Now() {
			t.Fatalf("LastSent = %v, want %v", sc.LastSent, clk.Now())
		}
		clk.Advance(time.Microsecond)
	}
	if len(st.emits) != 5 {
		t.Fatalf("emits = %d, want 5", len(st.emits))
	}
}

func TestNeverSentIsDueImmediately(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(42 * time.Second)
	st := &fakeStream{constRate: true}
	sc := Schedule{Interval: time.Hour}
	if sc.State() != StateNeverSent {
		t.Fatalf("State() = %v, want never_sent", sc.State())
	}
	if got := sc.Update(st, clk, Nominal); got != Sent {
		t.Fatalf("outcome = %v, want sent", got)
	}
	if !sc.FirstSent || sc.LastSent != 42*time.Second {
		t.Fatalf("schedule = %+v, want FirstSent and LastSent=42s", sc)
	}
	if sc.State() != StateScheduled {
		t.Fatalf("State() = %v, want scheduled", sc.State())
	}
}

func TestConstRateEvenTicksNoDrift(t *testing.T) {
	t.Parallel()
	const interval = 250 * time.Millisecond
	clk := clock.NewManual(10 * time.Second)
	st := &fakeStream{constRate: true}
	sc := Schedule{Interval: interval, LastSent: clk.Now()}
	for i := 1; i <= 100; i++ {
		clk.Advance(interval)
		if got := sc.Update(st, clk, FixedRate(0.01)); got != Sent {
			t.Fatalf("tick %d: outcome = %v, want sent", i, got)
		}
		if sc.LastSent != clk.Now() {
			t.Fatalf("tick %d: LastSent = %v, want %v (drift)", i, sc.LastSent, clk.Now())
		}
	}
	if len(st.emits) != 100 {
		t.Fatalf("emits = %d, want 100", len(st.emits))
	}
}

func TestCatchUpBoundedToOneInterval(t *testing.T) {
	t.Parallel()
	const interval = time.Second
	for k := 1; k <= 6; k++ {
		clk := clock.NewManual(100 * time.Second)
		st := &fakeStream{constRate: true}
		start := clk.Now()
		sc := Schedule{Interval: interval, LastSent: start, FirstSent: true}

		// Deadline was at start+interval; the tick arrives k intervals late
		// plus some jitter.
		now := clk.Advance(interval + time.Duration(k)*interval + 300*time.Millisecond)
		if got := sc.Update(st, clk, Nominal); got != Sent {
			t.Fatalf("k=%d: outcome = %v, want sent", k, got)
		}
		if len(st.emits) != 1 {
			t.Fatalf("k=%d: emits = %d, want exactly 1", k, len(st.emits))
		}
		if now-sc.LastSent > interval {
			t.Fatalf("k=%d: now-LastSent = %v, want <= %v", k, now-sc.LastSent, interval)
		}
		if sc.LastSent > now {
			t.Fatalf("k=%d: LastSent %v ahead of now %v", k, sc.LastSent, now)
		}
		// The missed sends are not replayed: one tick later the stream is
		// due at most once more, then back on cadence.
		clk.Advance(10 * time.Millisecond)
		sc.Update(st, clk, Nominal)
		clk.Advance(10 * time.Millisecond)
		if got := sc.Update(st, clk, Nominal); got != NotDue {
			t.Fatalf("k=%d: outcome after catch-up = %v, want not_due", k, got)
		}
		if len(st.emits) > 2 {
			t.Fatalf("k=%d: emits = %d, want at most 2", k, len(st.emits))
		}
	}
}

func TestRateMultiplierScalesEffectiveInterval(t *testing.T) {
	t.Parallel()
	st := &fakeStream{}
	sc := Schedule{Interval: time.Second}
	tests := []struct {
		mult float64
		want time.Duration
	}{
		{1, time.Second},
		{0.5, 2 * time.Second},
		{2, 500 * time.Millisecond},
		{0.25, 4 * time.Second},
		{0, time.Second},
		{-3, time.Second},
		{math.NaN(), time.Second},
		{math.Inf(1), time.Second},
	}
	for _, tt := range tests {
		if got := sc.Effective(st, tt.mult); got != tt.want {
			t.Fatalf("Effective(mult=%v) = %v, want %v", tt.mult, got, tt.want)
		}
	}

	cst := &fakeStream{constRate: true}
	if got := sc.Effective(cst, 0.5); got != time.Second {
		t.Fatalf("const-rate Effective = %v, want interval verbatim", got)
	}
}

func TestHalvedMultiplierDoublesSendGap(t *testing.T) {
	t.Parallel()
	const tick = 10 * time.Millisecond
	count := func(mult float64) int {
		clk := clock.NewManual(time.Second)
		st := &fakeStream{}
		sc := Schedule{Interval: 100 * time.Millisecond}
		for i := 0; i < 1000; i++ {
			sc.Update(st, clk, FixedRate(mult))
			clk.Advance(tick)
		}
		return len(st.emits)
	}
	nominal, half, double := count(1), count(0.5), count(2)
	if nominal != 100 {
		t.Fatalf("nominal sends = %d, want 100", nominal)
	}
	if half != 50 {
		t.Fatalf("half-rate sends = %d, want 50", half)
	}
	if double != 200 {
		t.Fatalf("double-rate sends = %d, want 200", double)
	}
}

func TestMinIntervalFloorsScaledInterval(t *testing.T) {
	t.Parallel()
	st := &flooredStream{floor: 400 * time.Millisecond}
	sc := Schedule{Interval: time.Second}
	if got := sc.Effective(st, 4); got != 400*time.Millisecond {
		t.Fatalf("Effective = %v, want floor 400ms", got)
	}
	if got := sc.Effective(st, 0.5); got != 2*time.Second {
		t.Fatalf("Effective = %v, want 2s", got)
	}
}

func TestTinyMultiplierDoesNotOverflow(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Hour)
	st := &fakeStream{}
	sc := Schedule{Interval: time.Hour, LastSent: clk.Now(), FirstSent: true}
	if eff := sc.Effective(st, 1e-300); eff <= 0 || eff != maxEffective {
		t.Fatalf("Effective = %v, want capped positive value", eff)
	}
	if got := sc.Update(st, clk, FixedRate(1e-300)); got != NotDue {
		t.Fatalf("outcome = %v, want not_due", got)
	}
}

func TestHugeConstRateIntervalDoesNotOverflow(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(10 * time.Second)
	st := &fakeStream{constRate: true}
	huge := time.Duration(math.MaxInt64)
	sc := Schedule{Interval: huge}
	if eff := sc.Effective(st, 1); eff != maxEffective {
		t.Fatalf("Effective = %v, want %v", eff, maxEffective)
	}

	var last time.Duration
	for i := 0; i < 4; i++ {
		got := sc.Update(st, clk, nil)
		want := NotDue
		if i == 0 {
			want = Sent
		}
		if got != want {
			t.Fatalf("update %d outcome = %v, want %v", i, got, want)
		}
		if sc.LastSent < last {
			t.Fatalf("update %d LastSent went back: %v < %v", i, sc.LastSent, last)
		}
		last = sc.LastSent
		clk.Advance(10 * time.Millisecond)
	}
	if len(st.emits) != 1 {
		t.Fatalf("emits = %d, want 1", len(st.emits))
	}
}

func TestEmitFailureRetriesNextTick(t *testing.T) {
	t.Parallel()
	const interval = time.Second
	clk := clock.NewManual(time.Second)
	st := &fakeStream{constRate: true}
	start := clk.Now()
	sc := Schedule{Interval: interval, LastSent: start, FirstSent: true}

	clk.Advance(interval)
	st.failNext = 1
	if got := sc.Update(st, clk, Nominal); got != Failed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	if sc.LastSent != start {
		t.Fatalf("LastSent moved on failure: %v, want %v", sc.LastSent, start)
	}

	// Retry with the clock unchanged.
	if got := sc.Update(st, clk, Nominal); got != Sent {
		t.Fatalf("retry outcome = %v, want sent", got)
	}
	if sc.LastSent != start+interval {
		t.Fatalf("LastSent = %v, want %v", sc.LastSent, start+interval)
	}

	// One tick later than the deadline still sends on the very next tick.
	const tick = 20 * time.Millisecond
	clk.Advance(interval)
	st.failNext = 1
	sc.Update(st, clk, Nominal)
	clk.Advance(tick)
	if got := sc.Update(st, clk, Nominal); got != Sent {
		t.Fatalf("late retry outcome = %v, want sent", got)
	}
	gap := st.emits[len(st.emits)-1] - st.emits[len(st.emits)-2]
	if gap > interval+tick {
		t.Fatalf("gap = %v, want <= %v", gap, interval+tick)
	}
}

func TestNeverSentFailureKeepsSentinel(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Second)
	st := &fakeStream{failNext: 2}
	sc := Schedule{Interval: time.Second}
	for i := 0; i < 2; i++ {
		if got := sc.Update(st, clk, Nominal); got != Failed {
			t.Fatalf("attempt %d: outcome = %v, want failed", i, got)
		}
		if sc.LastSent != 0 || sc.FirstSent {
			t.Fatalf("attempt %d: schedule mutated on failure: %+v", i, sc)
		}
	}
	if got := sc.Update(st, clk, Nominal); got != Sent {
		t.Fatalf("outcome = %v, want sent", got)
	}
}

func TestMicrosecondScenario(t *testing.T) {
	t.Parallel()
	const us = time.Microsecond
	T := 5_000_000 * us
	clk := clock.NewManual(T)
	st := &fakeStream{constRate: true}
	sc := Schedule{Interval: 1_000_000 * us, LastSent: T, FirstSent: true}

	clk.Set(T + 1_000_000*us)
	if got := sc.Update(st, clk, Nominal); got != Sent {
		t.Fatalf("at T+1s: outcome = %v, want sent", got)
	}
	if sc.LastSent != T+1_000_000*us {
		t.Fatalf("at T+1s: LastSent = %v, want %v", sc.LastSent, T+1_000_000*us)
	}

	clk.Set(T + 1_999_999*us)
	if got := sc.Update(st, clk, Nominal); got != NotDue {
		t.Fatalf("at T+1.999999s: outcome = %v, want not_due", got)
	}

	clk.Set(T + 3_500_000*us)
	if got := sc.Update(st, clk, Nominal); got != Sent {
		t.Fatalf("at T+3.5s: outcome = %v, want sent", got)
	}
	if want := T + 2_500_000*us; sc.LastSent != want {
		t.Fatalf("at T+3.5s: LastSent = %v, want %v", sc.LastSent, want)
	}
}

func TestClockBehindLastSentIsNotDue(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(10 * time.Second)
	st := &fakeStream{constRate: true}
	sc := Schedule{Interval: time.Second, LastSent: 10 * time.Second, FirstSent: true}
	clk.Set(2 * time.Second)
	if got := sc.Update(st, clk, Nominal); got != NotDue {
		t.Fatalf("outcome = %v, want not_due", got)
	}
	if sc.LastSent != 10*time.Second {
		t.Fatalf("LastSent = %v, want unchanged", sc.LastSent)
	}
}

func TestLastSentMonotonicUnderJitter(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Second)
	st := &fakeStream{}
	sc := Schedule{Interval: 50 * time.Millisecond}
	jitter := []time.Duration{3, 17, 1, 90, 40, 8, 250, 12, 49, 51}
	mults := []float64{1, 0.5, 2, 0.8, 1.3}
	prev := time.Duration(0)
	for i := 0; i < 500; i++ {
		clk.Advance(jitter[i%len(jitter)] * time.Millisecond)
		mult := mults[i%len(mults)]
		sc.Update(st, clk, FixedRate(mult))
		if sc.LastSent < prev {
			t.Fatalf("step %d: LastSent went back: %v < %v", i, sc.LastSent, prev)
		}
		if sc.LastSent > clk.Now() {
			t.Fatalf("step %d: LastSent %v ahead of now %v", i, sc.LastSent, clk.Now())
		}
		prev = sc.LastSent
	}
}
