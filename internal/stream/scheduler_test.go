package stream

import (
	"errors"
	"testing"
	"time"

	"telemetryd/internal/clock"
)

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := New(clock.NewManual(time.Second), nil)
	if err := s.Register("", &fakeStream{}, time.Second); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("empty name err = %v, want ErrInvalidName", err)
	}
	if err := s.Register("a", nil, time.Second); !errors.Is(err, ErrNilStream) {
		t.Fatalf("nil stream err = %v, want ErrNilStream", err)
	}
	if err := s.Register("a", &fakeStream{}, time.Second); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := s.Register("a", &fakeStream{}, time.Second); !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateStream", err)
	}
	if err := s.Unregister("missing"); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("Unregister err = %v, want ErrUnknownStream", err)
	}
	if err := s.SetInterval("missing", time.Second); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("SetInterval err = %v, want ErrUnknownStream", err)
	}
}

func TestStartPolicies(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(10 * time.Second)

	imm := New(clk, nil)
	st1 := &fakeStream{constRate: true}
	_ = imm.Register("s", st1, time.Second)
	if out, _ := imm.Update("s"); out != Sent {
		t.Fatalf("immediate policy: first update = %v, want sent", out)
	}

	del := New(clk, nil, WithStartPolicy(StartDelayed))
	st2 := &fakeStream{constRate: true}
	_ = del.Register("s", st2, time.Second)
	if out, _ := del.Update("s"); out != NotDue {
		t.Fatalf("delayed policy: first update = %v, want not_due", out)
	}
	clk.Advance(time.Second)
	if out, _ := del.Update("s"); out != Sent {
		t.Fatalf("delayed policy: update after one interval = %v, want sent", out)
	}

	if _, err := ParseStartPolicy("sometimes"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if p, _ := ParseStartPolicy("Delayed"); p != StartDelayed {
		t.Fatalf("ParseStartPolicy(Delayed) = %v", p)
	}
}

func TestTickUpdatesAllStreamsInOrder(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Second)
	s := New(clk, FixedRate(0.5))

	var order []string
	mk := func(name string, constRate bool) *orderStream {
		return &orderStream{name: name, order: &order, fakeStream: fakeStream{constRate: constRate}}
	}
	a, b, c := mk("a", true), mk("b", false), mk("c", true)
	_ = s.Register("a", a, time.Second)
	_ = s.Register("b", b, time.Second)
	_ = s.Register("c", c, 0)

	rep := s.Tick()
	if got := len(order); got != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("refresh order = %v, want [a b c]", order)
	}
	if rep.Sent != 2 || rep.Disabled != 1 {
		t.Fatalf("report = %+v, want 2 sent, 1 disabled", rep)
	}
	if rep.Multiplier != 0.5 {
		t.Fatalf("Multiplier = %v, want 0.5", rep.Multiplier)
	}
	var first int
	for _, tr := range rep.Transitions {
		if tr.Kind == TransitionFirstSent {
			first++
		}
	}
	if first != 2 {
		t.Fatalf("first-sent transitions = %d, want 2", first)
	}

	// One interval later the const-rate stream is due, the scaled one
	// (effective 2s) is not.
	clk.Advance(time.Second)
	rep = s.Tick()
	if rep.Sent != 1 || rep.NotDue != 1 {
		t.Fatalf("report = %+v, want 1 sent, 1 not due", rep)
	}
	infos := s.Streams()
	if infos[1].Effective != 2*time.Second {
		t.Fatalf("b effective = %v, want 2s", infos[1].Effective)
	}
}

type orderStream struct {
	fakeStream
	name  string
	order *[]string
}

func (o *orderStream) Refresh() {
	*o.order = append(*o.order, o.name)
	o.fakeStream.Refresh()
}

func TestSetIntervalTakesEffectNextTick(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Second)
	s := New(clk, nil)
	st := &fakeStream{constRate: true}
	_ = s.Register("s", st, time.Second)
	s.Tick()

	_ = s.SetInterval("s", 0)
	clk.Advance(time.Hour)
	if out, _ := s.Update("s"); out != Disabled {
		t.Fatalf("after disabling: %v, want disabled", out)
	}

	_ = s.SetInterval("s", 10*time.Second)
	if out, _ := s.Update("s"); out != Sent {
		t.Fatalf("after re-enabling: %v, want sent", out)
	}
	if iv, _ := s.Interval("s"); iv != 10*time.Second {
		t.Fatalf("Interval = %v, want 10s", iv)
	}
}

func TestUnregisterDiscardsSchedule(t *testing.T) {
	t.Parallel()
	s := New(clock.NewManual(time.Second), nil)
	_ = s.Register("a", &fakeStream{}, time.Second)
	_ = s.Register("b", &fakeStream{}, time.Second)
	if err := s.Unregister("a"); err != nil {
		t.Fatalf("Unregister error: %v", err)
	}
	if _, ok := s.Schedule("a"); ok {
		t.Fatal("schedule still present after Unregister")
	}
	if names := s.Names(); len(names) != 1 || names[0] != "b" {
		t.Fatalf("Names() = %v, want [b]", names)
	}
	// Re-registering gets a fresh schedule.
	if err := s.Register("a", &fakeStream{}, time.Second); err != nil {
		t.Fatalf("re-Register error: %v", err)
	}
	if sc, _ := s.Schedule("a"); sc.LastSent != 0 || sc.FirstSent {
		t.Fatalf("re-registered schedule not fresh: %+v", sc)
	}
}

func TestEmitNowBypassesSchedule(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Second)
	s := New(clk, nil)
	st := &fakeStream{manualOK: true}
	_ = s.Register("param", st, 0)

	ok, err := s.EmitNow("param")
	if err != nil || !ok {
		t.Fatalf("EmitNow = %v, %v; want true, nil", ok, err)
	}
	sc, _ := s.Schedule("param")
	if sc.LastSent != 0 || sc.FirstSent {
		t.Fatalf("EmitNow touched schedule: %+v", sc)
	}
	st.manualOK = false
	if ok, _ := s.EmitNow("param"); ok {
		t.Fatal("EmitNow = true, want false")
	}
	info := s.Streams()[0]
	if info.Stats.ManualSent != 1 || info.Stats.ManualFailed != 1 {
		t.Fatalf("stats = %+v, want 1 manual sent and 1 failed", info.Stats)
	}

	_ = s.Register("plain", &plainStream{}, time.Second)
	if _, err := s.EmitNow("plain"); !errors.Is(err, ErrNoManualSend) {
		t.Fatalf("EmitNow(plain) err = %v, want ErrNoManualSend", err)
	}
	if _, err := s.EmitNow("missing"); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("EmitNow(missing) err = %v, want ErrUnknownStream", err)
	}
}

func TestPanickingStreamDoesNotBreakTick(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Second)
	s := New(clk, nil)
	bad := &fakeStream{panicOn: true}
	good := &fakeStream{}
	_ = s.Register("bad", bad, time.Second)
	_ = s.Register("good", good, time.Second)

	rep := s.Tick()
	if rep.Failed != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v, want 1 failed, 1 sent", rep)
	}
	sc, _ := s.Schedule("bad")
	if sc.LastSent != 0 {
		t.Fatalf("panicking stream schedule mutated: %+v", sc)
	}
	info := s.Streams()[0]
	if info.Stats.Panics != 1 || info.LastPanic != "boom" {
		t.Fatalf("info = %+v, want one recorded panic", info)
	}
}

func TestIdleDetectionWaitsForFirstSend(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Second)
	s := New(clk, nil, WithIdleFactor(3))
	never := &fakeStream{constRate: true, failNext: 1 << 30}
	flaky := &fakeStream{constRate: true}
	_ = s.Register("never", never, time.Second)
	_ = s.Register("flaky", flaky, time.Second)

	s.Tick() // flaky sends, never fails
	flaky.failNext = 1 << 30

	var idle []Transition
	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
		for _, tr := range s.Tick().Transitions {
			if tr.Kind == TransitionIdle {
				idle = append(idle, tr)
			}
		}
	}
	if len(idle) != 1 || idle[0].Stream != "flaky" {
		t.Fatalf("idle transitions = %+v, want exactly one for flaky", idle)
	}

	flaky.failNext = 0
	clk.Advance(time.Second)
	var recovered bool
	for _, tr := range s.Tick().Transitions {
		if tr.Kind == TransitionRecovered && tr.Stream == "flaky" {
			recovered = true
		}
	}
	if !recovered {
		t.Fatal("expected recovered transition for flaky")
	}
	if st := s.Streams()[1].Stats; st.IdleEpisodes != 1 {
		t.Fatalf("IdleEpisodes = %d, want 1", st.IdleEpisodes)
	}
}

func TestRestoreStats(t *testing.T) {
	t.Parallel()
	s := New(clock.NewManual(time.Second), nil)
	_ = s.Register("a", &fakeStream{}, -1)
	if err := s.RestoreStats("a", Stats{Sent: 41}); err != nil {
		t.Fatalf("RestoreStats error: %v", err)
	}
	s.Tick()
	if got := s.Streams()[0].Stats.Sent; got != 42 {
		t.Fatalf("Sent = %d, want 42", got)
	}
	if err := s.RestoreStats("missing", Stats{}); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("err = %v, want ErrUnknownStream", err)
	}
}
