package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"telemetryd/internal/clock"
	"telemetryd/internal/eventbus"
	logx "telemetryd/pkg/logx"
)

// countingStream is safe to inspect from the test goroutine.
type countingStream struct {
	sent atomic.Int64
}

func (c *countingStream) Refresh()                {}
func (c *countingStream) Emit(time.Duration) bool { c.sent.Add(1); return true }
func (c *countingStream) ConstRate() bool         { return true }
func (c *countingStream) EmitNow() bool           { c.sent.Add(100); return true }

func startDriver(t *testing.T, d *Driver) (cancel func()) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return func() {
		cancelFn()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("driver did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDriverTicksAndSnapshots(t *testing.T) {
	s := New(clock.NewMonotonic(), nil)
	st := &countingStream{}
	if err := s.Register("hb", st, -1); err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "stream.")
	defer unsub()

	d := NewDriver(s, time.Millisecond, logx.Nop(), bus)
	stop := startDriver(t, d)
	defer stop()

	waitFor(t, "sends", func() bool { return st.sent.Load() >= 3 })
	waitFor(t, "snapshot", func() bool { return d.Snapshot().Ticks >= 3 })

	snap := d.Snapshot()
	if len(snap.Streams) != 1 || snap.Streams[0].Name != "hb" || !snap.Streams[0].FirstSent {
		t.Fatalf("snapshot streams = %+v", snap.Streams)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.TypeStreamFirstSent {
			t.Fatalf("event = %s, want %s", e.Type, eventbus.TypeStreamFirstSent)
		}
	case <-time.After(time.Second):
		t.Fatal("no first-sent event")
	}
}

func TestDriverDoRunsOnLoop(t *testing.T) {
	s := New(clock.NewMonotonic(), nil)
	d := NewDriver(s, 5*time.Millisecond, logx.Nop(), nil)
	stop := startDriver(t, d)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st := &countingStream{}
	if err := d.Do(ctx, func(s *Scheduler) error { return s.Register("late", st, 0) }); err != nil {
		t.Fatalf("Do register: %v", err)
	}
	err := d.Do(ctx, func(s *Scheduler) error { return s.Register("late", st, 0) })
	if !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("Do duplicate err = %v, want ErrDuplicateStream", err)
	}
	if got := d.Snapshot().Streams; len(got) != 1 {
		t.Fatalf("snapshot after Do has %d streams, want 1", len(got))
	}

	if err := d.Trigger("late", "test"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "manual send", func() bool { return st.sent.Load() == 100 })
}

func TestDriverRejectsSecondRun(t *testing.T) {
	d := NewDriver(New(clock.NewMonotonic(), nil), time.Millisecond, logx.Nop(), nil)
	stop := startDriver(t, d)
	defer stop()
	waitFor(t, "running", d.Running)
	if err := d.Run(context.Background()); !errors.Is(err, ErrDriverRunning) {
		t.Fatalf("second Run err = %v, want ErrDriverRunning", err)
	}
}

func TestDoHonorsContextWhenStopped(t *testing.T) {
	t.Parallel()
	d := NewDriver(New(clock.NewMonotonic(), nil), time.Millisecond, logx.Nop(), nil)
	for i := 0; i < cap(d.cmds); i++ {
		_ = d.Submit(func(*Scheduler) error { return nil })
	}
	if err := d.Submit(func(*Scheduler) error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit on full queue = %v, want ErrQueueFull", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Do(ctx, func(*Scheduler) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do err = %v, want deadline exceeded", err)
	}
}

func TestDriverEmitReportsAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TypeStreamManual)
	defer unsub()

	s := New(clock.NewMonotonic(), nil)
	st := &countingStream{}
	if err := s.Register("cmd", st, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("plain", &plainStream{}, 0); err != nil {
		t.Fatal(err)
	}
	d := NewDriver(s, 5*time.Millisecond, logx.Nop(), bus)
	stop := startDriver(t, d)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := d.Emit(ctx, "cmd", "http")
	if err != nil || !ok {
		t.Fatalf("Emit(cmd) = %v, %v, want true, nil", ok, err)
	}
	if got := st.sent.Load(); got != 100 {
		t.Fatalf("manual sends = %d, want 100", got)
	}
	if _, err := d.Emit(ctx, "plain", "http"); !errors.Is(err, ErrNoManualSend) {
		t.Fatalf("Emit(plain) err = %v, want ErrNoManualSend", err)
	}
	if _, err := d.Emit(ctx, "missing", "http"); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("Emit(missing) err = %v, want ErrUnknownStream", err)
	}

	select {
	case e := <-events:
		m, _ := e.Data.(map[string]any)
		if m["stream"] != "cmd" || m["source"] != "http" || m["ok"] != true {
			t.Fatalf("manual event = %+v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no stream.manual event")
	}
}
