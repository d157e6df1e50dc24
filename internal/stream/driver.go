package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"telemetryd/internal/clock"
	"telemetryd/internal/eventbus"
	logx "telemetryd/pkg/logx"
)

var (
	ErrDriverRunning = errors.New("driver already running")
	ErrQueueFull     = errors.New("driver command queue full")
)

// Snapshot is an immutable view of the scheduler after a tick or command.
type Snapshot struct {
	Taken        time.Time     `json:"taken"`
	Now          time.Duration `json:"now"`
	Ticks        uint64        `json:"ticks"`
	Multiplier   float64       `json:"multiplier"`
	TickInterval time.Duration `json:"tick_interval"`
	Streams      []StreamInfo  `json:"streams"`
}

type command struct {
	fn    func(*Scheduler) error
	reply chan error
}

// Driver runs the tick loop that owns a Scheduler.
//
// All access to the Scheduler from other goroutines goes through Do or
// Submit; the closures run on the loop goroutine between ticks.
type Driver struct {
	sched *Scheduler
	log   logx.Logger
	bus   eventbus.Bus

	tickEvery atomic.Int64
	ticker    atomic.Pointer[clock.Ticker]
	cmds      chan command

	running atomic.Bool
	ticks   atomic.Uint64
	snap    atomic.Pointer[Snapshot]
}

// NewDriver creates a driver ticking every tick. bus may be nil.
func NewDriver(s *Scheduler, tick time.Duration, log logx.Logger, bus eventbus.Bus) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Driver{
		sched: s,
		log:   log,
		bus:   bus,
		cmds:  make(chan command, 64),
	}
	d.SetTickInterval(tick)
	d.refreshSnapshot(1)
	return d
}

// SetTickInterval changes the tick period; it applies to a running loop
// immediately.
func (d *Driver) SetTickInterval(tick time.Duration) {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	d.tickEvery.Store(int64(tick))
	if t := d.ticker.Load(); t != nil {
		t.Reset(tick)
	}
}

// TickInterval returns the configured tick period.
func (d *Driver) TickInterval() time.Duration { return time.Duration(d.tickEvery.Load()) }

// Run executes the tick loop until ctx is canceled.
func (d *Driver) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrDriverRunning
	}
	defer d.running.Store(false)

	t := clock.NewTicker(d.TickInterval())
	d.ticker.Store(t)
	t.Start()
	defer func() {
		d.ticker.Store(nil)
		t.Stop()
	}()

	d.log.Info("driver started",
		logx.Duration("tick", d.TickInterval()),
		logx.Int("streams", d.sched.Len()),
	)
	for {
		select {
		case <-ctx.Done():
			d.drain(ctx.Err())
			d.log.Info("driver stopped", logx.Uint64("ticks", d.ticks.Load()))
			return nil
		case c := <-d.cmds:
			d.exec(c)
		case <-t.C():
			d.tick()
		}
	}
}

// Running reports whether the loop is active.
func (d *Driver) Running() bool { return d.running.Load() }

func (d *Driver) tick() {
	rep := d.sched.Tick()
	n := d.ticks.Add(1)
	for _, tr := range rep.Transitions {
		d.announce(tr)
	}
	d.refreshSnapshot(rep.Multiplier)
	if n%1000 == 0 {
		d.log.Trace("tick summary",
			logx.Uint64("ticks", n),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Float64("mult", rep.Multiplier),
		)
	}
}

func (d *Driver) announce(tr Transition) {
	var typ string
	switch tr.Kind {
	case TransitionFirstSent:
		typ = eventbus.TypeStreamFirstSent
		d.log.Debug("stream first send", logx.String("stream", tr.Stream))
	case TransitionIdle:
		typ = eventbus.TypeStreamIdle
		d.log.Warn("stream idle", logx.String("stream", tr.Stream), logx.Duration("last_sent", tr.Since))
	case TransitionRecovered:
		typ = eventbus.TypeStreamRecovered
		d.log.Info("stream recovered", logx.String("stream", tr.Stream))
	default:
		return
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: tr.Stream})
	}
}

func (d *Driver) exec(c command) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("driver command panicked", logx.Any("panic", r))
				err = errors.New("command panicked")
			}
		}()
		return c.fn(d.sched)
	}()
	d.refreshSnapshot(d.multiplier())
	if c.reply != nil {
		c.reply <- err
	}
}

// drain answers queued commands after shutdown so callers of Do don't hang.
func (d *Driver) drain(err error) {
	for {
		select {
		case c := <-d.cmds:
			if c.reply != nil {
				c.reply <- err
			}
		default:
			return
		}
	}
}

// Do runs fn on the loop goroutine and waits for its result.
func (d *Driver) Do(ctx context.Context, fn func(*Scheduler) error) error {
	c := command{fn: fn, reply: make(chan error, 1)}
	select {
	case d.cmds <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn without waiting. It fails only when the queue is full.
func (d *Driver) Submit(fn func(*Scheduler) error) error {
	select {
	case d.cmds <- command{fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Trigger queues a manual send for name. The result is logged and published
// as a stream.manual event.
func (d *Driver) Trigger(name, source string) error {
	return d.Submit(func(s *Scheduler) error {
		_, err := d.emit(s, name, source)
		return err
	})
}

// Emit is Trigger that waits for the send and reports whether it succeeded.
func (d *Driver) Emit(ctx context.Context, name, source string) (bool, error) {
	var ok bool
	err := d.Do(ctx, func(s *Scheduler) error {
		var err error
		ok, err = d.emit(s, name, source)
		return err
	})
	return ok, err
}

func (d *Driver) emit(s *Scheduler, name, source string) (bool, error) {
	ok, err := s.EmitNow(name)
	if err != nil {
		d.log.Warn("manual send rejected", logx.String("stream", name), logx.String("source", source), logx.Err(err))
		return false, err
	}
	d.log.Debug("manual send", logx.String("stream", name), logx.String("source", source), logx.Bool("ok", ok))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeStreamManual, Data: map[string]any{
			"stream": name,
			"source": source,
			"ok":     ok,
		}})
	}
	return ok, nil
}

// Snapshot returns the latest published state.
func (d *Driver) Snapshot() Snapshot {
	if p := d.snap.Load(); p != nil {
		return *p
	}
	return Snapshot{}
}

func (d *Driver) multiplier() float64 {
	if p := d.snap.Load(); p != nil {
		return p.Multiplier
	}
	return 1
}

func (d *Driver) refreshSnapshot(mult float64) {
	d.snap.Store(&Snapshot{
		Taken:        time.Now(),
		Now:          d.sched.Clock().Now(),
		Ticks:        d.ticks.Load(),
		Multiplier:   mult,
		TickInterval: d.TickInterval(),
		Streams:      d.sched.Streams(),
	})
}
