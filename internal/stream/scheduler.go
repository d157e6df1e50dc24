package stream

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"telemetryd/internal/clock"
	logx "telemetryd/pkg/logx"
)

var (
	ErrUnknownStream   = errors.New("unknown stream")
	ErrDuplicateStream = errors.New("stream already registered")
	ErrInvalidName     = errors.New("invalid stream name")
	ErrNilStream       = errors.New("nil stream")
	ErrNoManualSend    = errors.New("stream does not support manual sends")
)

// StartPolicy selects the initial LastSent of a newly registered stream.
type StartPolicy int

const (
	// StartImmediate registers with LastSent = 0; the first tick sends.
	StartImmediate StartPolicy = iota
	// StartDelayed registers with LastSent = now; the first automatic send
	// happens one interval later.
	StartDelayed
)

// ParseStartPolicy accepts "immediate" (default) and "delayed".
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "immediate":
		return StartImmediate, nil
	case "delayed":
		return StartDelayed, nil
	default:
		return StartImmediate, fmt.Errorf("unknown start policy %q", s)
	}
}

func (p StartPolicy) String() string {
	if p == StartDelayed {
		return "delayed"
	}
	return "immediate"
}

// Stats are per-stream counters. They are bookkeeping only and never feed
// back into scheduling decisions.
type Stats struct {
	Sent         uint64 `json:"sent"`
	Failed       uint64 `json:"failed"`
	ManualSent   uint64 `json:"manual_sent"`
	ManualFailed uint64 `json:"manual_failed"`
	Panics       uint64 `json:"panics"`
	IdleEpisodes uint64 `json:"idle_episodes"`
}

// Add returns the sum of two stat sets.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Sent:         s.Sent + o.Sent,
		Failed:       s.Failed + o.Failed,
		ManualSent:   s.ManualSent + o.ManualSent,
		ManualFailed: s.ManualFailed + o.ManualFailed,
		Panics:       s.Panics + o.Panics,
		IdleEpisodes: s.IdleEpisodes + o.IdleEpisodes,
	}
}

type entry struct {
	name   string
	stream Stream
	sched  Schedule

	stats     Stats
	lastEff   time.Duration
	lastOut   Outcome
	idle      bool
	lastPanic string
}

// Scheduler owns the schedules of a set of streams sharing one link.
//
// A Scheduler is not safe for concurrent use. One goroutine (normally a
// Driver) owns it; everything else talks to that goroutine.
type Scheduler struct {
	clock  clock.Clock
	rate   RateProvider
	policy StartPolicy
	// idleFactor > 0 enables idle detection: a scheduled stream that has
	// not sent for idleFactor effective intervals is reported idle.
	idleFactor float64

	log     logx.Logger
	failLog logx.Logger

	entries []*entry
	index   map[string]*entry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithStartPolicy(p StartPolicy) Option { return func(s *Scheduler) { s.policy = p } }

func WithIdleFactor(f float64) Option { return func(s *Scheduler) { s.idleFactor = f } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// New creates a Scheduler reading time from clk and the multiplier from rp.
// A nil rp means nominal rate.
func New(clk clock.Clock, rp RateProvider, opts ...Option) *Scheduler {
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	if rp == nil {
		rp = Nominal
	}
	s := &Scheduler{
		clock: clk,
		rate:  rp,
		index: map[string]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	// Emission failures are routine under backpressure; keep them to a trickle.
	s.failLog = s.log.Sampled(rate.NewLimiter(rate.Every(time.Second), 5))
	return s
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// SetStartPolicy changes the policy for streams registered afterwards.
func (s *Scheduler) SetStartPolicy(p StartPolicy) { s.policy = p }

// SetIdleFactor changes idle detection; <= 0 disables it.
func (s *Scheduler) SetIdleFactor(f float64) { s.idleFactor = f }

// Register adds a stream with the given interval.
func (s *Scheduler) Register(name string, st Stream, interval time.Duration) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	if st == nil {
		return ErrNilStream
	}
	if _, ok := s.index[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStream, name)
	}
	e := &entry{name: name, stream: st, sched: Schedule{Interval: interval}}
	if s.policy == StartDelayed {
		e.sched.LastSent = s.clock.Now()
	}
	s.entries = append(s.entries, e)
	s.index[name] = e
	s.log.Debug("stream registered",
		logx.String("stream", name),
		logx.Duration("interval", interval),
		logx.Bool("const_rate", st.ConstRate()),
		logx.String("start", s.policy.String()),
	)
	return nil
}

// Unregister removes a stream and discards its schedule.
func (s *Scheduler) Unregister(name string) error {
	e, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	delete(s.index, name)
	for i, x := range s.entries {
		if x == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.log.Debug("stream unregistered", logx.String("stream", name))
	return nil
}

// SetInterval changes a stream's interval. It takes effect on the next
// Update; LastSent is kept so a running cadence is not reset.
func (s *Scheduler) SetInterval(name string, interval time.Duration) error {
	e, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	if e.sched.Interval == interval {
		return nil
	}
	prev := e.sched.Interval
	e.sched.Interval = interval
	if interval == 0 {
		e.idle = false
	}
	s.log.Info("stream interval changed",
		logx.String("stream", name),
		logx.Duration("from", prev),
		logx.Duration("to", interval),
	)
	return nil
}

// Interval returns a stream's configured interval.
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	e, ok := s.index[name]
	if !ok {
		return 0, false
	}
	return e.sched.Interval, true
}

// Schedule returns a copy of a stream's schedule.
func (s *Scheduler) Schedule(name string) (Schedule, bool) {
	e, ok := s.index[name]
	if !ok {
		return Schedule{}, false
	}
	return e.sched, true
}

// Names returns the registered stream names in registration order.
func (s *Scheduler) Names() []string {
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.name)
	}
	return out
}

// Len returns the number of registered streams.
func (s *Scheduler) Len() int { return len(s.entries) }

// RestoreStats seeds a stream's counters, e.g. from persisted state.
func (s *Scheduler) RestoreStats(name string, st Stats) error {
	e, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	e.stats = st
	return nil
}

// Update runs the scheduling decision for one stream.
func (s *Scheduler) Update(name string) (Outcome, error) {
	e, ok := s.index[name]
	if !ok {
		return NotDue, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	return s.update(e, s.rate), nil
}

func (s *Scheduler) update(e *entry, rp RateProvider) (out Outcome) {
	// A misbehaving stream must not take the loop down. Its schedule is left
	// as it was before the call.
	saved := e.sched
	defer func() {
		if r := recover(); r != nil {
			e.sched = saved
			e.stats.Panics++
			e.lastPanic = fmt.Sprint(r)
			s.log.Error("stream panicked",
				logx.String("stream", e.name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			out = Failed
			e.lastOut = out
		}
	}()

	out = e.sched.Update(e.stream, s.clock, rp)
	e.lastOut = out
	switch out {
	case Sent:
		e.stats.Sent++
	case Failed:
		e.stats.Failed++
		s.failLog.Trace("emit deferred", logx.String("stream", e.name))
	}
	return out
}

// Transition is a notable change observed during a tick.
type Transition struct {
	Stream string
	Kind   TransitionKind
	// Since is the stream's LastSent at the time of the transition.
	Since time.Duration
}

type TransitionKind int

const (
	// TransitionFirstSent: the stream completed its first scheduled send.
	TransitionFirstSent TransitionKind = iota + 1
	// TransitionIdle: a stream that has sent before stopped sending.
	TransitionIdle
	// TransitionRecovered: an idle stream sent again.
	TransitionRecovered
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionFirstSent:
		return "first_sent"
	case TransitionIdle:
		return "idle"
	case TransitionRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// TickReport summarizes one pass over all streams.
type TickReport struct {
	Now         time.Duration
	Multiplier  float64
	Sent        int
	Failed      int
	NotDue      int
	Disabled    int
	Transitions []Transition
}

// Tick updates every stream once, in registration order. The rate
// multiplier is read once and shared by all streams in the tick.
func (s *Scheduler) Tick() TickReport {
	mult := sanitizeMultiplier(s.rate.RateMultiplier())
	rp := FixedRate(mult)
	rep := TickReport{Multiplier: mult}
	for _, e := range s.entries {
		hadFirst := e.sched.FirstSent
		switch s.update(e, rp) {
		case Sent:
			rep.Sent++
			if !hadFirst {
				rep.Transitions = append(rep.Transitions, Transition{Stream: e.name, Kind: TransitionFirstSent, Since: e.sched.LastSent})
			}
		case Failed:
			rep.Failed++
		case NotDue:
			rep.NotDue++
		case Disabled:
			rep.Disabled++
		}
		e.lastEff = e.sched.Effective(e.stream, mult)
	}
	rep.Now = s.clock.Now()
	rep.Transitions = append(rep.Transitions, s.checkIdle(rep.Now)...)
	return rep
}

// checkIdle reports idle/recovered transitions. Streams that never sent are
// never reported idle.
func (s *Scheduler) checkIdle(now time.Duration) []Transition {
	if s.idleFactor <= 0 {
		return nil
	}
	var out []Transition
	for _, e := range s.entries {
		if e.sched.Interval <= 0 || !e.sched.FirstSent {
			continue
		}
		limit := time.Duration(float64(e.lastEff) * s.idleFactor)
		if limit <= 0 {
			continue
		}
		stale := now-e.sched.LastSent > limit
		switch {
		case stale && !e.idle:
			e.idle = true
			e.stats.IdleEpisodes++
			out = append(out, Transition{Stream: e.name, Kind: TransitionIdle, Since: e.sched.LastSent})
		case !stale && e.idle:
			e.idle = false
			out = append(out, Transition{Stream: e.name, Kind: TransitionRecovered, Since: e.sched.LastSent})
		}
	}
	return out
}

// EmitNow sends a stream's message outside of its schedule. Schedule state
// is not touched.
func (s *Scheduler) EmitNow(name string) (bool, error) {
	e, ok := s.index[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	m, ok := e.stream.(ManualEmitter)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoManualSend, name)
	}
	sent := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				e.stats.Panics++
				e.lastPanic = fmt.Sprint(r)
				s.log.Error("stream panicked on manual send", logx.String("stream", name), logx.Any("panic", r))
				ok = false
			}
		}()
		return m.EmitNow()
	}()
	if sent {
		e.stats.ManualSent++
	} else {
		e.stats.ManualFailed++
	}
	return sent, nil
}

// StreamInfo is a read-only view of one stream.
type StreamInfo struct {
	Name        string        `json:"name"`
	State       string        `json:"state"`
	ConstRate   bool          `json:"const_rate"`
	Interval    time.Duration `json:"interval"`
	Effective   time.Duration `json:"effective"`
	LastSent    time.Duration `json:"last_sent"`
	FirstSent   bool          `json:"first_sent"`
	Idle        bool          `json:"idle"`
	LastOutcome string        `json:"last_outcome"`
	LastPanic   string        `json:"last_panic,omitempty"`
	Stats       Stats         `json:"stats"`
}

// Streams returns a view of all streams in registration order.
func (s *Scheduler) Streams() []StreamInfo {
	out := make([]StreamInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, StreamInfo{
			Name:        e.name,
			State:       e.sched.State().String(),
			ConstRate:   e.stream.ConstRate(),
			Interval:    e.sched.Interval,
			Effective:   e.lastEff,
			LastSent:    e.sched.LastSent,
			FirstSent:   e.sched.FirstSent,
			Idle:        e.idle,
			LastOutcome: e.lastOut.String(),
			LastPanic:   e.lastPanic,
			Stats:       e.stats,
		})
	}
	return out
}
