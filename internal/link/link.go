// Package link models the bandwidth-constrained link all streams share.
//
// A Link owns a byte-rate token bucket sized from the configured nominal
// bandwidth. Send refuses frames the bucket cannot pay for, which streams
// report back to the scheduler as "try again next tick". RateMultiplier
// turns capacity and bucket headroom into the multiplier that stretches
// variable-rate stream intervals.
package link

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "telemetryd/pkg/logx"
)

// Config sizes a Link.
type Config struct {
	// Bandwidth is the nominal link rate in bytes per second.
	Bandwidth uint64
	// Burst is the token bucket depth in bytes. Defaults to Bandwidth/10,
	// at least one maximum frame.
	Burst uint64
	// MinMultiplier and MaxMultiplier clamp RateMultiplier.
	MinMultiplier float64
	MaxMultiplier float64
	// Session overrides the generated session id.
	Session string
}

const (
	defaultMinMultiplier = 0.05
	defaultMaxMultiplier = 4
)

// Stats are cumulative link counters.
type Stats struct {
	Session    string  `json:"session"`
	Frames     uint64  `json:"frames"`
	Bytes      uint64  `json:"bytes"`
	Throttled  uint64  `json:"throttled"`
	Oversized  uint64  `json:"oversized"`
	WriteErrs  uint64  `json:"write_errors"`
	Capacity   float64 `json:"capacity"`
	Multiplier float64 `json:"multiplier"`
	Bandwidth  uint64  `json:"bandwidth"`
}

// Link is safe for concurrent use.
type Link struct {
	cfg     Config
	session string
	log     logx.Logger
	now     func() time.Time

	mu  sync.Mutex
	w   io.Writer
	lim *rate.Limiter
	seq uint64
	buf []byte

	capacity atomic.Uint64 // math.Float64bits

	frames    atomic.Uint64
	bytes     atomic.Uint64
	throttled atomic.Uint64
	oversized atomic.Uint64
	writeErrs atomic.Uint64
}

// New creates a link writing frames to w.
func New(cfg Config, w io.Writer, log logx.Logger) (*Link, error) {
	if cfg.Bandwidth == 0 {
		return nil, fmt.Errorf("link bandwidth must be > 0")
	}
	if w == nil {
		w = io.Discard
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	session := cfg.Session
	if session == "" {
		session = uuid.NewString()
	}
	l := &Link{
		cfg:     cfg,
		session: session,
		log:     log,
		now:     time.Now,
		w:       w,
		lim:     rate.NewLimiter(rate.Limit(cfg.Bandwidth), int(cfg.Burst)),
	}
	l.capacity.Store(math.Float64bits(1))
	log.Info("link ready",
		logx.String("session", session),
		logx.String("bandwidth", humanize.Bytes(cfg.Bandwidth)+"/s"),
		logx.String("burst", humanize.Bytes(cfg.Burst)),
	)
	return l, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Burst == 0 {
		cfg.Burst = cfg.Bandwidth / 10
	}
	if cfg.Burst < MaxFrameSize+4 {
		cfg.Burst = MaxFrameSize + 4
	}
	if cfg.MinMultiplier <= 0 {
		cfg.MinMultiplier = defaultMinMultiplier
	}
	if cfg.MaxMultiplier <= 0 {
		cfg.MaxMultiplier = defaultMaxMultiplier
	}
	if cfg.MaxMultiplier < cfg.MinMultiplier {
		cfg.MaxMultiplier = cfg.MinMultiplier
	}
	return cfg
}

// Session returns the link session id stamped on every frame.
func (l *Link) Session() string { return l.session }

// Send encodes payload as a frame for stream name and writes it if the
// byte budget allows. It returns false on backpressure, encode failure or
// write failure; the caller retries next tick.
func (l *Link) Send(name string, stamp time.Duration, payload any) bool {
	raw, err := EncodePayload(payload)
	if err != nil {
		l.oversized.Add(1)
		l.log.Debug("payload encode failed", logx.String("stream", name), logx.Err(err))
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f := Frame{
		Session: l.session,
		Seq:     l.seq + 1,
		Name:    name,
		Stamp:   stamp.Microseconds(),
		Payload: raw,
	}
	buf, err := AppendFrame(l.buf[:0], f)
	if err != nil {
		l.oversized.Add(1)
		l.log.Debug("frame rejected", logx.String("stream", name), logx.Err(err))
		return false
	}
	l.buf = buf
	if !l.lim.AllowN(l.now(), len(buf)) {
		l.throttled.Add(1)
		return false
	}
	if _, err := l.w.Write(buf); err != nil {
		l.writeErrs.Add(1)
		l.log.Debug("link write failed", logx.String("stream", name), logx.Err(err))
		return false
	}
	l.seq = f.Seq
	l.frames.Add(1)
	l.bytes.Add(uint64(len(buf)))
	return true
}

// SetCapacity sets the available fraction of nominal bandwidth (1 = nominal).
// Non-positive values are ignored.
func (l *Link) SetCapacity(f float64) {
	if !(f > 0) || math.IsInf(f, 0) {
		return
	}
	prev := math.Float64frombits(l.capacity.Swap(math.Float64bits(f)))
	if prev != f {
		l.log.Info("link capacity changed", logx.Float64("from", prev), logx.Float64("to", f))
	}
}

// Capacity returns the available fraction of nominal bandwidth.
func (l *Link) Capacity() float64 { return math.Float64frombits(l.capacity.Load()) }

// RateMultiplier reports bandwidth headroom relative to nominal.
//
// It is the configured capacity, scaled down linearly once the token bucket
// is less than half full, clamped to [MinMultiplier, MaxMultiplier].
func (l *Link) RateMultiplier() float64 {
	m := l.Capacity()
	l.mu.Lock()
	tokens := l.lim.TokensAt(l.now())
	l.mu.Unlock()
	fill := tokens / float64(l.cfg.Burst)
	if fill < 0.5 {
		if fill < 0 {
			fill = 0
		}
		m *= fill * 2
	}
	return clamp(m, l.cfg.MinMultiplier, l.cfg.MaxMultiplier)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Stats returns cumulative counters.
func (l *Link) Stats() Stats {
	return Stats{
		Session:    l.session,
		Frames:     l.frames.Load(),
		Bytes:      l.bytes.Load(),
		Throttled:  l.throttled.Load(),
		Oversized:  l.oversized.Load(),
		WriteErrs:  l.writeErrs.Load(),
		Capacity:   l.Capacity(),
		Multiplier: l.RateMultiplier(),
		Bandwidth:  l.cfg.Bandwidth,
	}
}
