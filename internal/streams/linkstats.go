package streams

import (
	"time"

	"github.com/VividCortex/ewma"

	"telemetryd/internal/clock"
)

const (
	defaultLinkStatsMin = 100 * time.Millisecond
	throughputSample    = 100 * time.Millisecond
)

// LinkStatsMsg reports link counters and smoothed throughput.
type LinkStatsMsg struct {
	Frames     uint64  `msgpack:"frames" json:"frames"`
	Bytes      uint64  `msgpack:"bytes" json:"bytes"`
	Throttled  uint64  `msgpack:"throttled" json:"throttled"`
	WriteErrs  uint64  `msgpack:"write_errors" json:"write_errors"`
	Multiplier float64 `msgpack:"mult" json:"mult"`
	Capacity   float64 `msgpack:"capacity" json:"capacity"`
	BytesPerS  float64 `msgpack:"bps" json:"bps"`
}

// LinkStats is a variable-rate report of the link itself. It never sends
// faster than its minimum interval regardless of headroom.
type LinkStats struct {
	name        string
	tx          Sender
	clk         clock.Clock
	src         StatsSource
	minInterval time.Duration

	avg       ewma.MovingAverage
	lastAt    time.Duration
	lastBytes uint64
	msg       LinkStatsMsg
}

func NewLinkStats(name string, tx Sender, clk clock.Clock, src StatsSource) *LinkStats {
	return &LinkStats{
		name:        name,
		tx:          tx,
		clk:         clk,
		src:         src,
		minInterval: defaultLinkStatsMin,
		avg:         ewma.NewMovingAverage(),
	}
}

func (l *LinkStats) ConstRate() bool            { return false }
func (l *LinkStats) MinInterval() time.Duration { return l.minInterval }

func (l *LinkStats) Refresh() {
	now := l.clk.Now()
	if l.lastAt != 0 && now-l.lastAt < throughputSample {
		return
	}
	st := l.src.Stats()
	if l.lastAt != 0 {
		dt := (now - l.lastAt).Seconds()
		l.avg.Add(float64(st.Bytes-l.lastBytes) / dt)
	}
	l.lastAt = now
	l.lastBytes = st.Bytes
	l.msg = LinkStatsMsg{
		Frames:     st.Frames,
		Bytes:      st.Bytes,
		Throttled:  st.Throttled,
		WriteErrs:  st.WriteErrs,
		Multiplier: st.Multiplier,
		Capacity:   st.Capacity,
		BytesPerS:  l.avg.Value(),
	}
}

func (l *LinkStats) Emit(now time.Duration) bool { return l.tx.Send(l.name, now, l.msg) }

func (l *LinkStats) EmitNow() bool { return l.Emit(l.clk.Now()) }

// Sample returns the cached message.
func (l *LinkStats) Sample() LinkStatsMsg { return l.msg }
