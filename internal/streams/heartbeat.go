package streams

import (
	"time"

	"telemetryd/internal/clock"
)

const (
	KindHeartbeat  = "heartbeat"
	KindSysStatus  = "sys_status"
	KindLinkStats  = "link_stats"
	KindParamValue = "param_value"
	KindTimeSync   = "timesync"
)

// HeartbeatMsg announces liveness.
type HeartbeatMsg struct {
	Seq      uint64 `msgpack:"seq" json:"seq"`
	UptimeMs int64  `msgpack:"uptime_ms" json:"uptime_ms"`
}

// Heartbeat is a fixed-rate liveness message. Its sequence number only
// advances on successful sends, so gaps on the receiver mean loss.
type Heartbeat struct {
	name  string
	tx    Sender
	clk   clock.Clock
	start time.Duration
	seq   uint64
}

func NewHeartbeat(name string, tx Sender, clk clock.Clock) *Heartbeat {
	return &Heartbeat{name: name, tx: tx, clk: clk, start: clk.Now()}
}

func (h *Heartbeat) Refresh()        {}
func (h *Heartbeat) ConstRate() bool { return true }

func (h *Heartbeat) Emit(now time.Duration) bool {
	msg := HeartbeatMsg{Seq: h.seq + 1, UptimeMs: (now - h.start).Milliseconds()}
	if !h.tx.Send(h.name, now, msg) {
		return false
	}
	h.seq = msg.Seq
	return true
}

func (h *Heartbeat) EmitNow() bool { return h.Emit(h.clk.Now()) }

// Seq returns the last sent sequence number.
func (h *Heartbeat) Seq() uint64 { return h.seq }

// TimeSyncMsg pairs the sender's monotonic and wall clocks.
type TimeSyncMsg struct {
	MonoUs int64 `msgpack:"mono_us" json:"mono_us"`
	WallUs int64 `msgpack:"wall_us" json:"wall_us"`
}

// TimeSync lets the receiver map frame stamps to wall time. It is usually
// configured unthrottled during startup and fixed-rate afterwards.
type TimeSync struct {
	name string
	tx   Sender
	clk  clock.Clock
	wall func() time.Time
}

func NewTimeSync(name string, tx Sender, clk clock.Clock) *TimeSync {
	return &TimeSync{name: name, tx: tx, clk: clk, wall: time.Now}
}

func (t *TimeSync) Refresh()        {}
func (t *TimeSync) ConstRate() bool { return true }

func (t *TimeSync) Emit(now time.Duration) bool {
	return t.tx.Send(t.name, now, TimeSyncMsg{MonoUs: now.Microseconds(), WallUs: t.wall().UnixMicro()})
}

func (t *TimeSync) EmitNow() bool { return t.Emit(t.clk.Now()) }
