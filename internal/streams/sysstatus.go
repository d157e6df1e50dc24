package streams

import (
	"runtime"
	"time"

	"telemetryd/internal/clock"
)

// memSampleEvery bounds how often Refresh reads runtime memory stats.
const memSampleEvery = time.Second

// SysStatusMsg reports process health.
type SysStatusMsg struct {
	Goroutines int    `msgpack:"goroutines" json:"goroutines"`
	HeapAlloc  uint64 `msgpack:"heap_alloc" json:"heap_alloc"`
	HeapSys    uint64 `msgpack:"heap_sys" json:"heap_sys"`
	NumGC      uint32 `msgpack:"num_gc" json:"num_gc"`
	CPUs       int    `msgpack:"cpus" json:"cpus"`
	UptimeMs   int64  `msgpack:"uptime_ms" json:"uptime_ms"`
}

// SysStatus is a variable-rate process health message. Refresh keeps the
// cached sample current; Emit only encodes it.
type SysStatus struct {
	name    string
	tx      Sender
	clk     clock.Clock
	start   time.Duration
	lastMem time.Duration
	msg     SysStatusMsg
	readMem func(*runtime.MemStats)
}

func NewSysStatus(name string, tx Sender, clk clock.Clock) *SysStatus {
	return &SysStatus{
		name:    name,
		tx:      tx,
		clk:     clk,
		start:   clk.Now(),
		readMem: runtime.ReadMemStats,
		msg:     SysStatusMsg{CPUs: runtime.NumCPU()},
	}
}

func (s *SysStatus) ConstRate() bool { return false }

func (s *SysStatus) Refresh() {
	now := s.clk.Now()
	s.msg.Goroutines = runtime.NumGoroutine()
	s.msg.UptimeMs = (now - s.start).Milliseconds()
	if s.lastMem != 0 && now-s.lastMem < memSampleEvery {
		return
	}
	var ms runtime.MemStats
	s.readMem(&ms)
	s.msg.HeapAlloc = ms.HeapAlloc
	s.msg.HeapSys = ms.HeapSys
	s.msg.NumGC = ms.NumGC
	s.lastMem = now
}

func (s *SysStatus) Emit(now time.Duration) bool { return s.tx.Send(s.name, now, s.msg) }

func (s *SysStatus) EmitNow() bool { return s.Emit(s.clk.Now()) }

// Sample returns the cached message.
func (s *SysStatus) Sample() SysStatusMsg { return s.msg }
