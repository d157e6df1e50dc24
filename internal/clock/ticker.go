package clock

import (
	"sync"
	"time"
)

// Ticker generates scheduling ticks at a fixed period.
//
// Ticks are delivered on a channel with a one-slot buffer; if the consumer is
// still busy with the previous tick, the new one is dropped rather than queued.
// A stalled driver therefore sees one late tick, not a burst.
type Ticker struct {
	mu       sync.Mutex
	interval time.Duration
	ticker   *time.Ticker
	tickChan chan struct{}
	stop     chan struct{}
	stopped  bool
}

// NewTicker creates a ticker for the given period. It does not start ticking
// until Start is called.
func NewTicker(interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Ticker{
		interval: interval,
		tickChan: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start begins generating ticks.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil || t.stopped {
		return
	}
	t.ticker = time.NewTicker(t.interval)
	go t.run(t.ticker)
}

func (t *Ticker) run(tk *time.Ticker) {
	for {
		select {
		case <-tk.C:
			select {
			case t.tickChan <- struct{}{}:
			default:
			}
		case <-t.stop:
			return
		}
	}
}

// Reset changes the tick period. Takes effect immediately if running.
func (t *Ticker) Reset(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
	if t.ticker != nil {
		t.ticker.Reset(interval)
	}
}

// Interval returns the current tick period.
func (t *Ticker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Stop stops the ticker. The tick channel is never closed; consumers should
// select on their own context as well.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.ticker != nil {
		t.ticker.Stop()
	}
	close(t.stop)
}

// C returns the channel that receives tick events.
func (t *Ticker) C() <-chan struct{} {
	return t.tickChan
}
