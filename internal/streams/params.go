package streams

import (
	"sync/atomic"
	"time"

	"telemetryd/internal/clock"
)

// ParamSet is one published configuration revision.
type ParamSet struct {
	Revision uint64            `msgpack:"rev" json:"rev"`
	Hash     string            `msgpack:"hash" json:"hash"`
	Values   map[string]string `msgpack:"values" json:"values"`
}

// ParamStore holds the current ParamSet. Set may be called from any
// goroutine; the map must not be modified after Set.
type ParamStore struct {
	cur atomic.Pointer[ParamSet]
}

func (p *ParamStore) Set(ps ParamSet) { p.cur.Store(&ps) }

func (p *ParamStore) Get() (ParamSet, bool) {
	ps := p.cur.Load()
	if ps == nil {
		return ParamSet{}, false
	}
	return *ps, true
}

// ParamValue publishes the active configuration. It is normally registered
// disabled and sent on demand by triggers or after a reload.
type ParamValue struct {
	name  string
	tx    Sender
	clk   clock.Clock
	store *ParamStore
}

func NewParamValue(name string, tx Sender, clk clock.Clock, store *ParamStore) *ParamValue {
	return &ParamValue{name: name, tx: tx, clk: clk, store: store}
}

func (p *ParamValue) Refresh()        {}
func (p *ParamValue) ConstRate() bool { return true }

// Emit fails until a ParamSet has been stored.
func (p *ParamValue) Emit(now time.Duration) bool {
	ps, ok := p.store.Get()
	if !ok {
		return false
	}
	return p.tx.Send(p.name, now, ps)
}

func (p *ParamValue) EmitNow() bool { return p.Emit(p.clk.Now()) }
