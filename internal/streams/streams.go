// Package streams holds the concrete message types telemetryd emits.
package streams

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"telemetryd/internal/clock"
	"telemetryd/internal/link"
	"telemetryd/internal/stream"
)

// Sender writes one message onto the link. It reports false when the link
// refuses the frame.
type Sender interface {
	Send(name string, stamp time.Duration, payload any) bool
}

// StatsSource exposes link counters.
type StatsSource interface {
	Stats() link.Stats
}

var (
	ErrUnknownKind = errors.New("unknown stream kind")
	// ErrFloorOnConstRate: const-rate streams use their interval verbatim,
	// so a min_interval would never apply.
	ErrFloorOnConstRate = errors.New("min_interval has no effect on const-rate streams")
)

// Deps are the collaborators a stream may need.
type Deps struct {
	Clock  clock.Clock
	Tx     Sender
	Link   StatsSource
	Params *ParamStore
}

// Spec describes one stream instance.
type Spec struct {
	Name        string
	Kind        string
	MinInterval time.Duration
}

type factory func(spec Spec, d Deps) (stream.Stream, error)

var factories = map[string]factory{
	KindHeartbeat: func(s Spec, d Deps) (stream.Stream, error) { return NewHeartbeat(s.Name, d.Tx, d.Clock), nil },
	KindSysStatus: func(s Spec, d Deps) (stream.Stream, error) { return NewSysStatus(s.Name, d.Tx, d.Clock), nil },
	KindLinkStats: func(s Spec, d Deps) (stream.Stream, error) {
		if d.Link == nil {
			return nil, errors.New("link_stats needs a link")
		}
		ls := NewLinkStats(s.Name, d.Tx, d.Clock, d.Link)
		if s.MinInterval > 0 {
			ls.minInterval = s.MinInterval
		}
		return ls, nil
	},
	KindParamValue: func(s Spec, d Deps) (stream.Stream, error) {
		if d.Params == nil {
			return nil, errors.New("param_value needs a param store")
		}
		return NewParamValue(s.Name, d.Tx, d.Clock, d.Params), nil
	},
	KindTimeSync: func(s Spec, d Deps) (stream.Stream, error) { return NewTimeSync(s.Name, d.Tx, d.Clock), nil },
}

// constRate lists the kinds whose streams report ConstRate() == true.
var constRate = map[string]bool{
	KindHeartbeat:  true,
	KindParamValue: true,
	KindTimeSync:   true,
}

// ConstRateKind reports whether streams of kind ignore the rate multiplier.
func ConstRateKind(kind string) bool { return constRate[kind] }

// Kinds lists the known stream kinds.
func Kinds() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KnownKind reports whether kind can be built.
func KnownKind(kind string) bool {
	_, ok := factories[kind]
	return ok
}

// Build creates the stream described by spec. An empty Kind defaults to the
// stream name. MinInterval on kinds without their own floor wraps the stream
// so the scheduler sees it.
func Build(spec Spec, d Deps) (stream.Stream, error) {
	if spec.Kind == "" {
		spec.Kind = spec.Name
	}
	f, ok := factories[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	if d.Tx == nil {
		return nil, errors.New("streams: nil sender")
	}
	if d.Clock == nil {
		d.Clock = clock.NewMonotonic()
	}
	st, err := f(spec, d)
	if err != nil {
		return nil, err
	}
	if spec.MinInterval <= 0 {
		return st, nil
	}
	if st.ConstRate() {
		return nil, fmt.Errorf("%w: %s", ErrFloorOnConstRate, spec.Kind)
	}
	if _, has := st.(stream.MinIntervaler); has {
		return st, nil
	}
	fl := floored{Stream: st, min: spec.MinInterval}
	if m, ok := st.(stream.ManualEmitter); ok {
		return flooredManual{floored: fl, manual: m}, nil
	}
	return fl, nil
}

// floored adds a min interval to a stream without one. It only exposes
// EmitNow (flooredManual) when the wrapped stream has it.
type floored struct {
	stream.Stream
	min time.Duration
}

func (f floored) MinInterval() time.Duration { return f.min }

type flooredManual struct {
	floored
	manual stream.ManualEmitter
}

func (f flooredManual) EmitNow() bool { return f.manual.EmitNow() }
