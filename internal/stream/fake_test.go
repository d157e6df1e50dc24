package stream

import "time"

// fakeStream records calls and fails the next n emits on demand.
type fakeStream struct {
	constRate bool
	failNext  int

	refreshes int
	emits     []time.Duration
	manual    int
	manualOK  bool
	panicOn   bool
}

func (f *fakeStream) Refresh() { f.refreshes++ }

func (f *fakeStream) Emit(now time.Duration) bool {
	if f.panicOn {
		panic("boom")
	}
	if f.failNext > 0 {
		f.failNext--
		return false
	}
	f.emits = append(f.emits, now)
	return true
}

func (f *fakeStream) ConstRate() bool { return f.constRate }

func (f *fakeStream) EmitNow() bool {
	f.manual++
	return f.manualOK
}

type flooredStream struct {
	fakeStream
	floor time.Duration
}

func (f *flooredStream) MinInterval() time.Duration { return f.floor }

// plainStream has no manual path.
type plainStream struct{ fakeStream }

func (p *plainStream) EmitNow() {} // wrong signature on purpose: not a ManualEmitter
