package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"

	logx "telemetryd/pkg/logx"
)

type fakeFirer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeFirer) Trigger(stream, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, stream+"|"+source)
	return nil
}

func (f *fakeFirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "*/5 * * * *", want: "*/5 * * * *"},
		{raw: "*/10 * * * * *", want: "*/10 * * * * *"},
		{raw: "@hourly", want: "@hourly"},
		{raw: "cron:0 0 * * *", want: "0 0 * * *"},
		{raw: "30s", want: "@every 30s"},
		{raw: "every:2m", want: "@every 2m0s"},
		{raw: "01:30", want: "@every 1h30m0s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "-5s", "00:00", "01:75", "* * *", "cron:"} {
		if _, err := Normalize(raw); err == nil {
			t.Fatalf("Normalize(%q) accepted", raw)
		}
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	t.Parallel()
	s := New(&fakeFirer{}, logx.Nop())
	if err := s.Apply([]Spec{{Name: "params", Schedule: "1m", Stream: "params"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	err := s.Apply([]Spec{
		{Name: "params", Schedule: "1m", Stream: "params"},
		{Name: "bad", Schedule: "whenever", Stream: "hb"},
	})
	if err == nil {
		t.Fatal("invalid set applied")
	}
	list := s.List()
	if len(list) != 1 || list[0].Name != "params" || list[0].Schedule != "@every 1m0s" {
		t.Fatalf("list after rejected apply = %+v", list)
	}
	if err := s.Apply([]Spec{{Name: "a", Schedule: "1m", Stream: "x"}, {Name: "a", Schedule: "2m", Stream: "x"}}); err == nil {
		t.Fatal("duplicate names accepted")
	}
}

func TestRunCountsOutcomes(t *testing.T) {
	t.Parallel()
	f := &fakeFirer{}
	s := New(f, logx.Nop())
	if err := s.Apply([]Spec{{Name: "p", Schedule: "1h", Stream: "params"}}); err != nil {
		t.Fatal(err)
	}
	d := s.defs["p"]
	s.run(d)
	f.err = errors.New("queue full")
	s.run(d)

	info := s.List()[0]
	if info.Fired != 1 || info.Failed != 1 {
		t.Fatalf("fired=%d failed=%d, want 1/1", info.Fired, info.Failed)
	}
	if f.calls[0] != "params|trigger:p" {
		t.Fatalf("call = %q", f.calls[0])
	}
}

func TestStartedServiceFires(t *testing.T) {
	t.Parallel()
	f := &fakeFirer{}
	s := New(f, logx.Nop(), WithLocation(time.UTC))
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if err := s.Apply([]Spec{{Name: "fast", Schedule: "@every 1s", Stream: "hb"}}); err != nil {
		t.Fatal(err)
	}
	if next := s.List()[0].Next; next.IsZero() {
		t.Fatal("started trigger has no next run")
	}
	deadline := time.Now().Add(3 * time.Second)
	for f.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("trigger never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestValidateCollectsEveryError(t *testing.T) {
	t.Parallel()
	err := Validate([]Spec{
		{Name: "", Schedule: "1m", Stream: "hb"},
		{Name: "nostream", Schedule: "1m"},
		{Name: "bad", Schedule: "whenever", Stream: "hb"},
	})
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("Validate() = %T %v, want *multierror.Error", err, err)
	}
	if got := len(merr.Errors); got != 3 {
		t.Fatalf("errors = %d, want 3: %v", got, err)
	}
	if err := Validate([]Spec{{Name: "ok", Schedule: "1m", Stream: "hb"}}); err != nil {
		t.Fatalf("Validate(valid) = %v, want nil", err)
	}
}

func TestStartStopsWhenContextDone(t *testing.T) {
	t.Parallel()
	f := &fakeFirer{}
	s := New(f, logx.Nop(), WithLocation(time.UTC))
	if err := s.Apply([]Spec{{Name: "hourly", Schedule: "1h", Stream: "hb"}}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	if s.List()[0].Next.IsZero() {
		t.Fatal("started trigger has no next run")
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for !s.List()[0].Next.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("trigger still scheduled after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A later Start builds a fresh cron.
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if s.List()[0].Next.IsZero() {
		t.Fatal("restarted trigger has no next run")
	}
}
