// Package trigger fires manual stream sends on cron schedules.
//
// A firing never touches a stream's schedule; it only queues an EmitNow on
// the driver loop.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	logx "telemetryd/pkg/logx"
)

// Firer queues a manual send. stream.Driver implements it.
type Firer interface {
	Trigger(stream, source string) error
}

// Spec binds a schedule to a stream.
type Spec struct {
	Name     string
	Schedule string
	Stream   string
}

type def struct {
	Spec
	cron    string
	entryID cron.EntryID
	fired   atomic.Uint64
	failed  atomic.Uint64
}

// Info describes a registered trigger.
type Info struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Stream   string    `json:"stream"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
	Fired    uint64    `json:"fired"`
	Failed   uint64    `json:"failed"`
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	fire Firer
	loc  *time.Location
	c    *cron.Cron
	done chan struct{} // closed when c is detached
	defs map[string]*def
}

type Option func(*Service)

func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

func New(fire Firer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, fire: fire, loc: time.Local, defs: map[string]*def{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate reports whether every spec is usable without applying any.
func Validate(specs []Spec) error {
	seen := map[string]bool{}
	var errs *multierror.Error
	for _, sp := range specs {
		name := strings.TrimSpace(sp.Name)
		if name == "" {
			errs = multierror.Append(errs, errors.New("trigger name required"))
			continue
		}
		if seen[name] {
			errs = multierror.Append(errs, fmt.Errorf("trigger %s: duplicate", name))
		}
		seen[name] = true
		if strings.TrimSpace(sp.Stream) == "" {
			errs = multierror.Append(errs, fmt.Errorf("trigger %s: stream required", name))
		}
		if _, err := Normalize(sp.Schedule); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("trigger %s: %w", name, err))
		}
	}
	return errs.ErrorOrNil()
}

// Apply replaces the trigger set. It is all-or-nothing: on a validation
// error the previous set stays active. Unchanged triggers keep their
// counters and cron entries.
func (s *Service) Apply(specs []Spec) error {
	if err := Validate(specs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]Spec, len(specs))
	for _, sp := range specs {
		sp.Name = strings.TrimSpace(sp.Name)
		sp.Stream = strings.TrimSpace(sp.Stream)
		want[sp.Name] = sp
	}
	for name, d := range s.defs {
		if sp, ok := want[name]; ok && sp == d.Spec {
			continue
		}
		s.removeLocked(name)
	}
	for name, sp := range want {
		if _, ok := s.defs[name]; ok {
			continue
		}
		spec, _ := Normalize(sp.Schedule)
		d := &def{Spec: sp, cron: spec}
		s.defs[name] = d
		if s.c != nil {
			if err := s.addLocked(d); err != nil {
				s.log.Error("trigger register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
			}
		}
	}
	s.log.Debug("triggers applied", logx.Int("count", len(s.defs)))
	return nil
}

func (s *Service) removeLocked(name string) {
	d, ok := s.defs[name]
	if !ok {
		return
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
}

func (s *Service) addLocked(d *def) error {
	id, err := s.c.AddFunc(d.cron, func() { s.run(d) })
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) run(d *def) {
	if err := s.fire.Trigger(d.Stream, "trigger:"+d.Name); err != nil {
		d.failed.Add(1)
		s.log.Warn("trigger fire failed", logx.String("name", d.Name), logx.String("stream", d.Stream), logx.Err(err))
		return
	}
	d.fired.Add(1)
}

// Start begins firing. It is a no-op when already started. Firing stops
// when ctx is done or on Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	done := make(chan struct{})
	s.c, s.done = c, done
	for name, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Error("trigger register failed", logx.String("name", name), logx.Err(err))
		}
	}
	c.Start()
	s.log.Info("trigger service started", logx.Int("triggers", len(s.defs)), logx.String("tz", s.loc.String()))

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		s.mu.Lock()
		if s.c != c {
			s.mu.Unlock()
			return
		}
		s.detachLocked()
		s.mu.Unlock()
		<-c.Stop().Done()
		s.log.Debug("trigger service stopped with context")
	}()
}

// detachLocked forgets the running cron so a later Start builds a new one.
func (s *Service) detachLocked() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
}

// Stop halts firing and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.detachLocked()
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

// List returns the registered triggers sorted by name.
func (s *Service) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		info := Info{
			Name:     d.Name,
			Schedule: d.cron,
			Stream:   d.Stream,
			Fired:    d.fired.Load(),
			Failed:   d.failed.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
