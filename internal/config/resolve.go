package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"telemetryd/internal/stream"
	logx "telemetryd/pkg/logx"
)

const (
	DefaultTick       = 10 * time.Millisecond
	DefaultIdleFactor = 3.0
	DefaultStatusAddr = "127.0.0.1:7070"
	DefaultFlushEvery = 30 * time.Second
	DefaultProbeEvery = 30 * time.Minute
	DefaultProbeLimit = 2 * time.Minute
)

// Resolved is a validated Config with every string parsed and defaults
// applied.
type Resolved struct {
	Logging     logx.Config
	Tick        time.Duration
	StartPolicy stream.StartPolicy
	IdleFactor  float64
	Link        LinkSettings
	Streams     []StreamSettings
	Triggers    []TriggerConfig
	Storage     StorageSettings
	Status      StatusSettings
}

type LinkSettings struct {
	Bandwidth     uint64
	Burst         uint64
	Output        string
	Session       string
	MinMultiplier float64
	MaxMultiplier float64
	Probe         ProbeSettings
}

type ProbeSettings struct {
	Enabled        bool
	Every          time.Duration
	Timeout        time.Duration
	ServerCount    int
	MaxConnections int
}

type StreamSettings struct {
	Name        string
	Kind        string
	Interval    time.Duration
	MinInterval time.Duration
}

// StorageSettings has an empty Driver when persistence is off.
type StorageSettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
	FlushEvery  time.Duration
}

type StatusSettings struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
}

// Resolve validates cfg. All problems are reported together, each prefixed
// with the offending path.
func Resolve(cfg *Config) (*Resolved, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	r := &Resolved{}

	// logging
	lvl := strings.TrimSpace(cfg.Logging.Level)
	if lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	r.Logging = logx.Config{
		Level:   lvl,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: strings.TrimSpace(cfg.Logging.File.Path)},
	}

	// scheduler
	tick, err := ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, DefaultTick)
	add(err)
	if err == nil && tick < time.Millisecond {
		add(fmt.Errorf("scheduler.tick: must be >= 1ms"))
	}
	r.Tick = tick
	pol, err := stream.ParseStartPolicy(cfg.Scheduler.StartPolicy)
	if err != nil {
		add(fmt.Errorf("scheduler.start_policy: %w", err))
	}
	r.StartPolicy = pol
	r.IdleFactor = DefaultIdleFactor
	if f := cfg.Scheduler.IdleFactor; f != nil {
		if *f < 0 {
			add(fmt.Errorf("scheduler.idle_factor: must be >= 0"))
		}
		r.IdleFactor = *f
	}

	r.Link = resolveLink(cfg.Link, add)
	r.Streams = resolveStreams(cfg.Streams, add)
	r.Triggers = resolveTriggers(cfg.Triggers, r.Streams, add)
	r.Storage = resolveStorage(cfg.Storage, add)
	r.Status = resolveStatus(cfg.Status, add)

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

func resolveLink(c LinkConfig, add func(error)) LinkSettings {
	out := LinkSettings{
		Output:        strings.TrimSpace(c.Output),
		Session:       strings.TrimSpace(c.Session),
		MinMultiplier: c.MinMultiplier,
		MaxMultiplier: c.MaxMultiplier,
	}
	if strings.TrimSpace(c.Bandwidth) == "" {
		add(fmt.Errorf("link.bandwidth: required"))
	} else if bw, err := humanize.ParseBytes(c.Bandwidth); err != nil || bw == 0 {
		add(fmt.Errorf("link.bandwidth: invalid size %q", c.Bandwidth))
	} else {
		out.Bandwidth = bw
	}
	if strings.TrimSpace(c.Burst) != "" {
		b, err := humanize.ParseBytes(c.Burst)
		if err != nil {
			add(fmt.Errorf("link.burst: invalid size %q", c.Burst))
		}
		out.Burst = b
	}
	if c.MinMultiplier < 0 || c.MaxMultiplier < 0 {
		add(fmt.Errorf("link: multipliers must be >= 0"))
	}
	if c.MinMultiplier > 0 && c.MaxMultiplier > 0 && c.MaxMultiplier < c.MinMultiplier {
		add(fmt.Errorf("link.max_multiplier: must be >= min_multiplier"))
	}

	p := c.Probe
	out.Probe = ProbeSettings{Enabled: p.Enabled, ServerCount: p.ServerCount, MaxConnections: p.MaxConnections}
	every, err := ParseDurationOrDefault("link.probe.every", p.Every, DefaultProbeEvery)
	add(err)
	out.Probe.Every = every
	timeout, err := ParseDurationOrDefault("link.probe.timeout", p.Timeout, DefaultProbeLimit)
	add(err)
	out.Probe.Timeout = timeout
	return out
}

func resolveStreams(in []StreamConfig, add func(error)) []StreamSettings {
	out := make([]StreamSettings, 0, len(in))
	seen := map[string]bool{}
	for i, s := range in {
		name := strings.TrimSpace(s.Name)
		path := fmt.Sprintf("streams[%d]", i)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
			continue
		}
		path = "streams." + name
		if seen[name] {
			add(fmt.Errorf("%s: duplicate stream", path))
			continue
		}
		seen[name] = true

		iv, err := ParseInterval(path+".interval", s.Interval)
		add(err)
		if s.Enabled != nil && !*s.Enabled {
			iv = 0
		}
		mi, err := ParseDurationField(path+".min_interval", s.MinInterval)
		add(err)
		kind := strings.TrimSpace(s.Kind)
		if kind == "" {
			kind = name
		}
		out = append(out, StreamSettings{Name: name, Kind: kind, Interval: iv, MinInterval: mi})
	}
	return out
}

func resolveTriggers(in []TriggerConfig, streams []StreamSettings, add func(error)) []TriggerConfig {
	known := make(map[string]bool, len(streams))
	for _, s := range streams {
		known[s.Name] = true
	}
	out := make([]TriggerConfig, 0, len(in))
	seen := map[string]bool{}
	for i, t := range in {
		t.Name = strings.TrimSpace(t.Name)
		t.Stream = strings.TrimSpace(t.Stream)
		t.Schedule = strings.TrimSpace(t.Schedule)
		if t.Name == "" {
			t.Name = fmt.Sprintf("%s#%d", t.Stream, i)
		}
		path := "triggers." + t.Name
		if seen[t.Name] {
			add(fmt.Errorf("%s: duplicate trigger", path))
			continue
		}
		seen[t.Name] = true
		if t.Schedule == "" {
			add(fmt.Errorf("%s.schedule: required", path))
		}
		if !known[t.Stream] {
			add(fmt.Errorf("%s.stream: unknown stream %q", path, t.Stream))
		}
		out = append(out, t)
	}
	return out
}

func resolveStorage(c *StorageConfig, add func(error)) StorageSettings {
	if c == nil {
		return StorageSettings{}
	}
	out := StorageSettings{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   strings.TrimSpace(c.Path),
	}
	switch out.Driver {
	case "", "none", "off":
		return StorageSettings{}
	case "file", "sqlite":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Driver))
	}
	if out.Path == "" {
		add(fmt.Errorf("storage.path: required for driver %q", out.Driver))
	}
	bt, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	add(err)
	out.BusyTimeout = bt
	fe, err := ParseDurationOrDefault("storage.flush_every", c.FlushEvery, DefaultFlushEvery)
	add(err)
	out.FlushEvery = fe
	return out
}

func resolveStatus(c StatusConfig, add func(error)) StatusSettings {
	out := StatusSettings{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
	}
	if out.Addr == "" {
		out.Addr = DefaultStatusAddr
	}
	rt, err := ParseDurationField("status.read_timeout", c.ReadTimeout)
	add(err)
	out.ReadTimeout = rt
	it, err := ParseDurationField("status.idle_timeout", c.IdleTimeout)
	add(err)
	out.IdleTimeout = it
	if out.Enabled && !IsLoopbackAddr(out.Addr) && out.Token == "" && !out.AllowInsecure {
		add(fmt.Errorf("status.addr: %q is not loopback; set status.token or status.allow_insecure", out.Addr))
	}
	return out
}

// IsLoopbackAddr reports whether a host:port listen address only binds
// loopback interfaces.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Params is the flattened stream table published to receivers.
func (r *Resolved) Params() map[string]string {
	out := make(map[string]string, len(r.Streams)+1)
	for _, s := range r.Streams {
		out[s.Name] = FormatInterval(s.Interval)
	}
	out["scheduler.tick"] = r.Tick.String()
	return out
}
