package link

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	logx "telemetryd/pkg/logx"
)

// Measurer reports the current uplink throughput in megabits per second.
type Measurer interface {
	MeasureUpload(ctx context.Context) (float64, error)
}

// SpeedtestConfig tunes the speedtest.net uplink measurement.
type SpeedtestConfig struct {
	ServerCount    int
	MaxConnections int
	SavingMode     bool
}

// Speedtest measures upload throughput against the nearest speedtest.net
// servers.
type Speedtest struct {
	cfg SpeedtestConfig
}

func NewSpeedtest(cfg SpeedtestConfig) *Speedtest {
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 3
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 2
	}
	return &Speedtest{cfg: cfg}
}

// MeasureUpload pings the closest candidates and runs an upload test on the
// lowest-latency one.
func (s *Speedtest) MeasureUpload(ctx context.Context) (float64, error) {
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     s.cfg.SavingMode,
		MaxConnections: s.cfg.MaxConnections,
	}))
	stc.SetNThread(s.cfg.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	if _, err := stc.FetchUserInfoContext(ctx); err != nil {
		return 0, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return 0, errors.New("no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if len(servers) > s.cfg.ServerCount {
		servers = servers[:s.cfg.ServerCount]
	}

	var best *st.Server
	for _, srv := range servers {
		if err := srv.PingTestContext(ctx, nil); err != nil || srv.Latency <= 0 {
			continue
		}
		if best == nil || srv.Latency < best.Latency {
			best = srv
		}
	}
	if best == nil {
		return 0, errors.New("all latency tests failed")
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return 0, fmt.Errorf("upload test %s: %w", best.Sponsor, err)
	}
	return best.ULSpeed.Mbps(), nil
}

// Prober periodically measures the uplink and feeds the result into a
// Link as capacity.
type Prober struct {
	link    *Link
	m       Measurer
	every   time.Duration
	timeout time.Duration
	log     logx.Logger

	onCapacity func(capacity, mbps float64)
}

func NewProber(l *Link, m Measurer, every, timeout time.Duration, log logx.Logger) *Prober {
	if every <= 0 {
		every = 30 * time.Minute
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{link: l, m: m, every: every, timeout: timeout, log: log}
}

// OnCapacity registers fn to run after each successful measurement.
// Call before Run.
func (p *Prober) OnCapacity(fn func(capacity, mbps float64)) { p.onCapacity = fn }

// ProbeOnce measures once and applies the capacity. It returns the applied
// fraction of nominal bandwidth.
func (p *Prober) ProbeOnce(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	mbps, err := p.m.MeasureUpload(ctx)
	if err != nil {
		return 0, err
	}
	if !(mbps > 0) {
		return 0, fmt.Errorf("invalid upload measurement %v", mbps)
	}
	bytesPerSec := mbps * 1e6 / 8
	capacity := bytesPerSec / float64(p.link.cfg.Bandwidth)
	p.link.SetCapacity(capacity)
	if p.onCapacity != nil {
		p.onCapacity(capacity, mbps)
	}
	p.log.Info("uplink probed",
		logx.Float64("upload_mbps", mbps),
		logx.Float64("capacity", capacity),
		logx.Duration("took", time.Since(start)),
	)
	return capacity, nil
}

// Run probes immediately and then every interval until ctx is done.
// Measurement failures are logged and leave the capacity unchanged.
func (p *Prober) Run(ctx context.Context) error {
	t := time.NewTicker(p.every)
	defer t.Stop()
	for {
		if _, err := p.ProbeOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("uplink probe failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
