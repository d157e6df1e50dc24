package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/afero"

	"telemetryd/internal/clock"
	"telemetryd/internal/config"
	"telemetryd/internal/eventbus"
	"telemetryd/internal/link"
	"telemetryd/internal/observability/status"
	rtsup "telemetryd/internal/runtime/supervisor"
	"telemetryd/internal/storage"
	"telemetryd/internal/stream"
	"telemetryd/internal/streams"
	"telemetryd/internal/trigger"
	logx "telemetryd/pkg/logx"
)

// App wires the scheduler, link and supporting services into one daemon.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	out      io.WriteCloser
	link     *link.Link
	prober   *link.Prober
	sched    *stream.Scheduler
	driver   *stream.Driver
	params   *streams.ParamStore
	triggers *trigger.Service
	status   *status.Service
	notify   Notifier

	flushEvery time.Duration

	// mu guards sup and the last applied config. streamKinds is only
	// touched before Start and on the driver goroutine.
	mu          sync.Mutex
	lastCfg     *config.Config
	lastRes     *config.Resolved
	streamKinds map[string]config.StreamSettings
}

type options struct {
	fs       afero.Fs
	clk      clock.Clock
	measurer link.Measurer
	notifier Notifier
}

type Option func(*options)

// WithFs sets the filesystem used for file outputs and the file store.
func WithFs(fs afero.Fs) Option { return func(o *options) { o.fs = fs } }

// WithClock replaces the monotonic clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clk = c } }

// WithMeasurer replaces the speedtest-based uplink probe.
func WithMeasurer(m link.Measurer) Option { return func(o *options) { o.measurer = m } }

// WithNotifier replaces the systemd notifier.
func WithNotifier(n Notifier) Option { return func(o *options) { o.notifier = n } }

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{fs: afero.NewOsFs(), clk: clock.NewMonotonic(), notifier: systemdNotifier{}}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := validate(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(res.Logging)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		_, err := validate(ctx, c)
		return err
	})

	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logs,
		bus:         eventbus.New(),
		params:      &streams.ParamStore{},
		notify:      o.notifier,
		flushEvery:  res.Storage.FlushEvery,
		lastCfg:     cfg,
		lastRes:     res,
		streamKinds: map[string]config.StreamSettings{},
	}
	if err := a.build(res, o); err != nil {
		a.closeOutputs()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(res *config.Resolved, o options) error {
	out, err := link.OpenOutput(o.fs, res.Link.Output)
	if err != nil {
		return fmt.Errorf("link.output: %w", err)
	}
	a.out = out

	lk, err := link.New(mapLinkConfig(res), out, a.log.With(logx.String("comp", "link")))
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	a.link = lk

	if p := res.Link.Probe; p.Enabled {
		m := o.measurer
		if m == nil {
			m = link.NewSpeedtest(link.SpeedtestConfig{ServerCount: p.ServerCount, MaxConnections: p.MaxConnections})
		}
		a.prober = link.NewProber(lk, m, p.Every, p.Timeout, a.log.With(logx.String("comp", "probe")))
		a.prober.OnCapacity(func(capacity, mbps float64) {
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeLinkCapacity, Data: map[string]any{
				"capacity":    capacity,
				"upload_mbps": mbps,
			}})
		})
	}

	a.sched = stream.New(o.clk, lk,
		stream.WithStartPolicy(res.StartPolicy),
		stream.WithIdleFactor(res.IdleFactor),
		stream.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
	)
	a.driver = stream.NewDriver(a.sched, res.Tick, a.log.With(logx.String("comp", "driver")), a.bus)
	a.params.Set(paramSet(res, a.cfgm.Revision(), a.cfgm.HashString()))

	for _, s := range res.Streams {
		if err := a.register(a.sched, s); err != nil {
			return err
		}
	}

	if sc, enabled := mapStorageConfig(res); enabled {
		sc.Fs = o.fs
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = st
		a.restoreStats(context.Background())
	}

	a.triggers = trigger.New(a.driver, a.log.With(logx.String("comp", "trigger")))
	if err := a.triggers.Apply(triggerSpecs(res)); err != nil {
		return fmt.Errorf("triggers: %w", err)
	}

	a.status = status.New(mapStatusConfig(res), a.statusSources(), a.log)
	return nil
}

// register builds one stream and adds it to s. Only call before Run or
// from a Driver command.
func (a *App) register(s *stream.Scheduler, cfg config.StreamSettings) error {
	st, err := streams.Build(streamSpec(cfg), a.deps())
	if err != nil {
		return fmt.Errorf("streams.%s: %w", cfg.Name, err)
	}
	if err := s.Register(cfg.Name, st, cfg.Interval); err != nil {
		return fmt.Errorf("streams.%s: %w", cfg.Name, err)
	}
	a.streamKinds[cfg.Name] = cfg
	return nil
}

func (a *App) deps() streams.Deps {
	return streams.Deps{Clock: a.sched.Clock(), Tx: a.link, Link: a.link, Params: a.params}
}

func (a *App) statusSources() status.Sources {
	src := status.Sources{
		Streams: a.driver.Snapshot,
		Emit:    a.driver.Emit,
		Link:    a.link.Stats,
		Loops:   func() rtsup.Snapshot { return a.supervisor().Snapshot() },
		Health:  a.Health,
	}
	src.Triggers = a.triggers.List
	if a.store != nil {
		src.Events = a.store.RecentEvents
	}
	return src
}

func (a *App) supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// Driver exposes the tick loop for callers that need direct control.
func (a *App) Driver() *stream.Driver { return a.driver }

// Link exposes the shared link.
func (a *App) Link() *link.Link { return a.link }

// Logger returns the app logger.
func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	sup := a.supervisor()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if sup := a.supervisor(); sup != nil {
		return sup.Err()
	}
	return nil
}

// Health is nil while the tick loop runs and no loop has failed.
func (a *App) Health() error {
	sup := a.supervisor()
	if sup == nil {
		return errors.New("not started")
	}
	if err := sup.Err(); err != nil {
		return err
	}
	if !a.driver.Running() {
		return errors.New("driver not running")
	}
	return nil
}

// Reload re-reads the config file. Changes are applied by the reload loop.
func (a *App) Reload(ctx context.Context) error {
	a.sdNotify(notifyReloading)
	defer a.sdNotify(notifyReady)
	err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config reload requested; file unchanged")
		return nil
	}
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
	}
	return err
}

func (a *App) Start(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.mu.Lock()
	a.sup = sup
	a.mu.Unlock()

	sup.Go("driver", a.driver.Run)

	if a.prober != nil {
		sup.GoRestart("link.probe", a.prober.Run, rtsup.WithRestartBackoff(time.Second, time.Minute))
	}
	a.triggers.Start(sup.Context())
	a.status.Start(sup.Context())

	a.startEventLoop(sup)
	if a.store != nil {
		sup.Go0("storage.flush", a.flushLoop)
	}

	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.announceReady(sup)
	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.String("session", a.link.Session()),
		logx.Int("streams", len(a.lastResolved().Streams)),
	)
	return nil
}

func (a *App) lastResolved() *config.Resolved {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRes
}

// startEventLoop logs bus events and persists them when a store is open.
func (a *App) startEventLoop(sup *rtsup.Supervisor) {
	events, unsub := a.bus.Subscribe(256)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				a.persistEvent(c, e)
			}
		}
	})
}

func (a *App) closeOutputs() {
	if a.out != nil {
		_ = a.out.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
