package app

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"telemetryd/internal/config"
	"telemetryd/internal/eventbus"
	"telemetryd/internal/stream"
	"telemetryd/internal/streams"
	logx "telemetryd/pkg/logx"
)

const applyTimeout = 5 * time.Second

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if err := a.applyConfig(ctx, next); err != nil {
				a.log.Warn("config partially applied", logx.Err(err))
			}
		}
	}
}

// applyConfig brings the running components in line with cfg. Link and
// storage settings need a restart; everything else applies live.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) error {
	res, err := validate(ctx, cfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	prevCfg, prevRes := a.lastCfg, a.lastRes
	a.mu.Unlock()

	sections, attrs, changedStreams := config.SummarizeConfigChange(prevCfg, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return nil
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(changedStreams) > 0 {
		a.log.Debug("stream config changes detected", logx.Any("streams", changedStreams))
	}
	for _, s := range sections {
		if s == "link" || s == "storage" {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	var errs *multierror.Error
	a.logs.Apply(res.Logging)
	a.driver.SetTickInterval(res.Tick)

	actx, cancel := context.WithTimeout(ctx, applyTimeout)
	err = a.driver.Do(actx, func(s *stream.Scheduler) error {
		s.SetStartPolicy(res.StartPolicy)
		s.SetIdleFactor(res.IdleFactor)
		return a.syncStreams(s, res.Streams)
	})
	cancel()
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := a.triggers.Apply(triggerSpecs(res)); err != nil {
		errs = multierror.Append(errs, err)
	}
	a.status.Reconfigure(ctx, mapStatusConfig(res))

	a.mu.Lock()
	a.lastCfg, a.lastRes = cfg, res
	a.mu.Unlock()

	if !paramsEqual(prevRes, res) {
		a.params.Set(paramSet(res, a.cfgm.Revision(), a.cfgm.HashString()))
		a.announceParams(res)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: map[string]any{
		"revision": a.cfgm.Revision(),
		"changed":  sections,
	}})
	a.log.Info("config reloaded", fields...)
	return errs.ErrorOrNil()
}

// syncStreams runs on the driver goroutine. Existing streams keep their
// schedule and position; a changed kind or floor rebuilds the stream;
// new streams are appended.
func (a *App) syncStreams(s *stream.Scheduler, next []config.StreamSettings) error {
	var errs *multierror.Error
	want := make(map[string]config.StreamSettings, len(next))
	for _, st := range next {
		want[st.Name] = st
	}
	for _, name := range s.Names() {
		cur, ok := want[name]
		prev := a.streamKinds[name]
		if ok && cur.Kind == prev.Kind && cur.MinInterval == prev.MinInterval {
			continue
		}
		if err := s.Unregister(name); err != nil {
			errs = multierror.Append(errs, err)
		}
		delete(a.streamKinds, name)
		a.log.Info("stream removed", logx.String("stream", name))
	}
	for _, st := range next {
		if _, ok := a.streamKinds[st.Name]; ok {
			if iv, _ := s.Interval(st.Name); iv != st.Interval {
				if err := s.SetInterval(st.Name, st.Interval); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				a.log.Info("stream interval changed",
					logx.String("stream", st.Name),
					logx.String("from", config.FormatInterval(iv)),
					logx.String("to", config.FormatInterval(st.Interval)),
				)
			}
			a.streamKinds[st.Name] = st
			continue
		}
		if err := a.register(s, st); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		a.log.Info("stream added", logx.String("stream", st.Name), logx.String("kind", st.Kind))
	}
	return errs.ErrorOrNil()
}

// announceParams sends every parameter stream once, manual-only ones
// included, so receivers see the new table without waiting for a period or
// a trigger.
func (a *App) announceParams(res *config.Resolved) {
	for _, st := range res.Streams {
		if st.Kind != streams.KindParamValue {
			continue
		}
		if err := a.driver.Trigger(st.Name, "config"); err != nil {
			a.log.Warn("param announce not queued", logx.String("stream", st.Name), logx.Err(err))
		}
	}
}

func paramsEqual(a, b *config.Resolved) bool {
	if a == nil || b == nil {
		return a == b
	}
	return maps.Equal(a.Params(), b.Params())
}
