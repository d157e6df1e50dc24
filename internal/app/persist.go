package app

import (
	"context"
	"encoding/json"
	"time"

	"telemetryd/internal/eventbus"
	"telemetryd/internal/storage"
	"telemetryd/internal/stream"
	logx "telemetryd/pkg/logx"
)

// restoreStats seeds stream counters from the store. Streams no longer
// configured are ignored.
func (a *App) restoreStats(ctx context.Context) {
	saved, err := a.store.LoadStats(ctx)
	if err != nil {
		a.log.Warn("stats restore failed", logx.Err(err))
		return
	}
	restored := 0
	for _, name := range a.sched.Names() {
		st, ok := saved[name]
		if !ok {
			continue
		}
		if err := a.sched.RestoreStats(name, stream.Stats{
			Sent:         st.Sent,
			Failed:       st.Failed,
			ManualSent:   st.ManualSent,
			ManualFailed: st.ManualFailed,
			Panics:       st.Panics,
			IdleEpisodes: st.IdleEpisodes,
		}); err == nil {
			restored++
		}
	}
	if restored > 0 {
		a.log.Info("stream stats restored", logx.Int("streams", restored))
	}
}

func (a *App) flushLoop(ctx context.Context) {
	every := a.flushEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.flushStats(ctx)
		}
	}
}

// flushStats saves the counters from the latest driver snapshot.
func (a *App) flushStats(ctx context.Context) {
	if a.store == nil {
		return
	}
	snap := a.driver.Snapshot()
	if len(snap.Streams) == 0 {
		return
	}
	now := time.Now()
	out := make([]storage.StreamStats, 0, len(snap.Streams))
	for _, s := range snap.Streams {
		out = append(out, storage.StreamStats{
			Name:         s.Name,
			Sent:         s.Stats.Sent,
			Failed:       s.Stats.Failed,
			ManualSent:   s.Stats.ManualSent,
			ManualFailed: s.Stats.ManualFailed,
			Panics:       s.Stats.Panics,
			IdleEpisodes: s.Stats.IdleEpisodes,
			UpdatedAt:    now,
		})
	}
	if err := a.store.SaveStats(ctx, out); err != nil {
		a.log.Warn("stats flush failed", logx.Err(err))
		return
	}
	a.log.Trace("stats flushed", logx.Int("streams", len(out)))
}

func (a *App) persistEvent(ctx context.Context, e eventbus.Event) {
	if a.store == nil {
		return
	}
	rec := storage.Event{At: e.Time, Type: e.Type}
	switch d := e.Data.(type) {
	case nil:
	case string:
		rec.Stream = d
	default:
		if m, ok := d.(map[string]any); ok {
			rec.Stream, _ = m["stream"].(string)
		}
		if b, err := json.Marshal(d); err == nil {
			rec.Data = string(b)
		}
	}
	if err := a.store.AppendEvent(ctx, rec); err != nil && ctx.Err() == nil {
		a.log.Debug("event persist failed", logx.String("type", e.Type), logx.Err(err))
	}
}
