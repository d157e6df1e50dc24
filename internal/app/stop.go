package app

import (
	"context"
	"fmt"
	"time"

	logx "telemetryd/pkg/logx"
)

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest; ctx caps the whole sequence.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	sup := a.supervisor()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(notifyStopping)

	// Triggers first so no manual sends are queued into a stopping driver.
	a.step(ctx, "triggers", time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	a.step(ctx, "status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })

	sup.Cancel()
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return sup.Wait(c) })

	// The driver has stopped, so its last snapshot holds the final counters.
	a.step(ctx, "storage", 2*time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		a.flushStats(c)
		return a.store.Close()
	})
	a.step(ctx, "output", time.Second, func(c context.Context) error { return a.out.Close() })

	st := a.link.Stats()
	a.log.Info("stopped",
		logx.Uint64("frames", st.Frames),
		logx.Uint64("bytes", st.Bytes),
		logx.Uint64("throttled", st.Throttled),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return sup.Err()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// Respect the caller's deadline; never extend it.
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
