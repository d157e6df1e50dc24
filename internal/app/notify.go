package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "telemetryd/internal/runtime/supervisor"
	logx "telemetryd/pkg/logx"
)

// Notifier reports service state to the init system.
type Notifier interface {
	Notify(state string) (bool, error)
	// WatchdogInterval returns 0 when no watchdog is configured.
	WatchdogInterval() (time.Duration, error)
}

type systemdNotifier struct{}

func (systemdNotifier) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (systemdNotifier) WatchdogInterval() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }

const (
	notifyReady     = daemon.SdNotifyReady
	notifyStopping  = daemon.SdNotifyStopping
	notifyWatchdog  = daemon.SdNotifyWatchdog
	notifyReloading = daemon.SdNotifyReloading
)

func (a *App) sdNotify(state string) {
	if a.notify == nil {
		return
	}
	sent, err := a.notify.Notify(state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Trace("sd_notify", logx.String("state", state))
	}
}

// announceReady signals readiness and, when the unit has WatchdogSec set,
// pings the watchdog at half the interval while the app is healthy.
func (a *App) announceReady(sup *rtsup.Supervisor) {
	a.sdNotify(notifyReady)
	if a.notify == nil {
		return
	}
	iv, err := a.notify.WatchdogInterval()
	if err != nil || iv <= 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(iv / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := a.Health(); err != nil {
					a.log.Warn("watchdog ping skipped", logx.Err(err))
					continue
				}
				a.sdNotify(notifyWatchdog)
			}
		}
	})
}
