package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "meshrelay/pkg/logx"
)

// notifyReady sends READY=1 and, when systemd armed a watchdog, starts
// pinging it at half the interval for as long as no task has failed. A
// failed supervisor stops the pings so systemd restarts the unit even if
// shutdown hangs.
func (a *App) notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	a.log.Debug("systemd notified ready")

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if a.sup.Err() != nil {
					return
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
