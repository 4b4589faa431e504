package host

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports to the service manager. Without NOTIFY_SOCKET every call
// is a no-op.
type Notifier struct {
	log logging.SubLogger
}

func NewNotifier(log logging.SubLogger) *Notifier {
	return &Notifier{log: log}
}

func (n *Notifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.WithError(err).WithField("state", state).Warn("unable to notify service manager")
		return
	}
	if sent && logging.Debuggable {
		n.log.WithField("state", state).Debug("notified service manager")
	}
}

// Ready reports that start up finished.
func (n *Notifier) Ready() {
	n.notify(daemon.SdNotifyReady)
}

// Stopping reports that shutdown began.
func (n *Notifier) Stopping() {
	n.notify(daemon.SdNotifyStopping)
}

// Status publishes a one-line status.
func (n *Notifier) Status(status string) {
	n.notify("STATUS=" + status)
}

// Watchdog pings the service manager's watchdog at half its interval until
// ctx is done. It returns at once when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.WithError(err).Warn("unable to read watchdog settings")
		return nil
	}
	if interval == 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
