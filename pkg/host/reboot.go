package host

import (
	"context"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/pkg/errors"
)

const (
	login1Dest   = "org.freedesktop.login1"
	login1Path   = "/org/freedesktop/login1"
	login1Reboot = "org.freedesktop.login1.Manager.Reboot"
)

// Rebooter restarts the device through logind.
type Rebooter struct {
	log   logging.SubLogger
	paths Paths
}

var _ Restarter = (*Rebooter)(nil)

func NewRebooter(log logging.SubLogger, paths Paths) *Rebooter {
	return &Rebooter{log: log, paths: paths}
}

func (r *Rebooter) Restart(ctx context.Context) error {
	socket := r.paths.systemBus()
	if !socketPresent(r.log, socket) {
		return errors.Errorf("system bus not available at %s", socket)
	}
	conn, err := dial(socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Hello(); err != nil {
		return errors.Wrap(err, "unable to register on system bus")
	}

	r.log.Warn("rebooting into new image")
	call := conn.Object(login1Dest, login1Path).CallWithContext(ctx, login1Reboot, 0, false)
	return errors.Wrap(call.Err, "unable to request reboot")
}
