package host

import (
	"context"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	systemd "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// ServiceRestarter restarts the unit running the updated application, for
// images that take effect without a reboot.
type ServiceRestarter struct {
	log   logging.SubLogger
	paths Paths
	unit  string
}

var _ Restarter = (*ServiceRestarter)(nil)

func NewServiceRestarter(log logging.SubLogger, paths Paths, unit string) *ServiceRestarter {
	return &ServiceRestarter{log: log, paths: paths, unit: unit}
}

func (s *ServiceRestarter) Restart(ctx context.Context) error {
	socket := s.paths.systemdPrivate()
	if !socketPresent(s.log, socket) {
		return errors.Errorf("systemd not available at %s", socket)
	}
	conn, err := systemd.NewConnection(func() (*dbus.Conn, error) {
		return dial(socket)
	})
	if err != nil {
		return errors.Wrap(err, "unable to connect to systemd")
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, s.unit, "replace", done); err != nil {
		return errors.Wrapf(err, "unable to restart %s", s.unit)
	}
	select {
	case result := <-done:
		if result != "done" {
			return errors.Errorf("restart of %s finished with %q", s.unit, result)
		}
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting on restart of %s", s.unit)
	}
	s.log.WithField("unit", s.unit).Info("restarted unit")
	return nil
}
