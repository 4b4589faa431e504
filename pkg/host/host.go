// Package host carries out what the agent asks of the system it runs on:
// restarting into a new image and reporting readiness to the service manager.
package host

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// Restarter activates a newly written image.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Paths locate the host's sockets, possibly below a mounted root when the
// agent runs in a container.
type Paths struct {
	RootFS string
}

func (p Paths) systemBus() string {
	return filepath.Join(p.RootFS, "/run/dbus/system_bus_socket")
}

func (p Paths) systemdPrivate() string {
	return filepath.Join(p.RootFS, "/run/systemd/private")
}

// dial connects to a bus socket with the user's authority.
func dial(socket string) (*dbus.Conn, error) {
	conn, err := dbus.Dial("unix:path=" + socket)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to connect to %s", socket)
	}
	methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
	if err := conn.Auth(methods); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "unable to authenticate with %s", socket)
	}
	return conn, nil
}

// socketPresent reports whether path is a unix socket.
func socketPresent(log logging.SubLogger, path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		log.WithField("socket", path).Debug("socket missing")
		return false
	}
	if stat.Mode()&os.ModeSocket != os.ModeSocket {
		log.WithField("socket", path).Debug("not a unix socket")
		return false
	}
	return true
}

// Nop is a Restarter that does nothing, for devices restarted by other means.
type Nop struct{}

func (Nop) Restart(context.Context) error {
	return nil
}
