package host

import (
	"io"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

// UnitOptions describe the service unit that runs the agent.
type UnitOptions struct {
	Binary     string
	ConfigPath string
	Watchdog   string
}

// ServiceUnit renders a unit file for the agent.
func ServiceUnit(opts UnitOptions) io.Reader {
	exec := []string{opts.Binary}
	if opts.ConfigPath != "" {
		exec = append(exec, "--config", opts.ConfigPath)
	}
	exec = append(exec, "run")

	options := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "OTA firmware update agent"),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "notify"),
		unit.NewUnitOption("Service", "ExecStart", strings.Join(exec, " ")),
		unit.NewUnitOption("Service", "ExecReload", "/bin/kill -USR1 $MAINPID"),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
	}
	if opts.Watchdog != "" {
		options = append(options, unit.NewUnitOption("Service", "WatchdogSec", opts.Watchdog))
	}
	options = append(options, unit.NewUnitOption("Install", "WantedBy", "multi-user.target"))
	return unit.Serialize(options)
}
