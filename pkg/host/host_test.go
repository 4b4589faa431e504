package host

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"gotest.tools/assert"
)

func TestPaths(t *testing.T) {
	p := Paths{RootFS: "/.otawatch/rootfs"}
	assert.Equal(t, p.systemBus(), "/.otawatch/rootfs/run/dbus/system_bus_socket")
	assert.Equal(t, p.systemdPrivate(), "/.otawatch/rootfs/run/systemd/private")
}

func TestRestartWithoutBus(t *testing.T) {
	log := testoutput.Logger(t, logging.New("host"))
	paths := Paths{RootFS: t.TempDir()}
	ctx := context.Background()

	err := NewRebooter(log, paths).Restart(ctx)
	assert.ErrorContains(t, err, "system bus not available")
	err = NewServiceRestarter(log, paths, "app.service").Restart(ctx)
	assert.ErrorContains(t, err, "systemd not available")
}

func TestSocketPresent(t *testing.T) {
	log := testoutput.Logger(t, logging.New("host"))
	plain := filepath.Join(t.TempDir(), "file")
	assert.NilError(t, ioutil.WriteFile(plain, nil, 0600))
	assert.Check(t, !socketPresent(log, plain))
	assert.Check(t, !socketPresent(log, plain+".missing"))
}

func TestNotifierWithoutSocket(t *testing.T) {
	os.Unsetenv("NOTIFY_SOCKET")
	os.Unsetenv("WATCHDOG_USEC")
	n := NewNotifier(testoutput.Logger(t, logging.New("host")))
	n.Ready()
	n.Status("idle")
	assert.NilError(t, n.Watchdog(context.Background()))
}

func TestServiceUnit(t *testing.T) {
	raw, err := ioutil.ReadAll(ServiceUnit(UnitOptions{
		Binary:     "/usr/bin/otawatch",
		ConfigPath: "/etc/otawatch/config.toml",
		Watchdog:   "60s",
	}))
	assert.NilError(t, err)
	text := string(raw)
	assert.Check(t, strings.Contains(text, "ExecStart=/usr/bin/otawatch --config /etc/otawatch/config.toml run"))
	assert.Check(t, strings.Contains(text, "Type=notify"))
	assert.Check(t, strings.Contains(text, "WatchdogSec=60s"))
	assert.Check(t, strings.Contains(text, "[Install]"))
}
