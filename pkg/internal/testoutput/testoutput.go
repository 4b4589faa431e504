// Package testoutput routes component logs into the test log and lets tests
// inspect what a component logged.
package testoutput

import (
	"io"
	"strings"
	"testing"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// New returns a writer that forwards each write, a formatted entry, to t.Logf.
func New(t testing.TB) io.Writer {
	return &testoutput{t}
}

// Logger wraps a logger at the call point to collect its downstream calls.
// The underlying root logger is shared, so tests using it must not run in
// parallel.
func Logger(t testing.TB, logger logging.Logger) logging.Logger {
	l := logger.WithFields(logrus.Fields{"test": t.Name()})
	l.Logger.SetOutput(New(t))
	l.Logger.SetLevel(logrus.DebugLevel)
	return l
}

// Capture returns a logger of its own for component, along with a hook that
// holds every entry logged through it. Output is still sent to the test log.
func Capture(t testing.TB, component string) (logging.Logger, *test.Hook) {
	l, hook := test.NewNullLogger()
	l.SetOutput(New(t))
	l.SetLevel(logrus.DebugLevel)
	return l.WithFields(logrus.Fields{"component": component, "test": t.Name()}), hook
}

// Logged reports whether hook saw an entry at lvl whose message contains msg.
func Logged(hook *test.Hook, lvl logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == lvl && strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

type testoutput struct {
	t testing.TB
}

func (l *testoutput) Write(p []byte) (n int, err error) {
	l.t.Logf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
