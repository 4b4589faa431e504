package agent

import (
	"context"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/retry"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

// promptly bounds how long leaving a retry wait may take. Waits in these
// tests are an hour long.
const promptly = 250 * time.Millisecond

func withLongRetries() testOption {
	return withRetry(func(cfg *retry.Config) {
		cfg.Connect.Interval = time.Hour
		cfg.Chunk.Interval = time.Hour
	})
}

// refuseConnections fails every connect.
func refuseConnections(hooks *testHooks) {
	hooks.Publisher.ConnectFn = func(ctx context.Context, ep ota.Endpoint) error {
		return errors.New("connection refused")
	}
}

func waitingToConnect(t *testing.T, a *Agent, hooks *testHooks) {
	t.Helper()
	eventually(t, "connect retry wait", func() bool {
		return len(hooks.Host.retried()) == 1 && a.State() == ota.StateAgentWaiting
	})
}

// stallDownload serves one chunk and then times out on every receive.
func stallDownload(hooks *testHooks) {
	p := hooks.Publisher
	p.DataFn = func(ctx context.Context, req transport.Request) (transport.Stream, error) {
		return &testStream{
			chunks: []*ota.Chunk{p.chunk(0, 500)},
			ReceiveFn: func(ctx context.Context) (*ota.Chunk, error) {
				return nil, context.DeadlineExceeded
			},
		}, nil
	}
}

func waitingForChunk(t *testing.T, hooks *testHooks) {
	t.Helper()
	eventually(t, "chunk retry wait", func() bool { return len(hooks.Host.retried()) == 1 })
}

func returned(t *testing.T, what string, done <-chan error, start time.Time) error {
	t.Helper()
	select {
	case err := <-done:
		assert.Check(t, time.Since(start) < promptly, "%s took %s", what, time.Since(start))
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not return", what)
	}
	return nil
}

func TestRetryWaits(t *testing.T) {
	testcases := []struct {
		name  string
		setup func(*testHooks)
		// interrupt is timed; Check must return within promptly after it.
		interrupt func(*Agent) error
		cancelled bool
	}{
		{
			name:      "stop while waiting to connect",
			setup:     refuseConnections,
			interrupt: func(a *Agent) error { return a.Stop(context.Background()) },
		},
		{
			name:      "cancel while waiting to connect",
			setup:     refuseConnections,
			interrupt: func(a *Agent) error { return a.CancelUpdate(context.Background()) },
			cancelled: true,
		},
		{
			name:      "stop while waiting for a chunk",
			setup:     stallDownload,
			interrupt: func(a *Agent) error { return a.Stop(context.Background()) },
		},
		{
			name:      "cancel while waiting for a chunk",
			setup:     stallDownload,
			interrupt: func(a *Agent) error { return a.CancelUpdate(context.Background()) },
			cancelled: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			a, hooks := testAgent(t, withLongRetries())
			tc.setup(hooks)

			checked := make(chan error, 1)
			go func() { checked <- a.Check(context.Background(), false) }()
			if hooks.Publisher.DataFn != nil {
				waitingForChunk(t, hooks)
			} else {
				waitingToConnect(t, a, hooks)
			}
			connects := len(hooks.Publisher.connected())
			requests := len(hooks.Publisher.sent(transport.RequestData))

			start := time.Now()
			assert.NilError(t, tc.interrupt(a))
			err := returned(t, "Check", checked, start)
			assert.NilError(t, err)

			assert.Equal(t, len(hooks.Publisher.connected()), connects)
			assert.Equal(t, len(hooks.Publisher.sent(transport.RequestData)), requests)
			assert.Equal(t, len(hooks.Host.retried()), 1)
			assert.Equal(t, len(hooks.Host.failures()), 0)
			assert.Equal(t, len(hooks.Publisher.reported()), 0)
			assert.Check(t, !pending(t, hooks.Medium))
			if tc.cancelled {
				assert.Equal(t, a.LastError(), ota.CodeAppReturnedStop)
				entries := hooks.History.recorded()
				assert.Equal(t, len(entries), 1)
				assert.Equal(t, entries[0].Code, ota.CodeAppReturnedStop)
			}
		})
	}
}

func TestRetryWaitKeepsBackoff(t *testing.T) {
	a, hooks := testAgent(t, withLongRetries())
	refuseConnections(hooks)

	checked := make(chan error, 1)
	go func() { checked <- a.Check(context.Background(), false) }()
	waitingToConnect(t, a, hooks)

	assert.NilError(t, a.RequestUpdateNow(context.Background(), false))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(hooks.Publisher.connected()), 1)

	start := time.Now()
	assert.NilError(t, a.Stop(context.Background()))
	returned(t, "Check", checked, start)
}

func TestSleepDropsWakeUp(t *testing.T) {
	testcases := []struct {
		name string
		d    time.Duration
	}{
		{name: "no wait", d: 0},
		{name: "short wait", d: time.Millisecond},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := testAgent(t)
			a.wakeUp()
			assert.NilError(t, a.sleep(context.Background(), tc.d))
			assert.Equal(t, len(a.wake), 0)
		})
	}
}
