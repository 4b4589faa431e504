package agent

import (
	"context"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/callback"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/history"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/host"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/job"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/job/cache"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/retry"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/storage"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/workgroup"
)

// Config is what the agent needs to know about the device and its publisher.
type Config struct {
	Device job.Device
	Flow   ota.Flow
	// Endpoint is the job server, or the data server in the direct flow.
	Endpoint ota.Endpoint
	// DirectSize is the image size in the direct flow. When zero the size is
	// taken from the first chunk.
	DirectSize int64

	SendResult          bool
	ValidateAfterReboot bool
	// RestartOnActivate restarts the host once a new image is set to boot.
	RestartOnActivate bool

	ChunkSize         int64
	DeviceTopicPrefix string

	PacketInterval   time.Duration
	JobCheckTimeout  time.Duration
	DataCheckTimeout time.Duration
}

// Notifier reports the agent's lifecycle to a service manager.
type Notifier interface {
	Ready()
	Stopping()
	Status(string)
	Watchdog(context.Context) error
}

// Recorder keeps the outcome of each cycle.
type Recorder interface {
	Record(context.Context, *history.Entry) (int64, error)
}

// Deps are the agent's collaborators. Transports, Writer and Retry are
// required.
type Deps struct {
	Transports *transport.Registry
	Writer     *storage.Writer
	Retry      *retry.Policy

	// Policy permits activating verified images. Defaults to job.NewPolicy.
	Policy     job.Policy
	Rejections cache.RejectionCache

	Callback    callback.Func
	CallbackArg interface{}

	History   Recorder
	Restarter host.Restarter
	Notifier  Notifier

	Now func() time.Time
}

type Agent struct {
	log logging.Logger
	cfg Config

	transports *transport.Registry
	writer     *storage.Writer
	retry      *retry.Policy
	policy     job.Policy
	rejections cache.RejectionCache
	dispatcher *callback.Dispatcher
	history    Recorder
	restarter  host.Restarter
	notifier   Notifier
	now        func() time.Time

	trail *trail
	wake  chan struct{}

	mu          sync.Mutex
	state       ota.State
	lastErr     ota.Code
	lastErrMsg  string
	snap        ota.Snapshot
	running     bool
	once        bool
	stop        context.CancelFunc
	done        chan struct{}
	cancelCycle context.CancelFunc
	override    *ota.Flow

	// Owned by the machine goroutine.
	cycle          *cycle
	checked        bool
	updateFailures int
	updateRetry    *retry.Decision
	onceErr        error
}

// New checks the configuration and returns an agent ready to Run.
// Configuration problems are reported with ota.CodeConfiguration.
func New(log logging.Logger, cfg Config, deps Deps) (*Agent, error) {
	switch {
	case deps.Transports == nil:
		return nil, ota.Errorf(ota.CodeConfiguration, "new", "no transports")
	case deps.Writer == nil:
		return nil, ota.Errorf(ota.CodeConfiguration, "new", "no storage writer")
	case deps.Retry == nil:
		return nil, ota.Errorf(ota.CodeConfiguration, "new", "no retry policy")
	case cfg.ChunkSize <= 0:
		return nil, ota.Errorf(ota.CodeConfiguration, "new", "chunk size %d", cfg.ChunkSize)
	case cfg.JobCheckTimeout <= 0, cfg.DataCheckTimeout <= 0, cfg.PacketInterval <= 0:
		return nil, ota.Errorf(ota.CodeConfiguration, "new", "timeouts must be positive")
	}
	if _, err := deps.Transports.Lookup(cfg.Endpoint); err != nil {
		return nil, ota.NewError(ota.CodeConfiguration, "new", err)
	}

	a := &Agent{
		log:        log,
		cfg:        cfg,
		transports: deps.Transports,
		writer:     deps.Writer,
		retry:      deps.Retry,
		policy:     deps.Policy,
		rejections: deps.Rejections,
		dispatcher: callback.New(logging.Sub(log, "callback"), deps.Callback, deps.CallbackArg),
		history:    deps.History,
		restarter:  deps.Restarter,
		notifier:   deps.Notifier,
		now:        deps.Now,
		trail:      newTrail(),
		wake:       make(chan struct{}, 1),
	}
	if a.rejections == nil {
		a.rejections = cache.NewRejectionCache(cache.DefaultTTL)
	}
	if a.policy == nil {
		a.policy = job.NewPolicy(logging.Sub(log, "policy"), a.rejections)
	}
	if a.restarter == nil {
		a.restarter = host.Nop{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Run runs update cycles on schedule until ctx is done or Stop is called.
func (a *Agent) Run(ctx context.Context) error {
	return a.run(ctx, nil)
}

// Check runs a single update cycle immediately and returns the failure that
// ended it, if any.
func (a *Agent) Check(ctx context.Context, direct bool) error {
	return a.run(ctx, func() {
		a.setOverride(direct)
		a.wakeUp()
	})
}

// run drives the machine until ctx is done. A non-nil kick makes it a single
// cycle, kick runs once the agent is claimed.
func (a *Agent) run(ctx context.Context, kick func()) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ota.NewError(ota.CodeAlreadyStarted, "run", nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.running = true
	a.once = kick != nil
	a.stop = cancel
	a.done = done
	a.state = ota.StateNotInitialized
	a.mu.Unlock()
	if kick != nil {
		kick()
	}

	defer func() {
		cancel()
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		// A wake-up left over from this run does not carry into the next.
		select {
		case <-a.wake:
		default:
		}
		close(done)
	}()

	a.log.Debug("starting")
	defer a.log.Debug("finished")

	group := workgroup.WithContext(ctx)
	group.Work(func(ctx context.Context) error {
		// The other workers follow the machine.
		defer cancel()
		return a.machine(ctx)
	})
	if a.notifier != nil {
		group.Work(a.notifier.Watchdog)
	}
	return group.Wait()
}

// Stop moves the agent to EXITING and waits for it to get there.
func (a *Agent) Stop(ctx context.Context) error {
	if callback.InCallback(ctx) {
		return callback.ErrReentrant
	}
	a.mu.Lock()
	running, stop, done := a.running, a.stop, a.done
	a.mu.Unlock()
	if !running {
		return nil
	}
	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelUpdate stops the cycle in progress. The agent goes back to waiting
// for the next check.
func (a *Agent) CancelUpdate(ctx context.Context) error {
	if callback.InCallback(ctx) {
		return callback.ErrReentrant
	}
	a.mu.Lock()
	cancel := a.cancelCycle
	a.mu.Unlock()
	if cancel != nil {
		a.log.Info("cancelling update")
		cancel()
	}
	return nil
}

// RequestUpdateNow ends the current wait and starts a cycle. direct selects
// the direct flow for that cycle only.
func (a *Agent) RequestUpdateNow(ctx context.Context, direct bool) error {
	if callback.InCallback(ctx) {
		return callback.ErrReentrant
	}
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return ota.Errorf(ota.CodeExiting, "request update", "agent is not running")
	}
	a.setOverride(direct)
	a.wakeUp()
	return nil
}

func (a *Agent) setOverride(direct bool) {
	flow := ota.FlowJob
	if direct {
		flow = ota.FlowDirect
	}
	a.mu.Lock()
	a.override = &flow
	a.mu.Unlock()
}

func (a *Agent) wakeUp() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// State is the state the machine is in.
func (a *Agent) State() ota.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError is the code of the most recent failure or informational outcome.
func (a *Agent) LastError() ota.Code {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Snapshot is a copy of what the host was last told, with the current state.
func (a *Agent) Snapshot() ota.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := a.snap.Clone()
	snap.State = a.state
	snap.LastError = a.lastErr
	return snap
}

// Trail returns the most recent transitions, oldest first. Per-chunk visits
// to STORAGE_WRITE are left out.
func (a *Agent) Trail() []Step {
	return a.trail.steps()
}

func (a *Agent) setLastError(code ota.Code, err error) {
	a.mu.Lock()
	a.lastErr = code
	a.lastErrMsg = ""
	if err != nil {
		a.lastErrMsg = err.Error()
	}
	a.mu.Unlock()
}

// transition moves the machine from one state to another if the tables allow
// it.
func (a *Agent) transition(from, to ota.State) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	a.mu.Lock()
	a.state = to
	a.mu.Unlock()

	if from != ota.StateStorageWrite && to != ota.StateStorageWrite {
		a.trail.record(Step{At: a.now(), From: from, To: to})
		a.log.WithFields(logfields.Transition(from, to)).Debug("transition")
	}
	if a.notifier != nil && from.Phase() != to.Phase() {
		a.notifier.Status(to.String())
	}
	return nil
}

// snapshot builds what the host is shown.
func (a *Agent) snapshot(reason ota.Reason, state ota.State) ota.Snapshot {
	a.mu.Lock()
	snap := ota.Snapshot{
		Reason:     reason,
		State:      state,
		LastError:  a.lastErr,
		Err:        a.lastErrMsg,
		Connection: a.cfg.Endpoint.Kind,
		Flow:       a.cfg.Flow,
		Attempts:   ota.Attempts{Update: a.updateFailures},
	}
	a.mu.Unlock()
	if c := a.cycle; c != nil {
		snap.Flow = c.flow
		snap.Connection = c.kind()
		snap.Progress = c.progress
		snap.Attempts.Connect = c.attempts.Connect
		snap.Attempts.Chunk = c.attempts.Chunk
		if c.job != nil || c.verified {
			desc := c.desc
			snap.Pending = &desc
		}
	}
	return snap
}

func (a *Agent) dispatch(ctx context.Context, reason ota.Reason, state ota.State) ota.Result {
	return a.deliver(ctx, a.snapshot(reason, state))
}

func (a *Agent) deliver(ctx context.Context, snap ota.Snapshot) ota.Result {
	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()
	if logging.Debuggable || snap.Reason != ota.ReasonStateChange || snap.State != ota.StateStorageWrite {
		a.log.WithFields(logfields.Snapshot(snap)).Debug("notify")
	}
	return a.dispatcher.Dispatch(ctx, snap)
}
