package retry

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
)

// Phase is the scope a retry counter belongs to.
type Phase int

const (
	// PhaseConnect counts failed connects to any server in a cycle.
	PhaseConnect Phase = iota
	// PhaseChunk counts failed data downloads that can be resumed.
	PhaseChunk
	// PhaseUpdate counts whole cycles that ended in a failure.
	PhaseUpdate
)

func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseChunk:
		return "chunk"
	case PhaseUpdate:
		return "update"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Action is what the caller should do after a failure.
type Action int

const (
	RetryNow Action = iota
	RetryAfter
	GiveUp
)

func (a Action) String() string {
	switch a {
	case RetryNow:
		return "retry-now"
	case RetryAfter:
		return "retry-after"
	case GiveUp:
		return "give-up"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	// After is set for RetryAfter.
	After time.Duration
	// Why explains a GiveUp for logs.
	Why string
}

// Limit bounds one phase.
type Limit struct {
	// MaxAttempts is the number of failures tolerated; reaching it gives up.
	MaxAttempts int
	// Deadline gives up once this much time has elapsed in the phase. Zero
	// disables it.
	Deadline time.Duration
	// Interval spaces retries. Zero retries immediately.
	Interval time.Duration
	// MaxInterval caps exponential growth of Interval. Zero keeps Interval
	// fixed.
	MaxInterval time.Duration
}

// Schedule spaces periodic update checks.
type Schedule struct {
	// Initial is the delay before the first check after start.
	Initial time.Duration
	// Interval is the delay between checks once a cycle completes.
	Interval time.Duration
}

// Config configures a Policy.
type Config struct {
	Connect Limit
	Chunk   Limit
	Update  Limit

	Schedule Schedule

	// RandomFactor jitters intervals to between Interval*f and Interval/f.
	// Zero or one disables jitter; values above one are inverted.
	RandomFactor float64

	// Quantum is the slice waits are checked for cancellation in.
	Quantum time.Duration
}

// Policy decides whether failed work is tried again.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(cfg Config) *Policy {
	return &Policy{
		cfg: cfg,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config returns the policy's configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

func (p *Policy) limit(phase Phase) Limit {
	switch phase {
	case PhaseConnect:
		return p.cfg.Connect
	case PhaseChunk:
		return p.cfg.Chunk
	}
	return p.cfg.Update
}

// Decide reports what to do after the attempts-th failure in phase, elapsed
// after the phase began.
func (p *Policy) Decide(phase Phase, attempts int, elapsed time.Duration) Decision {
	lim := p.limit(phase)
	if attempts >= lim.MaxAttempts {
		return Decision{Action: GiveUp, Why: fmt.Sprintf("%s failed %d of %d attempts", phase, attempts, lim.MaxAttempts)}
	}
	if lim.Deadline > 0 && elapsed >= lim.Deadline {
		return Decision{Action: GiveUp, Why: fmt.Sprintf("%s exceeded %s", phase, lim.Deadline)}
	}
	if lim.Interval <= 0 {
		return Decision{Action: RetryNow}
	}
	return Decision{Action: RetryAfter, After: p.backoff(lim, attempts)}
}

// Retryable reports whether failures of kind may be tried again.
func Retryable(kind ota.Kind) bool {
	switch kind {
	case ota.KindTransportConnect, ota.KindTransportTimeout:
		return true
	}
	return false
}

func (p *Policy) backoff(lim Limit, attempts int) time.Duration {
	base := lim.Interval
	if lim.MaxInterval > lim.Interval {
		for i := 1; i < attempts && base < lim.MaxInterval; i++ {
			base *= 2
		}
		if base > lim.MaxInterval {
			base = lim.MaxInterval
		}
	}
	return p.jitter(base)
}

func (p *Policy) jitter(base time.Duration) time.Duration {
	rf := p.cfg.RandomFactor
	if rf == 0 || rf == 1 {
		return base
	}
	if rf > 1 {
		rf = 1 / rf
	}
	min := float64(base) * rf
	max := float64(base) / rf
	if int64(max-min) <= 0 {
		return base
	}
	p.mu.Lock()
	r := p.rnd.Int63n(int64(max-min)) + int64(min)
	p.mu.Unlock()
	return time.Duration(r)
}

// NextCheck is the delay before the next periodic check. The first check after
// start uses the initial delay.
func (p *Policy) NextCheck(first bool) time.Duration {
	if first {
		return p.cfg.Schedule.Initial
	}
	return p.jitter(p.cfg.Schedule.Interval)
}
