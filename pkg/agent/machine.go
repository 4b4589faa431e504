package agent

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/retry"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// errHostStop is raised when the host answers stop in the middle of a state.
var errHostStop = ota.NewError(ota.CodeAppReturnedStop, "callback", nil)

// machine owns the agent from start up to EXITING.
func (a *Agent) machine(ctx context.Context) error {
	proceed, err := a.start(ctx)
	if !proceed {
		return err
	}

	state := ota.StateAgentWaiting
	for {
		if ctx.Err() != nil {
			a.exit(state)
			return nil
		}
		next := a.step(ctx, state)
		if ctx.Err() != nil {
			a.exit(state)
			return nil
		}
		if next == ota.StateExiting {
			a.exit(state)
			return nil
		}
		if a.once && state == ota.StateOTAComplete {
			a.exit(state)
			return a.onceErr
		}
		if err := a.transition(state, next); err != nil {
			a.log.WithError(err).Error("refusing transition")
			a.fail(ctx, state, ota.NewError(ota.CodeGeneral, "transition", err))
			if c := a.cycle; c != nil {
				c.stopped = true
			}
			a.mu.Lock()
			a.state = ota.StateOTAComplete
			a.mu.Unlock()
			next = ota.StateOTAComplete
		}
		state = next
	}
}

// start walks NOT_INITIALIZED to AGENT_WAITING. proceed is false when the
// agent exited instead.
func (a *Agent) start(ctx context.Context) (proceed bool, err error) {
	from := ota.StateNotInitialized
	for _, to := range []ota.State{ota.StateInitializing, ota.StateAgentStarted} {
		if err := a.transition(from, to); err != nil {
			return false, err
		}
		from = to
		switch a.dispatch(ctx, ota.ReasonStateChange, to) {
		case ota.ResultStop:
			a.setLastError(ota.CodeAppReturnedStop, nil)
			a.exit(to)
			return false, nil
		case ota.ResultAppFailed:
			err := ota.NewError(ota.CodeAppFailed, to.String(), nil)
			a.terminal(ctx, to, err)
			a.exit(to)
			return false, err
		case ota.ResultAppSuccess:
			continue
		}
		if to == ota.StateInitializing {
			if err := a.initialize(ctx); err != nil {
				a.terminal(ctx, to, err)
				a.exit(to)
				return false, err
			}
		}
	}
	if err := a.transition(from, ota.StateAgentWaiting); err != nil {
		return false, err
	}
	if a.notifier != nil {
		a.notifier.Ready()
	}
	a.log.WithFields(logrus.Fields{
		"flow":     a.cfg.Flow.String(),
		"endpoint": a.cfg.Endpoint.String(),
		"version":  a.cfg.Device.Version.String(),
	}).Info("agent started")
	return true, nil
}

// initialize confirms an image booted after the last update.
func (a *Agent) initialize(ctx context.Context) error {
	if !a.cfg.ValidateAfterReboot {
		return nil
	}
	desc := ota.Descriptor{Board: a.cfg.Device.Board, Version: a.cfg.Device.Version}
	validation, err := a.writer.ValidateAfterReboot(ctx, desc)
	switch {
	case ota.CodeOf(err) == ota.CodeBadArg:
		a.log.Debug("no image awaiting validation")
		return nil
	case err != nil:
		return err
	case validation == storage.Rejected:
		a.log.Warn("running image rejected, restarting into the previous one")
		if a.cfg.RestartOnActivate {
			return errors.WithMessage(a.restarter.Restart(ctx), "unable to restart")
		}
		return nil
	}
	a.log.WithField("version", desc.Version.String()).Info("running image confirmed")
	return nil
}

// exit moves to EXITING, cleaning up any cycle in progress.
func (a *Agent) exit(from ota.State) {
	if c := a.cycle; c != nil {
		c.stopped = true
		a.finish(c)
	}
	if err := a.transition(from, ota.StateExiting); err != nil {
		a.log.WithError(err).Error("unable to exit cleanly")
	}
	if a.LastError() == ota.CodeSuccess {
		a.setLastError(ota.CodeExiting, nil)
	}
	a.dispatch(context.Background(), ota.ReasonStateChange, ota.StateExiting)
	if a.notifier != nil {
		a.notifier.Stopping()
	}
	a.log.Info("agent exiting")
}

// cleanupState reports whether s runs even when the cycle was stopped.
func cleanupState(s ota.State) bool {
	switch s {
	case ota.StateJobDisconnect, ota.StateDataDisconnect, ota.StateResultDisconnect, ota.StateOTAComplete:
		return true
	}
	return false
}

// reportsSuccess reports whether the host is told when s's work succeeds.
func reportsSuccess(s ota.State) bool {
	switch s {
	case ota.StateAgentWaiting, ota.StateStorageWrite, ota.StateOTAComplete:
		return false
	}
	return s.Announced()
}

// step runs one state and returns the one to go to.
func (a *Agent) step(ctx context.Context, s ota.State) ota.State {
	c := a.cycle
	p := projections[s]
	if c != nil && c.stopped && !cleanupState(s) {
		return p.stop
	}

	if s.Announced() {
		res := a.dispatch(ctx, ota.ReasonStateChange, s)
		if cleanupState(s) {
			// Cleanup runs regardless; a stop is remembered.
			switch {
			case c == nil:
			case res == ota.ResultStop:
				c.stopped = true
				a.setLastError(ota.CodeAppReturnedStop, nil)
			case res == ota.ResultAppSuccess && s != ota.StateOTAComplete:
				a.forget(c)
			}
		} else {
			switch res {
			case ota.ResultStop:
				return a.stopped(s, ota.CodeAppReturnedStop)
			case ota.ResultAppFailed:
				return a.fail(ctx, s, ota.NewError(ota.CodeAppFailed, s.String(), nil))
			case ota.ResultAppSuccess:
				a.log.WithField("state", s.String()).Debug("host performed step")
				return a.successor(s)
			}
		}
	}

	next, err := a.act(ctx, s)
	if err != nil {
		return a.failed(ctx, s, err)
	}
	if c != nil && c.stopped && cleanupState(s) {
		return p.stop
	}
	if reportsSuccess(s) {
		switch a.dispatch(ctx, ota.ReasonSuccess, s) {
		case ota.ResultStop:
			return a.stopped(s, ota.CodeAppReturnedStop)
		case ota.ResultAppFailed:
			return a.fail(ctx, s, ota.NewError(ota.CodeAppFailed, s.String(), nil))
		}
	}
	return next
}

// successor is where s goes when the host did its work.
func (a *Agent) successor(s ota.State) ota.State {
	c := a.cycle
	switch s {
	case ota.StateStartUpdate:
		if c != nil && c.flow == ota.FlowDirect {
			return ota.StateStorageOpen
		}
	case ota.StateVerify:
		return a.resultRoute()
	}
	return projections[s].success[0]
}

// failed routes a failure of s: a stop, an informational outcome, a
// retryable connect failure or a terminal failure.
func (a *Agent) failed(ctx context.Context, s ota.State, err error) ota.State {
	c := a.cycle
	p := projections[s]
	code := ota.CodeOf(err)

	if ctx.Err() != nil {
		// The agent is stopping; the machine exits from here.
		return ota.StateExiting
	}
	if code == ota.CodeAppReturnedStop || (c != nil && c.ctx.Err() != nil) {
		return a.stopped(s, ota.CodeAppReturnedStop)
	}
	if code.Informational() {
		a.setLastError(code, err)
		a.log.WithField("state", s.String()).Info(err.Error())
		return p.stop
	}
	if s.Phase() == ota.PhaseResult && c != nil {
		// The update's outcome stands; reporting it is best effort.
		a.log.WithError(err).WithField("state", s.String()).Warn("unable to report result")
		return p.failure
	}
	if c != nil && (s == ota.StateJobConnect || s == ota.StateDataConnect) && retry.Retryable(code.Kind()) {
		c.attempts.Connect++
		if c.connectStart.IsZero() {
			c.connectStart = a.now()
		}
		if a.retrying(ctx, s, err) {
			return a.stopped(s, ota.CodeAppReturnedStop)
		}
		decision := a.retry.Decide(retry.PhaseConnect, c.attempts.Connect, a.now().Sub(c.connectStart))
		if decision.Action != retry.GiveUp {
			c.retry = &decision
			a.log.WithError(err).WithFields(logrus.Fields{
				"state":   s.String(),
				"attempt": c.attempts.Connect,
				"after":   decision.After.String(),
			}).Warn("connect failed, retrying")
			return p.failure
		}
		err = ota.NewError(ota.CodeAppExceededRetries, s.String(), errors.WithMessage(err, decision.Why))
	}
	return a.fail(ctx, s, err)
}

// fail ends the cycle with err and returns where unwinding starts.
func (a *Agent) fail(ctx context.Context, s ota.State, err error) ota.State {
	a.terminal(ctx, s, err)

	p := projections[s]
	switch p.failure {
	case ota.StateResultRedirect:
		return a.resultRoute()
	case ota.StateAgentWaiting:
		// Only retryable failures wait; the rest end the cycle.
		return p.stop
	}
	return p.failure
}

// terminal records err as the cycle's failure and tells the host, once.
func (a *Agent) terminal(ctx context.Context, s ota.State, err error) {
	c := a.cycle
	if c != nil && c.failure != nil {
		a.log.WithError(err).WithField("state", s.String()).Debug("cycle already failed")
		return
	}
	if c != nil {
		c.failure = err
	}
	code := ota.CodeOf(err)
	a.setLastError(code, err)
	a.log.WithError(err).WithFields(logrus.Fields{
		"state": s.String(),
		"code":  code.String(),
		"kind":  code.Kind().String(),
	}).Error("update failed")

	snap := a.snapshot(ota.ReasonFailure, s)
	snap.Terminal = true
	if res := a.deliver(ctx, snap); res != ota.ResultContinue {
		a.log.WithField("result", res.String()).Debug("answer to failure ignored")
	}
}

// retrying tells the host of a failure that may still be retried, before the
// retry policy has its say. It reports whether the host answered stop.
func (a *Agent) retrying(ctx context.Context, s ota.State, err error) bool {
	a.setLastError(ota.CodeOf(err), err)
	return a.dispatch(ctx, ota.ReasonFailure, s) == ota.ResultStop
}

// stopped ends the cycle cooperatively.
func (a *Agent) stopped(s ota.State, code ota.Code) ota.State {
	if c := a.cycle; c != nil {
		c.stopped = true
	}
	a.setLastError(code, nil)
	a.log.WithField("state", s.String()).Info("update stopped")
	return projections[s].stop
}

// resultRoute is where a cycle goes once the image is settled: the result
// path when the publisher expects a report, OTA_COMPLETE otherwise.
func (a *Agent) resultRoute() ota.State {
	c := a.cycle
	if c == nil || !a.reportable(c) {
		return ota.StateOTAComplete
	}
	if c.dataEP.Kind != ota.ConnectionUnknown && !c.dataEP.Same(c.jobEP) {
		return ota.StateResultRedirect
	}
	return ota.StateResultConnect
}

// reportable reports whether the publisher of c's job expects a result.
func (a *Agent) reportable(c *cycle) bool {
	return a.cfg.SendResult && c.flow == ota.FlowJob && c.job != nil && c.job.Available
}

// cleanupContext bounds work that must happen even as the agent stops.
func (a *Agent) cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.cfg.JobCheckTimeout)
}

// nextCheck is how long AGENT_WAITING waits when no retry is pending.
func (a *Agent) nextCheck() time.Duration {
	first := !a.checked
	a.checked = true
	if d := a.updateRetry; d != nil {
		a.updateRetry = nil
		return d.After
	}
	return a.retry.NextCheck(first)
}

// sleep waits for d unless woken by RequestUpdateNow. Only ctx ending is an
// error. A wake-up still queued when it returns is dropped: the check it asks
// for is the one about to start.
func (a *Agent) sleep(ctx context.Context, d time.Duration) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-a.wake:
			cancel()
		case <-wctx.Done():
		}
	}()
	a.retry.Wait(wctx, d)
	cancel()
	<-done
	select {
	case <-a.wake:
	default:
	}
	return ctx.Err()
}
