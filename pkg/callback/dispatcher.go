// Package callback delivers agent notifications to the host application.
//
// Delivery is synchronous: the agent blocks on the host's function and reads
// its Result before doing anything else. The host receives a copy of agent
// state and a context that marks the call, so that agent operations invoked
// from inside the callback can be refused instead of deadlocking.
package callback

import (
	"context"
	"sync/atomic"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/sirupsen/logrus"
)

// Func is the host's notification handler.
type Func func(ctx context.Context, snap ota.Snapshot) ota.Result

// ErrReentrant is returned by agent operations called from inside a callback.
var ErrReentrant = ota.NewError(ota.CodeReentrant, "callback", nil)

type inCallbackKey struct{}

// InCallback reports whether ctx was handed to a callback, or derives from
// one.
func InCallback(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(inCallbackKey{}).(bool)
	return v
}

// Dispatcher invokes the registered Func.
type Dispatcher struct {
	log  logging.SubLogger
	fn   Func
	arg  interface{}
	busy int32
}

// New returns a dispatcher for fn. A nil fn answers every notification with
// ResultContinue. arg is copied into every snapshot's Arg.
func New(log logging.SubLogger, fn Func, arg interface{}) *Dispatcher {
	return &Dispatcher{log: log, fn: fn, arg: arg}
}

// Dispatch delivers snap and returns the host's answer.
func (d *Dispatcher) Dispatch(ctx context.Context, snap ota.Snapshot) ota.Result {
	if d == nil || d.fn == nil {
		return ota.ResultContinue
	}
	if !atomic.CompareAndSwapInt32(&d.busy, 0, 1) {
		// Only reachable if a callback managed to trigger another dispatch.
		d.log.WithField("state", snap.State.String()).Error("nested callback dispatch refused")
		return ota.ResultContinue
	}
	defer atomic.StoreInt32(&d.busy, 0)

	snap = snap.Clone()
	snap.Arg = d.arg

	res := d.fn(context.WithValue(ctx, inCallbackKey{}, true), snap)
	if logging.Debuggable {
		d.log.WithFields(logrus.Fields{
			"reason": snap.Reason.String(),
			"state":  snap.State.String(),
			"result": res.String(),
		}).Debug("callback returned")
	}
	switch res {
	case ota.ResultContinue, ota.ResultStop, ota.ResultAppSuccess, ota.ResultAppFailed:
		return res
	}
	d.log.WithField("result", int(res)).Warn("callback returned unknown result, continuing")
	return ota.ResultContinue
}

// Busy reports whether a callback is executing.
func (d *Dispatcher) Busy() bool {
	return atomic.LoadInt32(&d.busy) == 1
}
