package callback

import (
	"context"
	"testing"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
)

func TestDispatchNil(t *testing.T) {
	d := New(testoutput.Logger(t, logging.New("callback")), nil, nil)
	assert.Equal(t, d.Dispatch(context.Background(), ota.Snapshot{}), ota.ResultContinue)

	var none *Dispatcher
	assert.Equal(t, none.Dispatch(context.Background(), ota.Snapshot{}), ota.ResultContinue)
}

func TestDispatchSnapshotIsCopy(t *testing.T) {
	pending := &ota.Descriptor{AppID: "fw"}
	var seen ota.Snapshot
	var d *Dispatcher
	d = New(testoutput.Logger(t, logging.New("callback")), func(ctx context.Context, snap ota.Snapshot) ota.Result {
		assert.Check(t, InCallback(ctx))
		assert.Check(t, d.Busy())
		snap.Pending.AppID = "mutated"
		seen = snap
		return ota.ResultStop
	}, "arg")

	res := d.Dispatch(context.Background(), ota.Snapshot{State: ota.StateVerify, Pending: pending})
	assert.Equal(t, res, ota.ResultStop)
	assert.Equal(t, pending.AppID, "fw")
	assert.Equal(t, seen.Arg, "arg")
	assert.Equal(t, seen.State, ota.StateVerify)
	assert.Check(t, !d.Busy())
	assert.Check(t, !InCallback(context.Background()))
}

func TestDispatchUnknownResult(t *testing.T) {
	log, hook := testoutput.Capture(t, "callback")
	d := New(log, func(context.Context, ota.Snapshot) ota.Result {
		return ota.Result(42)
	}, nil)
	assert.Equal(t, d.Dispatch(context.Background(), ota.Snapshot{}), ota.ResultContinue)
	assert.Check(t, testoutput.Logged(hook, logrus.WarnLevel, "unknown result"))
}

func TestDispatchNestedRefused(t *testing.T) {
	log, hook := testoutput.Capture(t, "callback")
	var d *Dispatcher
	nested := ota.ResultAppFailed
	d = New(log, func(ctx context.Context, snap ota.Snapshot) ota.Result {
		if snap.Reason == ota.ReasonStateChange {
			nested = d.Dispatch(ctx, ota.Snapshot{Reason: ota.ReasonSuccess})
		}
		return ota.ResultContinue
	}, nil)
	d.Dispatch(context.Background(), ota.Snapshot{Reason: ota.ReasonStateChange})
	assert.Equal(t, nested, ota.ResultContinue)
	assert.Check(t, testoutput.Logged(hook, logrus.ErrorLevel, "nested callback dispatch refused"))
}
