package slotfile

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform"
	"gotest.tools/assert"
)

func testMedium(t *testing.T) (*Medium, string) {
	dir := t.TempDir()
	running := filepath.Join(dir, "running")
	m, err := New(testoutput.Logger(t, logging.New("slotfile")), Config{
		Dir:         filepath.Join(dir, "slots"),
		Slots:       2,
		Capacity:    1 << 20,
		RunningFile: running,
	})
	assert.NilError(t, err)
	return m, running
}

func boot(t *testing.T, running string, slot string) {
	assert.NilError(t, ioutil.WriteFile(running, []byte(slot+"\n"), 0640))
}

func TestNewRejectsConfig(t *testing.T) {
	log := testoutput.Logger(t, logging.New("slotfile"))
	_, err := New(log, Config{Slots: 2, Capacity: 1})
	assert.ErrorContains(t, err, "directory")
	_, err = New(log, Config{Dir: t.TempDir(), Slots: 1, Capacity: 1})
	assert.ErrorContains(t, err, "two slots")
	_, err = New(log, Config{Dir: t.TempDir(), Slots: 2})
	assert.ErrorContains(t, err, "capacity")
}

func TestFactoryStatus(t *testing.T) {
	m, _ := testMedium(t)
	ctx := context.Background()
	assert.NilError(t, platform.Ping(ctx, m))

	status, err := m.Status(ctx)
	assert.NilError(t, err)
	running, ok := status.Running()
	assert.Check(t, ok)
	assert.Equal(t, running.Slot, 0)
	assert.Equal(t, running.State, platform.SlotActive)
	assert.Check(t, !status.AwaitingValidation())
}

func TestUpdateBootValidate(t *testing.T) {
	m, running := testMedium(t)
	ctx := context.Background()
	desc := ota.Descriptor{AppID: "fw", Version: ota.Version{Major: 1, Minor: 1}}

	h, err := m.Open(ctx, desc, false)
	assert.NilError(t, err)
	assert.Equal(t, h.Slot(), 1)
	_, err = h.WriteAt([]byte("image"), 0)
	assert.NilError(t, err)

	buf := make([]byte, 5)
	_, err = h.ReadAt(buf, 0)
	assert.NilError(t, err)
	assert.Equal(t, string(buf), "image")

	info, err := h.AppInfo(ctx)
	assert.NilError(t, err)
	assert.Equal(t, info.AppID, "fw")
	assert.Equal(t, info.Slot, 1)

	// Validation before booting into the slot is refused.
	assert.ErrorContains(t, h.Validate(ctx), "not running")
	assert.NilError(t, h.SetBootPending(ctx))
	assert.NilError(t, h.Close())

	boot(t, running, "1")
	status, err := m.Status(ctx)
	assert.NilError(t, err)
	assert.Check(t, status.AwaitingValidation())

	rh, err := m.OpenRunning(ctx)
	assert.NilError(t, err)
	defer rh.Close()
	assert.Equal(t, rh.Slot(), 1)
	assert.NilError(t, rh.Validate(ctx))

	status, err = m.Status(ctx)
	assert.NilError(t, err)
	assert.Equal(t, status.Slots[1].State, platform.SlotActive)
	assert.Equal(t, status.Slots[0].State, platform.SlotUnused)
	assert.Check(t, !status.AwaitingValidation())
}

func TestWritePastCapacity(t *testing.T) {
	m, _ := testMedium(t)
	h, err := m.Open(context.Background(), ota.Descriptor{}, false)
	assert.NilError(t, err)
	defer h.Close()
	_, err = h.WriteAt([]byte("x"), m.Capacity())
	assert.ErrorContains(t, err, "capacity")
}

func TestRejectEmptiesSlot(t *testing.T) {
	m, _ := testMedium(t)
	ctx := context.Background()
	h, err := m.Open(ctx, ota.Descriptor{AppID: "bad"}, false)
	assert.NilError(t, err)
	defer h.Close()
	_, err = h.WriteAt([]byte("bad image"), 0)
	assert.NilError(t, err)

	assert.NilError(t, h.Reject(ctx))
	_, err = h.AppInfo(ctx)
	assert.ErrorContains(t, err, "no image")
	assert.ErrorContains(t, h.SetBootPending(ctx), "not updating")

	status, err := m.Status(ctx)
	assert.NilError(t, err)
	assert.Equal(t, status.Slots[1].State, platform.SlotUnused)
}

func TestResumeKeepsBytes(t *testing.T) {
	m, _ := testMedium(t)
	ctx := context.Background()
	h, err := m.Open(ctx, ota.Descriptor{AppID: "fw"}, false)
	assert.NilError(t, err)
	_, err = h.WriteAt([]byte("first"), 0)
	assert.NilError(t, err)
	assert.NilError(t, h.Close())

	h, err = m.Open(ctx, ota.Descriptor{AppID: "fw"}, true)
	assert.NilError(t, err)
	defer h.Close()
	buf := make([]byte, 5)
	_, err = h.ReadAt(buf, 0)
	assert.NilError(t, err)
	assert.Equal(t, string(buf), "first")
}
