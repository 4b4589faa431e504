package storage

import (
	"context"
	"io/ioutil"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform"
)

var _ platform.Medium = (*testMedium)(nil)
var _ platform.Handle = (*testHandle)(nil)

type testMedium struct {
	CapacityFn    func() int64
	OpenFn        func(context.Context, ota.Descriptor, bool) (platform.Handle, error)
	OpenRunningFn func(context.Context) (platform.Handle, error)
	StatusFn      func(context.Context) (*platform.Status, error)
}

func (m *testMedium) Capacity() int64 {
	return m.CapacityFn()
}

func (m *testMedium) Open(ctx context.Context, desc ota.Descriptor, resume bool) (platform.Handle, error) {
	return m.OpenFn(ctx, desc, resume)
}

func (m *testMedium) OpenRunning(ctx context.Context) (platform.Handle, error) {
	return m.OpenRunningFn(ctx)
}

func (m *testMedium) Status(ctx context.Context) (*platform.Status, error) {
	return m.StatusFn(ctx)
}

type testHandle struct {
	WriteAtFn func([]byte, int64) (int, error)
}

func (h *testHandle) Slot() int                                       { return 1 }
func (h *testHandle) ReadAt(p []byte, off int64) (int, error)         { return 0, nil }
func (h *testHandle) WriteAt(p []byte, off int64) (int, error)        { return h.WriteAtFn(p, off) }
func (h *testHandle) Close() error                                    { return nil }
func (h *testHandle) SetBootPending(context.Context) error            { return nil }
func (h *testHandle) Validate(context.Context) error                  { return nil }
func (h *testHandle) Reject(context.Context) error                    { return nil }
func (h *testHandle) AppInfo(context.Context) (ota.Descriptor, error) { return ota.Descriptor{}, nil }

func writeFile(path, body string) error {
	return ioutil.WriteFile(path, []byte(body), 0640)
}
