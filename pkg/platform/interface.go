package platform

import (
	"context"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/pkg/errors"
)

// Medium is implemented by owners of image slots.
type Medium interface {
	// Capacity is the largest image a slot accepts.
	Capacity() int64
	// Open prepares the slot that is not running to receive an image
	// described by desc. With resume set, bytes already in the slot are kept
	// so that an interrupted download may continue; otherwise the slot is
	// emptied first.
	Open(ctx context.Context, desc ota.Descriptor, resume bool) (Handle, error)
	// OpenRunning returns a handle on the slot the device booted from.
	OpenRunning(ctx context.Context) (Handle, error)
	// Status reports the slot table.
	Status(ctx context.Context) (*Status, error)
}

// Handle is an open slot.
type Handle interface {
	// Slot is the index of the slot.
	Slot() int
	// ReadAt and WriteAt address the image by offset.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// Close releases the handle without changing the slot's state.
	Close() error
	// SetBootPending marks the image as the candidate for next boot.
	SetBootPending(ctx context.Context) error
	// Validate confirms the image after the device booted into it.
	Validate(ctx context.Context) error
	// Reject records that the image must not be booted and empties the slot.
	Reject(ctx context.Context) error
	// AppInfo describes the image held in the slot.
	AppInfo(ctx context.Context) (ota.Descriptor, error)
}

// SlotState is the lifecycle of one slot.
type SlotState string

const (
	// SlotUnused holds nothing bootable.
	SlotUnused SlotState = "unused"
	// SlotUpdating is being written.
	SlotUpdating SlotState = "updating"
	// SlotPending is written, verified and awaits the next boot.
	SlotPending SlotState = "pending"
	// SlotActive is the confirmed image.
	SlotActive SlotState = "active"
)

// SlotStatus is one row of the slot table.
type SlotStatus struct {
	Slot       int
	State      SlotState
	Running    bool
	Descriptor *ota.Descriptor
}

// Status is the slot table.
type Status struct {
	Slots []SlotStatus
}

// Running returns the row of the running slot.
func (s *Status) Running() (SlotStatus, bool) {
	for _, slot := range s.Slots {
		if slot.Running {
			return slot, true
		}
	}
	return SlotStatus{}, false
}

// AwaitingValidation reports whether the device booted a pending image that
// still needs to be confirmed.
func (s *Status) AwaitingValidation() bool {
	running, ok := s.Running()
	return ok && running.State == SlotPending
}

// Ping the medium to verify it reports a running slot. Medium consumers should
// utilize this method to consistently validate the medium before use.
func Ping(ctx context.Context, m Medium) error {
	status, err := m.Status(ctx)
	if err != nil {
		return errors.WithMessage(err, "could not retrieve slot status")
	}
	if _, ok := status.Running(); !ok {
		return errors.New("medium did not report a running slot")
	}
	return nil
}
