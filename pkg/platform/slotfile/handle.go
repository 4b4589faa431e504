package slotfile

import (
	"context"
	"os"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform"
	"github.com/pkg/errors"
)

var _ platform.Handle = (*handle)(nil)

type handle struct {
	medium *Medium
	slot   int
	file   *os.File
}

func (h *handle) Slot() int {
	return h.slot
}

func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	return h.file.ReadAt(p, off)
}

func (h *handle) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > h.medium.cfg.Capacity {
		return 0, errors.Errorf("write past slot capacity %d", h.medium.cfg.Capacity)
	}
	return h.file.WriteAt(p, off)
}

func (h *handle) Close() error {
	if err := h.file.Sync(); err != nil {
		h.file.Close()
		return errors.Wrap(err, "unable to sync slot")
	}
	return h.file.Close()
}

func (h *handle) SetBootPending(ctx context.Context) error {
	return h.medium.update(func(t *table, running int) error {
		if h.slot == running {
			return errors.Errorf("slot %d is running", h.slot)
		}
		if t.Slots[h.slot].State != platform.SlotUpdating {
			return errors.Errorf("slot %d is %s, not %s", h.slot, t.Slots[h.slot].State, platform.SlotUpdating)
		}
		t.Slots[h.slot].State = platform.SlotPending
		h.medium.log.WithField("slot", h.slot).Info("marked slot boot pending")
		return nil
	})
}

func (h *handle) Validate(ctx context.Context) error {
	return h.medium.update(func(t *table, running int) error {
		if h.slot != running {
			return errors.Errorf("slot %d is not running", h.slot)
		}
		if t.Slots[h.slot].State != platform.SlotPending {
			return errors.Errorf("slot %d is %s, not %s", h.slot, t.Slots[h.slot].State, platform.SlotPending)
		}
		for i := range t.Slots {
			if t.Slots[i].State == platform.SlotActive {
				t.Slots[i].State = platform.SlotUnused
			}
		}
		t.Slots[h.slot].State = platform.SlotActive
		h.medium.log.WithField("slot", h.slot).Info("validated slot")
		return nil
	})
}

func (h *handle) Reject(ctx context.Context) error {
	err := h.medium.update(func(t *table, running int) error {
		if h.slot == running && t.Slots[h.slot].State == platform.SlotActive {
			return errors.Errorf("refusing to reject running active slot %d", h.slot)
		}
		t.Slots[h.slot] = slotRecord{State: platform.SlotUnused}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Wrap(h.file.Truncate(0), "unable to erase slot")
}

func (h *handle) AppInfo(ctx context.Context) (ota.Descriptor, error) {
	h.medium.mu.Lock()
	defer h.medium.mu.Unlock()
	t, err := loadTable(h.medium.cfg.Dir, h.medium.cfg.Slots)
	if err != nil {
		return ota.Descriptor{}, err
	}
	d := t.Slots[h.slot].Descriptor
	if d == nil {
		return ota.Descriptor{}, errors.Errorf("slot %d holds no image", h.slot)
	}
	return *d, nil
}
