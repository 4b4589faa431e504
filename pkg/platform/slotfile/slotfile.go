// Package slotfile keeps firmware slots as files in a directory. A small JSON
// table beside them records each slot's state; the slot the device booted from
// is read from a file the boot loader writes, or taken to be the active slot.
package slotfile

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform"
	"github.com/pkg/errors"
)

// Assert Medium as a platform implementor.
var _ platform.Medium = (*Medium)(nil)

// Config locates the slots.
type Config struct {
	// Dir holds the slot images and table.
	Dir string
	// Slots is the number of slots, at least two.
	Slots int
	// Capacity is the size limit of each slot.
	Capacity int64
	// RunningFile, when set, names a file containing the index of the slot
	// the device booted from.
	RunningFile string
}

type Medium struct {
	log logging.Logger
	cfg Config

	// mu guards the table file.
	mu sync.Mutex
}

func New(log logging.Logger, cfg Config) (*Medium, error) {
	if cfg.Dir == "" {
		return nil, errors.New("slot directory must be provided")
	}
	if cfg.Slots < 2 {
		return nil, errors.Errorf("at least two slots are needed, got %d", cfg.Slots)
	}
	if cfg.Capacity <= 0 {
		return nil, errors.Errorf("slot capacity must be positive, got %d", cfg.Capacity)
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, errors.Wrap(err, "unable to create slot directory")
	}
	return &Medium{log: log, cfg: cfg}, nil
}

func (m *Medium) Capacity() int64 {
	return m.cfg.Capacity
}

func (m *Medium) imagePath(slot int) string {
	return filepath.Join(m.cfg.Dir, "slot-"+string(rune('a'+slot))+".img")
}

func (m *Medium) running(t *table) (int, error) {
	if m.cfg.RunningFile != "" {
		raw, err := ioutil.ReadFile(m.cfg.RunningFile)
		if err != nil && !os.IsNotExist(err) {
			return -1, errors.Wrap(err, "unable to read running slot")
		}
		if err == nil {
			n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil || n < 0 || n >= len(t.Slots) {
				return -1, errors.Errorf("running slot file holds %q", strings.TrimSpace(string(raw)))
			}
			return n, nil
		}
	}
	if active := t.active(); active >= 0 {
		return active, nil
	}
	return 0, nil
}

// update loads the table, applies fn and saves the result.
func (m *Medium) update(fn func(t *table, running int) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := loadTable(m.cfg.Dir, m.cfg.Slots)
	if err != nil {
		return err
	}
	running, err := m.running(t)
	if err != nil {
		return err
	}
	if err := fn(t, running); err != nil {
		return err
	}
	return t.save(m.cfg.Dir)
}

// Open prepares the first slot that is neither running nor active.
func (m *Medium) Open(ctx context.Context, desc ota.Descriptor, resume bool) (platform.Handle, error) {
	var slot = -1
	err := m.update(func(t *table, running int) error {
		for i := range t.Slots {
			if i != running && t.Slots[i].State != platform.SlotActive {
				slot = i
				break
			}
		}
		if slot < 0 {
			return errors.New("no inactive slot available")
		}
		d := desc
		d.Slot = slot
		t.Slots[slot] = slotRecord{State: platform.SlotUpdating, Descriptor: &d}
		return nil
	})
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	if !resume {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(m.imagePath(slot), flags, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open slot %d", slot)
	}
	m.log.WithField("slot", slot).WithField("resume", resume).Debug("opened slot")
	return &handle{medium: m, slot: slot, file: f}, nil
}

func (m *Medium) OpenRunning(ctx context.Context) (platform.Handle, error) {
	var slot int
	m.mu.Lock()
	t, err := loadTable(m.cfg.Dir, m.cfg.Slots)
	if err == nil {
		slot, err = m.running(t)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(m.imagePath(slot), os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open slot %d", slot)
	}
	return &handle{medium: m, slot: slot, file: f}, nil
}

func (m *Medium) Status(ctx context.Context) (*platform.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := loadTable(m.cfg.Dir, m.cfg.Slots)
	if err != nil {
		return nil, err
	}
	running, err := m.running(t)
	if err != nil {
		return nil, err
	}
	status := &platform.Status{}
	for i, s := range t.Slots {
		row := platform.SlotStatus{Slot: i, State: s.State, Running: i == running}
		if s.Descriptor != nil {
			d := *s.Descriptor
			row.Descriptor = &d
		}
		status.Slots = append(status.Slots, row)
	}
	return status, nil
}
