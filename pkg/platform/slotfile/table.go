package slotfile

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform"
	"github.com/pkg/errors"
)

const tableFile = "slots.json"

type slotRecord struct {
	State      platform.SlotState `json:"state"`
	Descriptor *ota.Descriptor    `json:"descriptor,omitempty"`
}

// table is the persisted slot table.
type table struct {
	Slots []slotRecord `json:"slots"`
}

func newTable(n int) *table {
	t := &table{Slots: make([]slotRecord, n)}
	for i := range t.Slots {
		t.Slots[i].State = platform.SlotUnused
	}
	// A device leaves the factory running its first slot.
	t.Slots[0].State = platform.SlotActive
	return t
}

func loadTable(dir string, n int) (*table, error) {
	raw, err := ioutil.ReadFile(filepath.Join(dir, tableFile))
	if os.IsNotExist(err) {
		return newTable(n), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read slot table")
	}
	t := &table{}
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, errors.Wrap(err, "unable to parse slot table")
	}
	if len(t.Slots) != n {
		return nil, errors.Errorf("slot table lists %d slots, expected %d", len(t.Slots), n)
	}
	return t, nil
}

// save replaces the table file atomically.
func (t *table) save(dir string) error {
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to encode slot table")
	}
	tmp, err := ioutil.TempFile(dir, tableFile+".*")
	if err != nil {
		return errors.Wrap(err, "unable to create slot table")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "unable to write slot table")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "unable to sync slot table")
	}
	tmp.Close()
	return errors.Wrap(os.Rename(tmp.Name(), filepath.Join(dir, tableFile)), "unable to replace slot table")
}

func (t *table) active() int {
	for i, s := range t.Slots {
		if s.State == platform.SlotActive {
			return i
		}
	}
	return -1
}
