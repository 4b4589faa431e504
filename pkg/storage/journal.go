package storage

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Record is the persisted progress of one session.
type Record struct {
	ImageID   string `msgpack:"image_id"`
	TotalSize int64  `msgpack:"total_size"`
	Slot      int    `msgpack:"slot"`
	Spans     []Span `msgpack:"spans"`
	Packets   []int  `msgpack:"packets,omitempty"`
	// Received and TotalPackets restore the session's packet counters.
	Received     int `msgpack:"received"`
	TotalPackets int `msgpack:"total_packets,omitempty"`
}

// Journal persists session progress so a transfer interrupted by a reboot or
// a dropped connection resumes where it stopped.
type Journal interface {
	// Load returns the saved record, or nil if there is none.
	Load() (*Record, error)
	Save(*Record) error
	Clear() error
}

// FileJournal keeps the record in one msgpack file.
type FileJournal struct {
	path string
}

func NewFileJournal(path string) *FileJournal {
	return &FileJournal{path: path}
}

func (j *FileJournal) Load() (*Record, error) {
	raw, err := ioutil.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read journal")
	}
	rec := &Record{}
	if err := msgpack.Unmarshal(raw, rec); err != nil {
		return nil, errors.Wrap(err, "unable to decode journal")
	}
	return rec, nil
}

func (j *FileJournal) Save(rec *Record) error {
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "unable to encode journal")
	}
	tmp := j.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(j.path), 0750); err != nil {
		return errors.Wrap(err, "unable to create journal directory")
	}
	if err := ioutil.WriteFile(tmp, raw, 0640); err != nil {
		return errors.Wrap(err, "unable to write journal")
	}
	return errors.Wrap(os.Rename(tmp, j.path), "unable to replace journal")
}

func (j *FileJournal) Clear() error {
	err := os.Remove(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "unable to clear journal")
}

type nopJournal struct{}

func (nopJournal) Load() (*Record, error) { return nil, nil }
func (nopJournal) Save(*Record) error     { return nil }
func (nopJournal) Clear() error           { return nil }
