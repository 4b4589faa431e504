package storage

import (
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform"
)

// OpenOptions describe the image a session will receive.
type OpenOptions struct {
	// ImageID names the image for resume. Sessions without one never
	// resume.
	ImageID   string
	TotalSize int64
	// TotalPackets is known up front for some transports; zero otherwise.
	TotalPackets int
	// Archive marks the image as a container of several members.
	Archive    bool
	Descriptor ota.Descriptor
}

// Session is one transfer into a slot. It is owned by the writer's caller and
// must only be passed back to the writer that opened it.
type Session struct {
	opts   OpenOptions
	handle platform.Handle

	written  spans
	packets  map[int]struct{}
	progress ota.Progress
	closed   bool
	resumed  bool
}

// ID is the session's image id.
func (s *Session) ID() string {
	return s.opts.ImageID
}

// Options returns the options the session was opened with.
func (s *Session) Options() OpenOptions {
	return s.opts
}

// Progress returns a copy of the session's counters.
func (s *Session) Progress() ota.Progress {
	return s.progress
}

// Resumed reports whether the session continued a journaled transfer.
func (s *Session) Resumed() bool {
	return s.resumed
}

// NextOffset is the first byte that has not been written.
func (s *Session) NextOffset() int64 {
	return s.written.firstGap()
}

// Complete reports whether every byte has been written.
func (s *Session) Complete() bool {
	return s.progress.BytesWritten == s.opts.TotalSize
}

// Slot is the slot receiving the image.
func (s *Session) Slot() int {
	return s.handle.Slot()
}

func (s *Session) record() *Record {
	rec := &Record{
		ImageID:   s.opts.ImageID,
		TotalSize: s.opts.TotalSize,
		Slot:      s.handle.Slot(),
		Spans:     append([]Span(nil), s.written...),

		Received:     s.progress.PacketsReceived,
		TotalPackets: s.progress.TotalPackets,
	}
	for p := range s.packets {
		rec.Packets = append(rec.Packets, p)
	}
	return rec
}

// Image is a closed session awaiting verification.
type Image struct {
	handle  platform.Handle
	size    int64
	archive bool
	desc    ota.Descriptor
}

// Size is the image length.
func (i *Image) Size() int64 {
	return i.size
}

// Slot is the slot holding the image.
func (i *Image) Slot() int {
	return i.handle.Slot()
}

// Descriptor is what the image was opened as.
func (i *Image) Descriptor() ota.Descriptor {
	return i.desc
}
