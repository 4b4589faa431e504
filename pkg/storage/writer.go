// Package storage writes firmware images into a slot of the platform medium in
// chunks, tracking which ranges have arrived so that retransmissions and
// resumed downloads are recognized.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"syscall"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Writer owns the single update session of the agent.
type Writer struct {
	log      logging.SubLogger
	medium   platform.Medium
	journal  Journal
	unpacker Unpacker

	// mu serializes medium access so that at most one write is outstanding.
	mu      sync.Mutex
	current *Session
}

type Option func(*Writer)

// WithJournal persists progress for resume.
func WithJournal(j Journal) Option {
	return func(w *Writer) {
		w.journal = j
	}
}

// WithUnpacker replaces the archive validator.
func WithUnpacker(u Unpacker) Option {
	return func(w *Writer) {
		w.unpacker = u
	}
}

func New(log logging.SubLogger, medium platform.Medium, opts ...Option) *Writer {
	w := &Writer{
		log:      log,
		medium:   medium,
		journal:  nopJournal{},
		unpacker: &TarUnpacker{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open starts a session on the inactive slot, replacing any session still
// open.
func (w *Writer) Open(ctx context.Context, opts OpenOptions) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if opts.TotalSize <= 0 {
		return nil, ota.Errorf(ota.CodeBadArg, "open", "total size %d", opts.TotalSize)
	}
	if capacity := w.medium.Capacity(); opts.TotalSize > capacity {
		return nil, ota.Errorf(ota.CodeOutOfSpace, "open", "image of %d bytes exceeds slot capacity %d", opts.TotalSize, capacity)
	}
	if w.current != nil && !w.current.closed {
		w.log.WithField("image", w.current.opts.ImageID).Warn("replacing open session")
		w.release(w.current)
	}

	rec, err := w.journal.Load()
	if err != nil {
		w.log.WithError(err).Warn("ignoring unreadable journal")
		rec = nil
	}
	resume := rec != nil && opts.ImageID != "" && rec.ImageID == opts.ImageID && rec.TotalSize == opts.TotalSize

	handle, err := w.medium.Open(ctx, opts.Descriptor, resume)
	if err != nil {
		return nil, ota.NewError(ota.CodeOpenStorage, "open", err)
	}
	if resume && handle.Slot() != rec.Slot {
		// The journaled bytes are in another slot; start over.
		w.log.WithFields(logrus.Fields{"journal-slot": rec.Slot, "slot": handle.Slot()}).Info("journal is for another slot")
		handle.Close()
		resume = false
		if handle, err = w.medium.Open(ctx, opts.Descriptor, false); err != nil {
			return nil, ota.NewError(ota.CodeOpenStorage, "open", err)
		}
	}

	s := &Session{
		opts:    opts,
		handle:  handle,
		packets: map[int]struct{}{},
		progress: ota.Progress{
			TotalSize:    opts.TotalSize,
			TotalPackets: opts.TotalPackets,
		},
	}
	if resume {
		s.resumed = true
		for _, span := range rec.Spans {
			s.written.add(span.Start, span.End)
		}
		for _, p := range rec.Packets {
			s.packets[p] = struct{}{}
		}
		s.progress.BytesWritten = s.written.total()
		s.progress.PacketsReceived = rec.Received
		if s.progress.TotalPackets == 0 {
			s.progress.TotalPackets = rec.TotalPackets
		}
		w.log.WithFields(logrus.Fields{
			"image":   opts.ImageID,
			"written": s.progress.BytesWritten,
		}).Info("resuming session")
	} else if err := w.journal.Clear(); err != nil {
		w.log.WithError(err).Warn("unable to clear journal")
	}

	w.current = s
	w.log.WithFields(logrus.Fields{
		"image": opts.ImageID,
		"slot":  handle.Slot(),
		"size":  opts.TotalSize,
	}).Debug("opened session")
	return s, nil
}

// Write stores c at its offset. Chunks that do not fit, or that carry nothing
// new, are reported by outcome and leave the session unchanged; the returned
// error is reserved for failures of the medium.
func (w *Writer) Write(ctx context.Context, s *Session, c *ota.Chunk) (Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if s.closed {
		return SizeMismatch, ota.Errorf(ota.CodeWriteStorage, "write", "session %q is closed", s.opts.ImageID)
	}
	size := c.Size()
	switch {
	case size == 0,
		c.Offset < 0,
		c.End() > s.opts.TotalSize,
		c.TotalSize != 0 && c.TotalSize != s.opts.TotalSize:
		w.log.WithFields(logrus.Fields{
			"offset": c.Offset,
			"size":   size,
			"total":  c.TotalSize,
		}).Warn("chunk does not fit image")
		return SizeMismatch, nil
	}
	if known := s.progress.TotalPackets; (known > 0 && c.TotalPackets != known) ||
		(c.TotalPackets > 0 && (c.Packet < 0 || c.Packet >= c.TotalPackets)) {
		w.log.WithFields(logrus.Fields{
			"packet":  c.Packet,
			"packets": c.TotalPackets,
			"known":   known,
		}).Warn("chunk does not fit packet count")
		return SizeMismatch, nil
	}
	if c.TotalPackets > 0 {
		if _, seen := s.packets[c.Packet]; seen {
			s.progress.Duplicates++
			return Duplicate, nil
		}
	}
	if s.written.covers(c.Offset, c.End()) {
		s.progress.Duplicates++
		return Duplicate, nil
	}

	if _, err := s.handle.WriteAt(c.Data, c.Offset); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			w.log.WithError(err).Error("medium is full")
			return OutOfSpace, nil
		}
		return SizeMismatch, ota.NewError(ota.CodeWriteStorage, "write", err)
	}

	if c.Offset != s.progress.LastOffset+s.progress.LastSize {
		s.progress.OutOfOrder = true
	}
	s.progress.BytesWritten += s.written.add(c.Offset, c.End())
	s.progress.LastOffset = c.Offset
	s.progress.LastSize = size
	if c.TotalPackets > 0 {
		s.packets[c.Packet] = struct{}{}
		s.progress.TotalPackets = c.TotalPackets
	}
	s.progress.PacketsReceived++

	if s.opts.ImageID != "" {
		if err := w.journal.Save(s.record()); err != nil {
			w.log.WithError(err).Warn("unable to save journal")
		}
	}
	if logging.Debuggable {
		w.log.WithFields(logrus.Fields{
			"offset":  c.Offset,
			"size":    size,
			"written": s.progress.BytesWritten,
		}).Debug("wrote chunk")
	}
	return Accepted, nil
}

// Close finishes the session once every byte has been written. An incomplete
// session stays open so the caller may resume or abort it.
func (w *Writer) Close(ctx context.Context, s *Session) (*Image, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if s.closed {
		return nil, ota.Errorf(ota.CodeCloseStorage, "close", "session %q is closed", s.opts.ImageID)
	}
	if !s.Complete() {
		return nil, ota.Errorf(ota.CodeIncomplete, "close", "%d of %d bytes written", s.progress.BytesWritten, s.opts.TotalSize)
	}
	s.closed = true
	if w.current == s {
		w.current = nil
	}
	if err := w.journal.Clear(); err != nil {
		w.log.WithError(err).Warn("unable to clear journal")
	}
	return &Image{
		handle:  s.handle,
		size:    s.opts.TotalSize,
		archive: s.opts.Archive,
		desc:    s.opts.Descriptor,
	}, nil
}

// Abort releases the session's slot. Journaled progress is kept for resume.
func (w *Writer) Abort(s *Session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s.closed {
		return
	}
	w.release(s)
}

func (w *Writer) release(s *Session) {
	s.closed = true
	if err := s.handle.Close(); err != nil {
		w.log.WithError(err).Warn("unable to close slot")
	}
	if w.current == s {
		w.current = nil
	}
}

// Verify checks the image digest and, for archives, each member. An invalid
// image is erased so it can never be booted.
func (w *Writer) Verify(ctx context.Context, img *Image) (Verdict, *ota.Descriptor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	verdict, desc, err := w.verify(ctx, img)
	if verdict == Invalid {
		if rerr := img.handle.Reject(ctx); rerr != nil {
			w.log.WithError(rerr).Error("unable to erase invalid image")
		}
		img.handle.Close()
	}
	return verdict, desc, err
}

func (w *Writer) verify(ctx context.Context, img *Image) (Verdict, *ota.Descriptor, error) {
	log := w.log.WithField("slot", img.Slot())
	if want := img.desc.SHA256; want != "" {
		h := sha256.New()
		if _, err := io.Copy(h, io.NewSectionReader(img.handle, 0, img.size)); err != nil {
			return Invalid, nil, ota.NewError(ota.CodeReadStorage, "verify", err)
		}
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, want) {
			log.WithFields(logrus.Fields{"computed": got, "expected": want}).Error("image digest mismatch")
			return Invalid, nil, nil
		}
		log.WithField("sha256", got).Debug("image digest matches")
	}
	if img.archive {
		members, err := w.unpacker.Validate(io.NewSectionReader(img.handle, 0, img.size), img.size)
		if err != nil {
			log.WithError(err).Error("archive is invalid")
			return Invalid, nil, nil
		}
		log.WithField("members", len(members)).Debug("archive is valid")
	}
	desc, err := img.handle.AppInfo(ctx)
	if err != nil {
		return Invalid, nil, ota.NewError(ota.CodeReadStorage, "verify", err)
	}
	return Valid, &desc, nil
}

// Activate marks a verified image as the next boot candidate.
func (w *Writer) Activate(ctx context.Context, img *Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer img.handle.Close()
	if err := img.handle.SetBootPending(ctx); err != nil {
		return ota.NewError(ota.CodeCloseStorage, "activate", err)
	}
	return nil
}

// Discard erases a verified image the device decided not to take.
func (w *Writer) Discard(ctx context.Context, img *Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer img.handle.Close()
	return errors.WithMessage(img.handle.Reject(ctx), "unable to discard image")
}

// ValidateAfterReboot confirms the running image when the device booted into
// a pending one. An image that does not match desc is rejected so that the
// boot loader falls back.
func (w *Writer) ValidateAfterReboot(ctx context.Context, desc ota.Descriptor) (Validation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	status, err := w.medium.Status(ctx)
	if err != nil {
		return Rejected, ota.NewError(ota.CodeReadStorage, "validate", err)
	}
	if !status.AwaitingValidation() {
		return Rejected, ota.Errorf(ota.CodeBadArg, "validate", "running slot is not awaiting validation")
	}
	handle, err := w.medium.OpenRunning(ctx)
	if err != nil {
		return Rejected, ota.NewError(ota.CodeOpenStorage, "validate", err)
	}
	defer handle.Close()

	running, err := handle.AppInfo(ctx)
	if err != nil {
		return Rejected, ota.NewError(ota.CodeReadStorage, "validate", err)
	}
	log := w.log.WithFields(logrus.Fields{"slot": handle.Slot(), "version": running.Version.String()})
	if !matches(running, desc) {
		log.WithField("expected", desc.Version.String()).Warn("running image does not match, rejecting")
		if err := handle.Reject(ctx); err != nil {
			return Rejected, ota.NewError(ota.CodeWriteStorage, "validate", err)
		}
		return Rejected, nil
	}
	if err := handle.Validate(ctx); err != nil {
		return Rejected, ota.NewError(ota.CodeWriteStorage, "validate", err)
	}
	log.Info("confirmed running image")
	return Confirmed, nil
}

// matches compares the fields of want that are set.
func matches(got, want ota.Descriptor) bool {
	if want.AppID != "" && got.AppID != want.AppID {
		return false
	}
	if want.Board != "" && got.Board != want.Board {
		return false
	}
	if want.Version != (ota.Version{}) && got.Version != want.Version {
		return false
	}
	return true
}
