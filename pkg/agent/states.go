package agent

import (
	"context"
	"io"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/history"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/job"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/retry"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/storage"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// act does the work of s and returns where to go on success.
func (a *Agent) act(ctx context.Context, s ota.State) (ota.State, error) {
	if s == ota.StateAgentWaiting {
		return a.wait(ctx)
	}
	c := a.cycle
	if c == nil {
		return s, errors.Errorf("%s outside of an update", s)
	}
	switch s {
	case ota.StateStartUpdate:
		return a.startUpdate(c)
	case ota.StateJobConnect:
		return a.connect(c, c.jobEP, ota.StateJobDownload)
	case ota.StateJobDownload:
		return a.jobDownload(c)
	case ota.StateJobParse:
		return a.jobParse(c)
	case ota.StateJobRedirect:
		return a.jobRedirect(c)
	case ota.StateStorageOpen:
		return a.storageOpen(c)
	case ota.StateDataConnect:
		return a.connect(c, c.dataEP, ota.StateDataDownload)
	case ota.StateDataDownload:
		return a.dataDownload(c)
	case ota.StateStorageClose:
		return a.storageClose(c)
	case ota.StateVerify:
		return a.verify(c)
	case ota.StateResultRedirect:
		return a.resultRedirect(c)
	case ota.StateResultConnect:
		return a.connect(c, c.jobEP, ota.StateResultSend)
	case ota.StateResultSend:
		return a.resultSend(c)
	case ota.StateResultResponse:
		return a.resultResponse(c)
	case ota.StateJobDisconnect, ota.StateDataDisconnect, ota.StateResultDisconnect:
		a.disconnect(c)
		if c.failure != nil {
			return projections[s].failure, nil
		}
		return projections[s].success[0], nil
	case ota.StateOTAComplete:
		a.finish(c)
		return ota.StateAgentWaiting, nil
	}
	return s, errors.Errorf("no work for %s", s)
}

// wait sleeps until the next check, or until a pending retry is due, and
// makes sure a cycle is ready for START_UPDATE.
func (a *Agent) wait(ctx context.Context) (ota.State, error) {
	for {
		c := a.cycle
		if c != nil && c.retry != nil {
			// Retries keep their backoff; RequestUpdateNow is left for the
			// next periodic wait.
			a.log.WithField("after", c.retry.After.String()).Info("waiting to retry")
			err := a.retry.Wait(c.ctx, c.retry.After)
			switch {
			case ctx.Err() != nil:
				return ota.StateExiting, ctx.Err()
			case err != nil:
				// CancelUpdate during the retry wait.
				c.stopped = true
				a.setLastError(ota.CodeAppReturnedStop, nil)
				a.finish(c)
				if a.once {
					return ota.StateExiting, nil
				}
				continue
			}
			c.retry = nil
			return ota.StateStartUpdate, nil
		}

		d := a.nextCheck()
		a.log.WithField("after", d.String()).Info("waiting for next check")
		if err := a.sleep(ctx, d); err != nil {
			return ota.StateExiting, err
		}
		a.cycle = a.newCycle(ctx)
		return ota.StateStartUpdate, nil
	}
}

func (a *Agent) startUpdate(c *cycle) (ota.State, error) {
	ep := c.jobEP
	if c.flow == ota.FlowDirect {
		ep = c.dataEP
	}
	if _, err := a.transports.Lookup(ep); err != nil {
		return ota.StateStartUpdate, err
	}
	a.log.WithFields(logfields.Endpoint(ep)).WithField("flow", c.flow.String()).Info("checking for update")
	return a.successor(ota.StateStartUpdate), nil
}

func (a *Agent) connect(c *cycle, ep ota.Endpoint, next ota.State) (ota.State, error) {
	t, err := a.transports.Lookup(ep)
	if err != nil {
		return next, err
	}
	ctx, cancel := context.WithTimeout(c.ctx, a.cfg.JobCheckTimeout)
	defer cancel()
	conn, err := t.Connect(ctx, ep)
	if err != nil {
		return next, transport.Classify(ota.CodeConnect, "connect", err)
	}
	c.conn = conn
	a.log.WithFields(logfields.Endpoint(ep)).Debug("connected")
	return next, nil
}

// forget drops c's connection without closing it; the host has done that.
func (a *Agent) forget(c *cycle) {
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.conn = nil
	a.log.Debug("host closed the connection")
}

// disconnect closes whatever c has open.
func (a *Agent) disconnect(c *cycle) {
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	if c.conn == nil {
		return
	}
	ctx, cancel := a.cleanupContext()
	defer cancel()
	if err := c.conn.Disconnect(ctx); err != nil {
		a.log.WithError(err).Warn("unable to disconnect")
	}
	c.conn = nil
}

func (a *Agent) jobDownload(c *cycle) (ota.State, error) {
	req, err := a.jobRequest(c)
	if err != nil {
		return ota.StateJobDisconnect, err
	}
	ctx, cancel := context.WithTimeout(c.ctx, a.cfg.JobCheckTimeout)
	defer cancel()
	stream, err := c.conn.Request(ctx, req)
	if err != nil {
		return ota.StateJobDisconnect, transport.Classify(ota.CodeGetJob, "request", err)
	}
	defer stream.Close()
	raw, err := transport.ReadAll(ctx, stream, maxDocumentSize)
	if err != nil {
		return ota.StateJobDisconnect, transport.Classify(ota.CodeGetJob, "receive", err)
	}
	c.raw = raw
	return ota.StateJobDisconnect, nil
}

func (a *Agent) jobParse(c *cycle) (ota.State, error) {
	j, err := job.Parse(c.raw)
	if err != nil {
		return ota.StateJobParse, err
	}
	if !j.Available {
		return ota.StateJobParse, ota.NewError(ota.CodeNoUpdateAvailable, "parse", nil)
	}
	c.job = j
	c.desc = j.Descriptor(a.cfg.Device)
	if err := j.Eligible(a.cfg.Device); err != nil {
		return ota.StateJobParse, err
	}
	if a.rejections.Rejected(j) {
		return ota.StateJobParse, ota.Errorf(ota.CodeNoUpdateAvailable, "parse", "version %s was rejected before", j.Version)
	}
	c.size = j.Doc.Size
	if j.Doc.UniqueTopicName != "" {
		c.topic = j.Doc.UniqueTopicName
	}
	c.dataEP = j.Endpoint
	a.log.WithField("job", j.DisplayString()).WithFields(logfields.Endpoint(j.Endpoint)).Info("update available")
	if j.Redirects(c.jobEP) {
		return ota.StateJobRedirect, nil
	}
	return ota.StateStorageOpen, nil
}

func (a *Agent) jobRedirect(c *cycle) (ota.State, error) {
	if _, err := a.transports.Lookup(c.dataEP); err != nil {
		return ota.StateJobRedirect, ota.NewError(ota.CodeRedirect, "redirect", err)
	}
	a.log.WithFields(logfields.Endpoint(c.dataEP)).Info(ota.CodeChangingServer.String())
	return ota.StateStorageOpen, nil
}

func (a *Agent) storageOpen(c *cycle) (ota.State, error) {
	if c.size <= 0 {
		a.log.Debug("image size unknown, opening storage with the first chunk")
		return ota.StateDataConnect, nil
	}
	return ota.StateDataConnect, a.openSession(c, c.size, 0)
}

// openSession opens storage for c's image, keeping a session that survived a
// retry wait.
func (a *Agent) openSession(c *cycle, size int64, packets int) error {
	if s := c.session; s != nil && s.ID() == c.imageID() && s.Options().TotalSize == size {
		return nil
	}
	s, err := a.writer.Open(c.ctx, storage.OpenOptions{
		ImageID:      c.imageID(),
		TotalSize:    size,
		TotalPackets: packets,
		Archive:      c.archive(),
		Descriptor:   c.desc,
	})
	if err != nil {
		return err
	}
	c.session = s
	c.progress = s.Progress()
	a.log.WithFields(logrus.Fields{
		"slot":    s.Slot(),
		"size":    size,
		"resumed": s.Resumed(),
	}).Info("opened storage")
	return nil
}

func (a *Agent) dataDownload(c *cycle) (ota.State, error) {
	if c.chunkStart.IsZero() {
		c.chunkStart = a.now()
	}
	ctx, cancel := context.WithTimeout(c.ctx, a.cfg.DataCheckTimeout)
	defer cancel()
	for {
		err := a.download(ctx, c)
		if err == nil {
			return ota.StateDataDisconnect, nil
		}
		if c.ctx.Err() != nil || !retry.Retryable(ota.KindOf(err)) {
			return ota.StateDataDisconnect, err
		}
		c.attempts.Chunk++
		if a.retrying(ctx, ota.StateDataDownload, err) {
			return ota.StateDataDisconnect, errHostStop
		}
		decision := a.retry.Decide(retry.PhaseChunk, c.attempts.Chunk, a.now().Sub(c.chunkStart))
		if decision.Action == retry.GiveUp {
			return ota.StateDataDisconnect, ota.NewError(ota.CodeAppExceededRetries, "download", errors.WithMessage(err, decision.Why))
		}
		a.log.WithError(err).WithFields(logrus.Fields{
			"attempt": c.attempts.Chunk,
			"offset":  c.progress.BytesWritten,
		}).Warn("download interrupted, resuming")
		if decision.Action == retry.RetryAfter {
			if err := a.retry.Wait(ctx, decision.After); err != nil {
				return ota.StateDataDisconnect, transport.Classify(ota.CodeGetData, "download", err)
			}
		}
	}
}

// download requests the image from the first missing byte and writes what
// arrives until the image is complete.
func (a *Agent) download(ctx context.Context, c *cycle) error {
	var offset int64
	if c.session != nil {
		offset = c.session.NextOffset()
	}
	req, err := a.dataRequest(c, offset)
	if err != nil {
		return err
	}
	stream, err := c.conn.Request(ctx, req)
	if err != nil {
		return transport.Classify(ota.CodeGetData, "request", err)
	}
	defer stream.Close()

	for {
		pctx, cancel := context.WithTimeout(ctx, a.cfg.PacketInterval)
		chunk, err := stream.Receive(pctx)
		cancel()
		if err == io.EOF {
			if c.session != nil && c.session.Complete() {
				return nil
			}
			return ota.Errorf(ota.CodeGetData, "receive", "stream ended at %d of %d bytes", c.progress.BytesWritten, c.progress.TotalSize)
		}
		if err != nil {
			return transport.Classify(ota.CodeGetData, "receive", err)
		}
		if c.session == nil {
			if err := a.openSession(c, chunk.TotalSize, chunk.TotalPackets); err != nil {
				return err
			}
		}

		outcome, err := a.writer.Write(ctx, c.session, chunk)
		if err != nil {
			return err
		}
		switch outcome {
		case storage.Duplicate:
			if logging.Debuggable {
				a.log.WithFields(logfields.Chunk(chunk)).Debug("duplicate chunk")
			}
			continue
		case storage.SizeMismatch:
			return ota.Errorf(ota.CodeSizeMismatch, "write", "chunk at %d of %d bytes does not fit %d byte image", chunk.Offset, chunk.Size(), c.session.Options().TotalSize)
		case storage.OutOfSpace:
			return ota.Errorf(ota.CodeOutOfSpace, "write", "chunk at %d", chunk.Offset)
		}

		c.progress = c.session.Progress()
		if err := a.chunkWritten(ctx, c); err != nil {
			return err
		}
		if c.session.Complete() {
			return nil
		}
	}
}

// chunkWritten passes through STORAGE_WRITE to tell the host of progress.
func (a *Agent) chunkWritten(ctx context.Context, c *cycle) error {
	if err := a.transition(ota.StateDataDownload, ota.StateStorageWrite); err != nil {
		return err
	}
	res := a.dispatch(ctx, ota.ReasonStateChange, ota.StateStorageWrite)
	if err := a.transition(ota.StateStorageWrite, ota.StateDataDownload); err != nil {
		return err
	}
	switch res {
	case ota.ResultStop:
		return errHostStop
	case ota.ResultAppFailed:
		return ota.NewError(ota.CodeAppFailed, ota.StateStorageWrite.String(), nil)
	}
	return nil
}

func (a *Agent) storageClose(c *cycle) (ota.State, error) {
	if c.failure != nil {
		a.abort(c)
		return ota.StateStorageClose, c.failure
	}
	if c.session == nil {
		return ota.StateVerify, nil
	}
	img, err := a.writer.Close(c.ctx, c.session)
	if err != nil {
		return ota.StateStorageClose, err
	}
	c.session = nil
	c.image = img
	return ota.StateVerify, nil
}

// abort gives up c's session; the journal keeps what was written.
func (a *Agent) abort(c *cycle) {
	if c.session != nil {
		a.writer.Abort(c.session)
		c.session = nil
	}
}

func (a *Agent) verify(c *cycle) (ota.State, error) {
	if c.image == nil {
		return a.resultRoute(), nil
	}
	img := c.image
	verdict, desc, err := a.writer.Verify(c.ctx, img)
	if err != nil || verdict == storage.Invalid {
		c.image = nil
		if err == nil {
			err = ota.Errorf(ota.CodeVerify, "verify", "image in slot %d is invalid", img.Slot())
		}
		a.rejections.Record(c.job, err)
		return ota.StateVerify, err
	}

	permitted, err := a.policy.Check(&job.PolicyCheck{Job: c.job, Image: desc, Running: a.cfg.Device})
	if err != nil || !permitted {
		c.image = nil
		if derr := a.writer.Discard(c.ctx, img); derr != nil {
			a.log.WithError(derr).Warn("unable to discard image")
		}
		if err == nil {
			err = ota.Errorf(ota.CodeVerify, "verify", "image %s not permitted", desc.Version)
		}
		a.rejections.Record(c.job, err)
		return ota.StateVerify, err
	}
	c.verified = true
	c.desc = *desc
	a.log.WithFields(logrus.Fields{"slot": img.Slot(), "version": desc.Version.String()}).Info("image verified")
	return a.resultRoute(), nil
}

func (a *Agent) resultRedirect(c *cycle) (ota.State, error) {
	if _, err := a.transports.Lookup(c.jobEP); err != nil {
		return ota.StateResultRedirect, ota.NewError(ota.CodeRedirect, "redirect", err)
	}
	a.log.WithFields(logfields.Endpoint(c.jobEP)).Debug("returning to job server")
	return ota.StateResultConnect, nil
}

func (a *Agent) resultSend(c *cycle) (ota.State, error) {
	req, err := a.resultRequest(c)
	if err != nil {
		return ota.StateResultDisconnect, err
	}
	ctx, cancel := context.WithTimeout(c.ctx, a.cfg.JobCheckTimeout)
	defer cancel()
	stream, err := c.conn.Request(ctx, req)
	if err != nil {
		return ota.StateResultDisconnect, transport.Classify(ota.CodeSendingResult, "send", err)
	}
	c.stream = stream
	a.log.WithField("success", c.failure == nil).Info("sent result")
	return ota.StateResultResponse, nil
}

func (a *Agent) resultResponse(c *cycle) (ota.State, error) {
	if c.stream == nil {
		// The host sent the result itself.
		return ota.StateResultDisconnect, nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, a.cfg.JobCheckTimeout)
	defer cancel()
	raw, err := transport.ReadAll(ctx, c.stream, maxDocumentSize)
	c.stream.Close()
	c.stream = nil
	if err != nil {
		return ota.StateResultDisconnect, transport.Classify(ota.CodeSendingResult, "receive", err)
	}
	if !job.Acknowledged(raw) {
		a.log.Warn("publisher did not acknowledge result")
	}
	return ota.StateResultDisconnect, nil
}

// finish ends c: everything is closed, a verified image is set to boot, the
// cycle is recorded and its counters are dropped.
func (a *Agent) finish(c *cycle) {
	ctx, cancel := a.cleanupContext()
	defer cancel()

	a.disconnect(c)
	a.abort(c)

	activated := false
	if img := c.image; img != nil {
		c.image = nil
		if c.verified && c.failure == nil && !c.stopped {
			if err := a.writer.Activate(ctx, img); err != nil {
				a.terminal(ctx, ota.StateOTAComplete, err)
			} else {
				activated = true
			}
		} else if err := a.writer.Discard(ctx, img); err != nil {
			a.log.WithError(err).Warn("unable to discard image")
		}
	}

	a.record(ctx, c, activated)
	var done ota.Snapshot
	if activated {
		a.setLastError(ota.CodeSuccess, nil)
		done = a.snapshot(ota.ReasonSuccess, ota.StateOTAComplete)
	}
	a.mu.Lock()
	a.cancelCycle = nil
	a.mu.Unlock()
	c.cancel()
	a.cycle = nil
	a.onceErr = c.failure
	a.scheduleRetry(c)

	if !activated {
		return
	}
	a.log.WithField("version", c.desc.Version.String()).Info("update complete, image set to boot")
	a.deliver(ctx, done)
	if a.cfg.RestartOnActivate {
		a.log.Info("restarting into new image")
		if err := a.restarter.Restart(ctx); err != nil {
			a.log.WithError(err).Error("unable to restart")
		}
	}
}

// scheduleRetry counts failed cycles and brings the next check forward
// until the update phase gives up. Each of those cycles has already sent its
// terminal failure, so giving up only returns to the regular schedule.
func (a *Agent) scheduleRetry(c *cycle) {
	if c.failure == nil {
		a.updateFailures = 0
		return
	}
	a.updateFailures++
	decision := a.retry.Decide(retry.PhaseUpdate, a.updateFailures, 0)
	if decision.Action == retry.GiveUp {
		a.log.WithField("reason", decision.Why).Warn("leaving update to the regular schedule")
		a.updateFailures = 0
		return
	}
	a.updateRetry = &decision
}

func (a *Agent) record(ctx context.Context, c *cycle, activated bool) {
	if a.history == nil {
		return
	}
	e := &history.Entry{
		Started:    c.started,
		Finished:   a.now(),
		Flow:       c.flow,
		Connection: c.kind(),
		Code:       a.LastError(),
		Bytes:      c.progress.BytesWritten,
		Attempts:   c.attempts.Connect,
	}
	switch {
	case c.failure != nil:
		e.Code = ota.CodeOf(c.failure)
		e.Err = c.failure.Error()
	case c.stopped:
		e.Code = ota.CodeAppReturnedStop
	case activated:
		e.Code = ota.CodeSuccess
	}
	if c.job != nil {
		e.Version = c.job.Version.String()
	}
	if _, err := a.history.Record(ctx, e); err != nil {
		a.log.WithError(err).Warn("unable to record update history")
	}
}
