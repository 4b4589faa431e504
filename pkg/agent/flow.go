package agent

import (
	"context"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/job"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/retry"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/storage"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/sirupsen/logrus"
)

// maxDocumentSize bounds job documents and result receipts.
const maxDocumentSize = 64 << 10

// cycle is one pass from START_UPDATE to OTA_COMPLETE. Its retry counters
// survive a retry wait and are dropped with it.
type cycle struct {
	ctx    context.Context
	cancel context.CancelFunc

	flow    ota.Flow
	started time.Time
	topic   string

	jobEP  ota.Endpoint
	dataEP ota.Endpoint
	conn   transport.Conn
	stream transport.Stream

	raw  []byte
	job  *job.Job
	desc ota.Descriptor
	// size is the image size when known before the first chunk.
	size int64

	session  *storage.Session
	image    *storage.Image
	verified bool
	progress ota.Progress

	attempts     ota.Attempts
	connectStart time.Time
	chunkStart   time.Time
	retry        *retry.Decision

	failure error
	stopped bool
}

// kind is the connection kind in use.
func (c *cycle) kind() ota.ConnectionKind {
	if c.dataEP.Kind != ota.ConnectionUnknown {
		return c.dataEP.Kind
	}
	return c.jobEP.Kind
}

// newCycle latches the flow for a cycle: a pending RequestUpdateNow choice
// wins over the configured one.
func (a *Agent) newCycle(ctx context.Context) *cycle {
	a.mu.Lock()
	flow := a.cfg.Flow
	if a.override != nil {
		flow = *a.override
		a.override = nil
	}
	cctx, cancel := context.WithCancel(ctx)
	a.cancelCycle = cancel
	a.mu.Unlock()

	now := a.now()
	c := &cycle{
		ctx:     cctx,
		cancel:  cancel,
		flow:    flow,
		started: now,
		topic:   job.UniqueTopic(a.cfg.DeviceTopicPrefix, a.cfg.Device, now),
	}
	switch flow {
	case ota.FlowDirect:
		c.dataEP = a.cfg.Endpoint
		c.size = a.cfg.DirectSize
	default:
		c.jobEP = a.cfg.Endpoint
	}
	a.log.WithFields(logrus.Fields{"flow": flow.String(), "topic": c.topic}).Debug("new cycle")
	return c
}

// carriesRequests reports whether the server of ep acts on request documents
// rather than resource names.
func carriesRequests(ep ota.Endpoint) bool {
	if _, ok := ep.Bucket(); ok {
		return false
	}
	return ep.Kind == ota.ConnectionMQTT || ep.Kind == ota.ConnectionBLE
}

func (a *Agent) jobRequest(c *cycle) (transport.Request, error) {
	payload, err := a.cfg.Device.Availability(c.topic)
	if err != nil {
		return transport.Request{}, ota.NewError(ota.CodeGetJob, "request", err)
	}
	return transport.Request{
		Kind:    transport.RequestJob,
		File:    c.jobEP.File,
		Topic:   c.topic,
		Payload: payload,
	}, nil
}

// dataRequest asks for the image from offset on.
func (a *Agent) dataRequest(c *cycle, offset int64) (transport.Request, error) {
	total := c.size
	if c.session != nil {
		total = c.session.Options().TotalSize
	}
	req := transport.Request{
		Kind:      transport.RequestData,
		File:      c.dataEP.File,
		Offset:    offset,
		Size:      total,
		ChunkSize: a.cfg.ChunkSize,
		Topic:     c.topic,
	}
	if !carriesRequests(c.dataEP) {
		return req, nil
	}
	var err error
	if offset == 0 {
		req.Payload, err = a.cfg.Device.RequestUpdate(c.topic)
	} else {
		file := c.dataEP.File
		if c.job != nil && c.job.Doc.File != "" {
			file = c.job.Doc.File
		}
		req.Payload, err = a.cfg.Device.RequestChunk(c.topic, file, offset, total-offset)
	}
	if err != nil {
		return req, ota.NewError(ota.CodeGetData, "request", err)
	}
	return req, nil
}

func (a *Agent) resultRequest(c *cycle) (transport.Request, error) {
	success := c.failure == nil
	var (
		payload []byte
		err     error
	)
	if carriesRequests(c.jobEP) {
		payload, err = job.Result(success, c.topic)
	} else {
		payload, err = job.FileResult(success, c.jobEP.File)
	}
	if err != nil {
		return transport.Request{}, ota.NewError(ota.CodeSendingResult, "request", err)
	}
	return transport.Request{
		Kind:    transport.RequestResult,
		File:    c.jobEP.File,
		Topic:   c.topic,
		Payload: payload,
	}, nil
}

// imageID names c's image for resume.
func (c *cycle) imageID() string {
	if c.job != nil {
		return c.job.Key()
	}
	return "direct|" + c.dataEP.String()
}

// archive reports whether c's image is a tar archive of components.
func (c *cycle) archive() bool {
	return strings.HasSuffix(strings.ToLower(c.dataEP.File), ".tar")
}
