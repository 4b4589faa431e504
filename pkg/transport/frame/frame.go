// Package frame talks to an update peer over a stream socket, as provided by
// a BLE bridge, with length-prefixed msgpack frames.
package frame

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/sirupsen/logrus"
)

var _ transport.Transport = (*Transport)(nil)

// DialFunc opens the link to the peer.
type DialFunc func(ctx context.Context, ep ota.Endpoint) (net.Conn, error)

type Transport struct {
	log  logging.SubLogger
	dial DialFunc
}

// New returns a transport dialing with dial, or DialSocket when nil.
func New(log logging.SubLogger, dial DialFunc) *Transport {
	if dial == nil {
		dial = DialSocket
	}
	return &Transport{log: log, dial: dial}
}

// DialSocket treats a host beginning with "/" as a unix socket path and
// anything else as a TCP address.
func DialSocket(ctx context.Context, ep ota.Endpoint) (net.Conn, error) {
	var d net.Dialer
	if strings.HasPrefix(ep.Host, "/") {
		return d.DialContext(ctx, "unix", ep.Host)
	}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)))
}

func (t *Transport) Kind() ota.ConnectionKind {
	return ota.ConnectionBLE
}

func (t *Transport) Connect(ctx context.Context, ep ota.Endpoint) (transport.Conn, error) {
	nc, err := t.dial(ctx, ep)
	if err != nil {
		return nil, transport.Classify(ota.CodeConnect, "connect", err)
	}
	c := &conn{log: t.log.WithField("peer", ep.Host), nc: nc}
	c.log.Debug("connected")
	return c, nil
}

type conn struct {
	log logrus.FieldLogger
	nc  net.Conn
	// mu is held by the open stream.
	mu sync.Mutex
}

// bind makes the link's deadline follow ctx until release is called.
func (c *conn) bind(ctx context.Context) (release func()) {
	deadline, _ := ctx.Deadline()
	c.nc.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

func (c *conn) Request(ctx context.Context, req transport.Request) (transport.Stream, error) {
	release := c.bind(ctx)
	defer release()

	c.mu.Lock()
	err := WriteFrame(c.nc, &Frame{
		Type:      TypeRequest,
		Kind:      req.Kind.String(),
		File:      req.File,
		ChunkSize: req.ChunkSize,
		Offset:    req.Offset,
		Total:     req.Size,
		Payload:   req.Payload,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, transport.Classify(ota.CodePublish, "request", err)
	}
	c.log.WithField("request", req.Kind.String()).Debug("requested")
	return &stream{conn: c, kind: req.Kind}, nil
}

func (c *conn) Disconnect(ctx context.Context) error {
	return c.nc.Close()
}

type stream struct {
	conn   *conn
	kind   transport.RequestKind
	closed bool
}

func (s *stream) Receive(ctx context.Context) (*ota.Chunk, error) {
	if s.closed {
		return nil, io.EOF
	}
	code := ota.CodeGetData
	switch s.kind {
	case transport.RequestJob:
		code = ota.CodeGetJob
	case transport.RequestResult:
		code = ota.CodeSendingResult
	}

	release := s.conn.bind(ctx)
	f, err := ReadFrame(s.conn.nc)
	release()
	if err == io.EOF {
		return nil, ota.Errorf(ota.CodeServerDropped, "receive", "peer closed the link")
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, transport.Classify(code, "receive", ctx.Err())
		}
		return nil, transport.Classify(code, "receive", err)
	}

	switch f.Type {
	case TypeChunk:
		return f.Chunk(), nil
	case TypeDocument:
		return &ota.Chunk{TotalSize: int64(len(f.Payload)), Data: f.Payload, TotalPackets: 1}, nil
	case TypeEnd:
		s.Close()
		return nil, io.EOF
	case TypeError:
		return nil, ota.Errorf(code, "receive", "peer: %s", f.Payload)
	}
	return nil, ota.Errorf(ota.CodeNotAHeader, "receive", "unexpected frame %q", f.Type)
}

// Close gives the link back for the next request.
func (s *stream) Close() error {
	if !s.closed {
		s.closed = true
		s.conn.mu.Unlock()
	}
	return nil
}
