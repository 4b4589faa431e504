// Package httpget fetches job documents and images from plain file servers
// with ranged GETs and reports results with a PUT.
package httpget

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultChunkSize is the span of each ranged GET.
	DefaultChunkSize = 4096
	// MaxDocumentSize bounds job documents and receipts.
	MaxDocumentSize = 64 * 1024
)

var _ transport.Transport = (*Transport)(nil)

type Transport struct {
	log    logging.SubLogger
	kind   ota.ConnectionKind
	client *http.Client
	dialer *net.Dialer
}

// New returns a transport for kind, which is HTTP or HTTPS.
func New(log logging.SubLogger, kind ota.ConnectionKind, client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{
		log:    log,
		kind:   kind,
		client: client,
		dialer: &net.Dialer{Timeout: 10 * time.Second},
	}
}

func (t *Transport) Kind() ota.ConnectionKind {
	return t.kind
}

// Connect checks the server is reachable. Requests open their own
// connections through the client's pool.
func (t *Transport) Connect(ctx context.Context, ep ota.Endpoint) (transport.Conn, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	nc, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transport.Classify(ota.CodeConnect, "connect", err)
	}
	nc.Close()

	scheme := "http"
	if ep.TLS || ep.Kind == ota.ConnectionHTTPS {
		scheme = "https"
	}
	c := &conn{
		log:  t.log.WithField("server", addr),
		t:    t,
		base: scheme + "://" + addr,
		file: ep.File,
	}
	c.log.Debug("connected")
	return c, nil
}

type conn struct {
	log  logrus.FieldLogger
	t    *Transport
	base string
	file string
}

func (c *conn) url(file, fallback string) string {
	if file == "" {
		file = c.file
	}
	if file == "" {
		file = fallback
	}
	if file != "" && file[0] != '/' {
		file = "/" + file
	}
	return c.base + file
}

func (c *conn) Request(ctx context.Context, req transport.Request) (transport.Stream, error) {
	switch req.Kind {
	case transport.RequestJob:
		body, err := c.do(ctx, http.MethodGet, c.url(req.File, marker.DefaultJobFile), nil, ota.CodeGetJob)
		if err != nil {
			return nil, err
		}
		return transport.NewSingle(body), nil
	case transport.RequestData:
		size := req.ChunkSize
		if size <= 0 {
			size = DefaultChunkSize
		}
		return &rangeStream{
			log:    c.log,
			client: c.t.client,
			url:    c.url(req.File, marker.DefaultDataFile),
			offset: req.Offset,
			total:  req.Size,
			chunk:  size,
		}, nil
	case transport.RequestResult:
		body, err := c.do(ctx, http.MethodPut, c.url(req.File, marker.DefaultDataFile), req.Payload, ota.CodeSendingResult)
		if err != nil {
			return nil, err
		}
		return transport.NewSingle(body), nil
	}
	return nil, ota.Errorf(ota.CodeBadArg, "request", "unsupported request %s", req.Kind)
}

func (c *conn) do(ctx context.Context, method, url string, payload []byte, code ota.Code) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, ota.NewError(ota.CodeBadArg, "request", err)
	}
	if payload != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.t.client.Do(hreq)
	if err != nil {
		return nil, transport.Classify(code, "request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, ota.Errorf(code, "request", "%s %s: %s", method, url, resp.Status)
	}
	raw, err := ioutil.ReadAll(io.LimitReader(resp.Body, MaxDocumentSize+1))
	if err != nil {
		return nil, transport.Classify(code, "request", err)
	}
	if len(raw) > MaxDocumentSize {
		return nil, ota.Errorf(code, "request", "response exceeds %d bytes", MaxDocumentSize)
	}
	c.log.WithFields(logrus.Fields{"method": method, "url": url, "bytes": len(raw)}).Debug("exchanged")
	return raw, nil
}

func (c *conn) Disconnect(ctx context.Context) error {
	c.t.client.CloseIdleConnections()
	return nil
}

// rangeStream requests one chunk per Receive. A server that ignores ranges
// is read sequentially from its full response instead.
type rangeStream struct {
	log    logrus.FieldLogger
	client *http.Client
	url    string
	offset int64
	total  int64
	chunk  int64
	packet int

	// body is set once the server answered without a range.
	body io.ReadCloser
}

func (s *rangeStream) Receive(ctx context.Context) (*ota.Chunk, error) {
	if s.total > 0 && s.offset >= s.total {
		return nil, io.EOF
	}
	if s.body != nil {
		return s.next(s.body)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, ota.NewError(ota.CodeBadArg, "receive", err)
	}
	hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", s.offset, s.offset+s.chunk-1))
	resp, err := s.client.Do(hreq)
	if err != nil {
		return nil, transport.Classify(ota.CodeGetData, "receive", err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		defer resp.Body.Close()
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, ota.NewError(ota.CodeGetData, "receive", err)
		}
		if start != s.offset {
			return nil, ota.Errorf(ota.CodeGetData, "receive", "asked for offset %d, got %d", s.offset, start)
		}
		s.total = total
		return s.next(resp.Body)
	case http.StatusOK:
		s.log.Debug("server ignores ranges, reading whole image")
		if resp.ContentLength > 0 {
			s.total = resp.ContentLength
		}
		if _, err := io.CopyN(ioutil.Discard, resp.Body, s.offset); err != nil {
			resp.Body.Close()
			return nil, transport.Classify(ota.CodeGetData, "receive", err)
		}
		s.body = resp.Body
		return s.next(s.body)
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, io.EOF
	}
	resp.Body.Close()
	return nil, ota.Errorf(ota.CodeGetData, "receive", "GET %s: %s", s.url, resp.Status)
}

func (s *rangeStream) next(r io.Reader) (*ota.Chunk, error) {
	buf := make([]byte, s.chunk)
	n, err := io.ReadFull(r, buf)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, transport.Classify(ota.CodeGetData, "receive", err)
	}
	c := &ota.Chunk{
		TotalSize: s.total,
		Offset:    s.offset,
		Data:      buf[:n],
		Packet:    s.packet,
	}
	s.offset += int64(n)
	s.packet++
	return c, nil
}

func (s *rangeStream) Close() error {
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

// parseContentRange reads "bytes start-end/total".
func parseContentRange(v string) (start, total int64, err error) {
	var end int64
	if _, err := fmt.Sscanf(v, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		return 0, 0, errors.Wrapf(err, "bad Content-Range %q", v)
	}
	if end < start || end >= total {
		return 0, 0, errors.Errorf("bad Content-Range %q", v)
	}
	return start, total, nil
}
