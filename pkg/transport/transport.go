// Package transport defines how the agent reaches update publishers. Each
// connection kind is served by a backend in a sub-package; the agent only sees
// the interfaces here.
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
)

// RequestKind is what a request asks the server for.
type RequestKind int

const (
	// RequestJob fetches the job document.
	RequestJob RequestKind = iota
	// RequestData fetches image chunks.
	RequestData
	// RequestResult sends the update result and receives the receipt.
	RequestResult
)

func (k RequestKind) String() string {
	switch k {
	case RequestJob:
		return "job"
	case RequestData:
		return "data"
	case RequestResult:
		return "result"
	}
	return fmt.Sprintf("request(%d)", int(k))
}

// Request describes one exchange on a connection.
type Request struct {
	Kind RequestKind
	// File is the resource on file servers.
	File string
	// Offset is the first byte of data wanted. Chunk retries resume here.
	Offset int64
	// Size is the image size when known.
	Size int64
	// ChunkSize bounds the payload of each chunk.
	ChunkSize int64
	// Topic is the device's reply topic on brokers.
	Topic string
	// Payload is the document sent with the request, if any.
	Payload []byte
}

// Stream yields the chunks of a response.
type Stream interface {
	// Receive returns the next chunk, io.EOF after the last.
	Receive(ctx context.Context) (*ota.Chunk, error)
	// Close abandons the rest of the response.
	Close() error
}

// Conn is an open connection to a server.
type Conn interface {
	// Request starts an exchange. Only one stream is open at a time.
	Request(ctx context.Context, req Request) (Stream, error)
	// Disconnect closes the connection.
	Disconnect(ctx context.Context) error
}

// Transport connects to servers of one connection kind.
type Transport interface {
	Kind() ota.ConnectionKind
	Connect(ctx context.Context, ep ota.Endpoint) (Conn, error)
}

// Registry selects the transport for an endpoint.
type Registry struct {
	mu          sync.RWMutex
	transports  map[ota.ConnectionKind]Transport
	objectStore Transport
}

func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{transports: map[ota.ConnectionKind]Transport{}}
	for _, t := range transports {
		r.Register(t)
	}
	return r
}

// Register makes t serve its kind, replacing any earlier transport.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Kind()] = t
}

// RegisterObjectStore makes t serve endpoints that name a bucket.
func (r *Registry) RegisterObjectStore(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objectStore = t
}

// Lookup finds the transport for ep.
func (r *Registry) Lookup(ep ota.Endpoint) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := ep.Bucket(); ok {
		if r.objectStore == nil {
			return nil, ota.Errorf(ota.CodeTransportUnsupported, "lookup", "no object store transport for %s", ep)
		}
		return r.objectStore, nil
	}
	t, ok := r.transports[ep.Kind]
	if !ok {
		return nil, ota.Errorf(ota.CodeTransportUnsupported, "lookup", "no transport for %s", ep.Kind)
	}
	return t, nil
}

// Kinds lists the registered connection kinds.
func (r *Registry) Kinds() []ota.ConnectionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var kinds []ota.ConnectionKind
	for k := range r.transports {
		kinds = append(kinds, k)
	}
	return kinds
}

// Single is a stream of one in-memory response.
type Single struct {
	data []byte
	done bool
}

// NewSingle returns a stream yielding data as one chunk.
func NewSingle(data []byte) *Single {
	return &Single{data: data}
}

func (s *Single) Receive(ctx context.Context) (*ota.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return &ota.Chunk{TotalSize: int64(len(s.data)), Data: s.data, TotalPackets: 1}, nil
}

func (s *Single) Close() error {
	s.done = true
	return nil
}

// ReadAll collects a whole stream, used for job documents and receipts.
func ReadAll(ctx context.Context, s Stream, limit int64) ([]byte, error) {
	var buf []byte
	for {
		c, err := s.Receive(ctx)
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
		if int64(len(buf))+c.Size() > limit {
			return buf, ota.Errorf(ota.CodeSizeMismatch, "read", "response exceeds %d bytes", limit)
		}
		buf = append(buf, c.Data...)
	}
}
