package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/history"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/job"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/platform/slotfile"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/retry"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/storage"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"gotest.tools/assert"
)

const testImageSize = 1000

func testImage() []byte {
	p := make([]byte, testImageSize)
	for i := range p {
		p[i] = byte(i * 13)
	}
	return p
}

func digest(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}

func jobDoc(t *testing.T, img []byte, fns ...func(*job.Document)) []byte {
	doc := job.Document{
		Message:    marker.MessageUpdateAvailable,
		Version:    "1.1.0",
		Board:      "board",
		Connection: marker.ConnectionHTTP,
		Server:     "publisher",
		Port:       marker.PortHTTP,
		File:       marker.DefaultDataFile,
		Size:       int64(len(img)),
		SHA256:     digest(img),
	}
	for _, fn := range fns {
		fn(&doc)
	}
	raw, err := json.Marshal(doc)
	assert.NilError(t, err)
	return raw
}

// testPublisher serves a job document and an image to every connection.
type testPublisher struct {
	mu sync.Mutex

	job       []byte
	image     []byte
	chunkSize int64

	connects    []ota.Endpoint
	requests    []transport.Request
	results     []string
	disconnects int

	ConnectFn func(ctx context.Context, ep ota.Endpoint) error
	// DataFn replaces the data stream for a request.
	DataFn func(ctx context.Context, req transport.Request) (transport.Stream, error)
}

func (p *testPublisher) chunks(offset int64) []*ota.Chunk {
	var chunks []*ota.Chunk
	size := p.chunkSize
	for off := offset; off < int64(len(p.image)); off += size {
		end := off + size
		if end > int64(len(p.image)) {
			end = int64(len(p.image))
		}
		chunks = append(chunks, p.chunk(off, end-off))
	}
	return chunks
}

func (p *testPublisher) chunk(off, size int64) *ota.Chunk {
	return &ota.Chunk{TotalSize: int64(len(p.image)), Offset: off, Data: p.image[off : off+size]}
}

func (p *testPublisher) connected() []ota.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ota.Endpoint(nil), p.connects...)
}

func (p *testPublisher) sent(kind transport.RequestKind) []transport.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var reqs []transport.Request
	for _, req := range p.requests {
		if req.Kind == kind {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

func (p *testPublisher) reported() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.results...)
}

type testTransport struct {
	kind      ota.ConnectionKind
	publisher *testPublisher
}

func (t *testTransport) Kind() ota.ConnectionKind {
	return t.kind
}

func (t *testTransport) Connect(ctx context.Context, ep ota.Endpoint) (transport.Conn, error) {
	p := t.publisher
	p.mu.Lock()
	p.connects = append(p.connects, ep)
	fn := p.ConnectFn
	p.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, ep); err != nil {
			return nil, err
		}
	}
	return &testConn{publisher: p}, nil
}

type testConn struct {
	publisher *testPublisher
}

func (c *testConn) Request(ctx context.Context, req transport.Request) (transport.Stream, error) {
	p := c.publisher
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	switch req.Kind {
	case transport.RequestJob:
		return transport.NewSingle(p.job), nil
	case transport.RequestData:
		if p.DataFn != nil {
			return p.DataFn(ctx, req)
		}
		return &testStream{chunks: p.chunks(req.Offset)}, nil
	case transport.RequestResult:
		var doc struct{ Message string }
		if err := json.Unmarshal(req.Payload, &doc); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.results = append(p.results, doc.Message)
		p.mu.Unlock()
		return transport.NewSingle([]byte(`{"Message":"` + marker.MessageResultReceived + `"}`)), nil
	}
	return nil, ota.Errorf(ota.CodeUnsupported, "request", "%s", req.Kind)
}

func (c *testConn) Disconnect(ctx context.Context) error {
	c.publisher.mu.Lock()
	c.publisher.disconnects++
	c.publisher.mu.Unlock()
	return nil
}

// testStream yields its chunks and then whatever ReceiveFn returns, io.EOF
// when it is not set.
type testStream struct {
	chunks    []*ota.Chunk
	next      int
	ReceiveFn func(ctx context.Context) (*ota.Chunk, error)
}

func (s *testStream) Receive(ctx context.Context) (*ota.Chunk, error) {
	if s.next < len(s.chunks) {
		s.next++
		return s.chunks[s.next-1], nil
	}
	if s.ReceiveFn != nil {
		return s.ReceiveFn(ctx)
	}
	return nil, io.EOF
}

func (s *testStream) Close() error {
	return nil
}

// testHost records every callback and answers with ResultFn.
type testHost struct {
	mu       sync.Mutex
	snaps    []ota.Snapshot
	ResultFn func(ctx context.Context, snap ota.Snapshot) ota.Result
}

func (h *testHost) callback(ctx context.Context, snap ota.Snapshot) ota.Result {
	h.mu.Lock()
	h.snaps = append(h.snaps, snap)
	fn := h.ResultFn
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, snap)
	}
	return ota.ResultContinue
}

func (h *testHost) seen(reason ota.Reason, state ota.State) []ota.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	var snaps []ota.Snapshot
	for _, snap := range h.snaps {
		if snap.Reason == reason && snap.State == state {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

// failures are the terminal failure callbacks.
func (h *testHost) failures() []ota.Snapshot {
	return h.failed(true)
}

// retried are the failure callbacks sent ahead of a retry decision.
func (h *testHost) retried() []ota.Snapshot {
	return h.failed(false)
}

func (h *testHost) failed(terminal bool) []ota.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	var snaps []ota.Snapshot
	for _, snap := range h.snaps {
		if snap.Reason == ota.ReasonFailure && snap.Terminal == terminal {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

type testRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (r *testRecorder) Record(ctx context.Context, e *history.Entry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return int64(len(r.entries)), nil
}

func (r *testRecorder) recorded() []history.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Entry(nil), r.entries...)
}

type testRestarter struct {
	mu       sync.Mutex
	restarts int
}

func (r *testRestarter) Restart(ctx context.Context) error {
	r.mu.Lock()
	r.restarts++
	r.mu.Unlock()
	return nil
}

func (r *testRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

type testHooks struct {
	Publisher *testPublisher
	Host      *testHost
	History   *testRecorder
	Restarter *testRestarter
	Medium    *slotfile.Medium
}

// testSetup is what testAgent builds from, adjusted by options.
type testSetup struct {
	cfg   Config
	deps  Deps
	slots slotfile.Config
	retry retry.Config
}

type testOption func(*testSetup)

func withConfig(fn func(*Config)) testOption {
	return func(s *testSetup) { fn(&s.cfg) }
}

func withSlots(slots slotfile.Config) testOption {
	return func(s *testSetup) { s.slots = slots }
}

func withRetry(fn func(*retry.Config)) testOption {
	return func(s *testSetup) { fn(&s.retry) }
}

func testDevice() job.Device {
	return job.Device{
		Manufacturer:   "acme",
		ManufacturerID: "acme-1",
		Product:        "sensor",
		SerialNumber:   "0001",
		Board:          "board",
		Version:        ota.Version{Major: 1},
	}
}

func testAgent(t *testing.T, opts ...testOption) (*Agent, *testHooks) {
	log := testoutput.Logger(t, logging.New("agent"))
	img := testImage()
	hooks := &testHooks{
		Publisher: &testPublisher{job: jobDoc(t, img), image: img, chunkSize: 500},
		Host:      &testHost{},
		History:   &testRecorder{},
		Restarter: &testRestarter{},
	}

	setup := &testSetup{
		cfg: Config{
			Device:           testDevice(),
			Flow:             ota.FlowJob,
			Endpoint:         ota.Endpoint{Kind: ota.ConnectionHTTP, Host: "publisher", Port: marker.PortHTTP, File: marker.DefaultJobFile},
			SendResult:       true,
			ChunkSize:        500,
			PacketInterval:   time.Second,
			JobCheckTimeout:  time.Second,
			DataCheckTimeout: 10 * time.Second,
		},
		slots: slotfile.Config{
			Dir:      filepath.Join(t.TempDir(), "slots"),
			Slots:    2,
			Capacity: 1 << 16,
		},
		retry: retry.Config{
			Connect:  retry.Limit{MaxAttempts: 3},
			Chunk:    retry.Limit{MaxAttempts: 3},
			Update:   retry.Limit{MaxAttempts: 1},
			Schedule: retry.Schedule{Interval: time.Hour},
			Quantum:  10 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(setup)
	}

	medium, err := slotfile.New(log, setup.slots)
	assert.NilError(t, err)
	hooks.Medium = medium

	deps := setup.deps
	deps.Transports = transport.NewRegistry(
		&testTransport{kind: ota.ConnectionHTTP, publisher: hooks.Publisher},
		&testTransport{kind: ota.ConnectionMQTT, publisher: hooks.Publisher},
	)
	deps.Writer = storage.New(logging.Sub(log, "storage"), medium,
		storage.WithJournal(storage.NewFileJournal(filepath.Join(setup.slots.Dir, "journal"))))
	deps.Retry = retry.New(setup.retry)
	deps.Callback = hooks.Host.callback
	deps.History = hooks.History
	deps.Restarter = hooks.Restarter

	a, err := New(log, setup.cfg, deps)
	assert.NilError(t, err)
	return a, hooks
}

// slotStates lists the state of every slot.
func slotStates(t *testing.T, m platform.Medium) []platform.SlotState {
	status, err := m.Status(context.Background())
	assert.NilError(t, err)
	var states []platform.SlotState
	for _, slot := range status.Slots {
		states = append(states, slot.State)
	}
	return states
}

func pending(t *testing.T, m platform.Medium) bool {
	for _, s := range slotStates(t, m) {
		if s == platform.SlotPending {
			return true
		}
	}
	return false
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
