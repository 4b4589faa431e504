package broker

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/vmihailenco/msgpack/v5"
	"gotest.tools/assert"
)

const (
	publishTopic = "OTAUpdate/TEST_BOARD/publish_notify"
	replyTopic   = "cy_ota_device/TEST_BOARD/EWCO/42"
)

// publisher answers every request published to publishTopic with replies.
func publisher(t *testing.T, mr *miniredis.Miniredis, replies func(req string) []string) {
	sub := mr.NewSubscriber()
	sub.Subscribe(publishTopic)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case msg := <-sub.Messages():
				out := replies(msg.Message)
				go func() {
					for _, r := range out {
						mr.Publish(replyTopic, r)
					}
				}()
			}
		}
	}()
}

func endpoint(t *testing.T, mr *miniredis.Miniredis) ota.Endpoint {
	host, port, err := net.SplitHostPort(mr.Addr())
	assert.NilError(t, err)
	p, err := strconv.Atoi(port)
	assert.NilError(t, err)
	return ota.Endpoint{Kind: ota.ConnectionMQTT, Host: host, Port: p}
}

func testConn(t *testing.T, mr *miniredis.Miniredis) transport.Conn {
	tr, err := New(testoutput.Logger(t, logging.New("broker")), Config{PublishTopic: publishTopic})
	assert.NilError(t, err)
	conn, err := tr.Connect(context.Background(), endpoint(t, mr))
	assert.NilError(t, err)
	t.Cleanup(func() { conn.Disconnect(context.Background()) })
	return conn
}

func TestJobExchange(t *testing.T) {
	mr := miniredis.RunT(t)
	got := make(chan string, 1)
	publisher(t, mr, func(req string) []string {
		got <- req
		return []string{`{"Message":"Update Available"}`}
	})
	conn := testConn(t, mr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := conn.Request(ctx, transport.Request{
		Kind:    transport.RequestJob,
		Topic:   replyTopic,
		Payload: []byte(`{"Message":"Update Availability"}`),
	})
	assert.NilError(t, err)
	defer s.Close()
	doc, err := transport.ReadAll(ctx, s, 1024)
	assert.NilError(t, err)
	assert.Equal(t, string(doc), `{"Message":"Update Available"}`)
	assert.Equal(t, <-got, `{"Message":"Update Availability"}`)
}

func TestDataChunks(t *testing.T) {
	mr := miniredis.RunT(t)
	img := bytes.Repeat([]byte("0123456789"), 100)
	publisher(t, mr, func(string) []string {
		var out []string
		for i := 0; i < 4; i++ {
			raw, err := EncodeChunk(&ota.Chunk{TotalSize: 1000, Offset: int64(i * 250), Data: img[i*250 : (i+1)*250], Packet: i, TotalPackets: 4})
			assert.Check(t, err)
			out = append(out, string(raw))
		}
		return out
	})
	conn := testConn(t, mr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := conn.Request(ctx, transport.Request{Kind: transport.RequestData, Topic: replyTopic, Payload: []byte(`{}`)})
	assert.NilError(t, err)
	defer s.Close()
	var buf []byte
	for i := 0; i < 4; i++ {
		c, err := s.Receive(ctx)
		assert.NilError(t, err)
		assert.Equal(t, c.Packet, i)
		assert.Equal(t, c.TotalPackets, 4)
		assert.Equal(t, c.Offset, int64(len(buf)))
		buf = append(buf, c.Data...)
	}
	assert.Check(t, bytes.Equal(buf, img))
}

func TestReceiveTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	conn := testConn(t, mr)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s, err := conn.Request(ctx, transport.Request{Kind: transport.RequestData, Topic: replyTopic})
	assert.NilError(t, err)
	defer s.Close()
	_, err = s.Receive(ctx)
	assert.Equal(t, ota.CodeOf(err), ota.CodeTimeout)
}

func TestConnectFails(t *testing.T) {
	mr := miniredis.RunT(t)
	ep := endpoint(t, mr)
	mr.Close()

	tr, err := New(testoutput.Logger(t, logging.New("broker")), Config{PublishTopic: publishTopic})
	assert.NilError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = tr.Connect(ctx, ep)
	assert.Equal(t, ota.KindOf(err), ota.KindTransportConnect)
}

func TestEnvelope(t *testing.T) {
	_, err := DecodeChunk([]byte("not msgpack"))
	assert.Equal(t, ota.CodeOf(err), ota.CodeNotAHeader)

	raw, err := EncodeChunk(&ota.Chunk{TotalSize: 3, Data: []byte("abc")})
	assert.NilError(t, err)
	c, err := DecodeChunk(raw)
	assert.NilError(t, err)
	assert.Equal(t, string(c.Data), "abc")

	raw, err = msgpack.Marshal(&Envelope{Magic: "nope", Data: []byte("abc")})
	assert.NilError(t, err)
	_, err = DecodeChunk(raw)
	assert.Equal(t, ota.CodeOf(err), ota.CodeNotAHeader)
}
