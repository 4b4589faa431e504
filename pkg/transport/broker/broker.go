// Package broker reaches update publishers over a publish/subscribe broker.
// Requests are published to the publisher's topic and replies arrive on the
// device's unique topic: job documents and receipts as JSON, image chunks as
// msgpack envelopes.
//
// The broker is a Redis server spoken to with RESP PUBLISH and SUBSCRIBE, not
// an MQTT broker. It serves the "MQTT" connection kind of job documents and
// configuration, so publishers on that kind must relay through Redis.
package broker

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var _ transport.Transport = (*Transport)(nil)

// Config configures the broker client.
type Config struct {
	// PublishTopic is where requests are published.
	PublishTopic string
	Username     string
	Password     string
	// TLS is used when the endpoint asks for it.
	TLS *tls.Config
}

type Transport struct {
	log logging.SubLogger
	cfg Config
}

func New(log logging.SubLogger, cfg Config) (*Transport, error) {
	if cfg.PublishTopic == "" {
		return nil, errors.New("broker publish topic must be provided")
	}
	return &Transport{log: log, cfg: cfg}, nil
}

func (t *Transport) Kind() ota.ConnectionKind {
	return ota.ConnectionMQTT
}

func (t *Transport) Connect(ctx context.Context, ep ota.Endpoint) (transport.Conn, error) {
	opts := &redis.Options{
		Addr:     net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
		Username: t.cfg.Username,
		Password: t.cfg.Password,
		// The agent retries on its own schedule.
		MaxRetries: -1,
	}
	if ep.TLS {
		opts.TLSConfig = t.cfg.TLS
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{ServerName: ep.Host}
		}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, transport.Classify(ota.CodeConnect, "connect", err)
	}
	c := &conn{
		log:    t.log.WithField("broker", opts.Addr),
		client: client,
		topic:  t.cfg.PublishTopic,
	}
	c.log.Debug("connected")
	return c, nil
}

type conn struct {
	log    logrus.FieldLogger
	client *redis.Client
	topic  string
}

func (c *conn) Request(ctx context.Context, req transport.Request) (transport.Stream, error) {
	if req.Topic == "" {
		return nil, ota.Errorf(ota.CodeBadArg, "request", "no reply topic")
	}
	sub := c.client.Subscribe(ctx, req.Topic)
	// Wait for the subscription so no reply is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, transport.Classify(ota.CodeSubscribe, "subscribe", err)
	}
	if req.Payload != nil {
		if err := c.client.Publish(ctx, c.topic, req.Payload).Err(); err != nil {
			sub.Close()
			return nil, transport.Classify(ota.CodePublish, "publish", err)
		}
	}
	c.log.WithFields(logrus.Fields{"request": req.Kind.String(), "reply-topic": req.Topic}).Debug("requested")
	return &stream{
		kind:     req.Kind,
		sub:      sub,
		messages: sub.Channel(redis.WithChannelSize(64)),
	}, nil
}

func (c *conn) Disconnect(ctx context.Context) error {
	return errors.Wrap(c.client.Close(), "unable to close broker client")
}

type stream struct {
	kind     transport.RequestKind
	sub      *redis.PubSub
	messages <-chan *redis.Message
	done     bool
}

func (s *stream) Receive(ctx context.Context) (*ota.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	code := ota.CodeGetData
	if s.kind != transport.RequestData {
		code = ota.CodeGetJob
		if s.kind == transport.RequestResult {
			code = ota.CodeSendingResult
		}
	}
	select {
	case <-ctx.Done():
		return nil, transport.Classify(code, "receive", ctx.Err())
	case msg, ok := <-s.messages:
		if !ok {
			return nil, ota.Errorf(ota.CodeServerDropped, "receive", "subscription closed")
		}
		if s.kind == transport.RequestData {
			return DecodeChunk([]byte(msg.Payload))
		}
		// Documents arrive whole.
		s.done = true
		data := []byte(msg.Payload)
		return &ota.Chunk{TotalSize: int64(len(data)), Data: data, TotalPackets: 1}, nil
	}
}

func (s *stream) Close() error {
	s.done = true
	return s.sub.Close()
}
