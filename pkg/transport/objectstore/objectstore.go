// Package objectstore fetches job documents and images from an object store bucket.
// Endpoints name the bucket as "s3://bucket" and the object key as the file.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strings"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/transport"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultChunkSize = 64 * 1024
	MaxDocumentSize  = 64 * 1024
	// ResultSuffix is appended to the image key to name the result object.
	ResultSuffix = ".result.json"
)

// Client is the subset of the S3 API used.
type Client interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ Client = (*s3.Client)(nil)
var _ transport.Transport = (*Transport)(nil)

// Config selects the object store.
type Config struct {
	// Region is the AWS region, the default chain's when empty.
	Region string
	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string
	// UsePathStyle puts the bucket in the path, as most compatible stores
	// require.
	UsePathStyle bool
}

type Transport struct {
	log    logging.SubLogger
	client Client
}

// NewFromConfig builds a client using the AWS default credential chain.
func NewFromConfig(ctx context.Context, log logging.SubLogger, cfg Config) (*Transport, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load AWS config")
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return New(log, s3.NewFromConfig(awsConfig, s3Opts...)), nil
}

func New(log logging.SubLogger, client Client) *Transport {
	return &Transport{log: log, client: client}
}

func (t *Transport) Kind() ota.ConnectionKind {
	return ota.ConnectionHTTPS
}

func (t *Transport) Connect(ctx context.Context, ep ota.Endpoint) (transport.Conn, error) {
	bucket, ok := ep.Bucket()
	if !ok || bucket == "" {
		return nil, ota.Errorf(ota.CodeBadArg, "connect", "%s names no bucket", ep)
	}
	if _, err := t.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, transport.Classify(ota.CodeConnect, "connect", err)
	}
	c := &conn{
		log:    t.log.WithField("bucket", bucket),
		client: t.client,
		bucket: bucket,
		key:    key(ep.File),
	}
	c.log.Debug("connected")
	return c, nil
}

func key(file string) string {
	return strings.TrimPrefix(file, "/")
}

type conn struct {
	log    logrus.FieldLogger
	client Client
	bucket string
	key    string
}

func (c *conn) keyFor(file, fallback string) string {
	switch {
	case file != "":
		return key(file)
	case c.key != "":
		return c.key
	}
	return key(fallback)
}

func (c *conn) Request(ctx context.Context, req transport.Request) (transport.Stream, error) {
	switch req.Kind {
	case transport.RequestJob:
		k := c.keyFor(req.File, marker.DefaultJobFile)
		out, err := c.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(k)})
		if err != nil {
			return nil, transport.Classify(ota.CodeGetJob, "request", err)
		}
		defer out.Body.Close()
		raw, err := ioutil.ReadAll(io.LimitReader(out.Body, MaxDocumentSize+1))
		if err != nil {
			return nil, transport.Classify(ota.CodeGetJob, "request", err)
		}
		if len(raw) > MaxDocumentSize {
			return nil, ota.Errorf(ota.CodeGetJob, "request", "object %s exceeds %d bytes", k, MaxDocumentSize)
		}
		return transport.NewSingle(raw), nil
	case transport.RequestData:
		k := c.keyFor(req.File, marker.DefaultDataFile)
		total := req.Size
		if total <= 0 {
			head, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(k)})
			if err != nil {
				return nil, transport.Classify(ota.CodeGetData, "request", err)
			}
			total = aws.ToInt64(head.ContentLength)
		}
		size := req.ChunkSize
		if size <= 0 {
			size = DefaultChunkSize
		}
		c.log.WithFields(logrus.Fields{"key": k, "size": total}).Debug("fetching object")
		return &rangeStream{conn: c, key: k, offset: req.Offset, total: total, chunk: size}, nil
	case transport.RequestResult:
		k := c.keyFor(req.File, marker.DefaultDataFile) + ResultSuffix
		_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(k),
			Body:        bytes.NewReader(req.Payload),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return nil, transport.Classify(ota.CodeSendingResult, "request", err)
		}
		// Object stores have no receipt beyond the write itself.
		return transport.NewSingle([]byte(`{"Message":"` + marker.MessageResultReceived + `"}`)), nil
	}
	return nil, ota.Errorf(ota.CodeBadArg, "request", "unsupported request %s", req.Kind)
}

func (c *conn) Disconnect(ctx context.Context) error {
	return nil
}

type rangeStream struct {
	conn   *conn
	key    string
	offset int64
	total  int64
	chunk  int64
	packet int
}

func (s *rangeStream) Receive(ctx context.Context) (*ota.Chunk, error) {
	if s.offset >= s.total {
		return nil, io.EOF
	}
	end := s.offset + s.chunk - 1
	if end >= s.total {
		end = s.total - 1
	}
	out, err := s.conn.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.conn.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", s.offset, end)),
	})
	if err != nil {
		return nil, transport.Classify(ota.CodeGetData, "receive", err)
	}
	defer out.Body.Close()
	data, err := ioutil.ReadAll(io.LimitReader(out.Body, end-s.offset+1))
	if err != nil {
		return nil, transport.Classify(ota.CodeGetData, "receive", err)
	}
	if len(data) == 0 {
		return nil, ota.Errorf(ota.CodeGetData, "receive", "empty range at %d", s.offset)
	}
	c := &ota.Chunk{TotalSize: s.total, Offset: s.offset, Data: data, Packet: s.packet}
	s.offset += int64(len(data))
	s.packet++
	return c, nil
}

func (s *rangeStream) Close() error {
	return nil
}
