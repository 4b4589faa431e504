package frame

import (
	"encoding/binary"
	"io"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// LengthPrefixSize is the size of the big-endian length before each frame.
	LengthPrefixSize = 4
	// MaxPayloadSize bounds a single frame.
	MaxPayloadSize = 1 << 20
)

// Frame types.
const (
	TypeRequest  = "request"
	TypeDocument = "document"
	TypeChunk    = "chunk"
	TypeEnd      = "end"
	TypeError    = "error"
)

// Frame is one message on the link.
type Frame struct {
	Type string `msgpack:"type"`
	// Request fields.
	Kind      string `msgpack:"kind,omitempty"`
	File      string `msgpack:"file,omitempty"`
	ChunkSize int64  `msgpack:"chunk_size,omitempty"`
	// Payload is a request or document body, or an error message.
	Payload []byte `msgpack:"payload,omitempty"`
	// Chunk fields.
	Offset  int64  `msgpack:"offset,omitempty"`
	Total   int64  `msgpack:"total,omitempty"`
	Packet  int    `msgpack:"packet,omitempty"`
	Packets int    `msgpack:"packets,omitempty"`
	Data    []byte `msgpack:"data,omitempty"`
}

// Chunk converts a chunk frame.
func (f *Frame) Chunk() *ota.Chunk {
	return &ota.Chunk{
		TotalSize:    f.Total,
		Offset:       f.Offset,
		Data:         f.Data,
		Packet:       f.Packet,
		TotalPackets: f.Packets,
	}
}

// WriteFrame encodes f with its length prefix.
func WriteFrame(w io.Writer, f *Frame) error {
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "unable to encode frame")
	}
	if len(payload) > MaxPayloadSize {
		return errors.Errorf("frame of %d bytes exceeds %d", len(payload), MaxPayloadSize)
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	_, err = w.Write(buf)
	return err
}

// ReadFrame decodes the next frame. A clean end of stream is io.EOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "partial frame length")
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxPayloadSize {
		return nil, ota.Errorf(ota.CodeNotAHeader, "read", "frame of %d bytes exceeds %d", size, MaxPayloadSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "partial frame")
	}
	f := &Frame{}
	if err := msgpack.Unmarshal(payload, f); err != nil {
		return nil, ota.NewError(ota.CodeNotAHeader, "read", err)
	}
	return f, nil
}
