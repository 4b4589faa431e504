package broker

import (
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/vmihailenco/msgpack/v5"
)

// Envelope carries one image chunk on a topic.
type Envelope struct {
	Magic   string `msgpack:"magic"`
	Offset  int64  `msgpack:"offset"`
	Total   int64  `msgpack:"total"`
	Packet  int    `msgpack:"packet"`
	Packets int    `msgpack:"packets"`
	Data    []byte `msgpack:"data"`
}

// EncodeChunk wraps c for publishing.
func EncodeChunk(c *ota.Chunk) ([]byte, error) {
	return msgpack.Marshal(&Envelope{
		Magic:   marker.ChunkMagic,
		Offset:  c.Offset,
		Total:   c.TotalSize,
		Packet:  c.Packet,
		Packets: c.TotalPackets,
		Data:    c.Data,
	})
}

// DecodeChunk unwraps a published chunk.
func DecodeChunk(payload []byte) (*ota.Chunk, error) {
	env := Envelope{}
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, ota.NewError(ota.CodeNotAHeader, "decode", err)
	}
	if env.Magic != marker.ChunkMagic {
		return nil, ota.Errorf(ota.CodeNotAHeader, "decode", "bad magic %q", env.Magic)
	}
	return &ota.Chunk{
		TotalSize:    env.Total,
		Offset:       env.Offset,
		Data:         env.Data,
		Packet:       env.Packet,
		TotalPackets: env.Packets,
	}, nil
}
