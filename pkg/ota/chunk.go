package ota

// Chunk is one inbound unit of image data. The payload belongs to the caller
// of a write only for the duration of that call.
type Chunk struct {
	// TotalSize is the size of the whole image.
	TotalSize int64
	Offset    int64
	Data      []byte
	// Packet is the sequence number the sender gave this chunk.
	Packet int
	// TotalPackets is zero while unknown.
	TotalPackets int
}

// Size is the payload length.
func (c *Chunk) Size() int64 {
	return int64(len(c.Data))
}

// End is the offset just past the chunk.
func (c *Chunk) End() int64 {
	return c.Offset + c.Size()
}
