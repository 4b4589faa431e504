package ota

// Progress is a copy of a session's storage progress.
type Progress struct {
	TotalSize       int64
	BytesWritten    int64
	LastOffset      int64
	LastSize        int64
	PacketsReceived int
	TotalPackets    int
	Duplicates      int
	OutOfOrder      bool
}

// Percent is the share of the image written, 0 when the size is unknown.
func (p Progress) Percent() int {
	if p.TotalSize <= 0 {
		return 0
	}
	return int(p.BytesWritten * 100 / p.TotalSize)
}

// Attempts counts retries per phase in the current cycle.
type Attempts struct {
	Connect int
	Chunk   int
	Update  int
}

// Snapshot is what the host sees at a callback. It is a copy: nothing in it
// aliases agent state.
type Snapshot struct {
	Reason     Reason
	State      State
	LastError  Code
	Err        string
	Progress   Progress
	Connection ConnectionKind
	Flow       Flow
	Attempts   Attempts
	// Terminal is set on the single failure callback that ends a cycle.
	Terminal bool
	// Pending describes the image in flight once it is known.
	Pending *Descriptor
	Arg     interface{}
}

// Clone copies s, including the pending descriptor.
func (s Snapshot) Clone() Snapshot {
	if s.Pending != nil {
		d := *s.Pending
		s.Pending = &d
	}
	return s
}
