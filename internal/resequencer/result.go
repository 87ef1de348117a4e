package resequencer

// Result is the outcome of processing one packet. The concrete type is one
// of Delivered, Buffered, GapDetected or Dropped.
type Result interface {
	isResult()
}

// Delivered carries samples that continue the stream without loss.
type Delivered struct {
	// Timestamp is the transport timestamp of Samples[0].
	Timestamp uint32
	Samples   []complex64
	// Released counts packets that had been held and were delivered here.
	Released int
}

// Buffered means the packet arrived ahead of a hole and is being held.
type Buffered struct {
	Sequence uint16
	Held     int
}

// GapDetected carries samples like Delivered, with zero-filled spans
// described by Gaps. A gap that is not Recoverable starts a new timestamp
// epoch at Offset+Filled.
type GapDetected struct {
	Timestamp uint32
	Samples   []complex64
	Gaps      []GapInterval
	Released  int
}

// DropReason says why a packet was discarded.
type DropReason string

const (
	DropDuplicate     DropReason = "duplicate"
	DropMalformed     DropReason = "malformed"
	DropForeignStream DropReason = "foreign_stream"
)

// Dropped means the packet was discarded. It is never a fault.
type Dropped struct {
	Sequence uint16
	Reason   DropReason
	Err      error
}

func (Delivered) isResult()   {}
func (Buffered) isResult()    {}
func (GapDetected) isResult() {}
func (Dropped) isResult()     {}
