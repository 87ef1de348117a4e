package resequencer

import "fmt"

// Gap sources. The first three are produced here; the archive writer adds
// the synthetic ones.
const (
	SourcePacketLoss    = "packet_loss"
	SourceTimestampJump = "timestamp_jump"
	SourceResync        = "resync"
	SourceAlignment     = "alignment"
	SourceFlushPadding  = "flush_padding"
)

// GapInterval describes one span of the stream that was not received and
// was replaced by Filled zero samples.
type GapInterval struct {
	// ExpectedTimestamp is the transport timestamp the stream should have
	// continued at; ActualTimestamp is where it resumed.
	ExpectedTimestamp uint32 `json:"expected_timestamp"`
	ActualTimestamp   uint32 `json:"actual_timestamp"`
	// Samples is the lost span according to the timestamps. Negative
	// values mean the sender's clock went backwards.
	Samples int64 `json:"samples"`
	// Filled is the number of zero samples emitted for this gap, capped
	// at the maximum gap.
	Filled  int `json:"filled"`
	Packets int `json:"packets"`
	// LastSequence is the last sequence delivered before the gap and
	// NextSequence the first one after it.
	LastSequence uint16 `json:"last_sequence"`
	NextSequence uint16 `json:"next_sequence"`
	Source       string `json:"source"`
	// Offset is the index of the first filled sample within the block
	// that carried the gap. The archive writer rebases it to the segment.
	Offset int `json:"offset"`
}

// Recoverable reports whether the stream stayed continuous across the gap,
// i.e. every lost sample was replaced by a zero.
func (g GapInterval) Recoverable() bool {
	return g.Source != SourceResync
}

func (g GapInterval) String() string {
	return fmt.Sprintf("%s: %d samples (%d filled, %d packets) seq %d..%d ts %d->%d",
		g.Source, g.Samples, g.Filled, g.Packets, g.LastSequence, g.NextSequence,
		g.ExpectedTimestamp, g.ActualTimestamp)
}
