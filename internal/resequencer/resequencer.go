// Package resequencer restores packet order on one channel's RTP stream
// and turns loss into zero-filled spans described by GapIntervals.
//
// A Resequencer is owned by a single receive loop and is not safe for
// concurrent use.
package resequencer

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/rtp"
)

// Config configures a Resequencer.
type Config struct {
	// BufferSize is the reorder window in packets.
	BufferSize int
	// SamplesPerPacket is the nominal packet size, used to bound how far
	// a timestamp may run ahead of its sequence number.
	SamplesPerPacket int
	// MaxGapSamples caps the zero-fill for a single gap. Larger gaps
	// resynchronise the stream.
	MaxGapSamples int
	// SSRC selects the stream. Zero locks onto the first stream seen.
	SSRC   uint32
	Format rtp.SampleFormat
	Log    *logrus.Entry
}

// Stats are cumulative counters.
type Stats struct {
	PacketsReceived    int64
	PacketsResequenced int64
	GapsDetected       int64
	SamplesFilled      int64
	Duplicates         int64
	Malformed          int64
	ForeignStream      int64
	Resyncs            int64
	Discarded          int64
}

type slot struct {
	valid   bool
	seq     uint16
	ts      uint32
	samples []complex64
}

// Resequencer reorders one stream. See Process.
type Resequencer struct {
	cfg Config
	log *logrus.Entry

	started bool
	ssrc    uint32
	nextSeq uint16
	nextTS  uint32

	slots []slot
	held  int
	stats Stats
}

// New validates cfg and returns a Resequencer.
func New(cfg Config) (*Resequencer, error) {
	if cfg.BufferSize < 1 {
		return nil, errors.New("resequencer: buffer size must be at least 1")
	}
	if cfg.BufferSize > 1<<15 {
		return nil, errors.New("resequencer: buffer size exceeds half the sequence space")
	}
	if cfg.SamplesPerPacket < 1 {
		return nil, errors.New("resequencer: samples per packet must be positive")
	}
	if cfg.MaxGapSamples < 0 {
		return nil, errors.New("resequencer: max gap must not be negative")
	}
	log := cfg.Log
	if log == nil {
		log = monitoring.Component("resequencer")
	}
	return &Resequencer{
		cfg:   cfg,
		log:   log,
		ssrc:  cfg.SSRC,
		slots: make([]slot, slotCount(cfg.BufferSize)),
	}, nil
}

// slotCount rounds n up to a power of two so that slot indices stay
// distinct across the 16-bit sequence wrap.
func slotCount(n int) int {
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}

// Stats returns a copy of the counters.
func (r *Resequencer) Stats() Stats {
	return r.stats
}

// Held returns the number of packets waiting in the reorder buffer.
func (r *Resequencer) Held() int {
	return r.held
}

// Process consumes one packet.
//
// A packet at the expected sequence is delivered together with any held
// packets it makes contiguous. A later packet within the window is held.
// An earlier packet is a duplicate. When a packet lands beyond the window
// the hole in front of the oldest held packet is given up on: it is
// zero-filled and reported, and delivery cascades from there.
func (r *Resequencer) Process(p rtp.Packet) Result {
	r.stats.PacketsReceived++

	if r.ssrc == 0 {
		r.ssrc = p.SSRC
	}
	if p.SSRC != r.ssrc {
		r.stats.ForeignStream++
		return Dropped{Sequence: p.Sequence, Reason: DropForeignStream,
			Err: fmt.Errorf("ssrc %d, want %d", p.SSRC, r.ssrc)}
	}

	samples, err := rtp.DecodeSamples(p.Payload, r.cfg.Format)
	if err == nil && len(samples) == 0 {
		err = fmt.Errorf("%w: empty payload", rtp.ErrMalformedPayload)
	}
	if err != nil {
		r.stats.Malformed++
		return Dropped{Sequence: p.Sequence, Reason: DropMalformed, Err: err}
	}

	if !r.started {
		r.started = true
		r.nextSeq = p.Sequence
		r.nextTS = p.Timestamp
	}

	var out emitter
	out.start(r.nextTS)

	diff := int(int16(p.Sequence - r.nextSeq))
	switch {
	case diff < 0:
		r.stats.Duplicates++
		return Dropped{Sequence: p.Sequence, Reason: DropDuplicate}

	case diff == 0:
		r.deliver(&out, p.Sequence, p.Timestamp, samples)
		r.cascade(&out)

	default:
		tsAhead := int64(int32(p.Timestamp - r.nextTS))
		limit := int64(r.cfg.MaxGapSamples) + int64(diff)*int64(r.cfg.SamplesPerPacket)
		if tsAhead <= 0 || tsAhead > limit {
			// The timestamp disagrees with the sequence distance: the
			// sender restarted or jumped. Start over at this packet.
			r.discardHeld()
			r.skipTo(&out, p.Sequence, p.Timestamp, true)
			r.deliver(&out, p.Sequence, p.Timestamp, samples)
			r.cascade(&out)
			break
		}

		for diff >= r.cfg.BufferSize {
			seq, ts, ok := r.oldestHeld()
			if !ok {
				r.skipTo(&out, p.Sequence, p.Timestamp, false)
				diff = 0
				break
			}
			r.skipTo(&out, seq, ts, false)
			r.cascade(&out)
			diff = int(int16(p.Sequence - r.nextSeq))
		}

		switch {
		case diff == 0:
			r.deliver(&out, p.Sequence, p.Timestamp, samples)
			r.cascade(&out)
		case diff < 0:
			r.stats.Duplicates++
		default:
			if !r.hold(p.Sequence, p.Timestamp, samples) {
				r.stats.Duplicates++
				if out.empty() {
					return Dropped{Sequence: p.Sequence, Reason: DropDuplicate}
				}
			} else if out.empty() {
				return Buffered{Sequence: p.Sequence, Held: r.held}
			}
		}
	}

	return out.result()
}

// Flush releases every held packet, reporting the holes between them. It
// is called once at shutdown; ok is false when nothing was held.
func (r *Resequencer) Flush() (Result, bool) {
	if r.held == 0 {
		return nil, false
	}
	var out emitter
	out.start(r.nextTS)
	for r.held > 0 {
		seq, ts, _ := r.oldestHeld()
		r.skipTo(&out, seq, ts, false)
		r.cascade(&out)
	}
	return out.result(), true
}

// deliver appends one packet's samples at the current expectation. A
// timestamp that does not continue the stream is handled as a gap first.
func (r *Resequencer) deliver(out *emitter, seq uint16, ts uint32, samples []complex64) {
	if ts != r.nextTS {
		jump := int64(int32(ts - r.nextTS))
		if jump > 0 && jump <= int64(r.cfg.MaxGapSamples) {
			r.fill(out, GapInterval{
				ExpectedTimestamp: r.nextTS,
				ActualTimestamp:   ts,
				Samples:           jump,
				Filled:            int(jump),
				LastSequence:      seq - 1,
				NextSequence:      seq,
				Source:            SourceTimestampJump,
			})
		} else {
			r.fill(out, r.resyncGap(seq, ts, 0, jump))
		}
	}
	out.samples = append(out.samples, samples...)
	r.nextSeq = seq + 1
	r.nextTS = ts + uint32(len(samples))
}

// cascade delivers held packets that have become contiguous.
func (r *Resequencer) cascade(out *emitter) {
	for r.held > 0 {
		s := &r.slots[int(r.nextSeq)%len(r.slots)]
		if !s.valid || s.seq != r.nextSeq {
			return
		}
		seq, ts, samples := s.seq, s.ts, s.samples
		*s = slot{}
		r.held--
		r.stats.PacketsResequenced++
		out.released++
		r.deliver(out, seq, ts, samples)
	}
}

// skipTo gives up on everything between the expectation and (seq, ts),
// emitting zero-fill for the lost span. forceResync marks the gap as
// unrecoverable regardless of its size.
func (r *Resequencer) skipTo(out *emitter, seq uint16, ts uint32, forceResync bool) {
	lost := int(uint16(seq - r.nextSeq))
	span := int64(int32(ts - r.nextTS))

	var gap GapInterval
	if forceResync || span < 0 || span > int64(r.cfg.MaxGapSamples) {
		gap = r.resyncGap(seq, ts, lost, span)
	} else {
		gap = GapInterval{
			ExpectedTimestamp: r.nextTS,
			ActualTimestamp:   ts,
			Samples:           span,
			Filled:            int(span),
			Packets:           lost,
			LastSequence:      r.nextSeq - 1,
			NextSequence:      seq,
			Source:            SourcePacketLoss,
		}
	}
	r.fill(out, gap)
	r.nextSeq = seq
	r.nextTS = ts
}

func (r *Resequencer) resyncGap(seq uint16, ts uint32, lost int, span int64) GapInterval {
	filled := span
	if filled < 0 {
		filled = 0
	}
	if filled > int64(r.cfg.MaxGapSamples) {
		filled = int64(r.cfg.MaxGapSamples)
	}
	r.stats.Resyncs++
	return GapInterval{
		ExpectedTimestamp: r.nextTS,
		ActualTimestamp:   ts,
		Samples:           span,
		Filled:            int(filled),
		Packets:           lost,
		LastSequence:      r.nextSeq - 1,
		NextSequence:      seq,
		Source:            SourceResync,
	}
}

func (r *Resequencer) fill(out *emitter, gap GapInterval) {
	gap.Offset = len(out.samples)
	out.samples = append(out.samples, make([]complex64, gap.Filled)...)
	out.gaps = append(out.gaps, gap)
	r.stats.GapsDetected++
	r.stats.SamplesFilled += int64(gap.Filled)

	fields := logrus.Fields{
		"samples": gap.Samples,
		"filled":  gap.Filled,
		"packets": gap.Packets,
		"from":    gap.LastSequence,
		"to":      gap.NextSequence,
	}
	if gap.Recoverable() {
		r.log.WithFields(fields).Warnf("stream gap (%s), zero-filled", gap.Source)
	} else {
		r.log.WithFields(fields).Error("unrecoverable stream gap, resynchronised")
	}
}

func (r *Resequencer) hold(seq uint16, ts uint32, samples []complex64) bool {
	s := &r.slots[int(seq)%len(r.slots)]
	if s.valid {
		return false
	}
	*s = slot{valid: true, seq: seq, ts: ts, samples: samples}
	r.held++
	return true
}

// oldestHeld returns the held packet closest after the expectation.
func (r *Resequencer) oldestHeld() (uint16, uint32, bool) {
	if r.held == 0 {
		return 0, 0, false
	}
	for k := 1; k < r.cfg.BufferSize; k++ {
		seq := r.nextSeq + uint16(k)
		s := r.slots[int(seq)%len(r.slots)]
		if s.valid && s.seq == seq {
			return s.seq, s.ts, true
		}
	}
	return 0, 0, false
}

func (r *Resequencer) discardHeld() {
	if r.held == 0 {
		return
	}
	r.stats.Discarded += int64(r.held)
	for i := range r.slots {
		r.slots[i] = slot{}
	}
	r.held = 0
}

// emitter accumulates the output of one Process call.
type emitter struct {
	ts       uint32
	samples  []complex64
	gaps     []GapInterval
	released int
}

func (e *emitter) start(ts uint32) {
	e.ts = ts
}

func (e *emitter) empty() bool {
	return len(e.samples) == 0 && len(e.gaps) == 0
}

func (e *emitter) result() Result {
	if len(e.gaps) > 0 {
		return GapDetected{Timestamp: e.ts, Samples: e.samples, Gaps: e.gaps, Released: e.released}
	}
	return Delivered{Timestamp: e.ts, Samples: e.samples, Released: e.released}
}
