package archive

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/fsutil"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/resequencer"
	"github.com/banshee-data/hf-timestd/internal/timeutil"
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	Dir             string
	Channel         string
	FrequencyHz     float64
	SampleRate      int
	SegmentDuration time.Duration
	// SamplesPerPacket is used only for the packet counts in the metadata.
	SamplesPerPacket int
	Station          string
	ReceiverGrid     string

	// Correlator maps transport timestamps to wall-clock time.
	Correlator timeutil.Correlator
	FS         fsutil.FileSystem
	// OnSegment is called synchronously for every segment written.
	OnSegment func(Completed)
	Metrics   *monitoring.Metrics
	Log       *logrus.Entry
}

// Completed announces a segment that has been written.
type Completed struct {
	Start    time.Time
	Path     string
	Metadata Metadata
}

// WriterStats are cumulative counters.
type WriterStats struct {
	SegmentsWritten int64
	SegmentsDropped int64
	WriteRetries    int64
	Discontinuities int64
	// SamplesDiscarded counts samples of a new epoch that mapped onto
	// slots already holding data.
	SamplesDiscarded int64
}

// Writer turns the resequenced sample stream of one channel into segments
// of exactly SampleRate × SegmentDuration samples. It is owned by the
// channel's receive loop and is not safe for concurrent use.
type Writer struct {
	cfg        WriterConfig
	log        *logrus.Entry
	perSegment int

	started  bool
	segStart time.Time
	segTS    uint32
	nextTS   uint32
	buf      []complex64
	gaps     []resequencer.GapInterval
	// skip is the number of incoming samples still to discard after an
	// overlapping realignment.
	skip int
	// emitted is the start of the last segment published.
	emitted time.Time

	stats WriterStats
}

// NewWriter validates cfg and returns a Writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Channel == "" {
		return nil, errors.New("archive: channel name is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, errors.New("archive: sample rate must be positive")
	}
	if cfg.SegmentDuration < time.Second {
		return nil, fmt.Errorf("archive: segment duration %v is shorter than 1s", cfg.SegmentDuration)
	}
	per := float64(cfg.SampleRate) * cfg.SegmentDuration.Seconds()
	if per != math.Trunc(per) {
		return nil, fmt.Errorf("archive: %v at %d Hz is not a whole number of samples", cfg.SegmentDuration, cfg.SampleRate)
	}
	if cfg.Correlator == nil {
		return nil, errors.New("archive: a timestamp correlator is required")
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	log := cfg.Log
	if log == nil {
		log = monitoring.Component("archive").WithField("channel", cfg.Channel)
	}
	return &Writer{
		cfg:        cfg,
		log:        log,
		perSegment: int(per),
	}, nil
}

// SamplesPerSegment returns the fixed segment length.
func (w *Writer) SamplesPerSegment() int {
	return w.perSegment
}

// Buffered returns the number of samples waiting for the current segment.
func (w *Writer) Buffered() int {
	return len(w.buf)
}

// Stats returns a copy of the counters.
func (w *Writer) Stats() WriterStats {
	return w.stats
}

// Add appends a block of samples whose first sample carries transport
// timestamp ts. Gap offsets are relative to the block. It returns the
// segments completed by this block, usually none.
func (w *Writer) Add(ts uint32, samples []complex64, gaps []resequencer.GapInterval) []Completed {
	var done []Completed

	// A resync leaves the stream discontinuous after its fill, so the rest
	// of the block starts a new epoch.
	for i, g := range gaps {
		if g.Recoverable() {
			continue
		}
		cut := g.Offset + g.Filled
		if cut > len(samples) {
			cut = len(samples)
		}
		done = append(done, w.add(ts, samples[:cut], gaps[:i+1])...)
		rest := make([]resequencer.GapInterval, 0, len(gaps)-i-1)
		for _, later := range gaps[i+1:] {
			later.Offset -= cut
			rest = append(rest, later)
		}
		return append(done, w.Add(g.ActualTimestamp, samples[cut:], rest)...)
	}
	return append(done, w.add(ts, samples, gaps)...)
}

func (w *Writer) add(ts uint32, samples []complex64, gaps []resequencer.GapInterval) []Completed {
	var done []Completed
	if len(samples) == 0 {
		if len(gaps) > 0 && w.started {
			// zero-length gaps (a resync that filled nothing) are still
			// recorded against the current segment
			for _, g := range gaps {
				g.Offset = len(w.buf)
				w.gaps = append(w.gaps, g)
			}
		}
		return nil
	}

	if w.started && ts != w.nextTS {
		done = append(done, w.realign(ts)...)
	}
	if !w.started {
		w.align(ts)
	}
	end := ts + uint32(len(samples))
	if w.skip > 0 {
		n := min(w.skip, len(samples))
		w.skip -= n
		w.stats.SamplesDiscarded += int64(n)
		samples = samples[n:]
		gaps = trimGaps(gaps, n)
	}
	if len(samples) == 0 {
		w.nextTS = end
		return done
	}

	base := len(w.buf)
	for _, g := range gaps {
		g.Offset += base
		w.gaps = append(w.gaps, g)
	}
	w.buf = append(w.buf, samples...)
	w.nextTS = end

	for len(w.buf) >= w.perSegment {
		if c, ok := w.emit(); ok {
			done = append(done, c)
		}
	}
	return done
}

// realign places a new epoch starting at ts against the open segment. The
// buffered samples are kept: a jump forward within the segment is
// zero-filled, a jump back discards the new samples that land on filled
// slots, and a jump past the segment closes it.
func (w *Writer) realign(ts uint32) []Completed {
	w.stats.Discontinuities++
	w.skip = 0
	if r, ok := w.cfg.Correlator.(timeutil.Reanchorer); ok {
		r.Reanchor()
	}
	wall := w.cfg.Correlator.WallTime(ts).UTC()
	pos := int(math.Round(wall.Sub(w.segStart).Seconds() * float64(w.cfg.SampleRate)))
	log := w.log.WithFields(logrus.Fields{"expected": w.nextTS, "actual": ts})

	switch {
	case pos >= w.perSegment:
		log.Warn("transport timestamp discontinuity, closing segment")
		var done []Completed
		if c, ok := w.closeEpoch(); ok {
			done = append(done, c)
		}
		return done
	case pos > len(w.buf):
		fill := pos - len(w.buf)
		w.gaps = append(w.gaps, resequencer.GapInterval{
			ExpectedTimestamp: w.nextTS,
			ActualTimestamp:   ts,
			Samples:           int64(int32(ts - w.nextTS)),
			Filled:            fill,
			Source:            resequencer.SourceTimestampJump,
			Offset:            len(w.buf),
		})
		w.buf = append(w.buf, make([]complex64, fill)...)
		log.WithField("filled", fill).Warn("transport timestamp discontinuity, zero-filled within segment")
	case pos < len(w.buf):
		w.skip = len(w.buf) - pos
		log.WithField("overlap", w.skip).Warn("transport timestamp discontinuity overlaps buffered samples, discarding them")
	}
	return nil
}

// trimGaps rebases block gaps after the first n samples were discarded.
func trimGaps(gaps []resequencer.GapInterval, n int) []resequencer.GapInterval {
	var out []resequencer.GapInterval
	for _, g := range gaps {
		g.Offset -= n
		if g.Offset < 0 {
			g.Filled += g.Offset
			g.Offset = 0
			if g.Filled <= 0 {
				continue
			}
		}
		out = append(out, g)
	}
	return out
}

// align starts an epoch at ts: the segment boundary is the sample's wall
// time truncated to the segment duration, and the samples before ts are
// zero-padded.
func (w *Writer) align(ts uint32) {
	wall := w.cfg.Correlator.WallTime(ts).UTC()
	start := wall.Truncate(w.cfg.SegmentDuration)
	lead := int(math.Round(wall.Sub(start).Seconds() * float64(w.cfg.SampleRate)))
	if lead >= w.perSegment {
		start = start.Add(w.cfg.SegmentDuration)
		lead = 0
	}
	// a published segment is never rewritten; samples that would land in
	// one are discarded
	if !w.emitted.IsZero() && !start.After(w.emitted) {
		next := w.emitted.Add(w.cfg.SegmentDuration)
		w.skip = int(math.Round(next.Sub(wall).Seconds() * float64(w.cfg.SampleRate)))
		ts += uint32(w.skip)
		start = next
		lead = 0
	}

	w.started = true
	w.segStart = start
	w.segTS = ts - uint32(lead)
	w.buf = make([]complex64, lead, w.perSegment)
	w.gaps = nil
	if lead > 0 {
		w.gaps = append(w.gaps, resequencer.GapInterval{
			ExpectedTimestamp: w.segTS,
			ActualTimestamp:   ts,
			Samples:           int64(lead),
			Filled:            lead,
			Source:            resequencer.SourceAlignment,
		})
	}
}

// Flush writes the partial segment padded with zeros. It is called once
// at shutdown, after the resequencer has been flushed.
func (w *Writer) Flush() (Completed, bool) {
	return w.closeEpoch()
}

// closeEpoch pads and writes the current segment and forgets the
// alignment, so the next sample realigns.
func (w *Writer) closeEpoch() (Completed, bool) {
	defer func() {
		w.started = false
		w.buf = nil
		w.gaps = nil
		w.skip = 0
	}()
	if !w.started || len(w.buf) == 0 {
		return Completed{}, false
	}
	if pad := w.perSegment - len(w.buf); pad > 0 {
		w.gaps = append(w.gaps, resequencer.GapInterval{
			ExpectedTimestamp: w.nextTS,
			ActualTimestamp:   w.nextTS + uint32(pad),
			Samples:           int64(pad),
			Filled:            pad,
			Source:            resequencer.SourceFlushPadding,
			Offset:            len(w.buf),
		})
		w.buf = append(w.buf, make([]complex64, pad)...)
	}
	return w.emit()
}

// emit cuts one segment off the front of the buffer, writes it and
// advances the boundary. Overflow and the gaps that start in it carry
// forward.
func (w *Writer) emit() (Completed, bool) {
	n := w.perSegment
	samples := make([]complex64, n)
	copy(samples, w.buf[:n])

	var own, carry []resequencer.GapInterval
	for _, g := range w.gaps {
		switch {
		case g.Offset >= n:
			g.Offset -= n
			carry = append(carry, g)
		case g.Offset+g.Filled > n:
			// the fill runs into the next segment; each side records its part
			head, tail := g, g
			head.Filled = n - g.Offset
			head.Samples = int64(head.Filled)
			tail.Offset = 0
			tail.Filled = g.Filled - head.Filled
			tail.Samples = g.Samples - head.Samples
			tail.ExpectedTimestamp = g.ExpectedTimestamp + uint32(head.Filled)
			tail.Packets = 0
			own = append(own, head)
			carry = append(carry, tail)
		default:
			own = append(own, g)
		}
	}

	rest := make([]complex64, len(w.buf)-n, max(len(w.buf)-n, w.perSegment))
	copy(rest, w.buf[n:])
	w.buf = rest
	w.gaps = carry

	seg := &Segment{
		Metadata: Metadata{
			ID:              uuid.NewString(),
			Channel:         w.cfg.Channel,
			FrequencyHz:     w.cfg.FrequencyHz,
			SampleRate:      w.cfg.SampleRate,
			DurationSeconds: w.cfg.SegmentDuration.Seconds(),
			StartTimestamp:  w.segTS,
			StartTime:       w.segStart,
			Station:         w.cfg.Station,
			ReceiverGrid:    w.cfg.ReceiverGrid,
			SampleCount:     n,
			Gaps:            own,
		},
		Samples: samples,
	}
	seg.summarise(w.cfg.SamplesPerPacket)

	w.emitted = w.segStart
	w.segStart = w.segStart.Add(w.cfg.SegmentDuration)
	w.segTS = w.nextTS - uint32(len(w.buf))

	path := SegmentPath(w.cfg.Dir, w.cfg.Channel, seg.StartTime)
	if err := w.write(path, seg); err != nil {
		w.stats.SegmentsDropped++
		w.cfg.Metrics.SegmentDropped(w.cfg.Channel)
		w.log.WithError(err).WithField("start", seg.StartTime).Error("segment dropped")
		return Completed{}, false
	}

	w.stats.SegmentsWritten++
	w.cfg.Metrics.SegmentWritten(w.cfg.Channel)
	w.log.WithFields(logrus.Fields{
		"path":         path,
		"gaps":         seg.GapCount,
		"completeness": fmt.Sprintf("%.2f", seg.Completeness),
	}).Info("segment written")

	c := Completed{Start: seg.StartTime, Path: path, Metadata: seg.Metadata}
	if w.cfg.OnSegment != nil {
		w.cfg.OnSegment(c)
	}
	return c, true
}

// write publishes the segment, retrying once.
func (w *Writer) write(path string, seg *Segment) error {
	err := WriteSegment(w.cfg.FS, path, seg)
	if err == nil {
		return nil
	}
	w.stats.WriteRetries++
	w.log.WithError(err).Warn("segment write failed, retrying")
	if err = WriteSegment(w.cfg.FS, path, seg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWriteFailed, path, err)
	}
	return nil
}
