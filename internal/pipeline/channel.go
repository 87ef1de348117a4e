// Package pipeline wires the per-channel stages together: datagrams are
// resequenced and archived on the receive path, and every completed
// segment is handed to a separate worker that runs detection and offset
// estimation.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/archive"
	"github.com/banshee-data/hf-timestd/internal/clockoffset"
	"github.com/banshee-data/hf-timestd/internal/detect"
	"github.com/banshee-data/hf-timestd/internal/fsutil"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/propagation"
	"github.com/banshee-data/hf-timestd/internal/resequencer"
	"github.com/banshee-data/hf-timestd/internal/rtp"
	"github.com/banshee-data/hf-timestd/internal/timeutil"
)

// SegmentIndex records written segments.
type SegmentIndex interface {
	RecordSegment(ctx context.Context, c archive.Completed) error
}

// ChannelConfig configures one channel pipeline.
type ChannelConfig struct {
	Name             string
	SSRC             uint32
	FrequencyHz      float64
	SampleRate       int
	SamplesPerPacket int
	Format           rtp.SampleFormat
	Station          string

	ArchiveDir      string
	SegmentDuration time.Duration
	ReceiverGrid    string

	BufferSize    int
	MaxGapSamples int

	// QueueDepth bounds the completed segments waiting for estimation.
	QueueDepth int
	Detector   detect.Detector
	Model      *propagation.Model
	MinSNR     float64
	Recorders  []clockoffset.Recorder
	Segments   SegmentIndex

	// Correlator defaults to snapping the first packet to its arrival time.
	Correlator timeutil.Correlator
	FS         fsutil.FileSystem
	Metrics    *monitoring.Metrics
}

// ChannelStats are cumulative counters.
type ChannelStats struct {
	Resequencer   resequencer.Stats
	Writer        archive.WriterStats
	HeaderErrors  int64
	EventsDropped int64
	Measurements  int64
	Detections    int64
}

// Channel is one channel's pipeline. HandlePacket is the receive path; it
// must be called from one goroutine at a time.
type Channel struct {
	cfg     ChannelConfig
	log     *logrus.Entry
	metrics *monitoring.Metrics

	mu      sync.Mutex
	arrival arrivalClock
	reseq   *resequencer.Resequencer
	writer  *archive.Writer
	header  int64

	estimator *clockoffset.Estimator
	events    chan archive.Completed
	done      chan struct{}
	cancel    context.CancelFunc
	started   atomic.Bool
	closeOnce sync.Once

	eventsDropped atomic.Int64
	measurements  atomic.Int64
	detections    atomic.Int64
}

// arrivalClock reports the arrival time of the latest packet, so the
// first-packet correlator anchors to capture time during replay.
type arrivalClock struct {
	last time.Time
}

func (a *arrivalClock) Now() time.Time {
	if a.last.IsZero() {
		return time.Now()
	}
	return a.last
}

func (a *arrivalClock) NewTicker(d time.Duration) timeutil.Ticker {
	return timeutil.RealClock{}.NewTicker(d)
}

// NewChannel builds a channel pipeline. Call Start before feeding packets.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Name == "" {
		return nil, errors.New("pipeline: channel name is required")
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 16
	}
	if cfg.Detector == nil {
		cfg.Detector = detect.Nop{}
	}
	log := monitoring.Component("pipeline").WithField("channel", cfg.Name)

	c := &Channel{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		events:  make(chan archive.Completed, cfg.QueueDepth),
		done:    make(chan struct{}),
	}

	reseq, err := resequencer.New(resequencer.Config{
		BufferSize:       cfg.BufferSize,
		SamplesPerPacket: cfg.SamplesPerPacket,
		MaxGapSamples:    cfg.MaxGapSamples,
		SSRC:             cfg.SSRC,
		Format:           cfg.Format,
		Log:              monitoring.Component("resequencer").WithField("channel", cfg.Name),
	})
	if err != nil {
		return nil, err
	}

	correlator := cfg.Correlator
	if correlator == nil {
		correlator = &timeutil.FirstPacketCorrelator{Clock: &c.arrival, SampleRate: cfg.SampleRate}
	}
	writer, err := archive.NewWriter(archive.WriterConfig{
		Dir:              cfg.ArchiveDir,
		Channel:          cfg.Name,
		FrequencyHz:      cfg.FrequencyHz,
		SampleRate:       cfg.SampleRate,
		SegmentDuration:  cfg.SegmentDuration,
		SamplesPerPacket: cfg.SamplesPerPacket,
		Station:          cfg.Station,
		ReceiverGrid:     cfg.ReceiverGrid,
		Correlator:       correlator,
		FS:               cfg.FS,
		Metrics:          cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	est, err := clockoffset.NewEstimator(clockoffset.EstimatorConfig{
		Channel:     cfg.Name,
		FrequencyHz: cfg.FrequencyHz,
		Model:       cfg.Model,
		MinSNR:      cfg.MinSNR,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	c.reseq = reseq
	c.writer = writer
	c.estimator = est
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.cfg.Name }

// Stats returns a snapshot of the counters.
func (c *Channel) Stats() ChannelStats {
	c.mu.Lock()
	s := ChannelStats{
		Resequencer:  c.reseq.Stats(),
		Writer:       c.writer.Stats(),
		HeaderErrors: c.header,
	}
	c.mu.Unlock()
	s.EventsDropped = c.eventsDropped.Load()
	s.Measurements = c.measurements.Load()
	s.Detections = c.detections.Load()
	return s
}

// Start launches the estimation worker.
func (c *Channel) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		defer close(c.done)
		for ev := range c.events {
			c.processSegment(ctx, ev)
		}
	}()
}

// HandlePacket implements network.PacketHandler.
func (c *Channel) HandlePacket(payload []byte, received time.Time) {
	c.metrics.PacketReceived(c.cfg.Name)

	pkt, err := rtp.Decode(payload)
	if err != nil {
		c.mu.Lock()
		c.header++
		c.mu.Unlock()
		c.metrics.PacketDropped(c.cfg.Name, string(resequencer.DropMalformed))
		c.log.WithError(err).Debug("undecodable datagram")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.arrival.last = received
	c.dispatch(c.reseq.Process(pkt))
}

// dispatch routes a resequencer result. Callers hold c.mu.
func (c *Channel) dispatch(res resequencer.Result) {
	switch r := res.(type) {
	case resequencer.Delivered:
		c.metrics.PacketsResequenced(c.cfg.Name, r.Released)
		c.archive(r.Timestamp, r.Samples, nil)
	case resequencer.GapDetected:
		c.metrics.PacketsResequenced(c.cfg.Name, r.Released)
		for _, g := range r.Gaps {
			c.metrics.Gap(c.cfg.Name, g.Recoverable(), g.Filled)
		}
		c.archive(r.Timestamp, r.Samples, r.Gaps)
	case resequencer.Buffered:
		c.log.WithFields(logrus.Fields{"seq": r.Sequence, "held": r.Held}).Debug("packet held for reordering")
	case resequencer.Dropped:
		c.metrics.PacketDropped(c.cfg.Name, string(r.Reason))
		entry := c.log.WithFields(logrus.Fields{"seq": r.Sequence, "reason": r.Reason})
		if r.Err != nil {
			entry = entry.WithError(r.Err)
		}
		entry.Debug("packet dropped")
	}
}

func (c *Channel) archive(ts uint32, samples []complex64, gaps []resequencer.GapInterval) {
	for _, done := range c.writer.Add(ts, samples, gaps) {
		c.enqueue(done)
	}
}

// enqueue hands a segment to the estimation worker without blocking the
// receive path. A full queue drops the event.
func (c *Channel) enqueue(done archive.Completed) {
	select {
	case c.events <- done:
	default:
		c.eventsDropped.Add(1)
		c.log.WithField("segment", done.Path).Warn("estimation queue full, segment event dropped")
	}
}

func (c *Channel) processSegment(ctx context.Context, ev archive.Completed) {
	if c.cfg.Segments != nil {
		if err := c.cfg.Segments.RecordSegment(ctx, ev); err != nil {
			c.log.WithError(err).Warn("index segment")
		}
	}

	dets, err := c.cfg.Detector.Detect(ctx, detect.Window{
		Channel:     c.cfg.Name,
		FrequencyHz: c.cfg.FrequencyHz,
		Start:       ev.Start,
		Duration:    ev.Metadata.Duration(),
		SegmentPath: ev.Path,
	})
	if err != nil {
		c.log.WithError(err).WithField("window", ev.Start).Warn("detection unavailable")
		return
	}
	c.detections.Add(int64(len(dets)))

	m, ok := c.estimator.ProcessWindow(ev.Start, dets)
	if !ok {
		return
	}
	c.measurements.Add(1)
	for _, r := range c.cfg.Recorders {
		if err := r.Record(m); err != nil {
			c.log.WithError(err).Warn("record measurement")
		}
	}
}

// Close flushes the resequencer and the writer, then lets the worker
// finish the queued segments for up to drain before cancelling it.
func (c *Channel) Close(drain time.Duration) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if res, ok := c.reseq.Flush(); ok {
			c.dispatch(res)
		}
		if done, ok := c.writer.Flush(); ok {
			c.enqueue(done)
		}
		c.mu.Unlock()
		close(c.events)

		if !c.started.Load() {
			return
		}
		select {
		case <-c.done:
		case <-time.After(drain):
			c.log.Warn("estimation worker did not drain in time, cancelling")
			c.cancel()
			<-c.done
		}
		c.cancel()
	})
}
