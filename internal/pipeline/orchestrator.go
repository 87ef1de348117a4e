package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/clockoffset"
	"github.com/banshee-data/hf-timestd/internal/config"
	"github.com/banshee-data/hf-timestd/internal/consensus"
	"github.com/banshee-data/hf-timestd/internal/detect"
	"github.com/banshee-data/hf-timestd/internal/fsutil"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/network"
	"github.com/banshee-data/hf-timestd/internal/propagation"
	"github.com/banshee-data/hf-timestd/internal/rtp"
)

// DefaultDrainTimeout bounds how long shutdown waits for queued segments
// to be estimated.
const DefaultDrainTimeout = 10 * time.Second

// Options configure an Orchestrator. Config is required.
type Options struct {
	Config    *config.Config
	Metrics   *monitoring.Metrics
	Recorders []clockoffset.Recorder
	Segments  SegmentIndex
	// Runner, when set, is started alongside the channels.
	Runner *consensus.Runner
	// Detector overrides the detector named in the configuration.
	Detector     detect.Detector
	Factory      network.UDPSocketFactory
	FS           fsutil.FileSystem
	DrainTimeout time.Duration
}

type channelUnit struct {
	cfg      config.ChannelConfig
	channel  *Channel
	listener *network.Listener
}

// Orchestrator runs every configured channel and the consensus runner.
type Orchestrator struct {
	opts  Options
	units []channelUnit
	log   *logrus.Entry
}

// New builds the channel pipelines described by opts.Config.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("pipeline: configuration is required")
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	detector := opts.Detector
	if detector == nil {
		detector = detectorFor(cfg, opts.FS)
	}
	model := propagation.NewModel(cfg.ReceiverLocation())

	o := &Orchestrator{opts: opts, log: monitoring.Component("orchestrator")}
	for _, chCfg := range cfg.ChannelList() {
		format, err := rtp.ParseSampleFormat(chCfg.SampleFormat)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", chCfg.Name, err)
		}
		ch, err := NewChannel(ChannelConfig{
			Name:             chCfg.Name,
			SSRC:             chCfg.SSRC,
			FrequencyHz:      chCfg.FrequencyHz,
			SampleRate:       chCfg.SampleRate,
			SamplesPerPacket: chCfg.SamplesPerPacket,
			Format:           format,
			Station:          chCfg.Station,
			ArchiveDir:       cfg.Archive.Dir,
			SegmentDuration:  cfg.Archive.SegmentDuration,
			ReceiverGrid:     cfg.Receiver.Grid,
			BufferSize:       cfg.Resequencer.BufferSize,
			MaxGapSamples:    cfg.MaxGapSamples(chCfg),
			QueueDepth:       cfg.Estimator.QueueDepth,
			Detector:         detector,
			Model:            model,
			MinSNR:           cfg.Estimator.MinSNR,
			Recorders:        opts.Recorders,
			Segments:         opts.Segments,
			FS:               opts.FS,
			Metrics:          opts.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", chCfg.Name, err)
		}
		l, err := network.NewListener(network.ListenerConfig{
			Address:   chCfg.Address,
			Interface: cfg.Receiver.Interface,
			RcvBuf:    4 << 20,
			Factory:   opts.Factory,
			Handler:   ch,
			Log:       monitoring.Component("network").WithField("channel", chCfg.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", chCfg.Name, err)
		}
		o.units = append(o.units, channelUnit{cfg: chCfg, channel: ch, listener: l})
	}
	return o, nil
}

func detectorFor(cfg *config.Config, fsys fsutil.FileSystem) detect.Detector {
	if cfg.Estimator.Detector == "none" {
		return detect.Nop{}
	}
	interval := time.Second
	attempts := int(cfg.Estimator.SidecarWait / interval)
	if attempts < 1 {
		attempts = 1
	}
	return detect.SidecarDetector{FS: fsys, Attempts: attempts, Interval: interval}
}

// Channels returns the channel pipelines in configuration order.
func (o *Orchestrator) Channels() []*Channel {
	out := make([]*Channel, len(o.units))
	for i, u := range o.units {
		out[i] = u.channel
	}
	return out
}

// Run receives on every channel until ctx is cancelled, then shuts down:
// listeners stop, each channel flushes its resequencer and writer, queued
// segments are estimated, and the consensus runner stops. A channel whose
// socket fails is logged and does not affect the others.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, u := range o.units {
		u.channel.Start()
	}
	if o.opts.Runner != nil {
		o.opts.Runner.Start(ctx)
	}
	o.log.WithField("channels", len(o.units)).Info("pipelines started")

	var wg sync.WaitGroup
	for _, u := range o.units {
		wg.Add(1)
		go func(u channelUnit) {
			defer wg.Done()
			err := u.listener.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				o.log.WithError(err).WithField("channel", u.cfg.Name).Error("channel receiver failed")
			}
		}(u)
	}
	wg.Wait()

	o.shutdown()
	return nil
}

// Replay feeds a capture file through the channels instead of live
// sockets, then runs one consensus cycle over the result.
func (o *Orchestrator) Replay(ctx context.Context, path string) (network.ReplayStats, error) {
	routes := make([]network.Route, 0, len(o.units))
	for _, u := range o.units {
		addr, err := net.ResolveUDPAddr("udp", u.cfg.Address)
		if err != nil {
			return network.ReplayStats{}, fmt.Errorf("channel %s: %w", u.cfg.Name, err)
		}
		u.channel.Start()
		routes = append(routes, network.Route{Address: addr, Handler: u.channel})
	}

	stats, err := network.ReplayPCAP(ctx, path, routes)
	o.shutdown()
	if err != nil {
		return stats, err
	}
	if o.opts.Runner != nil {
		o.opts.Runner.RunOnce(ctx)
	}
	return stats, nil
}

func (o *Orchestrator) shutdown() {
	var wg sync.WaitGroup
	for _, u := range o.units {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			ch.Close(o.opts.DrainTimeout)
		}(u.channel)
	}
	wg.Wait()
	if o.opts.Runner != nil {
		o.opts.Runner.Stop()
	}
	o.log.Info("pipelines stopped")
}
