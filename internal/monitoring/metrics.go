package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors for the whole process.
type Metrics struct {
	packetsReceived    *prometheus.CounterVec
	packetsResequenced *prometheus.CounterVec
	packetsDropped     *prometheus.CounterVec
	gaps               *prometheus.CounterVec
	samplesFilled      *prometheus.CounterVec
	segmentsWritten    *prometheus.CounterVec
	segmentsDropped    *prometheus.CounterVec
	measurements       *prometheus.CounterVec
	channelOffset      *prometheus.GaugeVec

	consensusOffset      prometheus.Gauge
	consensusUncertainty prometheus.Gauge
	consensusAgreement   prometheus.Gauge
	consensusState       *prometheus.GaugeVec
	consensusIncluded    prometheus.Gauge
	consensusLatency     prometheus.Histogram
}

// NewMetrics creates and registers the collectors on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timestd_packets_received_total",
			Help: "RTP packets received per channel.",
		}, []string{"channel"}),
		packetsResequenced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timestd_packets_resequenced_total",
			Help: "Packets held in the reorder buffer and released later.",
		}, []string{"channel"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timestd_packets_dropped_total",
			Help: "Packets dropped by the resequencer, by reason.",
		}, []string{"channel", "reason"}),
		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timestd_gaps_total",
			Help: "Stream discontinuities detected, by kind.",
		}, []string{"channel", "kind"}),
		samplesFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timestd_samples_zero_filled_total",
			Help: "Samples synthesised as zeros to cover lost packets.",
		}, []string{"channel"}),
		segmentsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timestd_segments_written_total",
			Help: "Archive segments published.",
		}, []string{"channel"}),
		segmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timestd_segments_dropped_total",
			Help: "Archive segments lost after a failed retry.",
		}, []string{"channel"}),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timestd_measurements_total",
			Help: "Clock offset measurements emitted per channel.",
		}, []string{"channel"}),
		channelOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timestd_channel_offset_ms",
			Help: "Latest local-minus-UTC offset measured on a channel.",
		}, []string{"channel"}),
		consensusOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timestd_consensus_offset_ms",
			Help: "Global consensus local-minus-UTC offset.",
		}),
		consensusUncertainty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timestd_consensus_uncertainty_ms",
			Help: "Global consensus uncertainty.",
		}),
		consensusAgreement: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timestd_consensus_station_agreement_ms",
			Help: "Spread between the highest and lowest station means.",
		}),
		consensusState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timestd_consensus_state",
			Help: "1 for the current convergence state, 0 otherwise.",
		}, []string{"state"}),
		consensusIncluded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timestd_consensus_included_channels",
			Help: "Channels contributing to the last consensus cycle.",
		}),
		consensusLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timestd_consensus_cycle_seconds",
			Help:    "Time spent computing and publishing one consensus cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	reg.MustRegister(
		m.packetsReceived, m.packetsResequenced, m.packetsDropped, m.gaps,
		m.samplesFilled, m.segmentsWritten, m.segmentsDropped, m.measurements,
		m.channelOffset, m.consensusOffset, m.consensusUncertainty,
		m.consensusAgreement, m.consensusState, m.consensusIncluded,
		m.consensusLatency,
	)
	return m
}

// PacketReceived counts one packet on channel.
func (m *Metrics) PacketReceived(channel string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(channel).Inc()
}

// PacketsResequenced counts packets released from the reorder buffer.
func (m *Metrics) PacketsResequenced(channel string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.packetsResequenced.WithLabelValues(channel).Add(float64(n))
}

// PacketDropped counts a dropped packet with its reason.
func (m *Metrics) PacketDropped(channel, reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(channel, reason).Inc()
}

// Gap counts a discontinuity and the samples synthesised for it.
func (m *Metrics) Gap(channel string, recoverable bool, filled int) {
	if m == nil {
		return
	}
	kind := "recoverable"
	if !recoverable {
		kind = "unrecoverable"
	}
	m.gaps.WithLabelValues(channel, kind).Inc()
	if filled > 0 {
		m.samplesFilled.WithLabelValues(channel).Add(float64(filled))
	}
}

// SegmentWritten counts a published segment.
func (m *Metrics) SegmentWritten(channel string) {
	if m == nil {
		return
	}
	m.segmentsWritten.WithLabelValues(channel).Inc()
}

// SegmentDropped counts a segment lost to a write fault.
func (m *Metrics) SegmentDropped(channel string) {
	if m == nil {
		return
	}
	m.segmentsDropped.WithLabelValues(channel).Inc()
}

// Measurement records an emitted offset measurement.
func (m *Metrics) Measurement(channel string, offsetMs float64) {
	if m == nil {
		return
	}
	m.measurements.WithLabelValues(channel).Inc()
	m.channelOffset.WithLabelValues(channel).Set(offsetMs)
}

// Consensus records the outcome of one combiner cycle.
func (m *Metrics) Consensus(offsetMs, uncertaintyMs, agreementMs float64, state string, states []string, included int, seconds float64) {
	if m == nil {
		return
	}
	m.consensusOffset.Set(offsetMs)
	m.consensusUncertainty.Set(uncertaintyMs)
	m.consensusAgreement.Set(agreementMs)
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.consensusState.WithLabelValues(s).Set(v)
	}
	m.consensusIncluded.Set(float64(included))
	m.consensusLatency.Observe(seconds)
}
