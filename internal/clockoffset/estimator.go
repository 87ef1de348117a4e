// Package clockoffset turns station detections into per-channel
// measurements of the local clock's offset from UTC and keeps them as
// ordered series.
package clockoffset

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/detect"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/propagation"
)

// ChannelMeasurement is one window's offset estimate for one channel.
// OffsetMs is local clock minus UTC.
type ChannelMeasurement struct {
	ID                 string         `json:"id"`
	Channel            string         `json:"channel"`
	Station            detect.Station `json:"station"`
	FrequencyHz        float64        `json:"frequency_hz"`
	Timestamp          time.Time      `json:"timestamp"`
	OffsetMs           float64        `json:"offset_ms"`
	UncertaintyMs      float64        `json:"uncertainty_ms"`
	Grade              Grade          `json:"grade"`
	SNR                float64        `json:"snr_db"`
	Confidence         float64        `json:"confidence"`
	TimingErrorMs      float64        `json:"timing_error_ms"`
	PropagationDelayMs float64        `json:"propagation_delay_ms"`
	DelaySpreadMs      float64        `json:"delay_spread_ms"`
	Hops               int            `json:"hops"`
	Mode               string         `json:"mode,omitempty"`
}

// Recorder receives every measurement produced.
type Recorder interface {
	Record(m ChannelMeasurement) error
}

// EstimatorConfig configures an Estimator.
type EstimatorConfig struct {
	Channel     string
	FrequencyHz float64
	Model       *propagation.Model
	// MinSNR discards detections below this SNR before grading.
	MinSNR  float64
	Metrics *monitoring.Metrics
	Log     *logrus.Entry
}

// Estimator picks the best detection of a window and converts it into a
// measurement. It keeps no state between windows.
type Estimator struct {
	cfg EstimatorConfig
	log *logrus.Entry
}

// NewEstimator validates cfg and returns an Estimator.
func NewEstimator(cfg EstimatorConfig) (*Estimator, error) {
	if cfg.Channel == "" {
		return nil, errors.New("clockoffset: channel name is required")
	}
	if cfg.Model == nil {
		cfg.Model = propagation.NewModel(nil)
	}
	log := cfg.Log
	if log == nil {
		log = monitoring.Component("estimator").WithField("channel", cfg.Channel)
	}
	return &Estimator{cfg: cfg, log: log}, nil
}

// ProcessWindow derives the measurement for the window starting at start.
// ok is false when no detection was usable; that window is a gap in the
// series, not a zero offset.
func (e *Estimator) ProcessWindow(start time.Time, detections []detect.StationDetection) (ChannelMeasurement, bool) {
	var best ChannelMeasurement
	found := false
	for _, d := range detections {
		if d.SNR < e.cfg.MinSNR {
			e.log.WithFields(logrus.Fields{"station": d.Station, "snr": d.SNR}).Debug("detection below SNR floor")
			continue
		}
		m, err := e.measure(start, d)
		if err != nil {
			e.log.WithError(err).WithField("station", d.Station).Warn("detection rejected")
			continue
		}
		if !found || better(m, best) {
			best, found = m, true
		}
	}
	if !found {
		e.log.WithField("window", start).Debug("no usable detection")
		return ChannelMeasurement{}, false
	}

	best.ID = uuid.NewString()
	e.cfg.Metrics.Measurement(e.cfg.Channel, best.OffsetMs)
	e.log.WithFields(logrus.Fields{
		"station": best.Station,
		"offset":  best.OffsetMs,
		"grade":   best.Grade,
		"snr":     best.SNR,
	}).Info("clock offset measured")
	return best, true
}

func (e *Estimator) measure(start time.Time, d detect.StationDetection) (ChannelMeasurement, error) {
	freq := d.FrequencyHz
	if freq == 0 {
		freq = e.cfg.FrequencyHz
		d.FrequencyHz = freq
	}
	est, err := e.cfg.Model.Delay(d)
	if err != nil {
		return ChannelMeasurement{}, err
	}
	grade := AssignGrade(d.SNR, d.Confidence, est.SpreadMs)
	base := grade.BaseUncertaintyMs()
	return ChannelMeasurement{
		Channel:            e.cfg.Channel,
		Station:            d.Station,
		FrequencyHz:        freq,
		Timestamp:          start,
		OffsetMs:           d.TimingErrorMs - est.DelayMs,
		UncertaintyMs:      math.Sqrt(base*base + est.SpreadMs*est.SpreadMs/4),
		Grade:              grade,
		SNR:                d.SNR,
		Confidence:         d.Confidence,
		TimingErrorMs:      d.TimingErrorMs,
		PropagationDelayMs: est.DelayMs,
		DelaySpreadMs:      est.SpreadMs,
		Hops:               est.Hops,
		Mode:               est.Mode,
	}, nil
}

// better orders by grade, then SNR.
func better(a, b ChannelMeasurement) bool {
	if a.Grade != b.Grade {
		return a.Grade > b.Grade
	}
	return a.SNR > b.SNR
}
