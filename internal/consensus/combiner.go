// Package consensus fuses the latest per-channel clock offset measurements
// into a single estimate with an uncertainty and a convergence state.
package consensus

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/hf-timestd/internal/clockoffset"
	"github.com/banshee-data/hf-timestd/internal/detect"
	"github.com/banshee-data/hf-timestd/internal/timeutil"
)

// madScale converts a MAD into a standard deviation for normal data.
const madScale = 1.4826

// MeasurementSource is the combiner's only view of the measurements.
type MeasurementSource interface {
	Channels() []string
	LatestMeasurement(channel string) (clockoffset.ChannelMeasurement, bool)
}

// State classifies how well the stations agree.
type State string

const (
	StateNoData       State = "NO_DATA"
	StateSingleSource State = "SINGLE_SOURCE"
	StateLocked       State = "LOCKED"
	StateConverging   State = "CONVERGING"
	StateDivergent    State = "DIVERGENT"
)

// States lists every state.
var States = []State{StateNoData, StateSingleSource, StateLocked, StateConverging, StateDivergent}

// Config holds the combiner's tunables. The zero value of any field is
// replaced by its default.
type Config struct {
	MADMultiplier float64
	// MADFloorMs keeps near-identical measurements from making every
	// small deviation an outlier.
	MADFloorMs   float64
	MinSNR       float64
	GradeWeights map[clockoffset.Grade]float64
	// MaxAge drops measurements older than this. Zero keeps everything.
	MaxAge       time.Duration
	LockedMs     float64
	ConvergingMs float64
}

// DefaultGradeWeights is the grade weight table.
func DefaultGradeWeights() map[clockoffset.Grade]float64 {
	return map[clockoffset.Grade]float64{
		clockoffset.GradeA: 1.0,
		clockoffset.GradeB: 0.7,
		clockoffset.GradeC: 0.4,
		clockoffset.GradeD: 0.15,
		clockoffset.GradeX: 0,
	}
}

func (c Config) withDefaults() Config {
	if c.MADMultiplier == 0 {
		c.MADMultiplier = 3.0
	}
	if c.MADFloorMs == 0 {
		c.MADFloorMs = 0.1
	}
	if c.GradeWeights == nil {
		c.GradeWeights = DefaultGradeWeights()
	}
	if c.LockedMs == 0 {
		c.LockedMs = 1
	}
	if c.ConvergingMs == 0 {
		c.ConvergingMs = 3
	}
	return c
}

// StationEstimate aggregates one station's channels.
type StationEstimate struct {
	Station       detect.Station    `json:"station"`
	OffsetMs      float64           `json:"offset_ms"`
	UncertaintyMs float64           `json:"uncertainty_ms"`
	ChannelCount  int               `json:"channel_count"`
	BestGrade     clockoffset.Grade `json:"best_grade"`
	MeanSNR       float64           `json:"mean_snr_db"`
	Channels      []string          `json:"channels"`
}

// Result is one cycle's output.
type Result struct {
	ID                 string                             `json:"id"`
	Timestamp          time.Time                          `json:"timestamp"`
	OffsetMs           float64                            `json:"offset_ms"`
	UncertaintyMs      float64                            `json:"uncertainty_ms"`
	StationAgreementMs float64                            `json:"station_agreement_ms"`
	State              State                              `json:"state"`
	Stations           map[detect.Station]StationEstimate `json:"stations"`
	Outliers           []string                           `json:"outlier_channels"`
	IncludedChannels   int                                `json:"included_channels"`
	TotalChannels      int                                `json:"total_channels"`
	ComputationMs      float64                            `json:"computation_ms"`
}

// Combiner computes consensus results. It keeps no state between cycles.
type Combiner struct {
	cfg    Config
	source MeasurementSource
	clock  timeutil.Clock
}

// NewCombiner returns a combiner reading from source.
func NewCombiner(cfg Config, source MeasurementSource, clock timeutil.Clock) (*Combiner, error) {
	if source == nil {
		return nil, errors.New("consensus: measurement source is required")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cfg = cfg.withDefaults()
	if cfg.MADMultiplier < 0 || cfg.MADFloorMs < 0 || cfg.MinSNR >= 30 {
		return nil, errors.New("consensus: invalid outlier or SNR settings")
	}
	return &Combiner{cfg: cfg, source: source, clock: clock}, nil
}

// Cycle runs one consensus computation over the latest measurements.
func (c *Combiner) Cycle() Result {
	started := time.Now()
	now := c.clock.Now().UTC()

	var ms []clockoffset.ChannelMeasurement
	for _, ch := range c.source.Channels() {
		m, ok := c.source.LatestMeasurement(ch)
		if !ok {
			continue
		}
		if c.cfg.MaxAge > 0 && now.Sub(m.Timestamp) > c.cfg.MaxAge {
			continue
		}
		ms = append(ms, m)
	}

	res := c.Combine(ms)
	res.ID = uuid.NewString()
	res.Timestamp = now
	res.ComputationMs = float64(time.Since(started).Microseconds()) / 1000
	return res
}

// Combine fuses the given measurements, one per channel.
func (c *Combiner) Combine(ms []clockoffset.ChannelMeasurement) Result {
	res := Result{
		State:         StateNoData,
		Stations:      map[detect.Station]StationEstimate{},
		Outliers:      []string{},
		TotalChannels: len(ms),
	}

	kept, outliers := c.rejectOutliers(ms)
	res.Outliers = append(res.Outliers, outliers...)

	byStation := map[detect.Station][]clockoffset.ChannelMeasurement{}
	for _, m := range kept {
		byStation[m.Station] = append(byStation[m.Station], m)
	}
	for st, group := range byStation {
		if est, ok := c.stationEstimate(st, group); ok {
			res.Stations[st] = est
			res.IncludedChannels += est.ChannelCount
		}
	}

	switch len(res.Stations) {
	case 0:
		return res
	case 1:
		res.State = StateSingleSource
	}

	means := make([]float64, 0, len(res.Stations))
	weights := make([]float64, 0, len(res.Stations))
	own := make([]float64, 0, len(res.Stations))
	for _, st := range sortedStations(res.Stations) {
		est := res.Stations[st]
		means = append(means, est.OffsetMs)
		weights = append(weights, float64(est.ChannelCount)/math.Max(0.1, est.UncertaintyMs))
		own = append(own, est.UncertaintyMs*est.UncertaintyMs)
	}
	mean, variance := stat.PopMeanVariance(means, weights)
	// the spread of the station means never claims more precision than
	// the stations report for themselves
	variance = math.Max(variance, stat.Mean(own, weights))
	res.OffsetMs = mean
	res.StationAgreementMs = floats.Max(means) - floats.Min(means)
	res.UncertaintyMs = math.Sqrt(variance + res.StationAgreementMs*res.StationAgreementMs/4)

	if res.State != StateSingleSource {
		switch {
		case res.StationAgreementMs < c.cfg.LockedMs:
			res.State = StateLocked
		case res.StationAgreementMs < c.cfg.ConvergingMs:
			res.State = StateConverging
		default:
			res.State = StateDivergent
		}
	}
	return res
}

// rejectOutliers drops measurements further than MADMultiplier scaled
// MADs from the median. Fewer than three measurements are kept as is.
func (c *Combiner) rejectOutliers(ms []clockoffset.ChannelMeasurement) ([]clockoffset.ChannelMeasurement, []string) {
	if len(ms) < 3 {
		return ms, nil
	}
	offsets := make([]float64, len(ms))
	for i, m := range ms {
		offsets[i] = m.OffsetMs
	}
	med := median(offsets)
	dev := make([]float64, len(ms))
	for i, v := range offsets {
		dev[i] = math.Abs(v - med)
	}
	mad := math.Max(median(dev), c.cfg.MADFloorMs)
	limit := c.cfg.MADMultiplier * mad * madScale

	var kept []clockoffset.ChannelMeasurement
	var out []string
	for i, m := range ms {
		if dev[i] > limit {
			out = append(out, m.Channel)
			continue
		}
		kept = append(kept, m)
	}
	sort.Strings(out)
	return kept, out
}

func (c *Combiner) stationEstimate(st detect.Station, group []clockoffset.ChannelMeasurement) (StationEstimate, bool) {
	est := StationEstimate{Station: st, BestGrade: clockoffset.GradeX}
	var offsets, weights, uncerts []float64
	var snrSum float64
	for _, m := range group {
		w := c.cfg.GradeWeights[m.Grade] * c.snrWeight(m.SNR) * m.Confidence
		if w <= 0 {
			continue
		}
		offsets = append(offsets, m.OffsetMs)
		weights = append(weights, w)
		uncerts = append(uncerts, m.UncertaintyMs)
		snrSum += m.SNR
		est.Channels = append(est.Channels, m.Channel)
		if m.Grade > est.BestGrade {
			est.BestGrade = m.Grade
		}
	}
	if len(offsets) == 0 {
		return StationEstimate{}, false
	}
	mean, variance := stat.PopMeanVariance(offsets, weights)
	est.OffsetMs = mean
	est.UncertaintyMs = math.Max(math.Sqrt(variance), stat.Mean(uncerts, weights))
	est.ChannelCount = len(offsets)
	est.MeanSNR = snrSum / float64(len(offsets))
	sort.Strings(est.Channels)
	return est, true
}

// snrWeight ramps linearly from 0 at the SNR floor to 1 at 30 dB.
func (c *Combiner) snrWeight(snr float64) float64 {
	w := (snr - c.cfg.MinSNR) / (30 - c.cfg.MinSNR)
	return math.Max(0, math.Min(1, w))
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func sortedStations(m map[detect.Station]StationEstimate) []detect.Station {
	out := make([]detect.Station, 0, len(m))
	for st := range m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
