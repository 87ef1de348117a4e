package clockoffset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrOutOfOrder is returned when a measurement does not follow the last
// one in its series.
var ErrOutOfOrder = errors.New("clockoffset: measurement out of order")

// Series is one channel's append-only, time-ordered measurements. It is
// safe for concurrent use.
type Series struct {
	mu      sync.RWMutex
	channel string
	items   []ChannelMeasurement
}

// NewSeries returns an empty series.
func NewSeries(channel string) *Series {
	return &Series{channel: channel}
}

// Channel returns the channel name.
func (s *Series) Channel() string {
	return s.channel
}

// Append adds m, which must be strictly later than the last measurement.
func (s *Series) Append(m ChannelMeasurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.items); n > 0 && !m.Timestamp.After(s.items[n-1].Timestamp) {
		return fmt.Errorf("%w: %s at %s, last %s", ErrOutOfOrder, s.channel,
			m.Timestamp.Format(time.RFC3339), s.items[n-1].Timestamp.Format(time.RFC3339))
	}
	s.items = append(s.items, m)
	return nil
}

// Len returns the number of measurements.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Latest returns the most recent measurement.
func (s *Series) Latest() (ChannelMeasurement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.items) == 0 {
		return ChannelMeasurement{}, false
	}
	return s.items[len(s.items)-1], true
}

// Since returns a copy of the measurements at or after t.
func (s *Series) Since(t time.Time) []ChannelMeasurement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.items), func(i int) bool { return !s.items[i].Timestamp.Before(t) })
	return append([]ChannelMeasurement(nil), s.items[i:]...)
}

// Point is the series value at an arbitrary time.
type Point struct {
	Timestamp     time.Time `json:"timestamp"`
	OffsetMs      float64   `json:"offset_ms"`
	UncertaintyMs float64   `json:"uncertainty_ms"`
	Interpolated  bool      `json:"interpolated"`
}

// At returns the offset at t. Between two measurements it interpolates
// linearly; the uncertainty combines the position-weighted uncertainties
// of the bounds with half their disagreement. Outside the series ok is
// false.
func (s *Series) At(t time.Time) (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.items)
	if n == 0 || t.Before(s.items[0].Timestamp) || t.After(s.items[n-1].Timestamp) {
		return Point{}, false
	}
	i := sort.Search(n, func(i int) bool { return !s.items[i].Timestamp.Before(t) })
	hi := s.items[i]
	if hi.Timestamp.Equal(t) {
		return Point{Timestamp: t, OffsetMs: hi.OffsetMs, UncertaintyMs: hi.UncertaintyMs}, true
	}
	lo := s.items[i-1]

	f := float64(t.Sub(lo.Timestamp)) / float64(hi.Timestamp.Sub(lo.Timestamp))
	u0 := (1 - f) * lo.UncertaintyMs
	u1 := f * hi.UncertaintyMs
	half := math.Abs(hi.OffsetMs-lo.OffsetMs) / 2
	return Point{
		Timestamp:     t,
		OffsetMs:      lo.OffsetMs + f*(hi.OffsetMs-lo.OffsetMs),
		UncertaintyMs: math.Sqrt(u0*u0 + u1*u1 + half*half),
		Interpolated:  true,
	}, true
}

// Registry holds the series of every channel and serves the latest
// measurement per channel to the consensus combiner.
type Registry struct {
	mu     sync.RWMutex
	series map[string]*Series
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*Series)}
}

// Series returns the channel's series, creating it on first use.
func (r *Registry) Series(channel string) *Series {
	r.mu.RLock()
	s, ok := r.series[channel]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.series[channel]; !ok {
		s = NewSeries(channel)
		r.series[channel] = s
	}
	return s
}

// Record implements Recorder.
func (r *Registry) Record(m ChannelMeasurement) error {
	return r.Series(m.Channel).Append(m)
}

// Channels returns the channel names in sorted order.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.series))
	for name := range r.series {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// At looks up a channel's offset at t without creating its series.
func (r *Registry) At(channel string, t time.Time) (Point, bool) {
	r.mu.RLock()
	s, ok := r.series[channel]
	r.mu.RUnlock()
	if !ok {
		return Point{}, false
	}
	return s.At(t)
}

// LatestMeasurement returns the newest measurement of a channel.
func (r *Registry) LatestMeasurement(channel string) (ChannelMeasurement, bool) {
	r.mu.RLock()
	s, ok := r.series[channel]
	r.mu.RUnlock()
	if !ok {
		return ChannelMeasurement{}, false
	}
	return s.Latest()
}
