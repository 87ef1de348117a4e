// Package detect defines what an external station detector reports for a
// window of samples and how the pipeline asks for it.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Station identifies a time-signal transmitter.
type Station string

const (
	WWV  Station = "WWV"
	WWVH Station = "WWVH"
	CHU  Station = "CHU"
)

// Stations lists every known station.
var Stations = []Station{WWV, WWVH, CHU}

// ParseStation accepts a station name in any case.
func ParseStation(s string) (Station, error) {
	switch Station(strings.ToUpper(strings.TrimSpace(s))) {
	case WWV:
		return WWV, nil
	case WWVH:
		return WWVH, nil
	case CHU:
		return CHU, nil
	}
	return "", fmt.Errorf("unknown station %q", s)
}

// UnmarshalJSON validates the station name.
func (s *Station) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	st, err := ParseStation(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// StationDetection is one station recognised in one window.
type StationDetection struct {
	Station     Station `json:"station"`
	FrequencyHz float64 `json:"frequency_hz"`
	SNR         float64 `json:"snr_db"`
	// Mode is the propagation mode label, e.g. "1F2", "2E" or "GW".
	Mode       string  `json:"mode,omitempty"`
	Hops       int     `json:"hops,omitempty"`
	Confidence float64 `json:"confidence"`
	// TimingErrorMs is the arrival time of the station's second marker
	// relative to the local clock's second, in milliseconds.
	TimingErrorMs float64 `json:"timing_error_ms"`

	// PropagationDelayMs, when set, overrides the geometry model. The
	// spread is the detector's uncertainty in that delay.
	PropagationDelayMs *float64 `json:"propagation_delay_ms,omitempty"`
	DelaySpreadMs      float64  `json:"delay_spread_ms,omitempty"`
}

// Window is one span of a channel's archive handed to a Detector.
type Window struct {
	Channel     string
	FrequencyHz float64
	Start       time.Time
	Duration    time.Duration
	SegmentPath string
}

// Detector finds station detections in a window. An empty result with a
// nil error means nothing was heard.
type Detector interface {
	Detect(ctx context.Context, w Window) ([]StationDetection, error)
}

// Nop never detects anything.
type Nop struct{}

// Detect implements Detector.
func (Nop) Detect(context.Context, Window) ([]StationDetection, error) {
	return nil, nil
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, w Window) ([]StationDetection, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context, w Window) ([]StationDetection, error) {
	return f(ctx, w)
}
