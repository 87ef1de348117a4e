// Package propagation estimates the one-way delay of a time signal from its
// transmitter to the receiver from great-circle geometry and an assumed
// ionospheric hop structure. It does no ionospheric physics beyond that.
package propagation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/hf-timestd/internal/detect"
)

// ErrUnresolvable is returned when a detection cannot be given a delay.
var ErrUnresolvable = errors.New("propagation: unresolvable path")

const (
	earthRadiusKm = 6371.0
	lightKmPerMs  = 299.792458

	// frequency match tolerance for catalogue lookups
	frequencyToleranceHz = 1000
)

// Location is a point on the earth's surface in degrees.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Valid reports whether the coordinates are in range.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// Layer is a reflecting region with its height range and the longest
// ground distance one hop off it can span.
type Layer struct {
	Name        string
	MinHeightKm float64
	MaxHeightKm float64
	MaxHopKm    float64
}

var (
	LayerF2 = Layer{Name: "F2", MinHeightKm: 250, MaxHeightKm: 400, MaxHopKm: 4000}
	LayerE  = Layer{Name: "E", MinHeightKm: 100, MaxHeightKm: 120, MaxHopKm: 2000}
)

// Estimate is the modelled path for one detection.
type Estimate struct {
	DelayMs float64
	// SpreadMs is the delay difference between the layer's lowest and
	// highest reflection heights, i.e. how uncertain the mode is.
	SpreadMs   float64
	DistanceKm float64
	Hops       int
	Mode       string
	// Supplied is set when the detection carried its own delay.
	Supplied bool
}

// Model computes delays to a fixed receiver.
type Model struct {
	receiver *Location
}

// NewModel returns a model for the given receiver. A nil receiver is
// allowed; only detections that carry their own delay can then be
// resolved.
func NewModel(receiver *Location) *Model {
	m := &Model{}
	if receiver != nil {
		rx := *receiver
		m.receiver = &rx
	}
	return m
}

// Delay resolves the propagation delay for d.
func (m *Model) Delay(d detect.StationDetection) (Estimate, error) {
	info, ok := Lookup(d.Station)
	if !ok {
		return Estimate{}, fmt.Errorf("%w: unknown station %q", ErrUnresolvable, d.Station)
	}
	if !info.Broadcasts(d.FrequencyHz) {
		return Estimate{}, fmt.Errorf("%w: %s does not broadcast on %.0f Hz", ErrUnresolvable, d.Station, d.FrequencyHz)
	}

	if d.PropagationDelayMs != nil {
		return Estimate{
			DelayMs:  *d.PropagationDelayMs,
			SpreadMs: d.DelaySpreadMs,
			Hops:     d.Hops,
			Mode:     d.Mode,
			Supplied: true,
		}, nil
	}

	if m.receiver == nil || !m.receiver.Valid() {
		return Estimate{}, fmt.Errorf("%w: receiver coordinates not configured", ErrUnresolvable)
	}
	dist := GreatCircleKm(*m.receiver, info.Location)

	layer, hops, ground, err := parseMode(d.Mode, d.Hops, dist)
	if err != nil {
		return Estimate{}, err
	}
	if ground {
		return Estimate{DelayMs: dist / lightKmPerMs, DistanceKm: dist, Mode: "GW"}, nil
	}

	mid := (layer.MinHeightKm + layer.MaxHeightKm) / 2
	return Estimate{
		DelayMs:    SkyPathKm(dist, hops, mid) / lightKmPerMs,
		SpreadMs:   (SkyPathKm(dist, hops, layer.MaxHeightKm) - SkyPathKm(dist, hops, layer.MinHeightKm)) / lightKmPerMs,
		DistanceKm: dist,
		Hops:       hops,
		Mode:       strconv.Itoa(hops) + layer.Name,
	}, nil
}

// GreatCircleKm is the haversine distance between two locations.
func GreatCircleKm(a, b Location) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// SkyPathKm is the length of a symmetric hops-hop path over a spherical
// earth reflecting at heightKm.
func SkyPathKm(groundKm float64, hops int, heightKm float64) float64 {
	if hops < 1 {
		hops = 1
	}
	half := groundKm / float64(hops) / 2 / earthRadiusKm
	r := earthRadiusKm + heightKm
	leg := math.Sqrt(earthRadiusKm*earthRadiusKm + r*r - 2*earthRadiusKm*r*math.Cos(half))
	return 2 * float64(hops) * leg
}

// parseMode interprets labels like "1F2", "2E", "F2" and "GW". Without a
// hop count the fewest hops the layer allows for dist are used.
func parseMode(label string, hops int, dist float64) (Layer, int, bool, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "GW" {
		return Layer{}, 0, true, nil
	}

	digits := 0
	for digits < len(label) && label[digits] >= '0' && label[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		n, err := strconv.Atoi(label[:digits])
		if err != nil || n < 1 {
			return Layer{}, 0, false, fmt.Errorf("%w: bad mode %q", ErrUnresolvable, label)
		}
		hops = n
	}

	var layer Layer
	switch label[digits:] {
	case "", "F", "F2":
		layer = LayerF2
	case "E":
		layer = LayerE
	default:
		return Layer{}, 0, false, fmt.Errorf("%w: bad mode %q", ErrUnresolvable, label)
	}
	if hops < 1 {
		hops = int(math.Ceil(dist / layer.MaxHopKm))
		if hops < 1 {
			hops = 1
		}
	}
	return layer, hops, false, nil
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
