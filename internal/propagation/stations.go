package propagation

import (
	"math"

	"github.com/banshee-data/hf-timestd/internal/detect"
)

// StationInfo is a transmitter's site and broadcast frequencies.
type StationInfo struct {
	Station       detect.Station
	Site          string
	Location      Location
	FrequenciesHz []float64
}

var catalogue = map[detect.Station]StationInfo{
	detect.WWV: {
		Station:       detect.WWV,
		Site:          "Fort Collins, Colorado",
		Location:      Location{Lat: 40.6781, Lon: -105.0472},
		FrequenciesHz: []float64{2.5e6, 5e6, 10e6, 15e6, 20e6, 25e6},
	},
	detect.WWVH: {
		Station:       detect.WWVH,
		Site:          "Kekaha, Hawaii",
		Location:      Location{Lat: 21.9886, Lon: -159.7636},
		FrequenciesHz: []float64{2.5e6, 5e6, 10e6, 15e6},
	},
	detect.CHU: {
		Station:       detect.CHU,
		Site:          "Ottawa, Ontario",
		Location:      Location{Lat: 45.2950, Lon: -75.7539},
		FrequenciesHz: []float64{3.33e6, 7.85e6, 14.67e6},
	},
}

// Lookup returns the catalogue entry for a station.
func Lookup(st detect.Station) (StationInfo, bool) {
	info, ok := catalogue[st]
	return info, ok
}

// Broadcasts reports whether the station transmits on freqHz.
func (s StationInfo) Broadcasts(freqHz float64) bool {
	for _, f := range s.FrequenciesHz {
		if math.Abs(f-freqHz) <= frequencyToleranceHz {
			return true
		}
	}
	return false
}

// StationsOn returns the stations broadcasting on freqHz. 2.5, 5, 10 and
// 15 MHz are shared by WWV and WWVH.
func StationsOn(freqHz float64) []detect.Station {
	var out []detect.Station
	for _, st := range detect.Stations {
		if catalogue[st].Broadcasts(freqHz) {
			out = append(out, st)
		}
	}
	return out
}
