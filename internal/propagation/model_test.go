package propagation

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/hf-timestd/internal/detect"
)

var boston = Location{Lat: 42.3601, Lon: -71.0589}

func TestGreatCircleKm(t *testing.T) {
	got := GreatCircleKm(Location{0, 0}, Location{0, 90})
	want := earthRadiusKm * math.Pi / 2
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("quarter circumference = %f, want %f", got, want)
	}
	if d := GreatCircleKm(boston, boston); d != 0 {
		t.Errorf("distance to self = %f", d)
	}
	// Boston to Fort Collins is a little under 2800 km
	if d := GreatCircleKm(boston, catalogue[detect.WWV].Location); d < 2700 || d > 2900 {
		t.Errorf("Boston-WWV = %f km", d)
	}
}

func TestSkyPathVerticalIncidence(t *testing.T) {
	if got := SkyPathKm(0, 1, 300); math.Abs(got-600) > 1e-6 {
		t.Errorf("vertical path = %f, want 600", got)
	}
	// more hops over the same ground are always longer
	if SkyPathKm(3000, 2, 300) <= SkyPathKm(3000, 1, 300) {
		t.Error("two hops should be longer than one")
	}
}

func TestDelayModes(t *testing.T) {
	m := NewModel(&boston)
	dist := GreatCircleKm(boston, catalogue[detect.WWV].Location)

	gw, err := m.Delay(detect.StationDetection{Station: detect.WWV, FrequencyHz: 10e6, Mode: "GW"})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(gw.DelayMs-dist/lightKmPerMs) > 1e-9 {
		t.Errorf("ground wave delay = %f", gw.DelayMs)
	}
	if gw.SpreadMs != 0 {
		t.Errorf("ground wave spread = %f", gw.SpreadMs)
	}

	f2, err := m.Delay(detect.StationDetection{Station: detect.WWV, FrequencyHz: 10e6})
	if err != nil {
		t.Fatal(err)
	}
	if f2.Hops != 1 || f2.Mode != "1F2" {
		t.Errorf("default mode = %s (%d hops), want 1F2", f2.Mode, f2.Hops)
	}
	if f2.DelayMs <= gw.DelayMs {
		t.Errorf("sky wave delay %f not longer than ground %f", f2.DelayMs, gw.DelayMs)
	}
	if f2.SpreadMs <= 0 {
		t.Errorf("F2 spread = %f", f2.SpreadMs)
	}

	e, err := m.Delay(detect.StationDetection{Station: detect.WWV, FrequencyHz: 10e6, Mode: "E"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Hops != 2 || e.Mode != "2E" {
		t.Errorf("E mode = %s (%d hops), want 2E", e.Mode, e.Hops)
	}
	if e.SpreadMs >= f2.SpreadMs {
		t.Errorf("E spread %f should be tighter than F2 %f", e.SpreadMs, f2.SpreadMs)
	}

	three, err := m.Delay(detect.StationDetection{Station: detect.WWV, FrequencyHz: 10e6, Mode: "3f2"})
	if err != nil {
		t.Fatal(err)
	}
	if three.Hops != 3 || three.DelayMs <= f2.DelayMs {
		t.Errorf("3F2 = %+v", three)
	}
}

func TestDelayIsDeterministic(t *testing.T) {
	m := NewModel(&boston)
	d := detect.StationDetection{Station: detect.CHU, FrequencyHz: 7.85e6, Mode: "1F2"}
	a, errA := m.Delay(d)
	b, errB := m.Delay(d)
	if errA != nil || errB != nil {
		t.Fatal(errA, errB)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("repeated estimate differs:\n%s", diff)
	}
}

func TestSuppliedDelayIsUsed(t *testing.T) {
	delay := 9.75
	got, err := NewModel(nil).Delay(detect.StationDetection{
		Station:            detect.WWVH,
		FrequencyHz:        5e6,
		Mode:               "2F2",
		Hops:               2,
		PropagationDelayMs: &delay,
		DelaySpreadMs:      0.3,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := Estimate{DelayMs: 9.75, SpreadMs: 0.3, Hops: 2, Mode: "2F2", Supplied: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("estimate mismatch (-want +got):\n%s", diff)
	}
}

func TestDelayUnresolvable(t *testing.T) {
	cases := map[string]struct {
		model *Model
		det   detect.StationDetection
	}{
		"unknown station":   {NewModel(&boston), detect.StationDetection{Station: "MSF", FrequencyHz: 60e3}},
		"wrong frequency":   {NewModel(&boston), detect.StationDetection{Station: detect.WWVH, FrequencyHz: 20e6}},
		"no receiver":       {NewModel(nil), detect.StationDetection{Station: detect.WWV, FrequencyHz: 10e6}},
		"invalid receiver":  {NewModel(&Location{Lat: 95}), detect.StationDetection{Station: detect.WWV, FrequencyHz: 10e6}},
		"bad mode":          {NewModel(&boston), detect.StationDetection{Station: detect.WWV, FrequencyHz: 10e6, Mode: "1X"}},
		"zero hops in mode": {NewModel(&boston), detect.StationDetection{Station: detect.WWV, FrequencyHz: 10e6, Mode: "0F2"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := tc.model.Delay(tc.det); !errors.Is(err, ErrUnresolvable) {
				t.Errorf("error = %v, want ErrUnresolvable", err)
			}
		})
	}
}

func TestStationsOn(t *testing.T) {
	if diff := cmp.Diff([]detect.Station{detect.WWV, detect.WWVH}, StationsOn(10e6)); diff != "" {
		t.Errorf("10 MHz stations:\n%s", diff)
	}
	if diff := cmp.Diff([]detect.Station{detect.CHU}, StationsOn(7.85e6)); diff != "" {
		t.Errorf("7.85 MHz stations:\n%s", diff)
	}
	if got := StationsOn(20e6); len(got) != 1 || got[0] != detect.WWV {
		t.Errorf("20 MHz stations = %v", got)
	}
}
