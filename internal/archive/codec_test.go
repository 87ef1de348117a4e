package archive

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/hf-timestd/internal/fsutil"
	"github.com/banshee-data/hf-timestd/internal/resequencer"
)

func testSegment(n int) *Segment {
	rng := rand.New(rand.NewSource(7))
	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = complex(rng.Float32()*2-1, rng.Float32()*2-1)
	}
	seg := &Segment{
		Metadata: Metadata{
			ID:              "3f0b8c1e-2f4e-4d3a-9d55-1b8f0c2a7e10",
			Channel:         "WWV_10",
			FrequencyHz:     10e6,
			SampleRate:      16000,
			DurationSeconds: float64(n) / 16000,
			StartTimestamp:  4294967000,
			StartTime:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Station:         "WWV",
			ReceiverGrid:    "EM38ww",
			SampleCount:     n,
			Gaps: []resequencer.GapInterval{{
				ExpectedTimestamp: 4294967100,
				ActualTimestamp:   124,
				Samples:           320,
				Filled:            320,
				Packets:           1,
				LastSequence:      65535,
				NextSequence:      1,
				Source:            resequencer.SourcePacketLoss,
				Offset:            100,
			}},
		},
		Samples: samples,
	}
	seg.summarise(320)
	return seg
}

func TestSegmentRoundTrip(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	seg := testSegment(4000)
	path := SegmentPath("/archive", seg.Channel, seg.StartTime)

	if err := WriteSegment(fsys, path, seg); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	if fsys.HasTemporary() {
		t.Error("temporary file left behind")
	}

	got, err := ReadSegment(fsys, path)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if diff := cmp.Diff(seg.Metadata, got.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(seg.Samples, got.Samples); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestSegmentPath(t *testing.T) {
	start := time.Date(2026, 3, 1, 23, 59, 0, 0, time.FixedZone("X", 3600))
	got := SegmentPath("/data", "CHU_7850", start)
	want := "/data/CHU_7850/20260301/20260301T225900Z_CHU_7850.iqz"
	if got != want {
		t.Errorf("SegmentPath = %q, want %q", got, want)
	}

	got = SegmentPath("/data", "../etc", start)
	want = "/data/etc/20260301/20260301T225900Z_etc.iqz"
	if got != want {
		t.Errorf("SegmentPath = %q, want %q", got, want)
	}
}

func TestSummarise(t *testing.T) {
	seg := testSegment(1600)
	seg.Gaps = append(seg.Gaps, resequencer.GapInterval{
		Source: resequencer.SourceFlushPadding,
		Offset: 1000,
		Filled: 600,
	})
	seg.summarise(320)

	if seg.GapCount != 2 {
		t.Errorf("GapCount = %d, want 2", seg.GapCount)
	}
	if seg.GapSamples != 920 {
		t.Errorf("GapSamples = %d, want 920", seg.GapSamples)
	}
	if seg.PacketsExpected != 3 || seg.PacketsReceived != 2 {
		t.Errorf("packets = %d/%d, want 2/3", seg.PacketsReceived, seg.PacketsExpected)
	}
	if seg.Completeness != 42.5 {
		t.Errorf("Completeness = %v, want 42.5", seg.Completeness)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	good, err := Encode(testSegment(100))
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"empty":     nil,
		"magic":     append([]byte("XXXX"), good[4:]...),
		"version":   append(append([]byte{}, good[:4]...), append([]byte{9}, good[5:]...)...),
		"truncated": good[:20],
		"body":      good[:len(good)-40],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(data); !errors.Is(err, ErrBadSegment) {
				t.Errorf("Decode error = %v, want ErrBadSegment", err)
			}
		})
	}
}

func TestEncodeRejectsWrongCount(t *testing.T) {
	seg := testSegment(100)
	seg.Samples = seg.Samples[:99]
	if _, err := Encode(seg); err == nil {
		t.Error("expected an error for a short sample array")
	}
}
