// Package archive accumulates a channel's ordered sample stream into
// fixed-length, wall-clock-aligned segments and persists them.
package archive

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/hf-timestd/internal/resequencer"
	"github.com/banshee-data/hf-timestd/internal/security"
)

// FileExtension is the extension of segment files.
const FileExtension = ".iqz"

// Metadata describes one segment. It is stored as the segment file header.
type Metadata struct {
	ID              string        `json:"id"`
	Channel         string        `json:"channel"`
	FrequencyHz     float64       `json:"frequency_hz"`
	SampleRate      int           `json:"sample_rate"`
	DurationSeconds float64       `json:"duration_seconds"`
	StartTimestamp  uint32        `json:"start_rtp_timestamp"`
	StartTime       time.Time     `json:"start_time"`
	Station         string        `json:"station,omitempty"`
	ReceiverGrid    string        `json:"receiver_grid,omitempty"`
	SampleCount     int           `json:"sample_count"`
	GapCount        int           `json:"gap_count"`
	GapSamples      int64         `json:"gap_samples"`
	PacketsReceived int64         `json:"packets_received"`
	PacketsExpected int64         `json:"packets_expected"`
	Completeness    float64       `json:"completeness_pct"`

	// Gaps carry offsets relative to the first sample of the segment.
	Gaps []resequencer.GapInterval `json:"gaps"`
}

// Segment is one channel's samples for one time window. The sample count
// is always SampleRate × duration.
type Segment struct {
	Metadata
	Samples []complex64
}

// Duration returns the segment length.
func (m Metadata) Duration() time.Duration {
	return time.Duration(m.DurationSeconds * float64(time.Second))
}

// SegmentPath returns where a segment for channel starting at start is
// stored under dir: <dir>/<channel>/<yyyymmdd>/<start>_<channel>.iqz.
// The channel name is sanitised so it cannot leave dir.
func SegmentPath(dir, channel string, start time.Time) string {
	start = start.UTC()
	channel = security.SanitizeFilename(channel)
	name := fmt.Sprintf("%s_%s%s", start.Format("20060102T150405Z"), channel, FileExtension)
	return filepath.Join(dir, channel, start.Format("20060102"), name)
}

// summarise fills the derived gap and completeness fields from Gaps.
// samplesPerPacket converts sample counts into packet counts; synthetic
// padding is not counted as expected packets.
func (m *Metadata) summarise(samplesPerPacket int) {
	m.GapCount = len(m.Gaps)
	var filled, padding int64
	for _, g := range m.Gaps {
		n := int64(g.Filled)
		if rest := int64(m.SampleCount - g.Offset); n > rest {
			n = rest
		}
		if n < 0 {
			n = 0
		}
		filled += n
		if g.Source == resequencer.SourceAlignment || g.Source == resequencer.SourceFlushPadding {
			padding += n
		}
	}
	m.GapSamples = filled
	if m.SampleCount > 0 {
		m.Completeness = 100 * float64(int64(m.SampleCount)-filled) / float64(m.SampleCount)
	}
	if samplesPerPacket > 0 {
		spp := int64(samplesPerPacket)
		m.PacketsExpected = (int64(m.SampleCount) - padding + spp/2) / spp
		m.PacketsReceived = (int64(m.SampleCount) - filled + spp/2) / spp
	}
}
