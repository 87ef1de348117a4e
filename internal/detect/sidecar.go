package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/hf-timestd/internal/fsutil"
)

// SidecarSuffix is appended to a segment path to name the file an external
// detector writes its results to.
const SidecarSuffix = ".detections.json"

// SidecarDetector reads detections that an external detector has written
// next to the segment file. The detector runs after the segment is
// published, so the sidecar is polled for up to Attempts × Interval.
type SidecarDetector struct {
	FS       fsutil.FileSystem
	Attempts int
	Interval time.Duration
}

// SidecarPath returns the detections file for a segment.
func SidecarPath(segmentPath string) string {
	return segmentPath + SidecarSuffix
}

// Detect implements Detector. A sidecar that never appears is not an
// error: the window simply has no detections.
func (d SidecarDetector) Detect(ctx context.Context, w Window) ([]StationDetection, error) {
	fsys := d.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	attempts := d.Attempts
	if attempts < 1 {
		attempts = 1
	}

	path := SidecarPath(w.SegmentPath)
	for i := 0; i < attempts; i++ {
		if fsys.Exists(path) {
			return readSidecar(fsys, path)
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.Interval):
		}
	}
	return nil, nil
}

func readSidecar(fsys fsutil.FileSystem, path string) ([]StationDetection, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []StationDetection
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}
