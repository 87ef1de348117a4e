package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/hf-timestd/internal/archive"
	"github.com/banshee-data/hf-timestd/internal/resequencer"
)

// SegmentRecord is one row of the segment index.
type SegmentRecord struct {
	ID              string                    `json:"id"`
	Channel         string                    `json:"channel"`
	Start           time.Time                 `json:"start"`
	Path            string                    `json:"path"`
	FrequencyHz     float64                   `json:"frequency_hz"`
	SampleRate      int                       `json:"sample_rate"`
	DurationSeconds float64                   `json:"duration_seconds"`
	SampleCount     int                       `json:"sample_count"`
	GapCount        int                       `json:"gap_count"`
	GapSamples      int64                     `json:"gap_samples"`
	PacketsReceived int64                     `json:"packets_received"`
	PacketsExpected int64                     `json:"packets_expected"`
	Completeness    float64                   `json:"completeness_pct"`
	Gaps            []resequencer.GapInterval `json:"gaps"`
}

// RecordSegment adds a written segment to the index. Re-recording the
// same channel and start replaces the earlier row.
func (db *DB) RecordSegment(ctx context.Context, c archive.Completed) error {
	md := c.Metadata
	gaps, err := json.Marshal(md.Gaps)
	if err != nil {
		return fmt.Errorf("encode gaps: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_segments (
			segment_id, channel, start_unix_nanos, path, frequency_hz, sample_rate,
			duration_seconds, sample_count, gap_count, gap_samples,
			packets_received, packets_expected, completeness_pct, gaps_json,
			created_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		md.ID, md.Channel, c.Start.UnixNano(), c.Path, md.FrequencyHz, md.SampleRate,
		md.DurationSeconds, md.SampleCount, md.GapCount, md.GapSamples,
		md.PacketsReceived, md.PacketsExpected, md.Completeness, string(gaps),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record segment %s: %w", c.Path, err)
	}
	return nil
}

// Segments returns a channel's most recent segments, newest first.
// limit <= 0 means 100.
func (db *DB) Segments(ctx context.Context, channel string, limit int) ([]SegmentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT segment_id, channel, start_unix_nanos, path, frequency_hz, sample_rate,
			duration_seconds, sample_count, gap_count, gap_samples,
			packets_received, packets_expected, completeness_pct, gaps_json
		FROM archive_segments
		WHERE channel = ?
		ORDER BY start_unix_nanos DESC
		LIMIT ?`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SegmentRecord
	for rows.Next() {
		var (
			r     SegmentRecord
			start int64
			gaps  string
		)
		if err := rows.Scan(
			&r.ID, &r.Channel, &start, &r.Path, &r.FrequencyHz, &r.SampleRate,
			&r.DurationSeconds, &r.SampleCount, &r.GapCount, &r.GapSamples,
			&r.PacketsReceived, &r.PacketsExpected, &r.Completeness, &gaps,
		); err != nil {
			return nil, err
		}
		r.Start = time.Unix(0, start).UTC()
		if err := json.Unmarshal([]byte(gaps), &r.Gaps); err != nil {
			return nil, fmt.Errorf("decode gaps of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
