package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/clockoffset"
	"github.com/banshee-data/hf-timestd/internal/detect"
)

const measurementColumns = `measurement_id, channel, station, frequency_hz, measured_unix_nanos,
	offset_ms, uncertainty_ms, grade, snr_db, confidence, timing_error_ms,
	propagation_delay_ms, delay_spread_ms, hops, mode`

// InsertMeasurement stores one channel measurement.
func (db *DB) InsertMeasurement(ctx context.Context, m clockoffset.ChannelMeasurement) error {
	_, err := db.ExecContext(ctx, `INSERT INTO channel_measurements (`+measurementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Channel, string(m.Station), m.FrequencyHz, m.Timestamp.UnixNano(),
		m.OffsetMs, m.UncertaintyMs, m.Grade.String(), m.SNR, m.Confidence, m.TimingErrorMs,
		m.PropagationDelayMs, m.DelaySpreadMs, m.Hops, m.Mode,
	)
	if err != nil {
		return fmt.Errorf("insert measurement for %s: %w", m.Channel, err)
	}
	return nil
}

// Measurements returns a channel's measurements at or after since, oldest
// first. limit <= 0 means no limit.
func (db *DB) Measurements(ctx context.Context, channel string, since time.Time, limit int) ([]clockoffset.ChannelMeasurement, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `SELECT `+measurementColumns+`
		FROM channel_measurements
		WHERE channel = ? AND measured_unix_nanos >= ?
		ORDER BY measured_unix_nanos ASC
		LIMIT ?`, channel, since.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clockoffset.ChannelMeasurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MeasurementChannels returns every channel with at least one measurement,
// sorted.
func (db *DB) MeasurementChannels(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT channel FROM channel_measurements ORDER BY channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// LatestChannelMeasurement returns a channel's newest measurement.
// The bool is false when the channel has none.
func (db *DB) LatestChannelMeasurement(ctx context.Context, channel string) (clockoffset.ChannelMeasurement, bool, error) {
	row := db.QueryRowContext(ctx, `SELECT `+measurementColumns+`
		FROM channel_measurements
		WHERE channel = ?
		ORDER BY measured_unix_nanos DESC
		LIMIT 1`, channel)
	m, err := scanMeasurement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return clockoffset.ChannelMeasurement{}, false, nil
	}
	if err != nil {
		return clockoffset.ChannelMeasurement{}, false, err
	}
	return m, true, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMeasurement(s scanner) (clockoffset.ChannelMeasurement, error) {
	var (
		m       clockoffset.ChannelMeasurement
		station string
		nanos   int64
		grade   string
	)
	if err := s.Scan(
		&m.ID, &m.Channel, &station, &m.FrequencyHz, &nanos,
		&m.OffsetMs, &m.UncertaintyMs, &grade, &m.SNR, &m.Confidence, &m.TimingErrorMs,
		&m.PropagationDelayMs, &m.DelaySpreadMs, &m.Hops, &m.Mode,
	); err != nil {
		return m, err
	}
	g, err := clockoffset.ParseGrade(grade)
	if err != nil {
		return m, fmt.Errorf("measurement %s: %w", m.ID, err)
	}
	m.Grade = g
	m.Station = detect.Station(station)
	m.Timestamp = time.Unix(0, nanos).UTC()
	return m, nil
}

// MeasurementStore adapts the database to the estimator's Recorder and
// the combiner's MeasurementSource, neither of which carries a context.
// Query failures are logged and read as "no data".
type MeasurementStore struct {
	db      *DB
	timeout time.Duration
	log     *logrus.Entry
}

func (db *DB) MeasurementStore() *MeasurementStore {
	return &MeasurementStore{db: db, timeout: 5 * time.Second, log: db.log}
}

func (s *MeasurementStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Record implements clockoffset.Recorder.
func (s *MeasurementStore) Record(m clockoffset.ChannelMeasurement) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.db.InsertMeasurement(ctx, m)
}

// Channels implements consensus.MeasurementSource.
func (s *MeasurementStore) Channels() []string {
	ctx, cancel := s.ctx()
	defer cancel()
	chs, err := s.db.MeasurementChannels(ctx)
	if err != nil {
		s.log.WithError(err).Warn("list measurement channels")
		return nil
	}
	return chs
}

// LatestMeasurement implements consensus.MeasurementSource.
func (s *MeasurementStore) LatestMeasurement(channel string) (clockoffset.ChannelMeasurement, bool) {
	ctx, cancel := s.ctx()
	defer cancel()
	m, ok, err := s.db.LatestChannelMeasurement(ctx, channel)
	if err != nil {
		s.log.WithError(err).WithField("channel", channel).Warn("read latest measurement")
		return clockoffset.ChannelMeasurement{}, false
	}
	return m, ok
}
