package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/hf-timestd/internal/consensus"
)

// AppendConsensus implements consensus.HistorySink.
func (db *DB) AppendConsensus(ctx context.Context, res consensus.Result) error {
	outliers, err := json.Marshal(orEmpty(res.Outliers))
	if err != nil {
		return fmt.Errorf("encode outliers: %w", err)
	}
	stations, err := json.Marshal(res.Stations)
	if err != nil {
		return fmt.Errorf("encode stations: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO consensus_history (
			result_id, computed_unix_nanos, offset_ms, uncertainty_ms,
			station_agreement_ms, state, included_channels, total_channels,
			outliers_json, stations_json, computation_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.Timestamp.UnixNano(), res.OffsetMs, res.UncertaintyMs,
		res.StationAgreementMs, string(res.State), res.IncludedChannels, res.TotalChannels,
		string(outliers), string(stations), res.ComputationMs,
	)
	if err != nil {
		return fmt.Errorf("append consensus %s: %w", res.ID, err)
	}
	return nil
}

// ConsensusHistory returns results computed at or after since, oldest
// first. limit <= 0 means no limit.
func (db *DB) ConsensusHistory(ctx context.Context, since time.Time, limit int) ([]consensus.Result, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT result_id, computed_unix_nanos, offset_ms, uncertainty_ms,
			station_agreement_ms, state, included_channels, total_channels,
			outliers_json, stations_json, computation_ms
		FROM consensus_history
		WHERE computed_unix_nanos >= ?
		ORDER BY computed_unix_nanos ASC
		LIMIT ?`, since.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []consensus.Result
	for rows.Next() {
		var (
			r                  consensus.Result
			nanos              int64
			state              string
			outliers, stations string
		)
		if err := rows.Scan(
			&r.ID, &nanos, &r.OffsetMs, &r.UncertaintyMs,
			&r.StationAgreementMs, &state, &r.IncludedChannels, &r.TotalChannels,
			&outliers, &stations, &r.ComputationMs,
		); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, nanos).UTC()
		r.State = consensus.State(state)
		if err := json.Unmarshal([]byte(outliers), &r.Outliers); err != nil {
			return nil, fmt.Errorf("decode outliers of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(stations), &r.Stations); err != nil {
			return nil, fmt.Errorf("decode stations of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
