package store

import (
	"context"
	"fmt"

	"github.com/nhr-fau/benchmonitor/internal/batchwriter"
	"github.com/nhr-fau/benchmonitor/internal/model"
)

// FlushBatch implements batchwriter.Flusher: writes every pending row
// inside one transaction (spec §4.7). On any failure the whole batch
// is rolled back; the caller drops it and logs, it is never retried.
func (s *Store) FlushBatch(rows []batchwriter.Row) error {
	if len(rows) == 0 {
		return nil
	}
	ctx := context.Background()
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flush batch: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_samples (experiment_id, timestamp, channel_index, value, is_valid)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("flush batch: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.ExperimentID, r.Sample.Timestamp, r.Sample.ChannelIndex, r.Sample.Value, r.Sample.Valid); err != nil {
			return fmt.Errorf("flush batch: insert: %w", err)
		}
	}
	return tx.Commit()
}

// InsertAggregates persists a batch of completed aggregation windows
// in one transaction. Conflicts on the (experiment, timestamp,
// channel) unique key are overwritten, since Ready()/Flush() never
// produce the same window twice under normal operation but a crash
// recovery replay might.
func (s *Store) InsertAggregates(ctx context.Context, aggs []model.AggregatedValue) error {
	if len(aggs) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert aggregates: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO agg_samples_20s
			(experiment_id, timestamp, channel_index, min, max, avg, first, last, std_dev,
			 sample_count, invalid_count, quality_flag, agg_window_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (experiment_id, timestamp, channel_index) DO UPDATE SET
			min = excluded.min, max = excluded.max, avg = excluded.avg,
			first = excluded.first, last = excluded.last, std_dev = excluded.std_dev,
			sample_count = excluded.sample_count, invalid_count = excluded.invalid_count,
			quality_flag = excluded.quality_flag, agg_window_sec = excluded.agg_window_sec`)
	if err != nil {
		return fmt.Errorf("insert aggregates: prepare: %w", err)
	}
	defer stmt.Close()

	for _, a := range aggs {
		if _, err := stmt.ExecContext(ctx, a.ExperimentID, a.WindowStart, a.ChannelIndex,
			a.Min, a.Max, a.Avg, a.First, a.Last, a.StdDev,
			a.SampleCount, a.InvalidCount, int(a.Quality), a.WindowSeconds); err != nil {
			return fmt.Errorf("insert aggregates: exec: %w", err)
		}
	}
	return tx.Commit()
}

// DataRange returns the earliest and latest raw sample timestamp
// recorded for an experiment, used by the read API's range summary.
func (s *Store) DataRange(ctx context.Context, experimentID string) (start, end *string, err error) {
	var row struct {
		Start *string `db:"start"`
		End   *string `db:"end"`
	}
	e := s.DB.GetContext(ctx, &row, `
		SELECT MIN(timestamp) AS start, MAX(timestamp) AS end
		FROM raw_samples WHERE experiment_id = ?`, experimentID)
	if e != nil {
		return nil, nil, fmt.Errorf("store: data range for %s: %w", experimentID, e)
	}
	return row.Start, row.End, nil
}
